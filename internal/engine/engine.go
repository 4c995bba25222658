// Package engine defines the boundary to the transfer engine: an opaque
// start/pause/resume/cancel/query API whose callbacks arrive on engine-owned
// goroutines. The daemon core never assumes anything about the engine beyond
// this contract.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/downloadd/internal/download"
)

// Handle identifies a transfer inside the engine. Handles are only meaningful
// to the engine instance that issued them; after a daemon restart a persisted
// handle is stale and resume will fail with CodeInvalidHandle.
type Handle int64

// StartSpec carries everything the engine needs to begin (or re-begin) a
// transfer.
type StartSpec struct {
	URL            string
	Headers        []string
	DestinationDir string
	Filename       string

	// TempPath and ETag, when set, allow the engine to continue a partial
	// transfer with a ranged request instead of starting over.
	TempPath string
	ETag     string
}

// Metadata is what the engine learns when the transfer connects.
type Metadata struct {
	ContentType string
	Size        int64
	TempPath    string
	ETag        string
}

// Callbacks are invoked on engine-owned goroutines. Implementations must not
// block for long and must not retain references into engine-owned buffers
// past the callback's return.
type Callbacks struct {
	OnMetadata func(userData any, meta Metadata)
	OnProgress func(userData any, received int64, savedPath string)
	OnTerminal func(userData any, state download.State, code Code)
}

// Engine is the transfer engine adapter consumed by the scheduler and the
// client slots.
type Engine interface {
	Start(ctx context.Context, spec StartSpec, userData any) (Handle, error)
	Resume(h Handle) error
	Pause(h Handle) error
	Cancel(h Handle) error
	IsAlive(h Handle) bool
}

// Code classifies engine failures the way the scheduler's admission table
// needs them: backpressure codes cause a requeue, CodeInvalidHandle fails the
// request, everything else is a terminal engine failure.
type Code int

const (
	CodeNone Code = iota
	CodeNetwork
	CodeResourceBusy
	CodeDiskBusy
	CodeOutOfMemory
	CodeInvalidHandle
	CodeTooManyDownloads
	CodeInvalidURL
	CodeIO
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeNetwork:
		return "network"
	case CodeResourceBusy:
		return "resource_busy"
	case CodeDiskBusy:
		return "disk_busy"
	case CodeOutOfMemory:
		return "out_of_memory"
	case CodeInvalidHandle:
		return "invalid_handle"
	case CodeTooManyDownloads:
		return "too_many_downloads"
	case CodeInvalidURL:
		return "invalid_url"
	case CodeIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the engine failure surface. Op names the operation that failed.
type Error struct {
	Op   string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine %s: %s: %v", e.Op, e.Code, e.Err)
	}

	return fmt.Sprintf("engine %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrCode extracts the engine code from err, or CodeNone when err is not an
// engine error.
func ErrCode(err error) Code {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}

	return CodeNone
}

// IsBackpressure reports whether err signals that the engine cannot accept
// more work right now. The scheduler reacts by requeueing and pausing the
// drain rather than spinning.
func IsBackpressure(err error) bool {
	switch ErrCode(err) {
	case CodeResourceBusy, CodeDiskBusy, CodeOutOfMemory, CodeTooManyDownloads:
		return true
	default:
		return false
	}
}

// IsInvalidHandle reports whether err means the engine no longer recognizes
// the handle being resumed.
func IsInvalidHandle(err error) bool {
	return ErrCode(err) == CodeInvalidHandle
}
