package dispatch

import (
	"strings"

	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/engine"
)

// Kind tags a notification record. Only progress records are ever coalesced;
// every other kind is delivered in push order.
type Kind int

const (
	KindStarted Kind = iota
	KindProgress
	KindPaused
	KindFinished
	kindTerminate
)

func (k Kind) String() string {
	switch k {
	case KindStarted:
		return "started"
	case KindProgress:
		return "progress"
	case KindPaused:
		return "paused"
	case KindFinished:
		return "finished"
	case kindTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Record is one client-visible event in flight between the engine callback
// and the dispatcher. Ownership transfers into the queue on Push and out on
// Pop; a record is never referenced by two holders at once.
//
// Constructors clone every string so the record never aliases engine-owned
// memory: the engine may reuse its buffers the moment the callback returns.
type Record struct {
	Kind      Kind
	RequestID int32
	State     download.State
	Code      engine.Code
	Received  int64
	Size      int64
	Path      string
	Content   string
	ETag      string

	// UserData is a non-owning reference to the owning slot context.
	UserData any
}

// NewStarted builds the download-info-ready record.
func NewStarted(id int32, meta engine.Metadata, userData any) *Record {
	return &Record{
		Kind:      KindStarted,
		RequestID: id,
		State:     download.StateDownloading,
		Size:      meta.Size,
		Path:      strings.Clone(meta.TempPath),
		Content:   strings.Clone(meta.ContentType),
		ETag:      strings.Clone(meta.ETag),
		UserData:  userData,
	}
}

// NewProgress builds a coalescable progress record.
func NewProgress(id int32, received int64, path string, userData any) *Record {
	return &Record{
		Kind:      KindProgress,
		RequestID: id,
		State:     download.StateDownloading,
		Received:  received,
		Path:      strings.Clone(path),
		UserData:  userData,
	}
}

// NewPaused builds the record for a transfer that stopped but may continue.
func NewPaused(id int32, userData any) *Record {
	return &Record{
		Kind:      KindPaused,
		RequestID: id,
		State:     download.StatePaused,
		UserData:  userData,
	}
}

// NewFinished builds the terminal record for a request.
func NewFinished(id int32, state download.State, code engine.Code, userData any) *Record {
	return &Record{
		Kind:      KindFinished,
		RequestID: id,
		State:     state,
		Code:      code,
		UserData:  userData,
	}
}
