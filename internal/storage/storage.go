// Package storage defines the persistence boundary: logical tables for
// clients, requests, state logging, notification policy and terminal-state
// history. Durability here is a correctness precondition for crash recovery,
// so implementations failing at runtime escalate to daemon shutdown.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/downloadd/internal/download"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ClientRecord is one row of the clients table, keyed by package identity.
type ClientRecord struct {
	Package       string
	PID           int
	UID           int
	GID           int
	SecurityLabel string
	LastAccessAt  time.Time
}

// RequestRecord is one row of the requests table plus the notification
// policy column. The row key doubles as the in-memory request id.
type RequestRecord struct {
	ID            int32
	Package       string
	URL           string
	Destination   string
	Filename      string
	Headers       []string
	Network       download.NetworkClass
	State         download.State
	ErrorCode     string
	ReceivedBytes int64
	FileSize      int64
	ContentType   string
	TempPath      string
	SavedPath     string
	ETag          string
	Notification  bool
	StartCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StateLogRecord is one row of the logging table: the state/error audit
// trail behind crash recovery verification.
type StateLogRecord struct {
	RequestID int32
	State     download.State
	ErrorCode string
	LoggedAt  time.Time
}

// ClientRepository persists per-client metadata.
type ClientRepository interface {
	UpsertClient(ctx context.Context, rec ClientRecord) error
	GetClient(ctx context.Context, pkg string) (ClientRecord, error)
	DeleteClient(ctx context.Context, pkg string) error
	ClientPackages(ctx context.Context) ([]string, error)
}

// RequestRepository persists request rows and their audit trail.
type RequestRepository interface {
	SaveRequest(ctx context.Context, rec RequestRecord) error
	GetRequest(ctx context.Context, id int32) (RequestRecord, error)
	RequestState(ctx context.Context, id int32) (download.State, error)
	SetRequestState(ctx context.Context, id int32, state download.State, errorCode string) error
	SetRequestProgress(ctx context.Context, id int32, received int64) error
	SetRequestMetadata(ctx context.Context, id int32, contentType string, size int64, tempPath, savedPath, etag string) error
	SetRequestNotification(ctx context.Context, id int32, enabled bool) error
	DeleteRequest(ctx context.Context, id int32) error

	// NonTerminalRequests is the crash-recovery scan: every request row
	// whose persisted state is not terminal, ordered by creation time.
	NonTerminalRequests(ctx context.Context) ([]RequestRecord, error)

	// RequestIDs is the ordered, filtered id scan. A negative state
	// matches all states.
	RequestIDs(ctx context.Context, state download.State, limit int) ([]int32, error)

	StateLog(ctx context.Context, id int32) ([]StateLogRecord, error)
}

// HistoryRepository archives terminal requests. The history table is capped:
// inserting past the cap evicts the oldest rows first.
type HistoryRepository interface {
	ArchiveRequest(ctx context.Context, rec RequestRecord) error
	History(ctx context.Context, limit int) ([]RequestRecord, error)
	PruneHistory(ctx context.Context, keepFor time.Duration) (int64, error)
}

// Store is the full persistence surface the daemon is wired with.
type Store interface {
	ClientRepository
	RequestRepository
	HistoryRepository
}
