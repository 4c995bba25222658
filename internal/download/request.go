package download

import (
	"sync"
	"time"
)

// NoEngineHandle marks a request that has not been admitted to the transfer
// engine yet.
const NoEngineHandle int64 = -1

// Request is one in-flight or queued download. A request belongs to exactly
// one client slot at a time; the slot's lock serializes most mutation, but
// state and progress are read concurrently by the scheduler and the admin
// surface, so those fields are guarded by the request's own mutex.
type Request struct {
	ID          int32
	Package     string
	URL         string
	Headers     []string
	Destination string
	Filename    string
	Network     NetworkClass

	mu             sync.Mutex
	state          State
	errorCode      string
	engineHandle   int64
	receivedBytes  int64
	fileSize       int64
	contentType    string
	tempPath       string
	savedPath      string
	etag           string
	startCount     int
	notify         bool
	lastProgressAt time.Time
}

// NewRequest returns a request in StateNone, not yet queued anywhere.
func NewRequest(id int32, pkg, url string) *Request {
	return &Request{
		ID:           id,
		Package:      pkg,
		URL:          url,
		engineHandle: NoEngineHandle,
	}
}

func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

func (r *Request) SetState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = s
}

// Fail records a terminal failure together with its error code.
func (r *Request) Fail(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = StateFailed
	r.errorCode = code
}

func (r *Request) ErrorCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.errorCode
}

func (r *Request) EngineHandle() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.engineHandle
}

func (r *Request) SetEngineHandle(h int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.engineHandle = h
}

// Progress returns the received byte count and the total file size. A total
// of zero means the size is not known yet.
func (r *Request) Progress() (received, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.receivedBytes, r.fileSize
}

func (r *Request) SetProgress(received int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.receivedBytes = received
	r.lastProgressAt = time.Now()
}

func (r *Request) LastProgressAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastProgressAt
}

// SetMetadata records what the engine learned when the transfer connected.
func (r *Request) SetMetadata(contentType string, size int64, tempPath, etag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.contentType = contentType
	r.fileSize = size
	r.tempPath = tempPath
	r.etag = etag
}

func (r *Request) Metadata() (contentType string, size int64, tempPath, etag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.contentType, r.fileSize, r.tempPath, r.etag
}

func (r *Request) SetSavedPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.savedPath = path
}

func (r *Request) SavedPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.savedPath
}

// IncStartCount bumps the admission attempt counter and returns the new value.
func (r *Request) IncStartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.startCount++

	return r.startCount
}

func (r *Request) StartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.startCount
}

func (r *Request) SetNotify(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.notify = on
}

func (r *Request) Notify() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.notify
}
