package slot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/storage"
)

// memStore is an in-memory storage.Store for exercising the table without
// SQLite in the loop.
type memStore struct {
	mu       sync.Mutex
	clients  map[string]storage.ClientRecord
	requests map[int32]storage.RequestRecord
	history  map[int32]storage.RequestRecord
	log      map[int32][]storage.StateLogRecord
}

func newMemStore() *memStore {
	return &memStore{
		clients:  make(map[string]storage.ClientRecord),
		requests: make(map[int32]storage.RequestRecord),
		history:  make(map[int32]storage.RequestRecord),
		log:      make(map[int32][]storage.StateLogRecord),
	}
}

func (m *memStore) UpsertClient(_ context.Context, rec storage.ClientRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[rec.Package] = rec

	return nil
}

func (m *memStore) GetClient(_ context.Context, pkg string) (storage.ClientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.clients[pkg]
	if !ok {
		return storage.ClientRecord{}, storage.ErrNotFound
	}

	return rec, nil
}

func (m *memStore) DeleteClient(_ context.Context, pkg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.clients, pkg)

	return nil
}

func (m *memStore) ClientPackages(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pkgs := make([]string, 0, len(m.clients))
	for pkg := range m.clients {
		pkgs = append(pkgs, pkg)
	}

	sort.Strings(pkgs)

	return pkgs, nil
}

func (m *memStore) SaveRequest(_ context.Context, rec storage.RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	rec.UpdatedAt = time.Now()
	m.requests[rec.ID] = rec
	m.log[rec.ID] = append(m.log[rec.ID], storage.StateLogRecord{RequestID: rec.ID, State: rec.State, ErrorCode: rec.ErrorCode, LoggedAt: time.Now()})

	return nil
}

func (m *memStore) GetRequest(_ context.Context, id int32) (storage.RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.requests[id]
	if !ok {
		return storage.RequestRecord{}, storage.ErrNotFound
	}

	return rec, nil
}

func (m *memStore) RequestState(_ context.Context, id int32) (download.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.requests[id]
	if !ok {
		return download.StateNone, storage.ErrNotFound
	}

	return rec.State, nil
}

func (m *memStore) SetRequestState(_ context.Context, id int32, state download.State, errorCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.requests[id]
	if !ok {
		return storage.ErrNotFound
	}

	rec.State = state
	rec.ErrorCode = errorCode
	rec.UpdatedAt = time.Now()
	m.requests[id] = rec
	m.log[id] = append(m.log[id], storage.StateLogRecord{RequestID: id, State: state, ErrorCode: errorCode, LoggedAt: time.Now()})

	return nil
}

func (m *memStore) SetRequestProgress(_ context.Context, id int32, received int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.requests[id]
	if !ok {
		return storage.ErrNotFound
	}

	rec.ReceivedBytes = received
	m.requests[id] = rec

	return nil
}

func (m *memStore) SetRequestMetadata(_ context.Context, id int32, contentType string, size int64, tempPath, savedPath, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.requests[id]
	if !ok {
		return storage.ErrNotFound
	}

	rec.ContentType = contentType
	rec.FileSize = size
	rec.TempPath = tempPath
	rec.SavedPath = savedPath
	rec.ETag = etag
	m.requests[id] = rec

	return nil
}

func (m *memStore) SetRequestNotification(_ context.Context, id int32, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.requests[id]
	if !ok {
		return storage.ErrNotFound
	}

	rec.Notification = enabled
	m.requests[id] = rec

	return nil
}

func (m *memStore) DeleteRequest(_ context.Context, id int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.requests, id)
	delete(m.log, id)

	return nil
}

func (m *memStore) NonTerminalRequests(context.Context) ([]storage.RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []storage.RequestRecord

	for _, rec := range m.requests {
		if !rec.State.Terminal() {
			recs = append(recs, rec)
		}
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	return recs, nil
}

func (m *memStore) RequestIDs(_ context.Context, state download.State, limit int) ([]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int32

	for id, rec := range m.requests {
		if state < 0 || rec.State == state {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	return ids, nil
}

func (m *memStore) StateLog(_ context.Context, id int32) ([]storage.StateLogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]storage.StateLogRecord(nil), m.log[id]...), nil
}

func (m *memStore) ArchiveRequest(_ context.Context, rec storage.RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[rec.ID] = rec
	delete(m.requests, rec.ID)
	delete(m.log, rec.ID)

	return nil
}

func (m *memStore) History(_ context.Context, limit int) ([]storage.RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []storage.RequestRecord
	for _, rec := range m.history {
		recs = append(recs, rec)
	}

	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	return recs, nil
}

func (m *memStore) PruneHistory(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (m *memStore) state(id int32) download.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests[id].State
}

func (m *memStore) archived(id int32) (storage.RequestRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.history[id]

	return rec, ok
}
