package slot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/italolelis/downloadd/internal/dispatch"
	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/engine"
	"github.com/italolelis/downloadd/internal/ipc"
	"github.com/italolelis/downloadd/internal/logctx"
	"github.com/italolelis/downloadd/internal/notifier"
	"github.com/italolelis/downloadd/internal/queue"
	"github.com/italolelis/downloadd/internal/storage"
	"github.com/italolelis/downloadd/internal/telemetry"
)

// Waker preempts the scheduler's timed wait when new work arrives.
type Waker interface {
	Wake()
}

// Config carries the table's tunables.
type Config struct {
	// Capacity is the fixed number of slots. Admission past it fails with
	// ErrTooManyClients.
	Capacity int

	// DownloadDir is the fallback destination for requests that name none.
	DownloadDir string
}

// Table owns every slot. One mutex guards the slot array and the
// request-to-slot routing map; per-slot state lives behind each slot's own
// lock so command handling on one slot never stalls another.
type Table struct {
	cfg    Config
	store  storage.Store
	queue  *queue.Queue
	ids    *download.IDGenerator
	notif  notifier.Notifier
	tel    *telemetry.Telemetry
	logger *slog.Logger

	// eng and waker are bound after construction: the engine needs the
	// table's callbacks before the table can hold the engine.
	eng   engine.Engine
	waker Waker

	mu     sync.Mutex
	slots  []*Slot
	owners map[int32]*Slot
}

func NewTable(cfg Config, store storage.Store, q *queue.Queue, ids *download.IDGenerator, notif notifier.Notifier, tel *telemetry.Telemetry, logger *slog.Logger) *Table {
	if notif == nil {
		notif = notifier.Noop{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Table{
		cfg:    cfg,
		store:  store,
		queue:  q,
		ids:    ids,
		notif:  notif,
		tel:    tel,
		logger: logger,
		slots:  make([]*Slot, cfg.Capacity),
		owners: make(map[int32]*Slot),
	}
}

// Bind attaches the transfer engine and the scheduler waker. Must be called
// before the first admission.
func (t *Table) Bind(eng engine.Engine, waker Waker) {
	t.eng = eng
	t.waker = waker
}

// Admit seats an authorized connection. A returning identity gets its
// existing slot back, replacing any stale connection; a new identity takes
// the first free slot or fails with ErrTooManyClients. On success the slot's
// worker goroutine owns the connection.
func (t *Table) Admit(ctx context.Context, conn *ipc.Conn, cred ipc.Credential, id ipc.Identity) error {
	t.mu.Lock()

	s := t.findLocked(id.Package)
	if s == nil {
		var err error

		s, err = t.seatLocked(id)
		if err != nil {
			t.mu.Unlock()

			return err
		}
	}

	t.mu.Unlock()

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.cred = cred
	s.label = id.SecurityLabel
	s.mu.Unlock()

	if old != nil {
		// A crashed client's worker may still be blocked on the dead
		// connection; closing it makes the worker exit.
		old.Close()
	}

	if err := t.store.UpsertClient(ctx, storage.ClientRecord{
		Package:       id.Package,
		PID:           cred.PID,
		UID:           cred.UID,
		GID:           cred.GID,
		SecurityLabel: id.SecurityLabel,
		LastAccessAt:  time.Now(),
	}); err != nil {
		// Admission must not outlive its persistence. Roll the seat back
		// unless the slot still holds work from a previous life.
		s.mu.Lock()
		s.conn = nil
		empty := len(s.requests) == 0
		s.mu.Unlock()

		if empty {
			t.release(s)
		}

		return fmt.Errorf("failed to persist client record: %w", err)
	}

	go t.worker(ctx, s, conn)

	// A returning client may have queued work waiting on its network class.
	if t.waker != nil {
		t.waker.Wake()
	}

	t.logger.Info("client admitted",
		"package", id.Package, "pid", cred.PID, "uid", cred.UID, "reattached", old != nil)

	return nil
}

// findLocked returns the slot owned by pkg, or nil.
func (t *Table) findLocked(pkg string) *Slot {
	for _, s := range t.slots {
		if s != nil && s.identity == pkg {
			return s
		}
	}

	return nil
}

// seatLocked creates a slot for a new identity in the first free position.
func (t *Table) seatLocked(id ipc.Identity) (*Slot, error) {
	for i, s := range t.slots {
		if s != nil {
			continue
		}

		ns := &Slot{
			identity: id.Package,
			label:    id.SecurityLabel,
			requests: make(map[int32]*download.Request),
		}
		ns.events = dispatch.NewQueue(t.logger.With("package", id.Package))
		ns.dispatcher = dispatch.NewDispatcher(ns.events, t.eventCallbacks(ns), t.logger.With("package", id.Package))

		t.slots[i] = ns

		return ns, nil
	}

	return nil, download.ErrTooManyClients
}

// ownerOf resolves the slot a request id is routed to.
func (t *Table) ownerOf(id int32) *Slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.owners[id]
}

// adopt routes a request id to a slot and tracks it there.
func (t *Table) adopt(s *Slot, req *download.Request) {
	t.mu.Lock()
	t.owners[req.ID] = s
	t.mu.Unlock()

	s.track(req)
}

// disown removes a request from routing and from its slot, and returns its
// id to the generator.
func (t *Table) disown(s *Slot, id int32) {
	t.mu.Lock()
	delete(t.owners, id)
	t.mu.Unlock()

	s.forget(id)
	t.ids.Release(id)
}

// release frees a slot's position and stops its dispatcher. The dispatcher
// is stopped outside every lock: it blocks until the event queue drains.
func (t *Table) release(s *Slot) {
	t.mu.Lock()

	for i, cur := range t.slots {
		if cur == s {
			t.slots[i] = nil

			break
		}
	}

	var freed []int32

	for id, owner := range t.owners {
		if owner == s {
			delete(t.owners, id)
			freed = append(freed, id)
		}
	}

	t.mu.Unlock()

	// Ids go back to the generator only after t.mu is dropped: the generator
	// checks ownership through ownerOf while holding its own lock, so taking
	// the generator lock under t.mu would invert the order and deadlock.
	for _, id := range freed {
		t.ids.Release(id)
	}

	s.dispatcher.Stop()

	t.logger.Info("slot released", "package", s.identity)
}

// Sweep reclaims idle orphaned slots and reports how many remain occupied.
// Busy slots are skipped rather than waited on; the next sweep gets them.
func (t *Table) Sweep(ctx context.Context) int {
	logger := logctx.LoggerFromContext(ctx)

	t.mu.Lock()
	candidates := make([]*Slot, 0, len(t.slots))

	for _, s := range t.slots {
		if s != nil {
			candidates = append(candidates, s)
		}
	}
	t.mu.Unlock()

	occupied := 0

	for _, s := range candidates {
		if !s.mu.TryLock() {
			occupied++

			continue
		}

		reclaim := s.idle()
		s.mu.Unlock()

		if !reclaim {
			occupied++

			continue
		}

		logger.Debug("sweeping idle slot", "package", s.identity)
		t.release(s)
	}

	return occupied
}

// Occupied reports how many slots are in use.
func (t *Table) Occupied() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0

	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}

	return n
}

// Recover rebuilds slots and requeues unfinished work from the persisted
// request table. Call it once, before the accept loop and the scheduler
// start: nothing races the rebuild.
func (t *Table) Recover(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	recs, err := t.store.NonTerminalRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan unfinished requests: %w", err)
	}

	recovered, requeued := 0, 0

	for _, rec := range recs {
		t.mu.Lock()
		s := t.findLocked(rec.Package)

		if s == nil {
			s, err = t.seatLocked(ipc.Identity{Package: rec.Package})
			if err != nil {
				t.mu.Unlock()
				logger.Warn("no slot for recovered request", "package", rec.Package, "request_id", rec.ID)

				continue
			}
		}
		t.mu.Unlock()

		req := t.rebuild(rec)
		t.ids.Reserve(req.ID)
		t.adopt(s, req)

		recovered++

		// Engine handles do not survive a restart; anything that was in
		// flight goes back through the queue and resumes from its partial
		// file. Paused requests stay paused until the client says resume.
		if rec.State.Recoverable() {
			req.SetState(download.StateQueued)

			if perr := t.store.SetRequestState(ctx, req.ID, download.StateQueued, ""); perr != nil {
				logger.Error("failed to persist recovered state", "request_id", req.ID, "err", perr)
			}

			if qerr := t.queue.Push(req.Network, s, req); qerr != nil {
				logger.Error("failed to requeue recovered request", "request_id", req.ID, "err", qerr)

				continue
			}

			requeued++
		}
	}

	logger.Info("recovery complete", "recovered", recovered, "requeued", requeued)

	return nil
}

// rebuild reconstructs the in-memory request from its persisted row.
func (t *Table) rebuild(rec storage.RequestRecord) *download.Request {
	req := download.NewRequest(rec.ID, rec.Package, rec.URL)
	req.Headers = rec.Headers
	req.Destination = rec.Destination
	req.Filename = rec.Filename
	req.Network = rec.Network

	req.SetState(rec.State)
	req.SetMetadata(rec.ContentType, rec.FileSize, rec.TempPath, rec.ETag)
	req.SetProgress(rec.ReceivedBytes)
	req.SetNotify(rec.Notification)

	if rec.SavedPath != "" {
		req.SetSavedPath(rec.SavedPath)
	}

	return req
}

// LiveTempPaths reports the temp files belonging to unfinished requests, for
// the stale-file janitor.
func (t *Table) LiveTempPaths() map[string]struct{} {
	t.mu.Lock()
	slots := make([]*Slot, 0, len(t.slots))

	for _, s := range t.slots {
		if s != nil {
			slots = append(slots, s)
		}
	}
	t.mu.Unlock()

	live := make(map[string]struct{})

	for _, s := range slots {
		for _, req := range s.snapshotRequests() {
			if req.State().Terminal() {
				continue
			}

			if _, _, tempPath, _ := req.Metadata(); tempPath != "" {
				live[tempPath] = struct{}{}
			}
		}
	}

	return live
}

// Callbacks adapts the table into the engine's callback surface. Callbacks
// arrive on engine goroutines and must stay cheap: each one is converted to
// a record and pushed onto the owning slot's dispatch queue.
func (t *Table) Callbacks() engine.Callbacks {
	return engine.Callbacks{
		OnMetadata: func(userData any, meta engine.Metadata) {
			req, ok := userData.(*download.Request)
			if !ok {
				return
			}

			if s := t.ownerOf(req.ID); s != nil {
				s.events.Push(dispatch.NewStarted(req.ID, meta, s))
			}
		},
		OnProgress: func(userData any, received int64, savedPath string) {
			req, ok := userData.(*download.Request)
			if !ok {
				return
			}

			if s := t.ownerOf(req.ID); s != nil {
				s.events.Push(dispatch.NewProgress(req.ID, received, savedPath, s))
			}
		},
		OnTerminal: func(userData any, state download.State, code engine.Code) {
			req, ok := userData.(*download.Request)
			if !ok {
				return
			}

			s := t.ownerOf(req.ID)
			if s == nil {
				return
			}

			if state == download.StatePaused {
				s.events.Push(dispatch.NewPaused(req.ID, s))

				return
			}

			s.events.Push(dispatch.NewFinished(req.ID, state, code, s))
		},
	}
}
