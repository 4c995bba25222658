// Package slot implements the client slot table: the daemon's fixed-capacity
// registry of client identities. A slot survives its connection; outstanding
// work keeps it occupied while the client is away, and a reconnecting client
// is handed its old slot back. The table is also the hub that routes engine
// callbacks into each slot's dispatch queue and services client commands.
package slot

import (
	"sync"

	"github.com/italolelis/downloadd/internal/dispatch"
	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/ipc"
)

// Slot is one client identity's seat at the table. The slot mutex serializes
// command handling, admission and sweep against each other; it satisfies the
// queue's Owner contract so the scheduler takes the same lock before
// admitting one of the slot's requests.
type Slot struct {
	mu sync.Mutex

	identity string
	label    string
	cred     ipc.Credential

	// conn is nil while the slot is orphaned. It is replaced wholesale on
	// re-admission; the worker that owned the old value notices and exits.
	conn *ipc.Conn

	requests map[int32]*download.Request

	events     *dispatch.Queue
	dispatcher *dispatch.Dispatcher
}

// Lock takes the slot mutex. Part of the queue Owner contract.
func (s *Slot) Lock() { s.mu.Lock() }

// Unlock releases the slot mutex.
func (s *Slot) Unlock() { s.mu.Unlock() }

// Identity returns the owning package name.
func (s *Slot) Identity() string { return s.identity }

// channel returns the current connection, or nil while orphaned.
func (s *Slot) channel() *ipc.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn
}

// request looks up a tracked request by id.
func (s *Slot) request(id int32) (*download.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]

	return req, ok
}

// track registers a request with the slot.
func (s *Slot) track(req *download.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[req.ID] = req
}

// forget drops a request from the slot. A miss is a no-op.
func (s *Slot) forget(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.requests, id)
}

// idle reports whether the slot holds no connection, no unfinished request
// and no undelivered event. An idle slot is reclaimable.
//
// Callers must hold the slot mutex.
func (s *Slot) idle() bool {
	if s.conn != nil {
		return false
	}

	for _, req := range s.requests {
		if !req.State().Terminal() {
			return false
		}
	}

	return s.events.Len() == 0
}

// snapshotRequests copies the tracked request set for iteration outside the
// slot lock.
func (s *Slot) snapshotRequests() []*download.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*download.Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}

	return out
}
