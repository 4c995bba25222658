// Package queue holds pending download requests between arrival and
// admission into the transfer engine. Work is partitioned by network class;
// one lock serializes all partitions because the expected depth is bounded by
// the engine's admission ceiling and correctness beats parallelism here.
package queue

import (
	"errors"
	"sync"

	"github.com/italolelis/downloadd/internal/download"
)

// ErrNotQueued rejects a push of a request whose state is not StateQueued.
var ErrNotQueued = errors.New("request is not in queued state")

// Owner is the slot that owns a queued request. The scheduler locks it while
// re-verifying and admitting the request.
type Owner interface {
	Lock()
	Unlock()
	Identity() string
}

// Entry is one (slot, request) pair. Ownership of the entry belongs to the
// queue while linked and returns to the caller on Pop.
type Entry struct {
	Owner   Owner
	Request *download.Request
}

// Queue is a set of per-network-class FIFOs.
type Queue struct {
	mu    sync.Mutex
	parts map[download.NetworkClass][]Entry
}

func New() *Queue {
	return &Queue{parts: make(map[download.NetworkClass][]Entry)}
}

// Push appends at the tail of the class partition. A duplicate
// (owner, request-id) pair is a success-no-op so callers stay idempotent.
// The linear duplicate scan is fine: partition depth is bounded by the
// engine's concurrency ceiling.
func (q *Queue) Push(class download.NetworkClass, owner Owner, req *download.Request) error {
	if req.State() != download.StateQueued {
		return ErrNotQueued
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.parts[class] {
		if e.Owner == owner && e.Request.ID == req.ID {
			return nil
		}
	}

	q.parts[class] = append(q.parts[class], Entry{Owner: owner, Request: req})

	return nil
}

// Pop removes from the head. It never blocks: when the lock is contended the
// partition reports no data this round, keeping the scheduler responsive.
// Entries whose request left StateQueued while linked (cancelled in place)
// are discarded on the way.
func (q *Queue) Pop(class download.NetworkClass) (Entry, bool) {
	if !q.mu.TryLock() {
		return Entry{}, false
	}
	defer q.mu.Unlock()

	part := q.parts[class]
	for len(part) > 0 {
		e := part[0]
		part = part[1:]

		if e.Request.State() != download.StateQueued {
			continue
		}

		q.parts[class] = part

		return e, true
	}

	q.parts[class] = part

	return Entry{}, false
}

// Remove unlinks the first entry referencing the request id. A miss is a
// no-op: the entry may have been popped concurrently.
func (q *Queue) Remove(class download.NetworkClass, id int32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	part := q.parts[class]
	for i, e := range part {
		if e.Request.ID == id {
			q.parts[class] = append(part[:i:i], part[i+1:]...)

			return
		}
	}
}

// Clear drains a partition, used at scheduler shutdown.
func (q *Queue) Clear(class download.NetworkClass) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.parts[class] = nil
}

// Len reports the depth of one partition.
func (q *Queue) Len(class download.NetworkClass) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.parts[class])
}

// Depths snapshots every partition depth, keyed by class name. Used by the
// admin surface and metrics.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int, len(download.NetworkClasses))
	for _, class := range download.NetworkClasses {
		out[class.String()] = len(q.parts[class])
	}

	return out
}
