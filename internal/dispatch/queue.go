// Package dispatch decouples the transfer engine's callback goroutines from
// client-visible event delivery. Each registered client context owns one
// queue and one dispatcher goroutine; pushes never block on the consumer.
package dispatch

import (
	"log/slog"
	"sync"
)

// Queue is a single-consumer FIFO of notification records. Rapid progress
// updates for the same request collapse into the newest one; state
// transitions are never coalesced so terminal ordering is preserved.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	records []*Record
	hasData bool
	closed  bool

	logger *slog.Logger
}

func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{logger: logger}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// Push enqueues rec. A push on a torn-down queue is a silent no-op: engine
// callbacks can race a client deregistration and must never observe a fatal
// error for it.
func (q *Queue) Push(rec *Record) {
	if rec == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if n := len(q.records); n > 0 && rec.Kind == KindProgress {
		tail := q.records[n-1]
		if tail.Kind == KindProgress && tail.RequestID == rec.RequestID {
			// Supersede the undelivered progress value in place rather
			// than growing the queue under a fast progress stream.
			q.records[n-1] = rec
			q.hasData = true
			q.cond.Signal()

			return
		}
	}

	q.records = append(q.records, rec)
	q.hasData = true
	q.cond.Signal()
}

// Pop detaches the head record, or returns nil when the queue is empty.
func (q *Queue) Pop() *Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popLocked()
}

func (q *Queue) popLocked() *Record {
	if len(q.records) == 0 {
		if q.hasData {
			// State says data but the list is empty: an internal
			// invariant violation. Log and abandon the iteration
			// instead of crashing the dispatcher.
			q.logger.Error("dispatch queue flagged non-empty with no records")
			q.hasData = false
		}

		return nil
	}

	rec := q.records[0]
	q.records[0] = nil
	q.records = q.records[1:]

	if len(q.records) == 0 {
		q.hasData = false
	}

	return rec
}

// Len reports the number of undelivered records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.records)
}

// Terminate enqueues the stop sentinel. The dispatcher drains everything
// pushed before it, dispatches the sentinel as a no-op and exits.
func (q *Queue) Terminate() {
	q.Push(&Record{Kind: kindTerminate})
}

// close marks the queue torn down; subsequent pushes are dropped.
func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
