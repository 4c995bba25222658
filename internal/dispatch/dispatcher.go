package dispatch

import (
	"log/slog"
)

// Callbacks receives records on the dispatcher goroutine, one at a time, in
// delivery order. Nil entries are skipped. Handlers may block on I/O; that is
// the point of the hand-off.
type Callbacks struct {
	OnStarted  func(*Record)
	OnProgress func(*Record)
	OnPaused   func(*Record)
	OnFinished func(*Record)
}

// Dispatcher owns the consumer side of one queue.
type Dispatcher struct {
	queue     *Queue
	callbacks Callbacks
	logger    *slog.Logger
	done      chan struct{}
}

// NewDispatcher wires callbacks to a queue and starts the consumer
// goroutine.
func NewDispatcher(q *Queue, callbacks Callbacks, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		queue:     q,
		callbacks: callbacks,
		logger:    logger,
		done:      make(chan struct{}),
	}

	go d.run()

	return d
}

// Stop tears the context down: further pushes become no-ops, a terminate
// sentinel is queued behind everything already pushed, and Stop blocks until
// the dispatcher goroutine has drained and exited.
func (d *Dispatcher) Stop() {
	d.queue.Terminate()
	d.queue.close()
	<-d.done
}

// Done exposes dispatcher exit for tests and teardown diagnostics.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	q := d.queue

	for {
		q.mu.Lock()
		for !q.hasData {
			q.cond.Wait()
		}

		// Drain entirely before sleeping again; each record is
		// dispatched synchronously before the next pop so a handler
		// observing record N can rely on N-1 being fully delivered.
		for {
			rec := q.popLocked()
			if rec == nil {
				break
			}

			q.mu.Unlock()

			if rec.Kind == kindTerminate {
				return
			}

			d.deliver(rec)
			q.mu.Lock()
		}

		q.mu.Unlock()
	}
}

func (d *Dispatcher) deliver(rec *Record) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch callback panic", "kind", rec.Kind.String(), "request_id", rec.RequestID, "panic", r)
		}
	}()

	switch rec.Kind {
	case KindStarted:
		if d.callbacks.OnStarted != nil {
			d.callbacks.OnStarted(rec)
		}
	case KindProgress:
		if d.callbacks.OnProgress != nil {
			d.callbacks.OnProgress(rec)
		}
	case KindPaused:
		if d.callbacks.OnPaused != nil {
			d.callbacks.OnPaused(rec)
		}
	case KindFinished:
		if d.callbacks.OnFinished != nil {
			d.callbacks.OnFinished(rec)
		}
	default:
		d.logger.Warn("dropping record of unknown kind", "kind", int(rec.Kind))
	}
}
