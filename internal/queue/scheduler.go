package queue

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/engine"
	"github.com/italolelis/downloadd/internal/logctx"
)

const defaultCycleInterval = 5 * time.Second

// StateStore is the slice of persistence the scheduler needs: the persisted
// state is the admission source of truth, protecting against a request
// cancelled or started through a concurrent path after it was popped.
type StateStore interface {
	RequestState(ctx context.Context, id int32) (download.State, error)
	SetRequestState(ctx context.Context, id int32, state download.State, errorCode string) error
}

// Availability answers whether a network class is usable right now.
type Availability interface {
	Available(class download.NetworkClass) bool
}

// Outcome classifies one admission attempt, for metrics and the failure
// notification hook.
type Outcome int

const (
	OutcomeAdmitted Outcome = iota
	OutcomeRequeued
	OutcomeFailed
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeFailed:
		return "failed"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Scheduler drains the request queue into the transfer engine on a single
// goroutine. The only blocking point is a timed wait, preempted by Wake.
type Scheduler struct {
	queue  *Queue
	engine engine.Engine
	store  StateStore
	net    Availability

	// onFailed delivers the terminal notification for a request the
	// scheduler failed without engine involvement. Optional.
	onFailed func(e Entry, code engine.Code)

	// onOutcome observes every admission attempt. Optional, metrics hook.
	onOutcome func(Outcome)

	interval time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	wake    bool
	stopped bool
	done    chan struct{}
}

type SchedulerOption func(*Scheduler)

// WithCycleInterval overrides the timed-wait cadence between drain cycles.
func WithCycleInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithFailureHook registers the terminal-notification callback.
func WithFailureHook(fn func(Entry, engine.Code)) SchedulerOption {
	return func(s *Scheduler) { s.onFailed = fn }
}

// WithOutcomeHook registers the per-admission observer.
func WithOutcomeHook(fn func(Outcome)) SchedulerOption {
	return func(s *Scheduler) { s.onOutcome = fn }
}

func NewScheduler(q *Queue, eng engine.Engine, store StateStore, net Availability, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:    q,
		engine:   eng,
		store:    store,
		net:      net,
		interval: defaultCycleInterval,
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Wake preempts the current timed wait. Raised whenever new work is pushed
// or a client reconnects.
func (s *Scheduler) Wake() {
	s.mu.Lock()
	s.wake = true
	s.mu.Unlock()

	s.cond.Broadcast()
}

// Run owns the scheduling loop until Stop or context cancellation. Call it
// from exactly one goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	defer close(s.done)

	// The cond has no native timeout; a ticking goroutine converts the
	// cadence into broadcasts so the wait below stays a plain cond wait.
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	stopTick := make(chan struct{})
	defer close(stopTick)

	go func() {
		for {
			select {
			case <-ticker.C:
				s.cond.Broadcast()
			case <-ctx.Done():
				s.cond.Broadcast()

				return
			case <-stopTick:
				return
			}
		}
	}()

	for {
		s.mu.Lock()
		if !s.wake && !s.stopped && ctx.Err() == nil {
			// Woken by the ticker, an explicit Wake or Stop. A
			// timer wakeup runs a cycle too: it is the periodic
			// retry after backpressure.
			s.cond.Wait()
		}

		stopped := s.stopped || ctx.Err() != nil
		s.wake = false
		s.mu.Unlock()

		if stopped {
			logger.Info("scheduler shutting down")

			s.clearAll()

			return ctx.Err()
		}

		s.cycle(ctx)
	}
}

// Stop flags shutdown, wakes the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cond.Broadcast()
	<-s.done
}

func (s *Scheduler) clearAll() {
	for _, class := range download.NetworkClasses {
		s.queue.Clear(class)
	}
}

// cycle drains every usable partition once, preferred classes first.
func (s *Scheduler) cycle(ctx context.Context) {
	for _, class := range download.NetworkClasses {
		if ctx.Err() != nil {
			return
		}

		if s.net != nil && !s.net.Available(class) {
			continue
		}

		s.drain(ctx, class)
	}
}

// drain pops until the partition is empty or the engine pushes back.
func (s *Scheduler) drain(ctx context.Context, class download.NetworkClass) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		e, ok := s.queue.Pop(class)
		if !ok {
			return
		}

		outcome := s.admit(ctx, class, e)
		if s.onOutcome != nil {
			s.onOutcome(outcome)
		}

		if outcome == OutcomeRequeued {
			// Backpressure: stop draining this partition for this
			// cycle instead of hot-looping against a saturated
			// engine. The request already sits back at the tail.
			logger.Debug("engine backpressure, pausing drain", "class", class.String())

			return
		}
	}
}

func (s *Scheduler) admit(ctx context.Context, class download.NetworkClass, e Entry) Outcome {
	logger := logctx.LoggerFromContext(ctx).With("request_id", e.Request.ID, "package", e.Owner.Identity())

	e.Owner.Lock()
	defer e.Owner.Unlock()

	// Re-verify against the persisted state: the request may have been
	// cancelled or started by a concurrent path while linked.
	persisted, err := s.store.RequestState(ctx, e.Request.ID)
	if err != nil {
		logger.Error("failed to read persisted request state", "err", err)

		return OutcomeDropped
	}

	if persisted != download.StateQueued {
		logger.Debug("skipping stale queue entry", "persisted_state", persisted.String())

		return OutcomeDropped
	}

	e.Request.IncStartCount()

	err = s.startOrResume(ctx, e)
	switch {
	case err == nil:
		e.Request.SetState(download.StateConnecting)

		if perr := s.store.SetRequestState(ctx, e.Request.ID, download.StateConnecting, ""); perr != nil {
			logger.Error("failed to persist connecting state", "err", perr)
		}

		logger.Debug("request admitted", "class", class.String())

		return OutcomeAdmitted

	case engine.IsBackpressure(err):
		// Leave the persisted state untouched; the request stays
		// Queued and returns to the tail of its partition.
		if perr := s.queue.Push(class, e.Owner, e.Request); perr != nil {
			logger.Error("failed to requeue after backpressure", "err", perr)
		}

		return OutcomeRequeued

	case engine.IsInvalidHandle(err):
		// The engine no longer recognizes the handle being resumed.
		// Fail the request explicitly instead of silently dropping it:
		// an untracked request with a live persisted row would never
		// reach a terminal state otherwise.
		logger.Warn("engine rejected stale handle, failing request")

		s.fail(ctx, e, engine.CodeInvalidHandle)

		return OutcomeFailed

	default:
		logger.Warn("admission failed", "err", err)

		s.fail(ctx, e, engine.ErrCode(err))

		return OutcomeFailed
	}
}

// startOrResume picks resume when the request already carries an engine
// handle, start otherwise.
func (s *Scheduler) startOrResume(ctx context.Context, e Entry) error {
	if h := e.Request.EngineHandle(); h != download.NoEngineHandle {
		return s.engine.Resume(engine.Handle(h))
	}

	_, _, tempPath, etag := e.Request.Metadata()

	h, err := s.engine.Start(ctx, engine.StartSpec{
		URL:            e.Request.URL,
		Headers:        e.Request.Headers,
		DestinationDir: e.Request.Destination,
		Filename:       e.Request.Filename,
		TempPath:       tempPath,
		ETag:           etag,
	}, e.Request)
	if err != nil {
		return err
	}

	e.Request.SetEngineHandle(int64(h))

	return nil
}

func (s *Scheduler) fail(ctx context.Context, e Entry, code engine.Code) {
	logger := logctx.LoggerFromContext(ctx)

	e.Request.Fail(code.String())

	if perr := s.store.SetRequestState(ctx, e.Request.ID, download.StateFailed, code.String()); perr != nil {
		logger.Error("failed to persist failed state", "request_id", e.Request.ID, "err", perr)
	}

	if s.onFailed != nil {
		s.onFailed(e, code)
	}
}
