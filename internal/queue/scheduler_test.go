package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/engine"
	"github.com/italolelis/downloadd/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine scripts Start and Resume responses per request id.
type fakeEngine struct {
	mu        sync.Mutex
	next      engine.Handle
	startErr  map[string]error
	started   []string
	resumeErr error
	resumed   []engine.Handle
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{startErr: make(map[string]error)}
}

func (e *fakeEngine) Start(_ context.Context, spec engine.StartSpec, _ any) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.startErr[spec.URL]; err != nil {
		return 0, err
	}

	e.next++
	e.started = append(e.started, spec.URL)

	return e.next, nil
}

func (e *fakeEngine) Resume(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resumed = append(e.resumed, h)

	return e.resumeErr
}

func (e *fakeEngine) Pause(engine.Handle) error  { return nil }
func (e *fakeEngine) Cancel(engine.Handle) error { return nil }
func (e *fakeEngine) IsAlive(engine.Handle) bool { return false }

func (e *fakeEngine) startedURLs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.started...)
}

// fakeStore keeps persisted states in memory.
type fakeStore struct {
	mu     sync.Mutex
	states map[int32]download.State
	codes  map[int32]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[int32]download.State), codes: make(map[int32]string)}
}

func (s *fakeStore) RequestState(_ context.Context, id int32) (download.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.states[id], nil
}

func (s *fakeStore) SetRequestState(_ context.Context, id int32, state download.State, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[id] = state
	s.codes[id] = code

	return nil
}

func (s *fakeStore) state(id int32) download.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.states[id]
}

// fakeNet reports a fixed availability picture.
type fakeNet struct {
	mu   sync.Mutex
	down map[download.NetworkClass]bool
}

func (n *fakeNet) Available(class download.NetworkClass) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return !n.down[class]
}

type schedulerHarness struct {
	queue    *queue.Queue
	engine   *fakeEngine
	store    *fakeStore
	net      *fakeNet
	sched    *queue.Scheduler
	outcomes chan queue.Outcome
	failures chan engine.Code
	cancel   context.CancelFunc
	done     chan struct{}
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	t.Helper()

	h := &schedulerHarness{
		queue:    queue.New(),
		engine:   newFakeEngine(),
		store:    newFakeStore(),
		net:      &fakeNet{down: make(map[download.NetworkClass]bool)},
		outcomes: make(chan queue.Outcome, 64),
		failures: make(chan engine.Code, 16),
		done:     make(chan struct{}),
	}

	h.sched = queue.NewScheduler(h.queue, h.engine, h.store, h.net,
		queue.WithCycleInterval(time.Hour),
		queue.WithOutcomeHook(func(o queue.Outcome) { h.outcomes <- o }),
		queue.WithFailureHook(func(_ queue.Entry, code engine.Code) { h.failures <- code }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		defer close(h.done)

		_ = h.sched.Run(ctx)
	}()

	t.Cleanup(func() {
		h.cancel()
		<-h.done
	})

	return h
}

func (h *schedulerHarness) enqueue(t *testing.T, owner *fakeOwner, req *download.Request) {
	t.Helper()

	require.NoError(t, h.store.SetRequestState(context.Background(), req.ID, download.StateQueued, ""))
	require.NoError(t, h.queue.Push(req.Network, owner, req))
}

func (h *schedulerHarness) waitOutcome(t *testing.T) queue.Outcome {
	t.Helper()

	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for admission outcome")

		return 0
	}
}

func TestSchedulerAdmitsQueuedRequest(t *testing.T) {
	h := newSchedulerHarness(t)
	owner := &fakeOwner{pkg: "com.example.app"}

	req := queuedRequest(1)
	h.enqueue(t, owner, req)
	h.sched.Wake()

	assert.Equal(t, queue.OutcomeAdmitted, h.waitOutcome(t))
	assert.Equal(t, download.StateConnecting, req.State())
	assert.Equal(t, download.StateConnecting, h.store.state(1))
	assert.NotEqual(t, download.NoEngineHandle, req.EngineHandle())
	assert.Equal(t, 1, req.StartCount())
}

func TestSchedulerBackpressureRequeuesAndStopsDrain(t *testing.T) {
	h := newSchedulerHarness(t)
	owner := &fakeOwner{pkg: "com.example.app"}

	first := queuedRequest(1)
	first.URL = "https://example.com/a"
	second := queuedRequest(2)
	second.URL = "https://example.com/b"

	h.engine.startErr[first.URL] = &engine.Error{Op: "start", Code: engine.CodeTooManyDownloads}

	h.enqueue(t, owner, first)
	h.enqueue(t, owner, second)
	h.sched.Wake()

	assert.Equal(t, queue.OutcomeRequeued, h.waitOutcome(t))

	// The drain stopped: the second request was not attempted this cycle
	// and both entries are still linked, with the pushed-back one at the
	// tail.
	assert.Empty(t, h.engine.startedURLs())
	assert.Equal(t, 2, h.queue.Len(download.NetworkAll))
	assert.Equal(t, download.StateQueued, first.State())

	// Once the engine has room, the next cycle drains in the rotated order.
	h.engine.mu.Lock()
	delete(h.engine.startErr, first.URL)
	h.engine.mu.Unlock()

	h.sched.Wake()

	assert.Equal(t, queue.OutcomeAdmitted, h.waitOutcome(t))
	assert.Equal(t, queue.OutcomeAdmitted, h.waitOutcome(t))
	assert.Equal(t, []string{second.URL, first.URL}, h.engine.startedURLs())
}

func TestSchedulerFailsRequestOnStaleHandle(t *testing.T) {
	h := newSchedulerHarness(t)
	owner := &fakeOwner{pkg: "com.example.app"}

	req := queuedRequest(1)
	req.SetEngineHandle(99)
	h.engine.resumeErr = &engine.Error{Op: "resume", Code: engine.CodeInvalidHandle}

	h.enqueue(t, owner, req)
	h.sched.Wake()

	assert.Equal(t, queue.OutcomeFailed, h.waitOutcome(t))
	assert.Equal(t, download.StateFailed, req.State())
	assert.Equal(t, download.StateFailed, h.store.state(1))

	select {
	case code := <-h.failures:
		assert.Equal(t, engine.CodeInvalidHandle, code)
	case <-time.After(time.Second):
		t.Fatal("failure hook not invoked")
	}
}

func TestSchedulerFailsRequestOnTerminalEngineError(t *testing.T) {
	h := newSchedulerHarness(t)
	owner := &fakeOwner{pkg: "com.example.app"}

	req := queuedRequest(1)
	req.URL = "https://example.com/bad"
	h.engine.startErr[req.URL] = &engine.Error{Op: "start", Code: engine.CodeInvalidURL}

	h.enqueue(t, owner, req)
	h.sched.Wake()

	assert.Equal(t, queue.OutcomeFailed, h.waitOutcome(t))
	assert.Equal(t, "invalid_url", req.ErrorCode())
}

func TestSchedulerDropsEntryWhosePersistedStateMoved(t *testing.T) {
	h := newSchedulerHarness(t)
	owner := &fakeOwner{pkg: "com.example.app"}

	req := queuedRequest(1)
	require.NoError(t, h.queue.Push(req.Network, owner, req))

	// Persisted state says canceled: a concurrent command won the race.
	require.NoError(t, h.store.SetRequestState(context.Background(), 1, download.StateCanceled, ""))

	h.sched.Wake()

	assert.Equal(t, queue.OutcomeDropped, h.waitOutcome(t))
	assert.Empty(t, h.engine.startedURLs())
}

func TestSchedulerSkipsUnavailableClass(t *testing.T) {
	h := newSchedulerHarness(t)
	owner := &fakeOwner{pkg: "com.example.app"}

	req := queuedRequest(1)
	req.Network = download.NetworkWifi

	h.net.mu.Lock()
	h.net.down[download.NetworkWifi] = true
	h.net.mu.Unlock()

	h.enqueue(t, owner, req)
	h.sched.Wake()

	// No outcome: the partition is not drained while its class is down.
	select {
	case o := <-h.outcomes:
		t.Fatalf("unexpected outcome %s", o)
	case <-time.After(100 * time.Millisecond):
	}

	h.net.mu.Lock()
	h.net.down[download.NetworkWifi] = false
	h.net.mu.Unlock()

	h.sched.Wake()
	assert.Equal(t, queue.OutcomeAdmitted, h.waitOutcome(t))
}

func TestSchedulerStopClearsQueue(t *testing.T) {
	h := newSchedulerHarness(t)
	owner := &fakeOwner{pkg: "com.example.app"}

	// Park a request in a down class so it stays linked.
	req := queuedRequest(1)
	req.Network = download.NetworkWifi

	h.net.mu.Lock()
	h.net.down[download.NetworkWifi] = true
	h.net.mu.Unlock()

	h.enqueue(t, owner, req)

	h.sched.Stop()
	<-h.done

	assert.Equal(t, 0, h.queue.Len(download.NetworkWifi))
}
