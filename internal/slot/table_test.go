package slot

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/engine"
	"github.com/italolelis/downloadd/internal/ipc"
	"github.com/italolelis/downloadd/internal/queue"
	"github.com/italolelis/downloadd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu       sync.Mutex
	paused   []engine.Handle
	canceled []engine.Handle
}

func (f *fakeEngine) Start(context.Context, engine.StartSpec, any) (engine.Handle, error) {
	return engine.Handle(1), nil
}

func (f *fakeEngine) Resume(engine.Handle) error { return nil }

func (f *fakeEngine) Pause(h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paused = append(f.paused, h)

	return nil
}

func (f *fakeEngine) Cancel(h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.canceled = append(f.canceled, h)

	return nil
}

func (f *fakeEngine) IsAlive(engine.Handle) bool { return false }

func (f *fakeEngine) pausedHandles() []engine.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]engine.Handle(nil), f.paused...)
}

type wakeCounter struct {
	mu sync.Mutex
	n  int
}

func (w *wakeCounter) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.n++
}

func (w *wakeCounter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.n
}

type harness struct {
	t     *testing.T
	table *Table
	store *memStore
	queue *queue.Queue
	eng   *fakeEngine
	waker *wakeCounter
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()

	store := newMemStore()
	q := queue.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	table := NewTable(Config{Capacity: capacity, DownloadDir: t.TempDir()}, store, q, download.NewIDGenerator(), nil, nil, logger)

	eng := &fakeEngine{}
	waker := &wakeCounter{}
	table.Bind(eng, waker)

	return &harness{t: t, table: table, store: store, queue: q, eng: eng, waker: waker}
}

type frame struct {
	h    ipc.Header
	body []byte
}

// testClient is the client end of an admitted connection. Frames read while
// hunting for a match are buffered so command replies and pushed events can
// interleave in any order.
type testClient struct {
	t      *testing.T
	conn   *ipc.Conn
	buffer []frame
}

func (h *harness) pipe() (*ipc.Conn, *ipc.Conn) {
	server, client := net.Pipe()

	return ipc.NewConn(server, 200*time.Millisecond), ipc.NewConn(client, 200*time.Millisecond)
}

func (h *harness) connect(pkg string) *testClient {
	h.t.Helper()

	sc, cc := h.pipe()

	err := h.table.Admit(context.Background(), sc, ipc.Credential{PID: 4321, UID: 1000, GID: 1000}, ipc.Identity{Package: pkg})
	require.NoError(h.t, err)

	h.t.Cleanup(func() { cc.Close() })

	return &testClient{t: h.t, conn: cc}
}

func (c *testClient) send(prop ipc.Property, id int32, body []byte) {
	c.t.Helper()

	require.NoError(c.t, c.conn.WriteFrame(ipc.Header{Section: ipc.SectionCommand, Property: prop, ID: id}, body))
}

func (c *testClient) await(match func(ipc.Header) bool) (ipc.Header, []byte) {
	c.t.Helper()

	for i, f := range c.buffer {
		if match(f.h) {
			c.buffer = append(c.buffer[:i], c.buffer[i+1:]...)

			return f.h, f.body
		}
	}

	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		h, body, err := c.conn.ReadFrame()
		if err != nil {
			if ipc.IsTimeout(err) {
				continue
			}

			c.t.Fatalf("read failed while waiting for frame: %v", err)
		}

		if match(h) {
			return h, body
		}

		c.buffer = append(c.buffer, frame{h: h, body: body})
	}

	c.t.Fatal("timed out waiting for frame")

	return ipc.Header{}, nil
}

func (c *testClient) awaitReply(prop ipc.Property) ipc.Header {
	c.t.Helper()

	h, _ := c.await(func(h ipc.Header) bool {
		return h.Section == ipc.SectionCommand && h.Property == prop
	})

	return h
}

func (c *testClient) awaitStateEvent(id int32, state download.State) *ipc.StateBody {
	c.t.Helper()

	for {
		_, body := c.await(func(h ipc.Header) bool {
			return h.Section == ipc.SectionEvent && h.Property == ipc.PropertyState && h.ID == id
		})

		sb, err := ipc.DecodeStateBody(body)
		require.NoError(c.t, err)

		if download.State(sb.State) == state {
			return sb
		}
	}
}

func (c *testClient) start(url string, class download.NetworkClass) int32 {
	c.t.Helper()

	body, err := (&ipc.StartBody{URL: url, Filename: "f.bin", Network: uint32(class)}).Marshal()
	require.NoError(c.t, err)

	c.send(ipc.PropertyStart, -1, body)

	h := c.awaitReply(ipc.PropertyStart)
	require.Equal(c.t, ipc.WireOK, h.ErrorCode)
	require.Positive(c.t, h.ID)

	return h.ID
}

func TestAdmitRejectsPastCapacity(t *testing.T) {
	h := newHarness(t, 2)

	h.connect("com.example.one")
	h.connect("com.example.two")
	assert.Equal(t, 2, h.table.Occupied())

	sc, cc := h.pipe()
	defer cc.Close()

	err := h.table.Admit(context.Background(), sc, ipc.Credential{PID: 1}, ipc.Identity{Package: "com.example.three"})
	assert.ErrorIs(t, err, download.ErrTooManyClients)
	assert.Equal(t, 2, h.table.Occupied())
}

func TestAdmitReattachesSameIdentity(t *testing.T) {
	h := newHarness(t, 1)

	h.connect("com.example.app")
	second := h.connect("com.example.app")

	assert.Equal(t, 1, h.table.Occupied(), "a returning identity gets its old slot back")

	// The replacement connection is live: commands are served on it.
	second.send(ipc.PropertyQueryState, 999, nil)
	reply := second.awaitReply(ipc.PropertyQueryState)
	assert.Equal(t, ipc.WireNotFound, reply.ErrorCode)

	rec, err := h.store.GetClient(context.Background(), "com.example.app")
	require.NoError(t, err)
	assert.Equal(t, 4321, rec.PID)
}

func TestStartQueuesAndPersistsRequest(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	id := c.start("https://example.com/f.bin", download.NetworkWifi)

	assert.Equal(t, 1, h.queue.Len(download.NetworkWifi))
	assert.Positive(t, h.waker.count(), "new work preempts the scheduler wait")

	rec, err := h.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, download.StateQueued, rec.State)
	assert.Equal(t, "https://example.com/f.bin", rec.URL)
	assert.Equal(t, "com.example.app", rec.Package)
	assert.NotEmpty(t, rec.Destination, "empty destination falls back to the daemon's download dir")
}

func TestStartRejectsInvalidCommands(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	tests := []struct {
		name string
		body ipc.StartBody
	}{
		{name: "unsupported scheme", body: ipc.StartBody{URL: "ftp://example.com/f"}},
		{name: "not a url", body: ipc.StartBody{URL: "nope"}},
		{name: "unknown network class", body: ipc.StartBody{URL: "https://example.com/f", Network: 99}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := tt.body.Marshal()
			require.NoError(t, err)

			c.send(ipc.PropertyStart, -1, body)
			reply := c.awaitReply(ipc.PropertyStart)
			assert.Equal(t, ipc.WireInvalidArgument, reply.ErrorCode)
		})
	}

	assert.Zero(t, h.queue.Len(download.NetworkAll))
}

func TestPauseQueuedRequest(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	id := c.start("https://example.com/f.bin", download.NetworkAll)

	c.send(ipc.PropertyPause, id, nil)
	reply := c.awaitReply(ipc.PropertyPause)
	require.Equal(t, ipc.WireOK, reply.ErrorCode)

	c.awaitStateEvent(id, download.StatePaused)

	assert.Equal(t, download.StatePaused, h.store.state(id))
	assert.Zero(t, h.queue.Len(download.NetworkAll), "paused work leaves the queue")

	// Pausing again is idempotent.
	c.send(ipc.PropertyPause, id, nil)
	reply = c.awaitReply(ipc.PropertyPause)
	assert.Equal(t, ipc.WireOK, reply.ErrorCode)
}

func TestResumePausedRequest(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	id := c.start("https://example.com/f.bin", download.NetworkAll)

	c.send(ipc.PropertyPause, id, nil)
	c.awaitReply(ipc.PropertyPause)
	c.awaitStateEvent(id, download.StatePaused)

	c.send(ipc.PropertyResume, id, nil)
	reply := c.awaitReply(ipc.PropertyResume)
	require.Equal(t, ipc.WireOK, reply.ErrorCode)

	assert.Equal(t, download.StateQueued, h.store.state(id))
	assert.Equal(t, 1, h.queue.Len(download.NetworkAll))

	// Resuming a request that is not paused is an argument error.
	c.send(ipc.PropertyResume, id, nil)
	reply = c.awaitReply(ipc.PropertyResume)
	assert.Equal(t, ipc.WireInvalidArgument, reply.ErrorCode)
}

func TestPauseRunningRequestGoesThroughEngine(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	id := c.start("https://example.com/f.bin", download.NetworkAll)

	req, ok := h.table.ownerOf(id).request(id)
	require.True(t, ok)

	req.SetState(download.StateDownloading)
	req.SetEngineHandle(77)

	c.send(ipc.PropertyPause, id, nil)
	reply := c.awaitReply(ipc.PropertyPause)
	require.Equal(t, ipc.WireOK, reply.ErrorCode)

	assert.Equal(t, []engine.Handle{77}, h.eng.pausedHandles())

	// The state change lands when the engine reports it.
	h.table.Callbacks().OnTerminal(req, download.StatePaused, engine.CodeNone)
	c.awaitStateEvent(id, download.StatePaused)

	assert.Equal(t, download.StatePaused, h.store.state(id))
	assert.Equal(t, download.NoEngineHandle, req.EngineHandle(), "a dead handle is cleared so resume restarts the transfer")
}

func TestCancelQueuedRequestArchives(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	id := c.start("https://example.com/f.bin", download.NetworkAll)

	c.send(ipc.PropertyCancel, id, nil)
	reply := c.awaitReply(ipc.PropertyCancel)
	require.Equal(t, ipc.WireOK, reply.ErrorCode)

	c.awaitStateEvent(id, download.StateCanceled)

	assert.Zero(t, h.queue.Len(download.NetworkAll))

	rec, ok := h.store.archived(id)
	require.True(t, ok, "terminal requests move to history")
	assert.Equal(t, download.StateCanceled, rec.State)

	_, err := h.store.GetRequest(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound, "the live row is gone")

	// The slot still answers queries for the finished request.
	c.send(ipc.PropertyQueryState, id, nil)
	_, body := c.await(func(fh ipc.Header) bool {
		return fh.Section == ipc.SectionCommand && fh.Property == ipc.PropertyQueryState && fh.ErrorCode == ipc.WireOK
	})

	sb, err := ipc.DecodeStateBody(body)
	require.NoError(t, err)
	assert.Equal(t, download.StateCanceled, download.State(sb.State))
}

func TestFreeReleasesTerminalRequestOnly(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	id := c.start("https://example.com/f.bin", download.NetworkAll)

	c.send(ipc.PropertyFree, id, nil)
	reply := c.awaitReply(ipc.PropertyFree)
	assert.Equal(t, ipc.WireInvalidArgument, reply.ErrorCode, "unfinished requests cannot be freed")

	c.send(ipc.PropertyCancel, id, nil)
	c.awaitReply(ipc.PropertyCancel)
	c.awaitStateEvent(id, download.StateCanceled)

	c.send(ipc.PropertyFree, id, nil)
	reply = c.awaitReply(ipc.PropertyFree)
	require.Equal(t, ipc.WireOK, reply.ErrorCode)

	c.send(ipc.PropertyQueryState, id, nil)
	reply = c.awaitReply(ipc.PropertyQueryState)
	assert.Equal(t, ipc.WireNotFound, reply.ErrorCode)
}

func TestSetNotificationFlag(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	id := c.start("https://example.com/f.bin", download.NetworkAll)

	body, err := (&ipc.FlagBody{Enabled: true}).Marshal()
	require.NoError(t, err)

	c.send(ipc.PropertySetNotification, id, body)
	reply := c.awaitReply(ipc.PropertySetNotification)
	require.Equal(t, ipc.WireOK, reply.ErrorCode)

	rec, err := h.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.Notification)
}

func TestCommandsForUnknownRequest(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	for _, prop := range []ipc.Property{ipc.PropertyPause, ipc.PropertyResume, ipc.PropertyCancel, ipc.PropertyQueryProgress} {
		c.send(prop, 424242, nil)
		reply := c.awaitReply(prop)
		assert.Equal(t, ipc.WireNotFound, reply.ErrorCode, "property %d", prop)
	}
}

func TestFrameOutsideCommandSectionIsRejected(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	require.NoError(t, c.conn.WriteFrame(ipc.Header{Section: ipc.SectionEvent, Property: ipc.PropertyState, ID: 1}, nil))

	reply, _ := c.await(func(fh ipc.Header) bool { return fh.ErrorCode == ipc.WireInvalidArgument })
	assert.Equal(t, ipc.SectionEvent, reply.Section, "the reply echoes the offending header")
}

func TestEngineCallbacksDriveLifecycle(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	id := c.start("https://example.com/f.bin", download.NetworkAll)

	req, ok := h.table.ownerOf(id).request(id)
	require.True(t, ok)

	cb := h.table.Callbacks()

	cb.OnMetadata(req, engine.Metadata{ContentType: "application/zip", Size: 4096, TempPath: "/tmp/f.bin.part", ETag: `"e1"`})
	c.awaitStateEvent(id, download.StateDownloading)

	rec, err := h.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, download.StateDownloading, rec.State)
	assert.Equal(t, "/tmp/f.bin.part", rec.TempPath)
	assert.Equal(t, int64(4096), rec.FileSize)

	cb.OnProgress(req, 2048, "/tmp/f.bin.part")

	_, body := c.await(func(fh ipc.Header) bool {
		return fh.Section == ipc.SectionEvent && fh.Property == ipc.PropertyProgress && fh.ID == id
	})

	pb, err := ipc.DecodeProgressBody(body)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), pb.Received)
	assert.Equal(t, int64(4096), pb.Total)

	cb.OnTerminal(req, download.StateCompleted, engine.CodeNone)
	c.awaitStateEvent(id, download.StateCompleted)

	arch, ok := h.store.archived(id)
	require.True(t, ok)
	assert.Equal(t, download.StateCompleted, arch.State)
	assert.Equal(t, int64(2048), arch.ReceivedBytes)
}

func TestSweepReclaimsIdleOrphans(t *testing.T) {
	h := newHarness(t, 2)
	c := h.connect("com.example.idle")

	require.Equal(t, 1, h.table.Sweep(context.Background()), "connected slots are not swept")

	c.conn.Close()

	assert.Eventually(t, func() bool {
		return h.table.Sweep(context.Background()) == 0
	}, 5*time.Second, 20*time.Millisecond, "an idle orphan is reclaimed once its worker exits")

	assert.Zero(t, h.table.Occupied())
}

func TestSweepKeepsOrphanWithUnfinishedWork(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	c.start("https://example.com/f.bin", download.NetworkAll)
	c.conn.Close()

	// The worker needs a moment to notice the dead connection.
	time.Sleep(300 * time.Millisecond)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, h.table.Sweep(context.Background()), "queued work keeps the slot occupied")
	}

	assert.Equal(t, 1, h.queue.Len(download.NetworkAll))
}

func TestRecoverRequeuesUnfinishedWork(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	running := storage.RequestRecord{
		ID:            101,
		Package:       "com.example.app",
		URL:           "https://example.com/a.bin",
		Filename:      "a.bin",
		Network:       download.NetworkWifi,
		State:         download.StateDownloading,
		TempPath:      "/tmp/a.bin.part",
		ETag:          `"e9"`,
		ReceivedBytes: 500,
		CreatedAt:     time.Now().Add(-time.Hour),
	}
	paused := storage.RequestRecord{
		ID:        102,
		Package:   "com.example.app",
		URL:       "https://example.com/b.bin",
		Filename:  "b.bin",
		Network:   download.NetworkAll,
		State:     download.StatePaused,
		CreatedAt: time.Now().Add(-30 * time.Minute),
	}
	done := storage.RequestRecord{
		ID:      103,
		Package: "com.example.app",
		URL:     "https://example.com/c.bin",
		State:   download.StateCompleted,
	}

	require.NoError(t, h.store.SaveRequest(ctx, running))
	require.NoError(t, h.store.SaveRequest(ctx, paused))
	require.NoError(t, h.store.SaveRequest(ctx, done))

	require.NoError(t, h.table.Recover(ctx))

	assert.Equal(t, 1, h.table.Occupied(), "one orphan slot per recovered package")
	assert.Equal(t, 1, h.queue.Len(download.NetworkWifi), "in-flight work goes back through the queue")
	assert.Zero(t, h.queue.Len(download.NetworkAll), "paused work stays paused")

	assert.Equal(t, download.StateQueued, h.store.state(101))
	assert.Equal(t, download.StatePaused, h.store.state(102))

	// The owner reconnects and finds its requests where it left them.
	c := h.connect("com.example.app")
	assert.Equal(t, 1, h.table.Occupied())

	c.send(ipc.PropertyQueryState, 102, nil)
	_, body := c.await(func(fh ipc.Header) bool {
		return fh.Section == ipc.SectionCommand && fh.Property == ipc.PropertyQueryState && fh.ErrorCode == ipc.WireOK
	})

	sb, err := ipc.DecodeStateBody(body)
	require.NoError(t, err)
	assert.Equal(t, download.StatePaused, download.State(sb.State))

	c.send(ipc.PropertyQueryProgress, 101, nil)
	_, body = c.await(func(fh ipc.Header) bool {
		return fh.Section == ipc.SectionCommand && fh.Property == ipc.PropertyQueryProgress && fh.ErrorCode == ipc.WireOK
	})

	pb, err := ipc.DecodeProgressBody(body)
	require.NoError(t, err)
	assert.Equal(t, int64(500), pb.Received)
	assert.Equal(t, "/tmp/a.bin.part", pb.Path, "progress reports the temp path until the file lands")
}

func TestLiveTempPathsTracksUnfinishedRequests(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect("com.example.app")

	id := c.start("https://example.com/f.bin", download.NetworkAll)

	req, ok := h.table.ownerOf(id).request(id)
	require.True(t, ok)
	req.SetMetadata("application/zip", 4096, "/tmp/f.bin.part", "")

	live := h.table.LiveTempPaths()
	assert.Contains(t, live, "/tmp/f.bin.part")

	c.send(ipc.PropertyCancel, id, nil)
	c.awaitReply(ipc.PropertyCancel)
	c.awaitStateEvent(id, download.StateCanceled)

	assert.Empty(t, h.table.LiveTempPaths(), "terminal requests release their temp paths")
}

// slowLookupStore stretches the id search: while hits is positive, GetRequest
// reports every candidate id as surviving in the database, forcing the generator
// to keep searching while it holds its own lock.
type slowLookupStore struct {
	*memStore
	delay time.Duration

	mu        sync.Mutex
	hits      int
	searching chan struct{}
	once      sync.Once
}

func (s *slowLookupStore) setHits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits = n
}

func (s *slowLookupStore) GetRequest(ctx context.Context, id int32) (storage.RequestRecord, error) {
	s.mu.Lock()
	hit := s.hits > 0

	if hit {
		s.hits--
		s.once.Do(func() { close(s.searching) })
	}
	s.mu.Unlock()

	time.Sleep(s.delay)

	if hit {
		return storage.RequestRecord{ID: id, Package: "com.example.gone", State: download.StateQueued}, nil
	}

	return s.memStore.GetRequest(ctx, id)
}

func TestReleaseDoesNotBlockConcurrentStart(t *testing.T) {
	store := &slowLookupStore{
		memStore:  newMemStore(),
		delay:     50 * time.Millisecond,
		searching: make(chan struct{}),
	}
	q := queue.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	table := NewTable(Config{Capacity: 4, DownloadDir: t.TempDir()}, store, q, download.NewIDGenerator(), nil, nil, logger)
	table.Bind(&fakeEngine{}, &wakeCounter{})

	connect := func(pkg string) *testClient {
		server, client := net.Pipe()
		sc := ipc.NewConn(server, 200*time.Millisecond)
		cc := ipc.NewConn(client, 200*time.Millisecond)

		require.NoError(t, table.Admit(context.Background(), sc, ipc.Credential{PID: 1}, ipc.Identity{Package: pkg}))
		t.Cleanup(func() { cc.Close() })

		return &testClient{t: t, conn: cc}
	}

	idle := connect("com.example.idle")
	idle.start("https://example.com/a.bin", download.NetworkAll)

	busy := connect("com.example.busy")

	table.mu.Lock()
	s := table.findLocked("com.example.idle")
	table.mu.Unlock()
	require.NotNil(t, s)

	// The id search on the second client now runs long with the generator
	// lock held; releasing the idle slot at the same time must not wedge
	// either path.
	store.setHits(2)

	body, err := (&ipc.StartBody{URL: "https://example.com/b.bin", Filename: "b.bin", Network: uint32(download.NetworkAll)}).Marshal()
	require.NoError(t, err)
	busy.send(ipc.PropertyStart, -1, body)

	select {
	case <-store.searching:
	case <-time.After(5 * time.Second):
		t.Fatal("start command never reached the id search")
	}

	released := make(chan struct{})

	go func() {
		table.release(s)
		close(released)
	}()

	h := busy.awaitReply(ipc.PropertyStart)
	assert.Equal(t, ipc.WireOK, h.ErrorCode)

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("slot release did not finish while a start command was being admitted")
	}
}
