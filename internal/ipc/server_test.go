package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/downloadd/internal/download"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthorizer struct {
	id  Identity
	err error
}

func (a *stubAuthorizer) Authorize(Credential) (Identity, error) {
	return a.id, a.err
}

type admitRecorder struct {
	mu    sync.Mutex
	err   error
	creds []Credential
	ids   []Identity
}

func (r *admitRecorder) admit(_ context.Context, _ *Conn, cred Credential, id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.creds = append(r.creds, cred)
	r.ids = append(r.ids, id)

	return nil
}

func (r *admitRecorder) admitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.creds)
}

func startTestServer(t *testing.T, auth Authorizer, admit AdmitFunc, sweep SweepFunc) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "d.sock")

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)

	srv := NewServer(ln, auth, admit, sweep, 100*time.Millisecond, 200*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		srv.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return path
}

func dialClient(t *testing.T, path string) *Conn {
	t.Helper()

	nc, err := net.Dial("unix", path)
	require.NoError(t, err)

	conn := NewConn(nc, 2*time.Second)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestServerAcceptsAuthorizedClient(t *testing.T) {
	auth := &stubAuthorizer{id: Identity{Package: "com.example.app", SecurityLabel: "u:r:app:s0"}}
	rec := &admitRecorder{}

	path := startTestServer(t, auth, rec.admit, nil)

	c := dialClient(t, path)
	require.NoError(t, c.WriteFrame(InitHeader(), nil))

	h, _, err := c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, WireOK, h.ErrorCode)

	require.Equal(t, 1, rec.admitted())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, os.Getpid(), rec.creds[0].PID, "peer credentials come from the kernel")
	assert.Equal(t, "com.example.app", rec.ids[0].Package)
}

func TestServerRejectsBadOpeningMessage(t *testing.T) {
	rec := &admitRecorder{}

	path := startTestServer(t, &stubAuthorizer{}, rec.admit, nil)

	c := dialClient(t, path)
	require.NoError(t, c.WriteFrame(Header{Section: SectionCommand, Property: PropertyStart, ID: -1}, nil))

	_, _, err := c.ReadFrame()
	assert.True(t, IsClosed(err), "a non-init opening message drops the connection")
	assert.Zero(t, rec.admitted())
}

func TestServerRejectsUnauthorizedPeer(t *testing.T) {
	rec := &admitRecorder{}

	path := startTestServer(t, &stubAuthorizer{err: ErrUnauthorized}, rec.admit, nil)

	c := dialClient(t, path)
	require.NoError(t, c.WriteFrame(InitHeader(), nil))

	h, _, err := c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, WirePermissionDenied, h.ErrorCode)
	assert.Zero(t, rec.admitted())
}

func TestServerReportsFullTable(t *testing.T) {
	rec := &admitRecorder{err: download.ErrTooManyClients}

	path := startTestServer(t, &stubAuthorizer{id: Identity{Package: "com.example.app"}}, rec.admit, nil)

	c := dialClient(t, path)
	require.NoError(t, c.WriteFrame(InitHeader(), nil))

	h, _, err := c.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, WireTooManyClients, h.ErrorCode)
}

func TestServerSweepsWhileIdle(t *testing.T) {
	var sweeps atomic.Int32

	sweep := func(context.Context) int {
		sweeps.Add(1)

		return 0
	}

	startTestServer(t, &stubAuthorizer{}, func(context.Context, *Conn, Credential, Identity) error { return nil }, sweep)

	assert.Eventually(t, func() bool {
		return sweeps.Load() >= 2
	}, 3*time.Second, 50*time.Millisecond, "the accept deadline drives periodic sweeps")
}
