package ipc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/logctx"
	"github.com/italolelis/downloadd/internal/telemetry"
)

const (
	initialAcceptBackoff = 50 * time.Millisecond
	maxAcceptBackoff     = 5 * time.Second
)

// AdmitFunc hands an authorized connection to the slot table. The connection
// is owned by the callee on success; on error the server closes it.
type AdmitFunc func(ctx context.Context, conn *Conn, cred Credential, id Identity) error

// SweepFunc runs the periodic slot sweep and returns the occupied count.
type SweepFunc func(ctx context.Context) int

// Server is the front door: it accepts connections, validates the opening
// message, extracts kernel credentials, authorizes, and admits. The accept
// loop's bounded timeout doubles as the periodic sweep trigger.
type Server struct {
	ln          *net.UnixListener
	auth        Authorizer
	admit       AdmitFunc
	sweep       SweepFunc
	sweepEvery  time.Duration
	recvTimeout time.Duration
	tel         *telemetry.Telemetry
}

func NewServer(ln *net.UnixListener, auth Authorizer, admit AdmitFunc, sweep SweepFunc, sweepEvery, recvTimeout time.Duration, tel *telemetry.Telemetry) *Server {
	return &Server{
		ln:          ln,
		auth:        auth,
		admit:       admit,
		sweep:       sweep,
		sweepEvery:  sweepEvery,
		recvTimeout: recvTimeout,
		tel:         tel,
	}
}

// Run accepts until the context is cancelled. Transient accept errors back
// off exponentially instead of spinning the loop.
func (s *Server) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	backoff := initialAcceptBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := s.ln.SetDeadline(time.Now().Add(s.sweepEvery)); err != nil {
			return err
		}

		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if IsTimeout(err) {
				if s.sweep != nil {
					occupied := s.sweep(ctx)
					s.tel.RecordSlotsOccupied(occupied)
				}

				continue
			}

			logger.Warn("accept failed, backing off", "err", err, "backoff", backoff.String())

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}

			continue
		}

		backoff = initialAcceptBackoff

		go s.handshake(ctx, conn)
	}
}

// handshake validates the opening frame and authorizes the peer. Nothing
// here touches a slot: malformed or unauthenticated connections are rejected
// with no state to roll back.
func (s *Server) handshake(ctx context.Context, uc *net.UnixConn) {
	logger := logctx.LoggerFromContext(ctx)

	cred, err := peerCredential(uc)
	if err != nil {
		logger.Warn("failed to read peer credentials", "err", err)
		s.tel.RecordConnection("rejected")
		uc.Close()

		return
	}

	conn := NewConn(uc, s.recvTimeout)

	h, _, err := conn.ReadFrame()
	if err != nil || !h.IsInit() {
		logger.Warn("rejecting connection with bad opening message", "pid", cred.PID, "err", err)
		s.tel.RecordConnection("rejected")
		conn.Close()

		return
	}

	id, err := s.auth.Authorize(cred)
	if err != nil {
		logger.Warn("connection not authorized", "pid", cred.PID, "uid", cred.UID, "err", err)
		s.tel.RecordConnection("unauthorized")
		conn.Reply(h, WirePermissionDenied)
		conn.Close()

		return
	}

	if err := s.admit(ctx, conn, cred, id); err != nil {
		code := WireInternal
		if errors.Is(err, download.ErrTooManyClients) {
			code = WireTooManyClients
		}

		logger.Warn("admission failed", "package", id.Package, "err", err)
		s.tel.RecordConnection("refused")
		conn.Reply(h, code)
		conn.Close()

		return
	}

	s.tel.RecordConnection("accepted")
	conn.Reply(h, WireOK)
}
