package slot

import (
	"context"
	"errors"
	"net/url"
	"os"

	"github.com/italolelis/downloadd/internal/dispatch"
	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/engine"
	"github.com/italolelis/downloadd/internal/ipc"
	"github.com/italolelis/downloadd/internal/logctx"
	"github.com/italolelis/downloadd/internal/storage"
)

// worker is the per-connection command loop. Exactly one worker reads from a
// connection; a replaced or closed connection makes the loop exit while the
// slot itself stays alive.
func (t *Table) worker(ctx context.Context, s *Slot, conn *ipc.Conn) {
	logger := logctx.LoggerFromContext(ctx).With("package", s.identity)

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()

		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		h, body, err := conn.ReadFrame()
		if err != nil {
			// A replaced connection belongs to a newer worker now.
			if s.channel() != conn {
				return
			}

			if ipc.IsTimeout(err) {
				continue
			}

			if !ipc.IsClosed(err) {
				logger.Warn("dropping connection after read failure", "err", err)
			} else {
				logger.Debug("client disconnected")
			}

			return
		}

		t.handleCommand(ctx, s, conn, h, body)
	}
}

func (t *Table) handleCommand(ctx context.Context, s *Slot, conn *ipc.Conn, h ipc.Header, body []byte) {
	logger := logctx.LoggerFromContext(ctx).With("package", s.identity, "request_id", h.ID)

	if h.Section != ipc.SectionCommand {
		logger.Warn("rejecting frame outside command section", "section", int(h.Section))
		conn.Reply(h, ipc.WireInvalidArgument)

		return
	}

	switch h.Property {
	case ipc.PropertyStart:
		t.handleStart(ctx, s, conn, h, body)
	case ipc.PropertyPause:
		t.handlePause(ctx, s, conn, h)
	case ipc.PropertyResume:
		t.handleResume(ctx, s, conn, h)
	case ipc.PropertyCancel:
		t.handleCancel(ctx, s, conn, h)
	case ipc.PropertyQueryState:
		t.handleQueryState(s, conn, h)
	case ipc.PropertyQueryProgress:
		t.handleQueryProgress(s, conn, h)
	case ipc.PropertySetNotification:
		t.handleSetNotification(ctx, s, conn, h, body)
	case ipc.PropertyFree:
		t.handleFree(s, conn, h)
	default:
		logger.Warn("unknown command", "property", uint32(h.Property))
		conn.Reply(h, ipc.WireInvalidArgument)
	}
}

func (t *Table) handleStart(ctx context.Context, s *Slot, conn *ipc.Conn, h ipc.Header, body []byte) {
	logger := logctx.LoggerFromContext(ctx).With("package", s.identity)

	start, err := ipc.DecodeStartBody(body)
	if err != nil {
		logger.Warn("malformed start command", "err", err)
		conn.Reply(h, ipc.WireInvalidArgument)

		return
	}

	if err := validateStart(start); err != nil {
		logger.Warn("invalid start command", "err", err)
		conn.Reply(h, ipc.WireInvalidArgument)

		return
	}

	id := t.ids.Next(func(candidate int32) bool {
		if t.ownerOf(candidate) != nil {
			return true
		}

		_, err := t.store.GetRequest(ctx, candidate)

		return err == nil
	})

	req := download.NewRequest(id, s.identity, start.URL)
	req.Headers = start.Headers
	req.Destination = start.Destination
	req.Filename = start.Filename
	req.Network = download.NetworkClass(start.Network)

	if req.Destination == "" {
		req.Destination = t.cfg.DownloadDir
	}

	req.SetState(download.StateQueued)
	req.SetNotify(start.Notification)

	if err := t.store.SaveRequest(ctx, t.record(req)); err != nil {
		logger.Error("failed to persist new request", "err", err)
		t.ids.Release(id)
		conn.Reply(h, ipc.WireInternal)

		return
	}

	t.adopt(s, req)

	if err := t.queue.Push(req.Network, s, req); err != nil {
		logger.Error("failed to queue new request", "err", err)
		t.disown(s, id)
		conn.Reply(h, ipc.WireInternal)

		return
	}

	if t.waker != nil {
		t.waker.Wake()
	}

	logger.Info("request accepted", "request_id", id, "url", start.URL, "class", req.Network.String())

	// The reply id carries the assigned request id.
	conn.WriteFrame(ipc.Header{Section: ipc.SectionCommand, Property: ipc.PropertyStart, ID: id, ErrorCode: ipc.WireOK}, nil)
}

func validateStart(b *ipc.StartBody) error {
	u, err := url.Parse(b.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return download.ErrInvalidArgument
	}

	if int(b.Network) >= len(download.NetworkClasses) {
		return download.ErrInvalidArgument
	}

	return nil
}

func (t *Table) handlePause(ctx context.Context, s *Slot, conn *ipc.Conn, h ipc.Header) {
	req, ok := s.request(h.ID)
	if !ok {
		conn.Reply(h, ipc.WireNotFound)

		return
	}

	s.mu.Lock()

	switch state := req.State(); {
	case state == download.StateQueued:
		// Transition and persist under the slot lock so a concurrent
		// admission re-verifying the persisted state backs off.
		req.SetState(download.StatePaused)

		if err := t.store.SetRequestState(ctx, req.ID, download.StatePaused, ""); err != nil {
			t.logger.Error("failed to persist paused state", "request_id", req.ID, "err", err)
		}

		t.queue.Remove(req.Network, req.ID)
		s.mu.Unlock()

		s.events.Push(dispatch.NewPaused(req.ID, s))
		conn.Reply(h, ipc.WireOK)

	case state == download.StateConnecting || state == download.StateDownloading:
		handle := req.EngineHandle()
		s.mu.Unlock()

		if err := t.eng.Pause(engine.Handle(handle)); err != nil {
			t.logger.Warn("engine pause failed", "request_id", req.ID, "err", err)
			conn.Reply(h, ipc.WireInternal)

			return
		}

		// The paused event arrives through the engine's terminal callback.
		conn.Reply(h, ipc.WireOK)

	case state == download.StatePaused:
		s.mu.Unlock()
		conn.Reply(h, ipc.WireOK)

	default:
		s.mu.Unlock()
		conn.Reply(h, ipc.WireInvalidArgument)
	}
}

func (t *Table) handleResume(ctx context.Context, s *Slot, conn *ipc.Conn, h ipc.Header) {
	req, ok := s.request(h.ID)
	if !ok {
		conn.Reply(h, ipc.WireNotFound)

		return
	}

	s.mu.Lock()

	if req.State() != download.StatePaused {
		s.mu.Unlock()
		conn.Reply(h, ipc.WireInvalidArgument)

		return
	}

	req.SetState(download.StateQueued)

	if err := t.store.SetRequestState(ctx, req.ID, download.StateQueued, ""); err != nil {
		t.logger.Error("failed to persist queued state", "request_id", req.ID, "err", err)
	}
	s.mu.Unlock()

	if err := t.queue.Push(req.Network, s, req); err != nil {
		t.logger.Error("failed to requeue resumed request", "request_id", req.ID, "err", err)
		conn.Reply(h, ipc.WireInternal)

		return
	}

	if t.waker != nil {
		t.waker.Wake()
	}

	conn.Reply(h, ipc.WireOK)
}

func (t *Table) handleCancel(ctx context.Context, s *Slot, conn *ipc.Conn, h ipc.Header) {
	req, ok := s.request(h.ID)
	if !ok {
		conn.Reply(h, ipc.WireNotFound)

		return
	}

	s.mu.Lock()

	switch state := req.State(); {
	case state == download.StateQueued || state == download.StatePaused:
		req.SetState(download.StateCanceled)

		if err := t.store.SetRequestState(ctx, req.ID, download.StateCanceled, ""); err != nil {
			t.logger.Error("failed to persist canceled state", "request_id", req.ID, "err", err)
		}

		t.queue.Remove(req.Network, req.ID)

		_, _, tempPath, _ := req.Metadata()
		s.mu.Unlock()

		if tempPath != "" {
			if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
				t.logger.Warn("failed to remove temp file", "path", tempPath, "err", err)
			}
		}

		s.events.Push(dispatch.NewFinished(req.ID, download.StateCanceled, engine.CodeNone, s))
		conn.Reply(h, ipc.WireOK)

	case state == download.StateConnecting || state == download.StateDownloading:
		handle := req.EngineHandle()
		s.mu.Unlock()

		if err := t.eng.Cancel(engine.Handle(handle)); err != nil {
			t.logger.Warn("engine cancel failed", "request_id", req.ID, "err", err)
			conn.Reply(h, ipc.WireInternal)

			return
		}

		// The canceled event arrives through the engine's terminal callback.
		conn.Reply(h, ipc.WireOK)

	default:
		s.mu.Unlock()
		conn.Reply(h, ipc.WireInvalidArgument)
	}
}

func (t *Table) handleQueryState(s *Slot, conn *ipc.Conn, h ipc.Header) {
	req, ok := s.request(h.ID)
	if !ok {
		conn.Reply(h, ipc.WireNotFound)

		return
	}

	body, err := (&ipc.StateBody{State: int32(req.State()), ErrorCode: req.ErrorCode()}).Marshal()
	if err != nil {
		conn.Reply(h, ipc.WireInternal)

		return
	}

	conn.WriteFrame(ipc.Header{Section: ipc.SectionCommand, Property: ipc.PropertyQueryState, ID: h.ID, ErrorCode: ipc.WireOK}, body)
}

func (t *Table) handleQueryProgress(s *Slot, conn *ipc.Conn, h ipc.Header) {
	req, ok := s.request(h.ID)
	if !ok {
		conn.Reply(h, ipc.WireNotFound)

		return
	}

	received, total := req.Progress()

	path := req.SavedPath()
	if path == "" {
		_, _, path, _ = req.Metadata()
	}

	body, err := (&ipc.ProgressBody{Received: received, Total: total, Path: path}).Marshal()
	if err != nil {
		conn.Reply(h, ipc.WireInternal)

		return
	}

	conn.WriteFrame(ipc.Header{Section: ipc.SectionCommand, Property: ipc.PropertyQueryProgress, ID: h.ID, ErrorCode: ipc.WireOK}, body)
}

func (t *Table) handleSetNotification(ctx context.Context, s *Slot, conn *ipc.Conn, h ipc.Header, body []byte) {
	req, ok := s.request(h.ID)
	if !ok {
		conn.Reply(h, ipc.WireNotFound)

		return
	}

	flag, err := ipc.DecodeFlagBody(body)
	if err != nil {
		conn.Reply(h, ipc.WireInvalidArgument)

		return
	}

	req.SetNotify(flag.Enabled)

	if err := t.store.SetRequestNotification(ctx, req.ID, flag.Enabled); err != nil {
		// The terminal row may already be archived; the in-memory flag
		// still governs the notification decision.
		if !errors.Is(err, storage.ErrNotFound) {
			t.logger.Error("failed to persist notification flag", "request_id", req.ID, "err", err)
		}
	}

	conn.Reply(h, ipc.WireOK)
}

// handleFree releases the client's interest in a finished request. The row
// was archived when the request finished; only the in-memory tracking goes.
func (t *Table) handleFree(s *Slot, conn *ipc.Conn, h ipc.Header) {
	req, ok := s.request(h.ID)
	if !ok {
		conn.Reply(h, ipc.WireNotFound)

		return
	}

	if !req.State().Terminal() {
		conn.Reply(h, ipc.WireInvalidArgument)

		return
	}

	t.disown(s, req.ID)
	conn.Reply(h, ipc.WireOK)
}
