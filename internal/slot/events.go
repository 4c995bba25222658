package slot

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/downloadd/internal/dispatch"
	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/ipc"
	"github.com/italolelis/downloadd/internal/storage"
)

// eventCallbacks binds a slot's dispatcher to the delivery handlers. They run
// on the dispatcher goroutine, strictly in queue order, so a client observing
// a terminal event has already seen every state change before it.
func (t *Table) eventCallbacks(s *Slot) dispatch.Callbacks {
	return dispatch.Callbacks{
		OnStarted:  func(rec *dispatch.Record) { t.onStarted(s, rec) },
		OnProgress: func(rec *dispatch.Record) { t.onProgress(s, rec) },
		OnPaused:   func(rec *dispatch.Record) { t.onPaused(s, rec) },
		OnFinished: func(rec *dispatch.Record) { t.onFinished(s, rec) },
	}
}

func (t *Table) onStarted(s *Slot, rec *dispatch.Record) {
	ctx := context.Background()

	req, ok := s.request(rec.RequestID)
	if !ok {
		return
	}

	req.SetMetadata(rec.Content, rec.Size, rec.Path, rec.ETag)
	req.SetState(download.StateDownloading)

	if err := t.store.SetRequestMetadata(ctx, req.ID, rec.Content, rec.Size, rec.Path, req.SavedPath(), rec.ETag); err != nil {
		t.logger.Error("failed to persist metadata", "request_id", req.ID, "err", err)
	}

	if err := t.store.SetRequestState(ctx, req.ID, download.StateDownloading, ""); err != nil {
		t.logger.Error("failed to persist downloading state", "request_id", req.ID, "err", err)
	}

	t.tel.IncrementActiveDownloads()
	t.tel.RecordDispatch(rec.Kind.String())

	t.sendState(s, req.ID, download.StateDownloading, "")
}

func (t *Table) onProgress(s *Slot, rec *dispatch.Record) {
	ctx := context.Background()

	req, ok := s.request(rec.RequestID)
	if !ok {
		return
	}

	req.SetProgress(rec.Received)

	// The engine reports the temp path while transferring and the final
	// path once the file landed.
	if _, _, tempPath, _ := req.Metadata(); rec.Path != "" && rec.Path != tempPath {
		req.SetSavedPath(rec.Path)
	}

	if err := t.store.SetRequestProgress(ctx, req.ID, rec.Received); err != nil {
		t.logger.Error("failed to persist progress", "request_id", req.ID, "err", err)
	}

	t.tel.RecordDispatch(rec.Kind.String())

	_, total := req.Progress()
	t.sendProgress(s, req.ID, rec.Received, total, rec.Path)
}

func (t *Table) onPaused(s *Slot, rec *dispatch.Record) {
	ctx := context.Background()

	req, ok := s.request(rec.RequestID)
	if !ok {
		return
	}

	// A pause issued while the request sat in the queue already transitioned
	// and persisted on the command path; this record only carries the event.
	prev := req.State()
	wasRunning := prev == download.StateDownloading

	req.SetState(download.StatePaused)

	// The engine dropped the transfer; the handle is dead. Clearing it makes
	// a later resume go through Start with the temp path and etag.
	req.SetEngineHandle(download.NoEngineHandle)

	if prev != download.StatePaused {
		if err := t.store.SetRequestState(ctx, req.ID, download.StatePaused, ""); err != nil {
			t.logger.Error("failed to persist paused state", "request_id", req.ID, "err", err)
		}
	}

	if wasRunning {
		t.tel.DecrementActiveDownloads()
	}
	t.tel.RecordDispatch(rec.Kind.String())

	t.sendState(s, req.ID, download.StatePaused, "")
}

func (t *Table) onFinished(s *Slot, rec *dispatch.Record) {
	ctx := context.Background()

	req, ok := s.request(rec.RequestID)
	if !ok {
		return
	}

	prev := req.State()
	wasRunning := prev == download.StateDownloading

	code := ""
	if rec.State == download.StateFailed {
		code = rec.Code.String()
		req.Fail(code)
	} else {
		req.SetState(rec.State)
	}

	req.SetEngineHandle(download.NoEngineHandle)

	if prev != rec.State {
		if err := t.store.SetRequestState(ctx, req.ID, rec.State, code); err != nil {
			t.logger.Error("failed to persist terminal state", "request_id", req.ID, "err", err)
		}
	}

	if err := t.store.ArchiveRequest(ctx, t.record(req)); err != nil {
		t.logger.Error("failed to archive finished request", "request_id", req.ID, "err", err)
	}

	if wasRunning {
		t.tel.DecrementActiveDownloads()
	}
	t.tel.RecordDispatch(rec.Kind.String())
	t.tel.RecordRequestFinished(rec.State.String())

	t.sendState(s, req.ID, rec.State, code)

	if req.Notify() {
		t.announce(ctx, req, rec.State)
	}
}

// record snapshots a request into its persisted form.
func (t *Table) record(req *download.Request) storage.RequestRecord {
	contentType, size, tempPath, etag := req.Metadata()
	received, _ := req.Progress()

	return storage.RequestRecord{
		ID:            req.ID,
		Package:       req.Package,
		URL:           req.URL,
		Destination:   req.Destination,
		Filename:      req.Filename,
		Headers:       req.Headers,
		Network:       req.Network,
		State:         req.State(),
		ErrorCode:     req.ErrorCode(),
		ReceivedBytes: received,
		FileSize:      size,
		ContentType:   contentType,
		TempPath:      tempPath,
		SavedPath:     req.SavedPath(),
		ETag:          etag,
		Notification:  req.Notify(),
		StartCount:    req.StartCount(),
	}
}

// announce hands the terminal event to the notification subsystem. Failures
// are logged and swallowed: notification is best effort.
func (t *Table) announce(ctx context.Context, req *download.Request, state download.State) {
	var content string

	switch state {
	case download.StateCompleted:
		_, total := req.Progress()
		content = fmt.Sprintf("download complete: %s (%s)", req.Filename, humanize.Bytes(uint64(total)))
	case download.StateFailed:
		content = fmt.Sprintf("download failed: %s (%s)", req.Filename, req.ErrorCode())
	case download.StateCanceled:
		content = fmt.Sprintf("download canceled: %s", req.Filename)
	default:
		return
	}

	if err := t.notif.Notify(ctx, content); err != nil {
		t.logger.Warn("notification failed", "request_id", req.ID, "err", err)
	}
}

// sendState pushes a state event to the slot's client, if one is connected.
func (t *Table) sendState(s *Slot, id int32, state download.State, code string) {
	conn := s.channel()
	if conn == nil {
		return
	}

	body, err := (&ipc.StateBody{State: int32(state), ErrorCode: code}).Marshal()
	if err != nil {
		t.logger.Error("failed to marshal state event", "request_id", id, "err", err)

		return
	}

	t.sendEvent(conn, ipc.PropertyState, id, body)
}

// sendProgress pushes a progress event to the slot's client, if one is
// connected.
func (t *Table) sendProgress(s *Slot, id int32, received, total int64, path string) {
	conn := s.channel()
	if conn == nil {
		return
	}

	body, err := (&ipc.ProgressBody{Received: received, Total: total, Path: path}).Marshal()
	if err != nil {
		t.logger.Error("failed to marshal progress event", "request_id", id, "err", err)

		return
	}

	t.sendEvent(conn, ipc.PropertyProgress, id, body)
}

func (t *Table) sendEvent(conn *ipc.Conn, prop ipc.Property, id int32, body []byte) {
	err := conn.WriteFrame(ipc.Header{
		Section:  ipc.SectionEvent,
		Property: prop,
		ID:       id,
	}, body)
	if err != nil && !ipc.IsClosed(err) {
		t.logger.Warn("failed to push event", "request_id", id, "err", err)
	}
}
