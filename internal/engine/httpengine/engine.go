// Package httpengine is the plain-HTTP implementation of the transfer engine
// contract. Transfers run on their own goroutines; partial downloads land in
// a .part file next to the destination so an interrupted transfer can be
// continued with a ranged request.
package httpengine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/h2non/filetype"
	"github.com/italolelis/downloadd/internal/download"
	"github.com/italolelis/downloadd/internal/engine"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// sniffLen is how many leading bytes filetype needs to classify content.
	sniffLen = 262

	defaultProgressInterval = 64 * 1024
)

type transfer struct {
	spec     engine.StartSpec
	userData any
	cancel   context.CancelFunc

	mu       sync.Mutex
	paused   bool
	canceled bool
}

func (t *transfer) stop(pause bool) {
	t.mu.Lock()
	if pause {
		t.paused = true
	} else {
		t.canceled = true
	}
	t.mu.Unlock()

	t.cancel()
}

func (t *transfer) outcome() (paused, canceled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.paused, t.canceled
}

// Engine drives HTTP transfers with a bounded number of parallel downloads.
type Engine struct {
	client           *http.Client
	callbacks        engine.Callbacks
	maxParallel      int
	progressInterval int64
	logger           *slog.Logger

	mu        sync.Mutex
	transfers map[engine.Handle]*transfer
	next      int64
}

// New builds an engine. callbacks must be fully populated before the first
// Start call; they are invoked from transfer goroutines.
func New(client *http.Client, maxParallel int, callbacks engine.Callbacks, logger *slog.Logger) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 0}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		client:           client,
		callbacks:        callbacks,
		maxParallel:      maxParallel,
		progressInterval: defaultProgressInterval,
		logger:           logger,
		transfers:        make(map[engine.Handle]*transfer),
	}
}

func (e *Engine) Start(ctx context.Context, spec engine.StartSpec, userData any) (engine.Handle, error) {
	u, err := url.Parse(spec.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return 0, &engine.Error{Op: "start", Code: engine.CodeInvalidURL, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.transfers) >= e.maxParallel {
		return 0, &engine.Error{Op: "start", Code: engine.CodeTooManyDownloads}
	}

	e.next++
	h := engine.Handle(e.next)

	tctx, cancel := context.WithCancel(ctx)
	t := &transfer{spec: spec, userData: userData, cancel: cancel}
	e.transfers[h] = t

	go e.run(tctx, h, t)

	return h, nil
}

// Resume only succeeds for a handle the engine still tracks. A handle
// recovered from persisted state is stale by definition; callers get
// CodeInvalidHandle and are expected to Start over with the temp path and
// etag, which continues the transfer with a ranged request.
func (e *Engine) Resume(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.transfers[h]; !ok {
		return &engine.Error{Op: "resume", Code: engine.CodeInvalidHandle}
	}

	return nil
}

func (e *Engine) Pause(h engine.Handle) error {
	t, err := e.lookup(h, "pause")
	if err != nil {
		return err
	}

	t.stop(true)

	return nil
}

func (e *Engine) Cancel(h engine.Handle) error {
	t, err := e.lookup(h, "cancel")
	if err != nil {
		return err
	}

	t.stop(false)

	return nil
}

func (e *Engine) IsAlive(h engine.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.transfers[h]

	return ok
}

// Active returns the number of transfers currently running.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.transfers)
}

func (e *Engine) lookup(h engine.Handle, op string) (*transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[h]
	if !ok {
		return nil, &engine.Error{Op: op, Code: engine.CodeInvalidHandle}
	}

	return t, nil
}

func (e *Engine) drop(h engine.Handle) {
	e.mu.Lock()
	delete(e.transfers, h)
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, h engine.Handle, t *transfer) {
	defer e.drop(h)

	state, code := e.transferFile(ctx, t)

	paused, canceled := t.outcome()

	switch {
	case canceled:
		state, code = download.StateCanceled, engine.CodeNone

		e.removeTemp(t)
	case paused:
		state, code = download.StatePaused, engine.CodeNone
	case ctx.Err() != nil && state != download.StateCompleted:
		// The parent context died without a pause or cancel from the
		// client: the daemon is shutting down. This is not a failure of
		// the transfer. Keep the temp file and skip the terminal
		// callback so the persisted state stays recoverable and the
		// request is requeued on the next start.
		return
	}

	if e.callbacks.OnTerminal != nil {
		e.callbacks.OnTerminal(t.userData, state, code)
	}
}

func (e *Engine) transferFile(ctx context.Context, t *transfer) (download.State, engine.Code) {
	spec := t.spec

	filename := spec.Filename
	if filename == "" {
		filename = path.Base(spec.URL)
	}

	tempPath := spec.TempPath
	if tempPath == "" {
		tempPath = filepath.Join(spec.DestinationDir, filename+".part")
	}

	offset := tempOffset(tempPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return download.StateFailed, engine.CodeInvalidURL
	}

	applyHeaders(req, spec.Headers)

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))

		if spec.ETag != "" {
			req.Header.Set("If-Range", spec.ETag)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return download.StateFailed, engine.CodeNetwork
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Continuing from the temp file.
	case resp.StatusCode == http.StatusOK:
		offset = 0
	default:
		e.logger.Warn("unexpected status from origin", "url", spec.URL, "status", resp.StatusCode)

		return download.StateFailed, engine.CodeNetwork
	}

	// Chunked responses report ContentLength -1; metadata carries 0 for an
	// unknown size rather than leaking the sentinel to clients.
	total := resp.ContentLength
	if total < 0 {
		total = 0
	} else {
		total += offset
	}

	body := bufio.NewReader(resp.Body)

	contentType := e.classify(body, resp.Header.Get("Content-Type"))

	if err := os.MkdirAll(spec.DestinationDir, dirPerm); err != nil {
		return download.StateFailed, engine.CodeIO
	}

	out, err := openTemp(tempPath, offset)
	if err != nil {
		return download.StateFailed, engine.CodeIO
	}
	defer out.Close()

	if e.callbacks.OnMetadata != nil {
		e.callbacks.OnMetadata(t.userData, engine.Metadata{
			ContentType: contentType,
			Size:        total,
			TempPath:    tempPath,
			ETag:        resp.Header.Get("ETag"),
		})
	}

	pr := newProgressReader(body, offset, e.progressInterval, func(written int64) {
		if e.callbacks.OnProgress != nil {
			e.callbacks.OnProgress(t.userData, written, tempPath)
		}
	})

	written, err := io.Copy(out, pr)
	if err != nil {
		// A pause or cancel surfaces here as a context error; run()
		// resolves the intent after we return.
		return download.StateFailed, engine.CodeNetwork
	}

	if err := out.Close(); err != nil {
		return download.StateFailed, engine.CodeIO
	}

	finalPath := filepath.Join(spec.DestinationDir, filename)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return download.StateFailed, engine.CodeIO
	}

	if e.callbacks.OnProgress != nil {
		e.callbacks.OnProgress(t.userData, offset+written, finalPath)
	}

	return download.StateCompleted, engine.CodeNone
}

// classify sniffs leading bytes without consuming them, falling back to the
// origin's Content-Type header when the magic-number match fails.
func (e *Engine) classify(body *bufio.Reader, headerType string) string {
	head, _ := body.Peek(sniffLen)

	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}

	return headerType
}

func (e *Engine) removeTemp(t *transfer) {
	spec := t.spec

	tempPath := spec.TempPath
	if tempPath == "" {
		filename := spec.Filename
		if filename == "" {
			filename = path.Base(spec.URL)
		}

		tempPath = filepath.Join(spec.DestinationDir, filename+".part")
	}

	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to remove temp file", "path", tempPath, "err", err)
	}
}

func tempOffset(tempPath string) int64 {
	info, err := os.Stat(tempPath)
	if err != nil {
		return 0
	}

	return info.Size()
}

func openTemp(tempPath string, offset int64) (*os.File, error) {
	if offset > 0 {
		return os.OpenFile(tempPath, os.O_WRONLY|os.O_APPEND, filePerm)
	}

	return os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
}

func applyHeaders(req *http.Request, headers []string) {
	for _, h := range headers {
		for i := 0; i < len(h); i++ {
			if h[i] == ':' {
				name := h[:i]
				value := h[i+1:]

				for len(value) > 0 && value[0] == ' ' {
					value = value[1:]
				}

				req.Header.Set(name, value)

				break
			}
		}
	}
}
