package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	writeTimeout = 10 * time.Second

	// transientRetries bounds how often a timeout-class read error is
	// retried before it is reported to the caller.
	transientRetries = 3
)

// Conn is one framed client channel. Reads happen on the slot worker
// goroutine only; writes come from both the worker (command replies) and the
// dispatcher (pushed events), so they are serialized by a mutex.
type Conn struct {
	c           net.Conn
	r           *countingReader
	readTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewConn(c net.Conn, readTimeout time.Duration) *Conn {
	return &Conn{c: c, r: &countingReader{r: c}, readTimeout: readTimeout}
}

// ReadFrame reads one header and its body. The read deadline bounds lockup
// from a stalled peer; a deadline expiry surfaces as a timeout error the
// caller can distinguish with IsTimeout. A deadline that expires after part
// of a frame was consumed is not retryable: the stream is desynchronized and
// the next read would parse body bytes as a header, so it is reported as a
// malformed frame instead.
func (c *Conn) ReadFrame() (Header, []byte, error) {
	if c.readTimeout > 0 {
		if err := c.c.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return Header{}, nil, err
		}
	}

	c.r.n = 0

	h, err := DecodeHeader(c.r)
	if err != nil {
		return Header{}, nil, c.frameErr(err)
	}

	if h.Size == 0 {
		return h, nil, nil
	}

	body := make([]byte, h.Size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return Header{}, nil, c.frameErr(err)
	}

	return h, body, nil
}

// frameErr reclassifies a timeout that struck mid-frame as ErrMalformed.
func (c *Conn) frameErr(err error) error {
	if IsTimeout(err) && c.r.n > 0 {
		return fmt.Errorf("%w: read timed out after %d bytes of a frame", ErrMalformed, c.r.n)
	}

	return err
}

// countingReader tracks how many bytes of the current frame have been
// consumed. Reset by ReadFrame at each frame boundary.
type countingReader struct {
	r io.Reader
	n int
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += n

	return n, err
}

// WriteFrame writes one header and optional body as a single serialized
// operation. Transient timeout errors are retried a bounded number of times.
func (c *Conn) WriteFrame(h Header, body []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	h.Size = uint32(len(body))

	var lastErr error

	for attempt := 0; attempt <= transientRetries; attempt++ {
		if err := c.c.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}

		if err := EncodeHeader(c.c, h); err != nil {
			if IsTimeout(err) {
				lastErr = err

				continue
			}

			return err
		}

		if len(body) > 0 {
			if _, err := c.c.Write(body); err != nil {
				return err
			}
		}

		return nil
	}

	return lastErr
}

// Reply sends a body-less response echoing the request header with the given
// wire error code.
func (c *Conn) Reply(req Header, code int32) error {
	return c.WriteFrame(Header{
		Section:   req.Section,
		Property:  req.Property,
		ID:        req.ID,
		ErrorCode: code,
	}, nil)
}

// Close is idempotent: a stale channel replaced during re-admission may
// already have been closed by its exiting worker.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.c.Close()
	})

	return c.closeErr
}

// IsTimeout reports whether err is a deadline expiry rather than a broken
// connection.
func IsTimeout(err error) bool {
	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err means the peer or the daemon tore the
// connection down.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
