package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type stubSpan struct {
	trace.Span
	spanContext trace.SpanContext
}

func (s *stubSpan) SpanContext() trace.SpanContext { return s.spanContext }

func (s *stubSpan) End(...trace.SpanEndOption) {}

func spanContext(t *testing.T) (context.Context, string, string) {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	span := &stubSpan{spanContext: trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	})}

	return trace.ContextWithSpan(context.Background(), span), traceID.String(), spanID.String()
}

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestTraceHandlerPassesThroughWithoutSpan(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(context.Background(), "recovery complete", "requeued", 3)

	entry := decodeRecord(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "recovery complete", entry["msg"])
	assert.EqualValues(t, 3, entry["requeued"])
}

func TestTraceHandlerDecoratesActiveSpan(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	ctx, traceID, spanID := spanContext(t)
	logger.InfoContext(ctx, "client admitted", "package", "org.example.app")

	entry := decodeRecord(t, &buf)
	assert.Equal(t, traceID, entry["trace_id"])
	assert.Equal(t, spanID, entry["span_id"])
	assert.Equal(t, "client admitted", entry["msg"])
	assert.Equal(t, "org.example.app", entry["package"])
}

func TestTraceHandlerDelegatesEnabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandlerWithAttrsKeepsDecoration(t *testing.T) {
	var buf bytes.Buffer

	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil)).WithAttrs([]slog.Attr{slog.String("component", "slot")})
	require.IsType(t, &TraceHandler{}, h)

	ctx, traceID, _ := spanContext(t)
	slog.New(h).InfoContext(ctx, "slot released")

	entry := decodeRecord(t, &buf)
	assert.Equal(t, "slot", entry["component"])
	assert.Equal(t, traceID, entry["trace_id"])
}

func TestTraceHandlerWithGroupKeepsDecoration(t *testing.T) {
	var buf bytes.Buffer

	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil)).WithGroup("queue")
	require.IsType(t, &TraceHandler{}, h)

	slog.New(h).InfoContext(context.Background(), "drained", "class", "wifi")

	entry := decodeRecord(t, &buf)
	assert.Contains(t, entry, "queue")
}

func TestNewTraceHandlerRejectsNil(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}
