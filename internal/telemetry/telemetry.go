package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the daemon's telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// Admin HTTP surface (RED)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Daemon business metrics
	slotsOccupied    metric.Int64Gauge
	queueDepth       metric.Int64Gauge
	admissionsTotal  metric.Int64Counter
	eventsDispatched metric.Int64Counter
	requestsFinished metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	ipcConnections   metric.Int64Counter

	// Persistence
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	// System health
	systemErrors   metric.Int64Counter
	systemUptime   metric.Float64Gauge
	goroutineCount metric.Int64Gauge
	memoryUsage    metric.Int64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a telemetry instance. With Enabled false every recording
// method is a no-op, so call sites never need to branch.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordHTTPRequest records admin HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight admin HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight admin HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordSlotsOccupied records how many client slots carry outstanding work.
func (t *Telemetry) RecordSlotsOccupied(n int) {
	if t != nil && t.slotsOccupied != nil {
		t.slotsOccupied.Record(context.Background(), int64(n))
	}
}

// RecordQueueDepth records the depth of one queue partition.
func (t *Telemetry) RecordQueueDepth(class string, depth int) {
	if t != nil && t.queueDepth != nil {
		t.queueDepth.Record(context.Background(), int64(depth),
			metric.WithAttributes(attribute.String("class", class)),
		)
	}
}

// RecordAdmission counts one scheduler admission attempt by outcome.
func (t *Telemetry) RecordAdmission(outcome string) {
	if t != nil && t.admissionsTotal != nil {
		t.admissionsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// RecordDispatch counts one delivered client event by kind.
func (t *Telemetry) RecordDispatch(kind string) {
	if t != nil && t.eventsDispatched != nil {
		t.eventsDispatched.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// RecordRequestFinished counts one request reaching a terminal state.
func (t *Telemetry) RecordRequestFinished(state string) {
	if t != nil && t.requestsFinished != nil {
		t.requestsFinished.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("state", state)),
		)
	}
}

// IncrementActiveDownloads increments the active downloads counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements the active downloads counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// RecordConnection counts one IPC connection attempt by disposition.
func (t *Telemetry) RecordConnection(status string) {
	if t != nil && t.ipcConnections != nil {
		t.ipcConnections.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of admin HTTP requests"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Admin HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Admin HTTP requests currently being processed"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.slotsOccupied, err = t.meter.Int64Gauge(
		"client_slots_occupied",
		metric.WithDescription("Client slots with outstanding interest"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.queueDepth, err = t.meter.Int64Gauge(
		"request_queue_depth",
		metric.WithDescription("Pending requests per queue partition"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.admissionsTotal, err = t.meter.Int64Counter(
		"admissions_total",
		metric.WithDescription("Scheduler admission attempts by outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.eventsDispatched, err = t.meter.Int64Counter(
		"events_dispatched_total",
		metric.WithDescription("Client events delivered by the dispatcher"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.requestsFinished, err = t.meter.Int64Counter(
		"requests_finished_total",
		metric.WithDescription("Requests reaching a terminal state"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"downloads_active",
		metric.WithDescription("Transfers currently running in the engine"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.ipcConnections, err = t.meter.Int64Counter(
		"ipc_connections_total",
		metric.WithDescription("IPC connection attempts by disposition"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("Daemon uptime in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if t.goroutineCount, err = t.meter.Int64Gauge(
		"goroutine_count",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	t.memoryUsage, err = t.meter.Int64Gauge(
		"memory_usage_bytes",
		metric.WithDescription("Memory usage in bytes"),
		metric.WithUnit("bytes"),
	)

	return err
}

func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateSystemMetrics(startTime)
		}
	}
}

func (t *Telemetry) updateSystemMetrics(startTime time.Time) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	if t.memoryUsage != nil {
		t.memoryUsage.Record(context.Background(), int64(m.Alloc))
	}

	if t.goroutineCount != nil {
		t.goroutineCount.Record(context.Background(), int64(runtime.NumGoroutine()))
	}

	if t.systemUptime != nil {
		t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
	}
}
