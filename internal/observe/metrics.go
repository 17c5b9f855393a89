// Package observe holds voicetwin's telemetry: the session and HTTP
// instruments, the per-session trace span, trace-aware loggers and the HTTP
// middleware.
//
// Instruments are recorded through the OpenTelemetry Metrics API. [Init]
// installs the SDK with a Prometheus exporter, whose registry is served on
// /metrics. [DefaultMetrics] binds to the global meter provider; tests use
// [NewMetrics] with their own provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicetwin metrics.
const meterName = "github.com/MrWong99/voicetwin"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Open until the provider reports
	// the session as opened. Use with attribute.String("provider", ...).
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long sessions stayed open. Use with
	// attribute.String("provider", ...), attribute.String("reason", ...).
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsOpened counts Open calls that started a handshake. Use with
	// attribute.String("provider", ...).
	SessionsOpened metric.Int64Counter

	// SessionsClosed counts terminal transitions. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("reason", ...)
	SessionsClosed metric.Int64Counter

	// ChunksSent counts microphone chunks delivered to the provider.
	ChunksSent metric.Int64Counter

	// ChunksReceived counts speech chunks scheduled for playback.
	ChunksReceived metric.Int64Counter

	// DecodeErrors counts speech chunks dropped because they did not decode.
	DecodeErrors metric.Int64Counter

	// PlaybackInterrupts counts barge-in interruptions.
	PlaybackInterrupts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connecting or live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime connection latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// durationBuckets defines histogram bucket boundaries (in seconds) for whole
// session lifetimes.
var durationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 900, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voicetwin.session.connect.duration",
		metric.WithDescription("Time from Open until the provider accepted the session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voicetwin.session.duration",
		metric.WithDescription("Lifetime of a session from Open until it closed."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsOpened, err = m.Int64Counter("voicetwin.sessions.opened",
		metric.WithDescription("Total sessions opened by provider."),
	); err != nil {
		return nil, err
	}
	if met.SessionsClosed, err = m.Int64Counter("voicetwin.sessions.closed",
		metric.WithDescription("Total sessions closed by provider and reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("voicetwin.audio.chunks.sent",
		metric.WithDescription("Microphone chunks sent to the provider."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("voicetwin.audio.chunks.received",
		metric.WithDescription("Speech chunks received and scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voicetwin.audio.decode_errors",
		metric.WithDescription("Speech chunks dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterrupts, err = m.Int64Counter("voicetwin.playback.interrupts",
		metric.WithDescription("Playback interruptions caused by barge-in."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicetwin.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicetwin.active_sessions",
		metric.WithDescription("Number of connecting or live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicetwin.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionOpened counts a new session and raises the active gauge.
func (m *Metrics) RecordSessionOpened(ctx context.Context, provider string) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.SessionsOpened.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordConnected records the handshake latency of a session.
func (m *Metrics) RecordConnected(ctx context.Context, provider string, latency time.Duration) {
	m.ConnectDuration.Record(ctx, latency.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordSessionClosed counts a terminal transition, records the session
// lifetime and lowers the active gauge.
func (m *Metrics) RecordSessionClosed(ctx context.Context, provider, reason string, lifetime time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	)
	m.SessionsClosed.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, lifetime.Seconds(), attrs)
	m.ActiveSessions.Add(ctx, -1)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
