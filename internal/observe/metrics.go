// Package observe holds the relay's telemetry: OpenTelemetry instruments for
// sessions and audio, the session span and its correlated logger, and the
// HTTP middleware in front of every route.
//
// [Setup] installs the global providers and exposes a Prometheus scrape
// handler. Instruments come from [DefaultMetrics] in production; tests build
// their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxrelay metrics.
const meterName = "github.com/MrWong99/voxrelay"

// Audio sources used as the "source" attribute.
const (
	SourceClient  = "client"
	SourceCapture = "capture"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks the time from client accept until the provider
	// connection is open and configured.
	HandshakeDuration metric.Float64Histogram

	// SessionDuration tracks the lifetime of relay sessions. Use with attribute:
	//   attribute.String("reason", ...)
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts audio frames forwarded upstream. Use with attribute:
	//   attribute.String("source", "client"|"capture")
	AudioFrames metric.Int64Counter

	// AudioBytes counts PCM bytes forwarded upstream, by source.
	AudioBytes metric.Int64Counter

	// DroppedFrames counts invalid audio frames. Use with attributes:
	//   attribute.String("source", ...), attribute.String("reason", ...)
	DroppedFrames metric.Int64Counter

	// ControlMessages counts client text messages. Use with attribute:
	//   attribute.String("type", ...)
	ControlMessages metric.Int64Counter

	// ProviderEvents counts provider events relayed to clients.
	ProviderEvents metric.Int64Counter

	// CaptureStarts counts capture start requests. Use with attribute:
	//   attribute.String("status", "started"|"already_running"|"error"|"disabled")
	CaptureStarts metric.Int64Counter

	// PendingOverflows counts sessions torn down because the pending queue
	// exceeded its bound.
	PendingOverflows metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveCaptures tracks the number of running capture subprocesses.
	ActiveCaptures metric.Int64UpDownCounter

	// PendingMessages tracks messages queued across sessions while their
	// providers are connecting.
	PendingMessages metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for
// session lifetimes, which range from seconds to hours.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("voxrelay.provider.handshake.duration",
		metric.WithDescription("Latency from client accept to provider session configured."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxrelay.session.duration",
		metric.WithDescription("Lifetime of relay sessions by close reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("voxrelay.audio.frames",
		metric.WithDescription("Audio frames forwarded upstream by source."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voxrelay.audio.bytes",
		metric.WithDescription("PCM bytes forwarded upstream by source."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("voxrelay.audio.dropped",
		metric.WithDescription("Invalid audio frames dropped by source and reason."),
	); err != nil {
		return nil, err
	}
	if met.ControlMessages, err = m.Int64Counter("voxrelay.control.messages",
		metric.WithDescription("Client control messages by type."),
	); err != nil {
		return nil, err
	}
	if met.ProviderEvents, err = m.Int64Counter("voxrelay.provider.events",
		metric.WithDescription("Provider events relayed to clients."),
	); err != nil {
		return nil, err
	}
	if met.CaptureStarts, err = m.Int64Counter("voxrelay.capture.starts",
		metric.WithDescription("Capture start requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PendingOverflows, err = m.Int64Counter("voxrelay.pending.overflows",
		metric.WithDescription("Sessions closed because the pending queue exceeded its bound."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxrelay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("voxrelay.active_captures",
		metric.WithDescription("Number of running capture subprocesses."),
	); err != nil {
		return nil, err
	}
	if met.PendingMessages, err = m.Int64UpDownCounter("voxrelay.pending.messages",
		metric.WithDescription("Messages queued while providers are connecting."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
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

// RecordAudioFrame records one forwarded frame of n bytes from source.
func (m *Metrics) RecordAudioFrame(ctx context.Context, source string, n int) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.AudioFrames.Add(ctx, 1, attrs)
	m.AudioBytes.Add(ctx, int64(n), attrs)
}

// RecordDroppedFrame records an invalid frame from source.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, source, reason string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("reason", reason),
		),
	)
}

// RecordControlMessage records a client control message of the given type.
func (m *Metrics) RecordControlMessage(ctx context.Context, typ string) {
	m.ControlMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordCaptureStart records the outcome of a capture start request.
func (m *Metrics) RecordCaptureStart(ctx context.Context, status string) {
	m.CaptureStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
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
