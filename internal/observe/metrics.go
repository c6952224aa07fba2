// Package observe provides application-wide observability primitives for
// Veranda: OpenTelemetry metrics and tracing, plus the Prometheus exporter
// bridge that serves them on /metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Veranda metrics.
const meterName = "github.com/veranda-ai/veranda"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- Counters ---

	// FramesIn counts inbound telephony media frames accepted per call leg.
	FramesIn metric.Int64Counter

	// FramesOut counts outbound media frames written to the telephony socket.
	FramesOut metric.Int64Counter

	// CodecErrors counts dropped frames by direction and reason. Use with
	// attributes: attribute.String("direction", ...), attribute.String("reason", ...)
	CodecErrors metric.Int64Counter

	// AIReconnects counts AI session reconnection attempts by outcome.
	// Use with attribute: attribute.String("outcome", "success"|"failure")
	AIReconnects metric.Int64Counter

	// Fallbacks counts calls that entered permanent fallback.
	Fallbacks metric.Int64Counter

	// QueueDrops counts audio/transcript chunks dropped because an AI client
	// output queue was full. Use with attribute: attribute.String("queue", ...)
	QueueDrops metric.Int64Counter

	// Evictions counts sessions removed by the inactivity supervisor.
	Evictions metric.Int64Counter

	// --- Histograms ---

	// OutboundFrameDuration tracks the resample+encode+write time for one
	// outbound audio chunk.
	OutboundFrameDuration metric.Float64Histogram

	// HTTPRequestDuration tracks handler latency for the HTTP surface
	// (health, metrics, stream upgrade). Used by [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-frame audio work, which should stay well under the 20 ms frame cadence.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("veranda.calls.active",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.FramesIn, err = m.Int64Counter("veranda.frames.in",
		metric.WithDescription("Inbound telephony media frames accepted."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("veranda.frames.out",
		metric.WithDescription("Outbound media frames written to the telephony socket."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("veranda.codec.errors",
		metric.WithDescription("Frames dropped due to codec errors, by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.AIReconnects, err = m.Int64Counter("veranda.ai.reconnects",
		metric.WithDescription("AI session reconnection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("veranda.fallbacks",
		metric.WithDescription("Calls that entered permanent fallback."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("veranda.ai.queue_drops",
		metric.WithDescription("Chunks dropped because an AI client output queue was full."),
	); err != nil {
		return nil, err
	}
	if met.Evictions, err = m.Int64Counter("veranda.calls.evictions",
		metric.WithDescription("Sessions removed by the inactivity supervisor."),
	); err != nil {
		return nil, err
	}
	if met.OutboundFrameDuration, err = m.Float64Histogram("veranda.outbound.frame.duration",
		metric.WithDescription("Resample + encode + write time for one outbound audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("veranda.http.request.duration",
		metric.WithDescription("HTTP request handling time."),
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
