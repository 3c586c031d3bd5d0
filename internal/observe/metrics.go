// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge, and HTTP
// middleware tying request handling into both.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should
// use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all switchboard metrics.
const meterName = "github.com/phonelark/switchboard"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- Counters ---

	// FramesForwarded counts caller audio frames relayed to the AI backend.
	FramesForwarded metric.Int64Counter

	// FramesGated counts caller audio frames dropped by the noise gate.
	FramesGated metric.Int64Counter

	// SessionOpens counts AI session open attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"rejected")
	SessionOpens metric.Int64Counter

	// Interruptions counts caller barge-ins.
	Interruptions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Histograms ---

	// CallDuration tracks full call length in seconds.
	CallDuration metric.Float64Histogram

	// FirstAudioDelay tracks the time from stream start to the first AI
	// audio frame sent back to the caller.
	FirstAudioDelay metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets covers call lengths from a few seconds to the
// provider's session ceiling.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("switchboard.calls.active",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	if met.FramesForwarded, err = m.Int64Counter("switchboard.frames.forwarded",
		metric.WithDescription("Caller audio frames relayed to the AI backend."),
	); err != nil {
		return nil, err
	}
	if met.FramesGated, err = m.Int64Counter("switchboard.frames.gated",
		metric.WithDescription("Caller audio frames dropped by the noise gate."),
	); err != nil {
		return nil, err
	}
	if met.SessionOpens, err = m.Int64Counter("switchboard.session.opens",
		metric.WithDescription("AI session open attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("switchboard.interruptions",
		metric.WithDescription("Caller barge-ins that cleared buffered playback."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("switchboard.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	if met.CallDuration, err = m.Float64Histogram("switchboard.call.duration",
		metric.WithDescription("Full call length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioDelay, err = m.Float64Histogram("switchboard.call.first_audio_delay",
		metric.WithDescription("Time from stream start to the first AI audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("switchboard.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordSessionOpen records an AI session open attempt with its outcome.
func (m *Metrics) RecordSessionOpen(ctx context.Context, status string) {
	m.SessionOpens.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordToolCall records a tool invocation with its outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}
