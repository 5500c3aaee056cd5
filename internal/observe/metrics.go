// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/openlisten/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// AnalysisDuration tracks the latency of one LLM analysis pass.
	AnalysisDuration metric.Float64Histogram

	// StreamEstablishDuration tracks how long opening a transcription
	// stream pair takes, including retries.
	StreamEstablishDuration metric.Float64Histogram

	// --- Counters ---

	// AudioChunks counts audio chunks entering the session. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("status", "sent"|"gated"|"dropped")
	AudioChunks metric.Int64Counter

	// StreamEvents counts transcription events received. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("kind", "partial"|"final")
	StreamEvents metric.Int64Counter

	// Turns counts finalized utterances emitted by the debouncer. Use with:
	//   attribute.String("speaker", ...)
	Turns metric.Int64Counter

	// Analyses counts analysis passes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Analyses metric.Int64Counter

	// StreamRenewals counts stream pair renewals.
	StreamRenewals metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("breaker", ...),
	// attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live listening sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveStreams tracks the number of open transcription streams.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second stream setup and multi-second LLM analysis calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AnalysisDuration, err = m.Float64Histogram("earshot.analysis.duration",
		metric.WithDescription("Latency of one LLM analysis pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamEstablishDuration, err = m.Float64Histogram("earshot.stream.establish.duration",
		metric.WithDescription("Time to open a transcription stream pair, including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunks, err = m.Int64Counter("earshot.audio.chunks",
		metric.WithDescription("Total audio chunks by speaker and status."),
	); err != nil {
		return nil, err
	}
	if met.StreamEvents, err = m.Int64Counter("earshot.stream.events",
		metric.WithDescription("Total transcription events by speaker and kind."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("earshot.turns",
		metric.WithDescription("Total finalized utterances by speaker."),
	); err != nil {
		return nil, err
	}
	if met.Analyses, err = m.Int64Counter("earshot.analyses",
		metric.WithDescription("Total analysis passes by status."),
	); err != nil {
		return nil, err
	}
	if met.StreamRenewals, err = m.Int64Counter("earshot.stream.renewals",
		metric.WithDescription("Total transcription stream pair renewals."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("earshot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("earshot.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of live listening sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("earshot.active_streams",
		metric.WithDescription("Number of open transcription streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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

// RecordChunk records one audio chunk with the standard attribute set.
func (m *Metrics) RecordChunk(ctx context.Context, speaker, status string) {
	m.AudioChunks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("status", status),
		),
	)
}

// RecordStreamEvent records one transcription event with the standard
// attribute set.
func (m *Metrics) RecordStreamEvent(ctx context.Context, speaker, kind string) {
	m.StreamEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records one finalized utterance.
func (m *Metrics) RecordTurn(ctx context.Context, speaker string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordAnalysis records one analysis pass with its outcome and duration in
// seconds.
func (m *Metrics) RecordAnalysis(ctx context.Context, status string, seconds float64) {
	m.Analyses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.AnalysisDuration.Record(ctx, seconds)
}

// RecordBreakerTransition records one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
