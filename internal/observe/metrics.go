// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] and served by
// [MetricsHandler] on the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Pipeline stage names used as the "stage" attribute value.
const (
	StageVAD        = "vad"
	StageTranscribe = "transcribe"
	StageAnswer     = "answer"
	StageSynthesize = "synthesize"
	StagePublish    = "publish"
)

// Utterance outcomes used as the "outcome" attribute value.
const (
	OutcomeSpoken    = "spoken"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
	OutcomeDropped   = "dropped"
	OutcomeCancelled = "cancelled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks the latency of one pipeline stage. Use with
	// attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// ResponseLatency tracks end of speech to first published frame.
	ResponseLatency metric.Float64Histogram

	// --- Counters ---

	// Utterances counts closed utterances by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	Utterances metric.Int64Counter

	// StageFailures counts failed pipeline stages. Use with attribute:
	//   attribute.String("stage", ...)
	StageFailures metric.Int64Counter

	// VADFrames counts classified frames. Use with attribute:
	//   attribute.String("verdict", "speech"|"silence"|"error")
	VADFrames metric.Int64Counter

	// PublishedFrames counts frames written to outgoing tracks.
	PublishedFrames metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live participant sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("voxbridge.stage.duration",
		metric.WithDescription("Latency of a pipeline stage by stage name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("voxbridge.response.latency",
		metric.WithDescription("Time from end of speech to the first published answer frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("voxbridge.utterances",
		metric.WithDescription("Total closed utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StageFailures, err = m.Int64Counter("voxbridge.stage.failures",
		metric.WithDescription("Total failed pipeline stages by stage name."),
	); err != nil {
		return nil, err
	}
	if met.VADFrames, err = m.Int64Counter("voxbridge.vad.frames",
		metric.WithDescription("Total frames classified by the voice activity gate by verdict."),
	); err != nil {
		return nil, err
	}
	if met.PublishedFrames, err = m.Int64Counter("voxbridge.published.frames",
		metric.WithDescription("Total synthesized frames written to outgoing tracks."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxbridge.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live participant sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
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

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage)))
}

// RecordStageFailure records a failed pipeline stage.
func (m *Metrics) RecordStageFailure(ctx context.Context, stage string) {
	m.StageFailures.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordUtterance records a closed utterance with its outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordVADFrame records one classified frame. A non-nil err takes precedence
// over speech.
func (m *Metrics) RecordVADFrame(ctx context.Context, speech bool, err error) {
	verdict := "silence"
	switch {
	case err != nil:
		verdict = "error"
	case speech:
		verdict = "speech"
	}
	m.VADFrames.Add(ctx, 1, metric.WithAttributes(Attr("verdict", verdict)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
