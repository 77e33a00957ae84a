// Package observe holds voxscribe's telemetry: OpenTelemetry metric
// instruments for the dictation pipeline and model cache, tracing helpers,
// session-aware structured logging, and the control API middleware.
//
// Instruments live on a [Metrics] value. Production code uses
// [DefaultMetrics], which is bound to the global meter provider that
// [InitProvider] bridges to Prometheus. Tests build their own with
// [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voxscribe"

// Pipeline stages, used as the "stage" attribute.
const (
	StageCapture    = "capture"
	StagePrepare    = "prepare"
	StageTranscribe = "transcribe"
	StageCorrect    = "correct"
	StageRefine     = "refine"
	StageDeliver    = "deliver"
)

// Metrics holds the instruments. All fields are safe for concurrent use.
type Metrics struct {
	// StageDuration is the latency of one pipeline stage, by "stage".
	StageDuration metric.Float64Histogram

	// Sessions counts finished dictations by "outcome":
	// delivered, empty, canceled or failed.
	Sessions metric.Int64Counter

	// ActiveSessions is the number of live dictations, 0 or 1.
	ActiveSessions metric.Int64UpDownCounter

	// ProviderRequests and ProviderErrors count calls to refinement and
	// transcription providers by "provider" and "kind". Requests also carry
	// a "status".
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by "provider"
	// and target "state".
	BreakerTransitions metric.Int64Counter

	// Model cache instruments, by "model" and "status".
	ModelDownloadDuration metric.Float64Histogram
	ModelDownloadBytes    metric.Int64Counter
	ModelLoadDuration     metric.Float64Histogram

	// HTTPRequestDuration is control API latency by "method", "route" and
	// "status".
	HTTPRequestDuration metric.Float64Histogram
}

// Stage latencies run from sub-10ms dictionary passes to minute-long
// refinements on slow local servers.
var stageBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Model downloads take seconds to half an hour.
var downloadBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var errs []error
	hist := func(name, desc, unit string, buckets ...float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit(unit)}
		if len(buckets) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := m.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string, opts ...metric.Int64CounterOption) metric.Int64Counter {
		c, err := m.Int64Counter(name, append(opts, metric.WithDescription(desc))...)
		errs = append(errs, err)
		return c
	}

	met := &Metrics{
		StageDuration:         hist("voxscribe.stage.duration", "Latency of a dictation pipeline stage.", "s", stageBuckets...),
		Sessions:              counter("voxscribe.sessions", "Finished dictation sessions by outcome."),
		ProviderRequests:      counter("voxscribe.provider.requests", "Provider requests by provider, kind and status."),
		ProviderErrors:        counter("voxscribe.provider.errors", "Provider errors by provider and kind."),
		BreakerTransitions:    counter("voxscribe.breaker.transitions", "Circuit breaker state changes by provider and state."),
		ModelDownloadDuration: hist("voxscribe.model.download.duration", "Duration of speech model downloads.", "s", downloadBuckets...),
		ModelDownloadBytes:    counter("voxscribe.model.download.bytes", "Bytes downloaded into the model cache.", metric.WithUnit("By")),
		ModelLoadDuration:     hist("voxscribe.model.load.duration", "Duration of speech model loads.", "s", stageBuckets...),
		HTTPRequestDuration:   hist("voxscribe.http.request.duration", "Control API latency by method, route and status.", "s"),
	}
	var err error
	met.ActiveSessions, err = m.Int64UpDownCounter("voxscribe.active_sessions",
		metric.WithDescription("Number of live dictation sessions."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments, created on first use
// from [otel.GetMeterProvider]. Call [InitProvider] first or the instruments
// bind to the no-op provider.
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

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSession counts a finished dictation.
func (m *Metrics) RecordSession(ctx context.Context, outcome string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordBreakerTransition counts a provider's breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("state", state),
	))
}

// RecordModelDownload records a finished download attempt. It satisfies the
// model store's recorder interface.
func (m *Metrics) RecordModelDownload(ctx context.Context, model string, bytes int64, d time.Duration, err error) {
	m.ModelDownloadDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status(err)),
	))
	if bytes > 0 {
		m.ModelDownloadBytes.Add(ctx, bytes, metric.WithAttributes(attribute.String("model", model)))
	}
}

// RecordModelLoad records a finished model load attempt.
func (m *Metrics) RecordModelLoad(ctx context.Context, model string, d time.Duration, err error) {
	m.ModelLoadDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status(err)),
	))
}
