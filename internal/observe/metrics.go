// Package observe provides application-wide observability primitives for
// Concierge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Concierge metrics.
const meterName = "github.com/perennialhq/concierge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// ModelCallDuration tracks language-model completion latency.
	ModelCallDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool collaborator execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency from user message to
	// final answer.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ModelCalls counts model completions. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ModelCalls metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// CacheHits counts tool-response cache hits by tool name.
	CacheHits metric.Int64Counter

	// CacheMisses counts tool-response cache misses by tool name.
	CacheMisses metric.Int64Counter

	// CreditsReserved sums credits reserved before model calls (minor units).
	CreditsReserved metric.Int64Counter

	// CreditsCommitted sums credits actually charged (minor units).
	CreditsCommitted metric.Int64Counter

	// LedgerOverruns counts commits whose actual cost exceeded the
	// reservation. The overage is not charged; a rising count means the
	// pre-call estimator needs tuning.
	LedgerOverruns metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks the number of turns currently in flight.
	ActiveTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for model-call and tool latencies.
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
	if met.ModelCallDuration, err = m.Float64Histogram("concierge.model_call.duration",
		metric.WithDescription("Latency of language-model completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("concierge.tool_execution.duration",
		metric.WithDescription("Latency of tool collaborator execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("concierge.turn.duration",
		metric.WithDescription("End-to-end turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ModelCalls, err = m.Int64Counter("concierge.model.calls",
		metric.WithDescription("Total model completions by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("concierge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("concierge.cache.hits",
		metric.WithDescription("Tool-response cache hits by tool name."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("concierge.cache.misses",
		metric.WithDescription("Tool-response cache misses by tool name."),
	); err != nil {
		return nil, err
	}
	if met.CreditsReserved, err = m.Int64Counter("concierge.credits.reserved",
		metric.WithDescription("Credits reserved before model calls, in minor units."),
	); err != nil {
		return nil, err
	}
	if met.CreditsCommitted, err = m.Int64Counter("concierge.credits.committed",
		metric.WithDescription("Credits charged after model calls, in minor units."),
	); err != nil {
		return nil, err
	}
	if met.LedgerOverruns, err = m.Int64Counter("concierge.ledger.overrun",
		metric.WithDescription("Commits whose actual cost exceeded the reservation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("concierge.active_turns",
		metric.WithDescription("Number of turns currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("concierge.http.request.duration",
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

// RecordModelCall records a model completion counter increment with the
// standard attribute set.
func (m *Metrics) RecordModelCall(ctx context.Context, provider, status string) {
	m.ModelCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool invocation counter increment with the
// standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}
