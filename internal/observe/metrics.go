// Package observe provides the observability primitives for NovaFlow:
// OpenTelemetry metrics and tracing, correlation-aware structured logging,
// and the HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed
// for scraping by the Prometheus exporter set up in [InitProvider]. A
// package-level [DefaultMetrics] instance is provided for convenience; tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
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

// meterName is the instrumentation scope name used for all NovaFlow metrics.
const meterName = "github.com/MrWong99/novaflow"

// Metrics holds the metric instruments of the service. All fields are safe
// for concurrent use.
type Metrics struct {
	// StageDuration tracks the latency of each turn stage. Attribute: stage.
	StageDuration metric.Float64Histogram

	// ProviderDuration tracks external provider calls. Attributes: kind,
	// provider.
	ProviderDuration metric.Float64Histogram

	// HTTPRequestDuration tracks request handling time. Attributes: method,
	// path.
	HTTPRequestDuration metric.Float64Histogram

	// Turns counts finished turns. Attributes: intent, outcome.
	Turns metric.Int64Counter

	// ToolCalls counts tool executions. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// ProviderErrors counts failed provider calls. Attributes: kind,
	// provider.
	ProviderErrors metric.Int64Counter

	// ActiveSessions tracks open websocket sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds, sized for API calls
// that take from tens of milliseconds to tens of seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("novaflow.stage.duration",
		metric.WithDescription("Latency of one turn stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("novaflow.provider.duration",
		metric.WithDescription("Latency of external provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("novaflow.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("novaflow.turns",
		metric.WithDescription("Finished turns by intent and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("novaflow.tool.calls",
		metric.WithDescription("Tool executions by tool and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("novaflow.provider.errors",
		metric.WithDescription("Failed provider calls by kind and provider."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("novaflow.sessions.active",
		metric.WithDescription("Number of open websocket sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from [otel.GetMeterProvider]. Call it after [InitProvider]
// so the instruments bind to the exporting provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the duration of one turn stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage)))
}

// RecordProviderCall records the duration of a provider call and, when err
// is non-nil, an error.
func (m *Metrics) RecordProviderCall(ctx context.Context, kind, provider string, d time.Duration, err error) {
	attrs := metric.WithAttributes(Attr("kind", kind), Attr("provider", provider))
	m.ProviderDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.ProviderErrors.Add(ctx, 1, attrs)
	}
}

// RecordToolCall counts one tool execution.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(Attr("tool", tool), Attr("status", status)))
}

// RecordTurn counts one finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, intent, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("intent", intent), Attr("outcome", outcome)))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) { m.ActiveSessions.Add(ctx, 1) }

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) { m.ActiveSessions.Add(ctx, -1) }
