// Package observe provides the observability primitives for hoa:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics go through the OpenTelemetry Metrics API. [InitProvider] bridges
// them to a Prometheus registry served by [Telemetry.Handler]. Tests should
// build their own instance with [NewMetrics] and a manual reader instead of
// using [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all hoa metrics.
const meterName = "github.com/MrWong99/hoa"

// Turn outcomes recorded on [Metrics.Turns].
const (
	TurnDone      = "done"
	TurnFailed    = "failed"
	TurnCancelled = "cancelled"
	TurnEmpty     = "empty"
)

// Metrics holds every instrument of the application. The OTel types handle
// their own synchronisation.
type Metrics struct {
	// STTDuration tracks how long opening a recognition session takes.
	STTDuration metric.Float64Histogram

	// GenerationDuration tracks submit-to-terminal-event latency of a turn.
	GenerationDuration metric.Float64Histogram

	// TTSDuration tracks time from Speak to the first synthesized audio.
	TTSDuration metric.Float64Histogram

	// Turns counts finished turns. Attribute: status (done, failed,
	// cancelled, empty).
	Turns metric.Int64Counter

	// FinalizeDropped counts utterances that finalized but were not
	// submitted. Attribute: reason.
	FinalizeDropped metric.Int64Counter

	// TurnState is +1 for the state being entered and -1 for the one being
	// left, so each state series reads 0 or 1. Attribute: state.
	TurnState metric.Int64UpDownCounter

	// ProviderRequests counts provider calls. Attributes: provider, kind,
	// status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// HTTPRequestDuration tracks control API latency. Attributes: method,
	// route, status ("2xx", "4xx", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Generation can take a
// while on local models, hence the long tail.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.STTDuration, err = histogram("hoa.stt.duration",
		"Time to open a speech recognition session."); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = histogram("hoa.generation.duration",
		"Latency from submit to the final reply."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("hoa.tts.duration",
		"Latency from speak request to first audio."); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("hoa.turns",
		metric.WithDescription("Finished turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDropped, err = m.Int64Counter("hoa.finalize.dropped",
		metric.WithDescription("Finalized utterances that were not submitted, by reason."),
	); err != nil {
		return nil, err
	}
	if met.TurnState, err = m.Int64UpDownCounter("hoa.turn.state",
		metric.WithDescription("Current turn-taking state (1 for the active state)."),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("hoa.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("hoa.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("hoa.http.request.duration",
		metric.WithDescription("Control API latency by method, route and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// RecordTurn counts one finished turn with the given outcome.
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDropped counts one dropped finalize.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.FinalizeDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTransition moves the turn state gauge from one state to another. An
// empty from only raises to.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if from == to {
		return
	}
	if from != "" {
		m.TurnState.Add(ctx, -1, metric.WithAttributes(attribute.String("state", from)))
	}
	m.TurnState.Add(ctx, 1, metric.WithAttributes(attribute.String("state", to)))
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
