// Package observe provides the observability primitives of livevoice:
// OpenTelemetry metrics and tracing, trace-aware logging, an HTTP middleware
// for the admin server, and a [telemetry.Sink] that turns conversation events
// into metrics.
//
// Metrics are exported through a Prometheus bridge set up by [InitProvider].
// Tests should build [Metrics] with [NewMetrics] over their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of all livevoice metrics.
const meterName = "github.com/MrWong99/livevoice"

// Metrics holds the metric instruments of the application.
type Metrics struct {
	// ConnectDuration tracks how long negotiating a link took, by outcome.
	ConnectDuration metric.Float64Histogram

	// StateTransitions counts orchestrator transitions. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// Turns counts finalized transcript entries. Attribute: role.
	Turns metric.Int64Counter

	// BargeIns counts user interruptions of model playback.
	BargeIns metric.Int64Counter

	// Reconnects counts reconnection attempts. Attribute: outcome.
	Reconnects metric.Int64Counter

	// DroppedFrames counts audio frames discarded by capture or send queues.
	DroppedFrames metric.Int64Counter

	// GuardrailActions counts non-allow guardrail results. Attributes:
	// action, direction.
	GuardrailActions metric.Int64Counter

	// Escalations counts handoff recommendations.
	Escalations metric.Int64Counter

	// Failures counts conversations that ended in Failed. Attribute: reason.
	Failures metric.Int64Counter

	// ActiveSessions tracks conversations between session start and end.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks admin HTTP request latency.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("livevoice.connect.duration",
		metric.WithDescription("Latency of link negotiation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.StateTransitions, "livevoice.state.transitions", "Conversation state transitions by from and to state."},
		{&met.Turns, "livevoice.turns", "Finalized transcript entries by role."},
		{&met.BargeIns, "livevoice.barge_ins", "User interruptions of model playback."},
		{&met.Reconnects, "livevoice.reconnects", "Reconnection attempts by outcome."},
		{&met.DroppedFrames, "livevoice.audio.dropped_frames", "Audio frames discarded before reaching the model."},
		{&met.GuardrailActions, "livevoice.guardrail.actions", "Guardrail block and warn results by direction."},
		{&met.Escalations, "livevoice.escalations", "Human handoff recommendations."},
		{&met.Failures, "livevoice.failures", "Conversations that failed, by reason."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.active_sessions",
		metric.WithDescription("Number of conversations in progress."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] on the global meter
// provider. It panics if instrument creation fails.
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

// RecordTransition counts one state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordReconnect counts one reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}
