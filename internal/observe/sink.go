package observe

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/livevoice/pkg/telemetry"
)

// Sink records conversation telemetry as metrics.
type Sink struct {
	m *Metrics
}

// NewSink returns a [telemetry.Sink] backed by m.
func NewSink(m *Metrics) *Sink { return &Sink{m: m} }

// Emit implements [telemetry.Sink].
func (s *Sink) Emit(e telemetry.Event) {
	ctx := context.Background()
	switch e.Kind {
	case telemetry.KindSessionStarted:
		s.m.ActiveSessions.Add(ctx, 1)
	case telemetry.KindSessionEnded:
		s.m.ActiveSessions.Add(ctx, -1)
	case telemetry.KindStateTransition:
		s.m.RecordTransition(ctx, e.From, e.To)
	case telemetry.KindTurn:
		s.m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("role", e.Role)))
	case telemetry.KindBargeIn:
		s.m.BargeIns.Add(ctx, 1)
	case telemetry.KindReconnect:
		s.m.RecordReconnect(ctx, e.Outcome)
	case telemetry.KindConnect:
		s.m.ConnectDuration.Record(ctx, e.Duration.Seconds(), metric.WithAttributes(Attr("outcome", e.Outcome)))
	case telemetry.KindDroppedFrames:
		s.m.DroppedFrames.Add(ctx, int64(e.Count))
	case telemetry.KindGuardrail:
		s.m.GuardrailActions.Add(ctx, 1, metric.WithAttributes(Attr("action", e.Outcome), Attr("direction", e.Role)))
	case telemetry.KindEscalation:
		s.m.Escalations.Add(ctx, 1)
	case telemetry.KindFailure:
		s.m.Failures.Add(ctx, 1, metric.WithAttributes(Attr("reason", e.Outcome)))
	}
}

var _ telemetry.Sink = (*Sink)(nil)
