package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	otelad "github.com/cordonlabs/cordon/internal/adapter/otel"
)

// FleetMetrics is a nil-safe facade over the OTel instruments. Services hold
// it by pointer; a nil receiver turns every record into a no-op so tests and
// telemetry-disabled deployments need no stub.
type FleetMetrics struct {
	m *otelad.Metrics
}

// NewFleetMetrics wraps the given instruments. inst may be nil.
func NewFleetMetrics(inst *otelad.Metrics) *FleetMetrics {
	if inst == nil {
		return nil
	}
	return &FleetMetrics{m: inst}
}

func (f *FleetMetrics) HeartbeatReceived(ctx context.Context) {
	if f == nil {
		return
	}
	f.m.HeartbeatsReceived.Add(ctx, 1)
}

func (f *FleetMetrics) HeartbeatRejected(ctx context.Context, reason string) {
	if f == nil {
		return
	}
	f.m.HeartbeatsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (f *FleetMetrics) HeartbeatMissed(ctx context.Context) {
	if f == nil {
		return
	}
	f.m.HeartbeatsMissed.Add(ctx, 1)
}

func (f *FleetMetrics) AnomalyScore(ctx context.Context, composite float64) {
	if f == nil {
		return
	}
	f.m.AnomalyScore.Record(ctx, composite)
}

func (f *FleetMetrics) Restart(ctx context.Context, forced bool) {
	if f == nil {
		return
	}
	f.m.Restarts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

func (f *FleetMetrics) Escalation(ctx context.Context, severity string) {
	if f == nil {
		return
	}
	f.m.Escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

func (f *FleetMetrics) EscalationOverdue(ctx context.Context) {
	if f == nil {
		return
	}
	f.m.EscalationsOverdue.Add(ctx, 1)
}

func (f *FleetMetrics) Quarantine(ctx context.Context) {
	if f == nil {
		return
	}
	f.m.Quarantines.Add(ctx, 1)
}

func (f *FleetMetrics) TaskAssigned(ctx context.Context) {
	if f == nil {
		return
	}
	f.m.TasksAssigned.Add(ctx, 1)
}

func (f *FleetMetrics) TaskReassigned(ctx context.Context) {
	if f == nil {
		return
	}
	f.m.TasksReassigned.Add(ctx, 1)
}

func (f *FleetMetrics) PhaseAdvance(ctx context.Context, to string) {
	if f == nil {
		return
	}
	f.m.PhaseAdvances.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}
