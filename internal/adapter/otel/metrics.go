package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "cordon"

// Metrics holds all fleet metric instruments.
type Metrics struct {
	HeartbeatsReceived metric.Int64Counter
	HeartbeatsRejected metric.Int64Counter
	HeartbeatsMissed   metric.Int64Counter
	AnomalyScore       metric.Float64Histogram
	Restarts           metric.Int64Counter
	Escalations        metric.Int64Counter
	EscalationsOverdue metric.Int64Counter
	Quarantines        metric.Int64Counter
	TasksAssigned      metric.Int64Counter
	TasksReassigned    metric.Int64Counter
	PhaseAdvances      metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.HeartbeatsReceived, err = meter.Int64Counter("cordon.heartbeats.received",
		metric.WithDescription("Number of heartbeats accepted"))
	if err != nil {
		return nil, err
	}

	m.HeartbeatsRejected, err = meter.Int64Counter("cordon.heartbeats.rejected",
		metric.WithDescription("Number of heartbeats rejected (checksum, regression, stale)"))
	if err != nil {
		return nil, err
	}

	m.HeartbeatsMissed, err = meter.Int64Counter("cordon.heartbeats.missed",
		metric.WithDescription("Number of missed heartbeats detected by the sweep"))
	if err != nil {
		return nil, err
	}

	m.AnomalyScore, err = meter.Float64Histogram("cordon.anomaly.composite",
		metric.WithDescription("Composite anomaly score distribution"))
	if err != nil {
		return nil, err
	}

	m.Restarts, err = meter.Int64Counter("cordon.restarts",
		metric.WithDescription("Number of agent restarts performed"))
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("cordon.escalations",
		metric.WithDescription("Number of escalation notices raised"))
	if err != nil {
		return nil, err
	}

	m.EscalationsOverdue, err = meter.Int64Counter("cordon.escalations.overdue",
		metric.WithDescription("Number of SEV-1 notices unacknowledged past their SLA"))
	if err != nil {
		return nil, err
	}

	m.Quarantines, err = meter.Int64Counter("cordon.quarantines",
		metric.WithDescription("Number of agents placed in quarantine"))
	if err != nil {
		return nil, err
	}

	m.TasksAssigned, err = meter.Int64Counter("cordon.tasks.assigned",
		metric.WithDescription("Number of task assignments"))
	if err != nil {
		return nil, err
	}

	m.TasksReassigned, err = meter.Int64Counter("cordon.tasks.reassigned",
		metric.WithDescription("Number of tasks reassigned after agent restarts"))
	if err != nil {
		return nil, err
	}

	m.PhaseAdvances, err = meter.Int64Counter("cordon.tickets.phase_advances",
		metric.WithDescription("Number of ticket phase advancements"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
