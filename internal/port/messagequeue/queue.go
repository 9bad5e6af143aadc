// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
// Publishing is fire-and-forget from the caller's perspective: subscribers
// never gate a publisher's progress.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the fleet control plane.
const (
	SubjectHeartbeat         = "agents.heartbeat"          // inbound beats from agent runtimes
	SubjectHeartbeatReceived = "agents.heartbeat.received" // accepted beats, for auditors
	SubjectLivenessChanged   = "agents.liveness"           // ladder transitions (warn/degraded/unresponsive)
	SubjectAgentStatus       = "agents.status"             // lifecycle status republication
	SubjectAgentRestarted    = "agents.restarted"          // RestartEvent audit records
	SubjectEscalation        = "agents.escalation"         // EscalationNotice records
	SubjectQuarantine        = "agents.quarantine"         // quarantine entry/clearance
	SubjectAnomalyDetected   = "agents.anomaly"            // sustained anomaly signals
	SubjectTicketPhase       = "tickets.phase"             // TICKET_PHASE_ADVANCED
	SubjectTicketCompleted   = "tickets.completed"         // TICKET_COMPLETED
)
