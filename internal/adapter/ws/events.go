package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventAgentStatus   = "agent.status"
	EventAgentLiveness = "agent.liveness"
	EventAgentRestart  = "agent.restarted"
	EventAnomaly       = "agent.anomaly"
	EventEscalation    = "fleet.escalation"
	EventQuarantine    = "agent.quarantine"
	EventTicketPhase   = "ticket.phase"
)

// AgentStatusEvent is broadcast when an agent's lifecycle status changes.
type AgentStatusEvent struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// LivenessEvent is broadcast when the sweep moves an agent along the
// missed-heartbeat ladder.
type LivenessEvent struct {
	AgentID string `json:"agent_id"`
	Missed  int    `json:"missed"`
	Status  string `json:"status"`
}

// RestartEventNotice is broadcast when the controller restarts an agent.
type RestartEventNotice struct {
	AgentID       string   `json:"agent_id"`
	ReplacementID string   `json:"replacement_id,omitempty"`
	Reason        string   `json:"reason"`
	Forced        bool     `json:"forced"`
	Reassigned    []string `json:"reassigned_tasks,omitempty"`
}

// AnomalyEvent is broadcast when an agent's anomaly score crosses the
// sustained-detection threshold.
type AnomalyEvent struct {
	AgentID   string  `json:"agent_id"`
	Composite float64 `json:"composite"`
	Streak    int     `json:"streak"`
}

// EscalationEvent is broadcast when an escalation notice is raised.
type EscalationEvent struct {
	ID       string   `json:"id"`
	Severity string   `json:"severity"`
	AgentIDs []string `json:"agent_ids"`
	Summary  string   `json:"summary"`
}

// QuarantineEvent is broadcast on quarantine entry and clearance.
type QuarantineEvent struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
	Cleared bool   `json:"cleared"`
}

// TicketPhaseEvent is broadcast when a ticket advances through its lifecycle.
type TicketPhaseEvent struct {
	TicketID string `json:"ticket_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	TaskID   string `json:"task_id,omitempty"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
