// Package remediation defines the immutable audit records produced by the
// restart/escalation controller: restart events, escalation notices, and
// quarantine records.
package remediation

import (
	"time"

	"github.com/google/uuid"
)

// RestartEvent records one completed restart action for an agent lineage.
// Immutable once written.
type RestartEvent struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	LineageID       string        `json:"lineage_id"`
	ReplacementID   string        `json:"replacement_id,omitempty"`
	Reason          string        `json:"reason"`
	GracefulStop    time.Duration `json:"graceful_stop_duration"`
	Forced          bool          `json:"forced"`
	ReassignedTasks []string      `json:"reassigned_tasks"`
	At              time.Time     `json:"at"`
}

// Severity classifies escalation notices.
type Severity string

const (
	// Sev1: multiple critical tasks blocked, or the controller itself is
	// unreachable. Requires human acknowledgment within the configured SLA;
	// automated containment proceeds regardless.
	Sev1 Severity = "SEV-1"
	// Sev2: restart-rate threshold exceeded for a lineage.
	Sev2 Severity = "SEV-2"
	// Sev3: single agent with chronic low-grade anomalies.
	Sev3 Severity = "SEV-3"
)

// EscalationNotice is raised when automated remediation gives up or a
// condition needs operator awareness. Immutable apart from acknowledgment.
type EscalationNotice struct {
	ID             string            `json:"id"`
	Severity       Severity          `json:"severity"`
	AgentIDs       []string          `json:"agent_ids"`
	Summary        string            `json:"summary"`
	TraceIDs       []string          `json:"trace_ids,omitempty"`
	Snapshot       map[string]string `json:"snapshot,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	AckBy          time.Time         `json:"ack_by,omitempty"`
	AcknowledgedAt time.Time         `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
}

// AckOverdue reports whether the notice has blown its acknowledgment
// deadline. Only SEV-1 notices carry one.
func (n *EscalationNotice) AckOverdue(now time.Time) bool {
	if n.AckBy.IsZero() || !n.AcknowledgedAt.IsZero() {
		return false
	}
	return now.After(n.AckBy)
}

// NewEscalation creates a notice with a fresh id and creation time.
func NewEscalation(sev Severity, agentIDs []string, summary string, now time.Time) EscalationNotice {
	return EscalationNotice{
		ID:        uuid.NewString(),
		Severity:  sev,
		AgentIDs:  agentIDs,
		Summary:   summary,
		CreatedAt: now,
	}
}

// EvidenceBundle is an immutable snapshot of an agent's recent state captured
// before quarantine completes: memory of recent events, log tail, and the
// metrics that triggered isolation.
type EvidenceBundle struct {
	ID         string            `json:"id"`
	AgentID    string            `json:"agent_id"`
	Reason     string            `json:"reason"`
	Events     []string          `json:"events"`
	LogTail    []string          `json:"log_tail,omitempty"`
	Metrics    map[string]string `json:"metrics,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
}

// QuarantineRecord tracks one quarantine episode. An agent has at most one
// open record at a time; clearance requires an authorized actor and
// remediation evidence.
type QuarantineRecord struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	Reason           string    `json:"reason"`
	EvidenceBundleID string    `json:"evidence_bundle_id"`
	InitiatedAt      time.Time `json:"initiated_at"`
	ClearedAt        time.Time `json:"cleared_at,omitempty"`
	ClearedBy        string    `json:"cleared_by,omitempty"`
	ClearanceNote    string    `json:"clearance_note,omitempty"`
}

// Open reports whether the quarantine is still in effect.
func (q *QuarantineRecord) Open() bool {
	return q.ClearedAt.IsZero()
}
