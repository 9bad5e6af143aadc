// Package task defines the Task domain entity.
package task

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the task currently occupies an agent.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusRunning
}

// Priority orders tasks for assignment and weights their queue impact.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Task represents a unit of work owned by a ticket and executed by an agent.
type Task struct {
	ID          string    `json:"id"`
	TicketID    string    `json:"ticket_id"`
	Type        string    `json:"type"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	AgentID     string    `json:"agent_id,omitempty"`
	DependsOn   []string  `json:"depends_on,omitempty"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// CreateRequest holds the fields needed to enqueue a new task.
type CreateRequest struct {
	TicketID    string   `json:"ticket_id"`
	Type        string   `json:"type"`
	Priority    Priority `json:"priority,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Description string   `json:"description,omitempty"`
}

// TypeDiagnostic is the task type spawned to investigate a misbehaving
// agent. Diagnostic tasks never drive ticket phase.
const TypeDiagnostic = "diagnose_agent"
