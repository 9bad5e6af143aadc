// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/domain/anomaly"
	"github.com/cordonlabs/cordon/internal/domain/remediation"
	"github.com/cordonlabs/cordon/internal/domain/task"
	"github.com/cordonlabs/cordon/internal/domain/ticket"
)

// AgentUpdate carries the mutable heartbeat-tracking fields written by the
// monitor. Version is the version the caller read; a mismatch at write time
// yields domain.ErrConflict.
type AgentUpdate struct {
	Status           agent.Status
	LastSequence     uint64
	ExpectedSequence uint64
	LastHeartbeat    time.Time
	MissedHeartbeats int
	AnomalyStreak    int
	ProbationUntil   time.Time
	Version          int
}

// Store is the port interface for database operations.
type Store interface {
	// Agents
	ListAgents(ctx context.Context) ([]agent.Agent, error)
	ListAgentsByStatus(ctx context.Context, statuses ...agent.Status) ([]agent.Agent, error)
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	RegisterAgent(ctx context.Context, req agent.RegisterRequest) (*agent.Agent, error)
	SpawnReplacement(ctx context.Context, predecessor agent.Agent) (*agent.Agent, error)
	UpdateAgent(ctx context.Context, id string, upd AgentUpdate) error
	UpdateAgentStatus(ctx context.Context, id string, status agent.Status) error
	SetAgentTask(ctx context.Context, agentID, taskID string) error
	DeleteAgent(ctx context.Context, id string) error

	// Tasks
	ListTasksByTicket(ctx context.Context, ticketID string) ([]task.Task, error)
	ListTasksByAgent(ctx context.Context, agentID string, statuses ...task.Status) ([]task.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...task.Status) ([]task.Task, error)
	CountTasksByStatus(ctx context.Context, statuses ...task.Status) (int, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	AssignTask(ctx context.Context, taskID, agentID string) error
	ReleaseTask(ctx context.Context, taskID string) error

	// Tickets
	ListTickets(ctx context.Context) ([]ticket.Ticket, error)
	GetTicket(ctx context.Context, id string) (*ticket.Ticket, error)
	CreateTicket(ctx context.Context, req ticket.CreateRequest) (*ticket.Ticket, error)
	UpdateTicketPhase(ctx context.Context, id string, phase ticket.Phase, version int) error

	// Anomaly readings (pruned past the consecutive-readings horizon)
	AppendReading(ctx context.Context, r anomaly.Reading) error
	RecentReadings(ctx context.Context, agentID string, limit int) ([]anomaly.Reading, error)
	PruneReadings(ctx context.Context, agentID string, keep int) error

	// Remediation audit records
	CreateRestartEvent(ctx context.Context, ev remediation.RestartEvent) error
	ListRestartEvents(ctx context.Context, lineageID string, since time.Time) ([]remediation.RestartEvent, error)
	CreateEscalation(ctx context.Context, n remediation.EscalationNotice) error
	ListEscalations(ctx context.Context, unacknowledgedOnly bool) ([]remediation.EscalationNotice, error)
	AcknowledgeEscalation(ctx context.Context, id, actor string, at time.Time) error
	CreateEvidenceBundle(ctx context.Context, b remediation.EvidenceBundle) error
	CreateQuarantine(ctx context.Context, q remediation.QuarantineRecord) error
	OpenQuarantine(ctx context.Context, agentID string) (*remediation.QuarantineRecord, error)
	ClearQuarantine(ctx context.Context, id, actor, note string, at time.Time) error
}
