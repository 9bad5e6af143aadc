package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/port/database"
)

const agentColumns = `id, lineage_id, type, phase, status, config, last_sequence, expected_sequence,
	       last_heartbeat, missed_heartbeats, assigned_task_id, anomaly_streak, probation_until,
	       version, created_at, updated_at`

func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) ListAgentsByStatus(ctx context.Context, statuses ...agent.Status) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = ANY($1) ORDER BY created_at ASC`,
		statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list agents by status: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)

	a, err := scanAgent(row)
	if err != nil {
		return nil, notFoundWrap(err, "get agent %s", id)
	}
	return &a, nil
}

func (s *Store) RegisterAgent(ctx context.Context, req agent.RegisterRequest) (*agent.Agent, error) {
	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	// A fresh registration starts its own lineage.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (lineage_id, type, phase, config)
		 VALUES (gen_random_uuid(), $1, $2, $3)
		 RETURNING `+agentColumns,
		req.Type, req.Phase, configJSON)

	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return &a, nil
}

// SpawnReplacement creates a new agent instance inheriting the predecessor's
// lineage, type, phase, and config. Heartbeat tracking starts from zero.
func (s *Store) SpawnReplacement(ctx context.Context, predecessor agent.Agent) (*agent.Agent, error) {
	configJSON, err := json.Marshal(predecessor.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (lineage_id, type, phase, config)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+agentColumns,
		predecessor.LineageID, predecessor.Type, predecessor.Phase, configJSON)

	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("spawn replacement for %s: %w", predecessor.ID, err)
	}
	return &a, nil
}

// UpdateAgent writes the heartbeat-tracking fields under an optimistic
// version check. A stale version yields domain.ErrConflict so a concurrent
// sweep and ingest never silently overwrite each other.
func (s *Store) UpdateAgent(ctx context.Context, id string, upd database.AgentUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, last_sequence = $3, expected_sequence = $4,
		        last_heartbeat = $5, missed_heartbeats = $6, anomaly_streak = $7,
		        probation_until = $8, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $9`,
		id, string(upd.Status), int64(upd.LastSequence), int64(upd.ExpectedSequence),
		nullTime(upd.LastHeartbeat), upd.MissedHeartbeats, upd.AnomalyStreak,
		nullTime(upd.ProbationUntil), upd.Version)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update agent %s: %w", id, domain.ErrConflict)
	}
	return nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status agent.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, version = version + 1, updated_at = now() WHERE id = $1`,
		id, string(status))
	return execExpectOne(tag, err, "update agent status %s", id)
}

func (s *Store) SetAgentTask(ctx context.Context, agentID, taskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET assigned_task_id = $2, version = version + 1, updated_at = now() WHERE id = $1`,
		agentID, nullIfEmpty(taskID))
	return execExpectOne(tag, err, "set agent task %s", agentID)
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete agent %s", id)
}

func scanAgent(row scannable) (agent.Agent, error) {
	var a agent.Agent
	var configJSON []byte
	var lastSequence, expectedSequence int64
	var lastHeartbeat, probationUntil *time.Time
	var assignedTaskID *string
	err := row.Scan(&a.ID, &a.LineageID, &a.Type, &a.Phase, &a.Status, &configJSON,
		&lastSequence, &expectedSequence,
		&lastHeartbeat, &a.MissedHeartbeats,
		&assignedTaskID, &a.AnomalyStreak,
		&probationUntil,
		&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.LastSequence = uint64(lastSequence)
	a.ExpectedSequence = uint64(expectedSequence)
	if lastHeartbeat != nil {
		a.LastHeartbeat = *lastHeartbeat
	}
	if probationUntil != nil {
		a.ProbationUntil = *probationUntil
	}
	if assignedTaskID != nil {
		a.AssignedTaskID = *assignedTaskID
	}
	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &a.Config); err != nil {
			return a, fmt.Errorf("unmarshal agent config: %w", err)
		}
	}
	return a, nil
}
