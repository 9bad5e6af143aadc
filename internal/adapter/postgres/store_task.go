package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/task"
)

const taskColumns = `id, ticket_id, type, status, priority, agent_id, depends_on, description,
	       version, created_at, started_at, completed_at`

func (s *Store) ListTasksByTicket(ctx context.Context, ticketID string) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE ticket_id = $1 ORDER BY created_at ASC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by ticket: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) ListTasksByAgent(ctx context.Context, agentID string, statuses ...task.Status) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE agent_id = $1 AND ($2::text[] = '{}' OR status = ANY($2))
		 ORDER BY created_at ASC`,
		agentID, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list tasks by agent: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...task.Status) ([]task.Task, error) {
	// Critical-first ordering so the dispatcher drains by priority, then age.
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ANY($1)
		 ORDER BY CASE priority
		            WHEN 'critical' THEN 0
		            WHEN 'high' THEN 1
		            WHEN 'normal' THEN 2
		            ELSE 3
		          END, created_at ASC`,
		statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) CountTasksByStatus(ctx context.Context, statuses ...task.Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE status = ANY($1)`, statusStrings(statuses)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks by status: %w", err)
	}
	return n, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	priority := req.Priority
	if priority == "" {
		priority = task.PriorityNormal
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (ticket_id, type, priority, depends_on, description)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+taskColumns,
		nullIfEmpty(req.TicketID), req.Type, string(priority), pgTextArray(req.DependsOn), req.Description)

	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2,
		        started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		        completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN now() ELSE completed_at END,
		        version = version + 1
		 WHERE id = $1`,
		id, string(status))
	return execExpectOne(tag, err, "update task status %s", id)
}

// AssignTask moves a pending task to assigned atomically. The status guard
// in the WHERE clause makes concurrent dispatchers lose cleanly with
// domain.ErrConflict rather than double-assigning.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'assigned', agent_id = $2, version = version + 1
		 WHERE id = $1 AND status = 'pending'`,
		taskID, agentID)
	if err != nil {
		return fmt.Errorf("assign task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("assign task %s: %w", taskID, domain.ErrConflict)
	}
	return nil
}

// ReleaseTask returns an in-flight task to the pending pool, dropping its
// agent binding and start time. Used during restart reassignment.
func (s *Store) ReleaseTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'pending', agent_id = NULL, started_at = NULL, version = version + 1
		 WHERE id = $1 AND status IN ('assigned', 'running')`,
		taskID)
	return execExpectOne(tag, err, "release task %s", taskID)
}

func collectTasks(rows pgx.Rows) ([]task.Task, error) {
	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var ticketID, agentID *string
	var startedAt, completedAt *time.Time
	err := row.Scan(&t.ID, &ticketID, &t.Type, &t.Status, &t.Priority, &agentID,
		&t.DependsOn, &t.Description, &t.Version, &t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return t, err
	}
	if ticketID != nil {
		t.TicketID = *ticketID
	}
	if agentID != nil {
		t.AgentID = *agentID
	}
	if startedAt != nil {
		t.StartedAt = *startedAt
	}
	if completedAt != nil {
		t.CompletedAt = *completedAt
	}
	return t, nil
}
