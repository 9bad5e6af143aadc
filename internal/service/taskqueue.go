package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cordonlabs/cordon/internal/config"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/domain/remediation"
	"github.com/cordonlabs/cordon/internal/domain/task"
	"github.com/cordonlabs/cordon/internal/port/database"
)

// EscalationRaiser raises operator-facing notices. Implemented by the
// restart controller.
type EscalationRaiser interface {
	Escalate(ctx context.Context, sev remediation.Severity, agentIDs []string, summary string, snapshot map[string]string)
}

// PhaseAdvancer reacts to task activity: activation drives the owning
// ticket's phase forward, completion may close the ticket. Implemented by
// the phase controller.
type PhaseAdvancer interface {
	OnTaskActive(ctx context.Context, t task.Task) error
	OnTaskCompleted(ctx context.Context, t task.Task) error
}

// TaskQueueService owns the pending backlog and assigns tasks to healthy
// agents in priority order.
type TaskQueueService struct {
	store   database.Store
	metrics *FleetMetrics
	cfg     config.Queue
	raiser  EscalationRaiser
	phases  PhaseAdvancer
	now     func() time.Time
}

// NewTaskQueueService creates a new TaskQueueService.
func NewTaskQueueService(store database.Store, metrics *FleetMetrics, cfg config.Queue) *TaskQueueService {
	return &TaskQueueService{
		store:   store,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetRaiser wires the escalation sink.
func (s *TaskQueueService) SetRaiser(r EscalationRaiser) {
	s.raiser = r
}

// SetPhaseAdvancer wires the phase controller.
func (s *TaskQueueService) SetPhaseAdvancer(p PhaseAdvancer) {
	s.phases = p
}

// Enqueue accepts a new task into the backlog, enforcing the pending bound.
func (s *TaskQueueService) Enqueue(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("%w: task type is required", domain.ErrValidation)
	}
	if req.TicketID == "" {
		return nil, fmt.Errorf("%w: ticket_id is required", domain.ErrValidation)
	}
	if req.Priority != "" {
		switch req.Priority {
		case task.PriorityLow, task.PriorityNormal, task.PriorityHigh, task.PriorityCritical:
		default:
			return nil, fmt.Errorf("%w: unknown priority %q", domain.ErrValidation, req.Priority)
		}
	}
	if _, err := s.store.GetTicket(ctx, req.TicketID); err != nil {
		return nil, err
	}

	pending, err := s.store.CountTasksByStatus(ctx, task.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("check backlog size: %w", err)
	}
	if pending >= s.cfg.MaxPending {
		return nil, fmt.Errorf("backlog at %d: %w", pending, domain.ErrQueueFull)
	}

	return s.store.CreateTask(ctx, req)
}

// Get returns a task by ID.
func (s *TaskQueueService) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListByTicket returns all tasks for a ticket.
func (s *TaskQueueService) ListByTicket(ctx context.Context, ticketID string) ([]task.Task, error) {
	return s.store.ListTasksByTicket(ctx, ticketID)
}

// RunDispatcher assigns runnable tasks until ctx is cancelled.
func (s *TaskQueueService) RunDispatcher(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Dispatch(ctx); err != nil && !errors.Is(err, domain.ErrNoHealthyAgent) {
				slog.Error("task dispatch", "error", err)
			}
		}
	}
}

// Dispatch performs one assignment pass: runnable pending tasks, in priority
// order, onto idle unoccupied agents. Degraded, unresponsive and quarantined
// agents never receive work.
func (s *TaskQueueService) Dispatch(ctx context.Context) error {
	pending, err := s.store.ListTasksByStatus(ctx, task.StatusPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	candidates, err := s.assignableAgents(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		s.checkCriticalStarvation(ctx, pending)
		return domain.ErrNoHealthyAgent
	}

	next := 0
	for _, t := range pending {
		if next >= len(candidates) {
			break
		}
		runnable, err := s.dependenciesMet(ctx, t)
		if err != nil {
			slog.Error("dependency check", "task_id", t.ID, "error", err)
			continue
		}
		if !runnable {
			continue
		}

		a := candidates[next]
		if err := s.assign(ctx, t, a); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue // another dispatcher got it
			}
			slog.Error("assign task", "task_id", t.ID, "agent_id", a.ID, "error", err)
			continue
		}
		next++
	}
	return nil
}

func (s *TaskQueueService) assignableAgents(ctx context.Context) ([]agent.Agent, error) {
	agents, err := s.store.ListAgentsByStatus(ctx, agent.StatusIdle)
	if err != nil {
		return nil, err
	}
	var out []agent.Agent
	for _, a := range agents {
		if a.Type == agent.TypeWatchdog || a.AssignedTaskID != "" {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *TaskQueueService) dependenciesMet(ctx context.Context, t task.Task) (bool, error) {
	for _, dep := range t.DependsOn {
		d, err := s.store.GetTask(ctx, dep)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Dangling dependency blocks forever; surface it once.
				slog.Warn("task depends on unknown task", "task_id", t.ID, "depends_on", dep)
				return false, nil
			}
			return false, err
		}
		if d.Status != task.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (s *TaskQueueService) assign(ctx context.Context, t task.Task, a agent.Agent) error {
	if err := s.store.AssignTask(ctx, t.ID, a.ID); err != nil {
		return err
	}
	if err := s.store.SetAgentTask(ctx, a.ID, t.ID); err != nil {
		return err
	}
	s.metrics.TaskAssigned(ctx)
	slog.Info("task assigned", "task_id", t.ID, "agent_id", a.ID, "priority", t.Priority)

	t.Status = task.StatusAssigned
	t.AgentID = a.ID
	s.notifyActive(ctx, t)
	return nil
}

func (s *TaskQueueService) notifyActive(ctx context.Context, t task.Task) {
	if s.phases == nil {
		return
	}
	if err := s.phases.OnTaskActive(ctx, t); err != nil {
		slog.Error("phase advancement", "task_id", t.ID, "ticket_id", t.TicketID, "error", err)
	}
}

// checkCriticalStarvation raises SEV-1 when multiple critical tasks sit
// blocked with no healthy agent in the fleet.
func (s *TaskQueueService) checkCriticalStarvation(ctx context.Context, pending []task.Task) {
	if s.raiser == nil {
		return
	}
	var critical []string
	for _, t := range pending {
		if t.Priority == task.PriorityCritical {
			critical = append(critical, t.ID)
		}
	}
	if len(critical) < s.cfg.CriticalBlocked {
		return
	}
	s.raiser.Escalate(ctx, remediation.Sev1, nil,
		fmt.Sprintf("%d critical tasks blocked with no healthy agent", len(critical)),
		map[string]string{"task_ids": fmt.Sprintf("%v", critical)})
}

// Start marks an assigned task as running.
func (s *TaskQueueService) Start(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusAssigned {
		return fmt.Errorf("%w: task %s is %s, not assigned", domain.ErrValidation, taskID, t.Status)
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, task.StatusRunning); err != nil {
		return err
	}
	t.Status = task.StatusRunning
	s.notifyActive(ctx, *t)
	return nil
}

// Complete marks a task completed, frees its agent, and lets the phase
// controller decide whether the owning ticket is done.
func (s *TaskQueueService) Complete(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task %s already %s", domain.ErrValidation, taskID, t.Status)
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, task.StatusCompleted); err != nil {
		return err
	}
	s.freeAgent(ctx, t.AgentID)

	t.Status = task.StatusCompleted
	if s.phases != nil {
		if err := s.phases.OnTaskCompleted(ctx, *t); err != nil {
			slog.Error("phase advancement", "task_id", taskID, "ticket_id", t.TicketID, "error", err)
		}
	}
	return nil
}

// Fail marks a task failed and frees its agent. The task does not return to
// the queue; retry policy belongs to whoever enqueued it.
func (s *TaskQueueService) Fail(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task %s already %s", domain.ErrValidation, taskID, t.Status)
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, task.StatusFailed); err != nil {
		return err
	}
	s.freeAgent(ctx, t.AgentID)
	return nil
}

// Cancel cancels a task that has not finished.
func (s *TaskQueueService) Cancel(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task %s already %s", domain.ErrValidation, taskID, t.Status)
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, task.StatusCancelled); err != nil {
		return err
	}
	s.freeAgent(ctx, t.AgentID)
	return nil
}

func (s *TaskQueueService) freeAgent(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	if err := s.store.SetAgentTask(ctx, agentID, ""); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Error("clear agent task binding", "agent_id", agentID, "error", err)
	}
}
