package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/internal/adapter/ws"
	"github.com/cordonlabs/cordon/internal/config"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/domain/anomaly"
	"github.com/cordonlabs/cordon/internal/domain/remediation"
	"github.com/cordonlabs/cordon/internal/domain/task"
	"github.com/cordonlabs/cordon/internal/port/agentruntime"
	"github.com/cordonlabs/cordon/internal/port/broadcast"
	"github.com/cordonlabs/cordon/internal/port/database"
	"github.com/cordonlabs/cordon/internal/port/messagequeue"
	"github.com/cordonlabs/cordon/internal/resilience"
)

// Quarantiner isolates agents the controller has given up restarting.
// Implemented by the quarantine service; wired after construction.
type Quarantiner interface {
	Quarantine(ctx context.Context, agentID, reason string) error
}

// lineageState serializes remediation per lineage. Restarts for different
// lineages proceed concurrently; a second trigger for the same lineage is
// absorbed by the in-flight marker or the cooldown. The mutex guards only
// the fields, never the restart itself, so CancelInFlight can always reach
// the stored cancel while a restart is running.
type lineageState struct {
	mu          sync.Mutex
	lastRestart time.Time
	cancel      context.CancelFunc // non-nil while a restart is in flight
}

// RestartService performs agent restarts within a per-lineage cooldown and
// budget, and raises escalations when automation has to give up.
type RestartService struct {
	store       database.Store
	queue       messagequeue.Queue
	hub         broadcast.Broadcaster
	runtime     agentruntime.Runtime
	breaker     *resilience.Breaker
	metrics     *FleetMetrics
	cfg         config.Restart
	quarantiner Quarantiner
	baselines   *anomaly.BaselineTable
	decay       float64
	now         func() time.Time

	mu       sync.Mutex
	lineages map[string]*lineageState
	wg       sync.WaitGroup // in-flight restarts spawned from handlers
}

// NewRestartService creates a new RestartService.
func NewRestartService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, runtime agentruntime.Runtime, breaker *resilience.Breaker, metrics *FleetMetrics, cfg config.Restart) *RestartService {
	return &RestartService{
		store:    store,
		queue:    queue,
		hub:      hub,
		runtime:  runtime,
		breaker:  breaker,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		lineages: make(map[string]*lineageState),
	}
}

// SetQuarantiner wires the isolation handler.
func (s *RestartService) SetQuarantiner(q Quarantiner) {
	s.quarantiner = q
}

// SetBaselines wires the anomaly baseline table so restarts can decay the
// replaced agent's class baseline.
func (s *RestartService) SetBaselines(t *anomaly.BaselineTable, decay float64) {
	s.baselines = t
	s.decay = decay
}

func (s *RestartService) lineage(id string) *lineageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.lineages[id]
	if !ok {
		ls = &lineageState{}
		s.lineages[id] = ls
	}
	return ls
}

// HandleUnresponsive restarts an agent the sweep declared dead. The restart
// runs on its own goroutine; a slow graceful stop must not stall liveness
// detection for the rest of the fleet.
func (s *RestartService) HandleUnresponsive(ctx context.Context, a agent.Agent, reason string) {
	s.spawnRestart(ctx, a, reason)
}

// HandleSustainedAnomaly restarts an agent with a sustained anomaly,
// optionally spawning an investigation task first. Like the sweep path, the
// restart itself never runs on the evaluator goroutine.
func (s *RestartService) HandleSustainedAnomaly(ctx context.Context, a agent.Agent, r anomaly.Reading) {
	if s.cfg.DiagnosticTasks {
		_, err := s.store.CreateTask(ctx, task.CreateRequest{
			Type:        task.TypeDiagnostic,
			Priority:    task.PriorityHigh,
			Description: fmt.Sprintf("investigate agent %s: composite score %.2f", a.ID, r.Composite),
		})
		if err != nil {
			slog.Error("spawn diagnostic task", "agent_id", a.ID, "error", err)
		}
	}

	s.spawnRestart(ctx, a, fmt.Sprintf("sustained anomaly, composite %.2f", r.Composite))
}

// spawnRestart runs the restart in the background, detached from the
// caller's cancellation so a finishing sweep tick cannot abort it midway.
func (s *RestartService) spawnRestart(ctx context.Context, a agent.Agent, reason string) {
	rctx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.Restart(rctx, a, reason)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			slog.Info("restart preempted", "agent_id", a.ID, "lineage_id", a.LineageID)
		default:
			slog.Error("restart failed", "agent_id", a.ID, "reason", reason, "error", err)
		}
	}()
}

// Drain waits for restarts still in flight. Called on shutdown.
func (s *RestartService) Drain() {
	s.wg.Wait()
}

// CancelInFlight aborts any restart currently running for the lineage. Called
// by the quarantine service: isolation preempts recovery. The marker stays
// set until the cancelled restart has unwound.
func (s *RestartService) CancelInFlight(lineageID string) {
	ls := s.lineage(lineageID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.cancel != nil {
		ls.cancel()
	}
}

// Restart replaces an agent with a fresh instance of the same lineage:
// graceful stop within budget, force-terminate on overrun, spawn replacement,
// return incomplete tasks to the queue, record the audit event.
//
// The cooldown and the in-flight marker absorb duplicate triggers; the
// rolling budget converts chronic flapping into a SEV-2 escalation and
// quarantine instead of a restart loop. The lineage lock covers only those
// gate checks, so quarantine can cancel a running restart at any point.
func (s *RestartService) Restart(ctx context.Context, a agent.Agent, reason string) error {
	ls := s.lineage(a.LineageID)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ls.mu.Lock()
	now := s.now()
	if ls.cancel != nil {
		ls.mu.Unlock()
		slog.Info("restart already in flight", "agent_id", a.ID, "lineage_id", a.LineageID)
		return nil
	}
	if !ls.lastRestart.IsZero() && now.Sub(ls.lastRestart) < s.cfg.Cooldown {
		since := now.Sub(ls.lastRestart)
		ls.mu.Unlock()
		slog.Info("restart suppressed by cooldown",
			"agent_id", a.ID, "lineage_id", a.LineageID, "since_last", since.String())
		return nil
	}
	ls.cancel = cancel
	ls.mu.Unlock()

	defer func() {
		ls.mu.Lock()
		ls.cancel = nil
		ls.mu.Unlock()
	}()

	window := now.Add(-s.cfg.EscalationWindow)
	history, err := s.store.ListRestartEvents(ctx, a.LineageID, window)
	if err != nil {
		return fmt.Errorf("restart budget check: %w", err)
	}
	if len(history) >= s.cfg.MaxAttempts {
		s.exhaustBudget(ctx, a, len(history))
		return fmt.Errorf("lineage %s: %w", a.LineageID, domain.ErrRestartBudgetExceeded)
	}

	ev, err := s.execute(rctx, a, reason)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	ls.lastRestart = now
	ls.mu.Unlock()
	if s.baselines != nil {
		s.baselines.Decay(a.Type, a.Phase, s.decay)
	}
	s.record(ctx, *ev)
	return nil
}

// execute performs the restart steps under the preemptible context.
func (s *RestartService) execute(ctx context.Context, a agent.Agent, reason string) (*remediation.RestartEvent, error) {
	ev := remediation.RestartEvent{
		ID:        uuid.NewString(),
		AgentID:   a.ID,
		LineageID: a.LineageID,
		Reason:    reason,
		At:        s.now(),
	}

	// Step 1: checkpoint the in-flight task if the runtime supports it.
	// Failure is tolerable; the task is reassigned either way.
	if ok, err := s.runtime.Checkpoint(ctx, a.ID); err != nil {
		slog.Warn("checkpoint before restart failed", "agent_id", a.ID, "error", err)
	} else if !ok {
		slog.Debug("runtime does not support checkpointing", "agent_id", a.ID)
	}

	// Step 2: graceful stop within budget, then force.
	stopStart := s.now()
	stopCtx, cancelStop := context.WithTimeout(ctx, s.cfg.GracefulStop)
	err := s.breaker.Execute(func() error {
		return s.runtime.Stop(stopCtx, a.ID)
	})
	cancelStop()
	ev.GracefulStop = s.now().Sub(stopStart)

	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, fmt.Errorf("restart of %s preempted: %w", a.ID, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("stop agent %s: %w", a.ID, domain.ErrRestartTimeout)
		}
		slog.Warn("graceful stop failed, force-terminating", "agent_id", a.ID, "error", err)
		ev.Forced = true
		if killErr := s.runtime.Kill(ctx, a.ID); killErr != nil {
			return nil, fmt.Errorf("kill agent %s: %w", a.ID, killErr)
		}
	}

	if err := s.store.UpdateAgentStatus(ctx, a.ID, agent.StatusTerminated); err != nil {
		slog.Error("mark agent terminated", "agent_id", a.ID, "error", err)
	}

	// Step 3: spawn the replacement under the same lineage.
	replacement, err := s.store.SpawnReplacement(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("spawn replacement for %s: %w", a.ID, err)
	}
	if err := s.breaker.Execute(func() error {
		return s.runtime.Spawn(ctx, *replacement)
	}); err != nil {
		return nil, fmt.Errorf("start replacement %s: %w", replacement.ID, err)
	}
	ev.ReplacementID = replacement.ID

	// Step 4: return the dead agent's incomplete tasks to the queue.
	reassigned, err := s.reassignTasks(ctx, a.ID)
	if err != nil {
		slog.Error("task reassignment after restart", "agent_id", a.ID, "error", err)
	}
	ev.ReassignedTasks = reassigned

	return &ev, nil
}

func (s *RestartService) reassignTasks(ctx context.Context, agentID string) ([]string, error) {
	active, err := s.store.ListTasksByAgent(ctx, agentID, task.StatusAssigned, task.StatusRunning)
	if err != nil {
		return nil, err
	}

	var released []string
	for _, t := range active {
		if err := s.store.ReleaseTask(ctx, t.ID); err != nil {
			slog.Error("release task", "task_id", t.ID, "error", err)
			continue
		}
		released = append(released, t.ID)
		s.metrics.TaskReassigned(ctx)
	}
	if err := s.store.SetAgentTask(ctx, agentID, ""); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Debug("clear agent task binding", "agent_id", agentID, "error", err)
	}
	return released, nil
}

func (s *RestartService) record(ctx context.Context, ev remediation.RestartEvent) {
	if err := s.store.CreateRestartEvent(ctx, ev); err != nil {
		slog.Error("persist restart event", "agent_id", ev.AgentID, "error", err)
	}
	s.metrics.Restart(ctx, ev.Forced)

	data, err := json.Marshal(ev)
	if err == nil {
		if err := s.queue.Publish(ctx, messagequeue.SubjectAgentRestarted, data); err != nil {
			slog.Error("publish restart event", "agent_id", ev.AgentID, "error", err)
		}
	}
	s.hub.BroadcastEvent(ctx, ws.EventAgentRestart, ws.RestartEventNotice{
		AgentID:       ev.AgentID,
		ReplacementID: ev.ReplacementID,
		Reason:        ev.Reason,
		Forced:        ev.Forced,
		Reassigned:    ev.ReassignedTasks,
	})
	slog.Info("agent restarted",
		"agent_id", ev.AgentID, "replacement_id", ev.ReplacementID,
		"forced", ev.Forced, "reassigned", len(ev.ReassignedTasks))
}

// exhaustBudget handles a lineage that keeps dying: SEV-2 escalation and
// quarantine instead of another restart.
func (s *RestartService) exhaustBudget(ctx context.Context, a agent.Agent, attempts int) {
	summary := fmt.Sprintf("lineage %s exceeded restart budget: %d restarts within %s",
		a.LineageID, attempts, s.cfg.EscalationWindow)
	s.Escalate(ctx, remediation.Sev2, []string{a.ID}, summary, map[string]string{
		"lineage_id": a.LineageID,
		"attempts":   fmt.Sprintf("%d", attempts),
	})

	if s.quarantiner != nil {
		if err := s.quarantiner.Quarantine(ctx, a.ID, "restart budget exceeded"); err != nil {
			slog.Error("quarantine after budget exhaustion", "agent_id", a.ID, "error", err)
		}
	}
}

// Escalate raises an operator-facing notice and publishes it on the bus.
// SEV-1 notices carry an acknowledgment deadline; containment never waits
// for it.
func (s *RestartService) Escalate(ctx context.Context, sev remediation.Severity, agentIDs []string, summary string, snapshot map[string]string) {
	notice := remediation.NewEscalation(sev, agentIDs, summary, s.now())
	notice.Snapshot = snapshot
	if sev == remediation.Sev1 && s.cfg.AckSLA > 0 {
		notice.AckBy = notice.CreatedAt.Add(s.cfg.AckSLA)
	}

	if err := s.store.CreateEscalation(ctx, notice); err != nil {
		slog.Error("persist escalation", "severity", sev, "error", err)
	}
	s.metrics.Escalation(ctx, string(sev))

	data, err := json.Marshal(notice)
	if err == nil {
		if err := s.queue.Publish(ctx, messagequeue.SubjectEscalation, data); err != nil {
			slog.Error("publish escalation", "severity", sev, "error", err)
		}
	}
	s.hub.BroadcastEvent(ctx, ws.EventEscalation, ws.EscalationEvent{
		ID:       notice.ID,
		Severity: string(sev),
		AgentIDs: agentIDs,
		Summary:  summary,
	})
	slog.Warn("escalation raised", "severity", sev, "summary", summary)
}

// RunAckWatch periodically flags SEV-1 notices still unacknowledged past
// their deadline. Each notice is reported once.
func (s *RestartService) RunAckWatch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reported := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkAckDeadlines(ctx, reported)
		}
	}
}

func (s *RestartService) checkAckDeadlines(ctx context.Context, reported map[string]bool) {
	notices, err := s.store.ListEscalations(ctx, true)
	if err != nil {
		slog.Error("ack deadline check: list escalations", "error", err)
		return
	}
	now := s.now()
	for i := range notices {
		n := &notices[i]
		if reported[n.ID] || !n.AckOverdue(now) {
			continue
		}
		reported[n.ID] = true
		s.metrics.EscalationOverdue(ctx)
		s.hub.BroadcastEvent(ctx, ws.EventEscalation, ws.EscalationEvent{
			ID:       n.ID,
			Severity: string(n.Severity),
			AgentIDs: n.AgentIDs,
			Summary:  "acknowledgment overdue: " + n.Summary,
		})
		slog.Warn("escalation acknowledgment overdue",
			"id", n.ID, "severity", n.Severity,
			"overdue_by", now.Sub(n.AckBy).String())
	}
}

// Acknowledge marks an escalation notice as acknowledged by an operator.
func (s *RestartService) Acknowledge(ctx context.Context, id, actor string) error {
	if actor == "" {
		return fmt.Errorf("%w: actor is required", domain.ErrValidation)
	}
	return s.store.AcknowledgeEscalation(ctx, id, actor, s.now())
}

// ListEscalations returns escalation notices, optionally only unacknowledged.
func (s *RestartService) ListEscalations(ctx context.Context, unacknowledgedOnly bool) ([]remediation.EscalationNotice, error) {
	return s.store.ListEscalations(ctx, unacknowledgedOnly)
}
