package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/internal/adapter/ws"
	"github.com/cordonlabs/cordon/internal/config"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/domain/remediation"
	"github.com/cordonlabs/cordon/internal/domain/task"
	"github.com/cordonlabs/cordon/internal/port/agentruntime"
	"github.com/cordonlabs/cordon/internal/port/broadcast"
	"github.com/cordonlabs/cordon/internal/port/database"
	"github.com/cordonlabs/cordon/internal/port/messagequeue"
)

// RestartPreempter cancels in-flight restarts for a lineage. Quarantine
// always wins over a concurrent restart.
type RestartPreempter interface {
	CancelInFlight(lineageID string)
}

// QuarantineService isolates misbehaving agents, captures evidence, and
// gates re-entry behind operator clearance and a smoke test.
type QuarantineService struct {
	store     database.Store
	queue     messagequeue.Queue
	hub       broadcast.Broadcaster
	runtime   agentruntime.Runtime
	metrics   *FleetMetrics
	cfg       config.Restart
	preempter RestartPreempter
	forgetter interface{ Forget(agentID string) }
	now       func() time.Time
}

// NewQuarantineService creates a new QuarantineService.
func NewQuarantineService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, runtime agentruntime.Runtime, metrics *FleetMetrics, cfg config.Restart) *QuarantineService {
	return &QuarantineService{
		store:   store,
		queue:   queue,
		hub:     hub,
		runtime: runtime,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetPreempter wires the restart canceller.
func (s *QuarantineService) SetPreempter(p RestartPreempter) {
	s.preempter = p
}

// SetForgetter wires the anomaly-state cleanup hook.
func (s *QuarantineService) SetForgetter(f interface{ Forget(agentID string) }) {
	s.forgetter = f
}

// Quarantine isolates an agent: cancels any in-flight restart for its
// lineage, snapshots evidence, releases its tasks, and marks it quarantined.
// Quarantined agents receive no tasks and are excluded from liveness sweeps.
func (s *QuarantineService) Quarantine(ctx context.Context, agentID, reason string) error {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Status == agent.StatusQuarantined {
		return nil
	}

	if s.preempter != nil {
		s.preempter.CancelInFlight(a.LineageID)
	}

	bundle := s.captureEvidence(ctx, a.ID, reason)

	record := remediation.QuarantineRecord{
		ID:               uuid.NewString(),
		AgentID:          a.ID,
		Reason:           reason,
		EvidenceBundleID: bundle,
		InitiatedAt:      s.now(),
	}
	if err := s.store.CreateQuarantine(ctx, record); err != nil {
		return fmt.Errorf("create quarantine record: %w", err)
	}

	if err := s.store.UpdateAgentStatus(ctx, a.ID, agent.StatusQuarantined); err != nil {
		return fmt.Errorf("mark agent quarantined: %w", err)
	}

	// Its in-flight work goes back to the queue.
	if err := s.releaseTasks(ctx, a.ID); err != nil {
		slog.Error("release tasks on quarantine", "agent_id", a.ID, "error", err)
	}

	if s.forgetter != nil {
		s.forgetter.Forget(a.ID)
	}

	s.metrics.Quarantine(ctx)
	s.announce(ctx, a.ID, reason, false)
	slog.Warn("agent quarantined", "agent_id", a.ID, "reason", reason)
	return nil
}

// captureEvidence snapshots the agent's recent state before isolation. A
// failed snapshot never blocks quarantine; the bundle is best effort.
func (s *QuarantineService) captureEvidence(ctx context.Context, agentID, reason string) string {
	logTail, metrics, err := s.runtime.Snapshot(ctx, agentID)
	if err != nil {
		slog.Warn("evidence snapshot failed", "agent_id", agentID, "error", err)
	}

	events := s.recentEvents(ctx, agentID)

	bundle := remediation.EvidenceBundle{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Reason:     reason,
		Events:     events,
		LogTail:    logTail,
		Metrics:    metrics,
		CapturedAt: s.now(),
	}
	if err := s.store.CreateEvidenceBundle(ctx, bundle); err != nil {
		slog.Error("persist evidence bundle", "agent_id", agentID, "error", err)
		return ""
	}
	return bundle.ID
}

// recentEvents summarizes the agent's recent anomaly readings and restart
// history as evidence lines.
func (s *QuarantineService) recentEvents(ctx context.Context, agentID string) []string {
	var events []string

	readings, err := s.store.RecentReadings(ctx, agentID, 10)
	if err == nil {
		for _, r := range readings {
			events = append(events, fmt.Sprintf("anomaly reading at %s: composite %.3f",
				r.At.Format(time.RFC3339), r.Composite))
		}
	}

	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return events
	}
	history, err := s.store.ListRestartEvents(ctx, a.LineageID, s.now().Add(-s.cfg.EscalationWindow))
	if err == nil {
		for _, ev := range history {
			events = append(events, fmt.Sprintf("restart at %s: %s (forced=%t)",
				ev.At.Format(time.RFC3339), ev.Reason, ev.Forced))
		}
	}
	return events
}

func (s *QuarantineService) releaseTasks(ctx context.Context, agentID string) error {
	active, err := s.store.ListTasksByAgent(ctx, agentID, task.StatusAssigned, task.StatusRunning)
	if err != nil {
		return err
	}
	for _, t := range active {
		if err := s.store.ReleaseTask(ctx, t.ID); err != nil {
			slog.Error("release task", "task_id", t.ID, "error", err)
		}
	}
	return s.store.SetAgentTask(ctx, agentID, "")
}

// Clear ends a quarantine: an authorized actor supplies a clearance note, the
// agent must pass a smoke test, and it re-enters under probation with a
// shortened heartbeat TTL. A failed smoke test returns it to quarantine.
func (s *QuarantineService) Clear(ctx context.Context, agentID, actor, note string) error {
	if actor == "" {
		return fmt.Errorf("%w: clearing actor is required", domain.ErrValidation)
	}
	if note == "" {
		return fmt.Errorf("%w: clearance note with remediation evidence is required", domain.ErrValidation)
	}

	record, err := s.store.OpenQuarantine(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("agent %s has no open quarantine: %w", agentID, domain.ErrValidation)
		}
		return err
	}

	if err := s.runtime.SmokeTest(ctx, agentID); err != nil {
		slog.Warn("smoke test failed, agent stays quarantined", "agent_id", agentID, "error", err)
		return fmt.Errorf("agent %s: %w: %v", agentID, domain.ErrQuarantineReentryFailed, err)
	}

	if err := s.store.ClearQuarantine(ctx, record.ID, actor, note, s.now()); err != nil {
		return fmt.Errorf("clear quarantine: %w", err)
	}

	if err := s.reenter(ctx, agentID); err != nil {
		return err
	}

	s.announce(ctx, agentID, "", true)
	slog.Info("quarantine cleared", "agent_id", agentID, "actor", actor)
	return nil
}

// reenter puts a cleared agent back into the fleet under probation.
func (s *QuarantineService) reenter(ctx context.Context, agentID string) error {
	for attempt := 0; ; attempt++ {
		a, err := s.store.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		upd := database.AgentUpdate{
			Status:           agent.StatusIdle,
			LastSequence:     a.LastSequence,
			ExpectedSequence: a.ExpectedSequence,
			LastHeartbeat:    s.now(), // fresh grace window for the first probation beat
			MissedHeartbeats: 0,
			AnomalyStreak:    0,
			ProbationUntil:   s.now().Add(s.cfg.Probation),
			Version:          a.Version,
		}
		err = s.store.UpdateAgent(ctx, agentID, upd)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= updateRetries {
			return fmt.Errorf("re-enter agent %s: %w", agentID, err)
		}
	}
}

func (s *QuarantineService) announce(ctx context.Context, agentID, reason string, cleared bool) {
	ev := ws.QuarantineEvent{AgentID: agentID, Reason: reason, Cleared: cleared}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectQuarantine, payload); err != nil {
		slog.Error("publish quarantine event", "agent_id", agentID, "error", err)
	}
	s.hub.BroadcastEvent(ctx, ws.EventQuarantine, ev)
}
