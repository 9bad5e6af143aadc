package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cordonlabs/cordon/internal/adapter/ws"
	"github.com/cordonlabs/cordon/internal/config"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/domain/anomaly"
	"github.com/cordonlabs/cordon/internal/domain/heartbeat"
	"github.com/cordonlabs/cordon/internal/domain/remediation"
	"github.com/cordonlabs/cordon/internal/domain/task"
	"github.com/cordonlabs/cordon/internal/port/broadcast"
	"github.com/cordonlabs/cordon/internal/port/database"
	"github.com/cordonlabs/cordon/internal/port/messagequeue"
)

// Confirmer supplies an independent second opinion on an anomalous reading.
// A confirmation escalates the agent before its consecutive run completes;
// it is an alternative trigger, never a veto of a completed run.
type Confirmer interface {
	Confirm(ctx context.Context, agentID string, r anomaly.Reading) (bool, error)
}

// NoPeerConfirm never confirms. Used when no watchdog peers are deployed,
// leaving the consecutive-readings run as the only trigger.
type NoPeerConfirm struct{}

func (NoPeerConfirm) Confirm(context.Context, string, anomaly.Reading) (bool, error) {
	return false, nil
}

// AnomalyHandler receives agents whose anomaly score stayed at or above the
// threshold for the configured number of consecutive readings, after peer
// confirmation. Implemented by the restart controller.
type AnomalyHandler interface {
	HandleSustainedAnomaly(ctx context.Context, a agent.Agent, r anomaly.Reading)
}

// chronicReadings is how many consecutive readings at or above half the
// anomaly threshold mark an agent as chronically degraded. At the default
// evaluation interval this is five minutes of sustained low-grade scores.
const chronicReadings = 30

// observation is the most recent health sample seen for one agent.
type observation struct {
	metrics heartbeat.Metrics
	at      time.Time
}

// AnomalyService scores agent health each evaluation tick and raises
// sustained anomalies to the restart controller.
type AnomalyService struct {
	store     database.Store
	queue     messagequeue.Queue
	hub       broadcast.Broadcaster
	metrics   *FleetMetrics
	cfg       config.Anomaly
	baselines *anomaly.BaselineTable
	confirmer Confirmer
	handler   AnomalyHandler
	raiser    EscalationRaiser
	now       func() time.Time

	mu      sync.Mutex
	latest  map[string]observation
	ema     map[string]float64 // smoothed error rate per agent
	chronic map[string]int     // consecutive low-grade readings per agent
}

// NewAnomalyService creates a new AnomalyService.
func NewAnomalyService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, metrics *FleetMetrics, cfg config.Anomaly) *AnomalyService {
	return &AnomalyService{
		store:     store,
		queue:     queue,
		hub:       hub,
		metrics:   metrics,
		cfg:       cfg,
		baselines: anomaly.NewBaselineTable(),
		confirmer: NoPeerConfirm{},
		now:       time.Now,
		latest:    make(map[string]observation),
		ema:       make(map[string]float64),
		chronic:   make(map[string]int),
	}
}

// SetConfirmer replaces the default self-confirmation with a peer check.
func (s *AnomalyService) SetConfirmer(c Confirmer) {
	s.confirmer = c
}

// SetHandler wires the sustained-anomaly consumer.
func (s *AnomalyService) SetHandler(h AnomalyHandler) {
	s.handler = h
}

// SetRaiser wires the escalation sink for chronic low-grade agents.
func (s *AnomalyService) SetRaiser(r EscalationRaiser) {
	s.raiser = r
}

// Baselines exposes the baseline table for restart-time decay.
func (s *AnomalyService) Baselines() *anomaly.BaselineTable {
	return s.baselines
}

// Observe records the newest health sample for an agent. Called from
// heartbeat ingest; cheap enough to sit on that path.
func (s *AnomalyService) Observe(agentID string, m heartbeat.Metrics, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latest[agentID]; ok && at.Before(prev.at) {
		return
	}
	s.latest[agentID] = observation{metrics: m, at: at}

	prev, ok := s.ema[agentID]
	if !ok {
		s.ema[agentID] = m.ErrorRate
		return
	}
	s.ema[agentID] = s.cfg.EMAAlpha*m.ErrorRate + (1-s.cfg.EMAAlpha)*prev
}

// Forget drops per-agent evaluator state after termination or quarantine.
func (s *AnomalyService) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, agentID)
	delete(s.ema, agentID)
	delete(s.chronic, agentID)
}

// RunEvaluator evaluates the fleet until ctx is cancelled.
func (s *AnomalyService) RunEvaluator(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Evaluate(ctx)
		}
	}
}

// Evaluate scores every monitored agent once.
func (s *AnomalyService) Evaluate(ctx context.Context) {
	agents, err := s.store.ListAgentsByStatus(ctx,
		agent.StatusIdle, agent.StatusRunning, agent.StatusDegraded)
	if err != nil {
		slog.Error("anomaly evaluation: list agents", "error", err)
		return
	}

	for i := range agents {
		s.evaluateAgent(ctx, agents[i])
	}
}

func (s *AnomalyService) evaluateAgent(ctx context.Context, a agent.Agent) {
	s.mu.Lock()
	obs, seen := s.latest[a.ID]
	ema := s.ema[a.ID]
	s.mu.Unlock()
	if !seen {
		return
	}

	baseline, learned := s.baselines.Get(a.Type, a.Phase)
	if !learned {
		// Cold start: the first samples define normal.
		s.learn(a, obs.metrics)
		return
	}

	latencyZ := 0.0
	if baseline.LatencyStdMS > 0 {
		latencyZ = (obs.metrics.LatencyMS - baseline.LatencyMeanMS) / baseline.LatencyStdMS
	}
	skew := resourceSkew(obs.metrics, baseline)

	queueImpact, err := s.queueImpact(ctx, a.ID)
	if err != nil {
		slog.Error("anomaly evaluation: queue impact", "agent_id", a.ID, "error", err)
		queueImpact = 0
	}

	r := anomaly.Compose(a.ID, s.now(), latencyZ, ema, skew, queueImpact)
	s.metrics.AnomalyScore(ctx, r.Composite)

	if err := s.store.AppendReading(ctx, r); err != nil {
		slog.Error("anomaly evaluation: append reading", "agent_id", a.ID, "error", err)
	}
	if err := s.store.PruneReadings(ctx, a.ID, s.cfg.Consecutive); err != nil {
		slog.Debug("anomaly evaluation: prune readings", "agent_id", a.ID, "error", err)
	}

	s.trackChronic(ctx, a, r)

	if r.Composite < s.cfg.Threshold {
		s.learn(a, obs.metrics)
		if a.AnomalyStreak > 0 {
			s.setStreak(ctx, &a, 0)
		}
		return
	}

	streak := a.AnomalyStreak + 1
	s.setStreak(ctx, &a, streak)
	slog.Warn("anomalous reading",
		"agent_id", a.ID, "composite", r.Composite, "streak", streak)

	if streak < s.cfg.Consecutive {
		// A peer confirmation escalates before the run completes. A
		// denial just leaves the streak counting toward the full run.
		confirmed, err := s.confirmer.Confirm(ctx, a.ID, r)
		if err != nil {
			slog.Error("anomaly confirmation failed", "agent_id", a.ID, "error", err)
			return
		}
		if !confirmed {
			return
		}
		slog.Info("anomaly confirmed early by peer", "agent_id", a.ID, "streak", streak)
	}

	s.announce(ctx, a.ID, r, streak)
	if s.handler != nil {
		s.handler.HandleSustainedAnomaly(ctx, a, r)
	}
	s.setStreak(ctx, &a, 0)
}

// trackChronic counts consecutive readings at or above half the threshold.
// Individually none of them justifies remediation; a long unbroken run of
// them is raised as SEV-3 so an operator looks at the agent.
func (s *AnomalyService) trackChronic(ctx context.Context, a agent.Agent, r anomaly.Reading) {
	floor := s.cfg.Threshold / 2

	s.mu.Lock()
	if r.Composite < floor {
		delete(s.chronic, a.ID)
		s.mu.Unlock()
		return
	}
	s.chronic[a.ID]++
	run := s.chronic[a.ID]
	if run >= chronicReadings {
		s.chronic[a.ID] = 0
	}
	s.mu.Unlock()

	if run < chronicReadings || s.raiser == nil {
		return
	}
	s.raiser.Escalate(ctx, remediation.Sev3, []string{a.ID},
		fmt.Sprintf("agent %s: %d consecutive readings at or above %.2f", a.ID, run, floor),
		map[string]string{
			"composite": fmt.Sprintf("%.2f", r.Composite),
			"threshold": fmt.Sprintf("%.2f", s.cfg.Threshold),
		})
}

// learn folds a healthy sample into the class baseline.
func (s *AnomalyService) learn(a agent.Agent, m heartbeat.Metrics) {
	s.baselines.Learn(a.Type, a.Phase, anomaly.Sample{
		LatencyMS:  m.LatencyMS,
		ErrorRate:  m.ErrorRate,
		CPUPercent: m.CPUPercent,
		MemoryMB:   m.MemoryMB,
	})
}

// resourceSkew measures how far the agent's resource use sits from its class
// baseline, normalized to [0,1].
func resourceSkew(m heartbeat.Metrics, b anomaly.Baseline) float64 {
	cpu := absf(m.CPUPercent-b.CPUPercent) / 100
	mem := 0.0
	if b.MemoryMB > 0 {
		mem = absf(m.MemoryMB-b.MemoryMB) / b.MemoryMB
	}
	skew := (cpu + mem) / 2
	if skew > 1 {
		return 1
	}
	return skew
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// queueImpact measures how many pending tasks are blocked behind this agent's
// in-flight work. Critical tasks count double.
func (s *AnomalyService) queueImpact(ctx context.Context, agentID string) (float64, error) {
	active, err := s.store.ListTasksByAgent(ctx, agentID, task.StatusAssigned, task.StatusRunning)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, nil
	}
	activeIDs := make(map[string]bool, len(active))
	for _, t := range active {
		activeIDs[t.ID] = true
	}

	pending, err := s.store.ListTasksByStatus(ctx, task.StatusPending)
	if err != nil {
		return 0, err
	}

	weighted := 0.0
	for _, t := range pending {
		for _, dep := range t.DependsOn {
			if !activeIDs[dep] {
				continue
			}
			if t.Priority == task.PriorityCritical {
				weighted += 2
			} else {
				weighted++
			}
			break
		}
	}
	return weighted / float64(s.cfg.MaxBlockedImpact), nil
}

func (s *AnomalyService) setStreak(ctx context.Context, a *agent.Agent, streak int) {
	upd := database.AgentUpdate{
		Status:           a.Status,
		LastSequence:     a.LastSequence,
		ExpectedSequence: a.ExpectedSequence,
		LastHeartbeat:    a.LastHeartbeat,
		MissedHeartbeats: a.MissedHeartbeats,
		AnomalyStreak:    streak,
		ProbationUntil:   a.ProbationUntil,
		Version:          a.Version,
	}
	if err := s.store.UpdateAgent(ctx, a.ID, upd); err != nil {
		// Lost to a concurrent ingest or sweep; next tick resolves it.
		if !errors.Is(err, domain.ErrConflict) {
			slog.Error("anomaly evaluation: update streak", "agent_id", a.ID, "error", err)
		}
		return
	}
	a.AnomalyStreak = streak
	a.Version++
}

func (s *AnomalyService) announce(ctx context.Context, agentID string, r anomaly.Reading, streak int) {
	ev := ws.AnomalyEvent{AgentID: agentID, Composite: r.Composite, Streak: streak}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectAnomalyDetected, payload); err != nil {
		slog.Error("failed to publish anomaly event", "agent_id", agentID, "error", err)
	}
	s.hub.BroadcastEvent(ctx, ws.EventAnomaly, ev)
}
