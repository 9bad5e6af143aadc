package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cordonlabs/cordon/internal/adapter/ristretto"
	"github.com/cordonlabs/cordon/internal/adapter/ws"
	"github.com/cordonlabs/cordon/internal/config"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/domain/heartbeat"
	"github.com/cordonlabs/cordon/internal/port/broadcast"
	"github.com/cordonlabs/cordon/internal/port/cache"
	"github.com/cordonlabs/cordon/internal/port/database"
	"github.com/cordonlabs/cordon/internal/port/messagequeue"
)

// Escalator receives agents the sweep has declared unresponsive. Implemented
// by the restart controller; wired after construction to break the dependency
// cycle between the two services.
type Escalator interface {
	HandleUnresponsive(ctx context.Context, a agent.Agent, reason string)
}

// Missed-heartbeat ladder positions.
const (
	missWarn         = 1
	missDegraded     = 2
	missUnresponsive = 3
)

// updateRetries bounds optimistic-concurrency retries when ingest and sweep
// race on the same agent row.
const updateRetries = 3

// HeartbeatService ingests agent heartbeats and runs the liveness sweep.
type HeartbeatService struct {
	store     database.Store
	queue     messagequeue.Queue
	cache     cache.Cache
	hub       broadcast.Broadcaster
	metrics   *FleetMetrics
	cfg       config.Heartbeat
	ackTTL    time.Duration
	escalator Escalator
	observer  MetricsObserver
	now       func() time.Time
}

// NewHeartbeatService creates a new HeartbeatService.
func NewHeartbeatService(store database.Store, queue messagequeue.Queue, c cache.Cache, hub broadcast.Broadcaster, metrics *FleetMetrics, cfg config.Heartbeat, ackTTL time.Duration) *HeartbeatService {
	return &HeartbeatService{
		store:   store,
		queue:   queue,
		cache:   c,
		hub:     hub,
		metrics: metrics,
		cfg:     cfg,
		ackTTL:  ackTTL,
		now:     time.Now,
	}
}

// SetEscalator wires the unresponsive-agent handler.
func (s *HeartbeatService) SetEscalator(e Escalator) {
	s.escalator = e
}

// MetricsObserver receives the health sample carried by each accepted beat.
// Implemented by the anomaly detector.
type MetricsObserver interface {
	Observe(agentID string, m heartbeat.Metrics, at time.Time)
}

// SetObserver wires the per-beat metrics consumer.
func (s *HeartbeatService) SetObserver(o MetricsObserver) {
	s.observer = o
}

func (s *HeartbeatService) ttls() agent.TTLTable {
	return agent.TTLTable{
		Idle:     s.cfg.IdleTTL,
		Running:  s.cfg.RunningTTL,
		Watchdog: s.cfg.WatchdogTTL,
	}
}

// Ingest validates and applies one heartbeat, returning the ack the agent
// should receive. Duplicate sequences are answered idempotently from the
// retention cache; corrupted or regressing beats are rejected without
// penalizing the agent's liveness state.
func (s *HeartbeatService) Ingest(ctx context.Context, msg heartbeat.Message) (*heartbeat.Ack, error) {
	if msg.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}
	if !heartbeat.VerifyChecksum(msg) {
		s.metrics.HeartbeatRejected(ctx, "checksum")
		return nil, fmt.Errorf("heartbeat from %s: %w: checksum mismatch", msg.AgentID, domain.ErrValidation)
	}

	now := s.now()
	if msg.Timestamp.After(now.Add(s.cfg.ClockSkew)) {
		s.metrics.HeartbeatRejected(ctx, "future_timestamp")
		return nil, fmt.Errorf("heartbeat from %s: %w: timestamp in the future", msg.AgentID, domain.ErrValidation)
	}

	for attempt := 0; ; attempt++ {
		a, err := s.store.GetAgent(ctx, msg.AgentID)
		if err != nil {
			return nil, err
		}
		if !a.Status.Monitored() {
			s.metrics.HeartbeatRejected(ctx, "not_monitored")
			return nil, fmt.Errorf("heartbeat from %s in status %s: %w", a.ID, a.Status, domain.ErrValidation)
		}

		// A beat older than the agent's TTL carries no liveness signal; the
		// sweep has already judged this interval.
		if now.Sub(msg.Timestamp) > a.TTL(s.ttls(), now)+s.cfg.ClockSkew {
			s.metrics.HeartbeatRejected(ctx, "stale")
			return nil, fmt.Errorf("heartbeat from %s: %w", a.ID, domain.ErrStaleHeartbeat)
		}

		if a.LastSequence > 0 && msg.Sequence <= a.LastSequence {
			if msg.Sequence == a.LastSequence {
				return s.duplicateAck(ctx, msg), nil
			}
			s.metrics.HeartbeatRejected(ctx, "regression")
			return nil, fmt.Errorf("heartbeat from %s: sequence %d after %d: %w",
				a.ID, msg.Sequence, a.LastSequence, domain.ErrSequenceRegression)
		}

		gaps := heartbeat.GapsBetween(a.ExpectedSequence, msg.Sequence)

		upd := database.AgentUpdate{
			Status:           recoveredStatus(a.Status, msg.Status),
			LastSequence:     msg.Sequence,
			ExpectedSequence: msg.Sequence + 1,
			LastHeartbeat:    msg.Timestamp,
			MissedHeartbeats: 0,
			AnomalyStreak:    a.AnomalyStreak,
			ProbationUntil:   a.ProbationUntil,
			Version:          a.Version,
		}
		if err := s.store.UpdateAgent(ctx, a.ID, upd); err != nil {
			if errors.Is(err, domain.ErrConflict) && attempt < updateRetries {
				continue
			}
			return nil, err
		}

		ack := &heartbeat.Ack{
			AgentID:  msg.AgentID,
			Sequence: msg.Sequence,
			Received: true,
			Gaps:     gaps,
		}
		s.retainAck(ctx, ack)
		s.metrics.HeartbeatReceived(ctx)
		if s.observer != nil {
			s.observer.Observe(a.ID, msg.Metrics, msg.Timestamp)
		}

		if len(gaps) > 0 {
			slog.Warn("heartbeat sequence gap", "agent_id", a.ID, "expected", a.ExpectedSequence, "received", msg.Sequence)
		}
		if upd.Status != a.Status {
			s.announceStatus(ctx, a.ID, upd.Status)
		}
		s.publishReceived(ctx, ack)

		return ack, nil
	}
}

// recoveredStatus decides the stored status after a good beat. Degraded
// agents recover to what they report; healthy agents may toggle idle/running.
// The sweep alone moves agents to unresponsive, so a beat never has to.
func recoveredStatus(stored agent.Status, reported string) agent.Status {
	r := agent.Status(reported)
	if r != agent.StatusIdle && r != agent.StatusRunning {
		if stored == agent.StatusDegraded {
			return agent.StatusIdle
		}
		return stored
	}
	return r
}

func (s *HeartbeatService) duplicateAck(ctx context.Context, msg heartbeat.Message) *heartbeat.Ack {
	key := ristretto.AckKey(msg.AgentID, msg.Sequence)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var ack heartbeat.Ack
		if err := json.Unmarshal(data, &ack); err == nil {
			return &ack
		}
	}
	// Retention expired; re-acknowledge without gap evidence.
	return &heartbeat.Ack{
		AgentID:  msg.AgentID,
		Sequence: msg.Sequence,
		Received: true,
		Message:  "duplicate",
	}
}

func (s *HeartbeatService) retainAck(ctx context.Context, ack *heartbeat.Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, ristretto.AckKey(ack.AgentID, ack.Sequence), data, s.ackTTL); err != nil {
		slog.Debug("ack retention failed", "agent_id", ack.AgentID, "error", err)
	}
}

func (s *HeartbeatService) publishReceived(ctx context.Context, ack *heartbeat.Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectHeartbeatReceived, data); err != nil {
		slog.Error("failed to publish heartbeat ack", "agent_id", ack.AgentID, "error", err)
	}
}

func (s *HeartbeatService) announceStatus(ctx context.Context, agentID string, status agent.Status) {
	payload, err := json.Marshal(map[string]string{"agent_id": agentID, "status": string(status)})
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectAgentStatus, payload); err != nil {
		slog.Error("failed to publish agent status", "agent_id", agentID, "error", err)
	}
	s.hub.BroadcastEvent(ctx, ws.EventAgentStatus, ws.AgentStatusEvent{AgentID: agentID, Status: string(status)})
}

// RunSweeper runs the liveness sweep until ctx is cancelled.
func (s *HeartbeatService) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep examines every monitored agent once and walks silent agents along the
// missed-heartbeat ladder: warn, degraded, unresponsive.
func (s *HeartbeatService) Sweep(ctx context.Context) {
	agents, err := s.store.ListAgentsByStatus(ctx,
		agent.StatusIdle, agent.StatusRunning, agent.StatusDegraded)
	if err != nil {
		slog.Error("liveness sweep: list agents", "error", err)
		return
	}

	now := s.now()
	for i := range agents {
		s.sweepAgent(ctx, agents[i], now)
	}
}

func (s *HeartbeatService) sweepAgent(ctx context.Context, a agent.Agent, now time.Time) {
	last := a.LastHeartbeat
	if last.IsZero() {
		// Never beaten; measure silence from registration.
		last = a.CreatedAt
	}
	ttl := a.TTL(s.ttls(), now)
	if now.Sub(last) <= ttl+s.cfg.ClockSkew {
		return
	}

	missed := a.MissedHeartbeats + 1
	status := a.Status
	switch {
	case missed >= missUnresponsive:
		status = agent.StatusUnresponsive
	case missed >= missDegraded:
		status = agent.StatusDegraded
	}

	upd := database.AgentUpdate{
		Status:           status,
		LastSequence:     a.LastSequence,
		ExpectedSequence: a.ExpectedSequence,
		LastHeartbeat:    a.LastHeartbeat,
		MissedHeartbeats: missed,
		AnomalyStreak:    a.AnomalyStreak,
		ProbationUntil:   a.ProbationUntil,
		Version:          a.Version,
	}
	if err := s.store.UpdateAgent(ctx, a.ID, upd); err != nil {
		// A concurrent ingest means the agent just beat; nothing to do.
		if !errors.Is(err, domain.ErrConflict) {
			slog.Error("liveness sweep: update agent", "agent_id", a.ID, "error", err)
		}
		return
	}

	s.metrics.HeartbeatMissed(ctx)
	slog.Warn("missed heartbeat",
		"agent_id", a.ID, "missed", missed, "status", status, "silence", now.Sub(last).String())

	s.publishLiveness(ctx, a.ID, missed, status)
	if status != a.Status {
		s.announceStatus(ctx, a.ID, status)
	}

	if missed >= missUnresponsive && s.escalator != nil {
		a.Status = status
		a.MissedHeartbeats = missed
		s.escalator.HandleUnresponsive(ctx, a,
			fmt.Sprintf("%d consecutive missed heartbeats", missed))
	}
}

func (s *HeartbeatService) publishLiveness(ctx context.Context, agentID string, missed int, status agent.Status) {
	payload, err := json.Marshal(ws.LivenessEvent{AgentID: agentID, Missed: missed, Status: string(status)})
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectLivenessChanged, payload); err != nil {
		slog.Error("failed to publish liveness event", "agent_id", agentID, "error", err)
	}
	s.hub.BroadcastEvent(ctx, ws.EventAgentLiveness, ws.LivenessEvent{AgentID: agentID, Missed: missed, Status: string(status)})
}
