package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/domain/anomaly"
	"github.com/cordonlabs/cordon/internal/domain/remediation"
	"github.com/cordonlabs/cordon/internal/domain/task"
	"github.com/cordonlabs/cordon/internal/domain/ticket"
	"github.com/cordonlabs/cordon/internal/port/database"
	"github.com/cordonlabs/cordon/internal/port/messagequeue"
)

// Ensure mockStore implements database.Store at compile time.
var _ database.Store = (*mockStore)(nil)

// mockStore is a minimal in-memory implementation of database.Store for
// testing. It honors the same optimistic-concurrency semantics as the
// postgres adapter: version mismatches yield domain.ErrConflict.
type mockStore struct {
	mu sync.Mutex

	agents        []agent.Agent
	tasks         []task.Task
	tickets       []ticket.Ticket
	readings      map[string][]anomaly.Reading // newest last
	restartEvents []remediation.RestartEvent
	escalations   []remediation.EscalationNotice
	bundles       []remediation.EvidenceBundle
	quarantines   []remediation.QuarantineRecord

	nextID int

	// Error hooks, set to inject failures.
	getAgentErr          error
	updateAgentErr       error
	createTaskErr        error
	listRestartEventsErr error
	recentReadingsErr    error
}

func (m *mockStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *mockStore) ListAgents(_ context.Context) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agent.Agent(nil), m.agents...), nil
}

func (m *mockStore) ListAgentsByStatus(_ context.Context, statuses ...agent.Status) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Agent
	for _, a := range m.agents {
		for _, st := range statuses {
			if a.Status == st {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	if m.getAgentErr != nil {
		return nil, m.getAgentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.agents {
		if m.agents[i].ID == id {
			a := m.agents[i]
			return &a, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) RegisterAgent(_ context.Context, req agent.RegisterRequest) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := agent.Agent{
		ID:        m.id("agent"),
		LineageID: m.id("lineage"),
		Type:      req.Type,
		Phase:     req.Phase,
		Config:    req.Config,
		Status:    agent.StatusIdle,
		Version:   1,
		CreatedAt: time.Now(),
	}
	m.agents = append(m.agents, a)
	return &a, nil
}

func (m *mockStore) SpawnReplacement(_ context.Context, predecessor agent.Agent) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := agent.Agent{
		ID:        m.id("agent"),
		LineageID: predecessor.LineageID,
		Type:      predecessor.Type,
		Phase:     predecessor.Phase,
		Config:    predecessor.Config,
		Status:    agent.StatusIdle,
		Version:   1,
		CreatedAt: time.Now(),
	}
	m.agents = append(m.agents, a)
	return &a, nil
}

func (m *mockStore) UpdateAgent(_ context.Context, id string, upd database.AgentUpdate) error {
	if m.updateAgentErr != nil {
		return m.updateAgentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.agents {
		if m.agents[i].ID != id {
			continue
		}
		if m.agents[i].Version != upd.Version {
			return domain.ErrConflict
		}
		m.agents[i].Status = upd.Status
		m.agents[i].LastSequence = upd.LastSequence
		m.agents[i].ExpectedSequence = upd.ExpectedSequence
		m.agents[i].LastHeartbeat = upd.LastHeartbeat
		m.agents[i].MissedHeartbeats = upd.MissedHeartbeats
		m.agents[i].AnomalyStreak = upd.AnomalyStreak
		m.agents[i].ProbationUntil = upd.ProbationUntil
		m.agents[i].Version++
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) UpdateAgentStatus(_ context.Context, id string, status agent.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.agents {
		if m.agents[i].ID == id {
			m.agents[i].Status = status
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) SetAgentTask(_ context.Context, agentID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.agents {
		if m.agents[i].ID == agentID {
			m.agents[i].AssignedTaskID = taskID
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.agents {
		if m.agents[i].ID == id {
			m.agents = append(m.agents[:i], m.agents[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) ListTasksByTicket(_ context.Context, ticketID string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.TicketID == ticketID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) ListTasksByAgent(_ context.Context, agentID string, statuses ...task.Status) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.AgentID != agentID {
			continue
		}
		if len(statuses) == 0 {
			out = append(out, t)
			continue
		}
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

var priorityRank = map[task.Priority]int{
	task.PriorityCritical: 0,
	task.PriorityHigh:     1,
	task.PriorityNormal:   2,
	task.PriorityLow:      3,
}

func (m *mockStore) ListTasksByStatus(_ context.Context, statuses ...task.Status) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, t)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return priorityRank[out[i].Priority] < priorityRank[out[j].Priority]
	})
	return out, nil
}

func (m *mockStore) CountTasksByStatus(ctx context.Context, statuses ...task.Status) (int, error) {
	tasks, err := m.ListTasksByStatus(ctx, statuses...)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			t := m.tasks[i]
			return &t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) CreateTask(_ context.Context, req task.CreateRequest) (*task.Task, error) {
	if m.createTaskErr != nil {
		return nil, m.createTaskErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	priority := req.Priority
	if priority == "" {
		priority = task.PriorityNormal
	}
	t := task.Task{
		ID:          m.id("task"),
		TicketID:    req.TicketID,
		Type:        req.Type,
		Status:      task.StatusPending,
		Priority:    priority,
		DependsOn:   req.DependsOn,
		Description: req.Description,
		Version:     1,
		CreatedAt:   time.Now(),
	}
	m.tasks = append(m.tasks, t)
	return &t, nil
}

func (m *mockStore) UpdateTaskStatus(_ context.Context, id string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].Status = status
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) AssignTask(_ context.Context, taskID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID != taskID {
			continue
		}
		if m.tasks[i].Status != task.StatusPending {
			return domain.ErrConflict
		}
		m.tasks[i].Status = task.StatusAssigned
		m.tasks[i].AgentID = agentID
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) ReleaseTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID != taskID {
			continue
		}
		if !m.tasks[i].Status.Active() {
			return domain.ErrNotFound
		}
		m.tasks[i].Status = task.StatusPending
		m.tasks[i].AgentID = ""
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) ListTickets(_ context.Context) ([]ticket.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ticket.Ticket(nil), m.tickets...), nil
}

func (m *mockStore) GetTicket(_ context.Context, id string) (*ticket.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tickets {
		if m.tickets[i].ID == id {
			tk := m.tickets[i]
			return &tk, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) CreateTicket(_ context.Context, req ticket.CreateRequest) (*ticket.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tk := ticket.Ticket{
		ID:        m.id("ticket"),
		Title:     req.Title,
		Phase:     ticket.PhaseBacklog,
		Status:    ticket.StatusOpen,
		Version:   1,
		CreatedAt: time.Now(),
	}
	m.tickets = append(m.tickets, tk)
	return &tk, nil
}

func (m *mockStore) UpdateTicketPhase(_ context.Context, id string, phase ticket.Phase, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tickets {
		if m.tickets[i].ID != id {
			continue
		}
		if m.tickets[i].Version != version {
			return domain.ErrConflict
		}
		m.tickets[i].Phase = phase
		if phase == ticket.PhaseDone {
			m.tickets[i].Status = ticket.StatusClosed
		}
		m.tickets[i].Version++
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) AppendReading(_ context.Context, r anomaly.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readings == nil {
		m.readings = make(map[string][]anomaly.Reading)
	}
	m.readings[r.AgentID] = append(m.readings[r.AgentID], r)
	return nil
}

func (m *mockStore) RecentReadings(_ context.Context, agentID string, limit int) ([]anomaly.Reading, error) {
	if m.recentReadingsErr != nil {
		return nil, m.recentReadingsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.readings[agentID]
	var out []anomaly.Reading
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *mockStore) PruneReadings(_ context.Context, agentID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.readings[agentID]
	if len(all) > keep {
		m.readings[agentID] = append([]anomaly.Reading(nil), all[len(all)-keep:]...)
	}
	return nil
}

func (m *mockStore) CreateRestartEvent(_ context.Context, ev remediation.RestartEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartEvents = append(m.restartEvents, ev)
	return nil
}

func (m *mockStore) ListRestartEvents(_ context.Context, lineageID string, since time.Time) ([]remediation.RestartEvent, error) {
	if m.listRestartEventsErr != nil {
		return nil, m.listRestartEventsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []remediation.RestartEvent
	for _, ev := range m.restartEvents {
		if ev.LineageID == lineageID && !ev.At.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockStore) CreateEscalation(_ context.Context, n remediation.EscalationNotice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations = append(m.escalations, n)
	return nil
}

func (m *mockStore) ListEscalations(_ context.Context, unacknowledgedOnly bool) ([]remediation.EscalationNotice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []remediation.EscalationNotice
	for _, n := range m.escalations {
		if unacknowledgedOnly && !n.AcknowledgedAt.IsZero() {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *mockStore) AcknowledgeEscalation(_ context.Context, id, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.escalations {
		if m.escalations[i].ID == id && m.escalations[i].AcknowledgedAt.IsZero() {
			m.escalations[i].AcknowledgedBy = actor
			m.escalations[i].AcknowledgedAt = at
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) CreateEvidenceBundle(_ context.Context, b remediation.EvidenceBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles = append(m.bundles, b)
	return nil
}

func (m *mockStore) CreateQuarantine(_ context.Context, q remediation.QuarantineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantines = append(m.quarantines, q)
	return nil
}

func (m *mockStore) OpenQuarantine(_ context.Context, agentID string) (*remediation.QuarantineRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.quarantines) - 1; i >= 0; i-- {
		if m.quarantines[i].AgentID == agentID && m.quarantines[i].Open() {
			q := m.quarantines[i]
			return &q, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ClearQuarantine(_ context.Context, id, actor, note string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.quarantines {
		if m.quarantines[i].ID == id && m.quarantines[i].Open() {
			m.quarantines[i].ClearedBy = actor
			m.quarantines[i].ClearanceNote = note
			m.quarantines[i].ClearedAt = at
			return nil
		}
	}
	return domain.ErrNotFound
}

// mockQueue records published messages per subject.
type mockQueue struct {
	mu         sync.Mutex
	published  map[string][][]byte
	publishErr error
}

func (m *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.published == nil {
		m.published = make(map[string][][]byte)
	}
	m.published[subject] = append(m.published[subject], data)
	return nil
}

func (m *mockQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (m *mockQueue) Drain() error      { return nil }
func (m *mockQueue) Close() error      { return nil }
func (m *mockQueue) IsConnected() bool { return true }

func (m *mockQueue) count(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published[subject])
}

// mockHub records broadcast events by type.
type mockHub struct {
	mu     sync.Mutex
	events map[string][]any
}

func (m *mockHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = make(map[string][]any)
	}
	m.events[eventType] = append(m.events[eventType], payload)
}

// mockCache is an in-memory cache ignoring TTLs.
type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = value
	return nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// mockRuntime records lifecycle commands.
type mockRuntime struct {
	mu sync.Mutex

	stopped    []string
	killed     []string
	spawned    []string
	smokeTests []string

	stopErr       error
	stopDelay     time.Duration
	stopStarted   chan struct{} // receives once per Stop call, if set
	stopGate      chan struct{} // Stop blocks here until closed, if set
	killErr       error
	spawnErr      error
	smokeTestErr  error
	snapshotErr   error
	checkpointOK  bool
	checkpointErr error
}

func (m *mockRuntime) Stop(ctx context.Context, agentID string) error {
	if m.stopStarted != nil {
		select {
		case m.stopStarted <- struct{}{}:
		default:
		}
	}
	if m.stopGate != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopGate:
		}
	}
	if m.stopDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.stopDelay):
		}
	}
	if m.stopErr != nil {
		return m.stopErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, agentID)
	return nil
}

func (m *mockRuntime) Kill(_ context.Context, agentID string) error {
	if m.killErr != nil {
		return m.killErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, agentID)
	return nil
}

func (m *mockRuntime) Spawn(_ context.Context, spec agent.Agent) error {
	if m.spawnErr != nil {
		return m.spawnErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawned = append(m.spawned, spec.ID)
	return nil
}

func (m *mockRuntime) SmokeTest(_ context.Context, agentID string) error {
	m.mu.Lock()
	m.smokeTests = append(m.smokeTests, agentID)
	m.mu.Unlock()
	return m.smokeTestErr
}

func (m *mockRuntime) Checkpoint(context.Context, string) (bool, error) {
	return m.checkpointOK, m.checkpointErr
}

func (m *mockRuntime) Snapshot(context.Context, string) ([]string, map[string]string, error) {
	if m.snapshotErr != nil {
		return nil, nil, m.snapshotErr
	}
	return []string{"log line"}, map[string]string{"cpu": "42"}, nil
}
