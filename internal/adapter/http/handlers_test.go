package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	cdhttp "github.com/cordonlabs/cordon/internal/adapter/http"
	"github.com/cordonlabs/cordon/internal/adapter/ws"
	"github.com/cordonlabs/cordon/internal/config"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/domain/anomaly"
	"github.com/cordonlabs/cordon/internal/domain/heartbeat"
	"github.com/cordonlabs/cordon/internal/domain/remediation"
	"github.com/cordonlabs/cordon/internal/domain/task"
	"github.com/cordonlabs/cordon/internal/domain/ticket"
	"github.com/cordonlabs/cordon/internal/port/database"
	"github.com/cordonlabs/cordon/internal/port/messagequeue"
	"github.com/cordonlabs/cordon/internal/resilience"
	"github.com/cordonlabs/cordon/internal/service"
)

var errNotFound = fmt.Errorf("mock: %w", domain.ErrNotFound)

// mockStore implements database.Store for handler tests. Agents, tickets and
// tasks behave; audit records are stubs.
type mockStore struct {
	agents      []agent.Agent
	tickets     []ticket.Ticket
	tasks       []task.Task
	escalations []remediation.EscalationNotice
	nextID      int
}

var _ database.Store = (*mockStore)(nil)

func (m *mockStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *mockStore) ListAgents(_ context.Context) ([]agent.Agent, error) {
	return m.agents, nil
}

func (m *mockStore) ListAgentsByStatus(_ context.Context, statuses ...agent.Status) ([]agent.Agent, error) {
	var out []agent.Agent
	for _, a := range m.agents {
		for _, s := range statuses {
			if a.Status == s {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	for i := range m.agents {
		if m.agents[i].ID == id {
			return &m.agents[i], nil
		}
	}
	return nil, errNotFound
}

func (m *mockStore) RegisterAgent(_ context.Context, req agent.RegisterRequest) (*agent.Agent, error) {
	a := agent.Agent{
		ID:        m.id("agent"),
		LineageID: m.id("lineage"),
		Type:      req.Type,
		Phase:     req.Phase,
		Status:    agent.StatusIdle,
		Config:    req.Config,
		Version:   1,
		CreatedAt: time.Now(),
	}
	m.agents = append(m.agents, a)
	return &a, nil
}

func (m *mockStore) SpawnReplacement(_ context.Context, predecessor agent.Agent) (*agent.Agent, error) {
	a := agent.Agent{
		ID:        m.id("agent"),
		LineageID: predecessor.LineageID,
		Type:      predecessor.Type,
		Phase:     predecessor.Phase,
		Status:    agent.StatusIdle,
		Version:   1,
	}
	m.agents = append(m.agents, a)
	return &a, nil
}

func (m *mockStore) UpdateAgent(_ context.Context, id string, upd database.AgentUpdate) error {
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
	return errNotFound
}

func (m *mockStore) UpdateAgentStatus(_ context.Context, id string, status agent.Status) error {
	for i := range m.agents {
		if m.agents[i].ID == id {
			m.agents[i].Status = status
			return nil
		}
	}
	return errNotFound
}

func (m *mockStore) SetAgentTask(_ context.Context, agentID, taskID string) error {
	for i := range m.agents {
		if m.agents[i].ID == agentID {
			m.agents[i].AssignedTaskID = taskID
			return nil
		}
	}
	return errNotFound
}

func (m *mockStore) DeleteAgent(_ context.Context, id string) error {
	for i := range m.agents {
		if m.agents[i].ID == id {
			m.agents = append(m.agents[:i], m.agents[i+1:]...)
			return nil
		}
	}
	return errNotFound
}

func (m *mockStore) ListTasksByTicket(_ context.Context, ticketID string) ([]task.Task, error) {
	found := false
	for i := range m.tickets {
		if m.tickets[i].ID == ticketID {
			found = true
			break
		}
	}
	if !found {
		return nil, errNotFound
	}
	var out []task.Task
	for _, t := range m.tasks {
		if t.TicketID == ticketID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) ListTasksByAgent(_ context.Context, agentID string, _ ...task.Status) ([]task.Task, error) {
	var out []task.Task
	for _, t := range m.tasks {
		if t.AgentID == agentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) ListTasksByStatus(_ context.Context, statuses ...task.Status) ([]task.Task, error) {
	var out []task.Task
	for _, t := range m.tasks {
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) CountTasksByStatus(_ context.Context, statuses ...task.Status) (int, error) {
	tasks, _ := m.ListTasksByStatus(context.Background(), statuses...)
	return len(tasks), nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			return &m.tasks[i], nil
		}
	}
	return nil, errNotFound
}

func (m *mockStore) CreateTask(_ context.Context, req task.CreateRequest) (*task.Task, error) {
	prio := req.Priority
	if prio == "" {
		prio = task.PriorityNormal
	}
	t := task.Task{
		ID:       m.id("task"),
		TicketID: req.TicketID,
		Type:     req.Type,
		Priority: prio,
		Status:   task.StatusPending,
	}
	m.tasks = append(m.tasks, t)
	return &t, nil
}

func (m *mockStore) UpdateTaskStatus(_ context.Context, id string, status task.Status) error {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].Status = status
			return nil
		}
	}
	return errNotFound
}

func (m *mockStore) AssignTask(_ context.Context, taskID, agentID string) error {
	for i := range m.tasks {
		if m.tasks[i].ID == taskID {
			m.tasks[i].AgentID = agentID
			m.tasks[i].Status = task.StatusAssigned
			return nil
		}
	}
	return errNotFound
}

func (m *mockStore) ReleaseTask(_ context.Context, taskID string) error {
	for i := range m.tasks {
		if m.tasks[i].ID == taskID {
			m.tasks[i].AgentID = ""
			m.tasks[i].Status = task.StatusPending
			return nil
		}
	}
	return errNotFound
}

func (m *mockStore) ListTickets(_ context.Context) ([]ticket.Ticket, error) {
	return m.tickets, nil
}

func (m *mockStore) GetTicket(_ context.Context, id string) (*ticket.Ticket, error) {
	for i := range m.tickets {
		if m.tickets[i].ID == id {
			return &m.tickets[i], nil
		}
	}
	return nil, errNotFound
}

func (m *mockStore) CreateTicket(_ context.Context, req ticket.CreateRequest) (*ticket.Ticket, error) {
	tk := ticket.Ticket{
		ID:      m.id("ticket"),
		Title:   req.Title,
		Phase:   ticket.PhaseBacklog,
		Status:  ticket.StatusOpen,
		Version: 1,
	}
	m.tickets = append(m.tickets, tk)
	return &tk, nil
}

func (m *mockStore) UpdateTicketPhase(_ context.Context, id string, phase ticket.Phase, version int) error {
	for i := range m.tickets {
		if m.tickets[i].ID != id {
			continue
		}
		if m.tickets[i].Version != version {
			return domain.ErrConflict
		}
		m.tickets[i].Phase = phase
		m.tickets[i].Version++
		return nil
	}
	return errNotFound
}

// Anomaly reading stubs
func (m *mockStore) AppendReading(_ context.Context, _ anomaly.Reading) error { return nil }
func (m *mockStore) RecentReadings(_ context.Context, _ string, _ int) ([]anomaly.Reading, error) {
	return nil, nil
}
func (m *mockStore) PruneReadings(_ context.Context, _ string, _ int) error { return nil }

// Remediation stubs
func (m *mockStore) CreateRestartEvent(_ context.Context, _ remediation.RestartEvent) error {
	return nil
}
func (m *mockStore) ListRestartEvents(_ context.Context, _ string, _ time.Time) ([]remediation.RestartEvent, error) {
	return nil, nil
}
func (m *mockStore) CreateEscalation(_ context.Context, n remediation.EscalationNotice) error {
	m.escalations = append(m.escalations, n)
	return nil
}
func (m *mockStore) ListEscalations(_ context.Context, _ bool) ([]remediation.EscalationNotice, error) {
	return m.escalations, nil
}
func (m *mockStore) AcknowledgeEscalation(_ context.Context, _, _ string, _ time.Time) error {
	return errNotFound
}
func (m *mockStore) CreateEvidenceBundle(_ context.Context, _ remediation.EvidenceBundle) error {
	return nil
}
func (m *mockStore) CreateQuarantine(_ context.Context, _ remediation.QuarantineRecord) error {
	return nil
}
func (m *mockStore) OpenQuarantine(_ context.Context, _ string) (*remediation.QuarantineRecord, error) {
	return nil, errNotFound
}
func (m *mockStore) ClearQuarantine(_ context.Context, _, _, _ string, _ time.Time) error {
	return nil
}

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct{}

func (m *mockQueue) Publish(_ context.Context, _ string, _ []byte) error { return nil }
func (m *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (m *mockQueue) Drain() error      { return nil }
func (m *mockQueue) Close() error      { return nil }
func (m *mockQueue) IsConnected() bool { return true }

// mockCache implements cache.Cache for testing.
type mockCache struct {
	entries map[string][]byte
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if m.entries == nil {
		m.entries = make(map[string][]byte)
	}
	m.entries[key] = value
	return nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	delete(m.entries, key)
	return nil
}

// mockRuntime implements agentruntime.Runtime for testing.
type mockRuntime struct{}

func (m *mockRuntime) Stop(_ context.Context, _ string) error      { return nil }
func (m *mockRuntime) Kill(_ context.Context, _ string) error      { return nil }
func (m *mockRuntime) Spawn(_ context.Context, _ agent.Agent) error { return nil }
func (m *mockRuntime) SmokeTest(_ context.Context, _ string) error { return nil }
func (m *mockRuntime) Checkpoint(_ context.Context, _ string) (bool, error) {
	return false, nil
}
func (m *mockRuntime) Snapshot(_ context.Context, _ string) ([]string, map[string]string, error) {
	return nil, nil, nil
}

func newTestRouter() chi.Router {
	store := &mockStore{}
	queue := &mockQueue{}
	hub := ws.NewHub()
	rt := &mockRuntime{}
	breaker := resilience.NewBreaker(5, time.Second)

	hbCfg := config.Heartbeat{
		IdleTTL:       30 * time.Second,
		RunningTTL:    10 * time.Second,
		WatchdogTTL:   5 * time.Second,
		Cadence:       2 * time.Second,
		SweepInterval: 5 * time.Second,
		ClockSkew:     2 * time.Second,
	}
	restartCfg := config.Restart{
		Cooldown:         time.Minute,
		MaxAttempts:      3,
		EscalationWindow: time.Hour,
		GracefulStop:     time.Second,
		AckSLA:           15 * time.Minute,
		Probation:        10 * time.Minute,
	}
	queueCfg := config.Queue{MaxPending: 2, DispatchInterval: time.Second, CriticalBlocked: 2}

	handlers := &cdhttp.Handlers{
		Agents:      service.NewAgentService(store, rt),
		Heartbeats:  service.NewHeartbeatService(store, queue, &mockCache{}, hub, nil, hbCfg, time.Minute),
		Tasks:       service.NewTaskQueueService(store, nil, queueCfg),
		Tickets:     service.NewPhaseService(store, queue, hub, nil),
		Remediation: service.NewRestartService(store, queue, hub, rt, breaker, nil, restartCfg),
		Quarantine:  service.NewQuarantineService(store, queue, hub, rt, nil, restartCfg),
		Hub:         hub,
	}

	r := chi.NewRouter()
	cdhttp.MountRoutes(r, handlers)
	return r
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestVersionEndpoint(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result["version"] != "0.1.0" {
		t.Fatalf("expected version 0.1.0, got %q", result["version"])
	}
}

// --- Agent Endpoints ---

func TestListAgentsEmpty(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/agents", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var agents []agent.Agent
	if err := json.NewDecoder(w.Body).Decode(&agents); err != nil {
		t.Fatal(err)
	}
	if len(agents) != 0 {
		t.Fatalf("expected empty list, got %d", len(agents))
	}
}

func TestRegisterAndGetAgent(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/agents", agent.RegisterRequest{Type: "worker", Phase: "build"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var a agent.Agent
	if err := json.NewDecoder(w.Body).Decode(&a); err != nil {
		t.Fatal(err)
	}
	if a.Type != "worker" || a.Status != agent.StatusIdle {
		t.Fatalf("unexpected agent %+v", a)
	}

	w = doJSON(t, r, "GET", "/api/v1/agents/"+a.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegisterAgentMissingType(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/agents", agent.RegisterRequest{Phase: "build"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRegisterAgentInvalidBody(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest("POST", "/api/v1/agents", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/agents/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListAgentsRejectsUnknownStatusFilter(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/agents?status=rebooting", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDeregisterAgent(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/agents", agent.RegisterRequest{Type: "worker"})
	var a agent.Agent
	_ = json.NewDecoder(w.Body).Decode(&a)

	w = doJSON(t, r, "DELETE", "/api/v1/agents/"+a.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = doJSON(t, r, "GET", "/api/v1/agents/"+a.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after deregister, got %d", w.Code)
	}
}

// --- Heartbeat Endpoint ---

func TestIngestHeartbeat(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/agents", agent.RegisterRequest{Type: "worker"})
	var a agent.Agent
	_ = json.NewDecoder(w.Body).Decode(&a)

	msg := heartbeat.Seal(heartbeat.Message{
		AgentID:   a.ID,
		Timestamp: time.Now().UTC(),
		Sequence:  1,
		Status:    "running",
	})
	w = doJSON(t, r, "POST", "/api/v1/heartbeats", msg)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var ack heartbeat.Ack
	if err := json.NewDecoder(w.Body).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Received || ack.Sequence != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestIngestHeartbeatBadChecksum(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/agents", agent.RegisterRequest{Type: "worker"})
	var a agent.Agent
	_ = json.NewDecoder(w.Body).Decode(&a)

	msg := heartbeat.Seal(heartbeat.Message{
		AgentID:   a.ID,
		Timestamp: time.Now().UTC(),
		Sequence:  1,
		Status:    "running",
	})
	msg.Sequence = 2 // invalidates the checksum
	w = doJSON(t, r, "POST", "/api/v1/heartbeats", msg)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestIngestHeartbeatUnknownAgent(t *testing.T) {
	r := newTestRouter()

	msg := heartbeat.Seal(heartbeat.Message{
		AgentID:   "nonexistent",
		Timestamp: time.Now().UTC(),
		Sequence:  1,
		Status:    "running",
	})
	w := doJSON(t, r, "POST", "/api/v1/heartbeats", msg)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Ticket Endpoints ---

func TestCreateAndGetTicket(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/tickets", ticket.CreateRequest{Title: "Ship search"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var tk ticket.Ticket
	if err := json.NewDecoder(w.Body).Decode(&tk); err != nil {
		t.Fatal(err)
	}
	if tk.Phase != ticket.PhaseBacklog {
		t.Fatalf("expected backlog phase, got %s", tk.Phase)
	}

	w = doJSON(t, r, "GET", "/api/v1/tickets/"+tk.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCreateTicketMissingTitle(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/tickets", ticket.CreateRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetTicketNotFound(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/tickets/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestOverrideTicketPhase(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/tickets", ticket.CreateRequest{Title: "T"})
	var tk ticket.Ticket
	_ = json.NewDecoder(w.Body).Decode(&tk)

	w = doJSON(t, r, "PUT", "/api/v1/tickets/"+tk.ID+"/phase", map[string]string{"phase": "testing"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "GET", "/api/v1/tickets/"+tk.ID, nil)
	_ = json.NewDecoder(w.Body).Decode(&tk)
	if tk.Phase != ticket.PhaseTesting {
		t.Fatalf("expected testing phase, got %s", tk.Phase)
	}
}

func TestOverrideTicketPhaseUnknownPhase(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/tickets", ticket.CreateRequest{Title: "T"})
	var tk ticket.Ticket
	_ = json.NewDecoder(w.Body).Decode(&tk)

	w = doJSON(t, r, "PUT", "/api/v1/tickets/"+tk.ID+"/phase", map[string]string{"phase": "shipping"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListTicketTasksUnknownTicket(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/tickets/nonexistent/tasks", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Task Endpoints ---

func TestEnqueueAndGetTask(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/tickets", ticket.CreateRequest{Title: "T"})
	var tk ticket.Ticket
	_ = json.NewDecoder(w.Body).Decode(&tk)

	w = doJSON(t, r, "POST", "/api/v1/tasks", task.CreateRequest{TicketID: tk.ID, Type: "run_tests"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created task.Task
	_ = json.NewDecoder(w.Body).Decode(&created)
	if created.Status != task.StatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	w = doJSON(t, r, "GET", "/api/v1/tasks/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestEnqueueTaskMissingType(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/tasks", task.CreateRequest{TicketID: "t1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEnqueueTaskUnknownTicket(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/tasks", task.CreateRequest{TicketID: "nonexistent", Type: "run_tests"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestEnqueueTaskBacklogFull(t *testing.T) {
	// Router is built with MaxPending=2.
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/tickets", ticket.CreateRequest{Title: "T"})
	var tk ticket.Ticket
	_ = json.NewDecoder(w.Body).Decode(&tk)

	for i := 0; i < 2; i++ {
		w = doJSON(t, r, "POST", "/api/v1/tasks", task.CreateRequest{TicketID: tk.ID, Type: "run_tests"})
		if w.Code != http.StatusCreated {
			t.Fatalf("task %d: expected 201, got %d", i, w.Code)
		}
	}

	w = doJSON(t, r, "POST", "/api/v1/tasks", task.CreateRequest{TicketID: tk.ID, Type: "run_tests"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetTaskNotFound(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/tasks/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Escalation Endpoints ---

func TestListEscalationsEmpty(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/escalations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var notices []remediation.EscalationNotice
	if err := json.NewDecoder(w.Body).Decode(&notices); err != nil {
		t.Fatal(err)
	}
	if len(notices) != 0 {
		t.Fatalf("expected empty list, got %d", len(notices))
	}
}

func TestAcknowledgeEscalationMissingActor(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/escalations/e1/ack", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// --- Quarantine Endpoints ---

func TestQuarantineAgentMissingReason(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/agents/a1/quarantine", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestQuarantineAgentNotFound(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/agents/nonexistent/quarantine", map[string]string{"reason": "manual"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
