package http

import (
	"net/http"

	"github.com/cordonlabs/cordon/internal/adapter/ws"
	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/domain/heartbeat"
	"github.com/cordonlabs/cordon/internal/domain/remediation"
	"github.com/cordonlabs/cordon/internal/domain/task"
	"github.com/cordonlabs/cordon/internal/domain/ticket"
	"github.com/cordonlabs/cordon/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Agents      *service.AgentService
	Heartbeats  *service.HeartbeatService
	Tasks       *service.TaskQueueService
	Tickets     *service.PhaseService
	Remediation *service.RestartService
	Quarantine  *service.QuarantineService
	Hub         *ws.Hub
}

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	var (
		agents []agent.Agent
		err    error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		if !agent.Status(status).Valid() {
			writeError(w, http.StatusBadRequest, "unknown agent status")
			return
		}
		agents, err = h.Agents.ListByStatus(r.Context(), agent.Status(status))
	} else {
		agents, err = h.Agents.List(r.Context())
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if agents == nil {
		agents = []agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// GetAgent handles GET /api/v1/agents/{id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// RegisterAgent handles POST /api/v1/agents
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agent.RegisterRequest](w, r)
	if !ok {
		return
	}
	a, err := h.Agents.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "agent registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// DeregisterAgent handles DELETE /api/v1/agents/{id}
func (h *Handlers) DeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.Deregister(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IngestHeartbeat handles POST /api/v1/heartbeats
func (h *Handlers) IngestHeartbeat(w http.ResponseWriter, r *http.Request) {
	msg, ok := readJSON[heartbeat.Message](w, r)
	if !ok {
		return
	}
	ack, err := h.Heartbeats.Ingest(r.Context(), msg)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

// QuarantineAgent handles POST /api/v1/agents/{id}/quarantine
func (h *Handlers) QuarantineAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Reason string `json:"reason"`
	}](w, r)
	if !ok {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if err := h.Quarantine.Quarantine(r.Context(), urlParam(r, "id"), req.Reason); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearQuarantine handles POST /api/v1/agents/{id}/quarantine/clear
func (h *Handlers) ClearQuarantine(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Actor string `json:"actor"`
		Note  string `json:"note"`
	}](w, r)
	if !ok {
		return
	}
	if err := h.Quarantine.Clear(r.Context(), urlParam(r, "id"), req.Actor, req.Note); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEscalations handles GET /api/v1/escalations
func (h *Handlers) ListEscalations(w http.ResponseWriter, r *http.Request) {
	unackedOnly := r.URL.Query().Get("unacknowledged") == "true"
	notices, err := h.Remediation.ListEscalations(r.Context(), unackedOnly)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if notices == nil {
		notices = []remediation.EscalationNotice{}
	}
	writeJSON(w, http.StatusOK, notices)
}

// AcknowledgeEscalation handles POST /api/v1/escalations/{id}/ack
func (h *Handlers) AcknowledgeEscalation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Actor string `json:"actor"`
	}](w, r)
	if !ok {
		return
	}
	if err := h.Remediation.Acknowledge(r.Context(), urlParam(r, "id"), req.Actor); err != nil {
		writeDomainError(w, err, "escalation not found or already acknowledged")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateTicket handles POST /api/v1/tickets
func (h *Handlers) CreateTicket(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[ticket.CreateRequest](w, r)
	if !ok {
		return
	}
	tk, err := h.Tickets.CreateTicket(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "ticket creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, tk)
}

// ListTickets handles GET /api/v1/tickets
func (h *Handlers) ListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.Tickets.ListTickets(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if tickets == nil {
		tickets = []ticket.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

// GetTicket handles GET /api/v1/tickets/{id}
func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	tk, err := h.Tickets.GetTicket(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, tk)
}

// OverrideTicketPhase handles PUT /api/v1/tickets/{id}/phase
func (h *Handlers) OverrideTicketPhase(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Phase string `json:"phase"`
	}](w, r)
	if !ok {
		return
	}
	target := ticket.Phase(req.Phase)
	if !target.Valid() {
		writeError(w, http.StatusBadRequest, "unknown ticket phase")
		return
	}
	if err := h.Tickets.OverridePhase(r.Context(), urlParam(r, "id"), target); err != nil {
		writeDomainError(w, err, "ticket not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTicketTasks handles GET /api/v1/tickets/{id}/tasks
func (h *Handlers) ListTicketTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.ListByTicket(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "ticket not found")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// EnqueueTask handles POST /api/v1/tasks
func (h *Handlers) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r)
	if !ok {
		return
	}
	t, err := h.Tasks.Enqueue(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "task creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// StartTask handles POST /api/v1/tasks/{id}/start
func (h *Handlers) StartTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Start(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompleteTask handles POST /api/v1/tasks/{id}/complete
func (h *Handlers) CompleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Complete(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FailTask handles POST /api/v1/tasks/{id}/fail
func (h *Handlers) FailTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Fail(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Cancel(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
