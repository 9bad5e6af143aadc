package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agents
		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents/{id}", h.GetAgent)
		r.Delete("/agents/{id}", h.DeregisterAgent)
		r.Post("/agents/{id}/quarantine", h.QuarantineAgent)
		r.Post("/agents/{id}/quarantine/clear", h.ClearQuarantine)

		// Heartbeats
		r.Post("/heartbeats", h.IngestHeartbeat)

		// Escalations
		r.Get("/escalations", h.ListEscalations)
		r.Post("/escalations/{id}/ack", h.AcknowledgeEscalation)

		// Tickets
		r.Get("/tickets", h.ListTickets)
		r.Post("/tickets", h.CreateTicket)
		r.Get("/tickets/{id}", h.GetTicket)
		r.Put("/tickets/{id}/phase", h.OverrideTicketPhase)
		r.Get("/tickets/{id}/tasks", h.ListTicketTasks)

		// Tasks
		r.Post("/tasks", h.EnqueueTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/start", h.StartTask)
		r.Post("/tasks/{id}/complete", h.CompleteTask)
		r.Post("/tasks/{id}/fail", h.FailTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
	})

	// WebSocket event stream
	r.Get("/ws", h.Hub.HandleWS)
}
