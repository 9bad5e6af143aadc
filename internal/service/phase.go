package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cordonlabs/cordon/internal/adapter/ws"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/task"
	"github.com/cordonlabs/cordon/internal/domain/ticket"
	"github.com/cordonlabs/cordon/internal/port/broadcast"
	"github.com/cordonlabs/cordon/internal/port/database"
	"github.com/cordonlabs/cordon/internal/port/messagequeue"
)

// PhaseService owns ticket lifecycle: phases advance monotonically as task
// activity implies progress, and a ticket closes only when every one of its
// tasks has completed.
type PhaseService struct {
	store   database.Store
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	metrics *FleetMetrics
	now     func() time.Time
}

// NewPhaseService creates a new PhaseService.
func NewPhaseService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, metrics *FleetMetrics) *PhaseService {
	return &PhaseService{
		store:   store,
		queue:   queue,
		hub:     hub,
		metrics: metrics,
		now:     time.Now,
	}
}

// CreateTicket opens a new ticket in the backlog phase.
func (s *PhaseService) CreateTicket(ctx context.Context, req ticket.CreateRequest) (*ticket.Ticket, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	return s.store.CreateTicket(ctx, req)
}

// GetTicket returns a ticket by ID.
func (s *PhaseService) GetTicket(ctx context.Context, id string) (*ticket.Ticket, error) {
	return s.store.GetTicket(ctx, id)
}

// ListTickets returns all tickets.
func (s *PhaseService) ListTickets(ctx context.Context) ([]ticket.Ticket, error) {
	return s.store.ListTickets(ctx)
}

// OnTaskActive advances the owning ticket's phase to what the task's type
// implies, called when a task enters assigned or running state. Task types
// with no phase mapping (diagnostics, maintenance) change nothing.
func (s *PhaseService) OnTaskActive(ctx context.Context, t task.Task) error {
	target, ok := ticket.TargetPhaseForTaskType(t.Type)
	if !ok {
		return nil
	}
	return s.advance(ctx, t.TicketID, target, t.ID)
}

// OnTaskCompleted closes the ticket if every one of its tasks has completed.
// Phase advancement happened when the task started; completion only decides
// whether the ticket is done.
func (s *PhaseService) OnTaskCompleted(ctx context.Context, t task.Task) error {
	return s.maybeClose(ctx, t.TicketID, t.ID)
}

// advance moves the ticket forward to target if target is further along.
// Backward moves are ignored: late-completing tasks from earlier phases must
// not regress the ticket.
func (s *PhaseService) advance(ctx context.Context, ticketID string, target ticket.Phase, taskID string) error {
	for attempt := 0; ; attempt++ {
		tk, err := s.store.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if !target.After(tk.Phase) {
			return nil
		}

		err = s.store.UpdateTicketPhase(ctx, ticketID, target, tk.Version)
		if err == nil {
			s.announce(ctx, tk, target, taskID)
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= updateRetries {
			return err
		}
	}
}

// maybeClose moves the ticket to done once all of its tasks have completed.
// Cancelled or failed tasks keep the ticket open; partial delivery is not
// completion.
func (s *PhaseService) maybeClose(ctx context.Context, ticketID, taskID string) error {
	tasks, err := s.store.ListTasksByTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		if t.Status != task.StatusCompleted {
			return nil
		}
	}

	for attempt := 0; ; attempt++ {
		tk, err := s.store.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if tk.Phase == ticket.PhaseDone {
			return nil
		}

		err = s.store.UpdateTicketPhase(ctx, ticketID, ticket.PhaseDone, tk.Version)
		if err == nil {
			s.announce(ctx, tk, ticket.PhaseDone, taskID)
			s.announceCompleted(ctx, ticketID)
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= updateRetries {
			return err
		}
	}
}

// OverridePhase sets a ticket's phase directly, bypassing the monotone rule.
// Administrative use only; the move is audited like any other.
func (s *PhaseService) OverridePhase(ctx context.Context, ticketID string, target ticket.Phase) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown phase %q", domain.ErrValidation, target)
	}
	for attempt := 0; ; attempt++ {
		tk, err := s.store.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if tk.Phase == target {
			return nil
		}

		err = s.store.UpdateTicketPhase(ctx, ticketID, target, tk.Version)
		if err == nil {
			slog.Warn("ticket phase overridden", "ticket_id", ticketID, "from", tk.Phase, "to", target)
			s.announce(ctx, tk, target, "")
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= updateRetries {
			return err
		}
	}
}

// phaseAudit is the immutable record published for every phase move.
type phaseAudit struct {
	TicketID string    `json:"ticket_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	TaskID   string    `json:"task_id,omitempty"`
	At       time.Time `json:"at"`
}

func (s *PhaseService) announce(ctx context.Context, tk *ticket.Ticket, to ticket.Phase, taskID string) {
	s.metrics.PhaseAdvance(ctx, string(to))

	audit := phaseAudit{
		TicketID: tk.ID,
		From:     string(tk.Phase),
		To:       string(to),
		TaskID:   taskID,
		At:       s.now(),
	}
	data, err := json.Marshal(audit)
	if err == nil {
		if err := s.queue.Publish(ctx, messagequeue.SubjectTicketPhase, data); err != nil {
			slog.Error("publish phase event", "ticket_id", tk.ID, "error", err)
		}
	}
	s.hub.BroadcastEvent(ctx, ws.EventTicketPhase, ws.TicketPhaseEvent{
		TicketID: tk.ID,
		From:     string(tk.Phase),
		To:       string(to),
		TaskID:   taskID,
	})
	slog.Info("ticket phase advanced", "ticket_id", tk.ID, "from", tk.Phase, "to", to)
}

func (s *PhaseService) announceCompleted(ctx context.Context, ticketID string) {
	data, err := json.Marshal(map[string]string{"ticket_id": ticketID})
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectTicketCompleted, data); err != nil {
		slog.Error("publish ticket completed", "ticket_id", ticketID, "error", err)
	}
}
