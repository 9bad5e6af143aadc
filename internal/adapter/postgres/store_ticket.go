package postgres

import (
	"context"
	"fmt"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/ticket"
)

func (s *Store) ListTickets(ctx context.Context) ([]ticket.Ticket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, phase, status, version, created_at, updated_at
		 FROM tickets ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *Store) GetTicket(ctx context.Context, id string) (*ticket.Ticket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, phase, status, version, created_at, updated_at
		 FROM tickets WHERE id = $1`, id)

	t, err := scanTicket(row)
	if err != nil {
		return nil, notFoundWrap(err, "get ticket %s", id)
	}
	return &t, nil
}

func (s *Store) CreateTicket(ctx context.Context, req ticket.CreateRequest) (*ticket.Ticket, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tickets (title) VALUES ($1)
		 RETURNING id, title, phase, status, version, created_at, updated_at`,
		req.Title)

	t, err := scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return &t, nil
}

// UpdateTicketPhase advances a ticket under an optimistic version check so
// concurrent phase evaluations serialize through domain.ErrConflict.
func (s *Store) UpdateTicketPhase(ctx context.Context, id string, phase ticket.Phase, version int) error {
	status := ticket.StatusOpen
	if phase == ticket.PhaseDone {
		status = ticket.StatusClosed
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tickets SET phase = $2, status = $3, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $4`,
		id, string(phase), string(status), version)
	if err != nil {
		return fmt.Errorf("update ticket phase %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update ticket phase %s: %w", id, domain.ErrConflict)
	}
	return nil
}

func scanTicket(row scannable) (ticket.Ticket, error) {
	var t ticket.Ticket
	err := row.Scan(&t.ID, &t.Title, &t.Phase, &t.Status, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}
