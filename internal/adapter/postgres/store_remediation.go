package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordonlabs/cordon/internal/domain/remediation"
)

func (s *Store) CreateRestartEvent(ctx context.Context, ev remediation.RestartEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO restart_events (id, agent_id, lineage_id, replacement_id, reason, graceful_stop_ms, forced, reassigned_tasks, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.AgentID, ev.LineageID, nullIfEmpty(ev.ReplacementID), ev.Reason,
		ev.GracefulStop.Milliseconds(), ev.Forced, pgTextArray(ev.ReassignedTasks), ev.At)
	if err != nil {
		return fmt.Errorf("create restart event: %w", err)
	}
	return nil
}

// ListRestartEvents returns the restart history for a lineage since the given
// instant, newest first. The budget window check reads from here.
func (s *Store) ListRestartEvents(ctx context.Context, lineageID string, since time.Time) ([]remediation.RestartEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, lineage_id, replacement_id, reason, graceful_stop_ms, forced, reassigned_tasks, at
		 FROM restart_events WHERE lineage_id = $1 AND at >= $2 ORDER BY at DESC`,
		lineageID, since)
	if err != nil {
		return nil, fmt.Errorf("list restart events: %w", err)
	}
	defer rows.Close()

	var events []remediation.RestartEvent
	for rows.Next() {
		var ev remediation.RestartEvent
		var replacementID *string
		var gracefulMS int64
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.LineageID, &replacementID, &ev.Reason,
			&gracefulMS, &ev.Forced, &ev.ReassignedTasks, &ev.At); err != nil {
			return nil, fmt.Errorf("scan restart event: %w", err)
		}
		if replacementID != nil {
			ev.ReplacementID = *replacementID
		}
		ev.GracefulStop = time.Duration(gracefulMS) * time.Millisecond
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) CreateEscalation(ctx context.Context, n remediation.EscalationNotice) error {
	snapshotJSON, err := json.Marshal(n.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	var ackBy *time.Time
	if !n.AckBy.IsZero() {
		ackBy = &n.AckBy
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO escalation_notices (id, severity, agent_ids, summary, trace_ids, snapshot, created_at, ack_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, string(n.Severity), pgTextArray(n.AgentIDs), n.Summary, pgTextArray(n.TraceIDs), snapshotJSON, n.CreatedAt, ackBy)
	if err != nil {
		return fmt.Errorf("create escalation: %w", err)
	}
	return nil
}

func (s *Store) ListEscalations(ctx context.Context, unacknowledgedOnly bool) ([]remediation.EscalationNotice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, severity, agent_ids, summary, trace_ids, snapshot, created_at, ack_by, acknowledged_at, acknowledged_by
		 FROM escalation_notices
		 WHERE NOT $1 OR acknowledged_at IS NULL
		 ORDER BY created_at DESC`,
		unacknowledgedOnly)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var notices []remediation.EscalationNotice
	for rows.Next() {
		var n remediation.EscalationNotice
		var snapshotJSON []byte
		var ackBy, ackAt *time.Time
		var ackActor *string
		if err := rows.Scan(&n.ID, &n.Severity, &n.AgentIDs, &n.Summary, &n.TraceIDs,
			&snapshotJSON, &n.CreatedAt, &ackBy, &ackAt, &ackActor); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		if snapshotJSON != nil {
			if err := json.Unmarshal(snapshotJSON, &n.Snapshot); err != nil {
				return nil, fmt.Errorf("unmarshal snapshot: %w", err)
			}
		}
		if ackBy != nil {
			n.AckBy = *ackBy
		}
		if ackAt != nil {
			n.AcknowledgedAt = *ackAt
		}
		if ackActor != nil {
			n.AcknowledgedBy = *ackActor
		}
		notices = append(notices, n)
	}
	return notices, rows.Err()
}

func (s *Store) AcknowledgeEscalation(ctx context.Context, id, actor string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE escalation_notices SET acknowledged_at = $2, acknowledged_by = $3
		 WHERE id = $1 AND acknowledged_at IS NULL`,
		id, at, actor)
	return execExpectOne(tag, err, "acknowledge escalation %s", id)
}

func (s *Store) CreateEvidenceBundle(ctx context.Context, b remediation.EvidenceBundle) error {
	metricsJSON, err := json.Marshal(b.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO evidence_bundles (id, agent_id, reason, events, log_tail, metrics, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.AgentID, b.Reason, pgTextArray(b.Events), pgTextArray(b.LogTail), metricsJSON, b.CapturedAt)
	if err != nil {
		return fmt.Errorf("create evidence bundle: %w", err)
	}
	return nil
}

func (s *Store) CreateQuarantine(ctx context.Context, q remediation.QuarantineRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quarantine_records (id, agent_id, reason, evidence_bundle_id, initiated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		q.ID, q.AgentID, q.Reason, nullIfEmpty(q.EvidenceBundleID), q.InitiatedAt)
	if err != nil {
		return fmt.Errorf("create quarantine: %w", err)
	}
	return nil
}

// OpenQuarantine returns the agent's uncleared quarantine record, if any.
func (s *Store) OpenQuarantine(ctx context.Context, agentID string) (*remediation.QuarantineRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, reason, evidence_bundle_id, initiated_at, cleared_at, cleared_by, clearance_note
		 FROM quarantine_records
		 WHERE agent_id = $1 AND cleared_at IS NULL
		 ORDER BY initiated_at DESC LIMIT 1`,
		agentID)

	var q remediation.QuarantineRecord
	var bundleID, clearedBy, note *string
	var clearedAt *time.Time
	err := row.Scan(&q.ID, &q.AgentID, &q.Reason, &bundleID, &q.InitiatedAt, &clearedAt, &clearedBy, &note)
	if err != nil {
		return nil, notFoundWrap(err, "open quarantine for %s", agentID)
	}
	if bundleID != nil {
		q.EvidenceBundleID = *bundleID
	}
	if clearedAt != nil {
		q.ClearedAt = *clearedAt
	}
	if clearedBy != nil {
		q.ClearedBy = *clearedBy
	}
	if note != nil {
		q.ClearanceNote = *note
	}
	return &q, nil
}

func (s *Store) ClearQuarantine(ctx context.Context, id, actor, note string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quarantine_records SET cleared_at = $2, cleared_by = $3, clearance_note = $4
		 WHERE id = $1 AND cleared_at IS NULL`,
		id, at, actor, note)
	return execExpectOne(tag, err, "clear quarantine %s", id)
}
