package postgres

import (
	"context"
	"fmt"

	"github.com/cordonlabs/cordon/internal/domain/anomaly"
)

func (s *Store) AppendReading(ctx context.Context, r anomaly.Reading) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO anomaly_readings (agent_id, at, latency_z, error_rate, resource_skew, queue_impact, composite)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.AgentID, r.At, r.LatencyZ, r.ErrorRate, r.ResourceSkew, r.QueueImpact, r.Composite)
	if err != nil {
		return fmt.Errorf("append reading for %s: %w", r.AgentID, err)
	}
	return nil
}

// RecentReadings returns up to limit readings for the agent, newest first.
func (s *Store) RecentReadings(ctx context.Context, agentID string, limit int) ([]anomaly.Reading, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, at, latency_z, error_rate, resource_skew, queue_impact, composite
		 FROM anomaly_readings WHERE agent_id = $1 ORDER BY at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent readings for %s: %w", agentID, err)
	}
	defer rows.Close()

	var readings []anomaly.Reading
	for rows.Next() {
		var r anomaly.Reading
		if err := rows.Scan(&r.AgentID, &r.At, &r.LatencyZ, &r.ErrorRate, &r.ResourceSkew, &r.QueueImpact, &r.Composite); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// PruneReadings drops readings past the newest keep rows for the agent.
func (s *Store) PruneReadings(ctx context.Context, agentID string, keep int) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM anomaly_readings
		 WHERE agent_id = $1 AND at < (
		   SELECT coalesce(min(at), 'infinity'::timestamptz) FROM (
		     SELECT at FROM anomaly_readings WHERE agent_id = $1 ORDER BY at DESC LIMIT $2
		   ) newest
		 )`,
		agentID, keep)
	if err != nil {
		return fmt.Errorf("prune readings for %s: %w", agentID, err)
	}
	return nil
}
