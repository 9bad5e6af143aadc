package service

import (
	"context"

	"github.com/cordonlabs/cordon/internal/domain/anomaly"
	"github.com/cordonlabs/cordon/internal/port/database"
)

// ReadingConfirm is a second opinion drawn from durable state rather than the
// evaluator's in-memory streak: remediation only proceeds when the persisted
// reading history independently shows the full run at or above threshold.
// This guards against an evaluator restart mid-streak or a partitioned
// monitor acting on stale memory.
type ReadingConfirm struct {
	store       database.Store
	threshold   float64
	consecutive int
}

// NewReadingConfirm creates a confirmer over the persisted reading history.
func NewReadingConfirm(store database.Store, threshold float64, consecutive int) *ReadingConfirm {
	return &ReadingConfirm{store: store, threshold: threshold, consecutive: consecutive}
}

func (c *ReadingConfirm) Confirm(ctx context.Context, agentID string, _ anomaly.Reading) (bool, error) {
	readings, err := c.store.RecentReadings(ctx, agentID, c.consecutive)
	if err != nil {
		return false, err
	}
	if len(readings) < c.consecutive {
		return false, nil
	}
	for _, r := range readings {
		if r.Composite < c.threshold {
			return false, nil
		}
	}
	return true, nil
}
