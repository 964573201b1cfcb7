package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int `json:"runs_total"`
	RunsComplete int `json:"runs_complete"`
	RunsFailed   int `json:"runs_failed"`
	RunsRunning  int `json:"runs_running"`

	// Placement tallies aggregated over the window's runs.
	Processed    int     `json:"processed"`
	Assigned     int     `json:"assigned"`
	Created      int     `json:"created"`
	Escalated    int     `json:"escalated"`
	Fallbacks    int     `json:"fallbacks"`
	Rejected     int     `json:"rejected"`
	Unplaced     int     `json:"unplaced"`
	Relabeled    int     `json:"relabeled"`
	FallbackRate float64 `json:"fallback_rate"` // fallbacks / escalations

	// Queue depths and group inventory at collection time.
	PendingDepth     int                    `json:"pending_depth"`
	DLQDepth         int                    `json:"dlq_depth"`
	GroupsByCategory map[model.Category]int `json:"groups_by_category"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var agg model.RunSummary
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		agg.Add(r.Summary)
	}

	snap.Processed = agg.Processed
	snap.Assigned = agg.Assigned
	snap.Created = agg.Created
	snap.Escalated = agg.Escalated
	snap.Fallbacks = agg.Fallbacks
	snap.Rejected = agg.Rejected
	snap.Unplaced = agg.Unplaced
	snap.Relabeled = agg.Relabeled
	if snap.Escalated > 0 {
		snap.FallbackRate = float64(snap.Fallbacks) / float64(snap.Escalated)
	}

	pending, err := c.store.CountPending(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending")
	}
	snap.PendingDepth = pending

	dlqDepth, err := c.store.DLQDepth(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: dlq depth")
	}
	snap.DLQDepth = dlqDepth

	counts, err := c.store.GroupCountsByCategory(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: group counts")
	}
	snap.GroupsByCategory = counts

	return snap, nil
}
