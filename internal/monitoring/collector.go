// Package monitoring tracks resolution quality across stored batches and
// raises webhook alerts when it degrades.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finmetrics/internal/store"
)

// MetricsSnapshot holds a point-in-time view of resolution quality.
type MetricsSnapshot struct {
	// Batch totals (within lookback window).
	Batches      int `json:"batches"`
	Observations int `json:"observations"`
	Mapped       int `json:"mapped"`
	Unmapped     int `json:"unmapped"`
	Calculated   int `json:"calculated"`
	Gaps         int `json:"gaps"`

	UnmappedRate float64 `json:"unmapped_rate"`

	// Validation outcomes. Skipped rules are not counted as run.
	ValidationsRun     int     `json:"validations_run"`
	ValidationsFailed  int     `json:"validations_failed"`
	ValidationsErrored int     `json:"validations_errored"`
	ValidationFailRate float64 `json:"validation_fail_rate"`

	// Entity with the most gaps in the window.
	WorstEntity     string `json:"worst_entity,omitempty"`
	WorstEntityGaps int    `json:"worst_entity_gaps,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BatchLister is the part of store.Store the collector reads.
type BatchLister interface {
	ListBatches(ctx context.Context, filter store.BatchFilter) ([]store.BatchRecord, error)
}

// Collector gathers quality metrics from stored batch summaries.
type Collector struct {
	batches BatchLister
	now     func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(batches BatchLister) *Collector {
	return &Collector{batches: batches, now: time.Now}
}

const collectLimit = 10000

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	recs, err := c.batches.ListBatches(ctx, store.BatchFilter{
		CompletedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:          collectLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batches")
	}

	gapsByEntity := make(map[string]int)
	for _, r := range recs {
		s := r.Summary
		snap.Batches++
		snap.Observations += s.Observations
		snap.Mapped += s.Mapped
		snap.Unmapped += s.Unmapped
		snap.Calculated += s.Calculated
		snap.Gaps += s.Gaps
		snap.ValidationsRun += s.Passed + s.Failed + s.Errored
		snap.ValidationsFailed += s.Failed
		snap.ValidationsErrored += s.Errored
		gapsByEntity[r.Entity] += s.Gaps
	}

	if labels := snap.Mapped + snap.Unmapped; labels > 0 {
		snap.UnmappedRate = float64(snap.Unmapped) / float64(labels)
	}
	if snap.ValidationsRun > 0 {
		snap.ValidationFailRate = float64(snap.ValidationsFailed) / float64(snap.ValidationsRun)
	}
	for entity, gaps := range gapsByEntity {
		if gaps > snap.WorstEntityGaps || (gaps == snap.WorstEntityGaps && gaps > 0 && entity < snap.WorstEntity) {
			snap.WorstEntity = entity
			snap.WorstEntityGaps = gaps
		}
	}

	return snap, nil
}
