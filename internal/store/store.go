// Package store persists batch results and the metrics they resolved.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finmetrics/internal/pipeline"
)

// ErrNotFound is returned when a batch does not exist.
var ErrNotFound = errors.New("store: not found")

// BatchFilter specifies criteria for listing batches.
type BatchFilter struct {
	Entity         string    `json:"entity,omitempty"`
	CompletedAfter time.Time `json:"completed_after,omitzero"`
	Limit          int       `json:"limit,omitempty"`
	Offset         int       `json:"offset,omitempty"`
}

// BatchRecord is the listing view of a stored batch.
type BatchRecord struct {
	ID              string           `json:"id"`
	Entity          string           `json:"entity"`
	Period          string           `json:"period"`
	OntologyVersion string           `json:"ontology_version"`
	Profile         string           `json:"profile"`
	Summary         pipeline.Summary `json:"summary"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     time.Time        `json:"completed_at"`
}

// MetricRecord is one stored resolved metric.
type MetricRecord struct {
	BatchID     string    `json:"batch_id"`
	MetricID    string    `json:"metric_id"`
	Entity      string    `json:"entity"`
	Period      string    `json:"period"`
	Value       float64   `json:"value"`
	Confidence  float64   `json:"confidence"`
	Origin      string    `json:"origin"`
	Citation    string    `json:"citation"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store defines the persistence interface for batch results. Every Store is
// a pipeline.Sink.
type Store interface {
	SaveBatch(ctx context.Context, res *pipeline.BatchResult) error
	GetBatch(ctx context.Context, id string) (*pipeline.BatchResult, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]BatchRecord, error)
	// MetricHistory lists every stored value of a metric for an entity,
	// newest batch first.
	MetricHistory(ctx context.Context, entity, metricID string) ([]MetricRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

var _ pipeline.Sink = Store(nil)

const defaultListLimit = 100

// encodeBatch marshals the pieces of a result that are stored as JSON.
func encodeBatch(res *pipeline.BatchResult) (summary, payload []byte, err error) {
	if res == nil || res.ID == "" {
		return nil, nil, eris.New("store: batch result has no id")
	}
	summary, err = json.Marshal(res.Summary())
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal summary")
	}
	payload, err = json.Marshal(res)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal result")
	}
	return summary, payload, nil
}

// metricRows flattens the resolved metrics of res, citing each through the
// result's sources.
func metricRows(res *pipeline.BatchResult) []MetricRecord {
	out := make([]MetricRecord, 0, len(res.Metrics))
	for _, m := range res.Metrics {
		out = append(out, MetricRecord{
			BatchID:     res.ID,
			MetricID:    m.MetricID,
			Entity:      m.Entity,
			Period:      m.Period.String(),
			Value:       m.Value,
			Confidence:  m.Confidence,
			Origin:      string(m.Origin),
			Citation:    res.Sources[m.Provenance].Citation,
			CompletedAt: res.CompletedAt,
		})
	}
	return out
}

func limitOf(f BatchFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
