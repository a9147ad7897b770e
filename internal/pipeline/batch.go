package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/provenance"
)

// Batch is a set of raw observations resolved together. Entity and Period are
// defaults for observations that do not carry their own.
type Batch struct {
	ID           string                 `json:"id"`
	Entity       string                 `json:"entity"`
	Period       model.Period           `json:"period"`
	Profile      string                 `json:"profile,omitempty"`
	Observations []model.RawObservation `json:"observations"`
}

// NewBatch creates a batch with a fresh id.
func NewBatch(entity string, period model.Period, obs []model.RawObservation) Batch {
	return Batch{
		ID:           uuid.New().String(),
		Entity:       entity,
		Period:       period,
		Observations: obs,
	}
}

// Stage names, in execution order.
const (
	StageEmbed     = "embed"
	StageMatch     = "match"
	StageObserve   = "observe"
	StageCalculate = "calculate"
	StageValidate  = "validate"
)

// StageResult records how one stage of a batch went.
type StageResult struct {
	Name     string `json:"name"`
	Duration int64  `json:"duration_ms"`
	Items    int    `json:"items"`
	Error    string `json:"error,omitempty"`
}

// Source is the self-contained provenance of one resolved metric.
type Source struct {
	Citation string               `json:"citation"`
	Tree     *provenance.Location `json:"tree"`
}

// BatchResult is everything a batch produced. Provenance handles in Metrics
// index into Sources; the arena itself is not serialized.
type BatchResult struct {
	ID              string                    `json:"id"`
	Entity          string                    `json:"entity"`
	Period          model.Period              `json:"period"`
	OntologyVersion string                    `json:"ontology_version"`
	Profile         string                    `json:"profile"`
	StartedAt       time.Time                 `json:"started_at"`
	CompletedAt     time.Time                 `json:"completed_at"`
	Observations    int                       `json:"observations"`
	Mappings        []model.MappingResult     `json:"mappings"`
	Metrics         []model.ResolvedMetric    `json:"metrics"`
	Errors          []model.CalculationError  `json:"errors,omitempty"`
	Validations     []model.ValidationResult  `json:"validations"`
	Gaps            []model.Gap               `json:"gaps,omitempty"`
	Sources         map[provenance.Ref]Source `json:"sources"`
	Stages          []StageResult             `json:"stages"`

	Provenance *provenance.Builder `json:"-"`
}

// Summary counts the outcome of a batch.
type Summary struct {
	Observations int `json:"observations"`
	Mapped       int `json:"mapped"`
	Unmapped     int `json:"unmapped"`
	Observed     int `json:"observed"`
	Calculated   int `json:"calculated"`
	Gaps         int `json:"gaps"`
	Passed       int `json:"passed"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	Errored      int `json:"errored"`
}

// Summary tallies the result.
func (r *BatchResult) Summary() Summary {
	s := Summary{Observations: r.Observations, Gaps: len(r.Gaps)}
	for _, m := range r.Mappings {
		if m.Mapped() {
			s.Mapped++
		} else {
			s.Unmapped++
		}
	}
	for _, m := range r.Metrics {
		if m.Origin == model.OriginCalculated {
			s.Calculated++
		} else {
			s.Observed++
		}
	}
	for _, v := range r.Validations {
		switch v.Status {
		case model.StatusPassed:
			s.Passed++
		case model.StatusFailed:
			s.Failed++
		case model.StatusSkipped:
			s.Skipped++
		case model.StatusError:
			s.Errored++
		}
	}
	return s
}

// Metric returns the resolved metric with the given key fields.
func (r *BatchResult) Metric(id, entity string, period model.Period) (model.ResolvedMetric, bool) {
	want := model.MetricKey{MetricID: id, Entity: entity, Period: period.String()}
	for _, m := range r.Metrics {
		if m.Key() == want {
			return m, true
		}
	}
	return model.ResolvedMetric{}, false
}
