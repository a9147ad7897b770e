package model

import (
	"time"

	"github.com/sells-group/finmetrics/internal/provenance"
)

// RawObservation is a labelled value as extracted from a source document.
// Observations are never mutated after extraction.
type RawObservation struct {
	RawLabel string `json:"raw_label"`
	// RawValue is the value text before normalization ("1.234,5", "(500)", "12%").
	RawValue string `json:"raw_value,omitempty"`
	// Value is set when the extractor already produced a number.
	Value                *float64 `json:"value,omitempty"`
	DocumentRef          string   `json:"document_ref"`
	ExtractionConfidence float64  `json:"extraction_confidence"`
	// Entity and Period override the batch defaults when set.
	Entity string `json:"entity,omitempty"`
	Period Period `json:"period"`
}

// MatchType records which matching stage produced a candidate.
type MatchType string

// Match types, highest priority first.
const (
	MatchExact    MatchType = "exact"
	MatchFuzzy    MatchType = "fuzzy"
	MatchSemantic MatchType = "semantic"
	MatchPattern  MatchType = "pattern"
)

// Priority orders match types for tie-breaking; lower wins.
func (t MatchType) Priority() int {
	switch t {
	case MatchExact:
		return 0
	case MatchFuzzy:
		return 1
	case MatchSemantic:
		return 2
	case MatchPattern:
		return 3
	default:
		return 4
	}
}

// Alternative is a ranked candidate considered for a raw label.
type Alternative struct {
	MetricID   string    `json:"metric_id"`
	Confidence float64   `json:"confidence"`
	MatchType  MatchType `json:"match_type"`
}

// MappingResult is the outcome of matching one raw label. An empty
// CanonicalMetricID means the label is unmapped, which is a normal terminal
// state.
type MappingResult struct {
	RawLabel          string        `json:"raw_label"`
	CanonicalMetricID string        `json:"canonical_metric_id,omitempty"`
	Confidence        float64       `json:"confidence"`
	MatchType         MatchType     `json:"match_type,omitempty"`
	Alternatives      []Alternative `json:"alternatives,omitempty"`
}

// Mapped reports whether a canonical metric was selected.
func (r MappingResult) Mapped() bool {
	return r.CanonicalMetricID != ""
}

// Origin says whether a resolved value was read or computed.
type Origin string

// Origins.
const (
	OriginObserved   Origin = "observed"
	OriginCalculated Origin = "calculated"
)

// MetricKey identifies a value slot. At most one ResolvedMetric may occupy a
// key per resolution run.
type MetricKey struct {
	MetricID string
	Entity   string
	Period   string
}

// GroupKey identifies the (entity, period) group a metric belongs to.
type GroupKey struct {
	Entity string
	Period string
}

// ResolvedMetric is a canonical metric value with its confidence and source.
type ResolvedMetric struct {
	MetricID   string         `json:"metric_id"`
	Entity     string         `json:"entity,omitempty"`
	Period     Period         `json:"period"`
	Value      float64        `json:"value"`
	Confidence float64        `json:"confidence"`
	Provenance provenance.Ref `json:"provenance"`
	Origin     Origin         `json:"origin"`
	// SourceLabel is the raw label an observed value was read under.
	SourceLabel string              `json:"source_label,omitempty"`
	Lineage     *CalculationLineage `json:"lineage,omitempty"`
}

// Key returns the value slot of m.
func (m ResolvedMetric) Key() MetricKey {
	return MetricKey{MetricID: m.MetricID, Entity: m.Entity, Period: m.Period.String()}
}

// Group returns the (entity, period) group of m.
func (m ResolvedMetric) Group() GroupKey {
	return GroupKey{Entity: m.Entity, Period: m.Period.String()}
}

// LineageInput is one operand value used by a calculation.
type LineageInput struct {
	MetricID   string         `json:"metric_id"`
	Value      float64        `json:"value"`
	Confidence float64        `json:"confidence"`
	Provenance provenance.Ref `json:"provenance"`
}

// CalculationLineage records how a calculated value was produced. It is owned
// by the ResolvedMetric it produced.
type CalculationLineage struct {
	OutputMetricID string `json:"output_metric_id"`
	// Formula is the symbolic expression, e.g. "gross_margin = revenue - cogs".
	Formula string `json:"formula"`
	// Substituted shows the operand values, e.g. "gross_margin = 1000 - 600 = 400".
	Substituted string         `json:"substituted"`
	Inputs      []LineageInput `json:"inputs"`
	Confidence  float64        `json:"confidence"`
	ComputedAt  time.Time      `json:"computed_at"`
}
