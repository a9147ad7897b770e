package validate

import (
	"sort"

	"github.com/sells-group/finmetrics/internal/model"
)

// Catalog describes canonical metrics. An ontology snapshot satisfies it.
type Catalog interface {
	Metric(id string) (model.CanonicalMetric, bool)
}

// MetricSet is the read-only view a rule gets: the metrics of one (entity,
// period) group plus the entity's metrics in other periods.
type MetricSet struct {
	Entity string
	Period model.Period

	values  map[string]model.ResolvedMetric
	history []model.ResolvedMetric
	catalog Catalog
	epsilon float64
}

// Get returns the metric with the given id.
func (s *MetricSet) Get(id string) (model.ResolvedMetric, bool) {
	rm, ok := s.values[id]
	return rm, ok
}

// Value returns the value of a metric.
func (s *MetricSet) Value(id string) (float64, bool) {
	rm, ok := s.values[id]
	return rm.Value, ok
}

// Missing returns the ids from ids that are not in the set.
func (s *MetricSet) Missing(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if _, ok := s.values[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// IDs returns the metric ids in the set, sorted.
func (s *MetricSet) IDs() []string {
	out := make([]string, 0, len(s.values))
	for id := range s.values {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Definition returns the canonical definition of a metric.
func (s *MetricSet) Definition(id string) (model.CanonicalMetric, bool) {
	if s.catalog == nil {
		return model.CanonicalMetric{}, false
	}
	return s.catalog.Metric(id)
}

// Select returns the metrics whose definition satisfies keep, sorted by id.
func (s *MetricSet) Select(keep func(model.CanonicalMetric) bool) []model.ResolvedMetric {
	var out []model.ResolvedMetric
	for _, id := range s.IDs() {
		def, ok := s.Definition(id)
		if ok && keep(def) {
			out = append(out, s.values[id])
		}
	}
	return out
}

// History returns the entity's values of a metric in other periods.
func (s *MetricSet) History(id string) []model.ResolvedMetric {
	var out []model.ResolvedMetric
	for _, rm := range s.history {
		if rm.MetricID == id {
			out = append(out, rm)
		}
	}
	return out
}

// Epsilon is the floor used for relative-error denominators.
func (s *MetricSet) Epsilon() float64 {
	return s.epsilon
}
