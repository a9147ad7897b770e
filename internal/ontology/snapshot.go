package ontology

import (
	"fmt"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/sells-group/finmetrics/internal/formula"
	"github.com/sells-group/finmetrics/internal/model"
)

var generations atomic.Uint64

// SynonymEntry pairs a normalized synonym with the metric it names.
type SynonymEntry struct {
	Normalized string
	MetricID   string
}

// Snapshot is an immutable, fully indexed ontology. All methods are safe for
// concurrent use without locking.
type Snapshot struct {
	version    string
	generation uint64

	metrics        map[string]model.CanonicalMetric
	ids            []string
	synonyms       map[string]string
	entries        []SynonymEntry
	formulas       map[string]*formula.Expr
	representative map[string]string
	embeddings     map[string][]float32
	ruleIDs        []string
}

// Build validates doc and indexes it into a Snapshot. Every problem found is
// reported in a single *ValidationError.
func Build(doc *Document) (*Snapshot, error) {
	problems := structProblems(doc)

	s := &Snapshot{
		version:        doc.Version,
		generation:     generations.Add(1),
		metrics:        make(map[string]model.CanonicalMetric, len(doc.Metrics)),
		synonyms:       make(map[string]string),
		formulas:       make(map[string]*formula.Expr),
		representative: make(map[string]string, len(doc.Metrics)),
		embeddings:     make(map[string][]float32),
	}

	for _, d := range doc.Metrics {
		if d.ID == "" {
			continue
		}
		if _, dup := s.metrics[d.ID]; dup {
			problems = append(problems, fmt.Sprintf("metric %s: duplicate id", d.ID))
			continue
		}
		s.metrics[d.ID] = model.CanonicalMetric{
			ID:              d.ID,
			Category:        model.Category(d.Category),
			UnitType:        model.UnitType(d.UnitType),
			Synonyms:        slices.Clone(d.Synonyms),
			Formula:         d.Formula,
			ValidationRules: slices.Clone(d.ValidationRules),
			Description:     d.Description,
			BaseMetric:      d.BaseMetric,
		}
		s.ids = append(s.ids, d.ID)

		rep := d.Representative
		if rep == "" && len(d.Synonyms) > 0 {
			rep = d.Synonyms[0]
		}
		if rep == "" {
			rep = idLabel(d.ID)
		}
		s.representative[d.ID] = rep
		if len(d.Embedding) > 0 {
			s.embeddings[d.ID] = slices.Clone(d.Embedding)
		}
	}
	sort.Strings(s.ids)

	// Synonyms. The id itself is an implicit synonym.
	for _, d := range doc.Metrics {
		if _, ok := s.metrics[d.ID]; !ok {
			continue
		}
		labels := append([]string{idLabel(d.ID)}, d.Synonyms...)
		for _, label := range labels {
			n := Normalize(label)
			if n == "" {
				problems = append(problems, fmt.Sprintf("metric %s: synonym %q normalizes to nothing", d.ID, label))
				continue
			}
			owner, taken := s.synonyms[n]
			switch {
			case !taken:
				s.synonyms[n] = d.ID
			case owner != d.ID:
				problems = append(problems, fmt.Sprintf("metric %s: synonym %q already belongs to %s", d.ID, label, owner))
			}
		}
	}
	for n, id := range s.synonyms {
		s.entries = append(s.entries, SynonymEntry{Normalized: n, MetricID: id})
	}
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].Normalized < s.entries[j].Normalized
	})

	// Formulas and references.
	rules := make(map[string]bool)
	for _, id := range s.ids {
		m := s.metrics[id]
		for _, r := range m.ValidationRules {
			rules[r] = true
		}
		if m.BaseMetric != "" {
			if _, ok := s.metrics[m.BaseMetric]; !ok {
				problems = append(problems, fmt.Sprintf("metric %s: unknown base metric %s", id, m.BaseMetric))
			}
		}
		if !m.HasFormula() {
			continue
		}
		expr, err := formula.Parse(m.Formula)
		if err != nil {
			problems = append(problems, fmt.Sprintf("metric %s: %v", id, err))
			continue
		}
		for _, op := range expr.Operands() {
			if slices.Contains(expr.FreeTextOperands(), op) {
				continue
			}
			if _, ok := s.metrics[op]; !ok {
				problems = append(problems, fmt.Sprintf("metric %s: formula references unknown metric %s", id, op))
			}
		}
		s.formulas[id] = expr
	}
	for r := range rules {
		s.ruleIDs = append(s.ruleIDs, r)
	}
	sort.Strings(s.ruleIDs)

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return s, nil
}

// Version is the document version declared in the ontology file.
func (s *Snapshot) Version() string { return s.version }

// Generation increases with every snapshot built in this process. Caches key
// on it so that a reload invalidates them.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Metric returns a copy of the metric with the given id.
func (s *Snapshot) Metric(id string) (model.CanonicalMetric, bool) {
	m, ok := s.metrics[id]
	if !ok {
		return model.CanonicalMetric{}, false
	}
	return m.Clone(), true
}

// Metrics returns copies of all metrics sorted by id.
func (s *Snapshot) Metrics() []model.CanonicalMetric {
	out := make([]model.CanonicalMetric, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.metrics[id].Clone())
	}
	return out
}

// IDs returns all metric ids in sorted order.
func (s *Snapshot) IDs() []string {
	return slices.Clone(s.ids)
}

// Lookup finds the metric for an already normalized label.
func (s *Snapshot) Lookup(normalized string) (string, bool) {
	id, ok := s.synonyms[normalized]
	return id, ok
}

// Synonyms returns every normalized synonym sorted by text. The slice is
// shared; callers must not modify it.
func (s *Snapshot) Synonyms() []SynonymEntry {
	return s.entries
}

// Formulas returns the metrics that carry a formula, sorted by id.
func (s *Snapshot) Formulas() []model.CanonicalMetric {
	var out []model.CanonicalMetric
	for _, id := range s.ids {
		if _, ok := s.formulas[id]; ok {
			out = append(out, s.metrics[id].Clone())
		}
	}
	return out
}

// Formula returns the parsed formula of a metric.
func (s *Snapshot) Formula(id string) (*formula.Expr, bool) {
	e, ok := s.formulas[id]
	return e, ok
}

// Representative returns the text embedded for the metric.
func (s *Snapshot) Representative(id string) string {
	return s.representative[id]
}

// Embedding returns the representative embedding of a metric, if any.
func (s *Snapshot) Embedding(id string) ([]float32, bool) {
	e, ok := s.embeddings[id]
	return e, ok
}

// HasEmbeddings reports whether any metric carries an embedding.
func (s *Snapshot) HasEmbeddings() bool {
	return len(s.embeddings) > 0
}

// RuleIDs returns every validation rule id referenced by a metric, sorted.
func (s *Snapshot) RuleIDs() []string {
	return slices.Clone(s.ruleIDs)
}

// WithEmbeddings returns a new snapshot that adds the given representative
// embeddings. The receiver is left untouched.
func (s *Snapshot) WithEmbeddings(vectors map[string][]float32) *Snapshot {
	c := *s
	c.generation = generations.Add(1)
	c.embeddings = make(map[string][]float32, len(s.embeddings)+len(vectors))
	for id, v := range s.embeddings {
		c.embeddings[id] = v
	}
	for id, v := range vectors {
		if _, ok := s.metrics[id]; ok && len(v) > 0 {
			c.embeddings[id] = slices.Clone(v)
		}
	}
	return &c
}
