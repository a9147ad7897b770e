// Package calc derives metrics from formulas over already resolved metrics,
// recording lineage and provenance for every computed value.
package calc

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/finmetrics/internal/formula"
	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/provenance"
)

// DefaultDiscount is the reliability factor applied to every derivation.
const DefaultDiscount = 0.95

// OperandResolver maps a free-text formula operand to a metric id.
type OperandResolver interface {
	ResolveOperand(text string) (string, bool)
}

// Engine evaluates formulas. It keeps no state between ResolveAll calls apart
// from its configuration and the provenance arena it writes to.
type Engine struct {
	prov     *provenance.Builder
	resolver OperandResolver
	discount float64
	now      time.Time // injectable for testing
}

// NewEngine creates an engine that records derivations in prov.
func NewEngine(prov *provenance.Builder) *Engine {
	return &Engine{
		prov:     prov,
		discount: DefaultDiscount,
		now:      time.Now().UTC(),
	}
}

// WithNow sets the computation timestamp written to lineage.
func (e *Engine) WithNow(t time.Time) *Engine {
	e.now = t
	return e
}

// WithDiscount sets the formula reliability discount. Values outside (0, 1]
// are ignored.
func (e *Engine) WithDiscount(d float64) *Engine {
	if d > 0 && d <= 1 {
		e.discount = d
	}
	return e
}

// WithResolver sets the resolver for free-text operands.
func (e *Engine) WithResolver(r OperandResolver) *Engine {
	e.resolver = r
	return e
}

type compiled struct {
	metric model.CanonicalMetric
	expr   *formula.Expr
}

type group struct {
	key    model.GroupKey
	period model.Period
	values map[string]model.ResolvedMetric
	// conflicted marks ids whose observed values disagreed.
	conflicted map[string]bool
}

// ResolveAll computes every formula metric it can for each (entity, period)
// group of known. It returns the reconciled known metrics plus the calculated
// ones, sorted by entity, period and id, and every metric it could not
// produce. A problem with one metric never stops the others.
func (e *Engine) ResolveAll(known []model.ResolvedMetric, formulas []model.CanonicalMetric) ([]model.ResolvedMetric, []model.CalculationError) {
	var errs []model.CalculationError

	programs, compileErrs := e.compile(formulas)
	errs = append(errs, compileErrs...)

	deps := make(map[string][]string, len(programs))
	for id, p := range programs {
		deps[id] = p.expr.Operands()
	}
	g := newGraph(deps)

	cyclic := make(map[string]bool)
	for _, scc := range g.cycles() {
		for _, id := range scc {
			cyclic[id] = true
			errs = append(errs, model.CalculationError{
				MetricID: id,
				Kind:     model.IssueCyclicDependency,
				Cycle:    scc,
				Message:  "formula depends on itself through " + strings.Join(scc, " -> "),
			})
		}
	}
	order := g.order(cyclic)

	groups, reconcileErrs := e.reconcile(known)
	errs = append(errs, reconcileErrs...)

	var out []model.ResolvedMetric
	for _, grp := range groups {
		for _, id := range order {
			p := programs[id]
			if _, observed := grp.values[id]; observed || grp.conflicted[id] {
				zap.L().Debug("calc: observed value shadows formula",
					zap.String("metric", id),
					zap.String("entity", grp.key.Entity),
					zap.String("period", grp.key.Period),
				)
				continue
			}
			rm, cerr := e.evaluate(grp, p)
			if cerr != nil {
				errs = append(errs, *cerr)
				continue
			}
			grp.values[id] = rm
		}
		for _, rm := range grp.values {
			out = append(out, rm)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.MetricID < b.MetricID
	})
	sort.SliceStable(errs, func(i, j int) bool {
		a, b := errs[i], errs[j]
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		if a.MetricID != b.MetricID {
			return a.MetricID < b.MetricID
		}
		return a.Kind < b.Kind
	})
	return out, errs
}

// compile parses every formula and resolves free-text operands.
func (e *Engine) compile(formulas []model.CanonicalMetric) (map[string]compiled, []model.CalculationError) {
	programs := make(map[string]compiled, len(formulas))
	var errs []model.CalculationError
	for _, m := range formulas {
		if !m.HasFormula() {
			continue
		}
		expr, err := formula.Parse(m.Formula)
		if err != nil {
			errs = append(errs, model.CalculationError{
				MetricID: m.ID,
				Kind:     model.IssueInvalidFormula,
				Message:  err.Error(),
			})
			continue
		}
		if free := expr.FreeTextOperands(); len(free) > 0 {
			resolved, unresolved := e.resolveFreeText(free)
			if len(unresolved) > 0 {
				errs = append(errs, model.CalculationError{
					MetricID: m.ID,
					Kind:     model.IssueInvalidFormula,
					Missing:  unresolved,
					Message:  "cannot resolve operand " + strings.Join(unresolved, ", "),
				})
				continue
			}
			expr = expr.Rename(func(name string, freeText bool) string {
				if freeText {
					return resolved[name]
				}
				return name
			})
		}
		programs[m.ID] = compiled{metric: m, expr: expr}
	}
	return programs, errs
}

func (e *Engine) resolveFreeText(labels []string) (map[string]string, []string) {
	resolved := make(map[string]string, len(labels))
	var unresolved []string
	for _, l := range labels {
		if e.resolver == nil {
			unresolved = append(unresolved, l)
			continue
		}
		id, ok := e.resolver.ResolveOperand(l)
		if !ok {
			unresolved = append(unresolved, l)
			continue
		}
		resolved[l] = id
	}
	return resolved, unresolved
}

// reconcile groups known metrics by (entity, period). Duplicates that agree
// collapse to the most confident one; duplicates that disagree are reported
// as conflicts and dropped. Values with broken provenance are dropped.
func (e *Engine) reconcile(known []model.ResolvedMetric) ([]*group, []model.CalculationError) {
	byKey := make(map[model.MetricKey][]model.ResolvedMetric)
	groups := make(map[model.GroupKey]*group)
	for _, rm := range known {
		gk := rm.Group()
		if _, ok := groups[gk]; !ok {
			groups[gk] = &group{
				key:        gk,
				period:     rm.Period,
				values:     make(map[string]model.ResolvedMetric),
				conflicted: make(map[string]bool),
			}
		}
		byKey[rm.Key()] = append(byKey[rm.Key()], rm)
	}

	var errs []model.CalculationError
	for key, list := range byKey {
		grp := groups[model.GroupKey{Entity: key.Entity, Period: key.Period}]

		var usable []model.ResolvedMetric
		for _, rm := range list {
			if !e.prov.IsComplete(rm.Provenance) {
				errs = append(errs, model.CalculationError{
					MetricID: key.MetricID,
					Entity:   key.Entity,
					Period:   key.Period,
					Kind:     model.IssueIncompleteProvenance,
					Message:  fmt.Sprintf("value %s has no complete source location", formula.FormatNumber(rm.Value)),
				})
				continue
			}
			usable = append(usable, rm)
		}
		if len(usable) == 0 {
			continue
		}

		sort.Slice(usable, func(i, j int) bool {
			if usable[i].Confidence != usable[j].Confidence {
				return usable[i].Confidence > usable[j].Confidence
			}
			return usable[i].Provenance < usable[j].Provenance
		})
		if vals := distinctValues(usable); len(vals) > 1 {
			grp.conflicted[key.MetricID] = true
			errs = append(errs, model.CalculationError{
				MetricID: key.MetricID,
				Entity:   key.Entity,
				Period:   key.Period,
				Kind:     model.IssueConflict,
				Message:  "conflicting values " + strings.Join(vals, ", "),
			})
			continue
		}
		grp.values[key.MetricID] = usable[0]
	}

	keys := make([]model.GroupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Entity != keys[j].Entity {
			return keys[i].Entity < keys[j].Entity
		}
		return keys[i].Period < keys[j].Period
	})
	out := make([]*group, 0, len(keys))
	for _, k := range keys {
		out = append(out, groups[k])
	}
	return out, errs
}

// distinctValues returns the formatted distinct values of list, in order.
func distinctValues(list []model.ResolvedMetric) []string {
	var vals []float64
	for _, rm := range list {
		dup := false
		for _, v := range vals {
			if sameValue(v, rm.Value) {
				dup = true
				break
			}
		}
		if !dup {
			vals = append(vals, rm.Value)
		}
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = formula.FormatNumber(v)
	}
	return out
}

func sameValue(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= 1e-9*scale
}

func (e *Engine) evaluate(grp *group, p compiled) (model.ResolvedMetric, *model.CalculationError) {
	id := p.metric.ID
	fail := func(kind model.IssueKind, msg string) *model.CalculationError {
		return &model.CalculationError{
			MetricID: id,
			Entity:   grp.key.Entity,
			Period:   grp.key.Period,
			Kind:     kind,
			Message:  msg,
		}
	}

	operands := p.expr.Operands()
	var missing []string
	for _, op := range operands {
		if _, ok := grp.values[op]; !ok {
			missing = append(missing, op)
		}
	}
	if len(missing) > 0 {
		notes := make([]string, len(missing))
		for i, op := range missing {
			notes[i] = op
			if grp.conflicted[op] {
				notes[i] += " (conflicting values)"
			}
		}
		cerr := fail(model.IssueMissingInputs, "missing "+strings.Join(notes, ", "))
		cerr.Missing = missing
		return model.ResolvedMetric{}, cerr
	}

	env := make(map[string]float64, len(operands))
	inputs := make([]model.LineageInput, 0, len(operands))
	refs := make([]provenance.Ref, 0, len(operands))
	confidence := math.Inf(1)
	for _, op := range operands {
		in := grp.values[op]
		env[op] = in.Value
		inputs = append(inputs, model.LineageInput{
			MetricID:   op,
			Value:      in.Value,
			Confidence: in.Confidence,
			Provenance: in.Provenance,
		})
		refs = append(refs, in.Provenance)
		confidence = math.Min(confidence, in.Confidence)
	}

	value, err := p.expr.Eval(env)
	if err != nil {
		return model.ResolvedMetric{}, fail(model.IssueInvalidArithmetic, err.Error())
	}

	symbolic := id + " = " + p.expr.String()
	ref, err := e.prov.ForDerivation(symbolic, refs)
	if err != nil {
		return model.ResolvedMetric{}, fail(model.IssueIncompleteProvenance, err.Error())
	}
	confidence *= e.discount

	return model.ResolvedMetric{
		MetricID:   id,
		Entity:     grp.key.Entity,
		Period:     grp.period,
		Value:      value,
		Confidence: confidence,
		Provenance: ref,
		Origin:     model.OriginCalculated,
		Lineage: &model.CalculationLineage{
			OutputMetricID: id,
			Formula:        symbolic,
			Substituted:    id + " = " + p.expr.Substitute(env) + " = " + formula.FormatNumber(value),
			Inputs:         inputs,
			Confidence:     confidence,
			ComputedAt:     e.now,
		},
	}, nil
}
