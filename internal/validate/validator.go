package validate

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/finmetrics/internal/model"
)

// DefaultEpsilon is the floor for relative-error denominators.
const DefaultEpsilon = 1e-9

// Validator applies a set of registered rules to resolved metrics.
type Validator struct {
	registry *Registry
	catalog  Catalog
	ruleIDs  []string
	epsilon  float64
}

// New creates a validator that runs every rule in reg, looking up metric
// definitions in catalog.
func New(reg *Registry, catalog Catalog) *Validator {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Validator{
		registry: reg,
		catalog:  catalog,
		epsilon:  DefaultEpsilon,
	}
}

// WithRules restricts validation to the given rule ids. Ids unknown to the
// registry produce an error result instead of being dropped.
func (v *Validator) WithRules(ids []string) *Validator {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	v.ruleIDs = out
	return v
}

// WithEpsilon sets the relative-error floor. Non-positive values are ignored.
func (v *Validator) WithEpsilon(eps float64) *Validator {
	if eps > 0 {
		v.epsilon = eps
	}
	return v
}

// Rules returns the rule ids the validator runs, sorted.
func (v *Validator) Rules() []string {
	if v.ruleIDs != nil {
		return append([]string(nil), v.ruleIDs...)
	}
	return v.registry.IDs()
}

// Validate runs every rule against every (entity, period) group in metrics.
// Results are ordered by entity, period and rule id. Metrics are not
// modified.
func (v *Validator) Validate(metrics []model.ResolvedMetric, profile Profile) []model.ValidationResult {
	if profile == "" {
		profile = ProfileModerate
	}
	sets := v.partition(metrics)
	rules := v.Rules()

	out := make([]model.ValidationResult, 0, len(sets)*len(rules))
	for _, set := range sets {
		for _, id := range rules {
			res := v.run(id, set, profile)
			res.RuleID = id
			res.Entity = set.Entity
			res.Period = set.Period.String()
			if res.MetricsInvolved == nil {
				res.MetricsInvolved = []string{}
			}
			out = append(out, res)
		}
	}
	return out
}

// run evaluates one rule. A panicking check is reported as an error result.
func (v *Validator) run(id string, set *MetricSet, profile Profile) (res model.ValidationResult) {
	rule, ok := v.registry.Get(id)
	if !ok {
		return model.ValidationResult{
			Status:   model.StatusError,
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("%s: rule is not registered", id),
		}
	}

	if missing := set.Missing(rule.Requires...); len(missing) > 0 {
		return model.ValidationResult{
			Status:          model.StatusSkipped,
			Severity:        model.SeverityInfo,
			Message:         fmt.Sprintf("%s: missing %s", id, strings.Join(missing, ", ")),
			MetricsInvolved: append([]string(nil), rule.Requires...),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("validate: rule panicked",
				zap.String("rule", id),
				zap.String("entity", set.Entity),
				zap.String("period", set.Period.String()),
				zap.Any("panic", r),
			)
			res = model.ValidationResult{
				Status:   model.StatusError,
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("%s: rule failed: %v", id, r),
			}
		}
	}()

	res = rule.Check(set, profile)
	switch res.Status {
	case model.StatusFailed:
		res.Severity = rule.Severity
	case model.StatusError:
		res.Severity = model.SeverityError
	case model.StatusPassed, model.StatusSkipped:
		res.Severity = model.SeverityInfo
	default:
		res.Status = model.StatusError
		res.Severity = model.SeverityError
		res.Message = fmt.Sprintf("%s: rule returned no status", id)
	}
	return res
}

// partition groups metrics by (entity, period) and attaches each entity's
// metrics from other periods as history.
func (v *Validator) partition(metrics []model.ResolvedMetric) []*MetricSet {
	sets := make(map[model.GroupKey]*MetricSet)
	byEntity := make(map[string][]model.ResolvedMetric)
	for _, rm := range metrics {
		gk := rm.Group()
		set, ok := sets[gk]
		if !ok {
			set = &MetricSet{
				Entity:  rm.Entity,
				Period:  rm.Period,
				values:  make(map[string]model.ResolvedMetric),
				catalog: v.catalog,
				epsilon: v.epsilon,
			}
			sets[gk] = set
		}
		if cur, dup := set.values[rm.MetricID]; !dup || rm.Confidence > cur.Confidence {
			set.values[rm.MetricID] = rm
		}
		byEntity[rm.Entity] = append(byEntity[rm.Entity], rm)
	}

	keys := make([]model.GroupKey, 0, len(sets))
	for k := range sets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Entity != keys[j].Entity {
			return keys[i].Entity < keys[j].Entity
		}
		return keys[i].Period < keys[j].Period
	})

	out := make([]*MetricSet, 0, len(keys))
	for _, k := range keys {
		set := sets[k]
		for _, rm := range byEntity[k.Entity] {
			if rm.Group() != k {
				set.history = append(set.history, rm)
			}
		}
		out = append(out, set)
	}
	return out
}
