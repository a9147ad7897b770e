// Package validate runs data-quality rules over resolved metrics. Rules are
// plain functions registered by id at startup; validation never modifies the
// metrics it reads.
package validate

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finmetrics/internal/model"
)

// Profile is a named tolerance for equation rules.
type Profile string

// Tolerance profiles.
const (
	ProfileStrict   Profile = "strict"
	ProfileModerate Profile = "moderate"
	ProfileLenient  Profile = "lenient"
)

// Threshold is the maximum relative error an equation rule accepts.
func (p Profile) Threshold() float64 {
	switch p {
	case ProfileStrict:
		return 0.01
	case ProfileLenient:
		return 0.10
	default:
		return 0.05
	}
}

// ParseProfile validates a profile name. The empty string means moderate.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileStrict, ProfileModerate, ProfileLenient:
		return Profile(s), nil
	case "":
		return ProfileModerate, nil
	default:
		return "", eris.Errorf("validate: unknown tolerance profile %q", s)
	}
}

// Family groups rules by the kind of check they make.
type Family string

// Rule families.
const (
	FamilyEquation       Family = "equation"
	FamilyRange          Family = "range"
	FamilyCrossStatement Family = "cross_statement"
)

// CheckFunc evaluates one rule against one (entity, period) group. It only
// sets Status, Message, MetricsInvolved and Metadata; the validator fills in
// the rest.
type CheckFunc func(set *MetricSet, p Profile) model.ValidationResult

// Rule is a self-contained validation check.
type Rule struct {
	ID          string
	Family      Family
	Description string
	// Severity is reported when the rule fails.
	Severity model.Severity
	// Requires lists metric ids that must all be present; otherwise the rule
	// is skipped without running Check.
	Requires []string
	Check    CheckFunc
}

// Registry maps rule ids to rules.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds r. Ids must be unique and every rule needs a Check.
func (r *Registry) Register(rule Rule) error {
	if rule.ID == "" || rule.Check == nil {
		return eris.Errorf("validate: rule %q needs an id and a check", rule.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.rules[rule.ID]; dup {
		return eris.Errorf("validate: rule %s already registered", rule.ID)
	}
	if rule.Severity == "" {
		rule.Severity = model.SeverityWarning
	}
	r.rules[rule.ID] = rule
	return nil
}

// MustRegister is Register for built-in rules.
func (r *Registry) MustRegister(rule Rule) {
	if err := r.Register(rule); err != nil {
		panic(err)
	}
}

// Get returns the rule with the given id.
func (r *Registry) Get(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// IDs returns every registered rule id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for id := range r.rules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry returns a registry holding every built-in rule.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, rule := range builtinRules() {
		r.MustRegister(rule)
	}
	return r
}
