package model

// ValidationStatus is the outcome of one rule evaluation.
type ValidationStatus string

// Validation statuses.
const (
	StatusPassed  ValidationStatus = "passed"
	StatusFailed  ValidationStatus = "failed"
	StatusSkipped ValidationStatus = "skipped"
	StatusError   ValidationStatus = "error"
)

// Severity grades a validation result.
type Severity string

// Severities.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ValidationResult is the output of one rule for one (entity, period) group.
type ValidationResult struct {
	RuleID          string             `json:"rule_id"`
	Status          ValidationStatus   `json:"status"`
	Severity        Severity           `json:"severity"`
	Message         string             `json:"message"`
	MetricsInvolved []string           `json:"metrics_involved"`
	Metadata        map[string]float64 `json:"metadata,omitempty"`
	Entity          string             `json:"entity,omitempty"`
	Period          string             `json:"period,omitempty"`
}
