package model

import (
	"fmt"
	"strings"
)

// IssueKind classifies why a metric or observation could not be resolved.
type IssueKind string

// Issue kinds. None of them abort a batch.
const (
	IssueUnmapped             IssueKind = "unmapped"
	IssueInvalidValue         IssueKind = "invalid_value"
	IssueMissingInputs        IssueKind = "missing_inputs"
	IssueCyclicDependency     IssueKind = "cyclic_dependency"
	IssueInvalidArithmetic    IssueKind = "invalid_arithmetic"
	IssueIncompleteProvenance IssueKind = "incomplete_provenance"
	IssueConflict             IssueKind = "conflict"
	IssueInvalidFormula       IssueKind = "invalid_formula"
)

// CalculationError reports a metric the calculation engine could not produce.
type CalculationError struct {
	MetricID string    `json:"metric_id"`
	Entity   string    `json:"entity,omitempty"`
	Period   string    `json:"period,omitempty"`
	Kind     IssueKind `json:"kind"`
	// Missing lists absent operands for missing_inputs.
	Missing []string `json:"missing,omitempty"`
	// Cycle lists the members of the dependency cycle for cyclic_dependency.
	Cycle   []string `json:"cycle,omitempty"`
	Message string   `json:"message"`
}

func (e CalculationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.MetricID, e.Kind)
	if e.Entity != "" || e.Period != "" {
		fmt.Fprintf(&sb, " [%s %s]", e.Entity, e.Period)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// Gap is a user-visible hole in a batch result: an unmapped label or a metric
// that could not be resolved, with the reason.
type Gap struct {
	Kind     IssueKind `json:"kind"`
	MetricID string    `json:"metric_id,omitempty"`
	RawLabel string    `json:"raw_label,omitempty"`
	Entity   string    `json:"entity,omitempty"`
	Period   string    `json:"period,omitempty"`
	Missing  []string  `json:"missing,omitempty"`
	Cycle    []string  `json:"cycle,omitempty"`
	Detail   string    `json:"detail"`
}

// GapFromError converts a calculation error into a gap.
func GapFromError(e CalculationError) Gap {
	return Gap{
		Kind:     e.Kind,
		MetricID: e.MetricID,
		Entity:   e.Entity,
		Period:   e.Period,
		Missing:  e.Missing,
		Cycle:    e.Cycle,
		Detail:   e.Message,
	}
}
