package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/finmetrics/internal/formula"
	"github.com/sells-group/finmetrics/internal/model"
)

// FormatReport renders a human-readable markdown report of a batch.
func FormatReport(res *BatchResult) string {
	var b strings.Builder

	name := res.Entity
	if name == "" {
		name = res.ID
	}
	fmt.Fprintf(&b, "# Metric Resolution Report: %s\n", name)
	fmt.Fprintf(&b, "Batch: %s\n", res.ID)
	if !res.Period.IsZero() {
		fmt.Fprintf(&b, "Period: %s\n", res.Period)
	}
	fmt.Fprintf(&b, "Ontology: %s\n", res.OntologyVersion)
	fmt.Fprintf(&b, "Profile: %s\n\n", res.Profile)

	sum := res.Summary()
	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Observations: %d (%d mapped, %d unmapped)\n", sum.Observations, sum.Mapped, sum.Unmapped)
	fmt.Fprintf(&b, "- Metrics: %d observed, %d calculated\n", sum.Observed, sum.Calculated)
	fmt.Fprintf(&b, "- Validation: %d passed, %d failed, %d skipped, %d errors\n",
		sum.Passed, sum.Failed, sum.Skipped, sum.Errored)
	fmt.Fprintf(&b, "- Gaps: %d\n\n", sum.Gaps)

	if len(res.Stages) > 0 {
		b.WriteString("## Stages\n")
		for _, s := range res.Stages {
			fmt.Fprintf(&b, "- %s: %d items (%dms)\n", s.Name, s.Items, s.Duration)
			if s.Error != "" {
				fmt.Fprintf(&b, "  Error: %s\n", s.Error)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Metrics\n")
	if len(res.Metrics) == 0 {
		b.WriteString("No metrics resolved.\n\n")
	} else {
		for _, m := range res.Metrics {
			fmt.Fprintf(&b, "- **%s** %s %s = %s [%s, %.0f%%]\n",
				m.MetricID, m.Entity, m.Period, formula.FormatNumber(m.Value), m.Origin, m.Confidence*100)
			if m.Lineage != nil {
				fmt.Fprintf(&b, "  %s\n", m.Lineage.Substituted)
			}
			if src, ok := res.Sources[m.Provenance]; ok {
				fmt.Fprintf(&b, "  Source: %s\n", src.Citation)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Validation\n")
	failures := 0
	for _, v := range res.Validations {
		if v.Status != model.StatusFailed && v.Status != model.StatusError {
			continue
		}
		failures++
		fmt.Fprintf(&b, "- [%s] %s %s %s: %s\n", v.Severity, v.RuleID, v.Entity, v.Period, v.Message)
	}
	if failures == 0 {
		b.WriteString("All applicable rules passed.\n")
	}
	b.WriteString("\n")

	b.WriteString("## Gaps\n")
	if len(res.Gaps) == 0 {
		b.WriteString("None.\n")
		return b.String()
	}
	byKind := make(map[model.IssueKind][]model.Gap)
	for _, g := range res.Gaps {
		byKind[g.Kind] = append(byKind[g.Kind], g)
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "### %s\n", k)
		for _, g := range byKind[model.IssueKind(k)] {
			subject := g.MetricID
			if subject == "" {
				subject = fmt.Sprintf("%q", g.RawLabel)
			}
			fmt.Fprintf(&b, "- %s: %s\n", subject, g.Detail)
		}
	}
	return b.String()
}
