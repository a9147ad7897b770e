package validate

import (
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/finmetrics/internal/formula"
	"github.com/sells-group/finmetrics/internal/model"
)

type term struct {
	id   string
	sign float64
}

func plus(id string) term  { return term{id: id, sign: 1} }
func minus(id string) term { return term{id: id, sign: -1} }

func builtinRules() []Rule {
	return []Rule{
		equationRule("balance_sheet_identity", "total assets equal liabilities plus equity",
			"assets", plus("liabilities"), plus("equity")),
		equationRule("gross_margin_identity", "gross margin equals revenue minus cost of goods sold",
			"gross_margin", plus("revenue"), minus("cogs")),
		equationRule("ebitda_identity", "EBITDA equals operating income plus depreciation and amortization",
			"ebitda", plus("operating_income"), plus("depreciation_amortization")),
		equationRule("cash_flow_identity", "net change in cash equals operating, investing and financing cash flows",
			"net_change_in_cash", plus("cash_from_operations"), plus("cash_from_investing"), plus("cash_from_financing")),

		unitRangeRule("percentage_bounds", "percentages lie within [-100, 100]",
			model.UnitPercentage, -100, 100, model.CategoryGrowth),
		unitRangeRule("ratio_non_negative", "ratios are non-negative",
			model.UnitRatio, 0, math.Inf(1)),
		unitRangeRule("count_non_negative", "counts are non-negative",
			model.UnitCount, 0, math.Inf(1)),
		unitRangeRule("days_bounds", "day counts lie within [0, 366]",
			model.UnitDays, 0, 366),
		{
			ID:          "current_assets_within_total",
			Family:      FamilyRange,
			Description: "current assets do not exceed total assets",
			Severity:    model.SeverityWarning,
			Requires:    []string{"current_assets", "assets"},
			Check:       checkCurrentAssets,
		},

		{
			ID:          "period_alignment",
			Family:      FamilyCrossStatement,
			Description: "growth metrics compare their base metric across adjacent periods of equal length",
			Severity:    model.SeverityWarning,
			Check:       checkPeriodAlignment,
		},
		{
			ID:          "statement_period_match",
			Family:      FamilyCrossStatement,
			Description: "flow metrics are reported over a duration, not at an instant",
			Severity:    model.SeverityWarning,
			Check:       checkStatementPeriod,
		},
	}
}

// equationRule checks expected = sum(terms) by relative error against the
// profile threshold.
func equationRule(id, desc, expected string, terms ...term) Rule {
	requires := []string{expected}
	for _, t := range terms {
		requires = append(requires, t.id)
	}
	return Rule{
		ID:          id,
		Family:      FamilyEquation,
		Description: desc,
		Severity:    model.SeverityError,
		Requires:    requires,
		Check: func(set *MetricSet, p Profile) model.ValidationResult {
			want, _ := set.Value(expected)
			var got float64
			for _, t := range terms {
				v, _ := set.Value(t.id)
				got += t.sign * v
			}
			relErr := math.Abs(got-want) / math.Max(math.Abs(want), set.Epsilon())
			threshold := p.Threshold()

			res := model.ValidationResult{
				MetricsInvolved: append([]string(nil), requires...),
				Metadata: map[string]float64{
					"expected":       want,
					"actual":         got,
					"relative_error": relErr,
					"threshold":      threshold,
				},
			}
			if relErr <= threshold {
				res.Status = model.StatusPassed
				res.Message = fmt.Sprintf("%s: relative error %.4f within %s tolerance", id, relErr, p)
				return res
			}
			res.Status = model.StatusFailed
			res.Message = fmt.Sprintf("%s: %s = %s but components sum to %s (relative error %.4f > %.2f)",
				id, expected, formula.FormatNumber(want), formula.FormatNumber(got), relErr, threshold)
			return res
		},
	}
}

// unitRangeRule checks every metric of a unit type against [lo, hi],
// ignoring the listed categories.
func unitRangeRule(id, desc string, unit model.UnitType, lo, hi float64, exclude ...model.Category) Rule {
	return Rule{
		ID:          id,
		Family:      FamilyRange,
		Description: desc,
		Severity:    model.SeverityWarning,
		Check: func(set *MetricSet, _ Profile) model.ValidationResult {
			checked := set.Select(func(m model.CanonicalMetric) bool {
				if m.UnitType != unit {
					return false
				}
				for _, c := range exclude {
					if m.Category == c {
						return false
					}
				}
				return true
			})
			if len(checked) == 0 {
				return model.ValidationResult{
					Status:  model.StatusSkipped,
					Message: fmt.Sprintf("%s: no %s metrics to check", id, unit),
				}
			}

			res := model.ValidationResult{Metadata: map[string]float64{}}
			var bad []string
			for _, rm := range checked {
				res.MetricsInvolved = append(res.MetricsInvolved, rm.MetricID)
				if rm.Value < lo || rm.Value > hi {
					bad = append(bad, fmt.Sprintf("%s=%s", rm.MetricID, formula.FormatNumber(rm.Value)))
					res.Metadata[rm.MetricID] = rm.Value
				}
			}
			res.Metadata["checked"] = float64(len(checked))
			res.Metadata["violations"] = float64(len(bad))
			if len(bad) == 0 {
				res.Status = model.StatusPassed
				res.Message = fmt.Sprintf("%s: %d metric(s) in range", id, len(checked))
				return res
			}
			res.Status = model.StatusFailed
			res.Message = fmt.Sprintf("%s: out of range %s", id, strings.Join(bad, ", "))
			return res
		},
	}
}

func checkCurrentAssets(set *MetricSet, _ Profile) model.ValidationResult {
	ca, _ := set.Value("current_assets")
	total, _ := set.Value("assets")
	res := model.ValidationResult{
		MetricsInvolved: []string{"current_assets", "assets"},
		Metadata:        map[string]float64{"current_assets": ca, "assets": total},
	}
	if ca <= total+set.Epsilon() {
		res.Status = model.StatusPassed
		res.Message = "current_assets_within_total: current assets within total assets"
		return res
	}
	res.Status = model.StatusFailed
	res.Message = fmt.Sprintf("current_assets_within_total: current assets %s exceed total assets %s",
		formula.FormatNumber(ca), formula.FormatNumber(total))
	return res
}

// checkPeriodAlignment verifies that every growth metric has its base metric
// in this period and in a comparable earlier one, and that the reported
// growth agrees with those values within the profile tolerance.
func checkPeriodAlignment(set *MetricSet, p Profile) model.ValidationResult {
	growth := set.Select(func(m model.CanonicalMetric) bool {
		return m.Category == model.CategoryGrowth && m.BaseMetric != ""
	})
	if len(growth) == 0 {
		return model.ValidationResult{Status: model.StatusSkipped, Message: "period_alignment: no growth metrics"}
	}

	res := model.ValidationResult{Metadata: map[string]float64{}}
	var problems []string
	checked := 0
	for _, g := range growth {
		def, _ := set.Definition(g.MetricID)
		base := def.BaseMetric
		res.MetricsInvolved = append(res.MetricsInvolved, g.MetricID, base)

		cur, ok := set.Get(base)
		history := set.History(base)
		if !ok && len(history) == 0 {
			continue
		}
		checked++
		if !ok {
			problems = append(problems, fmt.Sprintf("%s has no %s for %s", g.MetricID, base, set.Period))
			continue
		}

		prior, found := comparablePrior(set.Period, history)
		if !found {
			problems = append(problems, fmt.Sprintf("%s has no %s for a comparable prior period", g.MetricID, base))
			continue
		}
		if prior.Value == 0 {
			continue
		}
		implied := (cur.Value - prior.Value) / math.Abs(prior.Value) * 100
		res.Metadata[g.MetricID+".implied"] = implied
		res.Metadata[g.MetricID+".reported"] = g.Value
		if diff := math.Abs(implied-g.Value) / math.Max(math.Abs(implied), set.Epsilon()); diff > p.Threshold() {
			problems = append(problems, fmt.Sprintf("%s reported %s%% but %s implies %s%% (from %s)",
				g.MetricID, formula.FormatNumber(g.Value), base, formatPct(implied), prior.Period))
		}
	}

	if checked == 0 {
		res.Status = model.StatusSkipped
		res.Message = "period_alignment: no base metric values to compare"
		return res
	}
	if len(problems) > 0 {
		res.Status = model.StatusFailed
		res.Message = "period_alignment: " + strings.Join(problems, "; ")
		return res
	}
	res.Status = model.StatusPassed
	res.Message = "period_alignment: growth metrics align with prior periods"
	return res
}

// comparablePrior picks the latest earlier value whose period has the same
// length and immediately precedes (or is one year before) cur.
func comparablePrior(cur model.Period, history []model.ResolvedMetric) (model.ResolvedMetric, bool) {
	var (
		best  model.ResolvedMetric
		found bool
	)
	for _, rm := range history {
		if !cur.Follows(rm.Period) || !cur.SameLength(rm.Period) {
			continue
		}
		if !found || rm.Period.End.After(best.Period.End) {
			best, found = rm, true
		}
	}
	return best, found
}

func formatPct(v float64) string {
	return formula.FormatNumber(math.Round(v*100) / 100)
}

// checkStatementPeriod flags flow metrics (income statement, cash flow, and
// values derived from them) that are reported for an instant.
func checkStatementPeriod(set *MetricSet, _ Profile) model.ValidationResult {
	var involved []string
	for _, id := range set.IDs() {
		if isFlow(set, id) {
			involved = append(involved, id)
		}
	}
	if len(involved) == 0 {
		return model.ValidationResult{Status: model.StatusSkipped, Message: "statement_period_match: no flow metrics"}
	}

	res := model.ValidationResult{
		MetricsInvolved: involved,
		Metadata:        map[string]float64{"period_days": float64(set.Period.Days())},
	}
	if set.Period.Instant() {
		res.Status = model.StatusFailed
		res.Message = fmt.Sprintf("statement_period_match: flow metrics %s reported for instant %s",
			strings.Join(involved, ", "), set.Period)
		return res
	}
	res.Status = model.StatusPassed
	res.Message = "statement_period_match: flow metrics cover a duration"
	return res
}

// isFlow reports whether a metric measures a flow over time: it is on the
// income or cash-flow statement, or it was calculated from such a metric.
func isFlow(set *MetricSet, id string) bool {
	def, ok := set.Definition(id)
	if !ok {
		return false
	}
	if def.Category == model.CategoryIncomeStatement || def.Category == model.CategoryCashFlow {
		return true
	}
	rm, _ := set.Get(id)
	if rm.Lineage == nil {
		return false
	}
	for _, in := range rm.Lineage.Inputs {
		if in.MetricID != id && isFlow(set, in.MetricID) {
			return true
		}
	}
	return false
}
