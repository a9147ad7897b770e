package matcher

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"

	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/ontology"
)

type candidate struct {
	id         string
	confidence float64
	matchType  model.MatchType
}

func exactStage(snap *ontology.Snapshot, norm string) (candidate, bool) {
	id, ok := snap.Lookup(norm)
	if !ok {
		return candidate{}, false
	}
	return candidate{id: id, confidence: 1, matchType: model.MatchExact}, true
}

// fuzzyStage scores the label against every synonym and keeps the best ratio
// per metric at or above threshold.
func fuzzyStage(snap *ontology.Snapshot, norm string, threshold float64) []candidate {
	params := levenshtein.NewParams()
	best := make(map[string]float64)
	for _, e := range snap.Synonyms() {
		// Cheap length bound: the ratio cannot reach threshold when rune
		// counts differ by more than (1-threshold) of the longer one.
		la, lb := utf8.RuneCountInString(norm), utf8.RuneCountInString(e.Normalized)
		if float64(absInt(la-lb)) > (1-threshold)*float64(max(la, lb)) {
			continue
		}
		score := levenshtein.Similarity(norm, e.Normalized, params)
		if score >= threshold && score > best[e.MetricID] {
			best[e.MetricID] = score
		}
	}
	out := make([]candidate, 0, len(best))
	for id, score := range best {
		out = append(out, candidate{id: id, confidence: score, matchType: model.MatchFuzzy})
	}
	return out
}

// semanticStage compares the label embedding with every metric's
// representative embedding. Dimension mismatches are skipped.
func semanticStage(snap *ontology.Snapshot, vec []float32, threshold float64) []candidate {
	if len(vec) == 0 || !snap.HasEmbeddings() {
		return nil
	}
	var out []candidate
	for _, id := range snap.IDs() {
		ref, ok := snap.Embedding(id)
		if !ok || len(ref) != len(vec) {
			continue
		}
		score := cosine(vec, ref)
		if score >= threshold {
			out = append(out, candidate{id: id, confidence: score, matchType: model.MatchSemantic})
		}
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type patternRule struct {
	re       *regexp.Regexp
	metricID string
	strength float64
}

// patternRules are keyword heuristics for abbreviations and common label
// shapes. They run on normalized labels.
var patternRules = []patternRule{
	{regexp.MustCompile(`\bebitda\b`), "ebitda", 1},
	{regexp.MustCompile(`\bebit\b`), "operating_income", 0.9},
	{regexp.MustCompile(`\bcogs\b|\bcost of (goods|sales|revenue)\b`), "cogs", 1},
	{regexp.MustCompile(`\bcapex\b|\bcapital expenditures?\b`), "capex", 1},
	{regexp.MustCompile(`\bd and a\b|\bdepreciation\b`), "depreciation_amortization", 0.9},
	{regexp.MustCompile(`\bdso\b|\bdays? sales\b`), "days_sales_outstanding", 0.9},
	{regexp.MustCompile(`\bdio\b|\binventory days\b|\bdays? inventory\b`), "days_inventory_outstanding", 0.9},
	{regexp.MustCompile(`\bfcf\b|\bfree cash\b`), "free_cash_flow", 1},
	{regexp.MustCompile(`\bopex\b`), "operating_expenses", 1},
	{regexp.MustCompile(`\broe\b`), "return_on_equity_pct", 0.9},
	{regexp.MustCompile(`\bnet (income|profit|earnings)\b`), "net_income", 0.9},
	{regexp.MustCompile(`\b(revenues?|sales|turnover)\b`), "revenue", 0.85},
	{regexp.MustCompile(`\btotal assets\b`), "assets", 0.9},
	{regexp.MustCompile(`\b(headcount|employees?|fte)\b`), "employees", 0.9},
	{regexp.MustCompile(`\b(yoy|growth)\b.*\brevenue\b|\brevenue\b.*\b(yoy|growth)\b`), "revenue_growth_pct", 1},
}

// hint summarizes what the value context says about the metric's unit.
type hint struct {
	percent  bool
	negative bool
}

func (h hint) key() string {
	var sb strings.Builder
	if h.percent {
		sb.WriteString("pct")
	}
	if h.negative {
		sb.WriteString("neg")
	}
	return sb.String()
}

func hintFor(norm string, c Context) hint {
	h := hint{
		percent: strings.HasSuffix(norm, " pct") || norm == "pct" ||
			strings.HasSuffix(strings.TrimSpace(c.RawValue), "%"),
	}
	if c.Value != nil && *c.Value < 0 {
		h.negative = true
	}
	return h
}

// patternStage applies keyword rules and, for labels that denote a
// percentage, proposes percentage and ratio metrics by token overlap. All
// pattern confidences are scaled by weight.
func patternStage(snap *ontology.Snapshot, norm string, h hint, weight float64) []candidate {
	var out []candidate
	for _, r := range patternRules {
		m, ok := snap.Metric(r.metricID)
		if !ok || !r.re.MatchString(norm) {
			continue
		}
		conf := weight * r.strength * unitFactor(m.UnitType, h)
		out = append(out, candidate{id: r.metricID, confidence: conf, matchType: model.MatchPattern})
	}

	if !h.percent {
		return out
	}
	tokens := tokenSet(norm)
	delete(tokens, "pct")
	if len(tokens) == 0 {
		return out
	}
	best := make(map[string]float64)
	for _, e := range snap.Synonyms() {
		m, ok := snap.Metric(e.MetricID)
		if !ok || (m.UnitType != model.UnitPercentage && m.UnitType != model.UnitRatio) {
			continue
		}
		other := tokenSet(e.Normalized)
		delete(other, "pct")
		if j := jaccard(tokens, other); j > best[e.MetricID] {
			best[e.MetricID] = j
		}
	}
	for id, j := range best {
		if j == 0 {
			continue
		}
		out = append(out, candidate{id: id, confidence: weight * j, matchType: model.MatchPattern})
	}
	return out
}

// unitFactor halves candidates whose unit contradicts the value context.
func unitFactor(u model.UnitType, h hint) float64 {
	switch {
	case h.percent && u == model.UnitCurrency:
		return 0.5
	case h.negative && (u == model.UnitCount || u == model.UnitDays):
		return 0.5
	default:
		return 1
	}
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(s) {
		out[f] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
