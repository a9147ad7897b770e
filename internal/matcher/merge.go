package matcher

import (
	"sort"

	"github.com/sells-group/finmetrics/internal/model"
)

// TieBreak decides the order of candidates with equal confidence.
type TieBreak string

// Tie-break policies. Both fall back to metric id so results are
// deterministic.
const (
	// TieBreakMatchType prefers exact over fuzzy over semantic over pattern.
	TieBreakMatchType TieBreak = "match_type"
	// TieBreakMetricID orders equal candidates by metric id only.
	TieBreakMetricID TieBreak = "metric_id"
)

// Valid reports whether t names a known policy.
func (t TieBreak) Valid() bool {
	return t == TieBreakMatchType || t == TieBreakMetricID
}

// merge keeps the best candidate per metric id and ranks them.
func merge(policy TieBreak, stages ...[]candidate) []candidate {
	best := make(map[string]candidate)
	for _, stage := range stages {
		for _, c := range stage {
			cur, ok := best[c.id]
			if !ok || c.confidence > cur.confidence ||
				c.confidence == cur.confidence && c.matchType.Priority() < cur.matchType.Priority() {
				best[c.id] = c
			}
		}
	}

	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if policy != TieBreakMetricID && a.matchType != b.matchType {
			return a.matchType.Priority() < b.matchType.Priority()
		}
		return a.id < b.id
	})
	return out
}

func toResult(label string, ranked []candidate, minConfidence float64, maxAlternatives int) model.MappingResult {
	res := model.MappingResult{RawLabel: label}
	n := min(len(ranked), maxAlternatives)
	for _, c := range ranked[:n] {
		res.Alternatives = append(res.Alternatives, model.Alternative{
			MetricID:   c.id,
			Confidence: c.confidence,
			MatchType:  c.matchType,
		})
	}
	if len(ranked) == 0 || ranked[0].confidence < minConfidence {
		return res
	}
	res.CanonicalMetricID = ranked[0].id
	res.Confidence = ranked[0].confidence
	res.MatchType = ranked[0].matchType
	return res
}
