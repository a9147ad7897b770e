package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// observationsMatched counts mapped observations.
	// Labels: match_type (exact, fuzzy, semantic, pattern)
	observationsMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finmetrics",
		Subsystem: "pipeline",
		Name:      "observations_matched_total",
		Help:      "Observations mapped to a canonical metric",
	}, []string{"match_type"})

	observationsUnmapped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "finmetrics",
		Subsystem: "pipeline",
		Name:      "observations_unmapped_total",
		Help:      "Observations no canonical metric matched",
	})

	// gapsTotal counts gaps reported in batch results.
	// Labels: kind (unmapped, missing_inputs, cyclic_dependency, ...)
	gapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finmetrics",
		Subsystem: "pipeline",
		Name:      "gaps_total",
		Help:      "Gaps reported in batch results by kind",
	}, []string{"kind"})

	metricsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finmetrics",
		Subsystem: "pipeline",
		Name:      "metrics_resolved_total",
		Help:      "Resolved metrics by origin",
	}, []string{"origin"})

	// validationResults counts rule outcomes.
	// Labels: rule, status (passed, failed, skipped, error)
	validationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finmetrics",
		Subsystem: "validate",
		Name:      "results_total",
		Help:      "Validation rule results by rule and status",
	}, []string{"rule", "status"})

	// batchesTotal counts finished batches.
	// Labels: status (complete, failed, cancelled)
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finmetrics",
		Subsystem: "pipeline",
		Name:      "batches_total",
		Help:      "Batches processed by final status",
	}, []string{"status"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "finmetrics",
		Subsystem: "pipeline",
		Name:      "batch_duration_seconds",
		Help:      "Wall time to resolve one batch",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "finmetrics",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall time per pipeline stage",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"stage"})
)

// record publishes the counters for a finished batch.
func record(res *BatchResult) {
	for _, m := range res.Mappings {
		if m.Mapped() {
			observationsMatched.WithLabelValues(string(m.MatchType)).Inc()
		} else {
			observationsUnmapped.Inc()
		}
	}
	for _, g := range res.Gaps {
		gapsTotal.WithLabelValues(string(g.Kind)).Inc()
	}
	for _, m := range res.Metrics {
		metricsResolved.WithLabelValues(string(m.Origin)).Inc()
	}
	for _, v := range res.Validations {
		validationResults.WithLabelValues(v.RuleID, string(v.Status)).Inc()
	}
}
