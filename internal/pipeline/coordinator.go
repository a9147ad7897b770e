// Package pipeline runs batches of raw observations through matching,
// calculation and validation, and collects the results with their
// provenance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finmetrics/internal/calc"
	"github.com/sells-group/finmetrics/internal/matcher"
	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/ontology"
	"github.com/sells-group/finmetrics/internal/provenance"
	"github.com/sells-group/finmetrics/internal/validate"
)

// Embedder produces label embeddings for the semantic matching stage.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Coordinator resolves batches. It holds only configuration and shared
// read-only collaborators, so one Coordinator can run many batches at once.
type Coordinator struct {
	matcher  *matcher.Matcher
	resolver provenance.LocationResolver
	registry *validate.Registry
	embedder Embedder
	profile  validate.Profile
	discount float64
	epsilon  float64
	clock    func() time.Time
}

// NewCoordinator creates a coordinator that matches with m and cites
// observations through resolver.
func NewCoordinator(m *matcher.Matcher, resolver provenance.LocationResolver) *Coordinator {
	return &Coordinator{
		matcher:  m,
		resolver: resolver,
		registry: validate.DefaultRegistry(),
		profile:  validate.ProfileModerate,
		discount: calc.DefaultDiscount,
		epsilon:  validate.DefaultEpsilon,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithRegistry replaces the validation rule registry.
func (c *Coordinator) WithRegistry(r *validate.Registry) *Coordinator {
	if r != nil {
		c.registry = r
	}
	return c
}

// WithProfile sets the default tolerance profile.
func (c *Coordinator) WithProfile(p validate.Profile) *Coordinator {
	if p != "" {
		c.profile = p
	}
	return c
}

// WithDiscount sets the formula reliability discount.
func (c *Coordinator) WithDiscount(d float64) *Coordinator {
	if d > 0 && d <= 1 {
		c.discount = d
	}
	return c
}

// WithEpsilon sets the validator's relative-error floor.
func (c *Coordinator) WithEpsilon(eps float64) *Coordinator {
	if eps > 0 {
		c.epsilon = eps
	}
	return c
}

// WithEmbedder enables label embeddings for the semantic stage.
func (c *Coordinator) WithEmbedder(e Embedder) *Coordinator {
	c.embedder = e
	return c
}

// WithClock sets the time source for batch timestamps and lineage.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	if clock != nil {
		c.clock = clock
	}
	return c
}

// Run resolves one batch. Domain problems (unmapped labels, missing inputs,
// failed rules) are reported in the result; an error is returned only when
// ctx is cancelled or the batch itself is malformed.
func (c *Coordinator) Run(ctx context.Context, batch Batch) (*BatchResult, error) {
	profile, err := validate.ParseProfile(batch.Profile)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: batch %s", batch.ID)
	}
	if batch.Profile == "" {
		profile = c.profile
	}

	log := zap.L().With(zap.String("batch", batch.ID), zap.String("entity", batch.Entity))
	started := c.clock()
	wall := time.Now()

	snap := c.matcher.Snapshot()
	prov := provenance.NewBuilder()
	res := &BatchResult{
		ID:              batch.ID,
		Entity:          batch.Entity,
		Period:          batch.Period,
		OntologyVersion: snap.Version(),
		Profile:         string(profile),
		StartedAt:       started,
		Observations:    len(batch.Observations),
		Sources:         make(map[provenance.Ref]Source),
		Provenance:      prov,
	}

	track := func(name string, fn func() (int, error)) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := time.Now()
		n, fnErr := fn()
		d := time.Since(t)
		stageDuration.WithLabelValues(name).Observe(d.Seconds())
		sr := StageResult{Name: name, Duration: d.Milliseconds(), Items: n}
		if fnErr != nil {
			sr.Error = fnErr.Error()
		}
		res.Stages = append(res.Stages, sr)
		log.Debug("pipeline: stage complete",
			zap.String("stage", name),
			zap.Int("items", n),
			zap.Duration("duration", d),
		)
		return fnErr
	}

	var embeddings [][]float32
	if c.embedder != nil && snap.HasEmbeddings() && len(batch.Observations) > 0 {
		// A failed embedding call only disables the semantic stage.
		_ = track(StageEmbed, func() (int, error) {
			vecs, err := c.embedLabels(ctx, batch.Observations)
			if err != nil {
				log.Warn("pipeline: embedding failed, semantic matching disabled", zap.Error(err))
				return 0, err
			}
			embeddings = vecs
			return len(vecs), nil
		})
	}

	err = track(StageMatch, func() (int, error) {
		items := make([]matcher.Item, len(batch.Observations))
		for i, obs := range batch.Observations {
			items[i] = matcher.Item{
				Label: obs.RawLabel,
				Context: matcher.Context{
					RawValue: obs.RawValue,
					Value:    obs.Value,
				},
			}
			if embeddings != nil {
				items[i].Context.Embedding = embeddings[i]
			}
		}
		mappings, err := c.matcher.MatchAllWith(ctx, snap, items)
		if err != nil {
			return 0, err
		}
		res.Mappings = mappings
		return len(mappings), nil
	})
	if err != nil {
		return c.abort(res, err)
	}

	var observed []model.ResolvedMetric
	err = track(StageObserve, func() (int, error) {
		var gaps []model.Gap
		observed, gaps = c.observe(batch, res.Mappings, prov)
		res.Gaps = append(res.Gaps, gaps...)
		return len(observed), nil
	})
	if err != nil {
		return c.abort(res, err)
	}

	err = track(StageCalculate, func() (int, error) {
		engine := calc.NewEngine(prov).
			WithNow(started).
			WithDiscount(c.discount).
			WithResolver(c.matcher.Pinned(snap))
		metrics, calcErrs := engine.ResolveAll(observed, snap.Formulas())
		for _, m := range metrics {
			if m.Origin == model.OriginCalculated && !prov.IsComplete(m.Provenance) {
				calcErrs = append(calcErrs, model.CalculationError{
					MetricID: m.MetricID,
					Entity:   m.Entity,
					Period:   m.Period.String(),
					Kind:     model.IssueIncompleteProvenance,
					Message:  "derived value does not trace back to source locations",
				})
				continue
			}
			res.Metrics = append(res.Metrics, m)
		}
		res.Errors = calcErrs
		for _, e := range calcErrs {
			res.Gaps = append(res.Gaps, model.GapFromError(e))
		}
		return len(res.Metrics), nil
	})
	if err != nil {
		return c.abort(res, err)
	}

	err = track(StageValidate, func() (int, error) {
		v := validate.New(c.registry, snap).WithEpsilon(c.epsilon)
		if ids := snap.RuleIDs(); len(ids) > 0 {
			v = v.WithRules(ids)
		}
		res.Validations = v.Validate(res.Metrics, profile)
		return len(res.Validations), nil
	})
	if err != nil {
		return c.abort(res, err)
	}

	for _, m := range res.Metrics {
		if _, ok := res.Sources[m.Provenance]; ok {
			continue
		}
		tree, err := prov.Tree(m.Provenance)
		if err != nil {
			log.Warn("pipeline: provenance tree", zap.String("metric", m.MetricID), zap.Error(err))
			continue
		}
		res.Sources[m.Provenance] = Source{Citation: prov.Cite(m.Provenance), Tree: tree}
	}

	res.CompletedAt = c.clock()
	batchDuration.Observe(time.Since(wall).Seconds())
	batchesTotal.WithLabelValues("complete").Inc()
	record(res)

	sum := res.Summary()
	log.Info("pipeline: batch complete",
		zap.String("ontology_version", res.OntologyVersion),
		zap.Int("observations", sum.Observations),
		zap.Int("unmapped", sum.Unmapped),
		zap.Int("observed", sum.Observed),
		zap.Int("calculated", sum.Calculated),
		zap.Int("gaps", sum.Gaps),
		zap.Int("validation_failures", sum.Failed),
	)
	return res, nil
}

func (c *Coordinator) abort(res *BatchResult, err error) (*BatchResult, error) {
	status := "failed"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = "cancelled"
	}
	batchesTotal.WithLabelValues(status).Inc()
	return nil, eris.Wrapf(err, "pipeline: batch %s", res.ID)
}

func (c *Coordinator) embedLabels(ctx context.Context, obs []model.RawObservation) ([][]float32, error) {
	texts := make([]string, len(obs))
	for i, o := range obs {
		texts[i] = ontology.Normalize(o.RawLabel)
		if texts[i] == "" {
			texts[i] = o.RawLabel
		}
	}
	vecs, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: embed labels")
	}
	if len(vecs) != len(texts) {
		return nil, eris.Errorf("pipeline: embedder returned %d vectors for %d labels", len(vecs), len(texts))
	}
	return vecs, nil
}

// observe turns mapped observations into observed metrics. Observations that
// are unmapped, unparseable or uncitable become gaps.
func (c *Coordinator) observe(batch Batch, mappings []model.MappingResult, prov *provenance.Builder) ([]model.ResolvedMetric, []model.Gap) {
	var (
		out  []model.ResolvedMetric
		gaps []model.Gap
	)
	for i, obs := range batch.Observations {
		entity := obs.Entity
		if entity == "" {
			entity = batch.Entity
		}
		period := obs.Period
		if period.IsZero() {
			period = batch.Period
		}
		gap := func(kind model.IssueKind, metricID, detail string) {
			gaps = append(gaps, model.Gap{
				Kind:     kind,
				MetricID: metricID,
				RawLabel: obs.RawLabel,
				Entity:   entity,
				Period:   period.String(),
				Detail:   detail,
			})
		}

		m := mappings[i]
		if !m.Mapped() {
			gap(model.IssueUnmapped, "", unmappedDetail(m))
			continue
		}

		value, err := observationValue(obs)
		if err != nil {
			gap(model.IssueInvalidValue, m.CanonicalMetricID, err.Error())
			continue
		}

		ref, err := prov.ForDocument(c.resolver, obs.DocumentRef)
		if err != nil || !prov.IsComplete(ref) {
			detail := "no source location for " + obs.DocumentRef
			if err != nil {
				detail = err.Error()
			}
			gap(model.IssueIncompleteProvenance, m.CanonicalMetricID, detail)
			continue
		}

		out = append(out, model.ResolvedMetric{
			MetricID:    m.CanonicalMetricID,
			Entity:      entity,
			Period:      period,
			Value:       value,
			Confidence:  clamp01(obs.ExtractionConfidence) * m.Confidence,
			Provenance:  ref,
			Origin:      model.OriginObserved,
			SourceLabel: obs.RawLabel,
		})
	}
	return out, gaps
}

func observationValue(obs model.RawObservation) (float64, error) {
	if obs.Value != nil {
		v := *obs.Value
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, eris.Wrapf(ErrInvalidValue, "pipeline: value %v is not finite", v)
		}
		return v, nil
	}
	return ParseValue(obs.RawValue)
}

func unmappedDetail(m model.MappingResult) string {
	if len(m.Alternatives) == 0 {
		return "no candidate metric"
	}
	alts := make([]string, len(m.Alternatives))
	for i, a := range m.Alternatives {
		alts[i] = fmt.Sprintf("%s %.2f", a.MetricID, a.Confidence)
	}
	return "below confidence threshold; closest: " + strings.Join(alts, ", ")
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
