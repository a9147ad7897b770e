// Package matcher resolves raw metric labels to canonical metric ids through
// four stages: exact synonym lookup, fuzzy string similarity, embedding
// similarity and keyword patterns.
package matcher

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/ontology"
)

// Config tunes the matcher.
type Config struct {
	FuzzyThreshold    float64
	SemanticThreshold float64
	MinConfidence     float64
	// PatternWeight scales every pattern-stage confidence.
	PatternWeight   float64
	MaxAlternatives int
	TieBreak        TieBreak
	// CacheSize bounds the label cache; 0 disables caching. The cache is
	// flushed wholesale when full or when the ontology changes.
	CacheSize      int
	MaxConcurrency int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold:    0.8,
		SemanticThreshold: 0.75,
		MinConfidence:     0.5,
		PatternWeight:     0.6,
		MaxAlternatives:   5,
		TieBreak:          TieBreakMatchType,
		CacheSize:         10000,
		MaxConcurrency:    8,
	}
}

// Context is optional information about the value a label was found with.
type Context struct {
	// RawValue is the value text, e.g. "12%" hints at a percentage metric.
	RawValue string
	Value    *float64
	// Embedding is a precomputed embedding of the raw label. Without it the
	// semantic stage is skipped.
	Embedding []float32
}

// Item is one label to match in MatchAll.
type Item struct {
	Label   string
	Context Context
}

// Matcher maps labels against the ontology currently held by a Holder. It
// holds no per-call state and is safe for concurrent use.
type Matcher struct {
	holder *ontology.Holder
	cfg    Config
	cache  *cache.Cache
}

// New creates a matcher reading from h. Zero config fields take defaults.
func New(h *ontology.Holder, cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = def.FuzzyThreshold
	}
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = def.SemanticThreshold
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.PatternWeight <= 0 {
		cfg.PatternWeight = def.PatternWeight
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = def.MaxAlternatives
	}
	if !cfg.TieBreak.Valid() {
		cfg.TieBreak = def.TieBreak
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}

	m := &Matcher{holder: h, cfg: cfg}
	if cfg.CacheSize > 0 {
		m.cache = cache.New(cache.NoExpiration, 0)
		h.OnSwap(func(*ontology.Snapshot) { m.cache.Flush() })
	}
	return m
}

// Config returns the effective configuration.
func (m *Matcher) Config() Config { return m.cfg }

// Snapshot returns the ontology the next match will use.
func (m *Matcher) Snapshot() *ontology.Snapshot { return m.holder.Load() }

// Match resolves one label. It never fails: empty or unusable labels come
// back unmapped with zero confidence.
func (m *Matcher) Match(label string, c Context) model.MappingResult {
	return m.MatchWith(m.holder.Load(), label, c)
}

// MatchWith resolves a label against a specific snapshot, so that a batch can
// pin one ontology version for all of its labels.
func (m *Matcher) MatchWith(snap *ontology.Snapshot, label string, c Context) model.MappingResult {
	norm := ontology.Normalize(label)
	if norm == "" || snap == nil {
		return model.MappingResult{RawLabel: label}
	}

	if cand, ok := exactStage(snap, norm); ok {
		return toResult(label, []candidate{cand}, m.cfg.MinConfidence, m.cfg.MaxAlternatives)
	}

	h := hintFor(norm, c)
	key := cacheKey(snap, norm, h)
	cacheable := m.cache != nil && len(c.Embedding) == 0
	if cacheable {
		if v, ok := m.cache.Get(key); ok {
			res := v.(model.MappingResult)
			res.RawLabel = label
			res.Alternatives = slices.Clone(res.Alternatives)
			return res
		}
	}

	ranked := merge(m.cfg.TieBreak,
		fuzzyStage(snap, norm, m.cfg.FuzzyThreshold),
		semanticStage(snap, c.Embedding, m.cfg.SemanticThreshold),
		patternStage(snap, norm, h, m.cfg.PatternWeight),
	)
	res := toResult(label, ranked, m.cfg.MinConfidence, m.cfg.MaxAlternatives)

	if cacheable {
		if m.cache.ItemCount() >= m.cfg.CacheSize {
			m.cache.Flush()
		}
		cached := res
		cached.Alternatives = slices.Clone(res.Alternatives)
		m.cache.Set(key, cached, cache.NoExpiration)
	}

	zap.L().Debug("matcher: matched label",
		zap.String("label", label),
		zap.String("metric", res.CanonicalMetricID),
		zap.String("match_type", string(res.MatchType)),
		zap.Float64("confidence", res.Confidence),
	)
	return res
}

func cacheKey(snap *ontology.Snapshot, norm string, h hint) string {
	var sb strings.Builder
	sb.WriteString(snap.Version())
	sb.WriteByte('#')
	sb.WriteString(strconv.FormatUint(snap.Generation(), 10))
	sb.WriteByte('|')
	sb.WriteString(norm)
	sb.WriteByte('|')
	sb.WriteString(h.key())
	return sb.String()
}

// MatchAll matches items concurrently against one ontology snapshot and
// returns results in input order. It only fails when ctx is cancelled.
func (m *Matcher) MatchAll(ctx context.Context, items []Item) ([]model.MappingResult, error) {
	return m.MatchAllWith(ctx, m.holder.Load(), items)
}

// MatchAllWith is MatchAll against a specific snapshot.
func (m *Matcher) MatchAllWith(ctx context.Context, snap *ontology.Snapshot, items []Item) ([]model.MappingResult, error) {
	out := make([]model.MappingResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrency)
	for i, it := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = m.MatchWith(snap, it.Label, it.Context)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveOperand maps a free-text formula operand to a metric id.
func (m *Matcher) ResolveOperand(text string) (string, bool) {
	return m.Pinned(m.holder.Load()).ResolveOperand(text)
}

// PinnedResolver resolves formula operands against one snapshot.
type PinnedResolver struct {
	m    *Matcher
	snap *ontology.Snapshot
}

// Pinned returns an operand resolver bound to snap.
func (m *Matcher) Pinned(snap *ontology.Snapshot) PinnedResolver {
	return PinnedResolver{m: m, snap: snap}
}

// ResolveOperand maps a free-text formula operand to a metric id.
func (p PinnedResolver) ResolveOperand(text string) (string, bool) {
	res := p.m.MatchWith(p.snap, text, Context{})
	return res.CanonicalMetricID, res.Mapped()
}
