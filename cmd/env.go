package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finmetrics/internal/config"
	"github.com/sells-group/finmetrics/internal/matcher"
	"github.com/sells-group/finmetrics/internal/ontology"
	"github.com/sells-group/finmetrics/internal/pipeline"
	"github.com/sells-group/finmetrics/internal/provenance"
	"github.com/sells-group/finmetrics/internal/store"
	"github.com/sells-group/finmetrics/internal/validate"
	"github.com/sells-group/finmetrics/pkg/embedding"
)

// resolveEnv holds the ontology, matcher and optional collaborators shared
// by the resolve, batch, ontology and serve commands.
type resolveEnv struct {
	Holder   *ontology.Holder
	Matcher  *matcher.Matcher
	Embedder *embedding.Client // may be nil
	Store    store.Store       // may be nil
}

// Close releases resources held by the environment.
func (e *resolveEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// Coordinator builds a coordinator configured from c that cites
// observations through resolver.
func (e *resolveEnv) Coordinator(c *config.Config, resolver provenance.LocationResolver) *pipeline.Coordinator {
	coord := pipeline.NewCoordinator(e.Matcher, resolver).
		WithProfile(validate.Profile(c.Validate.Profile)).
		WithDiscount(c.Calc.FormulaDiscount).
		WithEpsilon(c.Validate.Epsilon)
	if e.Embedder != nil {
		coord = coord.WithEmbedder(e.Embedder)
	}
	return coord
}

// envOptions selects which optional parts initEnv sets up.
type envOptions struct {
	Store bool
}

// initEnv loads the ontology, connects the embedding client when one is
// configured and opens the store when asked to. Callers should defer
// env.Close().
func initEnv(ctx context.Context, c *config.Config, opts envOptions) (*resolveEnv, error) {
	snap, err := ontology.Load(c.Ontology.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load ontology")
	}

	env := &resolveEnv{}
	if c.Embedding.Enabled() {
		client, err := embedding.NewClient(c.EmbeddingOptions())
		if err != nil {
			return nil, eris.Wrap(err, "init embedding client")
		}
		env.Embedder = client

		snap, err = ontology.Embed(ctx, client, snap)
		if err != nil {
			return nil, eris.Wrap(err, "embed ontology")
		}
	}

	env.Holder = ontology.NewHolder(snap)
	if env.Embedder != nil {
		env.Holder.SetPrepare(func(s *ontology.Snapshot) (*ontology.Snapshot, error) {
			return ontology.Embed(context.Background(), env.Embedder, s)
		})
	}
	env.Matcher = matcher.New(env.Holder, c.MatcherOptions())

	if opts.Store {
		st, err := initStore(ctx, c.Store)
		if err != nil {
			return nil, err
		}
		env.Store = st
	}

	zap.L().Debug("environment ready",
		zap.String("ontology", snap.Version()),
		zap.Int("metrics", len(snap.IDs())),
		zap.Bool("semantic", env.Embedder != nil),
		zap.Bool("store", env.Store != nil),
	)
	return env, nil
}

// initStore opens and migrates the configured result store. The "none"
// driver returns a nil store.
func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch sc.Driver {
	case "none":
		return nil, nil
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "finmetrics.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
