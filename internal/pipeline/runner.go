package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink persists finished batches.
type Sink interface {
	SaveBatch(ctx context.Context, res *BatchResult) error
}

// Outcome is the result of one batch in RunAll. Result is set whenever the
// batch resolved, even if saving it failed.
type Outcome struct {
	BatchID string
	Result  *BatchResult
	Err     error
}

// Runner resolves independent batches concurrently.
type Runner struct {
	coord *Coordinator
	limit int
	sink  Sink
}

// NewRunner creates a runner that resolves up to limit batches at once.
func NewRunner(c *Coordinator, limit int) *Runner {
	if limit <= 0 {
		limit = 4
	}
	return &Runner{coord: c, limit: limit}
}

// WithSink saves each resolved batch to s.
func (r *Runner) WithSink(s Sink) *Runner {
	r.sink = s
	return r
}

// RunAll resolves every batch and returns one outcome per batch, in input
// order. A failing batch never stops the others; cancelling ctx stops
// batches that have not finished.
func (r *Runner) RunAll(ctx context.Context, batches []Batch) []Outcome {
	out := make([]Outcome, len(batches))

	var g errgroup.Group
	g.SetLimit(r.limit)
	for i, b := range batches {
		out[i].BatchID = b.ID
		g.Go(func() error {
			res, err := r.coord.Run(ctx, b)
			if err != nil {
				zap.L().Error("pipeline: batch failed", zap.String("batch", b.ID), zap.Error(err))
				out[i].Err = err
				return nil
			}
			out[i].Result = res
			if r.sink == nil {
				return nil
			}
			if err := r.sink.SaveBatch(ctx, res); err != nil {
				zap.L().Error("pipeline: save batch failed", zap.String("batch", b.ID), zap.Error(err))
				out[i].Err = eris.Wrapf(err, "pipeline: save batch %s", b.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range out {
		if o.Err != nil {
			failed++
		}
	}
	zap.L().Info("pipeline: run complete",
		zap.Int("batches", len(batches)),
		zap.Int("failed", failed),
	)
	return out
}
