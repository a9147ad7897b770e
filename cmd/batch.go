package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finmetrics/internal/extract"
	"github.com/sells-group/finmetrics/internal/pipeline"
)

var (
	batchFlags       sourceFlags
	batchDir         string
	batchConcurrency int
	batchLimit       int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Resolve every source document in a directory",
	Long:  "Reads each supported file in --dir as its own batch and resolves the batches concurrently. Results are saved to the configured store.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts, format, err := batchFlags.options()
		if err != nil {
			return err
		}

		files, err := listSources(batchDir, batchLimit)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Fprintln(os.Stderr, "No source documents found.")
			return nil
		}

		env, err := initEnv(ctx, cfg, envOptions{Store: true})
		if err != nil {
			return err
		}
		defer env.Close()

		cat := extract.NewCatalog()
		batches, skipped := loadBatches(ctx, files, format, cat, opts, batchFlags.profile)

		concurrency := batchConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Batch.MaxConcurrentBatches
		}
		runner := pipeline.NewRunner(env.Coordinator(cfg, cat), concurrency)
		if env.Store != nil {
			runner = runner.WithSink(env.Store)
		}
		outcomes := runner.RunAll(ctx, batches)

		formatOutcomes(os.Stdout, outcomes)
		if failed := countFailed(outcomes) + skipped; failed > 0 {
			return eris.Errorf("%d of %d documents failed", failed, len(files))
		}
		return nil
	},
}

// listSources returns the files in dir whose format can be detected, in
// name order, capped at limit when limit is positive.
func listSources(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "read dir %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, err := extract.DetectFormat(path); err != nil {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

// loadBatches reads each file into a batch. Files that cannot be read are
// logged and counted in skipped.
func loadBatches(ctx context.Context, files []string, format extract.Format, cat *extract.Catalog, opts extract.Options, profile string) (batches []pipeline.Batch, skipped int) {
	for _, path := range files {
		b, err := loadBatch(ctx, path, format, cat, opts)
		if err != nil {
			zap.L().Warn("skipping document", zap.String("file", path), zap.Error(err))
			skipped++
			continue
		}
		b.Profile = profile
		batches = append(batches, b)
	}
	return batches, skipped
}

func countFailed(outcomes []pipeline.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// formatOutcomes writes one line per batch to w.
func formatOutcomes(out io.Writer, outcomes []pipeline.Outcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BATCH\tENTITY\tMETRICS\tGAPS\tFAILED\tSTATUS")
	_, _ = fmt.Fprintln(w, "-----\t------\t-------\t----\t------\t------")

	for _, o := range outcomes {
		status := "ok"
		if o.Err != nil {
			status = "error: " + o.Err.Error()
		}
		if o.Result == nil {
			_, _ = fmt.Fprintf(w, "%s\t\t\t\t\t%s\n", truncateID(o.BatchID), status)
			continue
		}
		sum := o.Result.Summary()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(o.BatchID),
			o.Result.Entity,
			len(o.Result.Metrics),
			sum.Gaps,
			sum.Failed,
			status,
		)
	}
	_ = w.Flush()
}

func init() {
	addSourceFlags(batchCmd, &batchFlags)
	batchCmd.Flags().StringVar(&batchDir, "dir", ".", "directory of source documents")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "batches resolved at once (default from config)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of documents to process (0 = all)")
	rootCmd.AddCommand(batchCmd)
}
