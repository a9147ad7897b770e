package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finmetrics/internal/extract"
	"github.com/sells-group/finmetrics/internal/fetcher"
	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/pipeline"
)

// sourceFlags are the document flags shared by resolve and batch.
type sourceFlags struct {
	entity     string
	period     string
	profile    string
	format     string
	sheet      string
	confidence float64
}

func (f sourceFlags) options() (extract.Options, extract.Format, error) {
	opts := extract.Options{
		Entity:     f.entity,
		Sheet:      f.sheet,
		Confidence: f.confidence,
	}
	if f.period != "" {
		p, err := model.ParsePeriod(f.period)
		if err != nil {
			return opts, "", eris.Wrap(err, "invalid --period")
		}
		opts.Period = p
	}
	var format extract.Format
	if f.format != "" {
		ff, err := extract.ParseFormat(f.format)
		if err != nil {
			return opts, "", err
		}
		format = ff
	}
	return opts, format, nil
}

var (
	resolveFlags   sourceFlags
	resolveInput   string
	resolveCIK     string
	resolveOutput  string
	resolveOut     string
	resolveNoStore bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the metrics in one source document",
	Long: "Reads observations from a CSV, XLSX, XBRL company-facts or JSON file, maps them to canonical metrics, derives and validates metrics, and prints the result.\n\n" +
		"With --cik the company-facts file is downloaded from SEC instead.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if (resolveInput == "") == (resolveCIK == "") {
			return eris.New("exactly one of --input or --cik is required")
		}

		opts, format, err := resolveFlags.options()
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg, envOptions{Store: !resolveNoStore})
		if err != nil {
			return err
		}
		defer env.Close()

		cat := extract.NewCatalog()
		var batch pipeline.Batch
		if resolveCIK != "" {
			batch, err = fetchCompanyFacts(ctx, fetcher.NewHTTPFetcher(cfg.FetcherOptions()), cfg.SEC.BaseURL, resolveCIK, cat, opts)
		} else {
			batch, err = loadBatch(ctx, resolveInput, format, cat, opts)
		}
		if err != nil {
			return err
		}
		batch.Profile = resolveFlags.profile

		res, err := env.Coordinator(cfg, cat).Run(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "resolve")
		}

		if env.Store != nil {
			if err := env.Store.SaveBatch(ctx, res); err != nil {
				return eris.Wrap(err, "save batch")
			}
		}

		out := io.Writer(os.Stdout)
		if resolveOut != "" {
			f, err := os.Create(resolveOut)
			if err != nil {
				return eris.Wrapf(err, "create %s", resolveOut)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		return writeResult(out, res, resolveOutput)
	},
}

// loadBatch reads one document into a batch, registering its locations in
// cat.
func loadBatch(ctx context.Context, path string, format extract.Format, cat *extract.Catalog, opts extract.Options) (pipeline.Batch, error) {
	ext, err := extract.ReadFile(ctx, path, format, cat, opts)
	if err != nil {
		return pipeline.Batch{}, err
	}
	if len(ext.Observations) == 0 {
		return pipeline.Batch{}, eris.Errorf("no observations in %s", path)
	}
	zap.L().Info("loaded observations",
		zap.String("file", ext.File),
		zap.String("entity", ext.Entity),
		zap.Int("observations", len(ext.Observations)),
	)
	return newRequestBatch(ext, ""), nil
}

// fetchCompanyFacts downloads the SEC company-facts file of cik and reads it
// into a batch.
func fetchCompanyFacts(ctx context.Context, f fetcher.Fetcher, baseURL, cik string, cat *extract.Catalog, opts extract.Options) (pipeline.Batch, error) {
	n, err := fetcher.ParseCIK(cik)
	if err != nil {
		return pipeline.Batch{}, err
	}
	body, err := fetcher.FetchCompanyFacts(ctx, f, baseURL, n)
	if err != nil {
		return pipeline.Batch{}, err
	}
	defer body.Close() //nolint:errcheck

	ext, err := extract.ReadCompanyFacts(body, fetcher.CompanyFactsFile(n), cat, opts)
	if err != nil {
		return pipeline.Batch{}, err
	}
	if len(ext.Observations) == 0 {
		return pipeline.Batch{}, eris.Errorf("no observations for CIK %d", n)
	}
	zap.L().Info("fetched company facts",
		zap.Int("cik", n),
		zap.String("entity", ext.Entity),
		zap.Int("observations", len(ext.Observations)),
	)
	return newRequestBatch(ext, ""), nil
}

// newRequestBatch builds a batch from an extraction. An empty profile means
// the configured default.
func newRequestBatch(ext *extract.Extraction, profile string) pipeline.Batch {
	b := pipeline.NewBatch(ext.Entity, ext.Period, ext.Observations)
	b.Profile = profile
	return b
}

// writeResult renders res as a markdown report or as indented JSON.
func writeResult(w io.Writer, res *pipeline.BatchResult, output string) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "", "report":
		_, err := fmt.Fprint(w, pipeline.FormatReport(res))
		return err
	default:
		return eris.Errorf("unknown output %q (want report or json)", output)
	}
}

func addSourceFlags(cmd *cobra.Command, f *sourceFlags) {
	cmd.Flags().StringVar(&f.entity, "entity", "", "entity the observations belong to (overrides the document)")
	cmd.Flags().StringVar(&f.period, "period", "", "reporting period, e.g. FY2024, 2024-Q3, 2024-06-30")
	cmd.Flags().StringVar(&f.profile, "profile", "", "tolerance profile: strict, moderate or lenient (default from config)")
	cmd.Flags().StringVar(&f.format, "format", "", "input format: csv, xlsx, xbrl or json (default from file name)")
	cmd.Flags().StringVar(&f.sheet, "sheet", "", "XLSX sheet to read (default all sheets)")
	cmd.Flags().Float64Var(&f.confidence, "confidence", 0, "extraction confidence for sources that do not report one (default 1)")
}

func init() {
	addSourceFlags(resolveCmd, &resolveFlags)
	resolveCmd.Flags().StringVar(&resolveInput, "input", "", "source document to resolve")
	resolveCmd.Flags().StringVar(&resolveCIK, "cik", "", "SEC Central Index Key to download company facts for, instead of --input")
	resolveCmd.Flags().StringVar(&resolveOutput, "output", "report", "output: report or json")
	resolveCmd.Flags().StringVar(&resolveOut, "out", "", "write output to a file instead of stdout")
	resolveCmd.Flags().BoolVar(&resolveNoStore, "no-store", false, "do not save the result")
	resolveCmd.MarkFlagsMutuallyExclusive("input", "cik")
	rootCmd.AddCommand(resolveCmd)
}
