package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/finmetrics/internal/matcher"
	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/ontology"
)

var ontologyCmd = &cobra.Command{
	Use:   "ontology",
	Short: "Inspect the canonical metric ontology",
	Long:  "Commands for validating ontology files, listing canonical metrics, and testing label matches.",
}

// -- ontology validate --

var ontologyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate an ontology file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Ontology.Path
		if len(args) == 1 {
			path = args[0]
		}

		snap, err := ontology.Load(path)
		if err != nil {
			var verr *ontology.ValidationError
			if errors.As(err, &verr) {
				for _, p := range verr.Problems {
					fmt.Fprintf(os.Stderr, "  - %s\n", p)
				}
			}
			return err
		}

		name := path
		if name == "" {
			name = "built-in ontology"
		}
		fmt.Fprintf(os.Stdout, "%s: ok (version %s, %d metrics, %d formulas, %d synonyms)\n",
			name, snap.Version(), len(snap.IDs()), len(snap.Formulas()), len(snap.Synonyms()))
		return nil
	},
}

// -- ontology list --

var ontologyListCategory string

var ontologyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List canonical metrics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		snap, err := ontology.Load(cfg.Ontology.Path)
		if err != nil {
			return err
		}
		formatMetricList(os.Stdout, snap.Metrics(), model.Category(ontologyListCategory))
		return nil
	},
}

// -- ontology match --

var (
	ontologyMatchValue string
	ontologyMatchJSON  bool
)

var ontologyMatchCmd = &cobra.Command{
	Use:   "match <label>",
	Short: "Show how a raw label maps to the ontology",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, envOptions{})
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := matchLabel(ctx, env, strings.Join(args, " "), ontologyMatchValue)
		if err != nil {
			return err
		}

		if ontologyMatchJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		formatMapping(os.Stdout, res)
		return nil
	},
}

// matchLabel maps one label, embedding it first when a semantic model is
// configured.
func matchLabel(ctx context.Context, env *resolveEnv, label, rawValue string) (model.MappingResult, error) {
	mc := matcher.Context{RawValue: rawValue}
	if env.Embedder != nil {
		vecs, err := env.Embedder.Embed(ctx, []string{ontology.Normalize(label)})
		if err != nil {
			return model.MappingResult{}, eris.Wrap(err, "embed label")
		}
		if len(vecs) == 1 {
			mc.Embedding = vecs[0]
		}
	}
	return env.Matcher.Match(label, mc), nil
}

// formatMetricList writes canonical metrics as a table, optionally limited
// to one category.
func formatMetricList(out io.Writer, metrics []model.CanonicalMetric, category model.Category) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCATEGORY\tUNIT\tSYNONYMS\tFORMULA")
	_, _ = fmt.Fprintln(w, "--\t--------\t----\t--------\t-------")

	for _, m := range metrics {
		if category != "" && m.Category != category {
			continue
		}
		synonyms := strings.Join(m.Synonyms, ", ")
		if len(synonyms) > 40 {
			synonyms = synonyms[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Category, m.UnitType, synonyms, m.Formula)
	}
	_ = w.Flush()
}

// formatMapping writes a mapping result and its alternatives to w.
func formatMapping(out io.Writer, res model.MappingResult) {
	if !res.Mapped() {
		_, _ = fmt.Fprintf(out, "%q: unmapped\n", res.RawLabel)
	} else {
		_, _ = fmt.Fprintf(out, "%q -> %s (%s, confidence %.2f)\n",
			res.RawLabel, res.CanonicalMetricID, res.MatchType, res.Confidence)
	}
	if len(res.Alternatives) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "  CANDIDATE\tMATCH\tCONFIDENCE")
	for _, a := range res.Alternatives {
		_, _ = fmt.Fprintf(w, "  %s\t%s\t%.2f\n", a.MetricID, a.MatchType, a.Confidence)
	}
	_ = w.Flush()
}

func init() {
	ontologyListCmd.Flags().StringVar(&ontologyListCategory, "category", "", "only list metrics in this category")
	ontologyMatchCmd.Flags().StringVar(&ontologyMatchValue, "value", "", "raw value text used as a unit hint, e.g. 12%")
	ontologyMatchCmd.Flags().BoolVar(&ontologyMatchJSON, "json", false, "print the mapping as JSON")

	ontologyCmd.AddCommand(ontologyValidateCmd)
	ontologyCmd.AddCommand(ontologyListCmd)
	ontologyCmd.AddCommand(ontologyMatchCmd)
	rootCmd.AddCommand(ontologyCmd)
}
