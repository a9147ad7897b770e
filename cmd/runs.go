package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/finmetrics/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored batch results",
	Long:  "Commands for listing stored batches, viewing one batch, and tracing a metric across batches.",
}

// openStore opens the configured store for the runs commands, which are
// useless without one.
func openStore(cmd *cobra.Command) (store.Store, error) {
	st, err := initStore(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, eris.New("no store configured (store.driver is none)")
	}
	return st, nil
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored batches, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entity, _ := cmd.Flags().GetString("entity")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		batches, err := st.ListBatches(cmd.Context(), store.BatchFilter{
			Entity: entity,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(batches) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}

		formatBatchList(os.Stdout, batches)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a stored batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := st.GetBatch(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		output, _ := cmd.Flags().GetString("output")
		return writeResult(os.Stdout, res, output)
	},
}

// -- runs history --

var runsHistoryCmd = &cobra.Command{
	Use:   "history <entity> <metric-id>",
	Short: "Show every stored value of a metric for an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hist, err := st.MetricHistory(cmd.Context(), args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "runs history")
		}

		if len(hist) == 0 {
			fmt.Fprintln(os.Stderr, "No values found.")
			return nil
		}

		formatMetricHistory(os.Stdout, hist)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("entity", "", "filter by entity")
	runsListCmd.Flags().Int("limit", 50, "max number of batches to display")
	runsListCmd.Flags().Int("offset", 0, "skip this many batches")

	runsShowCmd.Flags().String("output", "report", "output: report or json")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsHistoryCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatBatchList writes a tabular list of batches to w.
func formatBatchList(out io.Writer, batches []store.BatchRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tENTITY\tPERIOD\tPROFILE\tMAPPED\tCALC\tGAPS\tFAILED\tCOMPLETED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-------\t------\t----\t----\t------\t---------\t--------")

	for _, b := range batches {
		entity := b.Entity
		if len(entity) > 30 {
			entity = entity[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(b.ID),
			entity,
			b.Period,
			b.Profile,
			b.Summary.Mapped,
			b.Summary.Observations,
			b.Summary.Calculated,
			b.Summary.Gaps,
			b.Summary.Failed,
			b.CompletedAt.Format("2006-01-02 15:04"),
			b.CompletedAt.Sub(b.StartedAt).Round(time.Millisecond),
		)
	}
	_ = w.Flush()
}

// formatMetricHistory writes stored values of one metric to w.
func formatMetricHistory(out io.Writer, hist []store.MetricRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BATCH\tPERIOD\tVALUE\tCONFIDENCE\tORIGIN\tSOURCE\tCOMPLETED")
	_, _ = fmt.Fprintln(w, "-----\t------\t-----\t----------\t------\t------\t---------")

	for _, m := range hist {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
			truncateID(m.BatchID),
			m.Period,
			formatValue(m.Value),
			m.Confidence,
			m.Origin,
			m.Citation,
			m.CompletedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
