package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finmetrics/internal/extract"
	"github.com/sells-group/finmetrics/internal/pipeline"
	"github.com/sells-group/finmetrics/internal/store"
)

func writeSources(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"acme.csv":        "Total Revenue,1000\nCost of sales,600\n",
		"globex.csv":      "Revenues,2000\nCost of revenue,1500\n",
		"extraction.json": sampleDocument,
		"broken.json":     "{",
		"notes.txt":       "ignored",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.csv"), 0755))
	return dir
}

func TestListSources(t *testing.T) {
	dir := writeSources(t)

	files, err := listSources(dir, 0)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Equal(t, []string{"acme.csv", "broken.json", "extraction.json", "globex.csv"}, names)

	files, err = listSources(dir, 2)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = listSources(filepath.Join(dir, "missing"), 0)
	assert.Error(t, err)
}

func TestBatchEndToEnd(t *testing.T) {
	c := testConfig(t)
	env := newTestEnv(t, c, true)
	dir := writeSources(t)

	files, err := listSources(dir, 0)
	require.NoError(t, err)

	cat := extract.NewCatalog()
	batches, skipped := loadBatches(context.Background(), files, "", cat, extract.Options{Period: mustPeriod(t, "FY2024")}, "lenient")
	assert.Equal(t, 1, skipped)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.Equal(t, "lenient", b.Profile)
	}
	// CSV files carry no entity of their own.
	batches[0].Entity = "acme"
	batches[2].Entity = "globex"

	outcomes := pipeline.NewRunner(env.Coordinator(c, cat), 2).WithSink(env.Store).RunAll(context.Background(), batches)
	require.Len(t, outcomes, 3)
	assert.Zero(t, countFailed(outcomes))

	list, err := env.Store.ListBatches(context.Background(), store.BatchFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	hist, err := env.Store.MetricHistory(context.Background(), "globex", "gross_margin")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.InDelta(t, 500, hist[0].Value, 1e-9)

	var buf bytes.Buffer
	formatOutcomes(&buf, outcomes)
	assert.Contains(t, buf.String(), "globex")
	assert.Contains(t, buf.String(), "ok")
}

func TestFormatOutcomes_Failed(t *testing.T) {
	outcomes := []pipeline.Outcome{
		{BatchID: "abc12345-0000", Err: errors.New("context canceled")},
	}
	assert.Equal(t, 1, countFailed(outcomes))

	var buf bytes.Buffer
	formatOutcomes(&buf, outcomes)
	assert.Contains(t, buf.String(), "abc12345")
	assert.Contains(t, buf.String(), "error: context canceled")
}
