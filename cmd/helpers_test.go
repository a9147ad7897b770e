package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/finmetrics/internal/config"
	"github.com/sells-group/finmetrics/internal/model"
)

// testConfig loads defaults from an empty temp dir and points the store at
// a fresh SQLite file.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	c, err := config.Load()
	require.NoError(t, err)
	c.Store.DatabaseURL = filepath.Join(dir, "test.db")
	return c
}

func newTestEnv(t *testing.T, c *config.Config, withStore bool) *resolveEnv {
	t.Helper()
	env, err := initEnv(context.Background(), c, envOptions{Store: withStore})
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

const sampleDocument = `{
  "entity": "acme",
  "period": "FY2024",
  "documents": [
    {"ref": "d1", "file": "10k.pdf", "page": 12, "table_index": 2},
    {"ref": "d2", "file": "10k.pdf", "page": 13}
  ],
  "observations": [
    {"raw_label": "Total Revenue", "raw_value": "1,000", "document_ref": "d1", "extraction_confidence": 0.95},
    {"raw_label": "Cost of sales", "raw_value": "(600)", "document_ref": "d1", "extraction_confidence": 0.9},
    {"raw_label": "Widgets shipped to Mars", "raw_value": "7", "document_ref": "d2", "extraction_confidence": 0.9}
  ]
}`

func mustPeriod(t *testing.T, s string) model.Period {
	t.Helper()
	p, err := model.ParsePeriod(s)
	require.NoError(t, err)
	return p
}
