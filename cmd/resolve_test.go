package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finmetrics/internal/extract"
	"github.com/sells-group/finmetrics/internal/fetcher"
	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/pipeline"
)

func TestSourceFlags_Options(t *testing.T) {
	opts, format, err := sourceFlags{entity: "acme", period: "FY2024", format: "XLSX", sheet: "P&L", confidence: 0.8}.options()
	require.NoError(t, err)
	assert.Equal(t, extract.FormatXLSX, format)
	assert.Equal(t, "acme", opts.Entity)
	assert.Equal(t, "P&L", opts.Sheet)
	assert.Equal(t, model.MustParsePeriod("FY2024"), opts.Period)
	assert.InDelta(t, 0.8, opts.Confidence, 1e-9)

	opts, format, err = sourceFlags{}.options()
	require.NoError(t, err)
	assert.Empty(t, format)
	assert.True(t, opts.Period.IsZero())

	_, _, err = sourceFlags{period: "last year"}.options()
	assert.Error(t, err)
	_, _, err = sourceFlags{format: "pdf"}.options()
	assert.Error(t, err)
}

func TestLoadBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acme.csv")
	require.NoError(t, os.WriteFile(path, []byte("Total Revenue,1000\nCost of sales,600\n"), 0644))

	cat := extract.NewCatalog()
	b, err := loadBatch(context.Background(), path, "", cat, extract.Options{Entity: "acme", Period: model.MustParsePeriod("FY2024")})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "acme", b.Entity)
	assert.Len(t, b.Observations, 2)
	assert.Empty(t, b.Profile)
	assert.Equal(t, 2, cat.Len())

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0644))
	_, err = loadBatch(context.Background(), empty, "", cat, extract.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no observations")
}

const appleFacts = `{
  "cik": 320193,
  "entityName": "Apple Inc.",
  "facts": {"us-gaap": {
    "Revenues": {"label": "Revenues", "units": {"USD": [
      {"start": "2024-01-01", "end": "2024-12-31", "val": 1000, "accn": "a1", "fy": 2024, "fp": "FY", "form": "10-K", "filed": "2025-02-01"}
    ]}},
    "CostOfRevenue": {"label": "Cost of Revenue", "units": {"USD": [
      {"start": "2024-01-01", "end": "2024-12-31", "val": 600, "accn": "a1", "fy": 2024, "fp": "FY", "form": "10-K", "filed": "2025-02-01"}
    ]}}
  }}
}`

func TestFetchCompanyFacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/xbrl/companyfacts/CIK0000320193.json":
			w.Write([]byte(appleFacts)) //nolint:errcheck
		case "/api/xbrl/companyfacts/CIK0000000007.json":
			w.Write([]byte(`{"cik": 7, "entityName": "Empty Co", "facts": {}}`)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{UserAgent: "test ops@example.com"})
	cat := extract.NewCatalog()

	b, err := fetchCompanyFacts(context.Background(), f, srv.URL, "CIK0000320193", cat, extract.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", b.Entity)
	assert.Len(t, b.Observations, 2)
	loc, err := cat.ResolveLocation(b.Observations[0].DocumentRef)
	require.NoError(t, err)
	assert.Equal(t, "CIK0000320193.json", loc.File)

	_, err = fetchCompanyFacts(context.Background(), f, srv.URL, "7", cat, extract.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no observations for CIK 7")

	_, err = fetchCompanyFacts(context.Background(), f, srv.URL, "apple", cat, extract.Options{})
	assert.Error(t, err)
}

func TestResolveEndToEnd(t *testing.T) {
	c := testConfig(t)
	env := newTestEnv(t, c, true)

	path := filepath.Join(t.TempDir(), "extraction.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0644))

	cat := extract.NewCatalog()
	b, err := loadBatch(context.Background(), path, "", cat, extract.Options{})
	require.NoError(t, err)

	res, err := env.Coordinator(c, cat).Run(context.Background(), b)
	require.NoError(t, err)
	require.NoError(t, env.Store.SaveBatch(context.Background(), res))

	var report bytes.Buffer
	require.NoError(t, writeResult(&report, res, "report"))
	assert.Contains(t, report.String(), "# Metric Resolution Report: acme")
	assert.Contains(t, report.String(), "gross_margin")

	var raw bytes.Buffer
	require.NoError(t, writeResult(&raw, res, "json"))
	var decoded pipeline.BatchResult
	require.NoError(t, json.Unmarshal(raw.Bytes(), &decoded))
	assert.Equal(t, res.ID, decoded.ID)

	assert.Error(t, writeResult(&raw, res, "yaml"))

	stored, err := env.Store.GetBatch(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, "moderate", stored.Profile)
}

func TestEnvCoordinator_UsesConfig(t *testing.T) {
	c := testConfig(t)
	c.Validate.Profile = "lenient"
	c.Calc.FormulaDiscount = 0.5
	env := newTestEnv(t, c, false)

	path := filepath.Join(t.TempDir(), "extraction.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0644))
	cat := extract.NewCatalog()
	b, err := loadBatch(context.Background(), path, "", cat, extract.Options{})
	require.NoError(t, err)

	res, err := env.Coordinator(c, cat).Run(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, "lenient", res.Profile)

	fy24 := model.MustParsePeriod("FY2024")
	gm, ok := res.Metric("gross_margin", "acme", fy24)
	require.True(t, ok)
	rev, _ := res.Metric("revenue", "acme", fy24)
	assert.Less(t, gm.Confidence, rev.Confidence*0.6)
}

func TestInitStore(t *testing.T) {
	c := testConfig(t)

	st, err := initStore(context.Background(), c.Store)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.NoError(t, st.Close())

	c.Store.Driver = "none"
	st, err = initStore(context.Background(), c.Store)
	require.NoError(t, err)
	assert.Nil(t, st)

	c.Store.Driver = "mysql"
	_, err = initStore(context.Background(), c.Store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}
