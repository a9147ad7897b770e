package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/provenance"
)

func TestCatalog(t *testing.T) {
	cat := NewCatalog()
	ref := cat.Add(provenance.DocumentLocation{File: "fy24.xlsx", Sheet: "P&L", Cell: "B7"})
	assert.Equal(t, "fy24.xlsx#P&L!B7", ref)

	table := 2
	pageRef := cat.Add(provenance.DocumentLocation{File: "10k.pdf", Page: 12, TableIndex: &table})
	assert.Equal(t, "10k.pdf#p12.t2", pageRef)

	loc, err := cat.ResolveLocation(ref)
	require.NoError(t, err)
	assert.Equal(t, "B7", loc.Cell)

	_, err = cat.ResolveLocation("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDocument))

	assert.Equal(t, 2, cat.Len())
	assert.Equal(t, []string{"10k.pdf#p12.t2", "fy24.xlsx#P&L!B7"}, cat.Refs())

	// The catalog is what provenance resolves through.
	b := provenance.NewBuilder()
	r, err := b.ForDocument(cat, pageRef)
	require.NoError(t, err)
	assert.Equal(t, "10k.pdf p.12 t2", b.Cite(r))
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		want Format
		err  bool
	}{
		{"data/fy24.csv", FormatCSV, false},
		{"fy24.TSV", FormatCSV, false},
		{"statements.xlsx", FormatXLSX, false},
		{"CIK0000320193.json", FormatXBRL, false},
		{"apple-companyfacts.json", FormatXBRL, false},
		{"extraction.json", FormatJSON, false},
		{"report.pdf", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := DetectFormat(tt.path)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	f, err := ParseFormat("XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)
	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestReadCSV_Positional(t *testing.T) {
	in := "Total Revenue,\"1,000\",0.9\nCOGS,(600)\n,5\nEmpty value,\n"
	cat := NewCatalog()
	period := model.MustParsePeriod("FY2024")

	ext, err := ReadCSV(context.Background(), strings.NewReader(in), "fy24.csv", cat, Options{Entity: "acme", Period: period})
	require.NoError(t, err)
	require.Len(t, ext.Observations, 2)

	rev := ext.Observations[0]
	assert.Equal(t, "Total Revenue", rev.RawLabel)
	assert.Equal(t, "1,000", rev.RawValue)
	assert.InDelta(t, 0.9, rev.ExtractionConfidence, 1e-12)
	assert.Equal(t, "acme", rev.Entity)
	assert.Equal(t, period, rev.Period)
	assert.Equal(t, "fy24.csv#B1", rev.DocumentRef)

	cogs := ext.Observations[1]
	assert.InDelta(t, 1.0, cogs.ExtractionConfidence, 1e-12)
	loc, err := cat.ResolveLocation(cogs.DocumentRef)
	require.NoError(t, err)
	assert.Equal(t, provenance.DocumentLocation{File: "fy24.csv", Cell: "B2", RowHeader: "COGS"}, loc)
}

func TestReadCSV_Header(t *testing.T) {
	in := "entity,metric,period,amount\nacme,Revenue,FY2023,900\nglobex,Revenue,FY2024,1200\n"
	ext, err := ReadCSV(context.Background(), strings.NewReader(in), "multi.csv", NewCatalog(), Options{})
	require.NoError(t, err)
	require.Len(t, ext.Observations, 2)

	assert.Equal(t, "acme", ext.Observations[0].Entity)
	assert.Equal(t, model.MustParsePeriod("FY2023"), ext.Observations[0].Period)
	assert.Equal(t, "multi.csv#D2", ext.Observations[0].DocumentRef)
	assert.Equal(t, "globex", ext.Observations[1].Entity)
}

func TestReadCSV_Errors(t *testing.T) {
	_, err := ReadCSV(context.Background(), strings.NewReader("Revenue,100,1.5\n"), "bad.csv", NewCatalog(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid confidence")

	_, err = ReadCSV(context.Background(), strings.NewReader("label,value,period\nRevenue,100,soon\n"), "bad.csv", NewCatalog(), Options{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ReadCSV(ctx, strings.NewReader("Revenue,100\n"), "x.csv", NewCatalog(), Options{})
	assert.Error(t, err)
}

func createTestXLSX(t *testing.T, sheets map[string][][]any) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, v := range rowData {
				cell := row.AddCell()
				switch v := v.(type) {
				case float64:
					cell.SetFloat(v)
				case string:
					cell.SetString(v)
				}
			}
		}
	}
	path := filepath.Join(t.TempDir(), "fy24.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]any{
		"P&L": {
			{"Line item", "FY2023", "FY2024"},
			{"Total Revenue", 900.0, 1000.0},
			{"Cost of sales", 550.0, "600"},
			{"", 1.0, 2.0},
			{"Gross profit", "", 400.0},
		},
	})

	cat := NewCatalog()
	ext, err := ReadXLSX(context.Background(), path, cat, Options{Entity: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "fy24.xlsx", ext.File)
	require.Len(t, ext.Observations, 5)

	first := ext.Observations[0]
	assert.Equal(t, "Total Revenue", first.RawLabel)
	require.NotNil(t, first.Value)
	assert.InDelta(t, 900, *first.Value, 1e-9)
	assert.Equal(t, model.MustParsePeriod("FY2023"), first.Period)
	assert.Equal(t, "acme", first.Entity)

	loc, err := cat.ResolveLocation(first.DocumentRef)
	require.NoError(t, err)
	assert.Equal(t, "P&L", loc.Sheet)
	assert.Equal(t, "B2", loc.Cell)
	assert.Equal(t, "Total Revenue", loc.RowHeader)
	assert.Equal(t, "FY2023", loc.ColHeader)

	cogs24 := ext.Observations[3]
	assert.Equal(t, "Cost of sales", cogs24.RawLabel)
	assert.Equal(t, "600", cogs24.RawValue)
	assert.Nil(t, cogs24.Value)

	gp := ext.Observations[4]
	assert.Equal(t, "Gross profit", gp.RawLabel)
	assert.Equal(t, "fy24.xlsx#P&L!C5", gp.DocumentRef)
}

func TestReadXLSX_SheetNotFound(t *testing.T) {
	path := createTestXLSX(t, map[string][][]any{"P&L": {{"a", "b"}}})
	_, err := ReadXLSX(context.Background(), path, NewCatalog(), Options{Sheet: "Balance"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Balance" not found`)
}

const sampleCompanyFacts = `{
  "cik": 320193,
  "entityName": "Apple Inc.",
  "facts": {
    "us-gaap": {
      "Assets": {
        "label": "Assets",
        "units": {
          "USD": [
            {"end": "2023-09-30", "val": 352583000000, "fy": 2023, "fp": "FY", "form": "10-K", "filed": "2023-11-03"},
            {"end": "2023-09-30", "val": 352583000000, "fy": 2024, "fp": "FY", "form": "10-K", "filed": "2024-11-01"},
            {"end": "2022-09-24", "val": 352755000000, "fy": 2022, "fp": "FY", "form": "10-K", "filed": "2022-10-28"}
          ]
        }
      },
      "Revenues": {
        "label": "Revenues",
        "units": {
          "USD": [
            {"start": "2022-09-25", "end": "2023-09-30", "val": 383285000000, "fy": 2023, "fp": "FY", "form": "10-K", "filed": "2023-11-03"},
            {"start": "2023-07-02", "end": "2023-09-30", "val": 89498000000, "fy": 2023, "fp": "FY", "form": "10-K", "filed": "2023-11-03"}
          ]
        }
      }
    },
    "dei": {
      "NumberOfEmployees": {
        "label": "Number of Employees",
        "units": {"pure": [{"end": "", "val": 161000}]}
      }
    }
  }
}`

func TestReadCompanyFacts(t *testing.T) {
	cat := NewCatalog()
	ext, err := ReadCompanyFacts(strings.NewReader(sampleCompanyFacts), "CIK0000320193.json", cat, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", ext.Entity)

	// Two assets periods (the restated 2023 value collapses), two revenue periods.
	require.Len(t, ext.Observations, 4)

	fy23 := model.MustParsePeriod("2022-09-25/2023-09-30")
	var assets23 *model.RawObservation
	for i := range ext.Observations {
		o := &ext.Observations[i]
		if o.RawLabel == "Assets" && o.Period == fy23 {
			assets23 = o
		}
	}
	require.NotNil(t, assets23, "instant assets value should take the fiscal year ending on its date")
	assert.InDelta(t, 352583000000, *assets23.Value, 1)
	assert.Equal(t, "Apple Inc.", assets23.Entity)

	loc, err := cat.ResolveLocation(assets23.DocumentRef)
	require.NoError(t, err)
	assert.Equal(t, "us-gaap", loc.Sheet)
	assert.Equal(t, "Assets@2023-09-30#USD", loc.Cell)
	assert.Equal(t, "USD", loc.ColHeader)

	ext, err = ReadCompanyFacts(strings.NewReader(sampleCompanyFacts), "f.json", NewCatalog(), Options{Period: fy23})
	require.NoError(t, err)
	assert.Len(t, ext.Observations, 2)

	_, err = ReadCompanyFacts(strings.NewReader("not json"), "f.json", NewCatalog(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xbrl: parse company facts")
}

func TestReadJSON(t *testing.T) {
	in := `{
	  "entity": "acme",
	  "period": "FY2024",
	  "documents": [
	    {"ref": "d1", "file": "10k.pdf", "page": 12, "table_index": 1},
	    {"ref": "d2", "page": 14, "coordinates": {"x0": 1, "y0": 2, "x1": 3, "y1": 4}}
	  ],
	  "observations": [
	    {"raw_label": "Revenue", "raw_value": "1,000", "document_ref": "d1", "extraction_confidence": 0.92},
	    {"raw_label": "Net income", "value": 120, "document_ref": "d2", "period": "FY2023"}
	  ]
	}`
	cat := NewCatalog()
	ext, err := ReadJSON(strings.NewReader(in), "extraction.json", cat, Options{Confidence: 0.7})
	require.NoError(t, err)
	assert.Equal(t, "acme", ext.Entity)
	require.Len(t, ext.Observations, 2)

	assert.Equal(t, model.MustParsePeriod("FY2024"), ext.Observations[0].Period)
	assert.InDelta(t, 0.92, ext.Observations[0].ExtractionConfidence, 1e-12)
	assert.Equal(t, model.MustParsePeriod("FY2023"), ext.Observations[1].Period)
	assert.InDelta(t, 0.7, ext.Observations[1].ExtractionConfidence, 1e-12)
	require.NotNil(t, ext.Observations[1].Value)

	loc, err := cat.ResolveLocation("d2")
	require.NoError(t, err)
	assert.Equal(t, "extraction.json", loc.File)
	assert.Equal(t, 14, loc.Page)
	require.NotNil(t, loc.Coordinates)

	_, err = ReadJSON(strings.NewReader(`{"observations":[{"raw_label":"x","document_ref":"zz"}]}`), "e.json", NewCatalog(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared document")

	_, err = ReadJSON(strings.NewReader(`{"bogus": 1}`), "e.json", NewCatalog(), Options{})
	assert.Error(t, err)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fy24.tsv")
	require.NoError(t, os.WriteFile(path, []byte("Revenue\t1000\n"), 0o644))

	ext, err := ReadFile(context.Background(), path, "", NewCatalog(), Options{Entity: "acme"})
	require.NoError(t, err)
	require.Len(t, ext.Observations, 1)
	assert.Equal(t, "1000", ext.Observations[0].RawValue)

	_, err = ReadFile(context.Background(), filepath.Join(dir, "missing.csv"), FormatCSV, NewCatalog(), Options{})
	assert.Error(t, err)
}
