package extract

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/provenance"
)

// ReadXLSX reads financial statement sheets laid out with line-item labels in
// the first column and one value column per period. The first row is the
// column header; headers that parse as periods ("FY2024", "2024-Q3",
// "2024-12-31") set the period of their column. Every value is cited by its
// exact cell with its row and column headers.
func ReadXLSX(ctx context.Context, path string, cat *Catalog, opts Options) (*Extraction, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	sheets, err := selectSheets(f, opts.Sheet)
	if err != nil {
		return nil, err
	}

	file := filepath.Base(path)
	ext := &Extraction{File: file, Entity: opts.Entity, Period: opts.Period}
	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "xlsx: context cancelled")
		}
		ext.Observations = append(ext.Observations, readSheet(sheet, file, cat, opts)...)
	}
	defaults(ext.Observations, opts.Entity, opts.Period)
	return ext, nil
}

func selectSheets(f *xlsx.File, name string) ([]*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", name)
		}
		return []*xlsx.Sheet{sheet}, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}
	return f.Sheets, nil
}

func readSheet(sheet *xlsx.Sheet, file string, cat *Catalog, opts Options) []model.RawObservation {
	if len(sheet.Rows) == 0 {
		return nil
	}

	headers := rowToStrings(sheet.Rows[0])
	periods := make([]model.Period, len(headers))
	for j, h := range headers {
		if p, err := model.ParsePeriod(h); err == nil {
			periods[j] = p
		}
	}

	var out []model.RawObservation
	for i := 1; i < len(sheet.Rows); i++ {
		row := sheet.Rows[i]
		if row == nil || len(row.Cells) == 0 {
			continue
		}
		label := strings.TrimSpace(row.Cells[0].String())
		if label == "" {
			continue
		}
		for j := 1; j < len(row.Cells); j++ {
			cell := row.Cells[j]
			raw := strings.TrimSpace(cell.String())
			if raw == "" {
				continue
			}
			o := model.RawObservation{
				RawLabel:             label,
				RawValue:             raw,
				ExtractionConfidence: opts.confidence(),
			}
			if cell.Type() == xlsx.CellTypeNumeric {
				if v, err := cell.Float(); err == nil {
					o.Value = &v
				}
			}
			if j < len(periods) {
				o.Period = periods[j]
			}
			colHeader := ""
			if j < len(headers) {
				colHeader = headers[j]
			}
			o.DocumentRef = cat.Add(provenance.DocumentLocation{
				File:      file,
				Sheet:     sheet.Name,
				Cell:      xlsx.GetCellIDStringFromCoords(j, i),
				RowHeader: label,
				ColHeader: colHeader,
			})
			out = append(out, o)
		}
	}
	return out
}

func rowToStrings(row *xlsx.Row) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}
