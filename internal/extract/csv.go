package extract

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/provenance"
)

// csvColumns locates fields in a CSV row. -1 means absent.
type csvColumns struct {
	label, value, confidence, period, entity int
}

var positional = csvColumns{label: 0, value: 1, confidence: 2, period: -1, entity: -1}

// headerColumns recognises a header row by its column names.
func headerColumns(row []string) (csvColumns, bool) {
	cols := csvColumns{label: -1, value: -1, confidence: -1, period: -1, entity: -1}
	for i, name := range row {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "label", "metric", "line item", "item", "account":
			cols.label = i
		case "value", "amount":
			cols.value = i
		case "confidence":
			cols.confidence = i
		case "period":
			cols.period = i
		case "entity", "company":
			cols.entity = i
		}
	}
	return cols, cols.label >= 0 && cols.value >= 0
}

// ReadCSV reads "label,value[,confidence]" rows. A first row naming its
// columns (label, value, confidence, period, entity) is treated as a header.
// Each value is cited by its cell, e.g. "B7" for the seventh line.
func ReadCSV(ctx context.Context, r io.Reader, file string, cat *Catalog, opts Options) (*Extraction, error) {
	rows, errs := streamCSV(ctx, r, opts.Delimiter)

	ext := &Extraction{File: file, Entity: opts.Entity, Period: opts.Period}
	cols := positional
	line := -1
	for row := range rows {
		line++
		if line == 0 {
			if hc, ok := headerColumns(row); ok {
				cols = hc
				continue
			}
		}

		label := field(row, cols.label)
		raw := field(row, cols.value)
		if label == "" || raw == "" {
			continue
		}

		o := model.RawObservation{
			RawLabel:             label,
			RawValue:             raw,
			ExtractionConfidence: opts.confidence(),
			Entity:               field(row, cols.entity),
		}
		if s := field(row, cols.confidence); s != "" {
			c, err := strconv.ParseFloat(s, 64)
			if err != nil || c < 0 || c > 1 {
				drain(rows)
				return nil, eris.Errorf("extract: %s line %d: invalid confidence %q", file, line+1, s)
			}
			o.ExtractionConfidence = c
		}
		if s := field(row, cols.period); s != "" {
			p, err := model.ParsePeriod(s)
			if err != nil {
				drain(rows)
				return nil, eris.Wrapf(err, "extract: %s line %d", file, line+1)
			}
			o.Period = p
		}
		o.DocumentRef = cat.Add(provenance.DocumentLocation{
			File:      file,
			Cell:      xlsx.GetCellIDStringFromCoords(cols.value, line),
			RowHeader: label,
		})
		ext.Observations = append(ext.Observations, o)
	}
	if err := <-errs; err != nil {
		return nil, eris.Wrapf(err, "extract: read %s", file)
	}

	defaults(ext.Observations, opts.Entity, opts.Period)
	return ext, nil
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func drain(ch <-chan []string) {
	for range ch {
	}
}

// streamCSV reads rows onto a channel. Both channels are closed when
// reading stops; at most one error is sent.
func streamCSV(ctx context.Context, r io.Reader, delimiter rune) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if delimiter != 0 {
			reader.Comma = delimiter
		}
		reader.LazyQuotes = true
		reader.FieldsPerRecord = -1 // allow variable fields

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
