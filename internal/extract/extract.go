package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finmetrics/internal/model"
)

// Format identifies a source document type.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatXBRL Format = "xbrl"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatCSV, FormatXLSX, FormatXBRL, FormatJSON:
		return f, nil
	default:
		return "", eris.Errorf("extract: unknown format %q", s)
	}
}

// DetectFormat guesses the format from a file name. Company-facts files are
// JSON on disk and are recognised by a "CIK" prefix or a "companyfacts"
// marker in the name.
func DetectFormat(path string) (Format, error) {
	base := strings.ToLower(filepath.Base(path))
	switch filepath.Ext(base) {
	case ".csv", ".tsv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".json":
		if strings.HasPrefix(base, "cik") || strings.Contains(base, "companyfacts") {
			return FormatXBRL, nil
		}
		return FormatJSON, nil
	default:
		return "", eris.Errorf("extract: cannot detect format of %q", path)
	}
}

// Extraction is the set of observations read from one document. Entity and
// Period are the document's defaults, when it names them.
type Extraction struct {
	File         string
	Entity       string
	Period       model.Period
	Observations []model.RawObservation
}

// Options apply to every reader.
type Options struct {
	// Entity and Period fill observations that do not name their own.
	Entity string
	Period model.Period
	// Confidence is the extraction confidence for sources that do not
	// report one. Zero means 1.
	Confidence float64
	// Sheet selects an XLSX sheet by name; empty reads every sheet.
	Sheet string
	// Delimiter overrides the CSV field separator.
	Delimiter rune
}

func (o Options) confidence() float64 {
	if o.Confidence <= 0 || o.Confidence > 1 {
		return 1
	}
	return o.Confidence
}

// ReadFile reads path in the given format, registering every location in
// cat. An empty format is detected from the file name.
func ReadFile(ctx context.Context, path string, format Format, cat *Catalog, opts Options) (*Extraction, error) {
	if format == "" {
		f, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = f
	}
	file := filepath.Base(path)

	var (
		ext *Extraction
		err error
	)
	switch format {
	case FormatXLSX:
		ext, err = ReadXLSX(ctx, path, cat, opts)
	case FormatCSV, FormatXBRL, FormatJSON:
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil, eris.Wrapf(openErr, "extract: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		switch format {
		case FormatCSV:
			if opts.Delimiter == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
				opts.Delimiter = '\t'
			}
			ext, err = ReadCSV(ctx, f, file, cat, opts)
		case FormatXBRL:
			ext, err = ReadCompanyFacts(f, file, cat, opts)
		default:
			ext, err = ReadJSON(f, file, cat, opts)
		}
	default:
		return nil, eris.Errorf("extract: unknown format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return ext, nil
}

func defaults(obs []model.RawObservation, entity string, period model.Period) {
	for i := range obs {
		if obs[i].Entity == "" {
			obs[i].Entity = entity
		}
		if obs[i].Period.IsZero() {
			obs[i].Period = period
		}
	}
}
