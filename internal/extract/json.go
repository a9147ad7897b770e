package extract

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/provenance"
)

// jsonDocument is the native extraction file: document locations (usually
// PDF pages and tables) and the observations that reference them.
//
//	{
//	  "entity": "acme", "period": "FY2024",
//	  "documents": [{"ref": "d1", "file": "10k.pdf", "page": 12, "table_index": 2}],
//	  "observations": [{"raw_label": "Revenue", "raw_value": "1,000", "document_ref": "d1",
//	                    "extraction_confidence": 0.92}]
//	}
type jsonDocument struct {
	Entity       string                 `json:"entity"`
	Period       model.Period           `json:"period"`
	Documents    []jsonLocation         `json:"documents"`
	Observations []model.RawObservation `json:"observations"`
}

type jsonLocation struct {
	Ref string `json:"ref"`
	provenance.DocumentLocation
}

// ReadJSON reads a native extraction file. Document refs are registered in
// cat as given; an observation naming an undeclared ref is an error.
func ReadJSON(r io.Reader, file string, cat *Catalog, opts Options) (*Extraction, error) {
	var doc jsonDocument
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrapf(err, "extract: parse %s", file)
	}

	declared := make(map[string]bool, len(doc.Documents))
	for i, d := range doc.Documents {
		if d.Ref == "" {
			return nil, eris.Errorf("extract: %s document %d has no ref", file, i)
		}
		if d.File == "" {
			d.File = file
		}
		cat.Put(d.Ref, d.DocumentLocation)
		declared[d.Ref] = true
	}

	entity, period := doc.Entity, doc.Period
	if opts.Entity != "" {
		entity = opts.Entity
	}
	if !opts.Period.IsZero() {
		period = opts.Period
	}

	ext := &Extraction{File: file, Entity: entity, Period: period}
	for i, o := range doc.Observations {
		if o.DocumentRef != "" && !declared[o.DocumentRef] {
			return nil, eris.Errorf("extract: %s observation %d references undeclared document %q", file, i, o.DocumentRef)
		}
		if o.ExtractionConfidence <= 0 {
			o.ExtractionConfidence = opts.confidence()
		}
		ext.Observations = append(ext.Observations, o)
	}
	defaults(ext.Observations, entity, period)
	return ext, nil
}
