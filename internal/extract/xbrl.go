package extract

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/provenance"
)

// CompanyFacts is the EDGAR company facts JSON structure.
type CompanyFacts struct {
	CIK        int               `json:"cik"`
	EntityName string            `json:"entityName"`
	Facts      map[string]FactNS `json:"facts"`
}

// FactNS groups facts by concept name within a namespace ("us-gaap", "dei").
type FactNS map[string]Fact

// Fact is a single XBRL concept with its values per unit.
type Fact struct {
	Label       string                 `json:"label"`
	Description string                 `json:"description"`
	Units       map[string][]FactValue `json:"units"`
}

// FactValue is one reported data point. Start is empty for instant facts.
type FactValue struct {
	Start string  `json:"start,omitempty"`
	End   string  `json:"end"`
	Val   float64 `json:"val"`
	Accn  string  `json:"accn"`
	FY    int     `json:"fy"`
	FP    string  `json:"fp"`
	Form  string  `json:"form"`
	Filed string  `json:"filed"`
	Frame string  `json:"frame,omitempty"`
}

// ParseCompanyFacts decodes EDGAR company facts JSON.
func ParseCompanyFacts(r io.Reader) (*CompanyFacts, error) {
	var facts CompanyFacts
	if err := json.NewDecoder(r).Decode(&facts); err != nil {
		return nil, eris.Wrap(err, "xbrl: parse company facts")
	}
	return &facts, nil
}

var factNamespaces = []string{"us-gaap", "ifrs-full", "dei"}

type factKey struct {
	ns, concept, unit, period string
}

type factPoint struct {
	key    factKey
	period model.Period
	label  string
	value  FactValue
}

// ReadCompanyFacts turns company facts into observations: one per concept,
// unit and period, keeping the most recently filed value when a period was
// reported more than once. The concept's label is the raw label; the cell is
// the concept name with the period and unit as row and column headers.
// Instant facts (balance-sheet values) take the duration period ending on the
// same date when the filing reports one, so that they group with the flows
// of that period.
func ReadCompanyFacts(r io.Reader, file string, cat *Catalog, opts Options) (*Extraction, error) {
	facts, err := ParseCompanyFacts(r)
	if err != nil {
		return nil, err
	}

	latest := make(map[factKey]factPoint)
	durations := make(map[string]model.Period) // end date -> longest duration ending then
	for _, ns := range factNamespaces {
		for concept, fact := range facts.Facts[ns] {
			for unit, values := range fact.Units {
				for _, v := range values {
					if v.End == "" {
						continue
					}
					p, err := factPeriod(v)
					if err != nil {
						continue
					}
					if !p.Instant() {
						if cur, ok := durations[v.End]; !ok || p.Days() > cur.Days() {
							durations[v.End] = p
						}
					}
					k := factKey{ns: ns, concept: concept, unit: unit, period: p.String()}
					if cur, ok := latest[k]; !ok || v.Filed > cur.value.Filed {
						label := fact.Label
						if label == "" {
							label = concept
						}
						latest[k] = factPoint{key: k, period: p, label: label, value: v}
					}
				}
			}
		}
	}

	points := make([]factPoint, 0, len(latest))
	for _, fp := range latest {
		points = append(points, fp)
	}
	sort.Slice(points, func(i, j int) bool {
		a, b := points[i].key, points[j].key
		if a.ns != b.ns {
			return a.ns < b.ns
		}
		if a.concept != b.concept {
			return a.concept < b.concept
		}
		if a.unit != b.unit {
			return a.unit < b.unit
		}
		return a.period < b.period
	})

	entity := opts.Entity
	if entity == "" {
		entity = facts.EntityName
	}
	ext := &Extraction{File: file, Entity: entity, Period: opts.Period}
	for _, fp := range points {
		period := fp.period
		if period.Instant() {
			if d, ok := durations[fp.value.End]; ok {
				period = d
			}
		}
		if !opts.Period.IsZero() && period.String() != opts.Period.String() {
			continue
		}
		v := fp.value.Val
		ext.Observations = append(ext.Observations, model.RawObservation{
			RawLabel:             fp.label,
			Value:                &v,
			ExtractionConfidence: opts.confidence(),
			Entity:               entity,
			Period:               period,
			DocumentRef: cat.Add(provenance.DocumentLocation{
				File:      file,
				Sheet:     fp.key.ns,
				Cell:      fp.key.concept + "@" + fp.key.period + "#" + fp.key.unit,
				RowHeader: fp.key.period,
				ColHeader: fp.key.unit,
			}),
		})
	}
	return ext, nil
}

func factPeriod(v FactValue) (model.Period, error) {
	if v.Start == "" {
		return model.ParsePeriod(v.End)
	}
	return model.ParsePeriod(v.Start + "/" + v.End)
}
