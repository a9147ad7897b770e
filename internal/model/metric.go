package model

import "slices"

// Category groups canonical metrics by the statement they belong to.
type Category string

// Metric categories.
const (
	CategoryIncomeStatement Category = "income_statement"
	CategoryBalanceSheet    Category = "balance_sheet"
	CategoryCashFlow        Category = "cash_flow"
	CategoryRatio           Category = "ratio"
	CategoryGrowth          Category = "growth"
	CategoryOperational     Category = "operational"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryIncomeStatement, CategoryBalanceSheet, CategoryCashFlow,
		CategoryRatio, CategoryGrowth, CategoryOperational:
		return true
	}
	return false
}

// Instant reports whether metrics of this category are point-in-time values
// rather than flows over a period.
func (c Category) Instant() bool {
	return c == CategoryBalanceSheet
}

// UnitType is the unit a canonical metric is expressed in.
type UnitType string

// Unit types. Percentages are stored in percentage points (12% is 12).
const (
	UnitCurrency   UnitType = "currency"
	UnitPercentage UnitType = "percentage"
	UnitRatio      UnitType = "ratio"
	UnitCount      UnitType = "count"
	UnitDays       UnitType = "days"
)

// Valid reports whether u is a known unit type.
func (u UnitType) Valid() bool {
	switch u {
	case UnitCurrency, UnitPercentage, UnitRatio, UnitCount, UnitDays:
		return true
	}
	return false
}

// CanonicalMetric is a standardized financial concept that raw labels map to.
// Values are immutable once loaded into an ontology snapshot.
type CanonicalMetric struct {
	ID              string   `json:"id"`
	Category        Category `json:"category"`
	UnitType        UnitType `json:"unit_type"`
	Synonyms        []string `json:"synonyms"`
	Formula         string   `json:"formula,omitempty"`
	ValidationRules []string `json:"validation_rules,omitempty"`
	Description     string   `json:"description,omitempty"`
	// BaseMetric names the metric a growth metric compares across periods.
	BaseMetric string `json:"base_metric,omitempty"`
}

// HasFormula reports whether the metric can be derived from other metrics.
func (m CanonicalMetric) HasFormula() bool {
	return m.Formula != ""
}

// Clone returns a deep copy of m.
func (m CanonicalMetric) Clone() CanonicalMetric {
	m.Synonyms = slices.Clone(m.Synonyms)
	m.ValidationRules = slices.Clone(m.ValidationRules)
	return m
}
