package query

import (
	"fmt"
	"strings"
)

// Comparator is a FHIR search prefix used by quantity filters.
type Comparator string

const (
	ComparatorEq Comparator = "eq"
	ComparatorNe Comparator = "ne"
	ComparatorGt Comparator = "gt"
	ComparatorLt Comparator = "lt"
	ComparatorGe Comparator = "ge"
	ComparatorLe Comparator = "le"
)

var comparatorAliases = map[string]Comparator{
	"eq":               ComparatorEq,
	"equal":            ComparatorEq,
	"ne":               ComparatorNe,
	"not-equal":        ComparatorNe,
	"gt":               ComparatorGt,
	"greater-than":     ComparatorGt,
	"lt":               ComparatorLt,
	"less-than":        ComparatorLt,
	"ge":               ComparatorGe,
	"greater-or-equal": ComparatorGe,
	"le":               ComparatorLe,
	"less-or-equal":    ComparatorLe,
}

// ParseComparator accepts the short prefixes, their upper-case spellings and
// the long names.
func ParseComparator(s string) (Comparator, error) {
	if c, ok := comparatorAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return c, nil
	}
	return "", fmt.Errorf("comparator %q: %w", s, ErrUnsupportedCriterion)
}

// Unit is a quantity unit, usually UCUM.
type Unit struct {
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
	System  string `json:"system,omitempty"`
}

// UCUMSystem is the default system for quantity units.
const UCUMSystem = "http://unitsofmeasure.org"

// ValueFilter is one of ConceptFilter, ComparatorFilter or RangeFilter.
type ValueFilter interface {
	valueFilter()
}

// ConceptFilter matches any of the listed codes.
type ConceptFilter struct {
	Codes []TerminologyCode
}

// ComparatorFilter compares a quantity against a single value.
type ComparatorFilter struct {
	Comparator Comparator
	Value      float64
	Unit       Unit
}

// RangeFilter matches quantities within [Min, Max].
type RangeFilter struct {
	Min  float64
	Max  float64
	Unit Unit
}

func (ConceptFilter) valueFilter()    {}
func (ComparatorFilter) valueFilter() {}
func (RangeFilter) valueFilter()      {}
