// Package query holds the patient-selection query model shared by the
// front-ends, the ontology expansion, the compiler and the evaluation engine.
package query

import (
	"fmt"
	"strings"
)

// TerminologyCode identifies a concept in a code system.
type TerminologyCode struct {
	Code    string `json:"code" yaml:"code"`
	System  string `json:"system" yaml:"system"`
	Display string `json:"display,omitempty" yaml:"display,omitempty"`
}

// Equal compares code and system. Display is presentation only.
func (t TerminologyCode) Equal(o TerminologyCode) bool {
	return t.Code == o.Code && t.System == o.System
}

// Key returns the "system|code" token used for lookups and search values.
func (t TerminologyCode) Key() string {
	return t.System + "|" + t.Code
}

// Token returns "system|code", or just the code when the system is empty.
func (t TerminologyCode) Token() string {
	if t.System == "" {
		return t.Code
	}
	return t.Key()
}

func (t TerminologyCode) String() string {
	if t.Display != "" {
		return fmt.Sprintf("%s (%s)", t.Key(), t.Display)
	}
	return t.Key()
}

// FixedCriterion is a search parameter that is always sent for a mapping,
// e.g. status=final.
type FixedCriterion struct {
	SearchParameter string            `json:"searchParameter" yaml:"searchParameter"`
	Values          []TerminologyCode `json:"value" yaml:"value"`
}

// MappingEntry binds a term code to a resource type and the search
// parameters used to query it.
type MappingEntry struct {
	Key                     TerminologyCode
	ResourceType            string
	TermCodeSearchParameter string
	ValueSearchParameter    string
	FixedCriteria           []FixedCriterion
	// AttributeSearchParameters maps an attribute code to its search parameter.
	AttributeSearchParameters map[string]string
	TimeRestrictionParameter  string
}

// AgeParameter is the value search parameter that is translated into a
// birthdate comparison.
const AgeParameter = "age"

// IsAge reports whether value filters on this mapping are age filters.
func (m *MappingEntry) IsAge() bool {
	return m != nil && m.ValueSearchParameter == AgeParameter
}

// AttributeFilter restricts a criterion on one of its attributes.
type AttributeFilter struct {
	AttributeCode TerminologyCode
	Filter        ValueFilter
}

// TimeRestriction limits matches to a date window. Either bound may be empty.
type TimeRestriction struct {
	AfterDate  string
	BeforeDate string
}

// Criterion is one atomic selection predicate.
type Criterion struct {
	TermCodes        []TerminologyCode
	ValueFilter      ValueFilter
	AttributeFilters []AttributeFilter
	TimeRestriction  *TimeRestriction
	Mapping          *MappingEntry
}

// PrimaryCode returns the first term code, or the zero value.
func (c Criterion) PrimaryCode() TerminologyCode {
	if len(c.TermCodes) == 0 {
		return TerminologyCode{}
	}
	return c.TermCodes[0]
}

func (c Criterion) String() string {
	codes := make([]string, len(c.TermCodes))
	for i, tc := range c.TermCodes {
		codes[i] = tc.Key()
	}
	return strings.Join(codes, ",")
}

// CriteriaGroup is a disjunction of criteria.
type CriteriaGroup []Criterion

// ExpandedQuery is a fully resolved query: inclusion groups are intersected,
// each exclusion clause intersects its groups, and the clauses are unioned
// and subtracted from the inclusion result.
type ExpandedQuery struct {
	InclusionGroups  []CriteriaGroup
	ExclusionClauses [][]CriteriaGroup
}

// Criteria returns every criterion of the query in document order.
func (q ExpandedQuery) Criteria() []Criterion {
	var out []Criterion
	for _, g := range q.InclusionGroups {
		out = append(out, g...)
	}
	for _, clause := range q.ExclusionClauses {
		for _, g := range clause {
			out = append(out, g...)
		}
	}
	return out
}

// StructuredQuery is a query as written by a front-end, before ontology
// expansion. InclusionCriteria is an AND of OR-lists; ExclusionCriteria is an
// OR of AND-lists.
type StructuredQuery struct {
	Version           string
	InclusionCriteria [][]Criterion
	ExclusionCriteria [][]Criterion
}
