// Package csq reads structured queries in the CSQ JSON format.
package csq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ehr/feasibility/internal/query"
)

// Value filter types.
const (
	TypeConcept    = "concept"
	TypeComparator = "quantity-comparator"
	TypeRange      = "quantity-range"
)

type document struct {
	Version           string        `json:"version"`
	Display           string        `json:"display,omitempty"`
	InclusionCriteria [][]criterion `json:"inclusionCriteria"`
	ExclusionCriteria [][]criterion `json:"exclusionCriteria"`
}

type criterion struct {
	TermCodes        []query.TerminologyCode `json:"termCodes"`
	TermCode         *query.TerminologyCode  `json:"termCode,omitempty"`
	ValueFilter      *valueFilter            `json:"valueFilter,omitempty"`
	AttributeFilters []attributeFilter       `json:"attributeFilters,omitempty"`
	TimeRestriction  *timeRestriction        `json:"timeRestriction,omitempty"`
}

type valueFilter struct {
	Type             string                  `json:"type"`
	SelectedConcepts []query.TerminologyCode `json:"selectedConcepts,omitempty"`
	Comparator       string                  `json:"comparator,omitempty"`
	Value            *float64                `json:"value,omitempty"`
	MinValue         *float64                `json:"minValue,omitempty"`
	MaxValue         *float64                `json:"maxValue,omitempty"`
	Unit             *query.Unit             `json:"unit,omitempty"`
}

type attributeFilter struct {
	AttributeCode query.TerminologyCode `json:"attributeCode"`
	valueFilter
}

type timeRestriction struct {
	AfterDate  string `json:"afterDate,omitempty"`
	BeforeDate string `json:"beforeDate,omitempty"`
}

// Parser reads CSQ documents. It holds no state and is safe for concurrent
// use.
type Parser struct{}

// NewParser creates a CSQ parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes a CSQ document. Malformed documents fail with
// query.ErrInvalidQuery; filters that cannot be represented fail with
// query.ErrUnsupportedCriterion.
func (p *Parser) Parse(data []byte) (query.StructuredQuery, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return query.StructuredQuery{}, fmt.Errorf("csq: document is empty: %w", query.ErrInvalidQuery)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return query.StructuredQuery{}, fmt.Errorf("csq: %v: %w", err, query.ErrInvalidQuery)
	}

	out := query.StructuredQuery{Version: doc.Version}
	var err error
	if out.InclusionCriteria, err = convertLists(doc.InclusionCriteria, "inclusion"); err != nil {
		return query.StructuredQuery{}, err
	}
	if out.ExclusionCriteria, err = convertLists(doc.ExclusionCriteria, "exclusion"); err != nil {
		return query.StructuredQuery{}, err
	}
	return out, nil
}

// ParseReader reads the whole document from r and parses it.
func (p *Parser) ParseReader(r io.Reader) (query.StructuredQuery, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return query.StructuredQuery{}, fmt.Errorf("csq: read: %w", err)
	}
	return p.Parse(data)
}

func convertLists(lists [][]criterion, part string) ([][]query.Criterion, error) {
	if len(lists) == 0 {
		return nil, nil
	}
	out := make([][]query.Criterion, 0, len(lists))
	for i, list := range lists {
		converted := make([]query.Criterion, 0, len(list))
		for j, c := range list {
			qc, err := c.convert()
			if err != nil {
				return nil, fmt.Errorf("csq: %s criterion [%d][%d]: %w", part, i, j, err)
			}
			converted = append(converted, qc)
		}
		out = append(out, converted)
	}
	return out, nil
}

func (c criterion) convert() (query.Criterion, error) {
	codes := c.TermCodes
	if len(codes) == 0 && c.TermCode != nil {
		codes = []query.TerminologyCode{*c.TermCode}
	}
	if len(codes) == 0 {
		return query.Criterion{}, fmt.Errorf("no term codes: %w", query.ErrInvalidQuery)
	}

	out := query.Criterion{TermCodes: codes}

	if c.ValueFilter != nil {
		f, err := c.ValueFilter.convert()
		if err != nil {
			return query.Criterion{}, fmt.Errorf("value filter: %w", err)
		}
		out.ValueFilter = f
	}

	for _, af := range c.AttributeFilters {
		f, err := af.valueFilter.convert()
		if err != nil {
			return query.Criterion{}, fmt.Errorf("attribute %s: %w", af.AttributeCode.Key(), err)
		}
		out.AttributeFilters = append(out.AttributeFilters, query.AttributeFilter{
			AttributeCode: af.AttributeCode,
			Filter:        f,
		})
	}

	if tr := c.TimeRestriction; tr != nil && (tr.AfterDate != "" || tr.BeforeDate != "") {
		out.TimeRestriction = &query.TimeRestriction{AfterDate: tr.AfterDate, BeforeDate: tr.BeforeDate}
	}
	return out, nil
}

func (v valueFilter) convert() (query.ValueFilter, error) {
	switch v.Type {
	case TypeConcept:
		if len(v.SelectedConcepts) == 0 {
			return nil, fmt.Errorf("concept filter without selected concepts: %w", query.ErrInvalidQuery)
		}
		return query.ConceptFilter{Codes: v.SelectedConcepts}, nil

	case TypeComparator:
		if v.Value == nil {
			return nil, fmt.Errorf("comparator filter without value: %w", query.ErrInvalidQuery)
		}
		cmp, err := query.ParseComparator(v.Comparator)
		if err != nil {
			return nil, err
		}
		return query.ComparatorFilter{Comparator: cmp, Value: *v.Value, Unit: unit(v.Unit)}, nil

	case TypeRange:
		if v.MinValue == nil || v.MaxValue == nil {
			return nil, fmt.Errorf("range filter needs minValue and maxValue: %w", query.ErrInvalidQuery)
		}
		return query.RangeFilter{Min: *v.MinValue, Max: *v.MaxValue, Unit: unit(v.Unit)}, nil

	default:
		return nil, fmt.Errorf("filter type %q: %w", v.Type, query.ErrUnsupportedCriterion)
	}
}

// unit defaults the system to UCUM when a code is given.
func unit(u *query.Unit) query.Unit {
	if u == nil {
		return query.Unit{}
	}
	out := *u
	if out.Code != "" && out.System == "" {
		out.System = query.UCUMSystem
	}
	return out
}
