// Package i2b2 reads i2b2 query definitions. Each panel with invert=0 is
// one inclusion OR-list; a run of consecutive panels with invert=1 forms
// one exclusion clause.
package i2b2

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ehr/feasibility/internal/ontology"
	"github.com/ehr/feasibility/internal/query"
)

// QueryDefinition is the <query_definition> element.
type QueryDefinition struct {
	XMLName xml.Name `xml:"query_definition"`
	Name    string   `xml:"query_name"`
	Panels  []Panel  `xml:"panel"`
}

// Panel is a disjunction of items, negated when Invert is 1.
type Panel struct {
	Number int    `xml:"panel_number"`
	Invert int    `xml:"invert"`
	Items  []Item `xml:"item"`
}

// Item references a concept by its hierarchical key.
type Item struct {
	Key        string      `xml:"item_key"`
	Name       string      `xml:"item_name"`
	Constraint *Constraint `xml:"constrain_by_value"`
}

// Constraint is an item's value restriction.
type Constraint struct {
	Operator  string `xml:"value_operator"`
	Value     string `xml:"value_constraint"`
	Unit      string `xml:"value_unit_of_measure"`
	ValueType string `xml:"value_type"`
}

// Value types understood in constrain_by_value.
const (
	ValueTypeNumber = "NUMBER"
	ValueTypeText   = "TEXT"
)

// Parser reads i2b2 query definitions. It holds no state and is safe for
// concurrent use.
type Parser struct{}

// NewParser creates an i2b2 parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse finds the first <query_definition> element in data, which may be
// wrapped in a request envelope, and converts it.
func (p *Parser) Parse(data []byte) (query.StructuredQuery, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return query.StructuredQuery{}, fmt.Errorf("i2b2: XML data is empty: %w", query.ErrInvalidQuery)
	}

	def, err := decodeDefinition(data)
	if err != nil {
		return query.StructuredQuery{}, err
	}
	return p.convert(def)
}

// ParseReader reads the whole document from r and parses it.
func (p *Parser) ParseReader(r io.Reader) (query.StructuredQuery, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return query.StructuredQuery{}, fmt.Errorf("i2b2: read: %w", err)
	}
	return p.Parse(data)
}

func decodeDefinition(data []byte) (*QueryDefinition, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("i2b2: no query_definition element: %w", query.ErrInvalidQuery)
		}
		if err != nil {
			return nil, fmt.Errorf("i2b2: failed to parse XML: %v: %w", err, query.ErrInvalidQuery)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "query_definition" {
			continue
		}
		var def QueryDefinition
		if err := dec.DecodeElement(&def, &start); err != nil {
			return nil, fmt.Errorf("i2b2: failed to parse query_definition: %v: %w", err, query.ErrInvalidQuery)
		}
		return &def, nil
	}
}

func (p *Parser) convert(def *QueryDefinition) (query.StructuredQuery, error) {
	var out query.StructuredQuery
	var clause []query.Criterion
	flush := func() {
		if len(clause) > 0 {
			out.ExclusionCriteria = append(out.ExclusionCriteria, clause)
			clause = nil
		}
	}

	for i, panel := range def.Panels {
		if len(panel.Items) == 0 {
			return query.StructuredQuery{}, fmt.Errorf("i2b2: panel %d has no items: %w", i+1, query.ErrInvalidQuery)
		}
		criteria := make([]query.Criterion, 0, len(panel.Items))
		for _, item := range panel.Items {
			c, err := item.criterion()
			if err != nil {
				return query.StructuredQuery{}, fmt.Errorf("i2b2: panel %d: %w", i+1, err)
			}
			criteria = append(criteria, c)
		}

		switch panel.Invert {
		case 0:
			flush()
			out.InclusionCriteria = append(out.InclusionCriteria, criteria)
		case 1:
			merged, err := mergePanel(criteria)
			if err != nil {
				return query.StructuredQuery{}, fmt.Errorf("i2b2: panel %d: %w", i+1, err)
			}
			clause = append(clause, merged)
		default:
			return query.StructuredQuery{}, fmt.Errorf("i2b2: panel %d: invert %d: %w", i+1, panel.Invert, query.ErrInvalidQuery)
		}
	}
	flush()
	return out, nil
}

// mergePanel folds the items of an inverted panel into one criterion with
// several term codes. This only preserves the OR when all items carry the
// same value filter.
func mergePanel(criteria []query.Criterion) (query.Criterion, error) {
	merged := criteria[0]
	merged.TermCodes = append([]query.TerminologyCode(nil), merged.TermCodes...)
	for _, c := range criteria[1:] {
		if !sameFilter(merged.ValueFilter, c.ValueFilter) {
			return query.Criterion{}, fmt.Errorf("inverted panel items with different value constraints: %w",
				query.ErrUnsupportedCriterion)
		}
		merged.TermCodes = append(merged.TermCodes, c.TermCodes...)
	}
	return merged, nil
}

func sameFilter(a, b query.ValueFilter) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ca, aConcept := a.(query.ConceptFilter)
	cb, bConcept := b.(query.ConceptFilter)
	if aConcept || bConcept {
		if !aConcept || !bConcept || len(ca.Codes) != len(cb.Codes) {
			return false
		}
		for i := range ca.Codes {
			if !ca.Codes[i].Equal(cb.Codes[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

func (it Item) criterion() (query.Criterion, error) {
	code, err := ParseItemKey(it.Key)
	if err != nil {
		return query.Criterion{}, err
	}
	if it.Name != "" {
		code.Display = it.Name
	}
	c := query.Criterion{TermCodes: []query.TerminologyCode{code}}
	if it.Constraint != nil {
		f, err := it.Constraint.filter(code.System)
		if err != nil {
			return query.Criterion{}, fmt.Errorf("item %s: %w", it.Key, err)
		}
		c.ValueFilter = f
	}
	return c, nil
}

// ParseItemKey takes the last two non-empty backslash-separated segments
// of key as the system alias and the code.
func ParseItemKey(key string) (query.TerminologyCode, error) {
	var parts []string
	for _, s := range strings.Split(key, `\`) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) < 2 {
		return query.TerminologyCode{}, fmt.Errorf("item key %q: need system and code: %w", key, query.ErrInvalidQuery)
	}
	return query.TerminologyCode{
		System: ontology.SystemForAlias(parts[len(parts)-2]),
		Code:   parts[len(parts)-1],
	}, nil
}

func (c *Constraint) filter(system string) (query.ValueFilter, error) {
	valueType := strings.ToUpper(strings.TrimSpace(c.ValueType))
	op := strings.ToUpper(strings.TrimSpace(c.Operator))
	value := strings.TrimSpace(c.Value)

	switch valueType {
	case ValueTypeNumber, "":
		u := unit(c.Unit)
		if op == "BETWEEN" {
			lo, hi, ok := strings.Cut(strings.ToLower(value), " and ")
			if !ok {
				return nil, fmt.Errorf("BETWEEN constraint %q: %w", value, query.ErrInvalidQuery)
			}
			minV, err := parseNumber(lo)
			if err != nil {
				return nil, err
			}
			maxV, err := parseNumber(hi)
			if err != nil {
				return nil, err
			}
			return query.RangeFilter{Min: minV, Max: maxV, Unit: u}, nil
		}
		cmp, err := query.ParseComparator(op)
		if err != nil {
			return nil, err
		}
		v, err := parseNumber(value)
		if err != nil {
			return nil, err
		}
		return query.ComparatorFilter{Comparator: cmp, Value: v, Unit: u}, nil

	case ValueTypeText:
		if op != "IN" && op != "EQ" {
			return nil, fmt.Errorf("text operator %q: %w", c.Operator, query.ErrUnsupportedCriterion)
		}
		var codes []query.TerminologyCode
		for _, s := range strings.Split(strings.Trim(value, "()"), ",") {
			s = strings.Trim(strings.TrimSpace(s), `'"`)
			if s != "" {
				codes = append(codes, query.TerminologyCode{System: system, Code: s})
			}
		}
		if len(codes) == 0 {
			return nil, fmt.Errorf("empty text constraint: %w", query.ErrInvalidQuery)
		}
		return query.ConceptFilter{Codes: codes}, nil

	default:
		return nil, fmt.Errorf("value type %q: %w", c.ValueType, query.ErrUnsupportedCriterion)
	}
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("numeric constraint %q: %w", s, query.ErrInvalidQuery)
	}
	return v, nil
}

func unit(code string) query.Unit {
	code = strings.TrimSpace(code)
	if code == "" {
		return query.Unit{}
	}
	return query.Unit{Code: code, System: query.UCUMSystem}
}
