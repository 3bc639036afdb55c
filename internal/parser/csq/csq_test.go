package csq

import (
	"errors"
	"strings"
	"testing"

	"github.com/ehr/feasibility/internal/query"
)

const fullQuery = `{
  "version": "http://to_be_decided.com/draft-1/schema#",
  "display": "temperature and hypertension",
  "inclusionCriteria": [
    [
      {
        "termCodes": [{"code": "8310-5", "system": "http://loinc.org", "display": "Body temperature"}],
        "valueFilter": {"type": "quantity-comparator", "comparator": "gt", "value": 37.5, "unit": {"code": "Cel"}},
        "timeRestriction": {"afterDate": "2021-01-01", "beforeDate": "2021-12-31"}
      },
      {
        "termCode": {"code": "I10", "system": "http://hl7.org/fhir/sid/icd-10"}
      }
    ],
    [
      {
        "termCodes": [{"code": "424144002", "system": "http://snomed.info/sct"}],
        "valueFilter": {"type": "quantity-range", "minValue": 18, "maxValue": 65, "unit": {"code": "a"}},
        "attributeFilters": [
          {
            "attributeCode": {"code": "method", "system": "abc"},
            "type": "concept",
            "selectedConcepts": [{"code": "oral", "system": "abc"}]
          }
        ]
      }
    ]
  ],
  "exclusionCriteria": [
    [
      {"termCodes": [{"code": "C50", "system": "http://hl7.org/fhir/sid/icd-10"}]}
    ]
  ]
}`

func TestParse_FullQuery(t *testing.T) {
	q, err := NewParser().Parse([]byte(fullQuery))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.InclusionCriteria) != 2 {
		t.Fatalf("expected 2 inclusion lists, got %d", len(q.InclusionCriteria))
	}
	if len(q.InclusionCriteria[0]) != 2 {
		t.Fatalf("expected 2 criteria in the first list, got %d", len(q.InclusionCriteria[0]))
	}

	temp := q.InclusionCriteria[0][0]
	cmp, ok := temp.ValueFilter.(query.ComparatorFilter)
	if !ok {
		t.Fatalf("expected ComparatorFilter, got %T", temp.ValueFilter)
	}
	if cmp.Comparator != query.ComparatorGt || cmp.Value != 37.5 {
		t.Errorf("expected gt 37.5, got %s %v", cmp.Comparator, cmp.Value)
	}
	if cmp.Unit.Code != "Cel" || cmp.Unit.System != query.UCUMSystem {
		t.Errorf("expected Cel with UCUM system, got %+v", cmp.Unit)
	}
	if temp.TimeRestriction == nil || temp.TimeRestriction.AfterDate != "2021-01-01" || temp.TimeRestriction.BeforeDate != "2021-12-31" {
		t.Errorf("unexpected time restriction %+v", temp.TimeRestriction)
	}

	legacy := q.InclusionCriteria[0][1]
	if len(legacy.TermCodes) != 1 || legacy.TermCodes[0].Code != "I10" {
		t.Errorf("expected legacy termCode I10, got %+v", legacy.TermCodes)
	}
	if legacy.ValueFilter != nil {
		t.Errorf("expected no value filter, got %+v", legacy.ValueFilter)
	}

	age := q.InclusionCriteria[1][0]
	rng, ok := age.ValueFilter.(query.RangeFilter)
	if !ok {
		t.Fatalf("expected RangeFilter, got %T", age.ValueFilter)
	}
	if rng.Min != 18 || rng.Max != 65 || rng.Unit.Code != "a" {
		t.Errorf("unexpected range %+v", rng)
	}
	if len(age.AttributeFilters) != 1 {
		t.Fatalf("expected 1 attribute filter, got %d", len(age.AttributeFilters))
	}
	concept, ok := age.AttributeFilters[0].Filter.(query.ConceptFilter)
	if !ok || len(concept.Codes) != 1 || concept.Codes[0].Code != "oral" {
		t.Errorf("unexpected attribute filter %+v", age.AttributeFilters[0])
	}
	if age.AttributeFilters[0].AttributeCode.Code != "method" {
		t.Errorf("expected attribute method, got %s", age.AttributeFilters[0].AttributeCode.Code)
	}

	if len(q.ExclusionCriteria) != 1 || q.ExclusionCriteria[0][0].PrimaryCode().Code != "C50" {
		t.Errorf("unexpected exclusion %+v", q.ExclusionCriteria)
	}
}

func TestParse_LongComparatorName(t *testing.T) {
	doc := `{"inclusionCriteria": [[{"termCodes": [{"code": "x"}],
	  "valueFilter": {"type": "quantity-comparator", "comparator": "less-than", "value": 5}}]]}`
	q, err := NewParser().Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cmp := q.InclusionCriteria[0][0].ValueFilter.(query.ComparatorFilter)
	if cmp.Comparator != query.ComparatorLt {
		t.Errorf("expected lt, got %s", cmp.Comparator)
	}
	if cmp.Unit != (query.Unit{}) {
		t.Errorf("expected no unit, got %+v", cmp.Unit)
	}
}

func TestParse_NoExclusion(t *testing.T) {
	q, err := NewParser().ParseReader(strings.NewReader(`{"inclusionCriteria": [[{"termCodes": [{"code": "x"}]}]]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.ExclusionCriteria != nil {
		t.Errorf("expected no exclusion, got %+v", q.ExclusionCriteria)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		kind error
	}{
		{"empty", "  ", query.ErrInvalidQuery},
		{"malformed", `{"inclusionCriteria": [`, query.ErrInvalidQuery},
		{"no term codes", `{"inclusionCriteria": [[{}]]}`, query.ErrInvalidQuery},
		{"comparator without value", `{"inclusionCriteria": [[{"termCodes": [{"code": "x"}], "valueFilter": {"type": "quantity-comparator", "comparator": "gt"}}]]}`, query.ErrInvalidQuery},
		{"range without max", `{"inclusionCriteria": [[{"termCodes": [{"code": "x"}], "valueFilter": {"type": "quantity-range", "minValue": 1}}]]}`, query.ErrInvalidQuery},
		{"concept without codes", `{"exclusionCriteria": [[{"termCodes": [{"code": "x"}], "valueFilter": {"type": "concept"}}]]}`, query.ErrInvalidQuery},
		{"unknown comparator", `{"inclusionCriteria": [[{"termCodes": [{"code": "x"}], "valueFilter": {"type": "quantity-comparator", "comparator": "approx", "value": 1}}]]}`, query.ErrUnsupportedCriterion},
		{"unknown filter type", `{"inclusionCriteria": [[{"termCodes": [{"code": "x"}], "valueFilter": {"type": "reference"}}]]}`, query.ErrUnsupportedCriterion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().Parse([]byte(tt.doc))
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
		})
	}
}
