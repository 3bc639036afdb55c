package query

import (
	"errors"
	"testing"
)

func TestParseComparator(t *testing.T) {
	tests := []struct {
		in   string
		want Comparator
	}{
		{"gt", ComparatorGt},
		{"GT", ComparatorGt},
		{"greater-than", ComparatorGt},
		{" le ", ComparatorLe},
		{"not-equal", ComparatorNe},
		{"EQ", ComparatorEq},
	}
	for _, tt := range tests {
		got, err := ParseComparator(tt.in)
		if err != nil {
			t.Errorf("ParseComparator(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseComparator(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseComparator_Unknown(t *testing.T) {
	_, err := ParseComparator("between")
	if !errors.Is(err, ErrUnsupportedCriterion) {
		t.Errorf("expected ErrUnsupportedCriterion, got %v", err)
	}
}

func TestTerminologyCode_EqualIgnoresDisplay(t *testing.T) {
	a := TerminologyCode{Code: "1", System: "s", Display: "one"}
	b := TerminologyCode{Code: "1", System: "s", Display: "uno"}
	if !a.Equal(b) {
		t.Error("codes differing only in display should be equal")
	}
	if a.Equal(TerminologyCode{Code: "1", System: "t"}) {
		t.Error("codes with different systems should differ")
	}
}

func TestTerminologyCode_Token(t *testing.T) {
	if got := (TerminologyCode{Code: "x"}).Token(); got != "x" {
		t.Errorf("Token() = %q, want %q", got, "x")
	}
	if got := (TerminologyCode{Code: "x", System: "s"}).Token(); got != "s|x" {
		t.Errorf("Token() = %q, want %q", got, "s|x")
	}
}

func TestIsQueryError(t *testing.T) {
	if !IsQueryError(ErrMappingMissing) || !IsQueryError(ErrUnsupportedCriterion) {
		t.Error("mapping and criterion errors are query errors")
	}
	if IsQueryError(ErrTransportFailure) {
		t.Error("transport failures are not query errors")
	}
}

func TestExpandedQuery_Criteria(t *testing.T) {
	c := func(code string) Criterion {
		return Criterion{TermCodes: []TerminologyCode{{Code: code}}}
	}
	q := ExpandedQuery{
		InclusionGroups:  []CriteriaGroup{{c("a"), c("b")}},
		ExclusionClauses: [][]CriteriaGroup{{{c("c")}, {c("d")}}},
	}
	got := q.Criteria()
	if len(got) != 4 || got[3].PrimaryCode().Code != "d" {
		t.Errorf("unexpected criteria order: %v", got)
	}
}
