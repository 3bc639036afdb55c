package fhir

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/feasibility/internal/query"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
)

// DateFormat is the FHIR date layout used in search values.
const DateFormat = "2006-01-02"

// PrefixFor returns the search prefix for a quantity comparator.
func PrefixFor(c query.Comparator) (SearchPrefix, error) {
	switch p := SearchPrefix(c); p {
	case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe:
		return p, nil
	}
	return "", fmt.Errorf("comparator %q: %w", c, query.ErrUnsupportedCriterion)
}

// FormatDate renders t as a FHIR date search value with the given prefix.
func FormatDate(p SearchPrefix, t time.Time) string {
	return string(p) + t.Format(DateFormat)
}

// ElementsFor returns the _elements value that is enough to extract the
// patient identifier from a resource of the given type.
func ElementsFor(resourceType string) string {
	switch resourceType {
	case "Patient":
		return "id"
	case "Immunization", "Consent":
		return "patient"
	default:
		return "subject"
	}
}

// ReferenceID returns the part of a reference after its first "/".
// "Patient/123" -> "123", "123" -> "123".
func ReferenceID(ref string) string {
	if i := strings.Index(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// SplitQuery splits a compiled search query "Type?a=b&c=d" into the resource
// type and the encoded parameter string.
func SplitQuery(q string) (resourceType, params string) {
	resourceType, params, _ = strings.Cut(q, "?")
	return resourceType, params
}
