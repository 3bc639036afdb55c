// Package compiler turns a resolved criterion into the FHIR search query
// string that is both sent to the server and used as the cache key.
package compiler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/feasibility/internal/platform/fhir"
	"github.com/ehr/feasibility/internal/query"
)

// Compiler builds search query strings. It is safe for concurrent use.
type Compiler struct {
	now func() time.Time
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithClock replaces the wall clock used for age arithmetic.
func WithClock(now func() time.Time) Option {
	return func(c *Compiler) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Compiler.
func New(opts ...Option) *Compiler {
	c := &Compiler{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type param struct {
	name  string
	value string
}

// Compile returns "<ResourceType>?<param>=<value>(&<param>=<value>)*".
func (c *Compiler) Compile(crit query.Criterion) (string, error) {
	m := crit.Mapping
	if m == nil {
		return "", fmt.Errorf("criterion %s: %w", crit, query.ErrMappingMissing)
	}
	if m.ResourceType == "" {
		return "", fmt.Errorf("criterion %s: mapping has no resource type: %w", crit, query.ErrMappingMissing)
	}

	var params []param

	if m.TermCodeSearchParameter != "" && len(crit.TermCodes) > 0 {
		keys := make([]string, len(crit.TermCodes))
		for i, tc := range crit.TermCodes {
			keys[i] = tc.Key()
		}
		params = append(params, param{m.TermCodeSearchParameter, strings.Join(keys, ",")})
	}

	if crit.ValueFilter != nil {
		if m.ValueSearchParameter == "" {
			return "", fmt.Errorf("criterion %s: value filter without value search parameter: %w",
				crit, query.ErrUnsupportedCriterion)
		}
		var (
			vp  []param
			err error
		)
		if m.IsAge() {
			vp, err = c.ageParams(crit.ValueFilter)
		} else {
			vp, err = valueParams(m.ValueSearchParameter, crit.ValueFilter)
		}
		if err != nil {
			return "", fmt.Errorf("criterion %s: %w", crit, err)
		}
		params = append(params, vp...)
	}

	for _, af := range crit.AttributeFilters {
		name, ok := m.AttributeSearchParameters[af.AttributeCode.Code]
		if !ok || name == "" {
			return "", fmt.Errorf("criterion %s: no search parameter for attribute %s: %w",
				crit, af.AttributeCode.Key(), query.ErrUnsupportedCriterion)
		}
		ap, err := valueParams(name, af.Filter)
		if err != nil {
			return "", fmt.Errorf("criterion %s: attribute %s: %w", crit, af.AttributeCode.Key(), err)
		}
		params = append(params, ap...)
	}

	if tr := crit.TimeRestriction; tr != nil && (tr.AfterDate != "" || tr.BeforeDate != "") {
		if m.TimeRestrictionParameter == "" {
			return "", fmt.Errorf("criterion %s: time restriction without search parameter: %w",
				crit, query.ErrUnsupportedCriterion)
		}
		if tr.AfterDate != "" {
			params = append(params, param{m.TimeRestrictionParameter, string(fhir.PrefixGe) + tr.AfterDate})
		}
		if tr.BeforeDate != "" {
			params = append(params, param{m.TimeRestrictionParameter, string(fhir.PrefixLe) + tr.BeforeDate})
		}
	}

	for _, fc := range m.FixedCriteria {
		keys := make([]string, len(fc.Values))
		for i, v := range fc.Values {
			keys[i] = v.Token()
		}
		params = append(params, param{fc.SearchParameter, strings.Join(keys, ",")})
	}

	return assemble(m.ResourceType, params), nil
}

func assemble(resourceType string, params []param) string {
	if len(params) == 0 {
		return resourceType
	}
	var b strings.Builder
	b.WriteString(resourceType)
	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p.name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

func valueParams(name string, f query.ValueFilter) ([]param, error) {
	switch f := f.(type) {
	case query.ConceptFilter:
		if len(f.Codes) == 0 {
			return nil, fmt.Errorf("concept filter without codes: %w", query.ErrUnsupportedCriterion)
		}
		tokens := make([]string, len(f.Codes))
		for i, tc := range f.Codes {
			tokens[i] = tc.Token()
		}
		return []param{{name, strings.Join(tokens, ",")}}, nil
	case query.ComparatorFilter:
		prefix, err := fhir.PrefixFor(f.Comparator)
		if err != nil {
			return nil, err
		}
		return []param{{name, string(prefix) + formatNumber(f.Value) + unitSuffix(f.Unit)}}, nil
	case query.RangeFilter:
		suffix := unitSuffix(f.Unit)
		return []param{
			{name, string(fhir.PrefixGe) + formatNumber(f.Min) + suffix},
			{name, string(fhir.PrefixLe) + formatNumber(f.Max) + suffix},
		}, nil
	default:
		return nil, fmt.Errorf("value filter %T: %w", f, query.ErrUnsupportedCriterion)
	}
}

// unitSuffix renders the "|system|code" part of a quantity search value.
func unitSuffix(u query.Unit) string {
	if u.Code == "" {
		return ""
	}
	return "|" + u.System + "|" + u.Code
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
