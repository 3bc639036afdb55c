package ontology

import (
	"fmt"

	"github.com/ehr/feasibility/internal/query"
)

// Expander turns a StructuredQuery into an ExpandedQuery: every term code is
// replaced by itself and its descendants, and each resulting criterion gets
// its resource mapping attached.
type Expander struct {
	mappings *Mappings
	tree     *Tree
}

// NewExpander creates an Expander. tree may be nil to skip hierarchy
// expansion.
func NewExpander(mappings *Mappings, tree *Tree) *Expander {
	return &Expander{mappings: mappings, tree: tree}
}

// Expand resolves q. Each inclusion OR-list becomes one group. Each
// exclusion AND-list becomes one clause with a group per criterion.
func (x *Expander) Expand(q query.StructuredQuery) (query.ExpandedQuery, error) {
	var out query.ExpandedQuery

	for _, or := range q.InclusionCriteria {
		g, err := x.group(or)
		if err != nil {
			return query.ExpandedQuery{}, err
		}
		out.InclusionGroups = append(out.InclusionGroups, g)
	}

	for _, and := range q.ExclusionCriteria {
		clause := make([]query.CriteriaGroup, 0, len(and))
		for _, c := range and {
			g, err := x.group([]query.Criterion{c})
			if err != nil {
				return query.ExpandedQuery{}, err
			}
			clause = append(clause, g)
		}
		out.ExclusionClauses = append(out.ExclusionClauses, clause)
	}
	return out, nil
}

func (x *Expander) group(criteria []query.Criterion) (query.CriteriaGroup, error) {
	var g query.CriteriaGroup
	for _, c := range criteria {
		expanded, err := x.criterion(c)
		if err != nil {
			return nil, err
		}
		g = append(g, expanded...)
	}
	return g, nil
}

// criterion expands one criterion into one criterion per mapped code.
// Descendant codes without a mapping are skipped; a criterion none of
// whose codes is mapped is an error.
func (x *Expander) criterion(c query.Criterion) ([]query.Criterion, error) {
	if len(c.TermCodes) == 0 {
		return nil, fmt.Errorf("criterion without term codes: %w", query.ErrInvalidQuery)
	}

	var out []query.Criterion
	seen := make(map[string]bool)
	for _, tc := range c.TermCodes {
		for _, code := range x.tree.Expand(tc) {
			if seen[code.Key()] {
				continue
			}
			seen[code.Key()] = true
			m, ok := x.mappings.Lookup(code)
			if !ok {
				continue
			}
			ec := c
			ec.TermCodes = []query.TerminologyCode{code}
			ec.Mapping = m
			out = append(out, ec)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("term code %s: %w", c.PrimaryCode().Key(), query.ErrMappingMissing)
	}
	return out, nil
}
