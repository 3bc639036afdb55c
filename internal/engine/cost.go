package engine

import (
	"sort"

	"github.com/ehr/feasibility/internal/query"
)

// CostEstimator guesses how expensive a criterion is to fetch. Groups are
// visited cheapest first; the order never changes the result.
type CostEstimator interface {
	Cost(c query.Criterion) float64
}

// CostFunc adapts a function to CostEstimator.
type CostFunc func(c query.Criterion) float64

func (f CostFunc) Cost(c query.Criterion) float64 { return f(c) }

// CodePointSum sums the code points of the criterion's first term code.
// It is a placeholder with no relation to real query cost.
var CodePointSum CostEstimator = CostFunc(func(c query.Criterion) float64 {
	var sum float64
	for _, r := range c.PrimaryCode().Code {
		sum += float64(r)
	}
	return sum
})

// UniformCost keeps groups in query order.
var UniformCost CostEstimator = CostFunc(func(query.Criterion) float64 { return 0 })

// GroupCost is the sum of the costs of the group's criteria.
func GroupCost(est CostEstimator, g query.CriteriaGroup) float64 {
	var sum float64
	for _, c := range g {
		sum += est.Cost(c)
	}
	return sum
}

// orderGroups returns the groups sorted by ascending cost. Equal costs keep
// their query order.
func orderGroups(est CostEstimator, groups []query.CriteriaGroup) []query.CriteriaGroup {
	type costed struct {
		group query.CriteriaGroup
		cost  float64
	}
	cs := make([]costed, len(groups))
	for i, g := range groups {
		cs[i] = costed{g, GroupCost(est, g)}
	}
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].cost < cs[j].cost })

	out := make([]query.CriteriaGroup, len(cs))
	for i, c := range cs {
		out[i] = c.group
	}
	return out
}
