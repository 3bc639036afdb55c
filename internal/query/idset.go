package query

import "sort"

// PatientIDSet is a set of opaque patient identifiers.
type PatientIDSet map[string]struct{}

// NewPatientIDSet returns a set holding ids.
func NewPatientIDSet(ids ...string) PatientIDSet {
	s := make(PatientIDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s PatientIDSet) Add(id string) { s[id] = struct{}{} }

func (s PatientIDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s PatientIDSet) Len() int { return len(s) }

// Clone returns an independent copy. A nil set clones to an empty set.
func (s PatientIDSet) Clone() PatientIDSet {
	out := make(PatientIDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the identifiers in ascending order.
func (s PatientIDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Union returns a new set with the members of s and o.
func (s PatientIDSet) Union(o PatientIDSet) PatientIDSet {
	out := make(PatientIDSet, len(s)+len(o))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range o {
		out[id] = struct{}{}
	}
	return out
}

// Intersect returns a new set with the members present in both s and o.
func (s PatientIDSet) Intersect(o PatientIDSet) PatientIDSet {
	small, large := s, o
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(PatientIDSet, len(small))
	for id := range small {
		if _, ok := large[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// Difference returns a new set with the members of s that are not in o.
func (s PatientIDSet) Difference(o PatientIDSet) PatientIDSet {
	out := make(PatientIDSet, len(s))
	for id := range s {
		if _, ok := o[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// UnionAll folds sets by union. No sets yields the empty set.
func UnionAll(sets ...PatientIDSet) PatientIDSet {
	out := make(PatientIDSet)
	for _, s := range sets {
		for id := range s {
			out[id] = struct{}{}
		}
	}
	return out
}

// IntersectAll folds sets by intersection in the given order. No sets yields
// the empty set.
func IntersectAll(sets ...PatientIDSet) PatientIDSet {
	if len(sets) == 0 {
		return make(PatientIDSet)
	}
	out := sets[0].Clone()
	for _, s := range sets[1:] {
		out = out.Intersect(s)
	}
	return out
}
