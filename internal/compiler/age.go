package compiler

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/feasibility/internal/platform/fhir"
	"github.com/ehr/feasibility/internal/query"
)

const birthdateParam = "birthdate"

type ageUnit int

const (
	unitYear ageUnit = iota
	unitMonth
	unitWeek
)

func parseAgeUnit(code string) (ageUnit, error) {
	switch strings.ToLower(code) {
	case "a", "y", "year", "years":
		return unitYear, nil
	case "mo", "month", "months":
		return unitMonth, nil
	case "wk", "week", "weeks":
		return unitWeek, nil
	}
	return 0, fmt.Errorf("age unit %q: %w", code, query.ErrUnsupportedCriterion)
}

func (u ageUnit) before(t time.Time, n int) time.Time {
	switch u {
	case unitMonth:
		return minusMonths(t, n)
	case unitWeek:
		return t.AddDate(0, 0, -7*n)
	default:
		return minusMonths(t, 12*n)
	}
}

// minusMonths steps back n calendar months. A day past the end of the
// target month is clamped to its last day: Mar 31 less one month is Feb 29
// in a leap year, Feb 29 less one year is Feb 28.
func minusMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	months := y*12 + int(m-1) - n
	ty, tm := months/12, time.Month(months%12+1)
	if months < 0 && months%12 != 0 {
		ty, tm = months/12-1, time.Month(months%12+13)
	}
	d = min(d, daysIn(ty, tm))
	return time.Date(ty, tm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ageParams translates an age filter into birthdate comparisons relative to
// the compiler clock. Ages are truncated to whole units.
func (c *Compiler) ageParams(f query.ValueFilter) ([]param, error) {
	now := c.now()

	switch f := f.(type) {
	case query.ComparatorFilter:
		unit, err := parseAgeUnit(f.Unit.Code)
		if err != nil {
			return nil, err
		}
		n := int(f.Value)
		bound := unit.before(now, n)
		// born on the day after this date has not yet completed n+1 units
		nextBound := unit.before(now, n+1).AddDate(0, 0, 1)

		switch f.Comparator {
		case query.ComparatorGt:
			return []param{{birthdateParam, fhir.FormatDate(fhir.PrefixLt, bound)}}, nil
		case query.ComparatorLt:
			return []param{{birthdateParam, fhir.FormatDate(fhir.PrefixGt, bound)}}, nil
		case query.ComparatorGe:
			return []param{{birthdateParam, fhir.FormatDate(fhir.PrefixLe, bound)}}, nil
		case query.ComparatorLe:
			return []param{{birthdateParam, fhir.FormatDate(fhir.PrefixGe, nextBound)}}, nil
		case query.ComparatorEq:
			return []param{
				{birthdateParam, fhir.FormatDate(fhir.PrefixGt, nextBound)},
				{birthdateParam, fhir.FormatDate(fhir.PrefixLt, bound)},
			}, nil
		default:
			return nil, fmt.Errorf("age comparator %q: %w", f.Comparator, query.ErrUnsupportedCriterion)
		}
	case query.RangeFilter:
		unit, err := parseAgeUnit(f.Unit.Code)
		if err != nil {
			return nil, err
		}
		return []param{
			{birthdateParam, fhir.FormatDate(fhir.PrefixLt, unit.before(now, int(f.Min)))},
			{birthdateParam, fhir.FormatDate(fhir.PrefixGt, unit.before(now, int(f.Max)))},
		}, nil
	default:
		return nil, fmt.Errorf("age filter %T: %w", f, query.ErrUnsupportedCriterion)
	}
}
