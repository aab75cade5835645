/*
period.go - Billing-period arithmetic (the Period Calendar)

PURPOSE:
  A Period is a (month, year) billing unit. This file defines the period
  type, its ordering, and PeriodsDue: the pure function that expands an
  obligation's cadence into the ordered list of periods due up to a cutoff.

CALENDAR-DATE ARITHMETIC ONLY:
  All anchors are materialized with time.Date in UTC, never by adding
  durations to a local-clock time. The source system had a bug where
  "day 1" drifted to day 30/31 near month boundaries under local-time
  arithmetic; PeriodsDue asserts that every anchor's day-of-month is 1.

GUARANTEES:
  - Output is strictly increasing and duplicate-free
  - Empty when the start date is past the upper bound
  - MONTHLY: one period per calendar month, start month through the bound
  - YEARLY: one period per year, anchored to the start month

SEE ALSO:
  - generator.go: Consumes PeriodsDue to materialize instances
*/
package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - (month, year) billing unit
// =============================================================================

type Period struct {
	Month time.Month
	Year  int
}

func NewPeriod(month time.Month, year int) Period {
	return Period{Month: month, Year: year}
}

// PeriodOf returns the period containing the given date.
func PeriodOf(t time.Time) Period {
	u := t.UTC()
	return Period{Month: u.Month(), Year: u.Year()}
}

func (p Period) Valid() bool {
	return p.Month >= time.January && p.Month <= time.December && p.Year > 0
}

// Ordering is by (year, month).
func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

func (p Period) After(other Period) bool { return other.Before(p) }
func (p Period) Equal(other Period) bool { return p.Year == other.Year && p.Month == other.Month }

func (p Period) BeforeOrEqual(other Period) bool { return !p.After(other) }

// NextMonth returns the period one calendar month later.
func (p Period) NextMonth() Period {
	if p.Month == time.December {
		return Period{Month: time.January, Year: p.Year + 1}
	}
	return Period{Month: p.Month + 1, Year: p.Year}
}

// NextYear returns the same month one year later.
func (p Period) NextYear() Period {
	return Period{Month: p.Month, Year: p.Year + 1}
}

// FirstDay returns the canonical anchor date: day 1 of the period's month,
// midnight UTC. Constructed with calendar components, not clock arithmetic.
func (p Period) FirstDay() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// ParsePeriod parses the "YYYY-MM" form produced by String.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("parse period %q: want YYYY-MM: %w", s, err)
	}
	return Period{Month: t.Month(), Year: t.Year()}, nil
}

// MinPeriod returns the earlier of two periods.
func MinPeriod(a, b Period) Period {
	if a.Before(b) {
		return a
	}
	return b
}

// =============================================================================
// PERIODS DUE - Expansion of a cadence up to a cutoff
// =============================================================================

// PeriodsDue returns the ordered billing periods due for an obligation that
// starts at start, up to min(asOf's period, end) inclusive. end may be nil
// (no boundary).
//
// MONTHLY produces one period per calendar month from start's month.
// YEARLY produces one period per year, anchored to start's month.
func PeriodsDue(start time.Time, end *Period, freq Frequency, asOf time.Time) ([]Period, error) {
	if !freq.Valid() {
		return nil, fmt.Errorf("periods due: unknown frequency %q", freq)
	}

	first := PeriodOf(start)
	bound := PeriodOf(asOf)
	if end != nil {
		bound = MinPeriod(bound, *end)
	}

	if first.After(bound) {
		return nil, nil
	}

	var due []Period
	for p := first; p.BeforeOrEqual(bound); {
		// Anchor sanity: the canonical date for every period must be day 1.
		if d := p.FirstDay(); d.Day() != 1 {
			return nil, fmt.Errorf("periods due: anchor %s is not day 1", d.Format("2006-01-02"))
		}
		due = append(due, p)

		switch freq {
		case FrequencyMonthly:
			p = p.NextMonth()
		case FrequencyYearly:
			p = p.NextYear()
		}
	}
	return due, nil
}

// InstanceDate returns the concrete date for an instance of the obligation
// in the given period: the period's first day, unless the obligation's
// stored start date falls mid-month inside that same period (legacy rows
// predating start-date normalization keep their original day).
func InstanceDate(o Obligation, p Period) time.Time {
	start := o.StartDate.UTC()
	if PeriodOf(start).Equal(p) && start.Day() != 1 {
		return time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	}
	return p.FirstDay()
}
