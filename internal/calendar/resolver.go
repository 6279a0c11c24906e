package calendar

import (
	"context"
	"fmt"
	"time"
)

// Resolver converts Hebrew calendar dates to Gregorian dates. Returned dates
// are UTC midnight values.
type Resolver interface {
	// NextOccurrence returns the Gregorian date of month/day in Hebrew year.
	NextOccurrence(ctx context.Context, month Month, day, year int) (time.Time, error)
	// CurrentCycleYear returns the Hebrew year containing the given day.
	CurrentCycleYear(ctx context.Context, today time.Time) (int, error)
}

// Occurrence is one resolved anniversary.
type Occurrence struct {
	Date  time.Time
	Year  int
	Month Month
	Day   int
}

// Next resolves the same Hebrew date one cycle later.
func (o Occurrence) Next(ctx context.Context, r Resolver) (Occurrence, error) {
	date, err := r.NextOccurrence(ctx, o.Month, o.Day, o.Year+1)
	if err != nil {
		return Occurrence{}, err
	}
	return Occurrence{Date: date, Year: o.Year + 1, Month: o.Month, Day: o.Day}, nil
}

// AnchorOccurrence finds the nearest occurrence of a Hebrew month/day that
// falls on or after today. month and day may be Hebrew or transliterated.
func AnchorOccurrence(ctx context.Context, r Resolver, month, day string, today time.Time) (Occurrence, error) {
	m, err := ParseMonth(month)
	if err != nil {
		return Occurrence{}, err
	}
	d, err := ParseDay(day)
	if err != nil {
		return Occurrence{}, err
	}

	year, err := r.CurrentCycleYear(ctx, today)
	if err != nil {
		return Occurrence{}, fmt.Errorf("current cycle year: %w", err)
	}

	date, err := r.NextOccurrence(ctx, m, d, year)
	if err != nil {
		return Occurrence{}, err
	}
	occ := Occurrence{Date: date, Year: year, Month: m, Day: d}
	if date.Before(civil(today)) {
		return occ.Next(ctx, r)
	}
	return occ, nil
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
