package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - A calendar month
// =============================================================================

// Period is a calendar month. Invoices, shadow charges and closures are
// keyed by it.
type Period struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

func NewPeriod(year int, month time.Month) Period { return Period{Year: year, Month: month} }

// PeriodOf returns the month containing t (UTC).
func PeriodOf(t time.Time) Period {
	u := t.UTC()
	return Period{Year: u.Year(), Month: u.Month()}
}

// Start is the first instant of the month.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the first instant of the following month (exclusive bound).
func (p Period) End() time.Time { return p.Start().AddDate(0, 1, 0) }

// Contains reports whether t falls in [Start, End).
func (p Period) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(p.Start()) && u.Before(p.End())
}

func (p Period) Valid() bool { return p.Year > 0 && p.Month >= time.January && p.Month <= time.December }

func (p Period) Next() Period     { return PeriodOf(p.End()) }
func (p Period) Previous() Period { return PeriodOf(p.Start().AddDate(0, -1, 0)) }

// String returns "YYYY-MM".
func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
	}
	return PeriodOf(t), nil
}
