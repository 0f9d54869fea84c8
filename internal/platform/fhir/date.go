package fhir

import (
	"time"
)

// InstantIndexLayout is the fixed-width form instants take in search
// columns, so that lexical order equals time order.
const InstantIndexLayout = "2006-01-02T15:04:05.000000000Z"

type datePrecision struct {
	layout string
	next   func(time.Time) time.Time
}

var datePrecisions = []datePrecision{
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Microsecond) }},
}

func parseDatePrecision(v string) (time.Time, datePrecision, error) {
	var lastErr error
	for _, p := range datePrecisions {
		t, err := time.Parse(p.layout, v)
		if err != nil {
			lastErr = err
			continue
		}
		return t.UTC(), p, nil
	}
	return time.Time{}, datePrecision{}, lastErr
}

// DateRange returns the half-open interval a FHIR date or instant denotes:
// "2024" covers the whole year, "2024-02" the month.
func DateRange(v string) (time.Time, time.Time, error) {
	lo, p, err := parseDatePrecision(v)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return lo, p.next(lo).UTC(), nil
}

// DateBounds is DateRange rendered for comparison against indexed date
// strings. Both bounds keep the precision of v, so "1956" gives
// ["1956", "1957") and every stored value inside that year sorts between
// them.
func DateBounds(v string) (string, string, error) {
	lo, p, err := parseDatePrecision(v)
	if err != nil {
		return "", "", err
	}
	layout := p.layout
	if layout == time.RFC3339Nano {
		layout = InstantIndexLayout
	}
	return lo.Format(layout), p.next(lo).UTC().Format(layout), nil
}

// NormalizeDate rewrites an instant into InstantIndexLayout in UTC. Partial
// dates and values that do not parse are returned unchanged.
func NormalizeDate(v string) string {
	if len(v) <= len("2006-01-02") {
		return v
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return v
	}
	return t.UTC().Format(InstantIndexLayout)
}

// dateMatches applies op to an indexed date against the interval expected
// denotes.
func dateMatches(op Operator, actual, expected string) bool {
	lo, hi, err := DateBounds(expected)
	if err != nil {
		return false
	}
	switch op {
	case OpEquals, OpApproximately:
		return actual >= lo && actual < hi
	case OpNotEquals:
		return actual < lo || actual >= hi
	case OpLessThan, OpEndsBefore:
		return actual < lo
	case OpLessThanOrEquals:
		return actual < hi
	case OpGreaterThan, OpStartsAfter:
		return actual >= hi
	case OpGreaterThanOrEquals:
		return actual >= lo
	}
	return false
}
