package domain

import (
	"strings"
	"time"
)

const (
	MonthKeyLayout = "2006-01"
	DayKeyLayout   = "2006-01-02"
)

// MonthKey formats the calendar month of t in loc, e.g. "2025-09".
func MonthKey(t time.Time, loc *time.Location) string {
	return t.In(location(loc)).Format(MonthKeyLayout)
}

// DayKey formats the calendar day of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(location(loc)).Format(DayKeyLayout)
}

// ParseMonthKey validates a month key and returns its canonical form.
func ParseMonthKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := time.Parse(MonthKeyLayout, raw)
	if err != nil {
		return "", ErrInvalidMonthKey
	}
	return parsed.Format(MonthKeyLayout), nil
}

// NextMonthStart is the first instant of the calendar month after t in loc.
func NextMonthStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(location(loc))
	return time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, local.Location())
}

// TTLUntilNextMonth is the time left until NextMonthStart, never below one second.
func TTLUntilNextMonth(now time.Time, loc *time.Location) time.Duration {
	return atLeastSecond(NextMonthStart(now, loc).Sub(now))
}

// TTLUntilNextDay is the time left until the next local midnight.
func TTLUntilNextDay(now time.Time, loc *time.Location) time.Duration {
	local := now.In(location(loc))
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
	return atLeastSecond(next.Sub(now))
}

func atLeastSecond(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
