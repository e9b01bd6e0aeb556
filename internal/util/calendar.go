package util

import (
	"fmt"
	"time"
)

// DayKey returns the calendar date of t in loc as YYYY-MM-DD. Daily risk
// horizons roll over when this key changes.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(orUTC(loc)).Format("2006-01-02")
}

// WeekKey returns the ISO year and week of t in loc as YYYY-Www. The first
// observation carrying a new key is, by construction, the first trading day
// of that week, so weekly horizons roll over there even when Monday is a
// holiday.
func WeekKey(t time.Time, loc *time.Location) string {
	year, week := t.In(orUTC(loc)).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(orUTC(loc))
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, lt.Location())
}

// LoadLocation resolves an IANA zone name, treating "" as UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", name, err)
	}
	return loc, nil
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
