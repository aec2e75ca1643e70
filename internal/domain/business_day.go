package domain

import (
	"fmt"
	"time"
	_ "time/tzdata" // reporting zones must resolve regardless of the host's zoneinfo
)

// DateLayout is the wire and storage format of a business day.
const DateLayout = "2006-01-02"

// Calendar maps instants onto business days of one fixed reporting time
// zone. Marking and aggregation must share the same Calendar; using the
// host's local zone instead would move events across day boundaries.
type Calendar struct {
	loc *time.Location
}

// NewCalendar returns a Calendar for loc. A nil loc means UTC.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// LoadCalendar resolves an IANA zone name such as "Asia/Shanghai".
func LoadCalendar(name string) (Calendar, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return Calendar{}, fmt.Errorf("load reporting timezone %q: %w", name, err)
	}
	return NewCalendar(loc), nil
}

// Location returns the reporting zone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// DateOf returns the business day containing t.
func (c Calendar) DateOf(t time.Time) string {
	return t.In(c.Location()).Format(DateLayout)
}

// ParseDate validates a business day string.
func (c Calendar) ParseDate(date string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, date, c.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return d, nil
}

// Window returns the half-open interval [start, end) covering date, in UTC.
func (c Calendar) Window(date string) (start, end time.Time, err error) {
	d, err := c.ParseDate(date)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	next := time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, c.Location())
	return d.UTC(), next.UTC(), nil
}

// NextDate returns the business day after date. date must be valid.
func (c Calendar) NextDate(date string) string {
	d, err := c.ParseDate(date)
	if err != nil {
		return ""
	}
	return time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, c.Location()).Format(DateLayout)
}

// NextOccurrence returns the first instant strictly after now whose wall
// clock in the reporting zone reads hour:00. Each call is computed from the
// calendar date, so DST shifts never accumulate drift.
func (c Calendar) NextOccurrence(now time.Time, hour int) time.Time {
	local := now.In(c.Location())
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, c.Location())
	if !at.After(local) {
		at = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, c.Location())
	}
	return at
}
