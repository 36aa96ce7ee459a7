// Package shift holds the working-time rules: when a shift starts, how
// lateness, break, worked and overtime minutes are counted, and which days
// are workdays.
package shift

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DayLayout is the format of a day key.
const DayLayout = "2006-01-02"

// Policy is the organization's default shift. Times are interpreted in
// Location.
type Policy struct {
	Start           string        // "HH:MM" default shift start
	Location        *time.Location
	Grace           time.Duration // check-ins up to Start+Grace are on time
	StandardMinutes int           // worked minutes beyond this are overtime
}

// ParseClock parses "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (hour, minute, second int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("invalid clock time %q: want HH:MM", s)
	}
	vals := make([]int, 3)
	limits := []int{23, 59, 59}
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || len(p) != 2 || n < 0 || n > limits[i] {
			return 0, 0, 0, fmt.Errorf("invalid clock time %q: want HH:MM", s)
		}
		vals[i] = n
	}
	return vals[0], vals[1], vals[2], nil
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Day returns the day key of t in the policy location.
func (p Policy) Day(t time.Time) string {
	return t.In(p.loc()).Format(DayLayout)
}

// ParseDay parses a day key into midnight of that day in the policy location.
func (p Policy) ParseDay(day string) (time.Time, error) {
	t, err := time.ParseInLocation(DayLayout, day, p.loc())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: want YYYY-MM-DD", day)
	}
	return t, nil
}

// ShiftStart returns the shift start on the day containing t. override, when
// set, replaces the default start ("HH:MM").
func (p Policy) ShiftStart(t time.Time, override *string) (time.Time, error) {
	clock := p.Start
	if override != nil && *override != "" {
		clock = *override
	}
	h, m, s, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	local := t.In(p.loc())
	return time.Date(local.Year(), local.Month(), local.Day(), h, m, s, 0, p.loc()), nil
}

// LateMinutes is 0 for a check-in at or before shift start plus grace.
// Otherwise it is the whole minutes elapsed since shift start.
func (p Policy) LateMinutes(checkIn time.Time, override *string) (int, error) {
	start, err := p.ShiftStart(checkIn, override)
	if err != nil {
		return 0, err
	}
	if !checkIn.After(start.Add(p.Grace)) {
		return 0, nil
	}
	return int(checkIn.Sub(start) / time.Minute), nil
}

// OvertimeMinutes returns worked minutes beyond the standard day.
func (p Policy) OvertimeMinutes(worked int) int {
	if p.StandardMinutes <= 0 || worked <= p.StandardMinutes {
		return 0
	}
	return worked - p.StandardMinutes
}

// EndOfDay returns the last minute of the day containing t.
func (p Policy) EndOfDay(t time.Time) time.Time {
	local := t.In(p.loc())
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 0, 0, p.loc())
}

// BreakMinutes returns the whole minutes between start and end.
func BreakMinutes(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}
	return int(end.Sub(start) / time.Minute)
}

// WorkedMinutes returns the minutes between check-in and check-out minus
// breaks, never negative.
func WorkedMinutes(in, out time.Time, breakMinutes int) int {
	if !out.After(in) {
		return 0
	}
	worked := int(out.Sub(in)/time.Minute) - breakMinutes
	if worked < 0 {
		return 0
	}
	return worked
}
