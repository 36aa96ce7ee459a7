package shift

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultWorkdayRule is Monday through Friday.
const DefaultWorkdayRule = "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR"

// Calendar expands an RRULE into expected workdays.
type Calendar struct {
	rule string
	loc  *time.Location
}

// NewCalendar validates rule (an RFC 5545 RRULE without DTSTART).
func NewCalendar(rule string, loc *time.Location) (*Calendar, error) {
	if rule == "" {
		rule = DefaultWorkdayRule
	}
	if loc == nil {
		loc = time.UTC
	}
	if _, err := rrule.StrToROptionInLocation(rule, loc); err != nil {
		return nil, fmt.Errorf("invalid workday rule %q: %w", rule, err)
	}
	return &Calendar{rule: rule, loc: loc}, nil
}

// Workdays returns the day keys of expected workdays in [from, to].
func (c *Calendar) Workdays(from, to time.Time) ([]string, error) {
	start := midnight(from, c.loc)
	end := midnight(to, c.loc)
	if end.Before(start) {
		return nil, nil
	}

	opt, err := rrule.StrToROptionInLocation(c.rule, c.loc)
	if err != nil {
		return nil, err
	}
	opt.Dtstart = start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, err
	}

	occ := r.Between(start, end, true)
	days := make([]string, 0, len(occ))
	for _, t := range occ {
		days = append(days, t.In(c.loc).Format(DayLayout))
	}
	return days, nil
}

// IsWorkday reports whether the day containing t is a workday.
func (c *Calendar) IsWorkday(t time.Time) bool {
	days, err := c.Workdays(t, t)
	return err == nil && len(days) == 1
}

func midnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
