package timeclock

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dalemusser/stratashift/internal/app/system/shift"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaxRangeDays bounds history and analytics queries.
const MaxRangeDays = 366

// DefaultRangeDays is used when a range has no start.
const DefaultRangeDays = 30

// Range is an inclusive span of day keys.
type Range struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ResolveRange fills defaults (to = today, from = to - 29 days) and
// validates the span.
func (s *Service) ResolveRange(from, to string) (Range, error) {
	today := s.policy.Day(s.now())
	if to == "" {
		to = today
	}
	toT, err := s.policy.ParseDay(to)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	if from == "" {
		from = toT.AddDate(0, 0, -(DefaultRangeDays - 1)).Format(shift.DayLayout)
	}
	fromT, err := s.policy.ParseDay(from)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	if fromT.After(toT) {
		return Range{}, fmt.Errorf("%w: from is after to", ErrInvalidRange)
	}
	if days := daysBetween(fromT, toT) + 1; days > MaxRangeDays {
		return Range{}, fmt.Errorf("%w: %d days, max %d", ErrRangeTooLarge, days, MaxRangeDays)
	}
	return Range{From: from, To: to}, nil
}

func daysBetween(from, to time.Time) int {
	// Calendar days, immune to DST-shortened days.
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// History returns the user's records in r, oldest first.
func (s *Service) History(ctx context.Context, userID primitive.ObjectID, r Range) ([]models.AttendanceRecord, error) {
	recs, err := s.store.ListByUser(ctx, userID, r.From, r.To)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []models.AttendanceRecord{}
	}
	return recs, nil
}

// Summary aggregates a user's attendance over a range.
type Summary struct {
	From                 string  `json:"from"`
	To                   string  `json:"to"`
	DaysPresent          int     `json:"days_present"`
	LateDays             int     `json:"late_days"`
	TotalLateMinutes     int     `json:"total_late_minutes"`
	TotalWorkedMinutes   int     `json:"total_worked_minutes"`
	TotalOvertimeMinutes int     `json:"total_overtime_minutes"`
	TotalBreakMinutes    int     `json:"total_break_minutes"`
	AverageWorkedMinutes int     `json:"average_worked_minutes"`
	AverageCheckIn       string  `json:"average_check_in"`
	ExpectedWorkdays     int     `json:"expected_workdays"`
	AbsentDays           int     `json:"absent_days"`
	AttendanceRate       float64 `json:"attendance_rate"`
}

// Analytics summarizes the user's attendance in r.
func (s *Service) Analytics(ctx context.Context, userID primitive.ObjectID, r Range) (Summary, error) {
	recs, err := s.History(ctx, userID, r)
	if err != nil {
		return Summary{}, err
	}
	fromT, err := s.policy.ParseDay(r.From)
	if err != nil {
		return Summary{}, err
	}
	toT, err := s.policy.ParseDay(r.To)
	if err != nil {
		return Summary{}, err
	}
	workdays, err := s.cal.Workdays(fromT, toT)
	if err != nil {
		return Summary{}, err
	}
	sum := Summarize(recs, workdays, s.policy.Day(s.now()), s.policy.Location)
	sum.From, sum.To = r.From, r.To
	return sum, nil
}

// Summarize aggregates recs. workdays are the expected workdays of the
// range. Only workdays before today, plus today when a record exists, count
// toward absences and the attendance rate.
func Summarize(recs []models.AttendanceRecord, workdays []string, today string, loc *time.Location) Summary {
	if loc == nil {
		loc = time.UTC
	}
	var sum Summary
	present := make(map[string]bool, len(recs))
	closed := 0
	checkInMinutes := 0

	for _, r := range recs {
		present[r.Day] = true
		sum.DaysPresent++
		if r.LateMinutes > 0 {
			sum.LateDays++
			sum.TotalLateMinutes += r.LateMinutes
		}
		sum.TotalBreakMinutes += r.BreakMinutes
		if r.Status == models.AttendanceCheckedOut {
			closed++
			sum.TotalWorkedMinutes += r.WorkedMinutes
			sum.TotalOvertimeMinutes += r.OvertimeMinutes
		}
		local := r.CheckInAt.In(loc)
		checkInMinutes += local.Hour()*60 + local.Minute()
	}

	if closed > 0 {
		sum.AverageWorkedMinutes = int(math.Round(float64(sum.TotalWorkedMinutes) / float64(closed)))
	}
	if sum.DaysPresent > 0 {
		avg := int(math.Round(float64(checkInMinutes) / float64(sum.DaysPresent)))
		sum.AverageCheckIn = fmt.Sprintf("%02d:%02d", avg/60, avg%60)
	}

	sum.ExpectedWorkdays = len(workdays)
	elapsed, attended := 0, 0
	for _, d := range workdays {
		if d > today || (d == today && !present[d]) {
			continue
		}
		elapsed++
		if present[d] {
			attended++
		}
	}
	sum.AbsentDays = elapsed - attended
	if elapsed > 0 {
		sum.AttendanceRate = math.Round(float64(attended)/float64(elapsed)*1000) / 10
	}
	return sum
}

// Board is the attendance of everyone for one day.
type Board struct {
	Day        string                    `json:"day"`
	Records    []models.AttendanceRecord `json:"records"`
	CheckedIn  int                       `json:"checked_in"`
	OnBreak    int                       `json:"on_break"`
	CheckedOut int                       `json:"checked_out"`
	Late       int                       `json:"late"`
}

// DailyBoard returns every record for day (today when empty).
func (s *Service) DailyBoard(ctx context.Context, day string) (Board, error) {
	if day == "" {
		day = s.policy.Day(s.now())
	}
	if _, err := s.policy.ParseDay(day); err != nil {
		return Board{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	recs, err := s.store.ListByDay(ctx, day)
	if err != nil {
		return Board{}, err
	}
	b := Board{Day: day, Records: recs}
	if b.Records == nil {
		b.Records = []models.AttendanceRecord{}
	}
	for _, r := range recs {
		switch r.Status {
		case models.AttendanceCheckedIn:
			b.CheckedIn++
		case models.AttendanceOnBreak:
			b.OnBreak++
		case models.AttendanceCheckedOut:
			b.CheckedOut++
		}
		if r.LateMinutes > 0 {
			b.Late++
		}
	}
	return b, nil
}
