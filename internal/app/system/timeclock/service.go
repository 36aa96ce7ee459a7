// Package timeclock implements the attendance state machine.
//
// Each user has at most one record per day:
//
//	none -> checkedIn -> onBreak <-> checkedIn -> checkedOut
//
// Every transition is a conditional update on the record's status and
// revision, executed through the write-through coordinator so the
// broadcast store only sees transitions MongoDB accepted. A transition
// whose precondition fails returns a state error and changes nothing.
package timeclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	attendancestore "github.com/dalemusser/stratashift/internal/app/store/attendance"
	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"github.com/dalemusser/stratashift/internal/app/system/notify"
	"github.com/dalemusser/stratashift/internal/app/system/shift"
	"github.com/dalemusser/stratashift/internal/app/system/timeouts"
	"github.com/dalemusser/stratashift/internal/app/system/writethrough"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Broadcast collections written on every transition.
const (
	CollectionLive  = "attendance_live" // keyed by user id: the user's current state
	CollectionDaily = "attendance"      // keyed by "<user id>_<day>"
)

// DefaultAutoCloseAfter is how long after check-in an open record from a
// previous day is closed automatically.
const DefaultAutoCloseAfter = 16 * time.Hour

// Users resolves the user a transition is for.
type Users interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error)
}

// Config holds the working-time rules.
type Config struct {
	Policy         shift.Policy
	Calendar       *shift.Calendar
	AutoCloseAfter time.Duration
}

// Service runs attendance transitions and reports.
type Service struct {
	store          *attendancestore.Store
	users          Users
	coord          *writethrough.Coordinator
	policy         shift.Policy
	cal            *shift.Calendar
	notifier       notify.Notifier
	logger         *zap.Logger
	autoCloseAfter time.Duration
	now            func() time.Time
}

// New creates a Service. notifier may be nil.
func New(store *attendancestore.Store, users Users, coord *writethrough.Coordinator, cfg Config, notifier notify.Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	cal := cfg.Calendar
	if cal == nil {
		cal, _ = shift.NewCalendar(shift.DefaultWorkdayRule, cfg.Policy.Location)
	}
	after := cfg.AutoCloseAfter
	if after <= 0 {
		after = DefaultAutoCloseAfter
	}
	return &Service{
		store:          store,
		users:          users,
		coord:          coord,
		policy:         cfg.Policy,
		cal:            cal,
		notifier:       notifier,
		logger:         logger,
		autoCloseAfter: after,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests use it to pin "now".
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Policy returns the shift policy in effect.
func (s *Service) Policy() shift.Policy {
	return s.policy
}

// CheckInInput is the optional client-supplied context of a check-in.
type CheckInInput struct {
	Location *models.Location
	Note     string
}

// CheckOutInput is the optional client-supplied context of a check-out.
type CheckOutInput struct {
	Location *models.Location
	Note     string
}

// StatusView is the user's state for the current day.
type StatusView struct {
	Status models.AttendanceStatus   `json:"status"`
	Day    string                    `json:"day"`
	Record *models.AttendanceRecord `json:"record,omitempty"`
}

// Status returns the user's current state. A record still open from the
// previous day (an overnight shift) counts as current.
func (s *Service) Status(ctx context.Context, userID primitive.ObjectID) (StatusView, error) {
	now := s.now()
	rec, err := s.current(ctx, userID, now)
	if errors.Is(err, attendancestore.ErrNotFound) {
		return StatusView{Status: models.AttendanceNone, Day: s.policy.Day(now)}, nil
	}
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Status: rec.Status, Day: rec.Day, Record: rec}, nil
}

// current returns today's record, or yesterday's record when it is still
// open.
func (s *Service) current(ctx context.Context, userID primitive.ObjectID, now time.Time) (*models.AttendanceRecord, error) {
	rec, err := s.store.GetByUserDay(ctx, userID, s.policy.Day(now))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, attendancestore.ErrNotFound) {
		return nil, err
	}
	prev, err := s.store.GetByUserDay(ctx, userID, s.policy.Day(now.AddDate(0, 0, -1)))
	if err != nil {
		return nil, err
	}
	if prev.Status == models.AttendanceCheckedOut {
		return nil, attendancestore.ErrNotFound
	}
	return prev, nil
}

// CheckIn opens today's record and computes lateness against the user's
// shift start.
func (s *Service) CheckIn(ctx context.Context, userID primitive.ObjectID, in CheckInInput) (*models.AttendanceRecord, error) {
	now := s.now()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	switch rec, err := s.current(ctx, userID, now); {
	case err == nil && rec.Status == models.AttendanceCheckedOut:
		return nil, ErrAlreadyCheckedOut
	case err == nil:
		return nil, ErrAlreadyCheckedIn
	case !errors.Is(err, attendancestore.ErrNotFound):
		return nil, err
	}

	late, err := s.policy.LateMinutes(now, user.ShiftStart)
	if err != nil {
		return nil, fmt.Errorf("shift start for user %s: %w", userID.Hex(), err)
	}

	rec := &models.AttendanceRecord{
		UserID:          userID,
		Day:             s.policy.Day(now),
		Status:          models.AttendanceCheckedIn,
		CheckInAt:       now,
		CheckInLocation: in.Location,
		LateMinutes:     late,
		Note:            in.Note,
	}

	err = s.coord.Do(ctx, "check_in", func(ctx context.Context) ([]broadcast.Mutation, error) {
		if err := s.store.Create(ctx, rec); err != nil {
			if errors.Is(err, attendancestore.ErrAlreadyExists) {
				return nil, s.existingDayConflict(ctx, userID, rec.Day)
			}
			return nil, err
		}
		return Mirrors(rec), nil
	})
	if err != nil {
		return nil, err
	}

	if late > 0 {
		s.notifyLate(ctx, user, rec)
	}
	return rec, nil
}

// existingDayConflict classifies a duplicate check-in by the record that
// won the insert.
func (s *Service) existingDayConflict(ctx context.Context, userID primitive.ObjectID, day string) error {
	existing, err := s.store.GetByUserDay(ctx, userID, day)
	if err == nil && existing.Status == models.AttendanceCheckedOut {
		return ErrAlreadyCheckedOut
	}
	return ErrAlreadyCheckedIn
}

func (s *Service) notifyLate(ctx context.Context, user *models.User, rec *models.AttendanceRecord) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Short())
	defer cancel()
	err := s.notifier.LateCheckIn(nctx, notify.LateEvent{
		UserID:      rec.UserID.Hex(),
		Name:        user.FullName,
		Day:         rec.Day,
		CheckInAt:   rec.CheckInAt,
		LateMinutes: rec.LateMinutes,
	})
	if err != nil {
		s.logger.Warn("late check-in notification failed",
			zap.String("user_id", rec.UserID.Hex()),
			zap.String("day", rec.Day),
			zap.Error(err))
	}
}

// StartBreak moves a checkedIn record to onBreak.
func (s *Service) StartBreak(ctx context.Context, userID primitive.ObjectID) (*models.AttendanceRecord, error) {
	now := s.now()
	rec, err := s.current(ctx, userID, now)
	if err != nil {
		if errors.Is(err, attendancestore.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}
	if err := breakStartAllowed(rec); err != nil {
		return nil, err
	}

	var out *models.AttendanceRecord
	err = s.coord.Do(ctx, "break_start", func(ctx context.Context) ([]broadcast.Mutation, error) {
		updated, err := s.store.StartBreak(ctx, rec.ID, rec.Rev, now)
		if err != nil {
			return nil, s.stale(ctx, err, rec.ID, breakStartAllowed)
		}
		out = updated
		return Mirrors(updated), nil
	})
	return out, err
}

// EndBreak closes the open break and returns the record to checkedIn.
func (s *Service) EndBreak(ctx context.Context, userID primitive.ObjectID) (*models.AttendanceRecord, error) {
	now := s.now()
	rec, err := s.current(ctx, userID, now)
	if err != nil {
		if errors.Is(err, attendancestore.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}
	if err := breakEndAllowed(rec); err != nil {
		return nil, err
	}

	idx := rec.OpenBreak()
	minutes := shift.BreakMinutes(rec.Breaks[idx].StartedAt, now)

	var out *models.AttendanceRecord
	err = s.coord.Do(ctx, "break_end", func(ctx context.Context) ([]broadcast.Mutation, error) {
		updated, err := s.store.EndBreak(ctx, rec.ID, rec.Rev, idx, now, minutes)
		if err != nil {
			return nil, s.stale(ctx, err, rec.ID, breakEndAllowed)
		}
		out = updated
		return Mirrors(updated), nil
	})
	return out, err
}

// CheckOut finalizes the record. An open break is closed at the checkout
// time first.
func (s *Service) CheckOut(ctx context.Context, userID primitive.ObjectID, in CheckOutInput) (*models.AttendanceRecord, error) {
	now := s.now()
	rec, err := s.current(ctx, userID, now)
	if err != nil {
		if errors.Is(err, attendancestore.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}
	if err := checkOutAllowed(rec); err != nil {
		return nil, err
	}

	totals := s.totals(rec, now)
	totals.Location = in.Location
	totals.Note = in.Note
	return s.finish(ctx, "check_out", rec, totals)
}

func (s *Service) finish(ctx context.Context, action string, rec *models.AttendanceRecord, totals attendancestore.CheckOutInput) (*models.AttendanceRecord, error) {
	var out *models.AttendanceRecord
	err := s.coord.Do(ctx, action, func(ctx context.Context) ([]broadcast.Mutation, error) {
		updated, err := s.store.CheckOut(ctx, rec.ID, rec.Rev, totals)
		if err != nil {
			return nil, s.stale(ctx, err, rec.ID, checkOutAllowed)
		}
		out = updated
		return Mirrors(updated), nil
	})
	return out, err
}

// totals computes the final break, worked and overtime minutes for a
// checkout at at.
func (s *Service) totals(rec *models.AttendanceRecord, at time.Time) attendancestore.CheckOutInput {
	breaks := make([]models.Break, len(rec.Breaks))
	copy(breaks, rec.Breaks)

	breakMinutes := 0
	for i := range breaks {
		if breaks[i].EndedAt == nil {
			end := at
			breaks[i].EndedAt = &end
			breaks[i].Minutes = shift.BreakMinutes(breaks[i].StartedAt, end)
		}
		breakMinutes += breaks[i].Minutes
	}

	worked := shift.WorkedMinutes(rec.CheckInAt, at, breakMinutes)
	return attendancestore.CheckOutInput{
		At:              at,
		Breaks:          breaks,
		BreakMinutes:    breakMinutes,
		WorkedMinutes:   worked,
		OvertimeMinutes: s.policy.OvertimeMinutes(worked),
	}
}

// stale turns a lost conditional update into the state error the caller
// would have seen had it read the record a moment later.
func (s *Service) stale(ctx context.Context, err error, id primitive.ObjectID, allowed func(*models.AttendanceRecord) error) error {
	if !errors.Is(err, attendancestore.ErrStale) {
		return err
	}
	rec, gerr := s.store.GetByID(ctx, id)
	if gerr != nil {
		return ErrConcurrentUpdate
	}
	if serr := allowed(rec); serr != nil {
		return serr
	}
	return ErrConcurrentUpdate
}

func breakStartAllowed(rec *models.AttendanceRecord) error {
	switch rec.Status {
	case models.AttendanceCheckedIn:
		return nil
	case models.AttendanceOnBreak:
		return ErrAlreadyOnBreak
	}
	return ErrNoActiveSession
}

func breakEndAllowed(rec *models.AttendanceRecord) error {
	switch rec.Status {
	case models.AttendanceOnBreak:
		if rec.OpenBreak() < 0 {
			return ErrNoActiveBreak
		}
		return nil
	case models.AttendanceCheckedIn:
		return ErrNoActiveBreak
	}
	return ErrNoActiveSession
}

func checkOutAllowed(rec *models.AttendanceRecord) error {
	switch rec.Status {
	case models.AttendanceCheckedIn, models.AttendanceOnBreak:
		return nil
	case models.AttendanceCheckedOut:
		return ErrAlreadyCheckedOut
	}
	return ErrNoActiveSession
}

// AutoClose checks out records left open from previous days once
// AutoCloseAfter has passed since check-in. The checkout time is check-in
// plus the standard day plus recorded breaks, capped at the end of the
// record's day. It returns how many records were closed.
func (s *Service) AutoClose(ctx context.Context, limit int64) (int, error) {
	now := s.now()
	open, err := s.store.ListOpenBefore(ctx, s.policy.Day(now), limit)
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range open {
		rec := &open[i]
		if now.Sub(rec.CheckInAt) < s.autoCloseAfter {
			continue
		}

		at := rec.CheckInAt.Add(time.Duration(s.policy.StandardMinutes+rec.BreakMinutes) * time.Minute)
		if idx := rec.OpenBreak(); idx >= 0 && rec.Breaks[idx].StartedAt.After(at) {
			at = rec.Breaks[idx].StartedAt
		}
		if eod := s.policy.EndOfDay(rec.CheckInAt); at.After(eod) {
			at = eod
		}
		if at.Before(rec.CheckInAt) {
			at = rec.CheckInAt
		}

		totals := s.totals(rec, at)
		totals.AutoClosed = true
		totals.Note = "auto-closed: no checkout recorded"

		if _, err := s.finish(ctx, "auto_close", rec, totals); err != nil {
			if IsConflict(err) {
				continue
			}
			return closed, err
		}
		s.logger.Info("attendance auto-closed",
			zap.String("user_id", rec.UserID.Hex()),
			zap.String("day", rec.Day),
			zap.Time("check_out_at", at))
		closed++
	}
	return closed, nil
}

// Mirrors returns the broadcast writes for rec.
func Mirrors(rec *models.AttendanceRecord) []broadcast.Mutation {
	data := BroadcastData(rec)
	user := rec.UserID.Hex()
	return []broadcast.Mutation{
		broadcast.Put(CollectionLive, user, data),
		broadcast.Put(CollectionDaily, user+"_"+rec.Day, data),
	}
}

// BroadcastData is the denormalized record pushed to subscribers.
func BroadcastData(rec *models.AttendanceRecord) map[string]any {
	data := map[string]any{
		"user_id":          rec.UserID.Hex(),
		"day":              rec.Day,
		"status":           string(rec.Status),
		"check_in_at":      rec.CheckInAt.UTC().Format(time.RFC3339),
		"check_out_at":     "",
		"late_minutes":     rec.LateMinutes,
		"break_minutes":    rec.BreakMinutes,
		"worked_minutes":   rec.WorkedMinutes,
		"overtime_minutes": rec.OvertimeMinutes,
		"on_break":         rec.Status == models.AttendanceOnBreak,
		"auto_closed":      rec.AutoClosed,
		"updated_at":       rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.CheckOutAt != nil {
		data["check_out_at"] = rec.CheckOutAt.UTC().Format(time.RFC3339)
	}
	return data
}
