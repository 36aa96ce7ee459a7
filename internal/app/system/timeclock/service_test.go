package timeclock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	attendancestore "github.com/dalemusser/stratashift/internal/app/store/attendance"
	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"github.com/dalemusser/stratashift/internal/app/system/notify"
	"github.com/dalemusser/stratashift/internal/app/system/shift"
	"github.com/dalemusser/stratashift/internal/app/system/writethrough"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"github.com/dalemusser/stratashift/internal/testutil"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type fakeUsers map[primitive.ObjectID]*models.User

func (f fakeUsers) GetByID(_ context.Context, id primitive.ObjectID) (*models.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.LateEvent
}

func (n *recordingNotifier) LateCheckIn(_ context.Context, e notify.LateEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

type fixture struct {
	svc      *Service
	store    *attendancestore.Store
	mem      *broadcast.Memory
	notifier *recordingNotifier
	userID   primitive.ObjectID
	now      time.Time
}

// Monday 2 March 2026.
func monday(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)

	f := &fixture{
		store:    attendancestore.New(db),
		mem:      broadcast.NewMemory(),
		notifier: &recordingNotifier{},
		userID:   primitive.NewObjectID(),
		now:      monday(9, 0),
	}
	users := fakeUsers{f.userID: {ID: f.userID, FullName: "Ana Lee", Role: models.RoleEmployee, Status: models.StatusActive}}
	coord := writethrough.New(f.mem, nil, zap.NewNop())
	cfg := Config{
		Policy: shift.Policy{Start: "09:00", Location: time.UTC, Grace: 5 * time.Minute, StandardMinutes: 480},
	}
	f.svc = New(f.store, users, coord, cfg, f.notifier, zap.NewNop())
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func TestCheckIn_ComputesLatenessAndMirrors(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.now = monday(9, 20)
	rec, err := f.svc.CheckIn(ctx, f.userID, CheckInInput{Note: "traffic"})
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if rec.Status != models.AttendanceCheckedIn || rec.LateMinutes != 20 || rec.Day != "2026-03-02" {
		t.Errorf("record = status %s late %d day %s", rec.Status, rec.LateMinutes, rec.Day)
	}

	live, ok := f.mem.Get(CollectionLive, f.userID.Hex())
	if !ok || live["status"] != "checkedIn" {
		t.Errorf("live mirror = %v, %v", live, ok)
	}
	if _, ok := f.mem.Get(CollectionDaily, f.userID.Hex()+"_2026-03-02"); !ok {
		t.Error("daily mirror missing")
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].LateMinutes != 20 || f.notifier.events[0].Name != "Ana Lee" {
		t.Errorf("late events = %+v", f.notifier.events)
	}
}

func TestCheckIn_WithinGraceIsOnTime(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.now = monday(9, 5)
	rec, err := f.svc.CheckIn(ctx, f.userID, CheckInInput{})
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if rec.LateMinutes != 0 {
		t.Errorf("LateMinutes = %d, want 0", rec.LateMinutes)
	}
	if len(f.notifier.events) != 0 {
		t.Errorf("late events = %d, want 0", len(f.notifier.events))
	}
}

func TestCheckIn_OneRecordPerDay(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	if _, err := f.svc.CheckIn(ctx, f.userID, CheckInInput{}); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	f.now = monday(9, 30)
	if _, err := f.svc.CheckIn(ctx, f.userID, CheckInInput{}); !errors.Is(err, ErrAlreadyCheckedIn) {
		t.Errorf("second CheckIn() error = %v, want ErrAlreadyCheckedIn", err)
	}

	f.now = monday(17, 0)
	if _, err := f.svc.CheckOut(ctx, f.userID, CheckOutInput{}); err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	f.now = monday(17, 30)
	if _, err := f.svc.CheckIn(ctx, f.userID, CheckInInput{}); !errors.Is(err, ErrAlreadyCheckedOut) {
		t.Errorf("CheckIn() after checkout error = %v, want ErrAlreadyCheckedOut", err)
	}

	recs, err := f.store.ListByUser(ctx, f.userID, "2026-03-02", "2026-03-02")
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("records = %d, want 1", len(recs))
	}
}

func TestEndBreak_WithoutStart_ConflictAndUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	rec, err := f.svc.CheckIn(ctx, f.userID, CheckInInput{})
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	callsBefore := len(f.mem.Calls())

	f.now = monday(12, 0)
	if _, err := f.svc.EndBreak(ctx, f.userID); !errors.Is(err, ErrNoActiveBreak) {
		t.Fatalf("EndBreak() error = %v, want ErrNoActiveBreak", err)
	}

	after, err := f.store.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if after.Rev != rec.Rev || after.Status != models.AttendanceCheckedIn || len(after.Breaks) != 0 {
		t.Errorf("record changed: rev %d->%d status %s breaks %d", rec.Rev, after.Rev, after.Status, len(after.Breaks))
	}
	if got := len(f.mem.Calls()); got != callsBefore {
		t.Errorf("broadcast calls = %d, want %d", got, callsBefore)
	}
}

func TestBreaks_NoSession(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	if _, err := f.svc.StartBreak(ctx, f.userID); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("StartBreak() error = %v, want ErrNoActiveSession", err)
	}
	if _, err := f.svc.EndBreak(ctx, f.userID); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("EndBreak() error = %v, want ErrNoActiveSession", err)
	}
	if _, err := f.svc.CheckOut(ctx, f.userID, CheckOutInput{}); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("CheckOut() error = %v, want ErrNoActiveSession", err)
	}
	if calls := f.mem.Calls(); len(calls) != 0 {
		t.Errorf("broadcast calls = %d, want 0", len(calls))
	}
}

func TestBreakCycle(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	if _, err := f.svc.CheckIn(ctx, f.userID, CheckInInput{}); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}

	f.now = monday(12, 0)
	rec, err := f.svc.StartBreak(ctx, f.userID)
	if err != nil {
		t.Fatalf("StartBreak() error = %v", err)
	}
	if rec.Status != models.AttendanceOnBreak {
		t.Errorf("Status = %s, want onBreak", rec.Status)
	}
	live, _ := f.mem.Get(CollectionLive, f.userID.Hex())
	if live["on_break"] != true {
		t.Errorf("live on_break = %v", live["on_break"])
	}

	if _, err := f.svc.StartBreak(ctx, f.userID); !errors.Is(err, ErrAlreadyOnBreak) {
		t.Errorf("second StartBreak() error = %v, want ErrAlreadyOnBreak", err)
	}

	f.now = monday(12, 30)
	rec, err = f.svc.EndBreak(ctx, f.userID)
	if err != nil {
		t.Fatalf("EndBreak() error = %v", err)
	}
	if rec.Status != models.AttendanceCheckedIn || rec.BreakMinutes != 30 {
		t.Errorf("after EndBreak status %s break minutes %d", rec.Status, rec.BreakMinutes)
	}
	if len(rec.Breaks) != 1 || rec.Breaks[0].EndedAt == nil || rec.Breaks[0].Minutes != 30 {
		t.Errorf("breaks = %+v", rec.Breaks)
	}
}

func TestCheckOut_FromBreakClosesBreak(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.now = monday(9, 0)
	_, _ = f.svc.CheckIn(ctx, f.userID, CheckInInput{})
	f.now = monday(12, 0)
	_, _ = f.svc.StartBreak(ctx, f.userID)

	f.now = monday(12, 40)
	rec, err := f.svc.CheckOut(ctx, f.userID, CheckOutInput{})
	if err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	if rec.Status != models.AttendanceCheckedOut {
		t.Errorf("Status = %s", rec.Status)
	}
	if rec.BreakMinutes != 40 || rec.WorkedMinutes != 180 || rec.OvertimeMinutes != 0 {
		t.Errorf("totals break %d worked %d overtime %d, want 40 180 0", rec.BreakMinutes, rec.WorkedMinutes, rec.OvertimeMinutes)
	}
	if rec.Breaks[0].EndedAt == nil {
		t.Error("open break not closed")
	}
}

func TestCheckOut_SecondCheckoutDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.now = monday(8, 0)
	_, _ = f.svc.CheckIn(ctx, f.userID, CheckInInput{})

	f.now = monday(18, 0)
	first, err := f.svc.CheckOut(ctx, f.userID, CheckOutInput{})
	if err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	if first.WorkedMinutes != 600 || first.OvertimeMinutes != 120 {
		t.Errorf("worked %d overtime %d, want 600 120", first.WorkedMinutes, first.OvertimeMinutes)
	}
	calls := len(f.mem.Calls())

	f.now = monday(19, 0)
	if _, err := f.svc.CheckOut(ctx, f.userID, CheckOutInput{}); !errors.Is(err, ErrAlreadyCheckedOut) {
		t.Fatalf("second CheckOut() error = %v, want ErrAlreadyCheckedOut", err)
	}

	after, err := f.store.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if after.WorkedMinutes != 600 || after.OvertimeMinutes != 120 || !after.CheckOutAt.Equal(*first.CheckOutAt) {
		t.Errorf("record changed by second checkout: %+v", after)
	}
	if got := len(f.mem.Calls()); got != calls {
		t.Errorf("broadcast calls = %d, want %d", got, calls)
	}
}

func TestCheckOut_StaleReadReportsAlreadyCheckedOut(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	rec, _ := f.svc.CheckIn(ctx, f.userID, CheckInInput{})

	// Another request checks out between our read and our write.
	f.now = monday(17, 0)
	totals := f.svc.totals(rec, f.now)
	if _, err := f.store.CheckOut(ctx, rec.ID, rec.Rev, totals); err != nil {
		t.Fatalf("store.CheckOut() error = %v", err)
	}

	_, err := f.svc.finish(ctx, "check_out", rec, totals)
	if !errors.Is(err, ErrAlreadyCheckedOut) {
		t.Errorf("finish() error = %v, want ErrAlreadyCheckedOut", err)
	}
}

func TestCheckIn_BroadcastFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.mem.FailWith(errors.New("pocketbase down"))
	rec, err := f.svc.CheckIn(ctx, f.userID, CheckInInput{})
	if err != nil {
		t.Fatalf("CheckIn() error = %v, want nil", err)
	}
	if _, err := f.store.GetByID(ctx, rec.ID); err != nil {
		t.Errorf("record not persisted: %v", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	st, err := f.svc.Status(ctx, f.userID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Status != models.AttendanceNone || st.Record != nil {
		t.Errorf("Status() = %+v, want none", st)
	}

	_, _ = f.svc.CheckIn(ctx, f.userID, CheckInInput{})
	st, _ = f.svc.Status(ctx, f.userID)
	if st.Status != models.AttendanceCheckedIn || st.Record == nil {
		t.Errorf("Status() = %+v, want checkedIn", st)
	}
}

func TestOvernightShift(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.now = monday(22, 0)
	if _, err := f.svc.CheckIn(ctx, f.userID, CheckInInput{}); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}

	f.now = monday(22, 0).Add(4 * time.Hour)
	st, err := f.svc.Status(ctx, f.userID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Status != models.AttendanceCheckedIn || st.Day != "2026-03-02" {
		t.Errorf("Status() = %s %s, want checkedIn 2026-03-02", st.Status, st.Day)
	}
	if _, err := f.svc.CheckIn(ctx, f.userID, CheckInInput{}); !errors.Is(err, ErrAlreadyCheckedIn) {
		t.Errorf("CheckIn() while overnight open error = %v, want ErrAlreadyCheckedIn", err)
	}

	rec, err := f.svc.CheckOut(ctx, f.userID, CheckOutInput{})
	if err != nil {
		t.Fatalf("CheckOut() error = %v", err)
	}
	if rec.Day != "2026-03-02" || rec.WorkedMinutes != 240 {
		t.Errorf("day %s worked %d, want 2026-03-02 240", rec.Day, rec.WorkedMinutes)
	}
}

func TestAutoClose(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.now = monday(9, 0)
	rec, _ := f.svc.CheckIn(ctx, f.userID, CheckInInput{})
	f.now = monday(12, 0)
	_, _ = f.svc.StartBreak(ctx, f.userID)
	f.now = monday(12, 30)
	_, _ = f.svc.EndBreak(ctx, f.userID)

	// Too early: still the same day.
	if n, err := f.svc.AutoClose(ctx, 100); err != nil || n != 0 {
		t.Fatalf("AutoClose() same day = %d, %v; want 0, nil", n, err)
	}

	f.now = monday(9, 0).AddDate(0, 0, 1).Add(2 * time.Hour)
	n, err := f.svc.AutoClose(ctx, 100)
	if err != nil {
		t.Fatalf("AutoClose() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("AutoClose() closed %d, want 1", n)
	}

	got, err := f.store.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !got.AutoClosed || got.Status != models.AttendanceCheckedOut {
		t.Errorf("auto_closed %v status %s", got.AutoClosed, got.Status)
	}
	if want := monday(17, 30); !got.CheckOutAt.Equal(want) {
		t.Errorf("CheckOutAt = %v, want %v", got.CheckOutAt, want)
	}
	if got.WorkedMinutes != 480 || got.BreakMinutes != 30 {
		t.Errorf("worked %d break %d, want 480 30", got.WorkedMinutes, got.BreakMinutes)
	}

	if n, _ := f.svc.AutoClose(ctx, 100); n != 0 {
		t.Errorf("second AutoClose() closed %d, want 0", n)
	}
}

func TestAutoClose_CapsAtEndOfDay(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.now = monday(20, 0)
	rec, _ := f.svc.CheckIn(ctx, f.userID, CheckInInput{})

	f.now = monday(20, 0).Add(20 * time.Hour)
	if _, err := f.svc.AutoClose(ctx, 100); err != nil {
		t.Fatalf("AutoClose() error = %v", err)
	}
	got, _ := f.store.GetByID(ctx, rec.ID)
	if want := monday(23, 59); got.CheckOutAt == nil || !got.CheckOutAt.Equal(want) {
		t.Errorf("CheckOutAt = %v, want %v", got.CheckOutAt, want)
	}
}

func TestDailyBoard(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.now = monday(9, 30)
	_, _ = f.svc.CheckIn(ctx, f.userID, CheckInInput{})

	b, err := f.svc.DailyBoard(ctx, "")
	if err != nil {
		t.Fatalf("DailyBoard() error = %v", err)
	}
	if b.Day != "2026-03-02" || len(b.Records) != 1 || b.CheckedIn != 1 || b.Late != 1 {
		t.Errorf("board = %+v", b)
	}

	if _, err := f.svc.DailyBoard(ctx, "03/02/2026"); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("DailyBoard(bad day) error = %v, want ErrInvalidRange", err)
	}
}
