package outbox

import (
	"errors"
	"testing"
	"time"

	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"github.com/dalemusser/stratashift/internal/testutil"
)

func TestStore_Enqueue_PutSupersedesPut(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	cause := errors.New("pocketbase down")
	if err := store.Enqueue(ctx, broadcast.Put("attendance_live", "u1", map[string]any{"status": "checkedIn"}), cause); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := store.Enqueue(ctx, broadcast.Put("attendance_live", "u1", map[string]any{"status": "onBreak"}), cause); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	due, err := store.Due(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Due() len = %d, want 1", len(due))
	}
	if due[0].Data["status"] != "onBreak" {
		t.Errorf("Data.status = %v, want onBreak", due[0].Data["status"])
	}
	if due[0].LastError != "pocketbase down" {
		t.Errorf("LastError = %q", due[0].LastError)
	}
}

func TestStore_Enqueue_IncrementsAccumulate(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := store.Enqueue(ctx, broadcast.Increment("announcements", "a1", "view_count", 1), errors.New("x")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	due, err := store.Due(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Due() len = %d, want 1", len(due))
	}
	if due[0].Op != broadcast.OpIncrement || due[0].Delta != 3 || due[0].Field != "view_count" {
		t.Errorf("entry = %+v, want increment view_count by 3", due[0].Mutation)
	}
}

func TestStore_Enqueue_PutDiscardsIncrements(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	_ = store.Enqueue(ctx, broadcast.Increment("announcements", "a1", "view_count", 1), errors.New("x"))
	_ = store.Enqueue(ctx, broadcast.Put("announcements", "a1", map[string]any{"view_count": 5}), errors.New("x"))

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestStore_Settle_IncrementKeepsNewDeltas(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	_ = store.Enqueue(ctx, broadcast.Increment("announcements", "a1", "view_count", 2), errors.New("x"))
	due, _ := store.Due(ctx, time.Now().Add(time.Second), 10)
	if len(due) != 1 {
		t.Fatalf("Due() len = %d, want 1", len(due))
	}

	// A new view fails to mirror while the replay is in flight.
	_ = store.Enqueue(ctx, broadcast.Increment("announcements", "a1", "view_count", 1), errors.New("x"))

	if err := store.Settle(ctx, due[0]); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	left, _ := store.Due(ctx, time.Now().Add(time.Second), 10)
	if len(left) != 1 || left[0].Delta != 1 {
		t.Fatalf("remaining = %+v, want one entry with delta 1", left)
	}

	if err := store.Settle(ctx, left[0]); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestStore_Reschedule_HidesUntilDue(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	_ = store.Enqueue(ctx, broadcast.Delete("announcements", "a1"), errors.New("x"))
	due, _ := store.Due(ctx, time.Now().Add(time.Second), 10)
	if len(due) != 1 {
		t.Fatalf("Due() len = %d, want 1", len(due))
	}

	next := time.Now().Add(time.Hour)
	if err := store.Reschedule(ctx, due[0].ID, errors.New("still down"), next); err != nil {
		t.Fatalf("Reschedule() error = %v", err)
	}

	if got, _ := store.Due(ctx, time.Now(), 10); len(got) != 0 {
		t.Errorf("Due(now) len = %d, want 0", len(got))
	}
	later, _ := store.Due(ctx, next.Add(time.Minute), 10)
	if len(later) != 1 || later[0].Attempts != 1 || later[0].LastError != "still down" {
		t.Errorf("later = %+v", later)
	}

	if err := store.Drop(ctx, later[0].ID); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestStore_Applied_PutClearsPendingForKey(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	cause := errors.New("pocketbase down")
	_ = store.Enqueue(ctx, broadcast.Put("attendance_live", "u1", map[string]any{"status": "checked_in"}), cause)
	_ = store.Enqueue(ctx, broadcast.Increment("announcements", "a1", "view_count", 2), cause)
	_ = store.Enqueue(ctx, broadcast.Put("attendance_live", "u2", map[string]any{"status": "checked_in"}), cause)

	if err := store.Applied(ctx, broadcast.Put("attendance_live", "u1", map[string]any{"status": "on_break"})); err != nil {
		t.Fatalf("Applied(put) error = %v", err)
	}
	if err := store.Applied(ctx, broadcast.Delete("announcements", "a1")); err != nil {
		t.Fatalf("Applied(delete) error = %v", err)
	}

	due, err := store.Due(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 1 || due[0].Key != "u2" {
		t.Fatalf("pending = %+v, want only u2", due)
	}
}

func TestStore_Applied_IncrementFoldsIntoPendingPut(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	_ = store.Enqueue(ctx, broadcast.Put("announcements", "a1", map[string]any{"title": "Fire drill", "view_count": 4}), errors.New("x"))
	read, _ := store.Due(ctx, time.Now().Add(time.Second), 10)
	if len(read) != 1 {
		t.Fatalf("Due() len = %d, want 1", len(read))
	}

	if err := store.Applied(ctx, broadcast.Increment("announcements", "a1", "view_count", 1)); err != nil {
		t.Fatalf("Applied(increment) error = %v", err)
	}

	// A replay that read the entry before the fold must not settle it.
	if err := store.Settle(ctx, read[0]); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	due, _ := store.Due(ctx, time.Now().Add(time.Second), 10)
	if len(due) != 1 {
		t.Fatalf("Due() len = %d, want 1", len(due))
	}
	if got := due[0].Data["view_count"]; got != int32(5) && got != int64(5) {
		t.Errorf("view_count = %v (%T), want 5", got, got)
	}
	if due[0].Data["title"] != "Fire drill" {
		t.Errorf("title = %v", due[0].Data["title"])
	}
}

func TestStore_Applied_IncrementIgnoresPutWithoutField(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	_ = store.Enqueue(ctx, broadcast.Put("announcements", "a1", map[string]any{"title": "Fire drill"}), errors.New("x"))
	if err := store.Applied(ctx, broadcast.Increment("announcements", "a1", "view_count", 1)); err != nil {
		t.Fatalf("Applied(increment) error = %v", err)
	}
	due, _ := store.Due(ctx, time.Now().Add(time.Second), 10)
	if len(due) != 1 {
		t.Fatalf("Due() len = %d, want 1", len(due))
	}
	if _, ok := due[0].Data["view_count"]; ok {
		t.Errorf("view_count added to a put that did not carry it: %v", due[0].Data)
	}
}
