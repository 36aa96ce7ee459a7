package sessions

import (
	"errors"
	"testing"
	"time"

	"github.com/dalemusser/stratashift/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func rawSession(t *testing.T, s *Store, token string) Session {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	var out Session
	if err := s.c.FindOne(ctx, bson.M{"token": token}).Decode(&out); err != nil {
		t.Fatalf("find %q: %v", token, err)
	}
	return out
}

func TestStore_CreateDefaults(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	err := store.Create(ctx, Session{
		Token:     "tok-ana",
		UserID:    primitive.NewObjectID(),
		IPAddress: "10.0.4.7",
		UserAgent: "StrataShift/2.1 (Android)",
		ExpiresAt: time.Now().Add(12 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.GetByToken(ctx, "tok-ana")
	if err != nil {
		t.Fatalf("GetByToken() error = %v", err)
	}
	if got.Kind != KindCookie || got.IPAddress != "10.0.4.7" {
		t.Errorf("session = %+v", got)
	}
	if got.LoginAt.IsZero() || got.LastActivity.IsZero() || got.CreatedAt.IsZero() {
		t.Errorf("timestamps not defaulted: %+v", got)
	}
	if !got.Active(time.Now()) {
		t.Error("Active() = false for a fresh session")
	}

	if err := store.Create(ctx, Session{Token: "tok-ana", UserID: primitive.NewObjectID(), ExpiresAt: time.Now().Add(time.Hour)}); err == nil {
		t.Error("Create() with a duplicate token succeeded")
	}
}

func TestStore_InactiveSessionsAreNotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	userID := primitive.NewObjectID()
	_ = store.Create(ctx, Session{Token: "expired", UserID: userID, ExpiresAt: time.Now().Add(-time.Minute)})
	_ = store.Create(ctx, Session{Token: "closed", UserID: userID, ExpiresAt: time.Now().Add(time.Hour)})
	if _, err := store.Close(ctx, "closed", EndReasonLogout); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for _, token := range []string{"expired", "closed", "missing", ""} {
		if _, err := store.GetByToken(ctx, token); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByToken(%q) error = %v, want ErrNotFound", token, err)
		}
		if active, err := store.IsActive(ctx, token); err != nil || active {
			t.Errorf("IsActive(%q) = %v, %v", token, active, err)
		}
	}
}

func TestStore_CloseRecordsReasonAndDuration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	login := time.Now().Add(-90 * time.Minute)
	_ = store.Create(ctx, Session{Token: "t", UserID: primitive.NewObjectID(), LoginAt: login, ExpiresAt: time.Now().Add(time.Hour)})

	if closed, err := store.Close(ctx, "t", EndReasonLogout); err != nil || !closed {
		t.Fatalf("Close() = %v, %v; want true, nil", closed, err)
	}
	if closed, err := store.Close(ctx, "t", EndReasonInactive); err != nil || closed {
		t.Fatalf("second Close() = %v, %v; want false, nil", closed, err)
	}

	got := rawSession(t, store, "t")
	if got.LogoutAt == nil || got.EndReason != EndReasonLogout {
		t.Errorf("LogoutAt = %v EndReason = %q", got.LogoutAt, got.EndReason)
	}
	if got.DurationSecs < 89*60 || got.DurationSecs > 91*60 {
		t.Errorf("DurationSecs = %d, want about 5400", got.DurationSecs)
	}
	if got.Active(time.Now()) {
		t.Error("Active() = true after Close")
	}
}

func TestStore_CloseByUser(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	userID := primitive.NewObjectID()
	exp := time.Now().Add(time.Hour)
	_ = store.Create(ctx, Session{Token: "phone", UserID: userID, Kind: KindBearer, ExpiresAt: exp})
	_ = store.Create(ctx, Session{Token: "laptop", UserID: userID, ExpiresAt: exp})
	_ = store.Create(ctx, Session{Token: "someone-else", UserID: primitive.NewObjectID(), ExpiresAt: exp})

	before, _ := store.ListActiveByUser(ctx, userID)
	if len(before) != 2 {
		t.Fatalf("ListActiveByUser() = %d sessions, want 2", len(before))
	}

	n, err := store.CloseByUser(ctx, userID, EndReasonDisabled)
	if err != nil || n != 2 {
		t.Fatalf("CloseByUser() = %d, %v; want 2", n, err)
	}
	if left, _ := store.ListActiveByUser(ctx, userID); len(left) != 0 {
		t.Errorf("active sessions left = %d", len(left))
	}
	if count, _ := store.CountActive(ctx); count != 1 {
		t.Errorf("CountActive() = %d, want 1", count)
	}
	if got := rawSession(t, store, "phone"); got.EndReason != EndReasonDisabled {
		t.Errorf("EndReason = %q", got.EndReason)
	}
}

func TestStore_CloseInactiveSessionsAndTouch(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	exp := time.Now().Add(24 * time.Hour)
	stale := time.Now().Add(-3 * time.Hour)
	_ = store.Create(ctx, Session{Token: "idle", UserID: primitive.NewObjectID(), ExpiresAt: exp, LastActivity: stale})
	_ = store.Create(ctx, Session{Token: "busy", UserID: primitive.NewObjectID(), ExpiresAt: exp, LastActivity: stale})

	// Touch moves busy's activity forward; idle stays stale.
	if err := store.Touch(ctx, "busy"); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if got := rawSession(t, store, "busy"); got.LastActivity.Before(time.Now().Add(-time.Minute)) {
		t.Errorf("LastActivity = %v, want recent", got.LastActivity)
	}

	n, err := store.CloseInactiveSessions(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("CloseInactiveSessions() = %d, %v; want 1", n, err)
	}
	if got := rawSession(t, store, "idle"); got.EndReason != EndReasonInactive {
		t.Errorf("idle EndReason = %q", got.EndReason)
	}
	if active, _ := store.IsActive(ctx, "busy"); !active {
		t.Error("busy session closed")
	}
}

func TestStore_TouchIsThrottled(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	recent := time.Now().Add(-10 * time.Second).Truncate(time.Millisecond)
	_ = store.Create(ctx, Session{Token: "t", UserID: primitive.NewObjectID(), ExpiresAt: time.Now().Add(time.Hour), LastActivity: recent})

	if err := store.Touch(ctx, "t"); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if got := rawSession(t, store, "t"); !got.LastActivity.Equal(recent) {
		t.Errorf("LastActivity = %v, want unchanged %v", got.LastActivity, recent)
	}
}
