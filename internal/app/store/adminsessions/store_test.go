package adminsessions

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dalemusser/stratashift/internal/app/system/network"
	"github.com/dalemusser/stratashift/internal/testutil"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newSession(adminID primitive.ObjectID, now time.Time) *Session {
	return &Session{
		AdminID:     adminID,
		RefreshHash: "hash-1",
		Device: NewDevice(network.Device{
			Browser: "Chrome", Platform: "macOS", UserAgent: "ua", IP: "10.0.0.1",
		}),
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := newSession(primitive.NewObjectID(), now)
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.ID.IsZero() {
		t.Fatal("Create() did not assign an ID")
	}

	got, err := store.GetByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Device.Fingerprint == "" || got.Device.Browser != "Chrome" || got.Device.IP != "10.0.0.1" {
		t.Errorf("Device = %+v", got.Device)
	}
	if !got.LastUsedAt.Equal(now) || !got.Active(now) {
		t.Errorf("LastUsedAt = %v, Active = %v", got.LastUsedAt, got.Active(now))
	}

	if _, err := store.GetByID(ctx, primitive.NewObjectID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestStore_Rotate(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	now := time.Now()
	sess := newSession(primitive.NewObjectID(), now)
	_ = store.Create(ctx, sess)

	if err := store.Rotate(ctx, sess.ID, "hash-1", "hash-2", now, now.Add(48*time.Hour)); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if err := store.Rotate(ctx, sess.ID, "hash-1", "hash-3", now, now.Add(48*time.Hour)); !errors.Is(err, ErrRotationConflict) {
		t.Errorf("Rotate(old hash) error = %v, want ErrRotationConflict", err)
	}

	got, _ := store.GetByID(ctx, sess.ID)
	if got.RefreshHash != "hash-2" || got.Rotations != 1 {
		t.Errorf("after rotate: hash = %q rotations = %d", got.RefreshHash, got.Rotations)
	}
}

func TestStore_Rotate_Concurrent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	now := time.Now()
	sess := newSession(primitive.NewObjectID(), now)
	_ = store.Create(ctx, sess)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Rotate(ctx, sess.ID, "hash-1", primitive.NewObjectID().Hex(), now, now.Add(time.Hour)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("successful concurrent rotations = %d, want 1", wins)
	}
}

func TestStore_Revoke(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	now := time.Now()
	sess := newSession(primitive.NewObjectID(), now)
	_ = store.Create(ctx, sess)

	revoked, err := store.Revoke(ctx, sess.ID, RevokeLogout, now)
	if err != nil || !revoked {
		t.Fatalf("Revoke() = %v, %v; want true, nil", revoked, err)
	}
	revoked, err = store.Revoke(ctx, sess.ID, RevokeLogout, now)
	if err != nil || revoked {
		t.Errorf("second Revoke() = %v, %v; want false, nil", revoked, err)
	}

	got, _ := store.GetByID(ctx, sess.ID)
	if got.Active(now) || got.RevokeReason != RevokeLogout {
		t.Errorf("session after revoke = %+v", got)
	}
	if err := store.Rotate(ctx, sess.ID, "hash-1", "hash-2", now, now.Add(time.Hour)); !errors.Is(err, ErrRotationConflict) {
		t.Errorf("Rotate(revoked) error = %v, want ErrRotationConflict", err)
	}
}

func TestStore_RevokeAllAndList(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	now := time.Now()
	admin := primitive.NewObjectID()
	other := primitive.NewObjectID()
	for i := 0; i < 3; i++ {
		_ = store.Create(ctx, newSession(admin, now))
	}
	_ = store.Create(ctx, newSession(other, now))

	list, err := store.ListActive(ctx, admin, now)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(list) != 3 {
		t.Errorf("ListActive() = %d sessions, want 3", len(list))
	}

	n, err := store.RevokeAllForAdmin(ctx, admin, RevokeDisabled, now)
	if err != nil {
		t.Fatalf("RevokeAllForAdmin() error = %v", err)
	}
	if n != 3 {
		t.Errorf("RevokeAllForAdmin() = %d, want 3", n)
	}
	if list, _ := store.ListActive(ctx, admin, now); len(list) != 0 {
		t.Errorf("ListActive() after revoke = %d, want 0", len(list))
	}
	if list, _ := store.ListActive(ctx, other, now); len(list) != 1 {
		t.Errorf("other admin's sessions = %d, want 1", len(list))
	}
}

func TestStore_DeleteStale(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	now := time.Now()
	admin := primitive.NewObjectID()

	expired := newSession(admin, now.Add(-48*time.Hour))
	_ = store.Create(ctx, expired)

	oldRevoked := newSession(admin, now)
	_ = store.Create(ctx, oldRevoked)
	_, _ = store.Revoke(ctx, oldRevoked.ID, RevokeLogout, now.Add(-10*24*time.Hour))

	recentRevoked := newSession(admin, now)
	_ = store.Create(ctx, recentRevoked)
	_, _ = store.Revoke(ctx, recentRevoked.ID, RevokeLogout, now)

	live := newSession(admin, now)
	_ = store.Create(ctx, live)

	n, err := store.DeleteStale(ctx, now, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteStale() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteStale() = %d, want 2", n)
	}
	for _, id := range []primitive.ObjectID{recentRevoked.ID, live.ID} {
		if _, err := store.GetByID(ctx, id); err != nil {
			t.Errorf("session %s removed: %v", id.Hex(), err)
		}
	}
}
