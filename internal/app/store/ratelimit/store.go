// Package ratelimit counts failed sign-in and MFA attempts per key and
// locks a key out once it reaches the limit within a window. Counters live
// in MongoDB so every server instance sees the same state.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Scopes keep counters for different entry points apart.
const (
	ScopeLogin      = "login"       // employee password login, by login_id
	ScopeAdminLogin = "admin_login" // admin password login, by login_id
	ScopeMFA        = "mfa"         // admin TOTP verification, by admin id
)

// Attempt is the counter document for one key.
type Attempt struct {
	Key          string     `bson:"_id"`
	AttemptCount int        `bson:"attempt_count"`
	WindowStart  time.Time  `bson:"window_start"`
	LockedUntil  *time.Time `bson:"locked_until"`
	LastAttempt  time.Time  `bson:"last_attempt"` // TTL
	UpdatedAt    time.Time  `bson:"updated_at"`
}

type Store struct {
	c           *mongo.Collection
	maxAttempts int
	window      time.Duration
	lockout     time.Duration
	now         func() time.Time
}

// New returns a limiter allowing maxAttempts failures per window before
// locking the key for lockout.
func New(db *mongo.Database, maxAttempts int, window, lockout time.Duration) *Store {
	return &Store{
		c:           db.Collection("rate_limits"),
		maxAttempts: maxAttempts,
		window:      window,
		lockout:     lockout,
		now:         time.Now,
	}
}

// Key scopes identifier, which is trimmed and lowercased.
func Key(scope, identifier string) string {
	return scope + ":" + strings.ToLower(strings.TrimSpace(identifier))
}

// CheckAllowed reports whether key may try again, how many failures it has
// left (-1 while locked) and when an active lockout ends. A failed lookup
// allows the attempt.
func (s *Store) CheckAllowed(ctx context.Context, key string) (allowed bool, remaining int, lockedUntil *time.Time) {
	a, err := s.GetAttempt(ctx, key)
	if err != nil || a == nil {
		return true, s.maxAttempts, nil
	}
	now := s.now()
	if a.LockedUntil != nil && now.Before(*a.LockedUntil) {
		return false, -1, a.LockedUntil
	}
	if !now.Before(a.WindowStart.Add(s.window)) {
		return true, s.maxAttempts, nil
	}
	return true, max(s.maxAttempts-a.AttemptCount, 1), nil
}

// failureUpdate counts one failure in a single atomic pipeline: an expired
// or missing window restarts at 1, and reaching maxAttempts sets
// locked_until and opens a fresh window.
func (s *Store) failureUpdate(now, until time.Time) mongo.Pipeline {
	expired := bson.M{"$lte": bson.A{
		bson.M{"$ifNull": bson.A{"$window_start", time.Time{}}},
		now.Add(-s.window),
	}}
	reached := bson.M{"$gte": bson.A{"$attempt_count", s.maxAttempts}}

	return mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"attempt_count": bson.M{"$cond": bson.A{expired, 1,
				bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$attempt_count", 0}}, 1}}}},
			"window_start": bson.M{"$cond": bson.A{expired, now, "$window_start"}},
			"locked_until": bson.M{"$ifNull": bson.A{"$locked_until", nil}},
			"last_attempt": now,
			"updated_at":   now,
		}}},
		{{Key: "$set", Value: bson.M{
			"locked_until":  bson.M{"$cond": bson.A{reached, until, "$locked_until"}},
			"window_start":  bson.M{"$cond": bson.A{reached, now, "$window_start"}},
			"attempt_count": bson.M{"$cond": bson.A{reached, 0, "$attempt_count"}},
		}}},
	}
}

// RecordFailure counts a failure for key and reports whether it triggered
// a lockout. Concurrent failures are all counted. Errors never lock.
func (s *Store) RecordFailure(ctx context.Context, key string) (lockedOut bool, lockedUntil *time.Time) {
	now := s.now().Truncate(time.Millisecond)
	until := now.Add(s.lockout)
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var a Attempt
	err := s.c.FindOneAndUpdate(ctx, bson.M{"_id": key}, s.failureUpdate(now, until), opts).Decode(&a)
	if wafflemongo.IsDup(err) {
		// Two first failures raced on the upsert; the loser retries as an update.
		err = s.c.FindOneAndUpdate(ctx, bson.M{"_id": key}, s.failureUpdate(now, until), opts).Decode(&a)
	}
	if err != nil {
		return false, nil
	}
	if a.LockedUntil != nil && a.LockedUntil.Equal(until) {
		return true, a.LockedUntil
	}
	return false, nil
}

// ClearOnSuccess drops the counter for key.
func (s *Store) ClearOnSuccess(ctx context.Context, key string) error {
	_, err := s.c.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

// GetAttempt returns the counter for key, or nil when there is none.
func (s *Store) GetAttempt(ctx context.Context, key string) (*Attempt, error) {
	var a Attempt
	err := s.c.FindOne(ctx, bson.M{"_id": key}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RetryAfter is the wait until lockedUntil, never below one second.
func RetryAfter(lockedUntil *time.Time) time.Duration {
	if lockedUntil == nil {
		return time.Second
	}
	return max(time.Until(*lockedUntil), time.Second)
}
