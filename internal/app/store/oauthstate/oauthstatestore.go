// Package oauthstate keeps the single-use state values that tie a Google
// sign-in callback to the request that started it.
package oauthstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// DefaultTTL bounds the time between redirecting to Google and the callback.
const DefaultTTL = 10 * time.Minute

// ErrInvalidState covers unknown, consumed and expired states alike.
var ErrInvalidState = errors.New("invalid or expired oauth state")

type State struct {
	State     string    `bson:"_id"`
	ReturnTo  string    `bson:"return_to,omitempty"`
	ExpiresAt time.Time `bson:"expires_at"` // TTL
	CreatedAt time.Time `bson:"created_at"`
}

type Store struct {
	c   *mongo.Collection
	ttl time.Duration
	now func() time.Time
}

func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("oauth_states"), ttl: DefaultTTL, now: time.Now}
}

// Issue stores a fresh random state remembering returnTo and returns it.
func (s *Store) Issue(ctx context.Context, returnTo string) (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(b)
	if err := s.Put(ctx, state, returnTo); err != nil {
		return "", err
	}
	return state, nil
}

// Put stores a caller-chosen state. A state already stored is a duplicate
// key error.
func (s *Store) Put(ctx context.Context, state, returnTo string) error {
	now := s.now()
	_, err := s.c.InsertOne(ctx, State{
		State:     state,
		ReturnTo:  returnTo,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	})
	return err
}

// Consume deletes state and returns it. Each state is accepted once.
func (s *Store) Consume(ctx context.Context, state string) (*State, error) {
	if state == "" {
		return nil, ErrInvalidState
	}
	var st State
	err := s.c.FindOneAndDelete(ctx, bson.M{"_id": state, "expires_at": bson.M{"$gt": s.now()}}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// DeleteExpired removes expired states without waiting for the TTL monitor.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": s.now()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
