// internal/app/store/otp/otpstore.go
package otp

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Defaults for New.
const (
	DefaultTTL         = 10 * time.Minute
	DefaultMaxAttempts = 5
	CodeLength         = 6
)

var (
	// ErrNotFound is returned for an unknown session token.
	ErrNotFound = errors.New("otp session not found")
	// ErrActive is returned by Create while the user has an unexpired session.
	ErrActive = errors.New("a code was already sent")
	// ErrExpired is returned when the session has expired.
	ErrExpired = errors.New("code expired")
	// ErrInvalidCode is returned for a wrong code with attempts left.
	ErrInvalidCode = errors.New("invalid code")
	// ErrTooManyAttempts is returned once the attempt budget is spent; the
	// session is invalidated and even the correct code fails.
	ErrTooManyAttempts = errors.New("too many attempts")
)

// Session is one outstanding email code. Only a hash of the code is
// stored. A user has at most one session at a time.
type Session struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Token       string             `bson:"token"`
	UserID      primitive.ObjectID `bson:"user_id"`
	Email       string             `bson:"email"`
	CodeHash    string             `bson:"code_hash"`
	Attempts    int                `bson:"attempts"`
	MaxAttempts int                `bson:"max_attempts"`
	Invalidated bool               `bson:"invalidated"`
	ExpiresAt   time.Time          `bson:"expires_at"`
	CreatedAt   time.Time          `bson:"created_at"`
}

// Remaining returns the attempts left.
func (s *Session) Remaining() int {
	if r := s.MaxAttempts - s.Attempts; r > 0 && !s.Invalidated {
		return r
	}
	return 0
}

// Store provides access to the otp_sessions collection.
type Store struct {
	c           *mongo.Collection
	ttl         time.Duration
	maxAttempts int
}

// New creates an OTP store. Zero values use the defaults.
func New(db *mongo.Database, ttl time.Duration, maxAttempts int) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Store{
		c:           db.Collection("otp_sessions"),
		ttl:         ttl,
		maxAttempts: maxAttempts,
	}
}

// TTL returns the session lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create starts a session for userID and returns it with the plaintext
// code. While an unexpired session exists (including one invalidated by
// failed attempts) it returns that session and ErrActive.
func (s *Store) Create(ctx context.Context, userID primitive.ObjectID, email string, now time.Time) (*Session, string, error) {
	// Clear an expired session the TTL monitor has not removed yet.
	if _, err := s.c.DeleteMany(ctx, bson.M{"user_id": userID, "expires_at": bson.M{"$lte": now}}); err != nil {
		return nil, "", err
	}

	code, err := GenerateCode()
	if err != nil {
		return nil, "", err
	}
	token := uuid.NewString()
	sess := Session{
		ID:          primitive.NewObjectID(),
		Token:       token,
		UserID:      userID,
		Email:       email,
		CodeHash:    HashCode(token, code),
		MaxAttempts: s.maxAttempts,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}

	if _, err := s.c.InsertOne(ctx, sess); err != nil {
		if wafflemongo.IsDup(err) {
			existing, gerr := s.getOne(ctx, bson.M{"user_id": userID})
			if gerr != nil {
				return nil, "", gerr
			}
			return existing, "", ErrActive
		}
		return nil, "", err
	}
	return &sess, code, nil
}

// GetByToken returns the session for token, expired or not.
func (s *Store) GetByToken(ctx context.Context, token string) (*Session, error) {
	return s.getOne(ctx, bson.M{"token": token})
}

func (s *Store) getOne(ctx context.Context, filter bson.M) (*Session, error) {
	var sess Session
	if err := s.c.FindOne(ctx, filter).Decode(&sess); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// Verify checks code against the session for token. Every call spends one
// attempt atomically. A correct code deletes the session and returns it.
// A wrong code returns the session with ErrInvalidCode, or
// ErrTooManyAttempts on the last attempt, after which the session is
// invalidated.
func (s *Store) Verify(ctx context.Context, token, code string, now time.Time) (*Session, error) {
	var sess Session
	err := s.c.FindOneAndUpdate(ctx,
		bson.M{
			"token":       token,
			"invalidated": false,
			"expires_at":  bson.M{"$gt": now},
			"$expr":       bson.M{"$lt": bson.A{"$attempts", "$max_attempts"}},
		},
		bson.M{"$inc": bson.M{"attempts": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.classify(ctx, token, now)
	}
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(sess.CodeHash), []byte(HashCode(token, code))) == 1 {
		if _, err := s.c.DeleteOne(ctx, bson.M{"_id": sess.ID}); err != nil {
			return nil, err
		}
		return &sess, nil
	}

	if sess.Attempts >= sess.MaxAttempts {
		if err := s.invalidate(ctx, sess.ID); err != nil {
			return nil, err
		}
		sess.Invalidated = true
		return &sess, ErrTooManyAttempts
	}
	return &sess, ErrInvalidCode
}

// classify explains why Verify matched nothing.
func (s *Store) classify(ctx context.Context, token string, now time.Time) error {
	sess, err := s.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if !sess.ExpiresAt.After(now) {
		return ErrExpired
	}
	if !sess.Invalidated {
		if err := s.invalidate(ctx, sess.ID); err != nil {
			return err
		}
	}
	return ErrTooManyAttempts
}

func (s *Store) invalidate(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"invalidated": true}})
	return err
}

// Delete removes a session by token. Unknown tokens are not an error.
func (s *Store) Delete(ctx context.Context, token string) error {
	_, err := s.c.DeleteOne(ctx, bson.M{"token": token})
	return err
}

// DeleteExpired removes sessions past their expiry and returns how many
// were removed.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// HashCode binds code to token so a leaked hash is useless for any other
// session.
func HashCode(token, code string) string {
	sum := sha256.Sum256([]byte(token + ":" + code))
	return hex.EncodeToString(sum[:])
}

// GenerateCode returns a uniformly random CodeLength-digit code.
func GenerateCode() (string, error) {
	max := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}
