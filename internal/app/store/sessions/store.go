// Package sessions stores employee sign-in sessions. A session row is the
// server-side half of both the session cookie and the bearer token; a
// request authenticates only while its row is open and unexpired.
package sessions

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned when no active session matches.
var ErrNotFound = errors.New("session not found")

// End reasons.
const (
	EndReasonLogout   = "logout"
	EndReasonExpired  = "expired"
	EndReasonInactive = "inactive"
	EndReasonDisabled = "disabled"
)

// Kinds record which sign-in flow opened the session.
const (
	KindCookie = "cookie"
	KindBearer = "bearer"
)

// touchInterval is the minimum gap between two last_activity writes.
const touchInterval = time.Minute

type Session struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Token     string             `bson:"token"`
	UserID    primitive.ObjectID `bson:"user_id"`
	Kind      string             `bson:"kind"`
	IPAddress string             `bson:"ip_address,omitempty"`
	UserAgent string             `bson:"user_agent,omitempty"`

	LoginAt      time.Time  `bson:"login_at"`
	LastActivity time.Time  `bson:"last_activity"`
	LogoutAt     *time.Time `bson:"logout_at,omitempty"` // nil while open
	EndReason    string     `bson:"end_reason,omitempty"`
	DurationSecs int64      `bson:"duration_secs,omitempty"`

	ExpiresAt time.Time `bson:"expires_at"` // TTL
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Active reports whether s is open and unexpired at now.
func (s *Session) Active(now time.Time) bool {
	return s.LogoutAt == nil && now.Before(s.ExpiresAt)
}

type Store struct {
	c   *mongo.Collection
	now func() time.Time
}

func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("sessions"), now: time.Now}
}

// Create inserts s. Kind defaults to KindCookie and the activity
// timestamps default to now.
func (s *Store) Create(ctx context.Context, sess Session) error {
	now := s.now()
	if sess.ID.IsZero() {
		sess.ID = primitive.NewObjectID()
	}
	if sess.Kind == "" {
		sess.Kind = KindCookie
	}
	if sess.LoginAt.IsZero() {
		sess.LoginAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	sess.CreatedAt, sess.UpdatedAt = now, now
	_, err := s.c.InsertOne(ctx, sess)
	return err
}

func (s *Store) open(extra bson.M) bson.M {
	f := bson.M{"logout_at": nil, "expires_at": bson.M{"$gt": s.now()}}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// GetByToken returns the active session for token, or ErrNotFound.
func (s *Store) GetByToken(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.c.FindOne(ctx, s.open(bson.M{"token": token})).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// IsActive reports whether token names an active session.
func (s *Store) IsActive(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := s.c.CountDocuments(ctx, s.open(bson.M{"token": token}), options.Count().SetLimit(1))
	return n > 0, err
}

// Touch records activity on an open session, at most once per
// touchInterval.
func (s *Store) Touch(ctx context.Context, token string) error {
	now := s.now()
	_, err := s.c.UpdateOne(ctx,
		bson.M{"token": token, "logout_at": nil, "last_activity": bson.M{"$lt": now.Add(-touchInterval)}},
		bson.M{"$set": bson.M{"last_activity": now, "updated_at": now}},
	)
	return err
}

// closeUpdate ends a session and stores how long it lasted. It is a
// pipeline update so the duration comes from the row's own login_at.
func closeUpdate(reason string, now time.Time) mongo.Pipeline {
	return mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"logout_at":  now,
		"end_reason": reason,
		"updated_at": now,
		"duration_secs": bson.M{"$toLong": bson.M{
			"$divide": bson.A{bson.M{"$subtract": bson.A{now, "$login_at"}}, 1000},
		}},
	}}}}
}

// Close ends the session for token. closed is false when the token is
// unknown or already closed. Closed rows stay for audit until the TTL
// index removes them.
func (s *Store) Close(ctx context.Context, token, reason string) (closed bool, err error) {
	res, err := s.c.UpdateOne(ctx,
		bson.M{"token": token, "logout_at": nil},
		closeUpdate(reason, s.now()))
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

// CloseByUser ends every open session of userID and returns the count.
// ctx may carry a transaction.
func (s *Store) CloseByUser(ctx context.Context, userID primitive.ObjectID, reason string) (int64, error) {
	res, err := s.c.UpdateMany(ctx,
		bson.M{"user_id": userID, "logout_at": nil},
		closeUpdate(reason, s.now()))
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// CloseInactiveSessions ends open sessions idle for longer than idle.
func (s *Store) CloseInactiveSessions(ctx context.Context, idle time.Duration) (int64, error) {
	now := s.now()
	res, err := s.c.UpdateMany(ctx,
		bson.M{"logout_at": nil, "last_activity": bson.M{"$lt": now.Add(-idle)}},
		closeUpdate(EndReasonInactive, now))
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// ListActiveByUser returns userID's active sessions, most recently used
// first.
func (s *Store) ListActiveByUser(ctx context.Context, userID primitive.ObjectID) ([]Session, error) {
	cur, err := s.c.Find(ctx, s.open(bson.M{"user_id": userID}),
		options.Find().SetSort(bson.D{{Key: "last_activity", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var out []Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CountActive counts active sessions across all users.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	return s.c.CountDocuments(ctx, s.open(nil))
}
