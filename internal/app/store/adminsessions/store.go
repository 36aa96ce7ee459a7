// internal/app/store/adminsessions/store.go
package adminsessions

// Terminology: User Identifiers
//   - AdminID / adminID / admin_id: The MongoDB ObjectID (_id) of the admin's user record
//   - SessionID / sid: The _id of the admin session, embedded in access and refresh tokens

import (
	"context"
	"errors"
	"time"

	"github.com/dalemusser/stratashift/internal/app/system/network"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrNotFound is returned when no session matches.
	ErrNotFound = errors.New("admin session not found")
	// ErrRotationConflict is returned by Rotate when the presented hash is no
	// longer current or the session is revoked or expired.
	ErrRotationConflict = errors.New("refresh token is not current")
)

// Revoke reasons
const (
	RevokeLogout        = "logout"
	RevokeReuseDetected = "refresh_reuse"
	RevokeByAdmin       = "revoked"
	RevokeDisabled      = "disabled"
)

// Device is the client an admin session is bound to.
type Device struct {
	network.Device `bson:",inline"`
	Fingerprint    string `bson:"fingerprint" json:"fingerprint"`
}

// NewDevice captures d with its fingerprint.
func NewDevice(d network.Device) Device {
	return Device{Device: d, Fingerprint: d.Fingerprint()}
}

// Session is one signed-in admin device. The refresh token itself is never
// stored, only its hash.
type Session struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	AdminID      primitive.ObjectID `bson:"admin_id" json:"admin_id"`
	RefreshHash  string             `bson:"refresh_hash" json:"-"`
	Device       Device             `bson:"device" json:"device"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	LastUsedAt   time.Time          `bson:"last_used_at" json:"last_used_at"`
	ExpiresAt    time.Time          `bson:"expires_at" json:"expires_at"`
	RevokedAt    *time.Time         `bson:"revoked_at" json:"revoked_at,omitempty"`
	RevokeReason string             `bson:"revoke_reason,omitempty" json:"revoke_reason,omitempty"`
	Rotations    int                `bson:"rotations" json:"rotations"`
}

// Active reports whether the session is usable at now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// Store manages admin sessions in MongoDB.
type Store struct {
	c *mongo.Collection
}

// New creates a new admin session Store.
func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("admin_sessions")}
}

// Create inserts sess, assigning an ID when it has none.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.ID.IsZero() {
		sess.ID = primitive.NewObjectID()
	}
	if sess.LastUsedAt.IsZero() {
		sess.LastUsedAt = sess.CreatedAt
	}
	_, err := s.c.InsertOne(ctx, sess)
	return err
}

// GetByID returns the session whether active, revoked or expired.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (*Session, error) {
	var sess Session
	if err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&sess); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// Rotate swaps the refresh hash if oldHash is still current and the session
// is active. Exactly one of several concurrent rotations of the same token
// succeeds; the rest get ErrRotationConflict.
func (s *Store) Rotate(ctx context.Context, id primitive.ObjectID, oldHash, newHash string, now, expiresAt time.Time) error {
	res, err := s.c.UpdateOne(ctx,
		bson.M{
			"_id":          id,
			"refresh_hash": oldHash,
			"revoked_at":   nil,
			"expires_at":   bson.M{"$gt": now},
		},
		bson.M{
			"$set": bson.M{
				"refresh_hash": newHash,
				"last_used_at": now,
				"expires_at":   expiresAt,
			},
			"$inc": bson.M{"rotations": 1},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRotationConflict
	}
	return nil
}

// Touch records use of the session by an access token.
func (s *Store) Touch(ctx context.Context, id primitive.ObjectID, now time.Time) error {
	_, err := s.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_used_at": now}})
	return err
}

// Revoke ends a session. It reports whether an active session was revoked;
// revoking an already revoked or unknown session is not an error.
func (s *Store) Revoke(ctx context.Context, id primitive.ObjectID, reason string, now time.Time) (bool, error) {
	res, err := s.c.UpdateOne(ctx,
		bson.M{"_id": id, "revoked_at": nil},
		bson.M{"$set": bson.M{"revoked_at": now, "revoke_reason": reason}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// RevokeAllForAdmin ends every active session of adminID and returns how
// many were revoked.
func (s *Store) RevokeAllForAdmin(ctx context.Context, adminID primitive.ObjectID, reason string, now time.Time) (int64, error) {
	res, err := s.c.UpdateMany(ctx,
		bson.M{"admin_id": adminID, "revoked_at": nil},
		bson.M{"$set": bson.M{"revoked_at": now, "revoke_reason": reason}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// ListActive returns the admin's active sessions, most recently used first.
func (s *Store) ListActive(ctx context.Context, adminID primitive.ObjectID, now time.Time) ([]Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_used_at", Value: -1}})
	cur, err := s.c.Find(ctx, bson.M{
		"admin_id":   adminID,
		"revoked_at": nil,
		"expires_at": bson.M{"$gt": now},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteStale removes expired sessions and sessions revoked before
// revokedBefore. Returns the number removed.
func (s *Store) DeleteStale(ctx context.Context, now, revokedBefore time.Time) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{"expires_at": bson.M{"$lte": now}},
		bson.M{"revoked_at": bson.M{"$lt": revokedBefore}},
	}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
