package userstore

import (
	"context"
	"errors"

	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/stratashift/internal/app/system/normalize"
	"github.com/dalemusser/stratashift/internal/app/system/timeouts"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// sessionFields is all the request middleware needs; password hashes and
// MFA secrets stay in the database.
var sessionFields = bson.M{
	"full_name": 1,
	"login_id":  1,
	"email":     1,
	"role":      1,
	"status":    1,
}

// Fetcher loads the caller on every authenticated request.
type Fetcher struct {
	store  *Store
	logger *zap.Logger
}

// NewFetcher returns an auth.UserFetcher over the users collection.
func NewFetcher(db *mongo.Database, logger *zap.Logger) *Fetcher {
	return &Fetcher{store: New(db), logger: logger}
}

// FetchUser returns the active user with id userID, or nil when the id is
// malformed, unknown, disabled, or the lookup fails.
func (f *Fetcher) FetchUser(ctx context.Context, userID string) *auth.SessionUser {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.Short())
	defer cancel()

	var u models.User
	err = f.store.c.FindOne(ctx, bson.M{"_id": oid}, options.FindOne().SetProjection(sessionFields)).Decode(&u)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil
	case err != nil:
		f.logger.Warn("session user lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	case normalize.Status(u.Status) == models.StatusDisabled:
		return nil
	}

	return sessionUser(&u)
}

func sessionUser(u *models.User) *auth.SessionUser {
	su := &auth.SessionUser{
		ID:      u.ID.Hex(),
		Name:    u.FullName,
		LoginID: u.LoginID,
		Role:    normalize.Role(u.Role),
	}
	if u.Email != nil {
		su.Email = *u.Email
	}
	return su
}
