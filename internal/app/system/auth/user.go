package auth

import (
	"context"
	"net/http"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// How a request was authenticated.
const (
	ViaCookie = "cookie"
	ViaBearer = "bearer"
	ViaAdmin  = "admin_token"
)

// UserFetcher loads a user by id. It returns nil for unknown or disabled
// users.
type UserFetcher interface {
	FetchUser(ctx context.Context, userID string) *SessionUser
}

// SessionChecker reports whether a server-side session is active and
// records activity on it.
type SessionChecker interface {
	IsActive(ctx context.Context, token string) (bool, error)
	Touch(ctx context.Context, token string) error
}

// SessionUser is the signed-in caller. It is loaded from the database on
// every request, so disabling a user or changing their role applies at once.
type SessionUser struct {
	ID      string
	Name    string
	LoginID string
	Email   string
	Role    string
	Token   string // server-side session token
	Via     string
}

// UserID returns ID as an ObjectID, or the zero ObjectID when ID is not hex.
func (u *SessionUser) UserID() primitive.ObjectID {
	oid, err := primitive.ObjectIDFromHex(u.ID)
	if err != nil {
		return primitive.NilObjectID
	}
	return oid
}

// SessionToken returns the token of the session the request arrived on.
func (u *SessionUser) SessionToken() string {
	return u.Token
}

type ctxKey struct{}

// CurrentUser returns the caller attached by LoadSessionUser or WithUser.
func CurrentUser(r *http.Request) (*SessionUser, bool) {
	u, ok := r.Context().Value(ctxKey{}).(*SessionUser)
	return u, ok && u != nil
}

// WithUser returns r carrying u as the current user.
func WithUser(r *http.Request, u *SessionUser) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKey{}, u))
}
