// Package auth resolves the employee behind a request. A request carries
// either a PASETO bearer token or the signed session cookie, and both name
// a server-side session that has to be active for the request to count as
// signed in.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const (
	defaultCookieName = "stratashift-session"
	minSessionKeyLen  = 32

	// cookie values
	keyUserID = "uid"
	keyToken  = "sid"
)

var (
	ErrEmptySessionKey = errors.New("session key is empty")
	ErrWeakSessionKey  = errors.New("session key must be 32+ random characters, not a placeholder")
)

// placeholderKeys are fragments found in sample and dev session keys.
var placeholderKeys = []string{
	"dev-only", "change-me", "changeme", "placeholder", "default",
	"example", "insecure", "test-key", "secret123", "password",
}

// SessionManager authenticates employee requests. It signs the session
// cookie, parses bearer tokens, and checks both against the server-side
// session store before loading the user.
type SessionManager struct {
	cookies *sessions.CookieStore
	name    string
	logger  *zap.Logger

	users   UserFetcher
	checker SessionChecker
	bearer  *BearerIssuer
	now     func() time.Time
}

// NewSessionManager builds a manager whose cookie is signed with key.
// An empty name selects "stratashift-session". When secure is set the
// cookie is HTTPS-only and a weak key is an error; otherwise a weak key
// is only logged.
func NewSessionManager(key, name, domain string, maxAge time.Duration, secure bool, logger *zap.Logger) (*SessionManager, error) {
	if key == "" {
		return nil, ErrEmptySessionKey
	}
	if weakSessionKey(key) {
		if secure {
			return nil, ErrWeakSessionKey
		}
		logger.Warn("weak session key accepted outside production", zap.Int("length", len(key)))
	}
	if name == "" {
		name = defaultCookieName
	}

	store := sessions.NewCookieStore([]byte(key))
	store.Options = &sessions.Options{
		Domain:   domain,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(int(maxAge.Seconds()))

	return &SessionManager{
		cookies: store,
		name:    name,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func weakSessionKey(key string) bool {
	if len(key) < minSessionKeyLen {
		return true
	}
	lower := strings.ToLower(key)
	for _, p := range placeholderKeys {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// CookieName returns the session cookie name.
func (sm *SessionManager) CookieName() string { return sm.name }

// SetUserFetcher wires the user lookup. Without one no request resolves
// to a user.
func (sm *SessionManager) SetUserFetcher(uf UserFetcher) { sm.users = uf }

// SetSessionChecker wires the server-side session store.
func (sm *SessionManager) SetSessionChecker(c SessionChecker) { sm.checker = c }

// SetBearerIssuer enables "Authorization: Bearer" authentication.
func (sm *SessionManager) SetBearerIssuer(b *BearerIssuer) { sm.bearer = b }

// Bearer returns the bearer issuer, or nil when bearer auth is off.
func (sm *SessionManager) Bearer() *BearerIssuer { return sm.bearer }

// CreateSession writes a cookie naming userID and its server-side session
// token.
func (sm *SessionManager) CreateSession(w http.ResponseWriter, r *http.Request, userID primitive.ObjectID, token string) error {
	if token == "" {
		return errors.New("session token is empty")
	}
	// New decodes a valid incoming cookie and otherwise starts clean.
	sess, _ := sm.cookies.New(r, sm.name)
	sess.Values = map[interface{}]interface{}{
		keyUserID: userID.Hex(),
		keyToken:  token,
	}
	return sess.Save(r, w)
}

// DestroySession expires the session cookie.
func (sm *SessionManager) DestroySession(w http.ResponseWriter, r *http.Request) {
	sess, _ := sm.cookies.New(r, sm.name)
	sess.Values = map[interface{}]interface{}{}
	sess.Options.MaxAge = -1
	if err := sess.Save(r, w); err != nil {
		sm.logger.Warn("failed to expire session cookie", zap.Error(err))
	}
}

// readCookie returns the user id and session token stored in the cookie.
// An unreadable cookie is logged and treated as absent.
func (sm *SessionManager) readCookie(r *http.Request) (userID, token string) {
	if _, err := r.Cookie(sm.name); err != nil {
		return "", ""
	}
	sess, err := sm.cookies.Get(r, sm.name)
	if err != nil {
		sm.logCookieError(r, err)
		return "", ""
	}
	userID, _ = sess.Values[keyUserID].(string)
	token, _ = sess.Values[keyToken].(string)
	return userID, token
}

// logCookieError picks a level by cause: expiry is routine, a bad MAC may
// be tampering, anything else is usually a rotated key.
func (sm *SessionManager) logCookieError(r *http.Request, err error) {
	path := zap.String("path", r.URL.Path)

	var scErr securecookie.Error
	if !errors.As(err, &scErr) || !scErr.IsDecode() {
		sm.logger.Error("session cookie store error", path, zap.Error(err))
		return
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "expired"):
		sm.logger.Debug("session cookie expired", path)
	case strings.Contains(msg, "not valid"), strings.Contains(msg, "mac"):
		sm.logger.Warn("session cookie failed signature check",
			path,
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()))
	default:
		sm.logger.Info("unreadable session cookie ignored", path, zap.Error(err))
	}
}

// NewSessionToken returns a random URL-safe session token.
func NewSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
