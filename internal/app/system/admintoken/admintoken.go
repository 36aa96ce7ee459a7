// Package admintoken issues and verifies the tokens of the admin surface:
// short-lived JWT access tokens, rotated refresh tokens backed by an admin
// session record, and PASETO challenge tokens for the MFA step.
package admintoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dalemusser/stratashift/internal/app/store/adminsessions"
	"github.com/dalemusser/stratashift/internal/app/system/network"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Defaults for Config.
const (
	DefaultIssuer       = "stratashift-admin"
	DefaultAccessTTL    = 15 * time.Minute
	DefaultRefreshTTL   = 7 * 24 * time.Hour
	DefaultChallengeTTL = 5 * time.Minute
)

var (
	// ErrInvalidToken covers malformed, badly signed and expired tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrDeviceMismatch is returned when a token is presented from a device
	// other than the one it was issued to.
	ErrDeviceMismatch = errors.New("token was issued to another device")
	// ErrSessionRevoked is returned when the session behind a token has ended.
	ErrSessionRevoked = errors.New("session has been revoked")
	// ErrRefreshReuse is returned when a rotated-out refresh token is
	// presented. The whole session is revoked.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrAdminUnavailable is returned by Refresh when the admin no longer
	// exists, is disabled or lost the admin role.
	ErrAdminUnavailable = errors.New("admin account unavailable")
)

// Admin is the identity a token pair is issued for.
type Admin struct {
	ID      string
	LoginID string
	Role    string
}

// AdminLookup resolves an admin by id at refresh time. ok is false when the
// account may no longer sign in.
type AdminLookup func(ctx context.Context, adminID string) (admin Admin, ok bool, err error)

// Config configures a Service.
type Config struct {
	Secret       string
	Issuer       string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	ChallengeTTL time.Duration
}

// Pair is what a successful sign-in or refresh returns to the client.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// Claims are the access token claims.
type Claims struct {
	SessionID   string `json:"sid"`
	Fingerprint string `json:"fp"`
	Role        string `json:"role"`
	LoginID     string `json:"login_id,omitempty"`
	jwt.RegisteredClaims
}

// AdminID returns the subject.
func (c *Claims) AdminID() string {
	return c.Subject
}

// Service issues, verifies, rotates and revokes admin tokens.
type Service struct {
	cfg      Config
	key      []byte
	sessions *adminsessions.Store
	lookup   AdminLookup
	chal     *challenger

	now func() time.Time
}

// New creates a Service. lookup may be nil, in which case Refresh keeps the
// identity captured in the session's last access token.
func New(cfg Config, sessions *adminsessions.Store, lookup AdminLookup) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("admin token secret is empty")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	return &Service{
		cfg:      cfg,
		key:      deriveKey("access", cfg.Secret),
		sessions: sessions,
		lookup:   lookup,
		chal:     newChallenger(deriveKey("mfa", cfg.Secret), cfg.Issuer, cfg.ChallengeTTL),
		now:      time.Now,
	}, nil
}

// deriveKey separates the JWT and PASETO keys derived from one secret.
func deriveKey(purpose, secret string) []byte {
	sum := sha256.Sum256([]byte(purpose + ":" + secret))
	return sum[:]
}

// Issue starts a new admin session for the device and returns its tokens.
func (s *Service) Issue(ctx context.Context, admin Admin, device network.Device) (Pair, error) {
	adminID, err := primitive.ObjectIDFromHex(admin.ID)
	if err != nil {
		return Pair{}, fmt.Errorf("admin id: %w", err)
	}
	now := s.now()
	sess := &adminsessions.Session{
		ID:        primitive.NewObjectID(),
		AdminID:   adminID,
		Device:    adminsessions.NewDevice(device),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
	refresh, hash, err := newRefreshToken(sess.ID)
	if err != nil {
		return Pair{}, err
	}
	sess.RefreshHash = hash

	if err := s.sessions.Create(ctx, sess); err != nil {
		return Pair{}, fmt.Errorf("create admin session: %w", err)
	}
	return s.pair(admin, sess, refresh, now)
}

func (s *Service) pair(admin Admin, sess *adminsessions.Session, refresh string, now time.Time) (Pair, error) {
	access, exp, err := s.signAccess(admin, sess.ID.Hex(), sess.Device.Fingerprint, now)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  exp,
		RefreshExpiresAt: sess.ExpiresAt,
		SessionID:        sess.ID.Hex(),
	}, nil
}

func (s *Service) signAccess(admin Admin, sid, fingerprint string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.cfg.AccessTTL)
	claims := Claims{
		SessionID:   sid,
		Fingerprint: fingerprint,
		Role:        admin.Role,
		LoginID:     admin.LoginID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   admin.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// parseAccess checks signature, issuer and expiry only.
func (s *Service) parseAccess(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verify validates an access token presented from device and returns its
// claims. The session behind it must still be active.
func (s *Service) Verify(ctx context.Context, token string, device network.Device) (*Claims, error) {
	claims, err := s.parseAccess(token)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(claims.Fingerprint), []byte(device.Fingerprint())) != 1 {
		return nil, ErrDeviceMismatch
	}

	sid, err := primitive.ObjectIDFromHex(claims.SessionID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	sess, err := s.sessions.GetByID(ctx, sid)
	if errors.Is(err, adminsessions.ErrNotFound) {
		return nil, ErrSessionRevoked
	}
	if err != nil {
		return nil, err
	}
	if !sess.Active(s.now()) || sess.AdminID.Hex() != claims.Subject {
		return nil, ErrSessionRevoked
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new pair and rotates the refresh
// token. Presenting a token that has already been rotated out revokes the
// session.
func (s *Service) Refresh(ctx context.Context, refreshToken string, device network.Device) (Pair, error) {
	sid, ok := refreshSessionID(refreshToken)
	if !ok {
		return Pair{}, ErrInvalidToken
	}
	sess, err := s.sessions.GetByID(ctx, sid)
	if errors.Is(err, adminsessions.ErrNotFound) {
		return Pair{}, ErrInvalidToken
	}
	if err != nil {
		return Pair{}, err
	}

	now := s.now()
	if sess.RevokedAt != nil {
		return Pair{}, ErrSessionRevoked
	}
	if !sess.ExpiresAt.After(now) {
		return Pair{}, ErrInvalidToken
	}

	presented := hashToken(refreshToken)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(sess.RefreshHash)) != 1 {
		if _, err := s.sessions.Revoke(ctx, sess.ID, adminsessions.RevokeReuseDetected, now); err != nil {
			return Pair{}, err
		}
		return Pair{}, ErrRefreshReuse
	}
	if sess.Device.Fingerprint != device.Fingerprint() {
		return Pair{}, ErrDeviceMismatch
	}

	admin := Admin{ID: sess.AdminID.Hex(), Role: "admin"}
	if s.lookup != nil {
		a, ok, err := s.lookup(ctx, admin.ID)
		if err != nil {
			return Pair{}, err
		}
		if !ok {
			if _, err := s.sessions.Revoke(ctx, sess.ID, adminsessions.RevokeDisabled, now); err != nil {
				return Pair{}, err
			}
			return Pair{}, ErrAdminUnavailable
		}
		admin = a
	}

	next, nextHash, err := newRefreshToken(sess.ID)
	if err != nil {
		return Pair{}, err
	}
	expiresAt := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.Rotate(ctx, sess.ID, presented, nextHash, now, expiresAt); err != nil {
		if errors.Is(err, adminsessions.ErrRotationConflict) {
			// Another request rotated the same token first.
			if _, rerr := s.sessions.Revoke(ctx, sess.ID, adminsessions.RevokeReuseDetected, now); rerr != nil {
				return Pair{}, rerr
			}
			return Pair{}, ErrRefreshReuse
		}
		return Pair{}, err
	}
	sess.ExpiresAt = expiresAt
	return s.pair(admin, sess, next, now)
}

// Revoke ends one session.
func (s *Service) Revoke(ctx context.Context, sessionID, reason string) error {
	sid, err := primitive.ObjectIDFromHex(sessionID)
	if err != nil {
		return ErrInvalidToken
	}
	_, err = s.sessions.Revoke(ctx, sid, reason, s.now())
	return err
}

// RevokeRefresh ends the session that refreshToken belongs to and returns
// its admin and session ids. Only the session's current refresh token is
// accepted; neither the access token nor the device is needed, so a client
// whose access token has expired can still sign out.
func (s *Service) RevokeRefresh(ctx context.Context, refreshToken, reason string) (adminID, sessionID string, err error) {
	sid, ok := refreshSessionID(refreshToken)
	if !ok {
		return "", "", ErrInvalidToken
	}
	sess, err := s.sessions.GetByID(ctx, sid)
	if errors.Is(err, adminsessions.ErrNotFound) {
		return "", "", ErrInvalidToken
	}
	if err != nil {
		return "", "", err
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(refreshToken)), []byte(sess.RefreshHash)) != 1 {
		return "", "", ErrInvalidToken
	}
	if _, err := s.sessions.Revoke(ctx, sess.ID, reason, s.now()); err != nil {
		return "", "", err
	}
	return sess.AdminID.Hex(), sess.ID.Hex(), nil
}

// RevokeAllForAdmin ends every session of adminID.
func (s *Service) RevokeAllForAdmin(ctx context.Context, adminID, reason string) (int64, error) {
	id, err := primitive.ObjectIDFromHex(adminID)
	if err != nil {
		return 0, err
	}
	return s.sessions.RevokeAllForAdmin(ctx, id, reason, s.now())
}

// Sessions lists the active sessions of adminID.
func (s *Service) Sessions(ctx context.Context, adminID string) ([]adminsessions.Session, error) {
	id, err := primitive.ObjectIDFromHex(adminID)
	if err != nil {
		return nil, err
	}
	return s.sessions.ListActive(ctx, id, s.now())
}

// NewChallenge returns an MFA challenge token for adminID bound to device.
func (s *Service) NewChallenge(adminID string, device network.Device) (string, time.Time, error) {
	return s.chal.issue(adminID, device.Fingerprint(), s.now())
}

// ParseChallenge validates a challenge token presented from device and
// returns the admin id it was issued for.
func (s *Service) ParseChallenge(token string, device network.Device) (string, error) {
	return s.chal.parse(token, device.Fingerprint(), s.now())
}

// newRefreshToken returns "<sid>.<secret>" and its hash.
func newRefreshToken(sid primitive.ObjectID) (token, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	token = sid.Hex() + "." + base64.RawURLEncoding.EncodeToString(b)
	return token, hashToken(token), nil
}

func refreshSessionID(token string) (primitive.ObjectID, bool) {
	prefix, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" {
		return primitive.NilObjectID, false
	}
	sid, err := primitive.ObjectIDFromHex(prefix)
	if err != nil {
		return primitive.NilObjectID, false
	}
	return sid, true
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
