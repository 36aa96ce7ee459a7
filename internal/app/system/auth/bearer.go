package auth

import (
	"crypto/sha256"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/o1egl/paseto"
)

// DefaultBearerTTL is the lifetime of an employee bearer token.
const DefaultBearerTTL = 12 * time.Hour

const (
	bearerIssuer  = "stratashift"
	bearerPurpose = "employee"
	claimSession  = "sid"
	claimPurpose  = "purpose"
)

// ErrInvalidToken is returned for any bearer token that fails decryption,
// claim checks or expiry.
var ErrInvalidToken = errors.New("invalid or expired token")

// DeriveKey turns a configured secret of any length into the 32-byte key
// PASETO v2.local requires.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// BearerClaims identifies the caller of a bearer-authenticated request.
type BearerClaims struct {
	UserID       string
	SessionToken string
	ExpiresAt    time.Time
}

// BearerIssuer mints and parses employee bearer tokens (PASETO v2.local).
// The token carries the user id and the server-side session token, so
// revoking the session revokes the token.
type BearerIssuer struct {
	key []byte
	ttl time.Duration
	v2  *paseto.V2
}

// NewBearerIssuer creates an issuer. ttl <= 0 uses DefaultBearerTTL.
func NewBearerIssuer(secret string, ttl time.Duration) (*BearerIssuer, error) {
	if secret == "" {
		return nil, errors.New("bearer token secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultBearerTTL
	}
	return &BearerIssuer{key: DeriveKey(secret), ttl: ttl, v2: paseto.NewV2()}, nil
}

// TTL returns the token lifetime.
func (b *BearerIssuer) TTL() time.Duration {
	return b.ttl
}

// Issue returns a token for userID bound to sessionToken.
func (b *BearerIssuer) Issue(userID, sessionToken string, now time.Time) (string, time.Time, error) {
	exp := now.Add(b.ttl)
	tok := paseto.JSONToken{
		Issuer:     bearerIssuer,
		Subject:    userID,
		IssuedAt:   now,
		NotBefore:  now,
		Expiration: exp,
	}
	tok.Set(claimSession, sessionToken)
	tok.Set(claimPurpose, bearerPurpose)

	s, err := b.v2.Encrypt(b.key, tok, "")
	if err != nil {
		return "", time.Time{}, err
	}
	return s, exp, nil
}

// Parse decrypts and validates token at now.
func (b *BearerIssuer) Parse(token string, now time.Time) (BearerClaims, error) {
	var tok paseto.JSONToken
	if err := b.v2.Decrypt(token, b.key, &tok, nil); err != nil {
		return BearerClaims{}, ErrInvalidToken
	}
	err := tok.Validate(
		paseto.IssuedBy(bearerIssuer),
		paseto.ValidAt(now),
	)
	if err != nil || tok.Get(claimPurpose) != bearerPurpose || tok.Subject == "" || tok.Get(claimSession) == "" {
		return BearerClaims{}, ErrInvalidToken
	}
	return BearerClaims{
		UserID:       tok.Subject,
		SessionToken: tok.Get(claimSession),
		ExpiresAt:    tok.Expiration,
	}, nil
}

// BearerToken returns the token of an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
