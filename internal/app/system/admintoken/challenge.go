package admintoken

import (
	"crypto/subtle"
	"time"

	"github.com/o1egl/paseto"
)

const (
	claimPurpose     = "purpose"
	claimFingerprint = "fp"
	purposeMFA       = "mfa"
)

// challenger mints PASETO v2.local tokens that prove the password step of
// an admin sign-in succeeded on a given device.
type challenger struct {
	key    []byte
	issuer string
	ttl    time.Duration
	v2     *paseto.V2
}

func newChallenger(key []byte, issuer string, ttl time.Duration) *challenger {
	return &challenger{key: key, issuer: issuer, ttl: ttl, v2: paseto.NewV2()}
}

func (c *challenger) issue(adminID, fingerprint string, now time.Time) (string, time.Time, error) {
	exp := now.Add(c.ttl)
	tok := paseto.JSONToken{
		Issuer:     c.issuer,
		Subject:    adminID,
		IssuedAt:   now,
		NotBefore:  now,
		Expiration: exp,
	}
	tok.Set(claimPurpose, purposeMFA)
	tok.Set(claimFingerprint, fingerprint)

	s, err := c.v2.Encrypt(c.key, tok, "")
	if err != nil {
		return "", time.Time{}, err
	}
	return s, exp, nil
}

func (c *challenger) parse(token, fingerprint string, now time.Time) (string, error) {
	var tok paseto.JSONToken
	if err := c.v2.Decrypt(token, c.key, &tok, nil); err != nil {
		return "", ErrInvalidToken
	}
	if err := tok.Validate(paseto.IssuedBy(c.issuer), paseto.ValidAt(now)); err != nil {
		return "", ErrInvalidToken
	}
	if tok.Get(claimPurpose) != purposeMFA || tok.Subject == "" {
		return "", ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(tok.Get(claimFingerprint)), []byte(fingerprint)) != 1 {
		return "", ErrDeviceMismatch
	}
	return tok.Subject, nil
}
