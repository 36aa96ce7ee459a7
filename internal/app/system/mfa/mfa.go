// Package mfa handles TOTP enrollment and validation for admin sign-in.
package mfa

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

// QRSize is the edge length in pixels of the enrollment QR code.
const QRSize = 256

var validateOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is returned to an admin setting up an authenticator app.
type Enrollment struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
	QRCodePNG  string `json:"qr_code_png"` // base64
}

// Enroll generates a new secret for account under issuer.
func Enroll(issuer, account string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      validateOpts.Period,
		Digits:      validateOpts.Digits,
		Algorithm:   validateOpts.Algorithm,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, QRSize)
	if err != nil {
		return Enrollment{}, fmt.Errorf("encode qr code: %w", err)
	}

	return Enrollment{
		Secret:     key.Secret(),
		OTPAuthURL: key.URL(),
		QRCodePNG:  base64.StdEncoding.EncodeToString(png),
	}, nil
}

// ValidateStep checks code against secret at t, allowing one period of
// clock skew either way. It returns the time step the code belongs to so
// callers can refuse a step that was already used.
func ValidateStep(code, secret string, t time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != 6 || secret == "" {
		return 0, false
	}
	period := time.Duration(validateOpts.Period) * time.Second
	for skew := -int(validateOpts.Skew); skew <= int(validateOpts.Skew); skew++ {
		at := t.Add(time.Duration(skew) * period)
		want, err := totp.GenerateCodeCustom(secret, at, validateOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(want)) == 1 {
			return at.Unix() / int64(validateOpts.Period), true
		}
	}
	return 0, false
}

// Code returns the code for secret at t.
func Code(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, validateOpts)
}
