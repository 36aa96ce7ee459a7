// internal/app/features/emailotp/emailotp.go
package emailotp

import (
	"errors"
	"math"
	"net/http"
	"time"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	"github.com/dalemusser/stratashift/internal/app/store/otp"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/app/system/auditlog"
	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/stratashift/internal/app/system/inputval"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/stratashift/internal/app/system/mailer"
	"github.com/dalemusser/stratashift/internal/app/system/normalize"
	"github.com/dalemusser/waffle/pantry/query"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const msgSessionNotFound = "verification session not found"

// Handler sends and verifies email one-time codes for the signed-in user.
type Handler struct {
	store       *otp.Store
	users       *userstore.Store
	mail        mailer.Sender
	appName     string
	auditLogger *auditlog.Logger
	errLog      *errorsfeature.ErrorLogger
	logger      *zap.Logger
	now         func() time.Time
}

// NewHandler creates a new email OTP Handler.
func NewHandler(
	store *otp.Store,
	users *userstore.Store,
	mail mailer.Sender,
	appName string,
	auditLogger *auditlog.Logger,
	errLog *errorsfeature.ErrorLogger,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:       store,
		users:       users,
		mail:        mail,
		appName:     appName,
		auditLogger: auditLogger,
		errLog:      errLog,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Routes returns a chi.Router with the OTP routes mounted. The caller
// mounts it behind RequireSignedIn.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/send", h.handleSend)
	r.Post("/verify", h.handleVerify)
	r.Get("/status", h.handleStatus)
	return r
}

type sendRequest struct {
	Email string `json:"email" validate:"omitempty,email,max=254" label:"Email"`
}

// SendResponse tells the client which session to verify against.
type SendResponse struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    int       `json:"expires_in"`
}

// handleSend emails a fresh code to the address on file. A client may echo
// the address back to confirm it. A second request while a code is
// outstanding is rejected with the time left on it.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var in sendRequest
	if err := jsonutil.DecodeOptional(r, &in); err != nil {
		jsonutil.BadRequest(w, err.Error())
		return
	}
	if res := inputval.Validate(in); res.HasErrors() {
		jsonutil.ValidationError(w, res.First(), res.Fields())
		return
	}

	ctx := r.Context()
	su, _ := auth.CurrentUser(r)
	user, err := h.users.GetByID(ctx, su.UserID())
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			jsonutil.Unauthorized(w, "authentication required")
			return
		}
		h.errLog.Log(r, "load user for otp", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	if user.Email == nil || *user.Email == "" {
		jsonutil.ValidationError(w, "no email address on file", map[string]string{"email": "Email is required"})
		return
	}
	email := *user.Email
	if in.Email != "" && normalize.Email(in.Email) != email {
		jsonutil.ValidationError(w, "email does not match the address on file", map[string]string{"email": "Email does not match the address on file"})
		return
	}

	now := h.now()
	sess, code, err := h.store.Create(ctx, user.ID, email, now)
	if errors.Is(err, otp.ErrActive) {
		jsonutil.TooManyRequests(w, "a code was already sent, wait for it to expire", sess.ExpiresAt.Sub(now))
		return
	}
	if err != nil {
		h.errLog.Log(r, "create otp session", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	text, html := mailer.CodeEmail(mailer.CodeEmailData{
		AppName:   h.appName,
		Recipient: user.FullName,
		Code:      code,
		ValidFor:  h.store.TTL(),
	})
	if err := h.mail.Send(mailer.Email{
		To:       email,
		Subject:  h.appName + " verification code",
		TextBody: text,
		HTMLBody: html,
	}); err != nil {
		// Without the email the session is unusable; free the slot.
		if derr := h.store.Delete(ctx, sess.Token); derr != nil {
			h.errLog.Log(r, "delete otp session after send failure", derr)
		}
		h.errLog.Log(r, "send otp email", err)
		jsonutil.InternalError(w, "failed to send verification email")
		return
	}

	h.auditLogger.Verification(ctx, r, audit.EventOTPSent, su.ID, true, "", map[string]string{"email": email})
	jsonutil.OK(w, SendResponse{
		SessionToken: sess.Token,
		ExpiresAt:    sess.ExpiresAt,
		ExpiresIn:    secondsUntil(sess.ExpiresAt, now),
	})
}

type verifyRequest struct {
	SessionToken string `json:"session_token" validate:"required,max=64" label:"Session token"`
	Code         string `json:"code" validate:"required,len=6,numeric" label:"Code"`
}

// handleVerify checks a code. Each call spends an attempt; once they run
// out the session is dead and even the right code fails.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var in verifyRequest
	if err := jsonutil.Decode(r, &in); err != nil {
		jsonutil.BadRequest(w, err.Error())
		return
	}
	in.Code = normalize.Code(in.Code)
	if res := inputval.Validate(in); res.HasErrors() {
		jsonutil.ValidationError(w, res.First(), res.Fields())
		return
	}

	ctx := r.Context()
	su, _ := auth.CurrentUser(r)
	if _, ok := h.owned(w, r, in.SessionToken); !ok {
		return
	}

	sess, err := h.store.Verify(ctx, in.SessionToken, in.Code, h.now())
	switch {
	case err == nil:
	case errors.Is(err, otp.ErrInvalidCode):
		h.auditLogger.Verification(ctx, r, audit.EventOTPFailed, su.ID, false, "wrong code", nil)
		jsonutil.JSON(w, http.StatusBadRequest, map[string]any{
			"success":            false,
			"error":              "invalid code",
			"attempts_remaining": sess.Remaining(),
		})
		return
	case errors.Is(err, otp.ErrTooManyAttempts):
		h.auditLogger.Verification(ctx, r, audit.EventOTPExhausted, su.ID, false, "too many attempts", nil)
		jsonutil.JSON(w, http.StatusBadRequest, map[string]any{
			"success":            false,
			"error":              "too many attempts, request a new code",
			"attempts_remaining": 0,
		})
		return
	case errors.Is(err, otp.ErrExpired):
		h.auditLogger.Verification(ctx, r, audit.EventOTPFailed, su.ID, false, "expired", nil)
		jsonutil.BadRequest(w, "code expired, request a new code")
		return
	case errors.Is(err, otp.ErrNotFound):
		jsonutil.BadRequest(w, msgSessionNotFound)
		return
	default:
		h.errLog.Log(r, "verify otp", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	err = h.users.MarkEmailVerified(ctx, sess.UserID, sess.Email)
	if errors.Is(err, userstore.ErrNotFound) {
		jsonutil.Conflict(w, "email address changed, request a new code")
		return
	}
	if err != nil {
		h.errLog.Log(r, "mark email verified", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	h.auditLogger.Verification(ctx, r, audit.EventOTPVerified, su.ID, true, "", map[string]string{"email": sess.Email})
	jsonutil.OK(w, map[string]any{"verified": true, "email": sess.Email})
}

// handleStatus reports whether a session can still be verified.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := query.Get(r, "session_token")
	if token == "" {
		jsonutil.ValidationError(w, "session_token is required", map[string]string{"session_token": "Session token is required"})
		return
	}
	sess, ok := h.owned(w, r, token)
	if !ok {
		return
	}

	now := h.now()
	expiresIn := secondsUntil(sess.ExpiresAt, now)
	jsonutil.OK(w, map[string]any{
		"active":             expiresIn > 0 && sess.Remaining() > 0,
		"expires_at":         sess.ExpiresAt,
		"expires_in":         expiresIn,
		"attempts_remaining": sess.Remaining(),
	})
}

// owned loads the session for token and writes 400 unless it belongs to
// the caller.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request, token string) (*otp.Session, bool) {
	su, _ := auth.CurrentUser(r)
	sess, err := h.store.GetByToken(r.Context(), token)
	if errors.Is(err, otp.ErrNotFound) || (err == nil && sess.UserID != su.UserID()) {
		jsonutil.BadRequest(w, msgSessionNotFound)
		return nil, false
	}
	if err != nil {
		h.errLog.Log(r, "load otp session", err)
		jsonutil.InternalError(w, "internal server error")
		return nil, false
	}
	return sess, true
}

// secondsUntil returns whole seconds from now to t, rounded up, never
// negative.
func secondsUntil(t, now time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
