// internal/app/features/adminauth/adminauth.go
package adminauth

// Terminology: User Identifiers
//   - AdminID / adminID / admin_id: The MongoDB ObjectID (_id) of the admin's user record
//   - LoginID / loginID / login_id: The human-readable string the admin types to sign in
//   - SessionID / sid: The admin session behind an access/refresh token pair

import (
	"context"
	"errors"
	"net/http"
	"time"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/adminsessions"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	"github.com/dalemusser/stratashift/internal/app/store/ratelimit"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/app/system/admintoken"
	"github.com/dalemusser/stratashift/internal/app/system/auditlog"
	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/stratashift/internal/app/system/authutil"
	"github.com/dalemusser/stratashift/internal/app/system/inputval"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/stratashift/internal/app/system/mfa"
	"github.com/dalemusser/stratashift/internal/app/system/network"
	"github.com/dalemusser/stratashift/internal/app/system/normalize"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const (
	msgInvalidCredentials = "invalid login ID or password"
	msgAuthRequired       = "admin authentication required"
	msgLockedOut          = "too many failed attempts, try again later"
)

// DefaultMFAIssuer is the issuer shown in authenticator apps.
const DefaultMFAIssuer = "StrataShift"

// Handler provides the admin sign-in, token and MFA endpoints.
type Handler struct {
	users       *userstore.Store
	tokens      *admintoken.Service
	limiter     *ratelimit.Store // nil disables lockout
	mfaIssuer   string
	auditLogger *auditlog.Logger
	errLog      *errorsfeature.ErrorLogger
	logger      *zap.Logger
	now         func() time.Time
}

// NewHandler creates a new admin auth Handler. limiter may be nil.
func NewHandler(
	users *userstore.Store,
	tokens *admintoken.Service,
	limiter *ratelimit.Store,
	mfaIssuer string,
	auditLogger *auditlog.Logger,
	errLog *errorsfeature.ErrorLogger,
	logger *zap.Logger,
) *Handler {
	if mfaIssuer == "" {
		mfaIssuer = DefaultMFAIssuer
	}
	return &Handler{
		users:       users,
		tokens:      tokens,
		limiter:     limiter,
		mfaIssuer:   mfaIssuer,
		auditLogger: auditLogger,
		errLog:      errLog,
		logger:      logger,
		now:         time.Now,
	}
}

// Routes returns a chi.Router with the admin auth routes mounted.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/login", h.handleLogin)
	r.Post("/mfa/verify", h.handleMFAVerify)
	r.Post("/refresh", h.handleRefresh)
	r.Post("/logout", h.handleLogout)

	r.Group(func(pr chi.Router) {
		pr.Use(h.RequireAdmin)
		pr.Get("/verify", h.handleVerify)
		pr.Post("/mfa/setup", h.handleMFASetup)
		pr.Post("/mfa/enable", h.handleMFAEnable)
		pr.Get("/sessions", h.handleSessions)
		pr.Delete("/sessions/{id}", h.handleRevokeSession)
	})
	return r
}

// Lookup adapts the user store to admintoken.AdminLookup. Only active
// admins may refresh.
func Lookup(users *userstore.Store) admintoken.AdminLookup {
	return func(ctx context.Context, adminID string) (admintoken.Admin, bool, error) {
		oid, err := primitive.ObjectIDFromHex(adminID)
		if err != nil {
			return admintoken.Admin{}, false, nil
		}
		u, err := users.GetByID(ctx, oid)
		if errors.Is(err, userstore.ErrNotFound) {
			return admintoken.Admin{}, false, nil
		}
		if err != nil {
			return admintoken.Admin{}, false, err
		}
		if !u.IsActive() || u.Role != models.RoleAdmin {
			return admintoken.Admin{}, false, nil
		}
		return adminOf(u), true, nil
	}
}

func adminOf(u *models.User) admintoken.Admin {
	return admintoken.Admin{ID: u.ID.Hex(), LoginID: u.LoginID, Role: u.Role}
}

type loginRequest struct {
	LoginID  string `json:"login_id" validate:"required,max=254" label:"Login ID"`
	Password string `json:"password" validate:"required,max=128" label:"Password"`
}

// ChallengeResponse is returned by a password step that still needs a TOTP
// code.
type ChallengeResponse struct {
	MFARequired    bool      `json:"mfa_required"`
	ChallengeToken string    `json:"challenge_token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// TokenResponse is returned when sign-in completes.
type TokenResponse struct {
	admintoken.Pair
	Admin *models.User `json:"admin"`
}

// handleLogin checks the admin's password. Admins with MFA enabled get a
// challenge token; everyone else gets a token pair.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := jsonutil.Decode(r, &in); err != nil {
		jsonutil.BadRequest(w, err.Error())
		return
	}
	if res := inputval.Validate(in); res.HasErrors() {
		jsonutil.ValidationError(w, res.First(), res.Fields())
		return
	}

	ctx := r.Context()
	key := ratelimit.Key(ratelimit.ScopeAdminLogin, in.LoginID)
	details := map[string]string{"login_id": in.LoginID}

	if h.limiter != nil {
		if allowed, _, lockedUntil := h.limiter.CheckAllowed(ctx, key); !allowed {
			h.auditLogger.Auth(ctx, r, audit.EventAdminLoginFailed, "", false, "locked out", details)
			jsonutil.TooManyRequests(w, msgLockedOut, ratelimit.RetryAfter(lockedUntil))
			return
		}
	}

	user, err := h.users.GetByLoginID(ctx, in.LoginID)
	if err != nil && !errors.Is(err, userstore.ErrNotFound) {
		h.errLog.Log(r, "admin login lookup failed", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	if user == nil {
		authutil.SpendCompare(in.Password)
		h.auditLogger.Auth(ctx, r, audit.EventAdminLoginFailed, "", false, "user not found", details)
		h.fail(w, r, key)
		return
	}
	adminID := user.ID.Hex()

	if user.PasswordHash == nil || !authutil.CheckPassword(in.Password, *user.PasswordHash) {
		h.auditLogger.Auth(ctx, r, audit.EventAdminLoginFailed, adminID, false, "wrong password", details)
		h.fail(w, r, key)
		return
	}
	if user.Role != models.RoleAdmin {
		h.auditLogger.Auth(ctx, r, audit.EventAdminLoginFailed, adminID, false, "not an admin", details)
		h.fail(w, r, key)
		return
	}
	if !user.IsActive() {
		h.auditLogger.Auth(ctx, r, audit.EventAdminLoginFailed, adminID, false, "user disabled", details)
		h.fail(w, r, key)
		return
	}

	if h.limiter != nil {
		_ = h.limiter.ClearOnSuccess(ctx, key)
	}

	device := network.ParseDevice(r)
	if user.MFAEnabled {
		tok, exp, err := h.tokens.NewChallenge(adminID, device)
		if err != nil {
			h.errLog.Log(r, "issue mfa challenge", err)
			jsonutil.InternalError(w, "internal server error")
			return
		}
		h.auditLogger.Auth(ctx, r, audit.EventMFAChallengeIssued, adminID, true, "", nil)
		jsonutil.OK(w, ChallengeResponse{MFARequired: true, ChallengeToken: tok, ExpiresAt: exp})
		return
	}

	h.issue(w, r, user, device)
}

type mfaVerifyRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required" label:"Challenge token"`
	Code           string `json:"code" validate:"required,len=6,numeric" label:"Code"`
}

// handleMFAVerify completes a sign-in that was challenged for a TOTP code.
func (h *Handler) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var in mfaVerifyRequest
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
	device := network.ParseDevice(r)
	adminID, err := h.tokens.ParseChallenge(in.ChallengeToken, device)
	if err != nil {
		h.auditLogger.Auth(ctx, r, audit.EventMFAFailed, "", false, err.Error(), nil)
		jsonutil.Unauthorized(w, "invalid or expired challenge")
		return
	}

	key := ratelimit.Key(ratelimit.ScopeMFA, adminID)
	if h.limiter != nil {
		if allowed, _, lockedUntil := h.limiter.CheckAllowed(ctx, key); !allowed {
			h.auditLogger.Auth(ctx, r, audit.EventMFAFailed, adminID, false, "locked out", nil)
			jsonutil.TooManyRequests(w, msgLockedOut, ratelimit.RetryAfter(lockedUntil))
			return
		}
	}

	user, ok := h.loadAdmin(w, r, adminID)
	if !ok {
		return
	}
	if !user.MFAEnabled || user.MFASecret == nil {
		jsonutil.Unauthorized(w, "invalid or expired challenge")
		return
	}

	step, valid := mfa.ValidateStep(in.Code, *user.MFASecret, h.now())
	reason := "wrong code"
	if valid {
		if err := h.users.ClaimMFAStep(ctx, user.ID, step); err != nil {
			if !errors.Is(err, userstore.ErrMFAStepUsed) {
				h.errLog.Log(r, "claim mfa step", err)
				jsonutil.InternalError(w, "internal server error")
				return
			}
			valid, reason = false, "code already used"
		}
	}
	if !valid {
		h.auditLogger.Auth(ctx, r, audit.EventMFAFailed, adminID, false, reason, nil)
		if h.limiter != nil {
			if lockedOut, lockedUntil := h.limiter.RecordFailure(ctx, key); lockedOut {
				jsonutil.TooManyRequests(w, msgLockedOut, ratelimit.RetryAfter(lockedUntil))
				return
			}
		}
		jsonutil.Unauthorized(w, "invalid code")
		return
	}
	if h.limiter != nil {
		_ = h.limiter.ClearOnSuccess(ctx, key)
	}

	h.auditLogger.Auth(ctx, r, audit.EventMFAVerified, adminID, true, "", nil)
	h.issue(w, r, user, device)
}

// issue starts an admin session for user on device and writes the tokens.
func (h *Handler) issue(w http.ResponseWriter, r *http.Request, user *models.User, device network.Device) {
	pair, err := h.tokens.Issue(r.Context(), adminOf(user), device)
	if err != nil {
		h.errLog.Log(r, "issue admin tokens", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	h.auditLogger.Auth(r.Context(), r, audit.EventAdminLoginSuccess, user.ID.Hex(), true, "", map[string]string{
		"session_id": pair.SessionID,
		"device":     device.Label(),
	})
	jsonutil.OK(w, TokenResponse{Pair: pair, Admin: user})
}

// loadAdmin fetches adminID and writes 401 unless it is an active admin.
func (h *Handler) loadAdmin(w http.ResponseWriter, r *http.Request, adminID string) (*models.User, bool) {
	oid, err := primitive.ObjectIDFromHex(adminID)
	if err != nil {
		jsonutil.Unauthorized(w, msgAuthRequired)
		return nil, false
	}
	user, err := h.users.GetByID(r.Context(), oid)
	if errors.Is(err, userstore.ErrNotFound) {
		jsonutil.Unauthorized(w, msgAuthRequired)
		return nil, false
	}
	if err != nil {
		h.errLog.Log(r, "load admin", err)
		jsonutil.InternalError(w, "internal server error")
		return nil, false
	}
	if !user.IsActive() || user.Role != models.RoleAdmin {
		jsonutil.Unauthorized(w, msgAuthRequired)
		return nil, false
	}
	return user, true
}

// fail counts a failed password attempt and writes 401, or 429 when the
// failure triggers a lockout.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, key string) {
	if h.limiter != nil {
		if lockedOut, lockedUntil := h.limiter.RecordFailure(r.Context(), key); lockedOut {
			jsonutil.TooManyRequests(w, msgLockedOut, ratelimit.RetryAfter(lockedUntil))
			return
		}
	}
	jsonutil.Unauthorized(w, msgInvalidCredentials)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required" label:"Refresh token"`
}

// handleRefresh rotates a refresh token. Reuse of a rotated-out token
// revokes the session.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in refreshRequest
	if err := jsonutil.Decode(r, &in); err != nil {
		jsonutil.BadRequest(w, err.Error())
		return
	}
	if res := inputval.Validate(in); res.HasErrors() {
		jsonutil.ValidationError(w, res.First(), res.Fields())
		return
	}

	ctx := r.Context()
	pair, err := h.tokens.Refresh(ctx, in.RefreshToken, network.ParseDevice(r))
	switch {
	case err == nil:
	case errors.Is(err, admintoken.ErrRefreshReuse):
		h.auditLogger.Auth(ctx, r, audit.EventRefreshReuseDetected, "", false, "refresh token reused", nil)
		h.logger.Warn("admin refresh token reuse detected", zap.String("ip", network.GetClientIP(r)))
		jsonutil.Unauthorized(w, "session has been revoked")
		return
	case errors.Is(err, admintoken.ErrInvalidToken),
		errors.Is(err, admintoken.ErrDeviceMismatch),
		errors.Is(err, admintoken.ErrSessionRevoked),
		errors.Is(err, admintoken.ErrAdminUnavailable):
		h.auditLogger.Auth(ctx, r, audit.EventTokenRefreshed, "", false, err.Error(), nil)
		jsonutil.Unauthorized(w, "invalid or expired refresh token")
		return
	default:
		h.errLog.Log(r, "refresh admin token", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	h.auditLogger.Auth(ctx, r, audit.EventTokenRefreshed, "", true, "", map[string]string{"session_id": pair.SessionID})
	jsonutil.OK(w, pair)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleLogout revokes the session behind the presented access token and,
// when the body carries one, the session behind the refresh token. It
// reports success whether or not there was anything to revoke.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	revoked := ""
	if raw := auth.BearerToken(r); raw != "" {
		if claims, err := h.tokens.Verify(ctx, raw, network.ParseDevice(r)); err == nil {
			if err := h.tokens.Revoke(ctx, claims.SessionID, adminsessions.RevokeLogout); err != nil {
				h.errLog.Log(r, "revoke admin session on logout", err)
			} else {
				revoked = claims.SessionID
				h.auditLogger.Auth(ctx, r, audit.EventAdminLogout, claims.AdminID(), true, "", map[string]string{"session_id": claims.SessionID})
			}
		}
	}

	var in logoutRequest
	if err := jsonutil.DecodeOptional(r, &in); err == nil && in.RefreshToken != "" {
		adminID, sid, err := h.tokens.RevokeRefresh(ctx, in.RefreshToken, adminsessions.RevokeLogout)
		switch {
		case errors.Is(err, admintoken.ErrInvalidToken):
		case err != nil:
			h.errLog.Log(r, "revoke admin refresh session on logout", err)
		case sid != revoked:
			h.auditLogger.Auth(ctx, r, audit.EventAdminLogout, adminID, true, "", map[string]string{"session_id": sid})
		}
	}
	jsonutil.Success(w)
}

// handleVerify returns the identity behind the access token.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	jsonutil.OK(w, map[string]any{
		"admin_id":   claims.AdminID(),
		"login_id":   claims.LoginID,
		"role":       claims.Role,
		"session_id": claims.SessionID,
		"expires_at": claims.ExpiresAt.Time,
	})
}

// handleMFASetup starts TOTP enrollment. The secret stays pending until a
// code from it is confirmed through /mfa/enable.
func (h *Handler) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	user, ok := h.loadAdmin(w, r, claims.AdminID())
	if !ok {
		return
	}
	if user.MFAEnabled {
		jsonutil.Conflict(w, "MFA is already enabled")
		return
	}

	account := user.LoginID
	if user.Email != nil && *user.Email != "" {
		account = *user.Email
	}
	enr, err := mfa.Enroll(h.mfaIssuer, account)
	if err != nil {
		h.errLog.Log(r, "mfa enroll", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	if err := h.users.SetMFAPending(r.Context(), user.ID, enr.Secret); err != nil {
		h.errLog.Log(r, "store pending mfa secret", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	jsonutil.OK(w, enr)
}

type mfaEnableRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric" label:"Code"`
}

// handleMFAEnable confirms the pending secret with a current code.
func (h *Handler) handleMFAEnable(w http.ResponseWriter, r *http.Request) {
	var in mfaEnableRequest
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
	claims, _ := ClaimsFromContext(ctx)
	user, ok := h.loadAdmin(w, r, claims.AdminID())
	if !ok {
		return
	}
	if user.MFAPendingSecret == nil {
		jsonutil.Conflict(w, "no pending MFA enrollment")
		return
	}
	pending := *user.MFAPendingSecret
	step, valid := mfa.ValidateStep(in.Code, pending, h.now())
	if !valid {
		h.auditLogger.Auth(ctx, r, audit.EventMFAFailed, user.ID.Hex(), false, "wrong enrollment code", nil)
		jsonutil.BadRequest(w, "invalid code")
		return
	}

	if err := h.users.EnableMFA(ctx, user.ID, pending, step); err != nil {
		if errors.Is(err, userstore.ErrMFANotPending) {
			jsonutil.Conflict(w, "no pending MFA enrollment")
			return
		}
		h.errLog.Log(r, "enable mfa", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	h.auditLogger.Auth(ctx, r, audit.EventMFAEnabled, user.ID.Hex(), true, "", nil)
	jsonutil.OK(w, map[string]bool{"mfa_enabled": true})
}

// handleSessions lists the caller's active sessions.
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	list, err := h.tokens.Sessions(r.Context(), claims.AdminID())
	if err != nil {
		h.errLog.Log(r, "list admin sessions", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	type sessionView struct {
		adminsessions.Session
		Current bool `json:"current"`
	}
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, sessionView{Session: s, Current: s.ID.Hex() == claims.SessionID})
	}
	jsonutil.OK(w, out)
}

// handleRevokeSession ends one of the caller's own sessions.
func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := ClaimsFromContext(ctx)
	sid := chi.URLParam(r, "id")

	list, err := h.tokens.Sessions(ctx, claims.AdminID())
	if err != nil {
		h.errLog.Log(r, "list admin sessions", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	var owned bool
	for _, s := range list {
		if s.ID.Hex() == sid {
			owned = true
			break
		}
	}
	if !owned {
		jsonutil.NotFound(w, "session not found")
		return
	}

	if err := h.tokens.Revoke(ctx, sid, adminsessions.RevokeByAdmin); err != nil {
		h.errLog.Log(r, "revoke admin session", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	h.auditLogger.Auth(ctx, r, audit.EventSessionRevoked, claims.AdminID(), true, "", map[string]string{"session_id": sid})
	jsonutil.Success(w)
}
