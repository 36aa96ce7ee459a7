// internal/app/features/login/login.go
package login

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record
//   - LoginID / loginID / login_id: The human-readable string users type to log in

import (
	"errors"
	"net/http"
	"time"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	"github.com/dalemusser/stratashift/internal/app/store/ratelimit"
	"github.com/dalemusser/stratashift/internal/app/store/sessions"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/app/system/auditlog"
	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/stratashift/internal/app/system/authutil"
	"github.com/dalemusser/stratashift/internal/app/system/inputval"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/stratashift/internal/app/system/network"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/csrf"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const msgInvalidCredentials = "invalid login ID or password"

// Handler provides the employee sign-in endpoints.
type Handler struct {
	users       *userstore.Store
	sessions    *sessions.Store
	limiter     *ratelimit.Store // nil disables lockout
	sessionMgr  *auth.SessionManager
	auditLogger *auditlog.Logger
	errLog      *errorsfeature.ErrorLogger
	logger      *zap.Logger
	now         func() time.Time
}

// NewHandler creates a new login Handler. limiter may be nil.
func NewHandler(
	users *userstore.Store,
	sessionsStore *sessions.Store,
	limiter *ratelimit.Store,
	sessionMgr *auth.SessionManager,
	auditLogger *auditlog.Logger,
	errLog *errorsfeature.ErrorLogger,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		users:       users,
		sessions:    sessionsStore,
		limiter:     limiter,
		sessionMgr:  sessionMgr,
		auditLogger: auditLogger,
		errLog:      errLog,
		logger:      logger,
		now:         time.Now,
	}
}

// Routes returns a chi.Router with the sign-in routes mounted.
// /me is wrapped by the caller's RequireSignedIn.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/login", h.handleLogin)
	r.Get("/csrf", h.handleCSRF)
	r.With(h.sessionMgr.RequireSignedIn).Get("/me", h.handleMe)
	return r
}

type loginRequest struct {
	LoginID  string `json:"login_id" validate:"required,max=254" label:"Login ID"`
	Password string `json:"password" validate:"required,max=128" label:"Password"`
}

// LoginResponse is returned by a successful sign-in. The same session
// backs the bearer token and the cookie set alongside it.
type LoginResponse struct {
	Token     string       `json:"token"`
	TokenType string       `json:"token_type"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// handleLogin authenticates an employee with login ID and password.
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
	key := ratelimit.Key(ratelimit.ScopeLogin, in.LoginID)

	if h.limiter != nil {
		if allowed, _, lockedUntil := h.limiter.CheckAllowed(ctx, key); !allowed {
			h.auditLogger.LoginFailed(ctx, r, audit.EventLoginLockedOut, "", in.LoginID, "locked out")
			jsonutil.TooManyRequests(w, "too many failed login attempts, try again later", ratelimit.RetryAfter(lockedUntil))
			return
		}
	}

	user, err := h.users.GetByLoginID(ctx, in.LoginID)
	if err != nil {
		if !errors.Is(err, userstore.ErrNotFound) {
			h.errLog.Log(r, "login lookup failed", err)
			jsonutil.InternalError(w, "internal server error")
			return
		}
		authutil.SpendCompare(in.Password)
		h.auditLogger.LoginFailed(ctx, r, audit.EventLoginFailedUserNotFound, "", in.LoginID, "user not found")
		h.fail(w, r, key, msgInvalidCredentials)
		return
	}

	if user.PasswordHash == nil || !authutil.CheckPassword(in.Password, *user.PasswordHash) {
		h.auditLogger.LoginFailed(ctx, r, audit.EventLoginFailedWrongPassword, user.ID.Hex(), in.LoginID, "wrong password")
		h.fail(w, r, key, msgInvalidCredentials)
		return
	}

	if !user.IsActive() {
		h.auditLogger.LoginFailed(ctx, r, audit.EventLoginFailedUserDisabled, user.ID.Hex(), in.LoginID, "user disabled")
		jsonutil.Unauthorized(w, "account is disabled")
		return
	}
	if user.Role != models.RoleEmployee {
		h.auditLogger.LoginFailed(ctx, r, audit.EventLoginFailedWrongPassword, user.ID.Hex(), in.LoginID, "admin on employee sign-in")
		jsonutil.Forbidden(w, "admins sign in through the admin console")
		return
	}

	if h.limiter != nil {
		_ = h.limiter.ClearOnSuccess(ctx, key)
	}

	resp, err := h.StartSession(w, r, user, sessions.KindBearer)
	if err != nil {
		h.errLog.Log(r, "failed to start session", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	h.auditLogger.LoginSuccess(ctx, r, user.ID.Hex(), models.AuthPassword, user.LoginID)
	jsonutil.OK(w, resp)
}

// fail counts a failed attempt and writes 401, or 429 when the failure
// triggers a lockout.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, key, msg string) {
	if h.limiter != nil {
		if lockedOut, lockedUntil := h.limiter.RecordFailure(r.Context(), key); lockedOut {
			jsonutil.TooManyRequests(w, "too many failed login attempts, try again later", ratelimit.RetryAfter(lockedUntil))
			return
		}
	}
	jsonutil.Unauthorized(w, msg)
}

// StartSession records a server-side session for user, sets the session
// cookie and mints a bearer token bound to the same session. Other sign-in
// paths (Google) reuse it.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request, user *models.User, kind string) (*LoginResponse, error) {
	token, err := auth.NewSessionToken()
	if err != nil {
		return nil, err
	}

	now := h.now()
	ttl := auth.DefaultBearerTTL
	if b := h.sessionMgr.Bearer(); b != nil {
		ttl = b.TTL()
	}

	if err := h.sessions.Create(r.Context(), sessions.Session{
		Token:        token,
		UserID:       user.ID,
		Kind:         kind,
		IPAddress:    network.GetClientIP(r),
		UserAgent:    r.UserAgent(),
		LoginAt:      now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
	}); err != nil {
		return nil, err
	}

	if err := h.sessionMgr.CreateSession(w, r, user.ID, token); err != nil {
		return nil, err
	}

	resp := &LoginResponse{TokenType: "Bearer", ExpiresAt: now.Add(ttl), User: user}
	if b := h.sessionMgr.Bearer(); b != nil {
		resp.Token, resp.ExpiresAt, err = b.Issue(user.ID.Hex(), token, now)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// handleMe returns the signed-in user.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	su, _ := auth.CurrentUser(r)
	oid, err := primitive.ObjectIDFromHex(su.ID)
	if err != nil {
		jsonutil.Unauthorized(w, "authentication required")
		return
	}
	user, err := h.users.GetByID(r.Context(), oid)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			jsonutil.Unauthorized(w, "authentication required")
			return
		}
		h.errLog.Log(r, "load current user", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	jsonutil.OK(w, map[string]any{
		"user":     user,
		"auth_via": su.Via,
	})
}

// handleCSRF returns the token cookie-authenticated clients echo back in
// the X-CSRF-Token header.
func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	jsonutil.OK(w, map[string]string{
		"csrf_token": csrf.Token(r),
		"header":     "X-CSRF-Token",
	})
}
