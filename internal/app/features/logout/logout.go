// internal/app/features/logout/logout.go
package logout

import (
	"net/http"

	"github.com/dalemusser/stratashift/internal/app/store/sessions"
	"github.com/dalemusser/stratashift/internal/app/system/auditlog"
	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/waffle/pantry/query"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler ends employee sessions.
type Handler struct {
	sessionMgr    *auth.SessionManager
	auditLogger   *auditlog.Logger
	sessionsStore *sessions.Store
	logger        *zap.Logger
}

// NewHandler creates a new logout Handler.
func NewHandler(
	sessionMgr *auth.SessionManager,
	auditLogger *auditlog.Logger,
	sessionsStore *sessions.Store,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		sessionMgr:    sessionMgr,
		auditLogger:   auditLogger,
		sessionsStore: sessionsStore,
		logger:        logger,
	}
}

// Routes returns a chi.Router with logout routes mounted.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.handleLogout)
	return r
}

// handleLogout ends the caller's session, or every session of the caller
// with ?scope=all. It reports success whether or not a session was found;
// store failures are only logged.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var closed int64
	if user, ok := auth.CurrentUser(r); ok {
		closed = h.closeSessions(r, user, query.Get(r, "scope") == "all")
		h.auditLogger.Logout(r.Context(), r, user.ID, closed)
	}

	h.sessionMgr.DestroySession(w, r)
	jsonutil.OK(w, map[string]int64{"sessions_closed": closed})
}

// closeSessions marks rows closed so they keep logout_at and duration for
// reporting. Bearer tokens die with their row.
func (h *Handler) closeSessions(r *http.Request, user *auth.SessionUser, all bool) int64 {
	ctx := r.Context()
	if all {
		n, err := h.sessionsStore.CloseByUser(ctx, user.UserID(), sessions.EndReasonLogout)
		if err != nil {
			h.logger.Warn("failed to close user sessions", zap.String("user_id", user.ID), zap.Error(err))
		}
		return n
	}

	token := user.SessionToken()
	if token == "" {
		return 0
	}
	closed, err := h.sessionsStore.Close(ctx, token, sessions.EndReasonLogout)
	if err != nil {
		h.logger.Warn("failed to close session in store", zap.Error(err))
	}
	if !closed {
		return 0
	}
	return 1
}
