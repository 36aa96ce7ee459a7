package auth

import (
	"context"
	"net/http"

	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/stratashift/internal/app/system/timeouts"
	"go.uber.org/zap"
)

// LoadSessionUser attaches the caller to the request context when it
// carries a valid bearer token or session cookie. When an Authorization
// header is present the cookie is not consulted. A cookie whose session has
// ended is expired on the response.
func (sm *SessionManager) LoadSessionUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := BearerToken(r); raw != "" {
			if u := sm.fromBearer(r, raw); u != nil {
				r = WithUser(r, u)
			}
			next.ServeHTTP(w, r)
			return
		}

		userID, token := sm.readCookie(r)
		if userID != "" {
			if u := sm.resolve(r.Context(), userID, token, ViaCookie); u != nil {
				r = WithUser(r, u)
			} else {
				sm.logger.Info("session cookie no longer valid",
					zap.String("user_id", userID),
					zap.String("path", r.URL.Path))
				sm.DestroySession(w, r)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSignedIn rejects requests without a current user with 401.
func (sm *SessionManager) RequireSignedIn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CurrentUser(r); !ok {
			jsonutil.Unauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (sm *SessionManager) fromBearer(r *http.Request, raw string) *SessionUser {
	if sm.bearer == nil {
		return nil
	}
	claims, err := sm.bearer.Parse(raw, sm.now())
	if err != nil {
		sm.logger.Debug("bearer token rejected", zap.String("path", r.URL.Path), zap.Error(err))
		return nil
	}
	return sm.resolve(r.Context(), claims.UserID, claims.SessionToken, ViaBearer)
}

// resolve returns the active user userID when token names an active
// session, or nil.
func (sm *SessionManager) resolve(ctx context.Context, userID, token, via string) *SessionUser {
	if sm.users == nil || userID == "" || token == "" {
		return nil
	}

	if sm.checker != nil {
		cctx, cancel := context.WithTimeout(ctx, timeouts.Short())
		active, err := sm.checker.IsActive(cctx, token)
		cancel()
		if err != nil {
			sm.logger.Error("session lookup failed", zap.Error(err))
			return nil
		}
		if !active {
			return nil
		}
	}

	u := sm.users.FetchUser(ctx, userID)
	if u == nil {
		return nil
	}
	u.Token = token
	u.Via = via

	if sm.checker != nil {
		tctx, cancel := context.WithTimeout(ctx, timeouts.Short())
		if err := sm.checker.Touch(tctx, token); err != nil {
			sm.logger.Debug("session touch failed", zap.Error(err))
		}
		cancel()
	}
	return u
}
