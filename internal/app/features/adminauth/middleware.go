package adminauth

import (
	"context"
	"errors"
	"net/http"

	"github.com/dalemusser/stratashift/internal/app/system/admintoken"
	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/stratashift/internal/app/system/network"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"go.uber.org/zap"
)

type ctxKey struct{}

// ClaimsFromContext returns the access token claims RequireAdmin stored.
func ClaimsFromContext(ctx context.Context) (*admintoken.Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*admintoken.Claims)
	return c, ok
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, c *admintoken.Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// RequireAdmin rejects requests without a valid admin access token for the
// calling device. The caller is also exposed through auth.CurrentUser with
// Via set to auth.ViaAdmin.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := auth.BearerToken(r)
		if raw == "" {
			jsonutil.Unauthorized(w, msgAuthRequired)
			return
		}

		claims, err := h.tokens.Verify(r.Context(), raw, network.ParseDevice(r))
		if err != nil {
			if !isTokenError(err) {
				h.errLog.Log(r, "verify admin token", err)
				jsonutil.InternalError(w, "internal server error")
				return
			}
			h.logger.Debug("admin token rejected", zap.Error(err), zap.String("path", r.URL.Path))
			jsonutil.Unauthorized(w, msgAuthRequired)
			return
		}
		if claims.Role != models.RoleAdmin {
			jsonutil.Forbidden(w, "insufficient role")
			return
		}

		r = r.WithContext(WithClaims(r.Context(), claims))
		r = auth.WithUser(r, &auth.SessionUser{
			ID:      claims.AdminID(),
			LoginID: claims.LoginID,
			Role:    claims.Role,
			Token:   claims.SessionID,
			Via:     auth.ViaAdmin,
		})
		next.ServeHTTP(w, r)
	})
}

func isTokenError(err error) bool {
	return errors.Is(err, admintoken.ErrInvalidToken) ||
		errors.Is(err, admintoken.ErrDeviceMismatch) ||
		errors.Is(err, admintoken.ErrSessionRevoked)
}
