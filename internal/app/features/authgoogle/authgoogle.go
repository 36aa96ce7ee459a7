// internal/app/features/authgoogle/authgoogle.go
package authgoogle

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record
//   - LoginID / loginID / login_id: The human-readable string users type to log in

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/features/login"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	"github.com/dalemusser/stratashift/internal/app/store/oauthstate"
	"github.com/dalemusser/stratashift/internal/app/store/sessions"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/app/system/auditlog"
	"github.com/dalemusser/stratashift/internal/app/system/timeouts"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"github.com/dalemusser/waffle/pantry/urlutil"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultUserInfoURL is Google's OAuth2 userinfo endpoint.
const DefaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// SessionStarter opens a signed-in session for a resolved user.
type SessionStarter interface {
	StartSession(w http.ResponseWriter, r *http.Request, user *models.User, kind string) (*login.LoginResponse, error)
}

// Config holds the Google client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string // this API's public URL; the callback hangs off it
	FrontendURL  string // where the browser lands after sign-in
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
}

// Handler provides Google OAuth handlers. Only existing accounts whose
// auth method is google may sign in this way.
type Handler struct {
	users       *userstore.Store
	states      *oauthstate.Store
	starter     SessionStarter
	errLog      *errorsfeature.ErrorLogger
	auditLogger *auditlog.Logger
	oauthConfig *oauth2.Config
	userInfoURL string
	frontendURL string
	logger      *zap.Logger
}

// NewHandler creates a new Google OAuth Handler. A zero Endpoint or
// UserInfoURL uses Google's.
func NewHandler(
	users *userstore.Store,
	states *oauthstate.Store,
	starter SessionStarter,
	errLog *errorsfeature.ErrorLogger,
	auditLogger *auditlog.Logger,
	cfg Config,
	logger *zap.Logger,
) *Handler {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = google.Endpoint
	}
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = DefaultUserInfoURL
	}
	return &Handler{
		users:       users,
		states:      states,
		starter:     starter,
		errLog:      errLog,
		auditLogger: auditLogger,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  strings.TrimRight(cfg.BaseURL, "/") + "/auth/google/callback",
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     endpoint,
		},
		userInfoURL: userInfoURL,
		frontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
		logger:      logger,
	}
}

// Routes returns a chi.Router with Google OAuth routes mounted.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.startAuth)
	r.Get("/callback", h.handleCallback)
	return r
}

// startAuth records a state token and redirects to Google.
func (h *Handler) startAuth(w http.ResponseWriter, r *http.Request) {
	returnTo := urlutil.SafeReturn(r.URL.Query().Get("return"), "", "/")
	state, err := h.states.Issue(r.Context(), returnTo)
	if err != nil {
		h.errLog.Log(r, "failed to store oauth state", err)
		h.fail(w, r, "oauth_error")
		return
	}

	http.Redirect(w, r, h.oauthConfig.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// handleCallback completes the OAuth exchange and signs the user in.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	st, err := h.states.Consume(ctx, r.URL.Query().Get("state"))
	if err != nil {
		if !errors.Is(err, oauthstate.ErrInvalidState) {
			h.errLog.Log(r, "oauth state lookup failed", err)
		}
		h.logger.Warn("invalid oauth state")
		h.fail(w, r, "invalid_state")
		return
	}

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		h.logger.Warn("oauth error from google", zap.String("error", errMsg))
		h.fail(w, r, "oauth_denied")
		return
	}

	token, err := h.oauthConfig.Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		h.errLog.Log(r, "failed to exchange oauth code", err)
		h.fail(w, r, "token_exchange_failed")
		return
	}

	info, err := h.getUserInfo(ctx, token)
	if err != nil {
		h.errLog.Log(r, "failed to get google user info", err)
		h.fail(w, r, "userinfo_failed")
		return
	}
	if info.Email == "" || !info.VerifiedEmail {
		h.auditLogger.LoginFailed(ctx, r, audit.EventLoginFailedUserNotFound, "", info.Email, "google email not verified")
		h.fail(w, r, "email_not_verified")
		return
	}

	user, err := h.users.GetByEmail(ctx, info.Email)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			h.auditLogger.LoginFailed(ctx, r, audit.EventLoginFailedUserNotFound, "", info.Email, "no account for google email")
			h.fail(w, r, "user_not_found")
			return
		}
		h.errLog.Log(r, "failed to get user by email", err)
		h.fail(w, r, "service_unavailable")
		return
	}

	switch {
	case !user.IsActive():
		h.auditLogger.LoginFailed(ctx, r, audit.EventLoginFailedUserDisabled, user.ID.Hex(), info.Email, "user disabled")
		h.fail(w, r, "account_disabled")
		return
	case user.AuthMethod != models.AuthGoogle || user.Role != models.RoleEmployee:
		h.auditLogger.LoginFailed(ctx, r, audit.EventLoginFailedWrongPassword, user.ID.Hex(), info.Email, "google sign-in not enabled for account")
		h.fail(w, r, "google_not_enabled")
		return
	}

	if _, err := h.starter.StartSession(w, r, user, sessions.KindCookie); err != nil {
		h.errLog.Log(r, "failed to start session", err)
		h.fail(w, r, "session_error")
		return
	}

	h.auditLogger.LoginSuccess(ctx, r, user.ID.Hex(), models.AuthGoogle, user.LoginID)
	http.Redirect(w, r, h.frontendURL+st.ReturnTo, http.StatusSeeOther)
}

// fail sends the browser back to the frontend sign-in page with code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.frontendURL+"/login?error="+url.QueryEscape(code), http.StatusSeeOther)
}

// GoogleUserInfo represents user info from Google.
type GoogleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
}

// getUserInfo fetches user info from Google.
func (h *Handler) getUserInfo(ctx context.Context, token *oauth2.Token) (*GoogleUserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.External())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.userInfoURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.oauthConfig.Client(ctx, token).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo: unexpected status %d", resp.StatusCode)
	}

	var info GoogleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}
