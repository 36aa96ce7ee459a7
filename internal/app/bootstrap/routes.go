// internal/app/bootstrap/routes.go
package bootstrap

import (
	"context"
	"net/http"
	"time"

	adminauthfeature "github.com/dalemusser/stratashift/internal/app/features/adminauth"
	announcementsfeature "github.com/dalemusser/stratashift/internal/app/features/announcements"
	attendancefeature "github.com/dalemusser/stratashift/internal/app/features/attendance"
	auditlogfeature "github.com/dalemusser/stratashift/internal/app/features/auditlog"
	authgooglefeature "github.com/dalemusser/stratashift/internal/app/features/authgoogle"
	emailotpfeature "github.com/dalemusser/stratashift/internal/app/features/emailotp"
	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	faceverifyfeature "github.com/dalemusser/stratashift/internal/app/features/faceverify"
	healthfeature "github.com/dalemusser/stratashift/internal/app/features/health"
	loginfeature "github.com/dalemusser/stratashift/internal/app/features/login"
	logoutfeature "github.com/dalemusser/stratashift/internal/app/features/logout"
	systemusersfeature "github.com/dalemusser/stratashift/internal/app/features/systemusers"
	"github.com/dalemusser/stratashift/internal/app/store/adminsessions"
	announcementstore "github.com/dalemusser/stratashift/internal/app/store/announcement"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	"github.com/dalemusser/stratashift/internal/app/store/oauthstate"
	"github.com/dalemusser/stratashift/internal/app/store/otp"
	"github.com/dalemusser/stratashift/internal/app/store/ratelimit"
	"github.com/dalemusser/stratashift/internal/app/store/sessions"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/app/system/admintoken"
	"github.com/dalemusser/stratashift/internal/app/system/apicors"
	"github.com/dalemusser/stratashift/internal/app/system/auditlog"
	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/waffle/config"
	"github.com/dalemusser/waffle/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// BuildHandler constructs the root HTTP handler (router) for this WAFFLE app.
//
// WAFFLE calls this after configuration, DB connections, schema setup, and
// any Startup hooks have completed.
//
// # Authentication surfaces
//
// Three kinds of caller share one router:
//   - Employees, with the session cookie or a bearer token minted at
//     sign-in. Both resolve to the same server-side session row.
//   - Admins, with a short-lived JWT access token and a rotating refresh
//     token bound to the device. Admin routes never read cookies.
//   - Probes, on /health, /readyz and /livez, unauthenticated.
//
// CSRF protection applies only to unsafe requests that authenticate with
// the cookie: requests carrying an Authorization header, the sign-in
// endpoints, and everything under /api/admin skip it.
func BuildHandler(coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) (http.Handler, error) {
	db := deps.MongoDatabase

	// Create the session manager using app config.
	// Secure cookies are enabled in production mode.
	secure := coreCfg.Env == "prod"
	sessionMgr, err := auth.NewSessionManager(appCfg.SessionKey, appCfg.SessionName, appCfg.SessionDomain, appCfg.SessionMaxAge, secure, logger)
	if err != nil {
		logger.Error("session manager init failed", zap.Error(err))
		return nil, err
	}

	// Fresh user data on every request, so role changes and disabled
	// accounts take effect immediately.
	sessionMgr.SetUserFetcher(userstore.NewFetcher(db, logger))

	// Server-side sessions back both the cookie and bearer tokens.
	sessionsStore := sessions.New(db)
	sessionMgr.SetSessionChecker(sessionsStore)

	bearer, err := auth.NewBearerIssuer(appCfg.BearerSecret, appCfg.SessionMaxAge)
	if err != nil {
		logger.Error("bearer issuer init failed", zap.Error(err))
		return nil, err
	}
	sessionMgr.SetBearerIssuer(bearer)

	// Create error logger for handlers.
	errLog := errorsfeature.NewErrorLogger(logger)
	errorsHandler := errorsfeature.NewHandler(logger)

	// Create audit store and logger for security event tracking.
	auditStore := audit.New(db)
	auditLogger := auditlog.New(auditStore, logger, auditlog.Config{
		Auth:         appCfg.AuditLogAuth,
		Admin:        appCfg.AuditLogAdmin,
		Attendance:   appCfg.AuditLogAttendance,
		Verification: appCfg.AuditLogVerification,
	})

	users := userstore.New(db)

	// Failed sign-in lockout, shared by employee login, admin login and
	// MFA code attempts (keys are namespaced per surface).
	var limiter *ratelimit.Store
	if appCfg.RateLimitEnabled {
		limiter = ratelimit.New(db, appCfg.RateLimitLoginAttempts, appCfg.RateLimitLoginWindow, appCfg.RateLimitLoginLockout)
	}

	tokens, err := admintoken.New(admintoken.Config{
		Secret:       appCfg.AdminTokenSecret,
		Issuer:       appCfg.AdminTokenIssuer,
		AccessTTL:    appCfg.AdminAccessTTL,
		RefreshTTL:   appCfg.AdminRefreshTTL,
		ChallengeTTL: appCfg.AdminChallengeTTL,
	}, adminsessions.New(db), adminauthfeature.Lookup(users))
	if err != nil {
		logger.Error("admin token service init failed", zap.Error(err))
		return nil, err
	}

	r := chi.NewRouter()

	// ─────────────────────────────────────────────────────────────────────────────
	// Global Middleware (applies to ALL routes)
	// ─────────────────────────────────────────────────────────────────────────────

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(errorsHandler.Recoverer)

	// Request timeout middleware: prevents requests from hanging indefinitely.
	// Sized to fit one face provider call.
	r.Use(chimw.Timeout(appCfg.FaceTimeout + 10*time.Second))

	// Security headers middleware: adds X-Frame-Options, X-Content-Type-Options, etc.
	r.Use(middleware.SecurityHeadersFromConfig(coreCfg))

	r.NotFound(errorsHandler.NotFound)
	r.MethodNotAllowed(errorsHandler.MethodNotAllowed)

	// ─────────────────────────────────────────────────────────────────────────────
	// Health (no auth, no CORS)
	// ─────────────────────────────────────────────────────────────────────────────
	mongoPing := healthfeature.PingFunc(func(ctx context.Context) error {
		return deps.MongoClient.Ping(ctx, readpref.Primary())
	})
	healthHandler := healthfeature.NewHandler(mongoPing, deps.Broadcast, logger)
	r.Mount("/health", healthfeature.Routes(healthHandler))
	healthfeature.MountRootEndpoints(r, healthHandler)

	// ─────────────────────────────────────────────────────────────────────────────
	// Employee surface: cookie or bearer session, CSRF for cookie writes
	// ─────────────────────────────────────────────────────────────────────────────
	csrfMiddleware := newCSRFMiddleware(appCfg, secure, errorsHandler)

	loginHandler := loginfeature.NewHandler(users, sessionsStore, limiter, sessionMgr, auditLogger, errLog, logger)
	logoutHandler := logoutfeature.NewHandler(sessionMgr, auditLogger, sessionsStore, logger)
	attendanceHandler := attendancefeature.NewHandler(deps.Clock, auditLogger, errLog, logger)
	announcementsHandler := announcementsfeature.NewHandler(db, announcementstore.New(db), deps.Mirror, auditLogger, errLog, logger)
	otpHandler := emailotpfeature.NewHandler(otp.New(db, appCfg.OTPTTL, appCfg.OTPMaxAttempts), users, deps.Mailer, appCfg.MailFromName, auditLogger, errLog, logger)
	faceHandler := faceverifyfeature.NewHandler(deps.Face, auditLogger, errLog, logger)

	r.Group(func(r chi.Router) {
		// CORS middleware: must be early in the chain to handle preflight requests.
		r.Use(middleware.CORSFromConfig(coreCfg))

		// Session middleware: loads SessionUser into context when signed in.
		r.Use(sessionMgr.LoadSessionUser)
		r.Use(csrfMiddleware)

		r.Route("/api/auth", func(r chi.Router) {
			r.Mount("/logout", logoutfeature.Routes(logoutHandler))
			r.Mount("/", loginfeature.Routes(loginHandler))
		})

		if appCfg.GoogleClientID != "" {
			googleHandler := authgooglefeature.NewHandler(users, oauthstate.New(db), loginHandler, errLog, auditLogger, authgooglefeature.Config{
				ClientID:     appCfg.GoogleClientID,
				ClientSecret: appCfg.GoogleClientSecret,
				BaseURL:      appCfg.BaseURL,
				FrontendURL:  appCfg.FrontendURL,
			}, logger)
			r.Mount("/auth/google", authgooglefeature.Routes(googleHandler))
			logger.Info("google sign-in enabled")
		}

		r.Group(func(r chi.Router) {
			r.Use(sessionMgr.RequireSignedIn)
			r.Mount("/api/attendance", attendancefeature.Routes(attendanceHandler))
			r.Mount("/api/announcements", announcementsfeature.Routes(announcementsHandler))
			r.Mount("/api/otp", emailotpfeature.Routes(otpHandler))
			r.Mount("/api/face", faceverifyfeature.Routes(faceHandler))
		})
	})

	// ─────────────────────────────────────────────────────────────────────────────
	// Admin surface: bearer access tokens only, no cookies, no CSRF
	// ─────────────────────────────────────────────────────────────────────────────
	adminAuthHandler := adminauthfeature.NewHandler(users, tokens, limiter, appCfg.MFAIssuer, auditLogger, errLog, logger)
	usersHandler := systemusersfeature.NewHandler(db, users, sessionsStore, tokens, auditLogger, errLog, logger)
	auditHandler := auditlogfeature.NewHandler(auditStore, users, errLog, logger)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(apicors.Middleware(appCfg.AdminCORSOrigins...))

		r.Mount("/auth", adminauthfeature.Routes(adminAuthHandler))

		r.Group(func(r chi.Router) {
			r.Use(adminAuthHandler.RequireAdmin)
			r.Mount("/users", systemusersfeature.Routes(usersHandler))
			r.Mount("/announcements", announcementsfeature.AdminRoutes(announcementsHandler))
			r.Mount("/audit", auditlogfeature.Routes(auditHandler))
			r.Mount("/attendance", attendancefeature.AdminRoutes(attendanceHandler))
		})
	})

	return r, nil
}

// csrfExempt lists the cookie-surface paths that never need a CSRF token:
// sign-in runs before any cookie exists and logout only ends the caller's
// own session.
var csrfExempt = map[string]bool{
	"/api/auth/login":  true,
	"/api/auth/logout": true,
}

// newCSRFMiddleware wraps gorilla/csrf so it only guards cookie-authenticated
// requests. Safe methods still pass through it so /api/auth/csrf can hand
// out a token.
func newCSRFMiddleware(appCfg AppConfig, secure bool, errorsHandler *errorsfeature.Handler) func(http.Handler) http.Handler {
	// Cookie name is "stratashift_csrf" to avoid collisions with other
	// services on the same domain.
	csrfOpts := []csrf.Option{
		csrf.Secure(secure),
		csrf.Path("/"),
		csrf.CookieName("stratashift_csrf"),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.ErrorHandler(http.HandlerFunc(errorsHandler.CSRFFailure)),
	}
	// In dev mode, trust localhost origins for CSRF validation.
	if !secure {
		csrfOpts = append(csrfOpts, csrf.TrustedOrigins([]string{
			"localhost:8080",
			"localhost:3000",
			"127.0.0.1:8080",
			"127.0.0.1:3000",
		}))
	}
	if appCfg.SessionDomain != "" {
		csrfOpts = append(csrfOpts, csrf.Domain(appCfg.SessionDomain))
	}
	csrfProtect := csrf.Protect([]byte(appCfg.CSRFKey), csrfOpts...)

	return func(next http.Handler) http.Handler {
		protected := csrfProtect(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if csrfExempt[req.URL.Path] || req.Header.Get("Authorization") != "" {
				next.ServeHTTP(w, req)
				return
			}
			if !secure && req.TLS == nil {
				req = csrf.PlaintextHTTPRequest(req)
			}
			protected.ServeHTTP(w, req)
		})
	}
}
