// internal/app/bootstrap/config.go
package bootstrap

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dalemusser/stratashift/internal/app/system/shift"
	"github.com/dalemusser/waffle/config"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.uber.org/zap"
)

// EnvVarPrefix is the prefix for environment variables.
const EnvVarPrefix = "STRATASHIFT"

// Development defaults for secrets. ValidateConfig refuses them in prod.
const (
	devSessionKey  = "dev-only-change-me-please-0123456789ABCDEF"
	devCSRFKey     = "dev-only-csrf-key-please-change-0123456789"
	devBearerKey   = "dev-only-bearer-key-please-change-0123456"
	devAdminSecret = "dev-only-admin-token-secret-change-012345"
)

// appConfigKeys defines the configuration keys for this application.
// These are loaded via WAFFLE's config system with support for:
//   - Config files: mongo_uri, shift_start, etc.
//   - Environment variables: STRATASHIFT_MONGO_URI, STRATASHIFT_SHIFT_START, etc.
//   - Command-line flags: --mongo_uri, --shift_start, etc.
var appConfigKeys = []config.AppKey{
	{Name: "mongo_uri", Default: "mongodb://localhost:27017", Desc: "MongoDB connection URI"},
	{Name: "mongo_database", Default: "stratashift", Desc: "MongoDB database name"},
	{Name: "mongo_max_pool_size", Default: 100, Desc: "MongoDB max connection pool size (default: 100)"},
	{Name: "mongo_min_pool_size", Default: 10, Desc: "MongoDB min connection pool size (default: 10)"},

	// Employee sessions
	{Name: "session_key", Default: devSessionKey, Desc: "Session signing key (must be strong in production)"},
	{Name: "session_name", Default: "stratashift-session", Desc: "Session cookie name"},
	{Name: "session_domain", Default: "", Desc: "Session cookie domain (blank means current host)"},
	{Name: "session_max_age", Default: "24h", Desc: "Session lifetime for cookies and bearer tokens (e.g., 24h, 12h)"},
	{Name: "session_idle_timeout", Default: "12h", Desc: "Close sessions idle longer than this"},
	{Name: "bearer_secret", Default: devBearerKey, Desc: "Employee bearer token key (must be strong in production)"},

	// Rate limiting configuration
	{Name: "rate_limit_enabled", Default: true, Desc: "Enable lockout after repeated failed sign-ins"},
	{Name: "rate_limit_login_attempts", Default: 5, Desc: "Max failed sign-in attempts before lockout"},
	{Name: "rate_limit_login_window", Default: "15m", Desc: "Time window for counting failed attempts"},
	{Name: "rate_limit_login_lockout", Default: "15m", Desc: "Lockout duration after exceeding limit"},

	{Name: "csrf_key", Default: devCSRFKey, Desc: "CSRF token signing key (32+ chars in production)"},

	// Admin tokens
	{Name: "admin_token_secret", Default: devAdminSecret, Desc: "Admin access token signing key (must be strong in production)"},
	{Name: "admin_token_issuer", Default: "stratashift-admin", Desc: "Issuer claim on admin tokens"},
	{Name: "admin_access_ttl", Default: "15m", Desc: "Admin access token lifetime"},
	{Name: "admin_refresh_ttl", Default: "168h", Desc: "Admin refresh token lifetime"},
	{Name: "admin_challenge_ttl", Default: "5m", Desc: "MFA challenge lifetime"},
	{Name: "admin_session_retention", Default: "720h", Desc: "How long revoked or expired admin sessions are kept"},
	{Name: "mfa_issuer", Default: "StrataShift", Desc: "Issuer name shown in authenticator apps"},
	{Name: "admin_cors_origins", Default: "", Desc: "Comma-separated origins allowed to call /api/admin (blank allows any)"},

	// Email OTP
	{Name: "otp_ttl", Default: "10m", Desc: "Email verification code lifetime"},
	{Name: "otp_max_attempts", Default: 5, Desc: "Wrong codes before a verification session is invalidated"},

	// Shift policy
	{Name: "shift_start", Default: "09:00", Desc: "Default shift start (HH:MM)"},
	{Name: "shift_timezone", Default: "UTC", Desc: "IANA time zone for workdays and lateness"},
	{Name: "shift_grace", Default: "0s", Desc: "Check-ins within this of the shift start are on time"},
	{Name: "shift_standard_minutes", Default: 480, Desc: "Worked minutes per day before overtime"},
	{Name: "shift_workdays", Default: shift.DefaultWorkdayRule, Desc: "RRULE describing workdays"},
	{Name: "autoclose_after", Default: "16h", Desc: "Close attendance records left open longer than this"},

	// Broadcast store
	{Name: "pocketbase_url", Default: "", Desc: "PocketBase base URL (blank disables the realtime mirror)"},
	{Name: "pocketbase_token", Default: "", Desc: "PocketBase superuser token"},
	{Name: "pocketbase_timeout", Default: "10s", Desc: "PocketBase per-request timeout"},
	{Name: "outbox_max_attempts", Default: 10, Desc: "Mirror replays before an outbox entry is dropped"},
	{Name: "outbox_base_backoff", Default: "1m", Desc: "First mirror replay delay"},
	{Name: "outbox_max_backoff", Default: "1h", Desc: "Maximum mirror replay delay"},

	// Face verification
	{Name: "face_url", Default: "", Desc: "Face++ API base URL (blank disables face verification)"},
	{Name: "face_api_key", Default: "", Desc: "Face++ API key"},
	{Name: "face_api_secret", Default: "", Desc: "Face++ API secret"},
	{Name: "face_timeout", Default: "20s", Desc: "Face++ request timeout"},

	// Telegram
	{Name: "telegram_token", Default: "", Desc: "Telegram bot token for late check-in alerts (blank disables)"},
	{Name: "telegram_chat_id", Default: 0, Desc: "Telegram chat that receives late check-in alerts"},

	// Email/SMTP configuration
	{Name: "mail_smtp_host", Default: "", Desc: "SMTP server host (blank logs emails instead)"},
	{Name: "mail_smtp_port", Default: 1025, Desc: "SMTP server port"},
	{Name: "mail_smtp_user", Default: "", Desc: "SMTP username"},
	{Name: "mail_smtp_pass", Default: "", Desc: "SMTP password"},
	{Name: "mail_from", Default: "noreply@example.com", Desc: "From email address"},
	{Name: "mail_from_name", Default: "StrataShift", Desc: "From display name"},

	{Name: "base_url", Default: "http://localhost:8080", Desc: "Public URL of this API"},
	{Name: "frontend_url", Default: "http://localhost:3000", Desc: "Frontend URL used after Google sign-in"},

	// Audit logging settings
	{Name: "audit_log_auth", Default: "all", Desc: "Auth event logging: 'all' (db+log), 'db', 'log', or 'off'"},
	{Name: "audit_log_admin", Default: "all", Desc: "Admin event logging: 'all' (db+log), 'db', 'log', or 'off'"},
	{Name: "audit_log_attendance", Default: "db", Desc: "Attendance event logging: 'all' (db+log), 'db', 'log', or 'off'"},
	{Name: "audit_log_verification", Default: "all", Desc: "Verification event logging: 'all' (db+log), 'db', 'log', or 'off'"},

	// Google OAuth configuration
	{Name: "google_client_id", Default: "", Desc: "Google OAuth2 client ID"},
	{Name: "google_client_secret", Default: "", Desc: "Google OAuth2 client secret"},

	// Admin seeding configuration
	{Name: "seed_admin_login_id", Default: "", Desc: "Login ID of the admin created when none exists"},
	{Name: "seed_admin_password", Default: "", Desc: "Password of the seeded admin"},
	{Name: "seed_admin_name", Default: "Administrator", Desc: "Name of the seeded admin"},
	{Name: "seed_admin_email", Default: "", Desc: "Email of the seeded admin"},

	// Timeouts
	{Name: "timeout_ping", Default: "2s", Desc: "Health ping timeout"},
	{Name: "timeout_short", Default: "5s", Desc: "Single-document operation timeout"},
	{Name: "timeout_medium", Default: "10s", Desc: "List and multi-step operation timeout"},
	{Name: "timeout_long", Default: "30s", Desc: "Analytics and background job timeout"},
	{Name: "timeout_mirror", Default: "5s", Desc: "Broadcast store write timeout"},
	{Name: "timeout_external", Default: "20s", Desc: "Third-party call timeout"},
}

// LoadConfig loads WAFFLE core config and app-specific config.
//
// It is called early in startup so that both WAFFLE and the app have
// access to configuration before any backends or handlers are built.
//
// WAFFLE's config.LoadWithAppConfig handles:
//   - Loading from .env files
//   - Loading from config.yaml/json/toml files
//   - Reading environment variables (WAFFLE_* for core, STRATASHIFT_* for app)
//   - Parsing command-line flags
//   - Merging with precedence: flags > env > files > defaults
func LoadConfig(logger *zap.Logger) (*config.CoreConfig, AppConfig, error) {
	coreCfg, appValues, err := config.LoadWithAppConfig(logger, EnvVarPrefix, appConfigKeys)
	if err != nil {
		return nil, AppConfig{}, err
	}

	appCfg := AppConfig{
		MongoURI:         appValues.String("mongo_uri"),
		MongoDatabase:    appValues.String("mongo_database"),
		MongoMaxPoolSize: uint64(appValues.Int("mongo_max_pool_size")),
		MongoMinPoolSize: uint64(appValues.Int("mongo_min_pool_size")),

		SessionKey:         appValues.String("session_key"),
		SessionName:        appValues.String("session_name"),
		SessionDomain:      appValues.String("session_domain"),
		SessionMaxAge:      appValues.Duration("session_max_age", 24*time.Hour),
		SessionIdleTimeout: appValues.Duration("session_idle_timeout", 12*time.Hour),
		BearerSecret:       appValues.String("bearer_secret"),

		// Rate limiting
		RateLimitEnabled:       appValues.Bool("rate_limit_enabled"),
		RateLimitLoginAttempts: appValues.Int("rate_limit_login_attempts"),
		RateLimitLoginWindow:   appValues.Duration("rate_limit_login_window", 15*time.Minute),
		RateLimitLoginLockout:  appValues.Duration("rate_limit_login_lockout", 15*time.Minute),

		CSRFKey: appValues.String("csrf_key"),

		// Admin tokens
		AdminTokenSecret:      appValues.String("admin_token_secret"),
		AdminTokenIssuer:      appValues.String("admin_token_issuer"),
		AdminAccessTTL:        appValues.Duration("admin_access_ttl", 15*time.Minute),
		AdminRefreshTTL:       appValues.Duration("admin_refresh_ttl", 7*24*time.Hour),
		AdminChallengeTTL:     appValues.Duration("admin_challenge_ttl", 5*time.Minute),
		AdminSessionRetention: appValues.Duration("admin_session_retention", 30*24*time.Hour),
		MFAIssuer:             appValues.String("mfa_issuer"),
		AdminCORSOrigins:      splitList(appValues.String("admin_cors_origins")),

		// Email OTP
		OTPTTL:         appValues.Duration("otp_ttl", 10*time.Minute),
		OTPMaxAttempts: appValues.Int("otp_max_attempts"),

		// Shift policy
		ShiftStart:           appValues.String("shift_start"),
		ShiftTimezone:        appValues.String("shift_timezone"),
		ShiftGrace:           appValues.Duration("shift_grace", 0),
		ShiftStandardMinutes: appValues.Int("shift_standard_minutes"),
		ShiftWorkdays:        appValues.String("shift_workdays"),
		AutoCloseAfter:       appValues.Duration("autoclose_after", 16*time.Hour),

		// Broadcast store
		PocketBaseURL:     appValues.String("pocketbase_url"),
		PocketBaseToken:   appValues.String("pocketbase_token"),
		PocketBaseTimeout: appValues.Duration("pocketbase_timeout", 10*time.Second),
		OutboxMaxAttempts: appValues.Int("outbox_max_attempts"),
		OutboxBaseBackoff: appValues.Duration("outbox_base_backoff", time.Minute),
		OutboxMaxBackoff:  appValues.Duration("outbox_max_backoff", time.Hour),

		// Face verification
		FaceURL:       appValues.String("face_url"),
		FaceAPIKey:    appValues.String("face_api_key"),
		FaceAPISecret: appValues.String("face_api_secret"),
		FaceTimeout:   appValues.Duration("face_timeout", 20*time.Second),

		// Telegram
		TelegramToken:  appValues.String("telegram_token"),
		TelegramChatID: appValues.Int("telegram_chat_id"),

		// Email/SMTP
		MailSMTPHost: appValues.String("mail_smtp_host"),
		MailSMTPPort: appValues.Int("mail_smtp_port"),
		MailSMTPUser: appValues.String("mail_smtp_user"),
		MailSMTPPass: appValues.String("mail_smtp_pass"),
		MailFrom:     appValues.String("mail_from"),
		MailFromName: appValues.String("mail_from_name"),

		BaseURL:     appValues.String("base_url"),
		FrontendURL: appValues.String("frontend_url"),

		// Audit logging
		AuditLogAuth:         appValues.String("audit_log_auth"),
		AuditLogAdmin:        appValues.String("audit_log_admin"),
		AuditLogAttendance:   appValues.String("audit_log_attendance"),
		AuditLogVerification: appValues.String("audit_log_verification"),

		// Google OAuth
		GoogleClientID:     appValues.String("google_client_id"),
		GoogleClientSecret: appValues.String("google_client_secret"),

		// Admin seeding
		SeedAdminLoginID:  appValues.String("seed_admin_login_id"),
		SeedAdminPassword: appValues.String("seed_admin_password"),
		SeedAdminName:     appValues.String("seed_admin_name"),
		SeedAdminEmail:    appValues.String("seed_admin_email"),

		// Timeouts
		TimeoutPing:     appValues.Duration("timeout_ping", 2*time.Second),
		TimeoutShort:    appValues.Duration("timeout_short", 5*time.Second),
		TimeoutMedium:   appValues.Duration("timeout_medium", 10*time.Second),
		TimeoutLong:     appValues.Duration("timeout_long", 30*time.Second),
		TimeoutMirror:   appValues.Duration("timeout_mirror", 5*time.Second),
		TimeoutExternal: appValues.Duration("timeout_external", 20*time.Second),
	}

	return coreCfg, appCfg, nil
}

// ValidateConfig performs app-specific config validation.
//
// Return nil to accept the loaded config, or an error to abort startup.
// All problems are collected so a misconfigured deployment reports them
// in one pass.
func ValidateConfig(coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) error {
	if err := wafflemongo.ValidateURI(appCfg.MongoURI); err != nil {
		logger.Error("invalid MongoDB URI", zap.Error(err))
		return fmt.Errorf("invalid MongoDB URI: %w", err)
	}

	var errs []error
	if _, _, _, err := shift.ParseClock(appCfg.ShiftStart); err != nil {
		errs = append(errs, fmt.Errorf("shift_start: %w", err))
	}
	loc, err := time.LoadLocation(appCfg.ShiftTimezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("shift_timezone: %w", err))
	} else if _, err := shift.NewCalendar(appCfg.ShiftWorkdays, loc); err != nil {
		errs = append(errs, fmt.Errorf("shift_workdays: %w", err))
	}
	if appCfg.ShiftStandardMinutes <= 0 {
		errs = append(errs, errors.New("shift_standard_minutes must be positive"))
	}

	if appCfg.FaceURL != "" {
		if err := validateHTTPURL(appCfg.FaceURL); err != nil {
			errs = append(errs, fmt.Errorf("face_url: %w", err))
		}
		if appCfg.FaceAPIKey == "" || appCfg.FaceAPISecret == "" {
			errs = append(errs, errors.New("face_api_key and face_api_secret are required when face_url is set"))
		}
	}
	if appCfg.PocketBaseURL != "" {
		if err := validateHTTPURL(appCfg.PocketBaseURL); err != nil {
			errs = append(errs, fmt.Errorf("pocketbase_url: %w", err))
		}
	}
	if appCfg.TelegramToken != "" && appCfg.TelegramChatID == 0 {
		errs = append(errs, errors.New("telegram_chat_id is required when telegram_token is set"))
	}

	if coreCfg.Env == "prod" {
		secrets := map[string]struct{ value, dev string }{
			"session_key":        {appCfg.SessionKey, devSessionKey},
			"csrf_key":           {appCfg.CSRFKey, devCSRFKey},
			"bearer_secret":      {appCfg.BearerSecret, devBearerKey},
			"admin_token_secret": {appCfg.AdminTokenSecret, devAdminSecret},
		}
		for name, s := range secrets {
			if s.value == "" || s.value == s.dev || len(s.value) < 32 {
				errs = append(errs, fmt.Errorf("%s must be set to a strong value (32+ chars) in production", name))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	return nil
}

// splitList splits a comma-separated setting, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
