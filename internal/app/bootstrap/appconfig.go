// internal/app/bootstrap/appconfig.go
package bootstrap

import "time"

// AppConfig holds service-specific configuration for this WAFFLE app.
//
// These values come from environment variables, configuration files, or
// command-line flags (loaded in LoadConfig). They represent *app-level*
// configuration, not WAFFLE core configuration.
//
// WAFFLE's CoreConfig handles framework-level settings like:
//   - HTTP/HTTPS ports and TLS configuration
//   - Logging level and format
//   - CORS settings
//   - Request body size limits
//   - Database connection timeouts
//
// AppConfig carries everything specific to StrataShift: the document
// store, the broadcast mirror, token secrets, the shift policy and the
// third-party providers (face matching, Telegram, SMTP, Google).
type AppConfig struct {
	// MongoDB connection configuration
	MongoURI         string // MongoDB connection string (e.g., mongodb://localhost:27017)
	MongoDatabase    string // Database name within MongoDB
	MongoMaxPoolSize uint64 // Maximum connections in pool (default: 100)
	MongoMinPoolSize uint64 // Minimum connections to keep warm (default: 10)

	// Employee session configuration
	SessionKey         string        // Secret key for signing session cookies (must be strong in production)
	SessionName        string        // Cookie name for sessions
	SessionDomain      string        // Cookie domain (blank means current host)
	SessionMaxAge      time.Duration // Session lifetime, cookie and bearer (default: 24h)
	SessionIdleTimeout time.Duration // Sessions idle this long are closed by the cleanup job (default: 12h)
	BearerSecret       string        // Key for employee bearer tokens (PASETO)

	// Rate limiting configuration
	RateLimitEnabled       bool          // Enable lockout after repeated failed sign-ins (default: true)
	RateLimitLoginAttempts int           // Max failed attempts before lockout (default: 5)
	RateLimitLoginWindow   time.Duration // Time window for counting failed attempts (default: 15m)
	RateLimitLoginLockout  time.Duration // Lockout duration after exceeding limit (default: 15m)

	// CSRF protection configuration
	CSRFKey string // Secret key for CSRF token signing (32 bytes, must be strong in production)

	// Admin token configuration
	AdminTokenSecret      string        // HS256 key for admin access tokens
	AdminTokenIssuer      string        // iss claim on admin tokens
	AdminAccessTTL        time.Duration // default: 15m
	AdminRefreshTTL       time.Duration // default: 168h
	AdminChallengeTTL     time.Duration // MFA challenge lifetime (default: 5m)
	AdminSessionRetention time.Duration // revoked/expired admin sessions kept this long (default: 720h)
	MFAIssuer             string        // name shown in authenticator apps

	// AdminCORSOrigins restricts which origins may call /api/admin.
	// Empty allows any origin; admin calls carry no cookies.
	AdminCORSOrigins []string

	// Email OTP configuration
	OTPTTL         time.Duration // code lifetime (default: 10m)
	OTPMaxAttempts int           // wrong codes before the session is invalidated (default: 5)

	// Shift policy
	ShiftStart           string        // default shift start, HH:MM
	ShiftTimezone        string        // IANA zone for workdays and lateness
	ShiftGrace           time.Duration // check-ins within this of the start are on time
	ShiftStandardMinutes int           // worked minutes beyond this are overtime
	ShiftWorkdays        string        // RRULE for workdays (e.g., FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR)
	AutoCloseAfter       time.Duration // open records older than this are closed by the autoclose job

	// Broadcast store (PocketBase) configuration
	PocketBaseURL     string        // blank disables the mirror
	PocketBaseToken   string        // superuser token
	PocketBaseTimeout time.Duration // per-request timeout
	OutboxMaxAttempts int           // replays before an outbox entry is dropped
	OutboxBaseBackoff time.Duration // first replay delay, doubled per attempt
	OutboxMaxBackoff  time.Duration // replay delay ceiling

	// Face verification (Face++) configuration
	FaceURL       string // blank disables face verification
	FaceAPIKey    string
	FaceAPISecret string
	FaceTimeout   time.Duration

	// Late check-in notifications (Telegram)
	TelegramToken  string // blank disables notifications
	TelegramChatID int

	// Email/SMTP configuration
	MailSMTPHost string // SMTP server host (blank logs emails instead of sending)
	MailSMTPPort int    // SMTP server port (e.g., 1025 for Mailpit, 587 for SES)
	MailSMTPUser string // SMTP username
	MailSMTPPass string // SMTP password
	MailFrom     string // From email address (e.g., noreply@example.com)
	MailFromName string // From display name, also the app name in OTP emails

	// Public URLs
	BaseURL     string // this API's public URL (OAuth callback)
	FrontendURL string // where the browser lands after Google sign-in

	// Audit logging configuration
	// Values: "all" (MongoDB + zap), "db" (MongoDB only), "log" (zap only), "off" (disabled)
	AuditLogAuth         string // sign-in, logout, tokens, MFA
	AuditLogAdmin        string // user and announcement management
	AuditLogAttendance   string // check-in, breaks, checkout
	AuditLogVerification string // email OTP and face verification

	// Google OAuth configuration
	GoogleClientID     string // Google OAuth2 client ID
	GoogleClientSecret string // Google OAuth2 client secret

	// Admin seeding configuration
	SeedAdminLoginID  string // blank disables seeding
	SeedAdminPassword string
	SeedAdminName     string
	SeedAdminEmail    string

	// Operation timeouts
	TimeoutPing     time.Duration
	TimeoutShort    time.Duration
	TimeoutMedium   time.Duration
	TimeoutLong     time.Duration
	TimeoutMirror   time.Duration
	TimeoutExternal time.Duration
}
