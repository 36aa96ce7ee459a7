// internal/app/system/auditlog/logger.go
package auditlog

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record
//   - LoginID / loginID / login_id: The human-readable string users type to log in

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dalemusser/stratashift/internal/app/store/audit"
	"github.com/dalemusser/stratashift/internal/app/system/network"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Destinations for a category.
const (
	DestAll = "all" // MongoDB + zap
	DestDB  = "db"  // MongoDB only
	DestLog = "log" // zap only
	DestOff = "off" // disabled
)

// Config holds audit logging configuration. Each field is one of
// "all", "db", "log" or "off"; empty means "all".
type Config struct {
	Auth         string // sign-in, logout, tokens, MFA
	Admin        string // user and announcement management
	Attendance   string // check-in, breaks, checkout
	Verification string // email OTP and face verification
}

// Store is the append-only sink for audit events.
type Store interface {
	Log(ctx context.Context, event audit.Event) error
}

// Logger provides convenience methods for logging audit events.
// It logs to MongoDB (via Store) and structured logs (via zap).
type Logger struct {
	store  Store
	zapLog *zap.Logger
	config Config
}

// New creates a new audit Logger.
func New(store Store, zapLog *zap.Logger, config Config) *Logger {
	return &Logger{
		store:  store,
		zapLog: zapLog,
		config: config,
	}
}

// logToZap logs the event to zap with consistent structure.
func (l *Logger) logToZap(event audit.Event) {
	fields := []zap.Field{
		zap.Bool("audit", true),
		zap.String("category", event.Category),
		zap.String("event_type", event.EventType),
		zap.Bool("success", event.Success),
		zap.String("ip", event.IP),
	}

	if event.UserID != nil {
		fields = append(fields, zap.String("user_id", event.UserID.Hex()))
	}
	if event.ActorID != nil {
		fields = append(fields, zap.String("actor_id", event.ActorID.Hex()))
	}
	if event.FailureReason != "" {
		fields = append(fields, zap.String("failure_reason", event.FailureReason))
	}
	for k, v := range event.Details {
		fields = append(fields, zap.String("detail_"+k, v))
	}

	if event.Success {
		l.zapLog.Info("audit event", fields...)
	} else {
		l.zapLog.Warn("audit event", fields...)
	}
}

func (l *Logger) destination(category string) string {
	var setting string
	switch category {
	case audit.CategoryAuth:
		setting = l.config.Auth
	case audit.CategoryAdmin:
		setting = l.config.Admin
	case audit.CategoryAttendance:
		setting = l.config.Attendance
	case audit.CategoryVerification:
		setting = l.config.Verification
	}
	if setting == "" {
		return DestAll
	}
	return setting
}

// Log records an audit event based on configuration.
// If the logger is nil, this is a no-op (allows tests to use nil audit logger).
func (l *Logger) Log(ctx context.Context, event audit.Event) {
	if l == nil {
		return
	}

	setting := l.destination(event.Category)
	if setting == DestOff {
		return
	}

	if setting == DestAll || setting == DestLog {
		l.logToZap(event)
	}

	if setting == DestAll || setting == DestDB {
		if err := l.store.Log(ctx, event); err != nil {
			l.zapLog.Error("failed to store audit event",
				zap.Error(err),
				zap.String("event_type", event.EventType),
			)
		}
	}
}

// Entry describes one event in terms of a request. Empty ids are omitted.
type Entry struct {
	Category      string
	EventType     string
	UserID        string
	ActorID       string
	Success       bool
	FailureReason string
	Details       map[string]string
}

// Record logs e with the client IP and user agent of r.
func (l *Logger) Record(ctx context.Context, r *http.Request, e Entry) {
	if l == nil {
		return
	}
	event := audit.Event{
		Category:      e.Category,
		EventType:     e.EventType,
		UserID:        oidPtr(e.UserID),
		ActorID:       oidPtr(e.ActorID),
		Success:       e.Success,
		FailureReason: e.FailureReason,
		Details:       e.Details,
	}
	if r != nil {
		event.IP = network.GetClientIP(r)
		event.UserAgent = r.UserAgent()
	}
	l.Log(ctx, event)
}

func oidPtr(hex string) *primitive.ObjectID {
	if hex == "" {
		return nil
	}
	oid, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return nil
	}
	return &oid
}

// --- Authentication Events ---

// LoginSuccess logs a successful employee login.
func (l *Logger) LoginSuccess(ctx context.Context, r *http.Request, userID, method, loginID string) {
	l.Record(ctx, r, Entry{
		Category:  audit.CategoryAuth,
		EventType: audit.EventLoginSuccess,
		UserID:    userID,
		Success:   true,
		Details:   map[string]string{"auth_method": method, "login_id": loginID},
	})
}

// LoginFailed logs a failed login. eventType is one of the
// audit.EventLoginFailed* constants; userID may be empty.
func (l *Logger) LoginFailed(ctx context.Context, r *http.Request, eventType, userID, loginID, reason string) {
	l.Record(ctx, r, Entry{
		Category:      audit.CategoryAuth,
		EventType:     eventType,
		UserID:        userID,
		FailureReason: reason,
		Details:       map[string]string{"login_id": loginID},
	})
}

// Logout logs a user logout.
func (l *Logger) Logout(ctx context.Context, r *http.Request, userID string, closed int64) {
	l.Record(ctx, r, Entry{
		Category:  audit.CategoryAuth,
		EventType: audit.EventLogout,
		UserID:    userID,
		Success:   true,
		Details:   map[string]string{"sessions_closed": strconv.FormatInt(closed, 10)},
	})
}

// Auth logs an admin authentication event (login, MFA, refresh, logout,
// revocation).
func (l *Logger) Auth(ctx context.Context, r *http.Request, eventType, adminID string, success bool, reason string, details map[string]string) {
	l.Record(ctx, r, Entry{
		Category:      audit.CategoryAuth,
		EventType:     eventType,
		UserID:        adminID,
		Success:       success,
		FailureReason: reason,
		Details:       details,
	})
}

// --- Admin Events ---

// AdminAction logs a successful admin change to a target user or object.
func (l *Logger) AdminAction(ctx context.Context, r *http.Request, eventType, actorID, targetUserID string, details map[string]string) {
	l.Record(ctx, r, Entry{
		Category:  audit.CategoryAdmin,
		EventType: eventType,
		ActorID:   actorID,
		UserID:    targetUserID,
		Success:   true,
		Details:   details,
	})
}

// --- Attendance Events ---

// Attendance logs an attendance transition for userID.
func (l *Logger) Attendance(ctx context.Context, r *http.Request, eventType, userID, day string, details map[string]string) {
	d := map[string]string{"day": day}
	for k, v := range details {
		d[k] = v
	}
	l.Record(ctx, r, Entry{
		Category:  audit.CategoryAttendance,
		EventType: eventType,
		UserID:    userID,
		Success:   true,
		Details:   d,
	})
}

// --- Verification Events ---

// Verification logs an OTP or face verification outcome.
func (l *Logger) Verification(ctx context.Context, r *http.Request, eventType, userID string, success bool, reason string, details map[string]string) {
	l.Record(ctx, r, Entry{
		Category:      audit.CategoryVerification,
		EventType:     eventType,
		UserID:        userID,
		Success:       success,
		FailureReason: reason,
		Details:       details,
	})
}

// FaceResult logs a face comparison outcome.
func (l *Logger) FaceResult(ctx context.Context, r *http.Request, userID string, matched bool, similarity float64, confidence string) {
	eventType := audit.EventFaceVerified
	reason := ""
	if !matched {
		eventType = audit.EventFaceFailed
		reason = "faces did not match"
	}
	l.Verification(ctx, r, eventType, userID, matched, reason, map[string]string{
		"similarity": strconv.FormatFloat(similarity, 'f', 4, 64),
		"confidence": confidence,
	})
}
