// Package errors holds the JSON fallbacks for requests no feature answers
// (unknown routes, CSRF failures, panics) and the request-scoped error
// logger the features share.
package errors

import (
	"net/http"
	"runtime/debug"

	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"go.uber.org/zap"
)

// requestFields identifies the request in a log entry.
func requestFields(r *http.Request) []zap.Field {
	return []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	}
}

// ErrorLogger logs handler failures with the request they belong to.
type ErrorLogger struct {
	logger *zap.Logger
}

func NewErrorLogger(logger *zap.Logger) *ErrorLogger {
	return &ErrorLogger{logger: logger}
}

// Log records err at error level.
func (e *ErrorLogger) Log(r *http.Request, msg string, err error) {
	e.LogWithFields(r, msg, err)
}

// LogWithFields is Log with extra fields.
func (e *ErrorLogger) LogWithFields(r *http.Request, msg string, err error, fields ...zap.Field) {
	fs := append(requestFields(r), zap.Error(err))
	e.logger.Error(msg, append(fs, fields...)...)
}

// Handler answers requests that never reach a feature.
type Handler struct {
	logger *zap.Logger
}

func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{logger: logger}
}

func (h *Handler) NotFound(w http.ResponseWriter, _ *http.Request) {
	jsonutil.NotFound(w, "route not found")
}

func (h *Handler) MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	jsonutil.MethodNotAllowed(w, "method not allowed")
}

// CSRFFailure is installed as the gorilla/csrf error handler.
func (h *Handler) CSRFFailure(w http.ResponseWriter, r *http.Request) {
	reason := "unknown"
	if err := csrf.FailureReason(r); err != nil {
		reason = err.Error()
	}
	h.logger.Info("csrf check failed", append(requestFields(r), zap.String("reason", reason))...)
	jsonutil.Forbidden(w, "invalid or missing CSRF token")
}

// Recoverer converts a handler panic into a logged 500. http.ErrAbortHandler
// is re-raised so net/http can abort the connection.
func (h *Handler) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			switch p {
			case nil:
				return
			case http.ErrAbortHandler:
				panic(p)
			}
			h.logger.Error("panic serving request", append(requestFields(r),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))...)
			jsonutil.InternalError(w, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}
