// internal/app/features/health/health.go
package health

import (
	"context"
	"errors"
	"net/http"

	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/stratashift/internal/app/system/timeouts"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Service states reported under "services".
const (
	StateOK          = "ok"
	StateUnavailable = "unavailable"
	StateDisabled    = "disabled"
)

// Pinger checks connectivity to one backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler provides health check endpoints.
type Handler struct {
	mongo     Pinger
	broadcast Pinger
	logger    *zap.Logger
}

// NewHandler creates a new health check Handler. The broadcast pinger may
// be nil when no broadcast store is configured.
func NewHandler(mongo, bcast Pinger, logger *zap.Logger) *Handler {
	return &Handler{
		mongo:     mongo,
		broadcast: bcast,
		logger:    logger,
	}
}

// Response represents the health check response.
type Response struct {
	Success  bool              `json:"success"`
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}

// Routes returns a chi.Router with health check routes mounted.
// Provides /health (full check), /health/ready, and /health/live.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.Check)
	r.Get("/ready", h.Ready)
	r.Get("/live", h.Live)
	return r
}

// MountRootEndpoints adds the Kubernetes probe aliases /readyz and /livez
// directly on the root router.
func MountRootEndpoints(r chi.Router, h *Handler) {
	r.Get("/readyz", h.Ready)
	r.Get("/livez", h.Live)
}

// Check reports connectivity of every backend. Only the document store
// decides the overall status; the broadcast store is informational.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Success:  true,
		Status:   "ok",
		Services: make(map[string]string, 2),
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Ping())
	defer cancel()

	if err := h.mongo.Ping(ctx); err != nil {
		resp.Success = false
		resp.Status = "degraded"
		resp.Services["mongodb"] = StateUnavailable
		h.logger.Warn("health check: mongodb ping failed", zap.Error(err))
	} else {
		resp.Services["mongodb"] = StateOK
	}

	resp.Services["broadcast"] = h.broadcastState(ctx)

	code := http.StatusOK
	if !resp.Success {
		code = http.StatusServiceUnavailable
	}
	jsonutil.JSON(w, code, resp)
}

func (h *Handler) broadcastState(ctx context.Context) string {
	if h.broadcast == nil {
		return StateDisabled
	}
	err := h.broadcast.Ping(ctx)
	switch {
	case err == nil:
		return StateOK
	case errors.Is(err, broadcast.ErrDisabled):
		return StateDisabled
	default:
		h.logger.Warn("health check: broadcast ping failed", zap.Error(err))
		return StateUnavailable
	}
}

// Ready checks if the service is ready to accept requests.
// Used by Kubernetes readiness probes.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Ping())
	defer cancel()

	if err := h.mongo.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		jsonutil.JSON(w, http.StatusServiceUnavailable, Response{Success: false, Status: "not ready"})
		return
	}
	jsonutil.JSON(w, http.StatusOK, Response{Success: true, Status: "ready"})
}

// Live checks if the service is alive.
// Used by Kubernetes liveness probes.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	jsonutil.JSON(w, http.StatusOK, Response{Success: true, Status: "alive"})
}
