// internal/app/features/attendance/attendance.go
package attendance

import (
	"errors"
	"net/http"
	"strconv"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	"github.com/dalemusser/stratashift/internal/app/system/auditlog"
	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/stratashift/internal/app/system/inputval"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/stratashift/internal/app/system/timeclock"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"github.com/dalemusser/waffle/pantry/query"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler serves the employee time clock and the admin daily board.
type Handler struct {
	clock       *timeclock.Service
	auditLogger *auditlog.Logger
	errLog      *errorsfeature.ErrorLogger
	logger      *zap.Logger
}

// NewHandler creates a new attendance Handler.
func NewHandler(clock *timeclock.Service, auditLogger *auditlog.Logger, errLog *errorsfeature.ErrorLogger, logger *zap.Logger) *Handler {
	return &Handler{
		clock:       clock,
		auditLogger: auditLogger,
		errLog:      errLog,
		logger:      logger,
	}
}

// Routes returns the employee routes. The caller mounts them behind
// RequireSignedIn.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Post("/check-in", h.handleCheckIn)
	r.Post("/check-out", h.handleCheckOut)
	r.Post("/break/start", h.handleBreakStart)
	r.Post("/break/end", h.handleBreakEnd)
	r.Get("/history", h.handleHistory)
	r.Get("/analytics", h.handleAnalytics)
	return r
}

// AdminRoutes returns the admin routes. The caller mounts them behind the
// admin token middleware.
func AdminRoutes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.handleBoard)
	return r
}

type locationInput struct {
	Latitude  *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90" label:"Latitude"`
	Longitude *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180" label:"Longitude"`
	Address   string   `json:"address" validate:"max=500" label:"Address"`
}

func (l *locationInput) model() *models.Location {
	if l == nil || (l.Latitude == nil && l.Longitude == nil && l.Address == "") {
		return nil
	}
	return &models.Location{Latitude: l.Latitude, Longitude: l.Longitude, Address: l.Address}
}

type clockRequest struct {
	Location *locationInput `json:"location"`
	Note     string         `json:"note" validate:"max=500" label:"Note"`
}

// decodeClock reads the optional body of a check-in or check-out.
func decodeClock(w http.ResponseWriter, r *http.Request) (clockRequest, bool) {
	var in clockRequest
	if err := jsonutil.DecodeOptional(r, &in); err != nil {
		jsonutil.BadRequest(w, err.Error())
		return in, false
	}
	if res := inputval.Validate(in); res.HasErrors() {
		jsonutil.ValidationError(w, res.First(), res.Fields())
		return in, false
	}
	return in, true
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r)
	view, err := h.clock.Status(r.Context(), u.UserID())
	if err != nil {
		h.errLog.Log(r, "attendance status", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	jsonutil.OK(w, view)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeClock(w, r)
	if !ok {
		return
	}
	u, _ := auth.CurrentUser(r)
	rec, err := h.clock.CheckIn(r.Context(), u.UserID(), timeclock.CheckInInput{
		Location: in.Location.model(),
		Note:     in.Note,
	})
	if !h.transitionOK(w, r, "check-in", err) {
		return
	}

	h.auditLogger.Attendance(r.Context(), r, audit.EventCheckIn, u.ID, rec.Day, nil)
	if rec.IsLate() {
		h.auditLogger.Attendance(r.Context(), r, audit.EventLateCheckIn, u.ID, rec.Day, map[string]string{
			"late_minutes": strconv.Itoa(rec.LateMinutes),
		})
	}
	jsonutil.Created(w, rec)
}

func (h *Handler) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeClock(w, r)
	if !ok {
		return
	}
	u, _ := auth.CurrentUser(r)
	rec, err := h.clock.CheckOut(r.Context(), u.UserID(), timeclock.CheckOutInput{
		Location: in.Location.model(),
		Note:     in.Note,
	})
	if !h.transitionOK(w, r, "check-out", err) {
		return
	}
	h.auditLogger.Attendance(r.Context(), r, audit.EventCheckOut, u.ID, rec.Day, map[string]string{
		"worked_minutes":   strconv.Itoa(rec.WorkedMinutes),
		"overtime_minutes": strconv.Itoa(rec.OvertimeMinutes),
	})
	jsonutil.OK(w, rec)
}

func (h *Handler) handleBreakStart(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r)
	rec, err := h.clock.StartBreak(r.Context(), u.UserID())
	if !h.transitionOK(w, r, "break start", err) {
		return
	}
	h.auditLogger.Attendance(r.Context(), r, audit.EventBreakStart, u.ID, rec.Day, nil)
	jsonutil.OK(w, rec)
}

func (h *Handler) handleBreakEnd(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.CurrentUser(r)
	rec, err := h.clock.EndBreak(r.Context(), u.UserID())
	if !h.transitionOK(w, r, "break end", err) {
		return
	}
	h.auditLogger.Attendance(r.Context(), r, audit.EventBreakEnd, u.ID, rec.Day, map[string]string{
		"break_minutes": strconv.Itoa(rec.BreakMinutes),
	})
	jsonutil.OK(w, rec)
}

// transitionOK writes the error response for a failed transition: 409 for
// state errors, 500 otherwise.
func (h *Handler) transitionOK(w http.ResponseWriter, r *http.Request, action string, err error) bool {
	if err == nil {
		return true
	}
	if timeclock.IsConflict(err) {
		jsonutil.Conflict(w, err.Error())
		return false
	}
	h.errLog.LogWithFields(r, "attendance transition failed", err, zap.String("action", action))
	jsonutil.InternalError(w, "internal server error")
	return false
}

// resolveRange reads ?from&to, writing 400 when the range is unusable.
func (h *Handler) resolveRange(w http.ResponseWriter, r *http.Request) (timeclock.Range, bool) {
	rng, err := h.clock.ResolveRange(query.Get(r, "from"), query.Get(r, "to"))
	if err != nil {
		if errors.Is(err, timeclock.ErrInvalidRange) || errors.Is(err, timeclock.ErrRangeTooLarge) {
			jsonutil.BadRequest(w, err.Error())
			return rng, false
		}
		h.errLog.Log(r, "resolve range", err)
		jsonutil.InternalError(w, "internal server error")
		return rng, false
	}
	return rng, true
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.resolveRange(w, r)
	if !ok {
		return
	}
	u, _ := auth.CurrentUser(r)
	recs, err := h.clock.History(r.Context(), u.UserID(), rng)
	if err != nil {
		h.errLog.Log(r, "attendance history", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	if recs == nil {
		recs = []models.AttendanceRecord{}
	}
	jsonutil.OK(w, map[string]any{
		"from":    rng.From,
		"to":      rng.To,
		"records": recs,
	})
}

func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.resolveRange(w, r)
	if !ok {
		return
	}
	u, _ := auth.CurrentUser(r)
	sum, err := h.clock.Analytics(r.Context(), u.UserID(), rng)
	if err != nil {
		h.errLog.Log(r, "attendance analytics", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	jsonutil.OK(w, sum)
}

// handleBoard returns everyone's attendance for ?date (today by default).
func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	board, err := h.clock.DailyBoard(r.Context(), query.Get(r, "date"))
	if err != nil {
		if errors.Is(err, timeclock.ErrInvalidRange) {
			jsonutil.BadRequest(w, "date must be YYYY-MM-DD")
			return
		}
		h.errLog.Log(r, "attendance board", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	jsonutil.OK(w, board)
}
