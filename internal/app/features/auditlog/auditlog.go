// internal/app/features/auditlog/auditlog.go
package auditlog

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record
//   - LoginID / loginID / login_id: The human-readable string users type to log in

import (
	"net/http"
	"strconv"
	"time"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/waffle/pantry/query"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Paging defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Handler serves the read-only audit log to admins.
type Handler struct {
	auditStore *audit.Store
	userStore  *userstore.Store
	errLog     *errorsfeature.ErrorLogger
	logger     *zap.Logger
}

// NewHandler creates a new audit log Handler.
func NewHandler(
	auditStore *audit.Store,
	userStore *userstore.Store,
	errLog *errorsfeature.ErrorLogger,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		auditStore: auditStore,
		userStore:  userStore,
		errLog:     errLog,
		logger:     logger,
	}
}

// Item is one audit event with user names resolved.
type Item struct {
	audit.Event
	UserName  string `json:"user_name,omitempty"`
	ActorName string `json:"actor_name,omitempty"`
}

// Page is the list response.
type Page struct {
	Items  []Item `json:"items"`
	Total  int64  `json:"total"`
	Limit  int64  `json:"limit"`
	Offset int64  `json:"offset"`
}

var categories = map[string]bool{
	audit.CategoryAuth:         true,
	audit.CategoryAdmin:        true,
	audit.CategoryAttendance:   true,
	audit.CategoryVerification: true,
}

// Routes returns a chi.Router with audit log routes mounted. The caller
// mounts it behind the admin token middleware.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.list)
	return r
}

// list returns events newest first.
//
// Query parameters: category, event_type, user_id, actor_id, success
// (true|false), from and to (YYYY-MM-DD, inclusive, read in tz which
// defaults to UTC), limit, offset.
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter, fields := parseFilter(r)
	if len(fields) > 0 {
		jsonutil.ValidationError(w, "invalid filter", fields)
		return
	}

	ctx := r.Context()
	events, err := h.auditStore.Query(ctx, filter)
	if err != nil {
		h.errLog.Log(r, "failed to query audit events", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	total, err := h.auditStore.CountByFilter(ctx, filter)
	if err != nil {
		h.errLog.Log(r, "failed to count audit events", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	// Collect unique user IDs for name resolution
	seen := make(map[primitive.ObjectID]struct{})
	var ids []primitive.ObjectID
	for _, e := range events {
		for _, id := range []*primitive.ObjectID{e.UserID, e.ActorID} {
			if id == nil {
				continue
			}
			if _, ok := seen[*id]; !ok {
				seen[*id] = struct{}{}
				ids = append(ids, *id)
			}
		}
	}

	names := make(map[primitive.ObjectID]string, len(ids))
	if len(ids) > 0 {
		users, err := h.userStore.GetByIDs(ctx, ids)
		if err != nil {
			// Names are cosmetic; the events are still returned.
			h.logger.Warn("failed to fetch user names for audit log", zap.Error(err))
		}
		for _, u := range users {
			names[u.ID] = u.FullName
		}
	}

	items := make([]Item, 0, len(events))
	for _, e := range events {
		it := Item{Event: e}
		if e.UserID != nil {
			it.UserName = names[*e.UserID]
		}
		if e.ActorID != nil {
			it.ActorName = names[*e.ActorID]
		}
		items = append(items, it)
	}

	jsonutil.OK(w, Page{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

// parseFilter reads the query string into a filter. Invalid values are
// reported per field rather than silently ignored.
func parseFilter(r *http.Request) (audit.QueryFilter, map[string]string) {
	fields := map[string]string{}
	filter := audit.QueryFilter{
		Category:  query.Get(r, "category"),
		EventType: query.Get(r, "event_type"),
		Limit:     DefaultLimit,
	}

	if filter.Category != "" && !categories[filter.Category] {
		fields["category"] = "Unknown category"
	}
	for _, key := range []string{"user_id", "actor_id"} {
		v := query.Get(r, key)
		if v == "" {
			continue
		}
		id, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			fields[key] = "Invalid ID"
			continue
		}
		if key == "user_id" {
			filter.UserID = &id
		} else {
			filter.ActorID = &id
		}
	}
	if v := query.Get(r, "success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fields["success"] = "Must be true or false"
		} else {
			filter.Success = &b
		}
	}

	loc := time.UTC
	if tz := query.Get(r, "tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			fields["tz"] = "Unknown time zone"
		} else {
			loc = l
		}
	}
	if v := query.Get(r, "from"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			fields["from"] = "Use YYYY-MM-DD"
		} else {
			filter.StartTime = &t
		}
	}
	if v := query.Get(r, "to"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			fields["to"] = "Use YYYY-MM-DD"
		} else {
			// End of day
			end := t.AddDate(0, 0, 1).Add(-time.Nanosecond)
			filter.EndTime = &end
		}
	}
	if filter.StartTime != nil && filter.EndTime != nil && filter.StartTime.After(*filter.EndTime) {
		fields["from"] = "Must not be after to"
	}

	if v := query.Get(r, "limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			fields["limit"] = "Must be a positive number"
		} else {
			filter.Limit = min(n, MaxLimit)
		}
	}
	if v := query.Get(r, "offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			fields["offset"] = "Must not be negative"
		} else {
			filter.Offset = n
		}
	}
	return filter, fields
}
