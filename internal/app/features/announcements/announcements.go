// internal/app/features/announcements/announcements.go
package announcements

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/announcement"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	"github.com/dalemusser/stratashift/internal/app/system/auditlog"
	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"github.com/dalemusser/stratashift/internal/app/system/htmlsanitize"
	"github.com/dalemusser/stratashift/internal/app/system/inputval"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/stratashift/internal/app/system/txn"
	"github.com/dalemusser/stratashift/internal/app/system/writethrough"
	"github.com/dalemusser/waffle/pantry/query"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// Collection is the broadcast collection announcements are mirrored to.
const Collection = "announcements"

// Paging defaults for the admin list.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Handler provides the employee and admin announcement endpoints.
type Handler struct {
	db          *mongo.Database
	store       *announcement.Store
	coord       *writethrough.Coordinator
	auditLogger *auditlog.Logger
	errLog      *errorsfeature.ErrorLogger
	logger      *zap.Logger
	now         func() time.Time
}

// NewHandler creates a new announcements Handler.
func NewHandler(
	db *mongo.Database,
	store *announcement.Store,
	coord *writethrough.Coordinator,
	auditLogger *auditlog.Logger,
	errLog *errorsfeature.ErrorLogger,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		db:          db,
		store:       store,
		coord:       coord,
		auditLogger: auditLogger,
		errLog:      errLog,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Routes returns the employee routes. The caller mounts them behind
// RequireSignedIn.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.listVisible)
	r.Post("/{id}/view", h.view)
	return r
}

// AdminRoutes returns the admin routes. The caller mounts them behind the
// admin token middleware.
func AdminRoutes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.show)
	r.Patch("/{id}", h.update)
	r.Delete("/{id}", h.delete)
	r.Post("/{id}/publish", h.publish)
	r.Post("/{id}/unpublish", h.unpublish)
	return r
}

// BroadcastData is the announcement as pushed to subscribers.
func BroadcastData(a *announcement.Announcement) map[string]any {
	data := map[string]any{
		"announcement_id": a.ID.Hex(),
		"title":           a.Title,
		"content":         a.Content,
		"type":            string(a.Type),
		"pinned":          a.Pinned,
		"active":          a.Active,
		"publish_at":      a.PublishAt.UTC().Format(time.RFC3339),
		"expires_at":      "",
		"view_count":      a.ViewCount,
	}
	if a.ExpiresAt != nil {
		data["expires_at"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return data
}

func mirror(a *announcement.Announcement) []broadcast.Mutation {
	return []broadcast.Mutation{broadcast.Put(Collection, a.ID.Hex(), BroadcastData(a))}
}

// VisibleItem is an announcement as listed to an employee.
type VisibleItem struct {
	announcement.Announcement
	Viewed bool `json:"viewed"`
}

// listVisible returns what employees can see now, pinned first then newest,
// flagged with whether the caller has viewed each one.
func (h *Handler) listVisible(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, _ := auth.CurrentUser(r)

	anns, err := h.store.ListVisible(ctx, h.now())
	if err != nil {
		h.errLog.Log(r, "list visible announcements", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	ids := make([]primitive.ObjectID, 0, len(anns))
	for _, a := range anns {
		ids = append(ids, a.ID)
	}
	seen, err := h.store.ViewedBy(ctx, u.UserID(), ids)
	if err != nil {
		h.errLog.Log(r, "load announcement views", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	out := make([]VisibleItem, 0, len(anns))
	for _, a := range anns {
		out = append(out, VisibleItem{Announcement: a, Viewed: seen[a.ID]})
	}
	jsonutil.OK(w, out)
}

// view counts the caller's first view of a visible announcement.
func (h *Handler) view(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	u, _ := auth.CurrentUser(r)

	ann, err := h.store.GetByID(ctx, id)
	if err == nil && !ann.Visible(h.now()) {
		err = announcement.ErrNotFound
	}
	if err != nil {
		h.storeError(w, r, "load announcement", err)
		return
	}

	var counted bool
	var count int64
	err = h.coord.Do(ctx, "announcement.view", func(ctx context.Context) ([]broadcast.Mutation, error) {
		var err error
		counted, count, err = h.store.RecordView(ctx, id, u.UserID())
		if err != nil || !counted {
			return nil, err
		}
		return []broadcast.Mutation{broadcast.Increment(Collection, id.Hex(), "view_count", 1)}, nil
	})
	if err != nil {
		h.storeError(w, r, "record announcement view", err)
		return
	}
	jsonutil.OK(w, map[string]any{"counted": counted, "view_count": count})
}

// list returns every announcement, newest first, with paging.
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	ctx := r.Context()

	anns, err := h.store.List(ctx, limit, offset)
	if err != nil {
		h.errLog.Log(r, "list announcements", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	total, err := h.store.Count(ctx)
	if err != nil {
		h.errLog.Log(r, "count announcements", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	if anns == nil {
		anns = []announcement.Announcement{}
	}
	jsonutil.OK(w, map[string]any{
		"items":  anns,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

type createRequest struct {
	Title     string     `json:"title" validate:"required,max=200" label:"Title"`
	Content   string     `json:"content" validate:"required,max=20000" label:"Content"`
	Type      string     `json:"type" validate:"omitempty,announcementtype" label:"Type"`
	Pinned    bool       `json:"pinned"`
	Active    *bool      `json:"active"`
	PublishAt *time.Time `json:"publish_at"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// errTitleRequired is reported when a title is empty once markup is removed.
const errTitleRequired = "Title is required"

// create stores a new announcement. It is active unless the request says
// otherwise, and publishes now when publish_at is omitted.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in createRequest
	if err := jsonutil.Decode(r, &in); err != nil {
		jsonutil.BadRequest(w, err.Error())
		return
	}
	if res := inputval.Validate(in); res.HasErrors() {
		jsonutil.ValidationError(w, res.First(), res.Fields())
		return
	}

	title := htmlsanitize.StripTags(in.Title)
	if title == "" {
		jsonutil.ValidationError(w, errTitleRequired, map[string]string{"title": errTitleRequired})
		return
	}
	content := htmlsanitize.Content(in.Content)
	if content == "" {
		jsonutil.ValidationError(w, "Content is required", map[string]string{"content": "Content is required"})
		return
	}

	input := announcement.CreateInput{
		Title:     title,
		Content:   content,
		Type:      announcement.TypeInfo,
		Pinned:    in.Pinned,
		Active:    in.Active == nil || *in.Active,
		ExpiresAt: in.ExpiresAt,
	}
	if in.Type != "" {
		input.Type = announcement.Type(strings.ToLower(strings.TrimSpace(in.Type)))
	}
	if in.PublishAt != nil {
		input.PublishAt = in.PublishAt.UTC()
	}
	publishAt := input.PublishAt
	if publishAt.IsZero() {
		publishAt = h.now()
	}
	if err := announcement.ValidWindow(publishAt, in.ExpiresAt); err != nil {
		jsonutil.ValidationError(w, err.Error(), map[string]string{"expires_at": err.Error()})
		return
	}

	u, _ := auth.CurrentUser(r)
	input.AuthorID = u.UserID()

	var ann *announcement.Announcement
	err := h.coord.Do(r.Context(), "announcement.create", func(ctx context.Context) ([]broadcast.Mutation, error) {
		var err error
		ann, err = h.store.Create(ctx, input)
		if err != nil {
			return nil, err
		}
		return mirror(ann), nil
	})
	if err != nil {
		h.storeError(w, r, "create announcement", err)
		return
	}

	h.auditLogger.AdminAction(r.Context(), r, audit.EventAnnouncementCreated, u.ID, "", map[string]string{
		"announcement_id": ann.ID.Hex(),
		"title":           ann.Title,
	})
	jsonutil.Created(w, ann)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	ann, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "load announcement", err)
		return
	}
	jsonutil.OK(w, ann)
}

type updateRequest struct {
	Title       *string    `json:"title" validate:"omitempty,min=1,max=200" label:"Title"`
	Content     *string    `json:"content" validate:"omitempty,min=1,max=20000" label:"Content"`
	Type        *string    `json:"type" validate:"omitempty,announcementtype" label:"Type"`
	Pinned      *bool      `json:"pinned"`
	Active      *bool      `json:"active"`
	PublishAt   *time.Time `json:"publish_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	ClearExpiry bool       `json:"clear_expiry"`
}

// update applies a partial change. The resulting publish/expiry window is
// validated by the store.
func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var in updateRequest
	if err := jsonutil.Decode(r, &in); err != nil {
		jsonutil.BadRequest(w, err.Error())
		return
	}
	if res := inputval.Validate(in); res.HasErrors() {
		jsonutil.ValidationError(w, res.First(), res.Fields())
		return
	}

	input := announcement.UpdateInput{
		Pinned:      in.Pinned,
		Active:      in.Active,
		PublishAt:   in.PublishAt,
		ExpiresAt:   in.ExpiresAt,
		ClearExpiry: in.ClearExpiry,
	}
	if in.Title != nil {
		t := htmlsanitize.StripTags(*in.Title)
		if t == "" {
			jsonutil.ValidationError(w, errTitleRequired, map[string]string{"title": errTitleRequired})
			return
		}
		input.Title = &t
	}
	if in.Content != nil {
		c := htmlsanitize.Content(*in.Content)
		if c == "" {
			jsonutil.ValidationError(w, "Content is required", map[string]string{"content": "Content is required"})
			return
		}
		input.Content = &c
	}
	if in.Type != nil {
		t := announcement.Type(strings.ToLower(strings.TrimSpace(*in.Type)))
		input.Type = &t
	}

	h.write(w, r, "announcement.update", audit.EventAnnouncementUpdated, nil, func(ctx context.Context) (*announcement.Announcement, error) {
		return h.store.Update(ctx, id, input)
	})
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) unpublish(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	action := "announcement.unpublish"
	if active {
		action = "announcement.publish"
	}
	details := map[string]string{"active": strconv.FormatBool(active)}
	h.write(w, r, action, audit.EventAnnouncementUpdated, details, func(ctx context.Context) (*announcement.Announcement, error) {
		return h.store.SetActive(ctx, id, active)
	})
}

// write runs an update through the coordinator, audits it and writes the
// updated announcement.
func (h *Handler) write(w http.ResponseWriter, r *http.Request, action, event string, details map[string]string,
	fn func(ctx context.Context) (*announcement.Announcement, error)) {
	var ann *announcement.Announcement
	err := h.coord.Do(r.Context(), action, func(ctx context.Context) ([]broadcast.Mutation, error) {
		var err error
		ann, err = fn(ctx)
		if err != nil {
			return nil, err
		}
		return mirror(ann), nil
	})
	if err != nil {
		h.storeError(w, r, action, err)
		return
	}

	u, _ := auth.CurrentUser(r)
	d := map[string]string{"announcement_id": ann.ID.Hex(), "action": action}
	for k, v := range details {
		d[k] = v
	}
	h.auditLogger.AdminAction(r.Context(), r, event, u.ID, "", d)
	jsonutil.OK(w, ann)
}

// delete removes an announcement and its views in one transaction when the
// deployment supports it.
func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	err := h.coord.Do(r.Context(), "announcement.delete", func(ctx context.Context) ([]broadcast.Mutation, error) {
		err := txn.Run(ctx, h.db, h.logger, func(ctx context.Context) error {
			return h.store.Delete(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		return []broadcast.Mutation{broadcast.Delete(Collection, id.Hex())}, nil
	})
	if err != nil {
		h.storeError(w, r, "delete announcement", err)
		return
	}

	u, _ := auth.CurrentUser(r)
	h.auditLogger.AdminAction(r.Context(), r, audit.EventAnnouncementDeleted, u.ID, "", map[string]string{
		"announcement_id": id.Hex(),
	})
	jsonutil.Success(w)
}

// storeError maps store errors to responses.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, announcement.ErrNotFound):
		jsonutil.NotFound(w, "announcement not found")
	case errors.Is(err, announcement.ErrInvalidWindow):
		jsonutil.ValidationError(w, err.Error(), map[string]string{"expires_at": err.Error()})
	default:
		h.errLog.LogWithFields(r, "announcement operation failed", err, zap.String("op", op))
		jsonutil.InternalError(w, "internal server error")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		jsonutil.BadRequest(w, "invalid announcement id")
		return id, false
	}
	return id, true
}

func paging(r *http.Request) (limit, offset int64) {
	limit, _ = strconv.ParseInt(query.Get(r, "limit"), 10, 64)
	offset, _ = strconv.ParseInt(query.Get(r, "offset"), 10, 64)
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
