// internal/app/features/systemusers/systemusers.go
package systemusers

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record
//   - LoginID / loginID / login_id: The human-readable string users type to log in

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/adminsessions"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	"github.com/dalemusser/stratashift/internal/app/store/sessions"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/app/system/admintoken"
	"github.com/dalemusser/stratashift/internal/app/system/auditlog"
	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/stratashift/internal/app/system/authutil"
	"github.com/dalemusser/stratashift/internal/app/system/inputval"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/dalemusser/stratashift/internal/app/system/normalize"
	"github.com/dalemusser/stratashift/internal/app/system/txn"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"github.com/dalemusser/waffle/pantry/query"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// Paging defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	errLastAdmin   = errors.New("the last active admin cannot be disabled or demoted")
	errDisableSelf = errors.New("you cannot disable your own account")
)

// Handler provides user management for admins.
type Handler struct {
	db          *mongo.Database
	users       *userstore.Store
	sessions    *sessions.Store
	tokens      *admintoken.Service
	auditLogger *auditlog.Logger
	errLog      *errorsfeature.ErrorLogger
	logger      *zap.Logger
}

// NewHandler creates a new system users Handler.
func NewHandler(
	db *mongo.Database,
	users *userstore.Store,
	sessionStore *sessions.Store,
	tokens *admintoken.Service,
	auditLogger *auditlog.Logger,
	errLog *errorsfeature.ErrorLogger,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		db:          db,
		users:       users,
		sessions:    sessionStore,
		tokens:      tokens,
		auditLogger: auditLogger,
		errLog:      errLog,
		logger:      logger,
	}
}

// Routes returns a chi.Router with user management routes mounted. The
// caller mounts it behind the admin token middleware.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.show)
	r.Patch("/{id}", h.update)
	r.Post("/{id}/disable", h.disable)
	r.Post("/{id}/enable", h.enable)
	return r
}

// list returns users filtered by role, status and a name or login ID
// prefix.
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	f := userstore.ListFilter{
		Role:   normalize.Role(query.Get(r, "role")),
		Status: normalize.Status(query.Get(r, "status")),
		Search: query.Get(r, "search"),
		Limit:  DefaultLimit,
	}
	if f.Role != "" && !models.IsValidRole(f.Role) {
		jsonutil.ValidationError(w, "invalid role", map[string]string{"role": "Role must be admin or employee"})
		return
	}
	if f.Status != "" && !models.IsValidStatus(f.Status) {
		jsonutil.ValidationError(w, "invalid status", map[string]string{"status": "Status must be active or disabled"})
		return
	}
	if n, err := strconv.ParseInt(query.Get(r, "limit"), 10, 64); err == nil && n > 0 {
		f.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.ParseInt(query.Get(r, "offset"), 10, 64); err == nil && n > 0 {
		f.Offset = n
	}

	ctx := r.Context()
	users, err := h.users.List(ctx, f)
	if err != nil {
		h.errLog.Log(r, "failed to list users", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	total, err := h.users.Count(ctx, f)
	if err != nil {
		h.errLog.Log(r, "failed to count users", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}
	if users == nil {
		users = []models.User{}
	}
	jsonutil.OK(w, map[string]any{
		"items":  users,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

type createRequest struct {
	FullName   string `json:"full_name" validate:"required,max=200" label:"Full name"`
	LoginID    string `json:"login_id" validate:"omitempty,max=254" label:"Login ID"`
	Email      string `json:"email" validate:"omitempty,email,max=254" label:"Email"`
	AuthMethod string `json:"auth_method" validate:"omitempty,authmethod" label:"Auth method"`
	Password   string `json:"password" label:"Password"`
	Role       string `json:"role" validate:"omitempty,role" label:"Role"`
	Department string `json:"department" validate:"omitempty,max=200" label:"Department"`
	ShiftStart string `json:"shift_start" validate:"omitempty,hhmm" label:"Shift start"`
}

// create adds a user. Password accounts need a login ID and password;
// google accounts use their email as the login ID.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in createRequest
	if err := jsonutil.Decode(r, &in); err != nil {
		jsonutil.BadRequest(w, err.Error())
		return
	}
	in.FullName = strings.TrimSpace(in.FullName)
	if res := inputval.Validate(in); res.HasErrors() {
		jsonutil.ValidationError(w, res.First(), res.Fields())
		return
	}

	id, err := authutil.ResolveIdentity(authutil.IdentityInput{
		Method:   in.AuthMethod,
		LoginID:  in.LoginID,
		Email:    in.Email,
		Password: in.Password,
	})
	if err != nil {
		identityError(w, err)
		return
	}

	role := normalize.Role(in.Role)
	if role == "" {
		role = models.RoleEmployee
	}
	input := userstore.CreateInput{
		FullName:     in.FullName,
		LoginID:      id.LoginID,
		AuthMethod:   id.Method,
		Role:         role,
		Department:   in.Department,
		ShiftStart:   in.ShiftStart,
		PasswordHash: id.PasswordHash,
	}
	if id.Email != nil {
		input.Email = *id.Email
	}

	ctx := r.Context()
	user, err := h.users.Create(ctx, input)
	if errors.Is(err, userstore.ErrDuplicateLoginID) {
		jsonutil.Conflict(w, err.Error())
		return
	}
	if err != nil {
		h.errLog.Log(r, "failed to create user", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	actor, _ := auth.CurrentUser(r)
	h.auditLogger.AdminAction(ctx, r, audit.EventUserCreated, actor.ID, user.ID.Hex(), map[string]string{
		"role":        user.Role,
		"auth_method": user.AuthMethod,
	})
	jsonutil.Created(w, user)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	user, ok := h.load(w, r)
	if !ok {
		return
	}
	jsonutil.OK(w, user)
}

type updateRequest struct {
	FullName   *string `json:"full_name" validate:"omitnil,min=1,max=200" label:"Full name"`
	LoginID    *string `json:"login_id" validate:"omitnil,min=1,max=254" label:"Login ID"`
	Email      *string `json:"email" validate:"omitnil,email,max=254" label:"Email"`
	Password   *string `json:"password" label:"Password"`
	Role       *string `json:"role" validate:"omitnil,role" label:"Role"`
	Department *string `json:"department" validate:"omitempty,max=200" label:"Department"`
	// An empty string clears the per-user shift start.
	ShiftStart *string `json:"shift_start" validate:"omitempty,hhmm" label:"Shift start"`
}

// update changes profile fields, role or password. Status changes go
// through disable and enable.
func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	user, ok := h.load(w, r)
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

	upd := userstore.UpdateInput{
		FullName:   in.FullName,
		Department: in.Department,
		ShiftStart: in.ShiftStart,
	}

	// Google accounts sign in with their email, so the two move together.
	if in.Email != nil {
		email := normalize.Email(*in.Email)
		upd.Email = &email
		if authutil.EmailIsLogin(user.AuthMethod) {
			upd.LoginID = &email
		}
	}
	if in.LoginID != nil {
		if authutil.EmailIsLogin(user.AuthMethod) {
			jsonutil.ValidationError(w, "google accounts use their email as login ID",
				map[string]string{"login_id": "Change the email instead"})
			return
		}
		upd.LoginID = in.LoginID
	}
	if in.Password != nil {
		if user.AuthMethod != models.AuthPassword {
			jsonutil.ValidationError(w, "password applies to password accounts only",
				map[string]string{"password": "Not a password account"})
			return
		}
		if err := authutil.ValidatePassword(*in.Password); err != nil {
			jsonutil.ValidationError(w, err.Error(), map[string]string{"password": err.Error()})
			return
		}
		hash, err := authutil.HashPassword(*in.Password)
		if err != nil {
			h.errLog.Log(r, "failed to hash password", err)
			jsonutil.InternalError(w, "internal server error")
			return
		}
		upd.PasswordHash = &hash
	}

	ctx := r.Context()
	demoting := false
	if in.Role != nil {
		role := normalize.Role(*in.Role)
		upd.Role = &role
		demoting = user.Role == models.RoleAdmin && role != models.RoleAdmin && user.IsActive()
	}

	err := txn.Run(ctx, h.db, h.logger, func(ctx context.Context) error {
		if demoting {
			if err := h.guardLastAdmin(ctx); err != nil {
				return err
			}
		}
		if err := h.users.Update(ctx, user.ID, upd); err != nil {
			return err
		}
		if demoting {
			// Admin tokens are bound to the admin role.
			if _, err := h.tokens.RevokeAllForAdmin(ctx, user.ID.Hex(), adminsessions.RevokeByAdmin); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.writeError(w, r, "failed to update user", err)
		return
	}

	updated, err := h.users.GetByID(ctx, user.ID)
	if err != nil {
		h.errLog.Log(r, "failed to reload user", err)
		jsonutil.InternalError(w, "internal server error")
		return
	}

	actor, _ := auth.CurrentUser(r)
	details := map[string]string{}
	if upd.Role != nil && *upd.Role != user.Role {
		details["role"] = user.Role + "->" + *upd.Role
	}
	if upd.PasswordHash != nil {
		details["password"] = "changed"
	}
	h.auditLogger.AdminAction(ctx, r, audit.EventUserUpdated, actor.ID, user.ID.Hex(), details)
	jsonutil.OK(w, updated)
}

// disable marks the account disabled and ends all of its employee and
// admin sessions in one transaction.
func (h *Handler) disable(w http.ResponseWriter, r *http.Request) {
	user, ok := h.load(w, r)
	if !ok {
		return
	}
	actor, _ := auth.CurrentUser(r)
	if actor.UserID() == user.ID {
		jsonutil.Conflict(w, errDisableSelf.Error())
		return
	}

	ctx := r.Context()
	var closed, revoked int64
	err := txn.Run(ctx, h.db, h.logger, func(ctx context.Context) error {
		if user.Role == models.RoleAdmin && user.IsActive() {
			if err := h.guardLastAdmin(ctx); err != nil {
				return err
			}
		}
		if err := h.users.SetStatus(ctx, user.ID, models.StatusDisabled); err != nil {
			return err
		}
		var err error
		if closed, err = h.sessions.CloseByUser(ctx, user.ID, sessions.EndReasonDisabled); err != nil {
			return err
		}
		revoked, err = h.tokens.RevokeAllForAdmin(ctx, user.ID.Hex(), adminsessions.RevokeDisabled)
		return err
	})
	if err != nil {
		h.writeError(w, r, "failed to disable user", err)
		return
	}

	h.auditLogger.AdminAction(ctx, r, audit.EventUserDisabled, actor.ID, user.ID.Hex(), map[string]string{
		"sessions_closed":      strconv.FormatInt(closed, 10),
		"admin_tokens_revoked": strconv.FormatInt(revoked, 10),
	})
	h.logger.Info("user disabled",
		zap.String("user_id", user.ID.Hex()),
		zap.String("actor_id", actor.ID),
		zap.Int64("sessions_closed", closed),
		zap.Int64("admin_tokens_revoked", revoked))
	jsonutil.OK(w, map[string]any{
		"id":                   user.ID,
		"status":               models.StatusDisabled,
		"sessions_closed":      closed,
		"admin_tokens_revoked": revoked,
	})
}

// enable reactivates a disabled account. Old sessions stay closed.
func (h *Handler) enable(w http.ResponseWriter, r *http.Request) {
	user, ok := h.load(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := h.users.SetStatus(ctx, user.ID, models.StatusActive); err != nil {
		h.writeError(w, r, "failed to enable user", err)
		return
	}
	actor, _ := auth.CurrentUser(r)
	h.auditLogger.AdminAction(ctx, r, audit.EventUserUpdated, actor.ID, user.ID.Hex(), map[string]string{"status": models.StatusActive})
	user.Status = models.StatusActive
	jsonutil.OK(w, user)
}

// guardLastAdmin fails when removing one more active admin would leave
// none.
func (h *Handler) guardLastAdmin(ctx context.Context) error {
	n, err := h.users.CountActiveAdmins(ctx)
	if err != nil {
		return err
	}
	if n <= 1 {
		return errLastAdmin
	}
	return nil
}

// load resolves {id} and writes 400 or 404 when it cannot.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	id, err := primitive.ObjectIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		jsonutil.BadRequest(w, "invalid user id")
		return nil, false
	}
	user, err := h.users.GetByID(r.Context(), id)
	if errors.Is(err, userstore.ErrNotFound) {
		jsonutil.NotFound(w, "user not found")
		return nil, false
	}
	if err != nil {
		h.errLog.Log(r, "failed to load user", err)
		jsonutil.InternalError(w, "internal server error")
		return nil, false
	}
	return user, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, errLastAdmin):
		jsonutil.Conflict(w, err.Error())
	case errors.Is(err, userstore.ErrDuplicateLoginID):
		jsonutil.Conflict(w, err.Error())
	case errors.Is(err, userstore.ErrNotFound):
		jsonutil.NotFound(w, "user not found")
	default:
		h.errLog.Log(r, msg, err)
		jsonutil.InternalError(w, "internal server error")
	}
}

// identityError maps authutil validation errors onto request fields.
func identityError(w http.ResponseWriter, err error) {
	field := "password"
	switch {
	case errors.Is(err, authutil.ErrUnknownMethod):
		field = "auth_method"
	case errors.Is(err, authutil.ErrEmailRequired), errors.Is(err, authutil.ErrInvalidEmail):
		field = "email"
	case errors.Is(err, authutil.ErrLoginIDRequired):
		field = "login_id"
	}
	jsonutil.ValidationError(w, err.Error(), map[string]string{field: err.Error()})
}
