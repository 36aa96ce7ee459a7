package systemusers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/adminsessions"
	"github.com/dalemusser/stratashift/internal/app/store/sessions"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/app/system/admintoken"
	"github.com/dalemusser/stratashift/internal/app/system/authutil"
	"github.com/dalemusser/stratashift/internal/app/system/network"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"github.com/dalemusser/stratashift/internal/testutil"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const testPassword = "validpassword123"

var device = network.Device{Browser: "Chrome", Platform: "macOS", UserAgent: "test-agent"}

type fixture struct {
	h        *Handler
	users    *userstore.Store
	sessions *sessions.Store
	tokens   *admintoken.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	logger := zap.NewNop()

	f := &fixture{users: userstore.New(db), sessions: sessions.New(db)}
	lookup := func(_ context.Context, id string) (admintoken.Admin, bool, error) {
		return admintoken.Admin{ID: id, Role: models.RoleAdmin}, true, nil
	}
	tokens, err := admintoken.New(admintoken.Config{Secret: "admin-secret-for-tests"}, adminsessions.New(db), lookup)
	if err != nil {
		t.Fatalf("admintoken.New() error = %v", err)
	}
	f.tokens = tokens
	f.h = NewHandler(db, f.users, f.sessions, tokens, nil, errorsfeature.NewErrorLogger(logger), logger)
	return f
}

func (f *fixture) createUser(t *testing.T, loginID, role string) *models.User {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	hash, err := authutil.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	u, err := f.users.Create(ctx, userstore.CreateInput{
		FullName:     "User " + loginID,
		LoginID:      loginID,
		AuthMethod:   models.AuthPassword,
		Role:         role,
		PasswordHash: &hash,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return &u
}

// do sends a request as actor, an admin that need not exist in the users
// collection.
func (f *fixture) do(t *testing.T, actor testutil.TestUser, method, target string, body any) *testutil.ResponseRecorder {
	t.Helper()
	req := testutil.WithUser(testutil.NewJSONRequest(t, method, target, body), actor)
	rec := testutil.NewRecorder()
	Routes(f.h).ServeHTTP(rec, req)
	return rec
}

func asUser(u *models.User) testutil.TestUser {
	return testutil.TestUser{ID: u.ID.Hex(), Name: u.FullName, Role: u.Role}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	admin := testutil.AdminUser()

	rec := f.do(t, admin, http.MethodPost, "/", map[string]any{
		"full_name":   "Ana Lee",
		"login_id":    "ana",
		"password":    "correct-horse-battery",
		"department":  "Ops",
		"shift_start": "08:30",
	})
	rec.AssertStatus(t, http.StatusCreated)
	var u models.User
	rec.DecodeData(t, &u)
	if u.LoginID != "ana" || u.Role != models.RoleEmployee || u.AuthMethod != models.AuthPassword || u.Status != models.StatusActive {
		t.Errorf("user = %+v", u)
	}
	if u.ShiftStart == nil || *u.ShiftStart != "08:30" {
		t.Errorf("shift_start = %v", u.ShiftStart)
	}
	if strings.Contains(rec.Body.String(), "$2a$") {
		t.Error("password hash leaked into response")
	}

	rec = f.do(t, admin, http.MethodPost, "/", map[string]any{
		"full_name": "Ana Again", "login_id": "ANA", "password": "correct-horse-battery",
	})
	rec.AssertStatus(t, http.StatusConflict)
}

func TestCreate_Google(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, testutil.AdminUser(), http.MethodPost, "/", map[string]any{
		"full_name":   "Ben Ode",
		"auth_method": "google",
		"email":       "Ben@Example.com",
	})
	rec.AssertStatus(t, http.StatusCreated)
	var u models.User
	rec.DecodeData(t, &u)
	if u.LoginID != "ben@example.com" || u.Email == nil || *u.Email != "ben@example.com" {
		t.Errorf("user = %+v", u)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"missing name", map[string]any{"login_id": "x", "password": "correct-horse-battery"}, "full_name"},
		{"missing password", map[string]any{"full_name": "X", "login_id": "x"}, "password"},
		{"short password", map[string]any{"full_name": "X", "login_id": "x", "password": "short"}, "password"},
		{"missing login id", map[string]any{"full_name": "X", "password": "correct-horse-battery"}, "login_id"},
		{"google without email", map[string]any{"full_name": "X", "auth_method": "google"}, "email"},
		{"bad role", map[string]any{"full_name": "X", "login_id": "x", "password": "correct-horse-battery", "role": "owner"}, "role"},
		{"bad shift", map[string]any{"full_name": "X", "login_id": "x", "password": "correct-horse-battery", "shift_start": "25:00"}, "shift_start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, testutil.AdminUser(), http.MethodPost, "/", tt.body)
			rec.AssertStatus(t, http.StatusBadRequest)
			if env := rec.Envelope(t); env.Fields[tt.field] == "" {
				t.Errorf("fields = %v, want %q", env.Fields, tt.field)
			}
		})
	}
}

func TestListAndShow(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "ana", models.RoleEmployee)
	ben := f.createUser(t, "ben", models.RoleEmployee)
	f.createUser(t, "root", models.RoleAdmin)

	rec := f.do(t, testutil.AdminUser(), http.MethodGet, "/?role=employee", nil)
	rec.AssertStatus(t, http.StatusOK)
	var page struct {
		Items []models.User `json:"items"`
		Total int64         `json:"total"`
	}
	rec.DecodeData(t, &page)
	if len(page.Items) != 2 || page.Total != 2 {
		t.Errorf("employees = %d (total %d), want 2", len(page.Items), page.Total)
	}

	rec = f.do(t, testutil.AdminUser(), http.MethodGet, "/?search=Be", nil)
	rec.DecodeData(t, &page)
	if len(page.Items) != 1 || page.Items[0].ID != ben.ID {
		t.Errorf("search = %+v", page.Items)
	}

	f.do(t, testutil.AdminUser(), http.MethodGet, "/?status=gone", nil).AssertStatus(t, http.StatusBadRequest)
	f.do(t, testutil.AdminUser(), http.MethodGet, "/"+ben.ID.Hex(), nil).AssertStatus(t, http.StatusOK)
	f.do(t, testutil.AdminUser(), http.MethodGet, "/"+primitive.NewObjectID().Hex(), nil).AssertStatus(t, http.StatusNotFound)
	f.do(t, testutil.AdminUser(), http.MethodGet, "/nope", nil).AssertStatus(t, http.StatusBadRequest)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ana := f.createUser(t, "ana", models.RoleEmployee)
	path := "/" + ana.ID.Hex()

	rec := f.do(t, testutil.AdminUser(), http.MethodPatch, path, map[string]any{
		"full_name":   "Ana Lee-Park",
		"email":       "ana@example.com",
		"shift_start": "07:00",
	})
	rec.AssertStatus(t, http.StatusOK)
	var u models.User
	rec.DecodeData(t, &u)
	if u.FullName != "Ana Lee-Park" || u.Email == nil || *u.Email != "ana@example.com" || u.ShiftStart == nil {
		t.Errorf("user = %+v", u)
	}

	rec = f.do(t, testutil.AdminUser(), http.MethodPatch, path, map[string]any{"shift_start": ""})
	rec.AssertStatus(t, http.StatusOK)
	var cleared models.User
	rec.DecodeData(t, &cleared)
	if cleared.ShiftStart != nil {
		t.Errorf("shift_start = %v, want cleared", *cleared.ShiftStart)
	}

	f.do(t, testutil.AdminUser(), http.MethodPatch, path, map[string]any{"full_name": ""}).AssertStatus(t, http.StatusBadRequest)
	f.do(t, testutil.AdminUser(), http.MethodPatch, path, map[string]any{"password": "short"}).AssertStatus(t, http.StatusBadRequest)

	f.do(t, testutil.AdminUser(), http.MethodPatch, path, map[string]any{"password": "another-good-one"}).AssertStatus(t, http.StatusOK)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	stored, err := f.users.GetByID(ctx, ana.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.PasswordHash == nil || !authutil.CheckPassword("another-good-one", *stored.PasswordHash) {
		t.Error("password not updated")
	}

	f.createUser(t, "ben", models.RoleEmployee)
	f.do(t, testutil.AdminUser(), http.MethodPatch, path, map[string]any{"login_id": "ben"}).AssertStatus(t, http.StatusConflict)
}

func TestDisable_ClosesSessions(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	f.createUser(t, "root", models.RoleAdmin)
	target := f.createUser(t, "second", models.RoleAdmin)

	if err := f.sessions.Create(ctx, sessions.Session{Token: "emp-token", UserID: target.ID, ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("sessions.Create() error = %v", err)
	}
	pair, err := f.tokens.Issue(ctx, admintoken.Admin{ID: target.ID.Hex(), LoginID: target.LoginID, Role: models.RoleAdmin}, device)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	rec := f.do(t, testutil.AdminUser(), http.MethodPost, "/"+target.ID.Hex()+"/disable", nil)
	rec.AssertStatus(t, http.StatusOK)
	var out struct {
		Status  string `json:"status"`
		Closed  int64  `json:"sessions_closed"`
		Revoked int64  `json:"admin_tokens_revoked"`
	}
	rec.DecodeData(t, &out)
	if out.Status != models.StatusDisabled || out.Closed != 1 || out.Revoked != 1 {
		t.Errorf("disable = %+v", out)
	}

	if active, err := f.sessions.IsActive(ctx, "emp-token"); err != nil || active {
		t.Errorf("employee session active = %v, err = %v", active, err)
	}
	if _, err := f.tokens.Verify(ctx, pair.AccessToken, device); !errors.Is(err, admintoken.ErrSessionRevoked) {
		t.Errorf("Verify() after disable error = %v, want ErrSessionRevoked", err)
	}
	u, _ := f.users.GetByID(ctx, target.ID)
	if u.Status != models.StatusDisabled {
		t.Errorf("status = %s", u.Status)
	}

	rec = f.do(t, testutil.AdminUser(), http.MethodPost, "/"+target.ID.Hex()+"/enable", nil)
	rec.AssertStatus(t, http.StatusOK)
	if active, _ := f.sessions.IsActive(ctx, "emp-token"); active {
		t.Error("enable reopened an old session")
	}
}

func TestLastAdminGuard(t *testing.T) {
	f := newFixture(t)
	root := f.createUser(t, "root", models.RoleAdmin)
	actor := testutil.AdminUser()

	f.do(t, actor, http.MethodPost, "/"+root.ID.Hex()+"/disable", nil).AssertStatus(t, http.StatusConflict)
	f.do(t, actor, http.MethodPatch, "/"+root.ID.Hex(), map[string]any{"role": "employee"}).AssertStatus(t, http.StatusConflict)

	ctx, cancel := testutil.TestContext()
	defer cancel()
	u, _ := f.users.GetByID(ctx, root.ID)
	if u.Role != models.RoleAdmin || u.Status != models.StatusActive {
		t.Errorf("last admin changed: role %s status %s", u.Role, u.Status)
	}

	// With a second admin the demotion goes through.
	f.createUser(t, "second", models.RoleAdmin)
	f.do(t, actor, http.MethodPatch, "/"+root.ID.Hex(), map[string]any{"role": "employee"}).AssertStatus(t, http.StatusOK)
}

func TestDisable_Self(t *testing.T) {
	f := newFixture(t)
	me := f.createUser(t, "root", models.RoleAdmin)
	f.createUser(t, "second", models.RoleAdmin)

	f.do(t, asUser(me), http.MethodPost, "/"+me.ID.Hex()+"/disable", nil).AssertStatus(t, http.StatusConflict)
}
