package authgoogle

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/features/login"
	"github.com/dalemusser/stratashift/internal/app/store/oauthstate"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"github.com/dalemusser/stratashift/internal/testutil"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type recordingStarter struct {
	started []*models.User
}

func (s *recordingStarter) StartSession(w http.ResponseWriter, _ *http.Request, user *models.User, _ string) (*login.LoginResponse, error) {
	s.started = append(s.started, user)
	http.SetCookie(w, &http.Cookie{Name: "test-session", Value: "x"})
	return &login.LoginResponse{User: user}, nil
}

// fakeGoogle serves the token and userinfo endpoints.
func fakeGoogle(t *testing.T, info GoogleUserInfo) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-123","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(info)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	h       *Handler
	users   *userstore.Store
	states  *oauthstate.Store
	starter *recordingStarter
}

func newFixture(t *testing.T, info GoogleUserInfo) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	logger := zap.NewNop()
	srv := fakeGoogle(t, info)

	f := &fixture{
		users:   userstore.New(db),
		states:  oauthstate.New(db),
		starter: &recordingStarter{},
	}
	f.h = NewHandler(f.users, f.states, f.starter, errorsfeature.NewErrorLogger(logger), nil, Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		BaseURL:      "http://api.example.com",
		FrontendURL:  "http://app.example.com",
		Endpoint:     oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"},
		UserInfoURL:  srv.URL + "/userinfo",
	}, logger)
	return f
}

func (f *fixture) createUser(t *testing.T, email, method string) *models.User {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	u, err := f.users.Create(ctx, userstore.CreateInput{
		FullName:   "Google User",
		LoginID:    email,
		Email:      email,
		AuthMethod: method,
		Role:       models.RoleEmployee,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return &u
}

func (f *fixture) callback(t *testing.T, returnTo string) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := f.states.Put(ctx, "state-1", returnTo); err != nil {
		t.Fatalf("states.Put() error = %v", err)
	}
	rec := httptest.NewRecorder()
	Routes(f.h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?state=state-1&code=c", nil))
	return rec
}

func TestStartAuth_RedirectsWithState(t *testing.T) {
	f := newFixture(t, GoogleUserInfo{})

	rec := httptest.NewRecorder()
	Routes(f.h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?return=/attendance", nil))

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTemporaryRedirect)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("state missing from redirect")
	}
	if got := loc.Query().Get("redirect_uri"); got != "http://api.example.com/auth/google/callback" {
		t.Errorf("redirect_uri = %q", got)
	}

	ctx, cancel := testutil.TestContext()
	defer cancel()
	st, err := f.states.Consume(ctx, state)
	if err != nil {
		t.Fatalf("state not stored: %v", err)
	}
	if st.ReturnTo != "/attendance" {
		t.Errorf("ReturnTo = %q", st.ReturnTo)
	}
}

func TestCallback_ExistingGoogleAccount(t *testing.T) {
	f := newFixture(t, GoogleUserInfo{Email: "g@example.com", VerifiedEmail: true})
	u := f.createUser(t, "g@example.com", models.AuthGoogle)

	rec := f.callback(t, "/attendance")

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
	if loc := rec.Header().Get("Location"); loc != "http://app.example.com/attendance" {
		t.Errorf("Location = %q", loc)
	}
	if len(f.starter.started) != 1 || f.starter.started[0].ID != u.ID {
		t.Errorf("sessions started = %v", f.starter.started)
	}
}

func TestCallback_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		info    GoogleUserInfo
		method  string // "" means no account
		wantErr string
	}{
		{"unknown email", GoogleUserInfo{Email: "nobody@example.com", VerifiedEmail: true}, "", "user_not_found"},
		{"unverified email", GoogleUserInfo{Email: "g@example.com", VerifiedEmail: false}, models.AuthGoogle, "email_not_verified"},
		{"password account", GoogleUserInfo{Email: "g@example.com", VerifiedEmail: true}, models.AuthPassword, "google_not_enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.info)
			if tt.method != "" {
				f.createUser(t, "g@example.com", tt.method)
			}

			rec := f.callback(t, "/")
			loc := rec.Header().Get("Location")
			if !strings.HasSuffix(loc, "/login?error="+tt.wantErr) {
				t.Errorf("Location = %q, want error %q", loc, tt.wantErr)
			}
			if len(f.starter.started) != 0 {
				t.Error("session started for rejected sign-in")
			}
		})
	}
}

func TestCallback_InvalidState(t *testing.T) {
	f := newFixture(t, GoogleUserInfo{Email: "g@example.com", VerifiedEmail: true})

	rec := httptest.NewRecorder()
	Routes(f.h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?state=forged&code=c", nil))

	if loc := rec.Header().Get("Location"); loc != "http://app.example.com/login?error=invalid_state" {
		t.Errorf("Location = %q", loc)
	}
}

func TestCallback_StateIsSingleUse(t *testing.T) {
	f := newFixture(t, GoogleUserInfo{Email: "g@example.com", VerifiedEmail: true})
	f.createUser(t, "g@example.com", models.AuthGoogle)

	f.callback(t, "/")

	rec := httptest.NewRecorder()
	Routes(f.h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?state=state-1&code=c", nil))
	if loc := rec.Header().Get("Location"); !strings.HasSuffix(loc, "error=invalid_state") {
		t.Errorf("replayed state Location = %q", loc)
	}
}
