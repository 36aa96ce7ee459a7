package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TestUser is a caller injected straight into the request context,
// bypassing LoadSessionUser.
type TestUser struct {
	ID    string
	Name  string
	Email string
	Role  string
	Token string
}

func newTestUser(name, email, role string) TestUser {
	return TestUser{ID: primitive.NewObjectID().Hex(), Name: name, Email: email, Role: role}
}

func AdminUser() TestUser    { return newTestUser("Test Admin", "admin@test.com", "admin") }
func EmployeeUser() TestUser { return newTestUser("Test Employee", "employee@test.com", "employee") }

// ObjectID returns ID parsed as an ObjectID.
func (u TestUser) ObjectID() primitive.ObjectID {
	oid, _ := primitive.ObjectIDFromHex(u.ID)
	return oid
}

// WithUser returns r with u as the bearer-authenticated caller.
func WithUser(r *http.Request, u TestUser) *http.Request {
	return auth.WithUser(r, &auth.SessionUser{
		ID:      u.ID,
		Name:    u.Name,
		LoginID: u.Email,
		Email:   u.Email,
		Role:    u.Role,
		Token:   u.Token,
		Via:     auth.ViaBearer,
	})
}

func NewRequest(method, target string) *http.Request {
	return httptest.NewRequest(method, target, nil)
}

func NewAuthenticatedRequest(method, target string, u TestUser) *http.Request {
	return WithUser(NewRequest(method, target), u)
}

// NewJSONRequest sends body as JSON. A string body is sent verbatim so
// tests can post malformed input.
func NewJSONRequest(t testing.TB, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// Envelope mirrors the {success, data|error} body every handler writes.
type Envelope struct {
	Success    bool              `json:"success"`
	Data       json.RawMessage   `json:"data"`
	Error      string            `json:"error"`
	Fields     map[string]string `json:"fields"`
	RetryAfter int               `json:"retry_after"`
}

// ResponseRecorder adds envelope assertions to httptest.ResponseRecorder.
type ResponseRecorder struct {
	*httptest.ResponseRecorder
}

func NewRecorder() *ResponseRecorder {
	return &ResponseRecorder{httptest.NewRecorder()}
}

func (r *ResponseRecorder) body() string {
	return strings.TrimSpace(r.Body.String())
}

// AssertStatus reports a mismatched status code along with the body.
func (r *ResponseRecorder) AssertStatus(t interface{ Errorf(string, ...any) }, want int) {
	if r.Code != want {
		t.Errorf("status = %d, want %d; body: %s", r.Code, want, r.body())
	}
}

func (r *ResponseRecorder) AssertContains(t interface{ Errorf(string, ...any) }, want string) {
	if !strings.Contains(r.Body.String(), want) {
		t.Errorf("body does not contain %q; body: %s", want, r.body())
	}
}

// Envelope decodes the body, failing the test if it is not JSON.
func (r *ResponseRecorder) Envelope(t testing.TB) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(r.Body.Bytes(), &env); err != nil {
		t.Fatalf("body is not a JSON envelope: %v; body: %s", err, r.body())
	}
	return env
}

// DecodeData requires a success envelope and decodes its data into v.
func (r *ResponseRecorder) DecodeData(t testing.TB, v any) {
	t.Helper()
	env := r.Envelope(t)
	if !env.Success {
		t.Fatalf("success = false, error = %q", env.Error)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data: %v; data: %s", err, env.Data)
	}
}
