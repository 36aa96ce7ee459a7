package auditlog

import (
	"net/http"
	"testing"
	"time"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/domain/models"
	"github.com/dalemusser/stratashift/internal/testutil"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type fixture struct {
	h     *Handler
	audit *audit.Store
	users *userstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	logger := zap.NewNop()
	f := &fixture{audit: audit.New(db), users: userstore.New(db)}
	f.h = NewHandler(f.audit, f.users, errorsfeature.NewErrorLogger(logger), logger)
	return f
}

func (f *fixture) get(t *testing.T, target string) *testutil.ResponseRecorder {
	t.Helper()
	rec := testutil.NewRecorder()
	Routes(f.h).ServeHTTP(rec, testutil.NewAuthenticatedRequest(http.MethodGet, target, testutil.AdminUser()))
	return rec
}

func (f *fixture) log(t *testing.T, e audit.Event) {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := f.audit.Log(ctx, e); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
}

func TestList_FiltersAndNames(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	admin, err := f.users.Create(ctx, userstore.CreateInput{FullName: "Root Admin", LoginID: "root", AuthMethod: models.AuthPassword, Role: models.RoleAdmin})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	emp, err := f.users.Create(ctx, userstore.CreateInput{FullName: "Ana Lee", LoginID: "ana", AuthMethod: models.AuthPassword, Role: models.RoleEmployee})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f.log(t, audit.Event{CreatedAt: base, Category: audit.CategoryAdmin, EventType: audit.EventUserCreated, ActorID: &admin.ID, UserID: &emp.ID, Success: true})
	f.log(t, audit.Event{CreatedAt: base.Add(time.Hour), Category: audit.CategoryAttendance, EventType: audit.EventCheckIn, UserID: &emp.ID, Success: true})
	f.log(t, audit.Event{CreatedAt: base.AddDate(0, 0, 1), Category: audit.CategoryAuth, EventType: audit.EventLoginFailedWrongPassword, UserID: &emp.ID, FailureReason: "wrong password"})

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"all newest first", "/", []string{audit.EventLoginFailedWrongPassword, audit.EventCheckIn, audit.EventUserCreated}},
		{"category", "/?category=attendance", []string{audit.EventCheckIn}},
		{"failures", "/?success=false", []string{audit.EventLoginFailedWrongPassword}},
		{"actor", "/?actor_id=" + admin.ID.Hex(), []string{audit.EventUserCreated}},
		{"day", "/?from=2026-03-02&to=2026-03-02", []string{audit.EventCheckIn, audit.EventUserCreated}},
		{"unknown user", "/?user_id=" + primitive.NewObjectID().Hex(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, tt.target)
			rec.AssertStatus(t, http.StatusOK)
			var page Page
			rec.DecodeData(t, &page)
			if len(page.Items) != len(tt.want) || page.Total != int64(len(tt.want)) {
				t.Fatalf("items = %d total = %d, want %d", len(page.Items), page.Total, len(tt.want))
			}
			for i, et := range tt.want {
				if page.Items[i].EventType != et {
					t.Errorf("items[%d] = %s, want %s", i, page.Items[i].EventType, et)
				}
			}
		})
	}

	rec := f.get(t, "/?event_type="+audit.EventUserCreated)
	var page Page
	rec.DecodeData(t, &page)
	if len(page.Items) != 1 || page.Items[0].ActorName != "Root Admin" || page.Items[0].UserName != "Ana Lee" {
		t.Errorf("names = %+v", page.Items)
	}
}

func TestList_Paging(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.log(t, audit.Event{Category: audit.CategoryAuth, EventType: audit.EventLogout, Success: true})
	}

	rec := f.get(t, "/?limit=2&offset=4")
	rec.AssertStatus(t, http.StatusOK)
	var page Page
	rec.DecodeData(t, &page)
	if len(page.Items) != 1 || page.Total != 5 || page.Limit != 2 || page.Offset != 4 {
		t.Errorf("page = %d items total %d limit %d offset %d", len(page.Items), page.Total, page.Limit, page.Offset)
	}

	rec = f.get(t, "/?limit=100000")
	rec.DecodeData(t, &page)
	if page.Limit != MaxLimit {
		t.Errorf("limit = %d, want %d", page.Limit, MaxLimit)
	}
}

func TestList_InvalidFilter(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		target string
		field  string
	}{
		{"/?category=billing", "category"},
		{"/?user_id=nope", "user_id"},
		{"/?success=maybe", "success"},
		{"/?from=03/02/2026", "from"},
		{"/?from=2026-03-05&to=2026-03-01", "from"},
		{"/?tz=Mars/Olympus", "tz"},
		{"/?limit=-1", "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			rec := f.get(t, tt.target)
			rec.AssertStatus(t, http.StatusBadRequest)
			if env := rec.Envelope(t); env.Fields[tt.field] == "" {
				t.Errorf("fields = %v, want %q", env.Fields, tt.field)
			}
		})
	}
}
