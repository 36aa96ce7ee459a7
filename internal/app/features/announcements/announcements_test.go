package announcements

import (
	"net/http"
	"testing"
	"time"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/announcement"
	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"github.com/dalemusser/stratashift/internal/app/system/writethrough"
	"github.com/dalemusser/stratashift/internal/testutil"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type fixture struct {
	h     *Handler
	store *announcement.Store
	mem   *broadcast.Memory
	admin testutil.TestUser
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	logger := zap.NewNop()

	f := &fixture{
		store: announcement.New(db),
		mem:   broadcast.NewMemory(),
		admin: testutil.AdminUser(),
	}
	f.h = NewHandler(db, f.store, writethrough.New(f.mem, nil, logger), nil, errorsfeature.NewErrorLogger(logger), logger)
	return f
}

func (f *fixture) asAdmin(t *testing.T, method, target string, body any) *testutil.ResponseRecorder {
	t.Helper()
	req := testutil.WithUser(testutil.NewJSONRequest(t, method, target, body), f.admin)
	rec := testutil.NewRecorder()
	AdminRoutes(f.h).ServeHTTP(rec, req)
	return rec
}

func (f *fixture) asEmployee(t *testing.T, user testutil.TestUser, method, target string) *testutil.ResponseRecorder {
	t.Helper()
	rec := testutil.NewRecorder()
	Routes(f.h).ServeHTTP(rec, testutil.NewAuthenticatedRequest(method, target, user))
	return rec
}

func (f *fixture) seed(t *testing.T, in announcement.CreateInput) *announcement.Announcement {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	a, err := f.store.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return a
}

func TestCreate_SanitizesAndMirrors(t *testing.T) {
	f := newFixture(t)

	rec := f.asAdmin(t, http.MethodPost, "/", map[string]any{
		"title":   "  Fire <b>drill</b> ",
		"content": `<p>At <b>noon</b></p><script>alert(1)</script>`,
		"type":    "warning",
		"pinned":  true,
	})
	rec.AssertStatus(t, http.StatusCreated)

	var ann announcement.Announcement
	rec.DecodeData(t, &ann)
	if ann.Title != "Fire drill" || ann.Type != announcement.TypeWarning || !ann.Pinned || !ann.Active {
		t.Errorf("announcement = %+v", ann)
	}
	if ann.Content != "<p>At <b>noon</b></p>" {
		t.Errorf("content = %q", ann.Content)
	}
	if ann.AuthorID != f.admin.ObjectID() {
		t.Errorf("author = %s, want %s", ann.AuthorID.Hex(), f.admin.ID)
	}

	data, ok := f.mem.Get(Collection, ann.ID.Hex())
	if !ok || data["title"] != "Fire drill" {
		t.Errorf("mirror = %v, %v", data, ok)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"missing title", map[string]any{"content": "x"}, "title"},
		{"bad type", map[string]any{"title": "t", "content": "x", "type": "urgent"}, "type"},
		{"expiry before publish", map[string]any{
			"title": "t", "content": "x",
			"publish_at": now.Add(time.Hour), "expires_at": now,
		}, "expires_at"},
		{"markup only", map[string]any{"title": "t", "content": "<script>x</script>"}, "content"},
		{"markup only title", map[string]any{"title": "<img src=x onerror=alert(1)>", "content": "x"}, "title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.asAdmin(t, http.MethodPost, "/", tt.body)
			rec.AssertStatus(t, http.StatusBadRequest)
			if env := rec.Envelope(t); env.Fields[tt.field] == "" {
				t.Errorf("fields = %v, want %q", env.Fields, tt.field)
			}
		})
	}
	if calls := f.mem.Calls(); len(calls) != 0 {
		t.Errorf("broadcast calls = %d, want 0", len(calls))
	}
}

func TestListVisible_OrderAndViewed(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	older := f.seed(t, announcement.CreateInput{Title: "older", Content: "a", Type: announcement.TypeInfo, Active: true, PublishAt: now.Add(-2 * time.Hour)})
	pinned := f.seed(t, announcement.CreateInput{Title: "pinned", Content: "b", Type: announcement.TypeInfo, Active: true, Pinned: true, PublishAt: now.Add(-3 * time.Hour)})
	newer := f.seed(t, announcement.CreateInput{Title: "newer", Content: "c", Type: announcement.TypeInfo, Active: true, PublishAt: past})
	f.seed(t, announcement.CreateInput{Title: "inactive", Content: "d", Type: announcement.TypeInfo, Active: false})
	f.seed(t, announcement.CreateInput{Title: "scheduled", Content: "e", Type: announcement.TypeInfo, Active: true, PublishAt: future})
	expired := now.Add(-time.Minute)
	f.seed(t, announcement.CreateInput{Title: "expired", Content: "f", Type: announcement.TypeInfo, Active: true, PublishAt: now.Add(-4 * time.Hour), ExpiresAt: &expired})

	user := testutil.EmployeeUser()
	f.asEmployee(t, user, http.MethodPost, "/"+newer.ID.Hex()+"/view").AssertStatus(t, http.StatusOK)

	rec := f.asEmployee(t, user, http.MethodGet, "/")
	rec.AssertStatus(t, http.StatusOK)
	var items []VisibleItem
	rec.DecodeData(t, &items)

	want := []primitive.ObjectID{pinned.ID, newer.ID, older.ID}
	if len(items) != len(want) {
		t.Fatalf("items = %d, want %d", len(items), len(want))
	}
	for i, id := range want {
		if items[i].ID != id {
			t.Errorf("items[%d] = %s, want %s", i, items[i].Title, id.Hex())
		}
		if items[i].Viewed != (id == newer.ID) {
			t.Errorf("items[%d].Viewed = %v", i, items[i].Viewed)
		}
	}
}

func TestView_CountsOncePerUser(t *testing.T) {
	f := newFixture(t)
	ann := f.seed(t, announcement.CreateInput{Title: "t", Content: "c", Type: announcement.TypeInfo, Active: true})
	alice, bob := testutil.EmployeeUser(), testutil.EmployeeUser()

	type viewResp struct {
		Counted   bool  `json:"counted"`
		ViewCount int64 `json:"view_count"`
	}
	steps := []struct {
		user    testutil.TestUser
		counted bool
		count   int64
	}{
		{alice, true, 1},
		{alice, false, 1},
		{bob, true, 2},
	}
	for i, s := range steps {
		rec := f.asEmployee(t, s.user, http.MethodPost, "/"+ann.ID.Hex()+"/view")
		rec.AssertStatus(t, http.StatusOK)
		var got viewResp
		rec.DecodeData(t, &got)
		if got.Counted != s.counted || got.ViewCount != s.count {
			t.Errorf("step %d = %+v, want counted %v count %d", i, got, s.counted, s.count)
		}
	}

	var increments int
	for _, c := range f.mem.Calls() {
		if c.Op == string(broadcast.OpIncrement) {
			increments++
		}
	}
	if increments != 2 {
		t.Errorf("increment mirrors = %d, want 2", increments)
	}
}

func TestView_NotVisible(t *testing.T) {
	f := newFixture(t)
	hidden := f.seed(t, announcement.CreateInput{Title: "t", Content: "c", Type: announcement.TypeInfo, Active: false})
	user := testutil.EmployeeUser()

	f.asEmployee(t, user, http.MethodPost, "/"+hidden.ID.Hex()+"/view").AssertStatus(t, http.StatusNotFound)
	f.asEmployee(t, user, http.MethodPost, "/"+primitive.NewObjectID().Hex()+"/view").AssertStatus(t, http.StatusNotFound)
	f.asEmployee(t, user, http.MethodPost, "/not-an-id/view").AssertStatus(t, http.StatusBadRequest)
}

func TestUpdatePublishUnpublish(t *testing.T) {
	f := newFixture(t)
	ann := f.seed(t, announcement.CreateInput{Title: "t", Content: "c", Type: announcement.TypeInfo, Active: true})
	path := "/" + ann.ID.Hex()

	f.asAdmin(t, http.MethodPatch, path, map[string]any{"title": "<script>x()</script>"}).AssertStatus(t, http.StatusBadRequest)

	rec := f.asAdmin(t, http.MethodPatch, path, map[string]any{"title": "<i>updated</i>", "type": "critical"})
	rec.AssertStatus(t, http.StatusOK)
	var got announcement.Announcement
	rec.DecodeData(t, &got)
	if got.Title != "updated" || got.Type != announcement.TypeCritical {
		t.Errorf("updated = %+v", got)
	}
	if data, _ := f.mem.Get(Collection, ann.ID.Hex()); data["title"] != "updated" {
		t.Errorf("mirrored title = %v", data["title"])
	}

	past := ann.PublishAt.Add(-time.Hour)
	f.asAdmin(t, http.MethodPatch, path, map[string]any{"expires_at": past}).AssertStatus(t, http.StatusBadRequest)

	f.asAdmin(t, http.MethodPost, path+"/unpublish", nil).AssertStatus(t, http.StatusOK)
	if data, _ := f.mem.Get(Collection, ann.ID.Hex()); data["active"] != false {
		t.Errorf("mirror after unpublish = %v", data)
	}
	f.asAdmin(t, http.MethodPost, path+"/publish", nil).AssertStatus(t, http.StatusOK)
	if data, _ := f.mem.Get(Collection, ann.ID.Hex()); data["active"] != true {
		t.Errorf("mirror after publish = %v", data)
	}

	f.asAdmin(t, http.MethodPatch, "/"+primitive.NewObjectID().Hex(), map[string]any{"title": "x"}).AssertStatus(t, http.StatusNotFound)
}

func TestDelete_RemovesViewsAndMirror(t *testing.T) {
	f := newFixture(t)
	ann := f.seed(t, announcement.CreateInput{Title: "t", Content: "c", Type: announcement.TypeInfo, Active: true})
	user := testutil.EmployeeUser()
	f.asEmployee(t, user, http.MethodPost, "/"+ann.ID.Hex()+"/view").AssertStatus(t, http.StatusOK)

	f.asAdmin(t, http.MethodDelete, "/"+ann.ID.Hex(), nil).AssertStatus(t, http.StatusOK)
	f.asAdmin(t, http.MethodGet, "/"+ann.ID.Hex(), nil).AssertStatus(t, http.StatusNotFound)
	f.asAdmin(t, http.MethodDelete, "/"+ann.ID.Hex(), nil).AssertStatus(t, http.StatusNotFound)

	if _, ok := f.mem.Get(Collection, ann.ID.Hex()); ok {
		t.Error("mirror still present after delete")
	}

	ctx, cancel := testutil.TestContext()
	defer cancel()
	seen, err := f.store.ViewedBy(ctx, user.ObjectID(), []primitive.ObjectID{ann.ID})
	if err != nil {
		t.Fatalf("ViewedBy() error = %v", err)
	}
	if seen[ann.ID] {
		t.Error("views survived delete")
	}
}

func TestList_Paging(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.seed(t, announcement.CreateInput{Title: "t", Content: "c", Type: announcement.TypeInfo, Active: true})
	}

	rec := f.asAdmin(t, http.MethodGet, "/?limit=2", nil)
	rec.AssertStatus(t, http.StatusOK)
	var page struct {
		Items []announcement.Announcement `json:"items"`
		Total int64                       `json:"total"`
		Limit int64                       `json:"limit"`
	}
	rec.DecodeData(t, &page)
	if len(page.Items) != 2 || page.Total != 3 || page.Limit != 2 {
		t.Errorf("page = %d items, total %d, limit %d", len(page.Items), page.Total, page.Limit)
	}
}
