package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePocketBase implements the subset of the PocketBase records API the
// client uses: filter by key, create, patch (with "field+" modifiers) and
// delete.
type fakePocketBase struct {
	mu      sync.Mutex
	records map[string]map[string]map[string]any // collection -> id -> record
	nextID  int
	auth    []string
}

func newFakePocketBase() *fakePocketBase {
	return &fakePocketBase{records: make(map[string]map[string]map[string]any)}
}

func (f *fakePocketBase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	if r.URL.Path == "/api/health" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":200,"message":"API is healthy."}`))
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// api/collections/{c}/records[/{id}]
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "collections" || parts[3] != "records" {
		http.NotFound(w, r)
		return
	}
	coll := parts[2]
	if f.records[coll] == nil {
		f.records[coll] = make(map[string]map[string]any)
	}
	recs := f.records[coll]

	switch {
	case r.Method == http.MethodGet && len(parts) == 4:
		filter := r.URL.Query().Get("filter")
		want := strings.TrimSuffix(strings.TrimPrefix(filter, "key='"), "'")
		items := []map[string]any{}
		for id, rec := range recs {
			if rec["key"] == want {
				items = append(items, map[string]any{"id": id})
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})

	case r.Method == http.MethodPost && len(parts) == 4:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, rec := range recs {
			if rec["key"] == body["key"] {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"message":"key must be unique"}`))
				return
			}
		}
		f.nextID++
		id := fmt.Sprintf("rec%03d", f.nextID)
		recs[id] = body
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id})

	case r.Method == http.MethodPatch && len(parts) == 5:
		rec, ok := recs[parts[4]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		for k, v := range body {
			if field, isInc := strings.CutSuffix(k, "+"); isInc {
				cur, _ := rec[field].(float64)
				rec[field] = cur + v.(float64)
				continue
			}
			rec[k] = v
		}
		_ = json.NewEncoder(w).Encode(rec)

	case r.Method == http.MethodDelete && len(parts) == 5:
		if _, ok := recs[parts[4]]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(recs, parts[4])
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakePocketBase) byKey(coll, key string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records[coll] {
		if rec["key"] == key {
			return rec
		}
	}
	return nil
}

func newTestClient(t *testing.T) (*PocketBase, *fakePocketBase) {
	t.Helper()
	fake := newFakePocketBase()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	pb := NewPocketBase(Config{URL: srv.URL + "/", Token: "pb-admin-token", Timeout: 2 * time.Second})
	t.Cleanup(pb.Close)
	return pb, fake
}

func TestPocketBase_PutCreatesThenPatches(t *testing.T) {
	pb, fake := newTestClient(t)
	ctx := context.Background()

	if err := pb.Put(ctx, "attendance_live", "u1", map[string]any{"status": "checkedIn"}); err != nil {
		t.Fatalf("Put (create) error = %v", err)
	}
	if err := pb.Put(ctx, "attendance_live", "u1", map[string]any{"status": "onBreak"}); err != nil {
		t.Fatalf("Put (update) error = %v", err)
	}

	rec := fake.byKey("attendance_live", "u1")
	if rec == nil {
		t.Fatal("record not created")
	}
	if rec["status"] != "onBreak" {
		t.Errorf("status = %v, want onBreak", rec["status"])
	}
	if n := len(fake.records["attendance_live"]); n != 1 {
		t.Errorf("record count = %d, want 1", n)
	}
	for _, a := range fake.auth {
		if a != "pb-admin-token" {
			t.Errorf("Authorization = %q, want pb-admin-token", a)
		}
	}
}

func TestPocketBase_Increment(t *testing.T) {
	pb, fake := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := pb.Increment(ctx, "announcements", "a1", "view_count", 1); err != nil {
			t.Fatalf("Increment #%d error = %v", i, err)
		}
	}

	rec := fake.byKey("announcements", "a1")
	if rec == nil {
		t.Fatal("record not created")
	}
	if rec["view_count"].(float64) != 3 {
		t.Errorf("view_count = %v, want 3", rec["view_count"])
	}
}

func TestPocketBase_Delete(t *testing.T) {
	pb, fake := newTestClient(t)
	ctx := context.Background()

	if err := pb.Put(ctx, "announcements", "a1", map[string]any{"title": "x"}); err != nil {
		t.Fatalf("Put error = %v", err)
	}
	if err := pb.Delete(ctx, "announcements", "a1"); err != nil {
		t.Fatalf("Delete error = %v", err)
	}
	if fake.byKey("announcements", "a1") != nil {
		t.Error("record should be deleted")
	}
	if err := pb.Delete(ctx, "announcements", "missing"); err != nil {
		t.Errorf("Delete(missing) error = %v, want nil", err)
	}
}

func TestPocketBase_Ping(t *testing.T) {
	pb, _ := newTestClient(t)
	if err := pb.Ping(context.Background()); err != nil {
		t.Errorf("Ping error = %v", err)
	}
}

func TestPocketBase_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	pb := NewPocketBase(Config{URL: srv.URL})
	err := pb.Put(context.Background(), "c", "k", map[string]any{"a": 1})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", se.Status)
	}
}

func TestEscapeFilterValue(t *testing.T) {
	tests := map[string]string{
		"plain":    "plain",
		"o'brien":  `o\'brien`,
		`back\sla`: `back\\sla`,
	}
	for in, want := range tests {
		if got := escapeFilterValue(in); got != want {
			t.Errorf("escapeFilterValue(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNop(t *testing.T) {
	var s Store = Nop{}
	if err := s.Put(context.Background(), "c", "k", nil); err != nil {
		t.Errorf("Put error = %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("Ping error = %v, want ErrDisabled", err)
	}
}
