package validators

import (
	"errors"
	"testing"
	"time"

	"github.com/dalemusser/stratashift/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

var stratashiftCollections = []string{
	"users", "attendance_records", "announcements", "announcement_views",
	"audit_logs", "sessions", "admin_sessions", "otp_sessions",
	"oauth_states", "broadcast_outbox",
}

func TestEnsureAll_CreatesCollectionsAndIsRepeatable(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	for i := 0; i < 2; i++ {
		if err := EnsureAll(ctx, db); err != nil {
			t.Fatalf("EnsureAll run %d: %v", i+1, err)
		}
	}

	for _, coll := range stratashiftCollections {
		ok, err := collectionExists(ctx, db, coll)
		if err != nil {
			t.Fatalf("collectionExists(%s): %v", coll, err)
		}
		if !ok {
			t.Errorf("collection %s missing", coll)
		}
	}
}

func TestEnsureAll_RejectsMalformedDocuments(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	if err := EnsureAll(ctx, db); err != nil {
		t.Fatalf("EnsureAll: %v", err)
	}

	now := time.Now().UTC()
	tests := []struct {
		name    string
		coll    string
		doc     bson.M
		wantErr bool
	}{
		{
			name: "valid employee",
			coll: "users",
			doc:  bson.M{"full_name": "Ana Lima", "login_id": "ana", "role": "employee", "status": "active", "auth_method": "password", "shift_start": "08:30"},
		},
		{
			name:    "unknown role",
			coll:    "users",
			doc:     bson.M{"full_name": "Ben", "login_id": "ben", "role": "manager", "status": "active", "auth_method": "password"},
			wantErr: true,
		},
		{
			name:    "shift start out of range",
			coll:    "users",
			doc:     bson.M{"full_name": "Cy", "login_id": "cy", "role": "employee", "status": "active", "auth_method": "password", "shift_start": "25:00"},
			wantErr: true,
		},
		{
			name: "open attendance record",
			coll: "attendance_records",
			doc:  bson.M{"user_id": primitive.NewObjectID(), "day": "2026-03-02", "status": "checkedIn", "check_in_at": now, "late_minutes": 0},
		},
		{
			name:    "attendance status outside the state machine",
			coll:    "attendance_records",
			doc:     bson.M{"user_id": primitive.NewObjectID(), "day": "2026-03-02", "status": "lunch", "check_in_at": now},
			wantErr: true,
		},
		{
			name:    "negative worked minutes",
			coll:    "attendance_records",
			doc:     bson.M{"user_id": primitive.NewObjectID(), "day": "2026-03-02", "status": "checkedOut", "check_in_at": now, "worked_minutes": -5},
			wantErr: true,
		},
		{
			name:    "announcement type",
			coll:    "announcements",
			doc:     bson.M{"title": "Drill", "content": "", "type": "urgent", "active": true, "publish_at": now},
			wantErr: true,
		},
		{
			name:    "audit category",
			coll:    "audit_logs",
			doc:     bson.M{"created_at": now, "category": "billing", "event_type": "x", "success": true},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Collection(tt.coll).InsertOne(ctx, tt.doc)
			if tt.wantErr {
				var we mongo.WriteException
				if !errors.As(err, &we) || len(we.WriteErrors) == 0 || we.WriteErrors[0].Code != 121 {
					t.Fatalf("want document validation failure, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("insert: %v", err)
			}
		})
	}
}

func TestEnsureCollection_ReportsCreation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	created, err := ensureCollection(ctx, db, "scratch_reports")
	if err != nil || !created {
		t.Fatalf("first ensureCollection = %v, %v; want true, nil", created, err)
	}
	created, err = ensureCollection(ctx, db, "scratch_reports")
	if err != nil || created {
		t.Fatalf("second ensureCollection = %v, %v; want false, nil", created, err)
	}
}

func TestServerErrorClassifiers(t *testing.T) {
	tests := []struct {
		name string
		fn   func(error) bool
		err  error
		want bool
	}{
		{"exists nil", isNamespaceExistsErr, nil, false},
		{"exists code 48", isNamespaceExistsErr, mongo.CommandError{Code: 48}, true},
		{"exists message", isNamespaceExistsErr, errors.New("Collection already exists"), true},
		{"no such command code 59", isNoSuchCommand, mongo.CommandError{Code: 59}, true},
		{"no such command other", isNoSuchCommand, errors.New("timeout"), false},
		{"not implemented code 115", isNotImplemented, mongo.CommandError{Code: 115}, true},
		{"documentdb unsupported", isNotImplemented, mongo.CommandError{Message: "Feature not supported: collMod"}, true},
		{"not implemented other", isNotImplemented, errors.New("auth failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
