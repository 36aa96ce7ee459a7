package indexes_test

import (
	"context"
	"strings"
	"testing"

	"github.com/dalemusser/stratashift/internal/app/system/indexes"
	"github.com/dalemusser/stratashift/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func indexByName(t *testing.T, ctx context.Context, coll *mongo.Collection, name string) (indexes.ExistingIndex, bool) {
	t.Helper()
	all, err := indexes.ListIndexes(ctx, coll)
	if err != nil {
		t.Fatalf("listIndexes: %v", err)
	}
	for _, idx := range all {
		if idx.Name == name {
			return idx, true
		}
	}
	return indexes.ExistingIndex{}, false
}

func TestEnsureAll_Repeatable(t *testing.T) {
	db := testutil.SetupTestDB(t) // already ran EnsureAll once
	ctx, cancel := testutil.TestContext()
	defer cancel()

	if err := indexes.EnsureAll(ctx, db); err != nil {
		t.Fatalf("second EnsureAll: %v", err)
	}
	idx, ok := indexByName(t, ctx, db.Collection("attendance_records"), "uniq_attendance_user_day")
	if !ok || !idx.Unique {
		t.Fatalf("attendance user/day index = %+v, found %v", idx, ok)
	}
}

func TestEnsureIndexSet_ChangesTTLInPlace(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	coll := db.Collection("rate_limits")

	err := indexes.EnsureIndexSet(ctx, coll, []mongo.IndexModel{{
		Keys:    bson.D{{Key: "last_attempt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(3600).SetName("idx_ratelimit_ttl"),
	}})
	if err != nil {
		t.Fatalf("ensureIndexSet: %v", err)
	}

	idx, ok := indexByName(t, ctx, coll, "idx_ratelimit_ttl")
	if !ok || idx.ExpireAfter == nil || *idx.ExpireAfter != 3600 {
		t.Fatalf("ttl index = %+v", idx)
	}
}

func TestEnsureIndexSet_UpgradesToUnique(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	coll := db.Collection("badges")

	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "badge", Value: 1}},
		Options: options.Index().SetName("legacy_badge"),
	}); err != nil {
		t.Fatalf("seed index: %v", err)
	}

	unique := []mongo.IndexModel{{
		Keys:    bson.D{{Key: "badge", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_badge"),
	}}
	if err := indexes.EnsureIndexSet(ctx, coll, unique); err != nil {
		t.Fatalf("ensureIndexSet: %v", err)
	}
	if _, ok := indexByName(t, ctx, coll, "legacy_badge"); ok {
		t.Error("non-unique index not dropped")
	}
	if idx, ok := indexByName(t, ctx, coll, "uniq_badge"); !ok || !idx.Unique {
		t.Errorf("unique index = %+v, found %v", idx, ok)
	}
}

func TestEnsureIndexSet_ReportsDuplicates(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	coll := db.Collection("badges")

	if _, err := coll.InsertMany(ctx, []any{bson.M{"badge": "EMP-1"}, bson.M{"badge": "EMP-1"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := indexes.EnsureIndexSet(ctx, coll, []mongo.IndexModel{{
		Keys:    bson.D{{Key: "badge", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_badge"),
	}})
	if err == nil || !strings.Contains(err.Error(), "duplicates present") {
		t.Fatalf("err = %v, want duplicates message", err)
	}
}

func TestKeySig(t *testing.T) {
	got := indexes.KeySig(bson.D{{Key: "user_id", Value: 1}, {Key: "day", Value: -1}})
	if got != "user_id:1,day:-1" {
		t.Errorf("keySig = %q", got)
	}
}
