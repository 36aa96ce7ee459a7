// internal/app/system/indexes/indexes.go
package indexes

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record
//   - LoginID / loginID / login_id: The human-readable string users type to log in

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// EnsureAll reconciles every collection's indexes. Each step is
// idempotent; failures are collected so one bad collection does not hide
// another, and startup fails on any of them.
func EnsureAll(ctx context.Context, db *mongo.Database) error {
	steps := []struct {
		name string
		fn   func(context.Context, *mongo.Database) error
	}{
		{"users", ensureUsers},
		{"sessions", ensureSessions},
		{"admin_sessions", ensureAdminSessions},
		{"otp_sessions", ensureOTPSessions},
		{"oauth_states", ensureOAuthStates},
		{"rate_limits", ensureRateLimits},
		{"audit_logs", ensureAuditLogs},
		{"attendance_records", ensureAttendance},
		{"announcements", ensureAnnouncements},
		{"announcement_views", ensureAnnouncementViews},
		{"broadcast_outbox", ensureBroadcastOutbox},
	}

	var errs []error
	for _, s := range steps {
		if err := s.fn(ctx, db); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// existingIndex is the subset of listIndexes output that reconciliation
// compares.
type existingIndex struct {
	Name        string `bson:"name"`
	Key         bson.D `bson:"key"`
	Unique      bool   `bson:"unique"`
	ExpireAfter *int32 `bson:"expireAfterSeconds"`
}

// keySig renders a key pattern so indexes can be matched by keys rather
// than by name.
func keySig(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, kv := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", kv.Key, kv.Value))
	}
	return strings.Join(parts, ",")
}

// desired is an IndexModel reduced to the options reconciliation cares about.
type desired struct {
	model  mongo.IndexModel
	name   string
	sig    string
	unique bool
	ttl    *int32
}

func describe(m mongo.IndexModel) desired {
	d := desired{model: m, sig: keySig(m.Keys.(bson.D))}
	if o := m.Options; o != nil {
		if o.Name != nil {
			d.name = *o.Name
		}
		d.unique = o.Unique != nil && *o.Unique
		d.ttl = o.ExpireAfterSeconds
	}
	return d
}

func sameTTL(a, b *int32) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ensureIndexSet makes coll carry every index in models. An index whose
// keys already exist is reused when its uniqueness matches; a TTL change is
// applied in place with collMod, and a uniqueness change drops and
// rebuilds the index. Creating a unique index over duplicate data fails
// with a readable error instead of a raw E11000.
func ensureIndexSet(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) error {
	existing, err := listIndexes(ctx, coll)
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	log := zap.L().With(zap.String("collection", coll.Name()))

	var errs []error
	for _, m := range models {
		want := describe(m)
		ex, found := existing[want.sig]

		switch {
		case found && ex.Unique == want.unique && sameTTL(ex.ExpireAfter, want.ttl):
			continue

		case found && ex.Unique == want.unique && want.ttl != nil:
			if err := setTTL(ctx, coll, ex.Name, *want.ttl); err != nil {
				errs = append(errs, fmt.Errorf("%s: change ttl: %w", want.name, err))
				continue
			}
			log.Info("index ttl changed", zap.String("name", ex.Name), zap.Int32("expire_after_seconds", *want.ttl))
			continue

		case found:
			if _, err := coll.Indexes().DropOne(ctx, ex.Name); err != nil {
				errs = append(errs, fmt.Errorf("%s: drop %s: %w", want.name, ex.Name, err))
				continue
			}
			log.Info("index dropped for rebuild", zap.String("name", ex.Name))
		}

		start := time.Now()
		if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
			if want.unique && (wafflemongo.IsDup(err) || strings.Contains(err.Error(), "E11000")) {
				err = errors.New("cannot create unique index, duplicates present")
			}
			errs = append(errs, fmt.Errorf("%s: %w", want.name, err))
			continue
		}
		log.Info("index created",
			zap.String("name", want.name),
			zap.String("keys", want.sig),
			zap.Bool("unique", want.unique),
			zap.Duration("took", time.Since(start)))
	}
	return errors.Join(errs...)
}

func listIndexes(ctx context.Context, coll *mongo.Collection) (map[string]existingIndex, error) {
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		// A collection that does not exist yet has no indexes.
		if ce := (mongo.CommandError{}); errors.As(err, &ce) && ce.Code == 26 {
			return map[string]existingIndex{}, nil
		}
		return nil, err
	}
	var all []existingIndex
	if err := cur.All(ctx, &all); err != nil {
		return nil, err
	}
	out := make(map[string]existingIndex, len(all))
	for _, idx := range all {
		out[keySig(idx.Key)] = idx
	}
	return out, nil
}

func setTTL(ctx context.Context, coll *mongo.Collection, name string, seconds int32) error {
	return coll.Database().RunCommand(ctx, bson.D{
		{Key: "collMod", Value: coll.Name()},
		{Key: "index", Value: bson.D{
			{Key: "name", Value: name},
			{Key: "expireAfterSeconds", Value: seconds},
		}},
	}).Err()
}

func ensureUsers(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("users")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		// One account per login id regardless of auth method
		{
			Keys:    bson.D{{Key: "login_id_ci", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_users_login_id_ci"),
		},

		// Google sign-in resolves existing accounts by email
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("idx_users_email"),
		},

		// User list queries: role + status + name sort
		{
			Keys: bson.D{
				{Key: "role", Value: 1},
				{Key: "status", Value: 1},
				{Key: "full_name_ci", Value: 1},
				{Key: "_id", Value: 1},
			},
			Options: options.Index().SetName("idx_users_role_status_fullnameci_id"),
		},
	})
}

func ensureSessions(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("sessions")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "token", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_session_token"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetName("idx_session_user"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("idx_session_ttl"),
		},
		{
			Keys:    bson.D{{Key: "logout_at", Value: 1}, {Key: "last_activity", Value: -1}},
			Options: options.Index().SetName("idx_session_active"),
		},
	})
}

func ensureAdminSessions(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("admin_sessions")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "admin_id", Value: 1}, {Key: "revoked_at", Value: 1}},
			Options: options.Index().SetName("idx_adminsess_admin"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("idx_adminsess_ttl"),
		},
	})
}

func ensureOTPSessions(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("otp_sessions")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "token", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_otp_token"),
		},
		// At most one live session per user
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_otp_user"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("idx_otp_ttl"),
		},
	})
}

func ensureOAuthStates(ctx context.Context, db *mongo.Database) error {
	// The state value is the _id.
	c := db.Collection("oauth_states")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("idx_oauth_state_ttl"),
		},
	})
}

func ensureRateLimits(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("rate_limits")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "last_attempt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(86400).SetName("idx_ratelimit_ttl"),
		},
	})
}

func ensureAuditLogs(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("audit_logs")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_audit_user"),
		},
		{
			Keys:    bson.D{{Key: "actor_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_audit_actor"),
		},
		{
			Keys:    bson.D{{Key: "category", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_audit_category"),
		},
		{
			Keys:    bson.D{{Key: "event_type", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_audit_event_type"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_audit_created"),
		},
	})
}

func ensureAttendance(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("attendance_records")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		// One record per user per working day
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "day", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_attendance_user_day"),
		},
		{
			Keys:    bson.D{{Key: "day", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_attendance_day_status"),
		},
	})
}

func ensureAnnouncements(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("announcements")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "active", Value: 1}, {Key: "publish_at", Value: -1}},
			Options: options.Index().SetName("idx_ann_active_publish"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_ann_created"),
		},
	})
}

func ensureAnnouncementViews(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("announcement_views")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "announcement_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_view_ann_user"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetName("idx_view_user"),
		},
	})
}

func ensureBroadcastOutbox(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("broadcast_outbox")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		// One pending replay per record slot
		{
			Keys:    bson.D{{Key: "collection", Value: 1}, {Key: "key", Value: 1}, {Key: "slot", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_collection_key_slot"),
		},
		{
			Keys:    bson.D{{Key: "next_attempt_at", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("idx_next_attempt"),
		},
	})
}
