// internal/app/system/validators/validators.go
package validators

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record
//   - LoginID / loginID / login_id: The human-readable string users type to log in

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// EnsureAll creates every StrataShift collection and attaches JSON-Schema
// validators to the ones that hold user-facing state. Servers without
// collMod support (some DocumentDB versions) keep the collections and skip
// the validators.
func EnsureAll(ctx context.Context, db *mongo.Database) error {
	var problems []string

	ensure := func(coll string, schema bson.M) {
		if _, err := ensureCollection(ctx, db, coll); err != nil {
			problems = append(problems, coll+": "+err.Error())
			return
		}
		if schema == nil {
			return
		}
		if err := setValidator(ctx, db, coll, schema); err != nil {
			if isNoSuchCommand(err) || isNotImplemented(err) {
				zap.L().Info("validator skipped (unsupported)", zap.String("collection", coll))
				return
			}
			problems = append(problems, coll+": "+err.Error())
		}
	}

	ensure("users", usersSchema())
	ensure("attendance_records", attendanceSchema())
	ensure("announcements", announcementsSchema())
	ensure("announcement_views", nil)
	ensure("audit_logs", auditSchema())
	ensure("sessions", nil)
	ensure("admin_sessions", nil)
	ensure("otp_sessions", nil)
	ensure("oauth_states", nil)
	ensure("broadcast_outbox", nil)

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// collectionExists reports whether name is already present.
func collectionExists(ctx context.Context, db *mongo.Database, name string) (bool, error) {
	names, err := db.ListCollectionNames(ctx, bson.M{"name": name})
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

// ensureCollection creates name unless it exists. created is true only when
// this call made it; a concurrent creator counts as existing.
func ensureCollection(ctx context.Context, db *mongo.Database, name string) (created bool, err error) {
	if ok, listErr := collectionExists(ctx, db, name); listErr == nil && ok {
		return false, nil
	}
	if err := db.CreateCollection(ctx, name); err != nil {
		if isNamespaceExistsErr(err) {
			return false, nil
		}
		return false, err
	}
	zap.L().Info("created collection", zap.String("collection", name))
	return true, nil
}

// setValidator attaches schema with moderate validation, so documents
// written before a schema change are not rejected on unrelated updates.
func setValidator(ctx context.Context, db *mongo.Database, name string, schema bson.M) error {
	cmd := bson.D{
		{Key: "collMod", Value: name},
		{Key: "validator", Value: schema},
		{Key: "validationLevel", Value: "moderate"},
		{Key: "validationAction", Value: "error"},
	}
	return db.RunCommand(ctx, cmd).Err()
}

func isNamespaceExistsErr(err error) bool {
	return serverErr(err, 48, "already exists", "namespace exists")
}

func isNoSuchCommand(err error) bool {
	return serverErr(err, 59, "no such command")
}

func isNotImplemented(err error) bool {
	return serverErr(err, 115, "not implemented", "not supported")
}

// serverErr matches a command error by code, or any error by message.
func serverErr(err error, code int32, phrases ...string) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == code {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range phrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func usersSchema() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"full_name", "login_id", "role", "status", "auth_method"},
			"properties": bson.M{
				"full_name":    bson.M{"bsonType": "string", "minLength": 1, "pattern": ".*\\S.*"},
				"full_name_ci": bson.M{"bsonType": "string"},
				"login_id":     bson.M{"bsonType": "string", "minLength": 1},
				"login_id_ci":  bson.M{"bsonType": "string", "minLength": 1},
				"email":        bson.M{"bsonType": bson.A{"string", "null"}},
				"role":         bson.M{"enum": bson.A{"admin", "employee"}},
				"status":       bson.M{"enum": bson.A{"active", "disabled"}},
				"auth_method":  bson.M{"enum": bson.A{"password", "google"}},
				"shift_start":  bson.M{"bsonType": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
			},
		},
	}
}

func attendanceSchema() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"user_id", "day", "status", "check_in_at"},
			"properties": bson.M{
				"user_id":          bson.M{"bsonType": "objectId"},
				"day":              bson.M{"bsonType": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
				"status":           bson.M{"enum": bson.A{"checkedIn", "onBreak", "checkedOut"}},
				"late_minutes":     bson.M{"bsonType": bson.A{"int", "long"}, "minimum": 0},
				"worked_minutes":   bson.M{"bsonType": bson.A{"int", "long"}, "minimum": 0},
				"overtime_minutes": bson.M{"bsonType": bson.A{"int", "long"}, "minimum": 0},
				"break_minutes":    bson.M{"bsonType": bson.A{"int", "long"}, "minimum": 0},
			},
		},
	}
}

func announcementsSchema() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"title", "content", "type", "active", "publish_at"},
			"properties": bson.M{
				"title":      bson.M{"bsonType": "string", "minLength": 1},
				"content":    bson.M{"bsonType": "string"},
				"type":       bson.M{"enum": bson.A{"info", "warning", "critical"}},
				"pinned":     bson.M{"bsonType": "bool"},
				"active":     bson.M{"bsonType": "bool"},
				"view_count": bson.M{"bsonType": bson.A{"int", "long"}, "minimum": 0},
			},
		},
	}
}

func auditSchema() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"created_at", "category", "event_type", "success"},
			"properties": bson.M{
				"category":   bson.M{"enum": bson.A{"auth", "admin", "attendance", "verification"}},
				"event_type": bson.M{"bsonType": "string", "minLength": 1},
				"success":    bson.M{"bsonType": "bool"},
			},
		},
	}
}
