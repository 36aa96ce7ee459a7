// internal/app/store/attendance/attendancestore.go
package attendance

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalemusser/stratashift/internal/domain/models"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrNotFound is returned when no record exists.
	ErrNotFound = errors.New("attendance record not found")
	// ErrAlreadyExists is returned by Create when the user already has a
	// record for the day.
	ErrAlreadyExists = errors.New("attendance record already exists for this day")
	// ErrStale is returned by conditional updates when the record changed
	// (status or revision) since it was read.
	ErrStale = errors.New("attendance record changed concurrently")
)

// Store provides access to the attendance_records collection.
type Store struct {
	c *mongo.Collection
}

// New creates a new attendance store.
func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("attendance_records")}
}

// Create inserts a new record. The unique (user_id, day) index guarantees at
// most one record per user per day.
func (s *Store) Create(ctx context.Context, rec *models.AttendanceRecord) error {
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}
	if rec.Breaks == nil {
		rec.Breaks = []models.Break{}
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Rev = 1

	if _, err := s.c.InsertOne(ctx, rec); err != nil {
		if wafflemongo.IsDup(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// GetByID returns a record by id.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (*models.AttendanceRecord, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// GetByUserDay returns the user's record for day.
func (s *Store) GetByUserDay(ctx context.Context, userID primitive.ObjectID, day string) (*models.AttendanceRecord, error) {
	return s.findOne(ctx, bson.M{"user_id": userID, "day": day})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*models.AttendanceRecord, error) {
	var rec models.AttendanceRecord
	if err := s.c.FindOne(ctx, filter).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// StartBreak opens a break on a checkedIn record read at revision rev.
func (s *Store) StartBreak(ctx context.Context, id primitive.ObjectID, rev int64, at time.Time) (*models.AttendanceRecord, error) {
	return s.apply(ctx,
		bson.M{"_id": id, "rev": rev, "status": models.AttendanceCheckedIn},
		bson.M{
			"$set":  bson.M{"status": models.AttendanceOnBreak, "updated_at": time.Now().UTC()},
			"$push": bson.M{"breaks": models.Break{StartedAt: at}},
			"$inc":  bson.M{"rev": 1},
		},
	)
}

// EndBreak closes the open break at index idx on an onBreak record.
func (s *Store) EndBreak(ctx context.Context, id primitive.ObjectID, rev int64, idx int, at time.Time, minutes int) (*models.AttendanceRecord, error) {
	prefix := fmt.Sprintf("breaks.%d.", idx)
	return s.apply(ctx,
		bson.M{"_id": id, "rev": rev, "status": models.AttendanceOnBreak},
		bson.M{
			"$set": bson.M{
				"status":             models.AttendanceCheckedIn,
				prefix + "ended_at": at,
				prefix + "minutes":  minutes,
				"updated_at":        time.Now().UTC(),
			},
			"$inc": bson.M{"rev": 1, "break_minutes": minutes},
		},
	)
}

// CheckOutInput carries the finalized totals.
type CheckOutInput struct {
	At              time.Time
	Location        *models.Location
	Breaks          []models.Break // full break list with any open break closed
	BreakMinutes    int
	WorkedMinutes   int
	OvertimeMinutes int
	AutoClosed      bool
	Note            string
}

// CheckOut finalizes a checkedIn or onBreak record read at revision rev.
// A record that is already checkedOut never matches, so totals are written
// exactly once.
func (s *Store) CheckOut(ctx context.Context, id primitive.ObjectID, rev int64, in CheckOutInput) (*models.AttendanceRecord, error) {
	set := bson.M{
		"status":           models.AttendanceCheckedOut,
		"check_out_at":     in.At,
		"breaks":           in.Breaks,
		"break_minutes":    in.BreakMinutes,
		"worked_minutes":   in.WorkedMinutes,
		"overtime_minutes": in.OvertimeMinutes,
		"auto_closed":      in.AutoClosed,
		"updated_at":       time.Now().UTC(),
	}
	if in.Location != nil {
		set["check_out_location"] = in.Location
	}
	if in.Note != "" {
		set["note"] = in.Note
	}
	return s.apply(ctx,
		bson.M{
			"_id":    id,
			"rev":    rev,
			"status": bson.M{"$in": []models.AttendanceStatus{models.AttendanceCheckedIn, models.AttendanceOnBreak}},
		},
		bson.M{"$set": set, "$inc": bson.M{"rev": 1}},
	)
}

func (s *Store) apply(ctx context.Context, filter, update bson.M) (*models.AttendanceRecord, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var rec models.AttendanceRecord
	if err := s.c.FindOneAndUpdate(ctx, filter, update, opts).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStale
		}
		return nil, err
	}
	return &rec, nil
}

// ListByUser returns the user's records with fromDay <= day <= toDay,
// oldest first.
func (s *Store) ListByUser(ctx context.Context, userID primitive.ObjectID, fromDay, toDay string) ([]models.AttendanceRecord, error) {
	filter := bson.M{
		"user_id": userID,
		"day":     bson.M{"$gte": fromDay, "$lte": toDay},
	}
	return s.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "day", Value: 1}}))
}

// ListByDay returns every record for day ordered by check-in time.
func (s *Store) ListByDay(ctx context.Context, day string) ([]models.AttendanceRecord, error) {
	return s.find(ctx, bson.M{"day": day}, options.Find().SetSort(bson.D{{Key: "check_in_at", Value: 1}}))
}

// ListOpenBefore returns records from days before day that were never
// checked out.
func (s *Store) ListOpenBefore(ctx context.Context, day string, limit int64) ([]models.AttendanceRecord, error) {
	filter := bson.M{
		"day":    bson.M{"$lt": day},
		"status": bson.M{"$in": []models.AttendanceStatus{models.AttendanceCheckedIn, models.AttendanceOnBreak}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "day", Value: 1}}).SetLimit(limit)
	return s.find(ctx, filter, opts)
}

// CountOpen returns how many records have status other than checkedOut for
// the user on day. The unique index keeps this at most 1.
func (s *Store) CountOpen(ctx context.Context, userID primitive.ObjectID, day string) (int64, error) {
	return s.c.CountDocuments(ctx, bson.M{
		"user_id": userID,
		"day":     day,
		"status":  bson.M{"$ne": models.AttendanceCheckedOut},
	})
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.AttendanceRecord, error) {
	cur, err := s.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.AttendanceRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
