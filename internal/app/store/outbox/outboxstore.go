// internal/app/store/outbox/outboxstore.go
package outbox

import (
	"context"
	"time"

	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// slotState holds the latest put or delete for a key. Increments get one
// slot per field ("counter:<field>") so their deltas accumulate.
const slotState = "state"

// Entry is a broadcast mutation waiting to be replayed.
type Entry struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty"`
	Slot               string             `bson:"slot"`
	broadcast.Mutation `bson:",inline"`
	Attempts           int       `bson:"attempts"`
	LastError          string    `bson:"last_error,omitempty"`
	NextAttemptAt      time.Time `bson:"next_attempt_at"`
	CreatedAt          time.Time `bson:"created_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

// Store provides access to the broadcast_outbox collection.
type Store struct {
	c *mongo.Collection
}

// New creates a new outbox store.
func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("broadcast_outbox")}
}

// Enqueue stores m for replay. A put or delete replaces any pending put or
// delete for the same key and discards pending increments, since the new
// state already reflects them. Increments for the same field accumulate.
func (s *Store) Enqueue(ctx context.Context, m broadcast.Mutation, cause error) error {
	now := time.Now().UTC()
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	if m.Op == broadcast.OpIncrement {
		_, err := s.c.UpdateOne(ctx,
			bson.M{"collection": m.Collection, "key": m.Key, "slot": "counter:" + m.Field},
			bson.M{
				"$inc": bson.M{"delta": m.Delta},
				"$set": bson.M{"last_error": lastErr, "updated_at": now},
				"$setOnInsert": bson.M{
					"op":              m.Op,
					"field":           m.Field,
					"attempts":        0,
					"next_attempt_at": now,
					"created_at":      now,
				},
			},
			options.Update().SetUpsert(true),
		)
		return err
	}

	if _, err := s.c.DeleteMany(ctx, bson.M{
		"collection": m.Collection,
		"key":        m.Key,
		"op":         broadcast.OpIncrement,
	}); err != nil {
		return err
	}

	set := bson.M{
		"op":              m.Op,
		"data":            m.Data,
		"attempts":        0,
		"last_error":      lastErr,
		"next_attempt_at": now,
		"updated_at":      now,
	}
	if m.Op == broadcast.OpDelete {
		set["data"] = nil
	}
	_, err := s.c.UpdateOne(ctx,
		bson.M{"collection": m.Collection, "key": m.Key, "slot": slotState},
		bson.M{"$set": set, "$setOnInsert": bson.M{"created_at": now}},
		options.Update().SetUpsert(true),
	)
	return err
}

// Applied reconciles pending entries with m, which was just mirrored live.
// A put or delete carries the record's current state, so every pending
// entry for the key is stale and removed. An increment is folded into a
// pending put that carries the field, so replaying that put does not undo
// it; bumping updated_at also keeps an in-flight replay from settling it.
func (s *Store) Applied(ctx context.Context, m broadcast.Mutation) error {
	if m.Op == broadcast.OpIncrement {
		field := "data." + m.Field
		_, err := s.c.UpdateOne(ctx,
			bson.M{
				"collection": m.Collection,
				"key":        m.Key,
				"slot":       slotState,
				"op":         broadcast.OpPut,
				field:        bson.M{"$exists": true},
			},
			bson.M{
				"$inc": bson.M{field: m.Delta},
				"$set": bson.M{"updated_at": time.Now().UTC()},
			},
		)
		return err
	}
	_, err := s.c.DeleteMany(ctx, bson.M{"collection": m.Collection, "key": m.Key})
	return err
}

// Due returns entries whose next attempt is at or before now, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(limit)
	cur, err := s.c.Find(ctx, bson.M{"next_attempt_at": bson.M{"$lte": now}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Entry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reschedule records a failed replay.
func (s *Store) Reschedule(ctx context.Context, id primitive.ObjectID, cause error, next time.Time) error {
	_, err := s.c.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc": bson.M{"attempts": 1},
			"$set": bson.M{"last_error": cause.Error(), "next_attempt_at": next, "updated_at": time.Now().UTC()},
		},
	)
	return err
}

// Settle removes what e applied. A state entry is deleted unless a newer
// put or delete replaced it after it was read. An increment entry has the
// applied delta subtracted and is deleted once nothing remains, so deltas
// enqueued during the replay are kept.
func (s *Store) Settle(ctx context.Context, e Entry) error {
	if e.Op != broadcast.OpIncrement {
		_, err := s.c.DeleteOne(ctx, bson.M{"_id": e.ID, "updated_at": e.UpdatedAt})
		return err
	}
	if _, err := s.c.UpdateOne(ctx,
		bson.M{"_id": e.ID},
		bson.M{"$inc": bson.M{"delta": -e.Delta}},
	); err != nil {
		return err
	}
	_, err := s.c.DeleteOne(ctx, bson.M{"_id": e.ID, "delta": 0})
	return err
}

// Drop deletes an entry that will not be retried.
func (s *Store) Drop(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.c.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// Count returns the number of pending entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.c.CountDocuments(ctx, bson.M{})
}
