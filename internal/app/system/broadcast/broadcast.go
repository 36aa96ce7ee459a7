// Package broadcast writes denormalized copies of records to the realtime
// broadcast store that connected clients subscribe to.
//
// The broadcast store is never authoritative. Server code only writes to it
// (through writethrough.Coordinator) and never reads from it to make a
// decision; MongoDB remains the source of truth.
package broadcast

import (
	"context"
	"errors"
	"fmt"
)

// ErrDisabled is returned by Nop.Ping when no broadcast store is configured.
var ErrDisabled = errors.New("broadcast store not configured")

// Store is the write surface of a broadcast backend. Records are addressed by
// collection and a caller-chosen key (for example a user id or "userID_day").
type Store interface {
	// Put creates or replaces the fields of the record at key.
	Put(ctx context.Context, collection, key string, data map[string]any) error
	// Increment atomically adds delta to a numeric field, creating the
	// record when it does not exist yet.
	Increment(ctx context.Context, collection, key, field string, delta int) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, collection, key string) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Nop discards every write. Used when no broadcast URL is configured.
type Nop struct{}

func (Nop) Put(context.Context, string, string, map[string]any) error     { return nil }
func (Nop) Increment(context.Context, string, string, string, int) error { return nil }
func (Nop) Delete(context.Context, string, string) error                 { return nil }
func (Nop) Ping(context.Context) error                                   { return ErrDisabled }

var _ Store = Nop{}

// Op names a broadcast write.
type Op string

const (
	OpPut       Op = "put"
	OpIncrement Op = "increment"
	OpDelete    Op = "delete"
)

// Mutation is one broadcast write expressed as data, so it can be applied
// now or persisted and replayed later.
type Mutation struct {
	Op         Op             `bson:"op" json:"op"`
	Collection string         `bson:"collection" json:"collection"`
	Key        string         `bson:"key" json:"key"`
	Data       map[string]any `bson:"data,omitempty" json:"data,omitempty"`
	Field      string         `bson:"field,omitempty" json:"field,omitempty"`
	Delta      int            `bson:"delta,omitempty" json:"delta,omitempty"`
}

// Put builds a put mutation.
func Put(collection, key string, data map[string]any) Mutation {
	return Mutation{Op: OpPut, Collection: collection, Key: key, Data: data}
}

// Increment builds an increment mutation.
func Increment(collection, key, field string, delta int) Mutation {
	return Mutation{Op: OpIncrement, Collection: collection, Key: key, Field: field, Delta: delta}
}

// Delete builds a delete mutation.
func Delete(collection, key string) Mutation {
	return Mutation{Op: OpDelete, Collection: collection, Key: key}
}

// Apply performs the mutation against s.
func (m Mutation) Apply(ctx context.Context, s Store) error {
	switch m.Op {
	case OpPut:
		return s.Put(ctx, m.Collection, m.Key, m.Data)
	case OpIncrement:
		return s.Increment(ctx, m.Collection, m.Key, m.Field, m.Delta)
	case OpDelete:
		return s.Delete(ctx, m.Collection, m.Key)
	}
	return fmt.Errorf("broadcast: unknown op %q", m.Op)
}
