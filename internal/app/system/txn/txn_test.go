package txn

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dalemusser/stratashift/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func TestIsNotSupported(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"code 20", mongo.CommandError{Code: 20, Message: "x"}, true},
		{"wrapped code 20", fmt.Errorf("disable: %w", mongo.CommandError{Code: 20}), true},
		{"other code", mongo.CommandError{Code: 11000, Message: "duplicate key"}, false},
		{"message", errors.New("Transaction numbers are only allowed on a replica set member"), true},
		{"single keyword", errors.New("session expired"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotSupported(tt.err); got != tt.want {
				t.Errorf("IsNotSupported(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRun_CommitsWrites(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	err := Run(ctx, db, zap.NewNop(), func(ctx context.Context) error {
		if _, err := db.Collection("a").InsertOne(ctx, bson.M{"n": 1}); err != nil {
			return err
		}
		_, err := db.Collection("b").InsertOne(ctx, bson.M{"n": 2})
		return err
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, name := range []string{"a", "b"} {
		n, _ := db.Collection(name).CountDocuments(ctx, bson.M{})
		if n != 1 {
			t.Errorf("collection %s has %d docs, want 1", name, n)
		}
	}
}

func TestRun_ReturnsFnError(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	boom := errors.New("boom")
	if err := Run(ctx, db, nil, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want boom", err)
	}
}

func TestRun_KnownUnsupportedClientSkipsSession(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	unsupported.Store(db.Client(), struct{}{})
	defer unsupported.Delete(db.Client())

	var inSession bool
	err := Run(ctx, db, zap.NewNop(), func(ctx context.Context) error {
		inSession = mongo.SessionFromContext(ctx) != nil
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if inSession {
		t.Error("fn ran inside a session for a client without transaction support")
	}
}
