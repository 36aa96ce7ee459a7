// Package testutil provides MongoDB and HTTP fixtures for package tests.
package testutil

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dalemusser/stratashift/internal/app/system/indexes"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	// TestDBURI is used unless STRATASHIFT_TEST_MONGO_URI is set.
	TestDBURI = "mongodb://localhost:27017"
	// TestDBName prefixes every per-test database.
	TestDBName = "stratashift_test"

	// MongoDB database names are capped at 63 bytes.
	maxDBName = 63
)

var (
	clientOnce sync.Once
	client     *mongo.Client
	clientErr  error
)

// sharedClient connects once per test binary through the same pooled
// connector the server uses. Packages run in parallel, so the pool is
// larger than production's default.
func sharedClient() (*mongo.Client, error) {
	clientOnce.Do(func() {
		uri := os.Getenv("STRATASHIFT_TEST_MONGO_URI")
		if uri == "" {
			uri = TestDBURI
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool := wafflemongo.DefaultPoolConfig()
		pool.MaxPoolSize = 200
		client, clientErr = wafflemongo.ConnectWithPool(ctx, uri, TestDBName, pool)
	})
	return client, clientErr
}

// SetupTestDB returns an empty database named after the test, with the
// production indexes in place (unique login IDs, one attendance record per
// user and day, TTLs). The test is skipped when MongoDB is unreachable and
// the database is dropped on cleanup.
func SetupTestDB(t *testing.T) *mongo.Database {
	t.Helper()

	c, err := sharedClient()
	if err != nil {
		t.Skipf("test MongoDB unavailable: %v", err)
	}
	db := c.Database(DBNameFor(t.Name()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Drop(ctx); err != nil {
		t.Fatalf("drop %s: %v", db.Name(), err)
	}
	if err := indexes.EnsureAll(ctx, db); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.Drop(ctx); err != nil {
			t.Logf("drop %s on cleanup: %v", db.Name(), err)
		}
	})
	return db
}

// DBNameFor maps a test name such as "TestClock/late check-in" onto a
// legal database name.
func DBNameFor(testName string) string {
	suffix := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, testName)

	name := TestDBName + "_" + suffix
	if len(name) > maxDBName {
		name = name[:maxDBName]
	}
	return name
}

// TestContext returns a context with a reasonable timeout for test operations.
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
