// Package txn runs multi-document MongoDB writes in a transaction when the
// deployment supports one.
//
// Usage:
//
//	err := txn.Run(ctx, db, log, func(ctx context.Context) error {
//	    if err := users.SetStatus(ctx, id, models.StatusDisabled); err != nil {
//	        return err
//	    }
//	    _, err := sessions.CloseByUser(ctx, id, sessions.EndReasonDisabled)
//	    return err
//	})
//
// A standalone server (no replica set) cannot run transactions. The first
// failure is remembered per client and later calls run fn directly, so
// tests and single-node development keep working with best-effort
// atomicity.
package txn

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"
)

// Func is the body of a transaction. ctx is a mongo.SessionContext inside
// a transaction and the caller's context otherwise; all database calls
// must use it.
type Func func(ctx context.Context) error

// unsupported holds the clients known to lack transaction support.
var unsupported sync.Map // *mongo.Client -> struct{}

var txnOpts = options.Transaction().
	SetReadConcern(readconcern.Snapshot()).
	SetWriteConcern(writeconcern.Majority())

// Run executes fn within a snapshot transaction with majority writes. log
// may be nil.
func Run(ctx context.Context, db *mongo.Database, log *zap.Logger, fn Func) error {
	client := db.Client()
	if _, known := unsupported.Load(client); known {
		return fn(ctx)
	}

	session, err := client.StartSession()
	if err != nil {
		warn(log, "cannot start session, running without transaction", err)
		return fn(ctx)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	}, txnOpts)
	if err == nil {
		return nil
	}
	if !IsNotSupported(err) {
		return err
	}

	unsupported.Store(client, struct{}{})
	warn(log, "transactions not supported, running without transaction", err)
	return fn(ctx)
}

func warn(log *zap.Logger, msg string, err error) {
	if log != nil {
		log.Warn(msg, zap.Error(err))
	}
}

// IsNotSupported reports whether err means the deployment cannot run
// transactions.
//
// Known error codes:
//   - 20: "Transaction numbers are only allowed on a replica set member or mongos"
//   - 51: IllegalOperation
//   - 263: "Cannot run 'aggregate' in a multi-document transaction"
func IsNotSupported(err error) bool {
	if err == nil {
		return false
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 20, 51, 263:
			return true
		}
	}

	// Two keywords are needed; "session" alone shows up in unrelated errors.
	msg := strings.ToLower(err.Error())
	hits := 0
	for _, kw := range []string{"transaction", "replica set", "session", "not supported", "illegal operation"} {
		if strings.Contains(msg, kw) {
			hits++
		}
	}
	return hits >= 2
}
