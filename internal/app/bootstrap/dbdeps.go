// internal/app/bootstrap/dbdeps.go
package bootstrap

import (
	"github.com/dalemusser/stratashift/internal/app/store/outbox"
	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"github.com/dalemusser/stratashift/internal/app/system/facematch"
	"github.com/dalemusser/stratashift/internal/app/system/mailer"
	"github.com/dalemusser/stratashift/internal/app/system/notify"
	"github.com/dalemusser/stratashift/internal/app/system/timeclock"
	"github.com/dalemusser/stratashift/internal/app/system/writethrough"
	"go.mongodb.org/mongo-driver/mongo"
)

// DBDeps holds database and backend dependencies for this WAFFLE app.
//
// This struct is created in ConnectDB and passed to subsequent lifecycle
// hooks: EnsureSchema, Startup, BuildHandler, and Shutdown.
//
// MongoDB is the system of record. Everything else is optional: a blank
// URL or token in AppConfig leaves the matching field on its disabled
// implementation (broadcast.Nop, facematch.Disabled, notify.Nop,
// mailer.LogSender), so handlers never check for nil.
type DBDeps struct {
	// MongoDB client and database
	MongoClient   *mongo.Client
	MongoDatabase *mongo.Database

	// Broadcast is the realtime mirror (PocketBase). Mirror writes to it
	// after Mongo commits and parks failures in Outbox for replay.
	Broadcast broadcast.Store
	Outbox    *outbox.Store
	Mirror    *writethrough.Coordinator

	// Clock is the attendance state machine shared by the HTTP handlers
	// and the autoclose job.
	Clock *timeclock.Service

	// Mailer sends verification codes.
	Mailer mailer.Sender

	// Face compares selfies against reference photos.
	Face facematch.Matcher

	// Notifier receives late check-ins.
	Notifier notify.Notifier
}

// closer is implemented by the HTTP-backed clients that own idle
// connections.
type closer interface {
	Close()
}
