package bootstrap

import (
	"github.com/dalemusser/waffle/app"
)

// Hooks is the StrataShift lifecycle as app.Run drives it: configuration,
// MongoDB, schema, background jobs, the router, then shutdown.
var Hooks = app.Hooks[AppConfig, DBDeps]{
	Name:           "stratashift",
	LoadConfig:     LoadConfig,
	ValidateConfig: ValidateConfig,
	ConnectDB:      ConnectDB,
	EnsureSchema:   EnsureSchema, // validators, indexes, first admin
	Startup:        Startup,      // task runner, outbox replay
	BuildHandler:   BuildHandler,
	Shutdown:       Shutdown,
}
