package bootstrap

import (
	"context"
	"errors"

	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

// Shutdown runs once the HTTP server has drained, within ctx's deadline.
// Jobs stop before the clients they use are closed. Mirror writes still in
// the outbox are replayed on the next start.
func Shutdown(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			logger.Error("shutdown step failed", zap.String("step", name), zap.Error(err))
			errs = append(errs, err)
		}
	}

	if taskRunner != nil {
		step("task runner", func() error { return taskRunner.Stop(ctx) })
	}
	for _, c := range []any{deps.Face, deps.Broadcast} {
		if c, ok := c.(closer); ok {
			c.Close()
		}
	}
	if deps.MongoClient != nil {
		step("mongo", func() error { return deps.MongoClient.Disconnect(ctx) })
	}
	return errors.Join(errs...)
}
