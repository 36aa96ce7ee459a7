package bootstrap

import (
	"context"

	"github.com/dalemusser/stratashift/internal/app/store/adminsessions"
	"github.com/dalemusser/stratashift/internal/app/store/oauthstate"
	"github.com/dalemusser/stratashift/internal/app/store/otp"
	"github.com/dalemusser/stratashift/internal/app/store/sessions"
	"github.com/dalemusser/stratashift/internal/app/system/tasks"
	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

// Startup starts the background jobs. It runs after EnsureSchema and
// before the router is built.
func Startup(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	taskRunner = newTaskRunner(appCfg, deps, logger)
	taskRunner.Start()
	logger.Info("background jobs started", zap.Strings("jobs", taskRunner.Names()))
	return nil
}

// taskRunner is stopped by Shutdown.
var taskRunner *tasks.Runner

func newTaskRunner(appCfg AppConfig, deps DBDeps, logger *zap.Logger) *tasks.Runner {
	db := deps.MongoDatabase
	r := tasks.New(logger)

	r.Register(tasks.SessionCleanupJob(sessions.New(db), logger, appCfg.SessionIdleTimeout))
	r.Register(tasks.AdminSessionCleanupJob(adminsessions.New(db), logger, appCfg.AdminSessionRetention))
	r.Register(tasks.OTPCleanupJob(otp.New(db, appCfg.OTPTTL, appCfg.OTPMaxAttempts), logger))
	r.Register(tasks.OAuthStateCleanupJob(oauthstate.New(db), logger))
	r.Register(tasks.AttendanceAutoCloseJob(deps.Clock, logger))
	r.Register(tasks.BroadcastRetryJob(deps.Outbox, deps.Mirror, logger, tasks.RetryConfig{
		MaxAttempts: appCfg.OutboxMaxAttempts,
		BaseBackoff: appCfg.OutboxBaseBackoff,
		MaxBackoff:  appCfg.OutboxMaxBackoff,
	}))
	return r
}
