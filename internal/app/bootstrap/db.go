// internal/app/bootstrap/db.go
package bootstrap

import (
	"context"
	"fmt"
	"time"

	attendancestore "github.com/dalemusser/stratashift/internal/app/store/attendance"
	"github.com/dalemusser/stratashift/internal/app/store/outbox"
	userstore "github.com/dalemusser/stratashift/internal/app/store/users"
	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"github.com/dalemusser/stratashift/internal/app/system/facematch"
	"github.com/dalemusser/stratashift/internal/app/system/indexes"
	"github.com/dalemusser/stratashift/internal/app/system/mailer"
	"github.com/dalemusser/stratashift/internal/app/system/notify"
	"github.com/dalemusser/stratashift/internal/app/system/seeding"
	"github.com/dalemusser/stratashift/internal/app/system/shift"
	"github.com/dalemusser/stratashift/internal/app/system/timeclock"
	"github.com/dalemusser/stratashift/internal/app/system/timeouts"
	"github.com/dalemusser/stratashift/internal/app/system/validators"
	"github.com/dalemusser/stratashift/internal/app/system/writethrough"
	"github.com/dalemusser/waffle/config"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.uber.org/zap"
)

// ConnectDB connects to MongoDB and builds the optional backends.
//
// WAFFLE calls this after configuration is loaded but before EnsureSchema
// and Startup. Only the MongoDB connection is fatal; the broadcast store,
// face provider, SMTP and Telegram fall back to their disabled
// implementations when not configured.
func ConnectDB(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) (DBDeps, error) {
	timeouts.Configure(timeouts.Config{
		Ping:     appCfg.TimeoutPing,
		Short:    appCfg.TimeoutShort,
		Medium:   appCfg.TimeoutMedium,
		Long:     appCfg.TimeoutLong,
		Mirror:   appCfg.TimeoutMirror,
		External: appCfg.TimeoutExternal,
	})

	// Configure MongoDB connection pool
	poolCfg := wafflemongo.DefaultPoolConfig()
	if appCfg.MongoMaxPoolSize > 0 {
		poolCfg.MaxPoolSize = appCfg.MongoMaxPoolSize
	}
	if appCfg.MongoMinPoolSize > 0 {
		poolCfg.MinPoolSize = appCfg.MongoMinPoolSize
	}

	client, err := wafflemongo.ConnectWithPool(ctx, appCfg.MongoURI, appCfg.MongoDatabase, poolCfg)
	if err != nil {
		return DBDeps{}, err
	}

	db := client.Database(appCfg.MongoDatabase)

	logger.Info("connected to MongoDB",
		zap.String("database", appCfg.MongoDatabase),
		zap.Uint64("max_pool_size", poolCfg.MaxPoolSize),
		zap.Uint64("min_pool_size", poolCfg.MinPoolSize),
	)

	// Broadcast store
	var bcast broadcast.Store = broadcast.Nop{}
	if appCfg.PocketBaseURL != "" {
		bcast = broadcast.NewPocketBase(broadcast.Config{
			URL:     appCfg.PocketBaseURL,
			Token:   appCfg.PocketBaseToken,
			Timeout: appCfg.PocketBaseTimeout,
		})
		logger.Info("broadcast mirror enabled", zap.String("url", appCfg.PocketBaseURL))
	} else {
		logger.Info("broadcast mirror disabled (no pocketbase_url)")
	}
	ob := outbox.New(db)
	mirror := writethrough.New(bcast, ob, logger)

	// Email
	var mail mailer.Sender = mailer.LogSender{Log: logger}
	if appCfg.MailSMTPHost != "" {
		mail = mailer.New(mailer.Config{
			Host:     appCfg.MailSMTPHost,
			Port:     appCfg.MailSMTPPort,
			User:     appCfg.MailSMTPUser,
			Pass:     appCfg.MailSMTPPass,
			From:     appCfg.MailFrom,
			FromName: appCfg.MailFromName,
		}, logger)
		logger.Info("initialized email mailer",
			zap.String("host", appCfg.MailSMTPHost),
			zap.Int("port", appCfg.MailSMTPPort),
		)
	}

	// Face verification
	var face facematch.Matcher = facematch.Disabled{}
	if appCfg.FaceURL != "" {
		face = facematch.NewClient(facematch.Config{
			URL:       appCfg.FaceURL,
			APIKey:    appCfg.FaceAPIKey,
			APISecret: appCfg.FaceAPISecret,
			Timeout:   appCfg.FaceTimeout,
		})
		logger.Info("face verification enabled", zap.String("url", appCfg.FaceURL))
	}

	// Late check-in notifications
	loc, err := time.LoadLocation(appCfg.ShiftTimezone)
	if err != nil {
		return DBDeps{}, fmt.Errorf("load shift timezone: %w", err)
	}
	var notifier notify.Notifier = notify.Nop{}
	if appCfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:    appCfg.TelegramToken,
			ChatID:   int64(appCfg.TelegramChatID),
			Location: loc,
			Timeout:  timeouts.External(),
		}, logger)
		if err != nil {
			// Alerts are optional.
			logger.Warn("telegram notifications disabled", zap.Error(err))
		} else {
			notifier = tg
		}
	}

	cal, err := shift.NewCalendar(appCfg.ShiftWorkdays, loc)
	if err != nil {
		return DBDeps{}, fmt.Errorf("workday calendar: %w", err)
	}
	clock := timeclock.New(attendancestore.New(db), userstore.New(db), mirror, timeclock.Config{
		Policy: shift.Policy{
			Start:           appCfg.ShiftStart,
			Location:        loc,
			Grace:           appCfg.ShiftGrace,
			StandardMinutes: appCfg.ShiftStandardMinutes,
		},
		Calendar:       cal,
		AutoCloseAfter: appCfg.AutoCloseAfter,
	}, notifier, logger)

	return DBDeps{
		MongoClient:   client,
		MongoDatabase: db,
		Broadcast:     bcast,
		Outbox:        ob,
		Mirror:        mirror,
		Clock:         clock,
		Mailer:        mail,
		Face:          face,
		Notifier:      notifier,
	}, nil
}

// EnsureSchema sets up collections, indexes and seed data.
//
// This runs after ConnectDB succeeds but before Startup and before the HTTP
// handler is built. The context has a timeout based on
// coreCfg.IndexBootTimeout.
func EnsureSchema(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	db := deps.MongoDatabase

	// Ensure collections exist and attach JSON-Schema validators.
	// This runs first so indexes can be created on existing collections.
	logger.Info("ensuring collections and validators")
	if err := validators.EnsureAll(ctx, db); err != nil {
		logger.Error("failed to ensure validators", zap.Error(err))
		return err
	}

	// Ensure database indexes for query performance.
	logger.Info("ensuring database indexes")
	if err := indexes.EnsureAll(ctx, db); err != nil {
		logger.Error("failed to ensure indexes", zap.Error(err))
		return err
	}

	// Seed the first admin when configured and none exists.
	logger.Info("seeding default data")
	seed := seeding.AdminSeed{
		LoginID:  appCfg.SeedAdminLoginID,
		Password: appCfg.SeedAdminPassword,
		FullName: appCfg.SeedAdminName,
		Email:    appCfg.SeedAdminEmail,
	}
	if err := seeding.SeedAll(ctx, db, seed, logger); err != nil {
		logger.Error("failed to seed default data", zap.Error(err))
		return err
	}

	logger.Info("database schema ensured successfully")
	return nil
}
