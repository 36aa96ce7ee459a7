// internal/app/system/tasks/jobs.go
package tasks

import (
	"context"
	"time"

	"github.com/dalemusser/stratashift/internal/app/store/adminsessions"
	"github.com/dalemusser/stratashift/internal/app/store/oauthstate"
	"github.com/dalemusser/stratashift/internal/app/store/otp"
	"github.com/dalemusser/stratashift/internal/app/store/outbox"
	"github.com/dalemusser/stratashift/internal/app/store/sessions"
	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"github.com/dalemusser/stratashift/internal/app/system/timeclock"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// SessionCleanupJob closes employee sessions inactive for longer than
// threshold. Sessions are marked ended (end_reason="inactive") rather than
// deleted; the TTL index removes them after expiry.
func SessionCleanupJob(store *sessions.Store, logger *zap.Logger, threshold time.Duration) Job {
	return Job{
		Name:     "session-cleanup",
		Interval: 5 * time.Minute,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			n, err := store.CloseInactiveSessions(ctx, threshold)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("closed inactive sessions",
					zap.Int64("count", n),
					zap.Duration("threshold", threshold))
			}
			return nil
		},
	}
}

// AdminSessionCleanupJob deletes expired admin sessions and revoked ones
// older than retention.
func AdminSessionCleanupJob(store *adminsessions.Store, logger *zap.Logger, retention time.Duration) Job {
	return Job{
		Name:     "admin-session-cleanup",
		Interval: 1 * time.Hour,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			now := time.Now()
			n, err := store.DeleteStale(ctx, now, now.Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("cleaned up admin sessions", zap.Int64("deleted", n))
			}
			return nil
		},
	}
}

// OTPCleanupJob deletes expired OTP sessions ahead of the TTL monitor so
// users can request a new code promptly.
func OTPCleanupJob(store *otp.Store, logger *zap.Logger) Job {
	return Job{
		Name:     "otp-cleanup",
		Interval: 5 * time.Minute,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			n, err := store.DeleteExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("cleaned up expired otp sessions", zap.Int64("deleted", n))
			}
			return nil
		},
	}
}

// OAuthStateCleanupJob creates a job that removes expired OAuth state tokens.
func OAuthStateCleanupJob(store *oauthstate.Store, logger *zap.Logger) Job {
	return Job{
		Name:     "oauth-state-cleanup",
		Interval: 1 * time.Hour,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			n, err := store.DeleteExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("cleaned up expired oauth states", zap.Int64("deleted", n))
			}
			return nil
		},
	}
}

// AttendanceAutoCloseJob checks out records left open from earlier days.
func AttendanceAutoCloseJob(svc *timeclock.Service, logger *zap.Logger) Job {
	return Job{
		Name:     "attendance-autoclose",
		Interval: 1 * time.Hour,
		Delay:    time.Minute,
		Timeout:  5 * time.Minute,
		Run: func(ctx context.Context) error {
			n, err := svc.AutoClose(ctx, 500)
			if n > 0 {
				logger.Info("auto-closed attendance records", zap.Int("count", n))
			}
			return err
		},
	}
}

// RetryQueue is the part of the outbox store the retry job uses.
type RetryQueue interface {
	Due(ctx context.Context, now time.Time, limit int64) ([]outbox.Entry, error)
	Settle(ctx context.Context, e outbox.Entry) error
	Reschedule(ctx context.Context, id primitive.ObjectID, cause error, next time.Time) error
	Drop(ctx context.Context, id primitive.ObjectID) error
}

// Applier applies one broadcast mutation.
type Applier interface {
	Apply(ctx context.Context, m broadcast.Mutation) error
}

// RetryConfig bounds broadcast replays.
type RetryConfig struct {
	MaxAttempts int           // entries failing this many replays are dropped (default 10)
	BaseBackoff time.Duration // first retry delay, doubled per attempt (default 1m)
	MaxBackoff  time.Duration // default 1h
	BatchSize   int64         // default 100
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Backoff returns the delay before the next replay after attempts failures.
func (c RetryConfig) Backoff(attempts int) time.Duration {
	c = c.withDefaults()
	d := c.BaseBackoff
	for i := 1; i < attempts && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// BroadcastRetryJob replays broadcast mutations that failed when first
// mirrored, oldest first.
func BroadcastRetryJob(queue RetryQueue, applier Applier, logger *zap.Logger, cfg RetryConfig) Job {
	cfg = cfg.withDefaults()
	return Job{
		Name:     "broadcast-retry",
		Interval: 1 * time.Minute,
		Timeout:  2 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := ReplayOutbox(ctx, queue, applier, logger, cfg, time.Now())
			return err
		},
	}
}

// ReplayOutbox applies due entries and returns how many were settled.
func ReplayOutbox(ctx context.Context, queue RetryQueue, applier Applier, logger *zap.Logger, cfg RetryConfig, now time.Time) (int, error) {
	cfg = cfg.withDefaults()
	entries, err := queue.Due(ctx, now, cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		aerr := applier.Apply(ctx, e.Mutation)
		if aerr == nil {
			if err := queue.Settle(ctx, e); err != nil {
				return settled, err
			}
			settled++
			continue
		}

		attempts := e.Attempts + 1
		if attempts >= cfg.MaxAttempts {
			logger.Error("broadcast replay abandoned",
				zap.String("op", string(e.Op)),
				zap.String("collection", e.Collection),
				zap.String("key", e.Key),
				zap.Int("attempts", attempts),
				zap.Error(aerr))
			if err := queue.Drop(ctx, e.ID); err != nil {
				return settled, err
			}
			continue
		}
		if err := queue.Reschedule(ctx, e.ID, aerr, now.Add(cfg.Backoff(attempts))); err != nil {
			return settled, err
		}
	}

	if settled > 0 {
		logger.Info("replayed broadcast mutations", zap.Int("count", settled))
	}
	return settled, nil
}
