// Package timeouts holds the request-scoped deadlines used by handlers,
// stores and outbound clients.
//
// Values are process-wide. Configure is called once from startup with the
// values loaded from AppConfig; tests may call Reset.
package timeouts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults used until Configure runs.
const (
	DefaultPing     = 2 * time.Second
	DefaultShort    = 5 * time.Second
	DefaultMedium   = 10 * time.Second
	DefaultLong     = 30 * time.Second
	DefaultMirror   = 5 * time.Second
	DefaultExternal = 20 * time.Second
)

// Config holds timeout values. Zero fields keep the current value.
type Config struct {
	Ping     time.Duration // health pings
	Short    time.Duration // single-document reads and writes
	Medium   time.Duration // list queries, multi-step handlers
	Long     time.Duration // analytics ranges, background jobs
	Mirror   time.Duration // one broadcast store write
	External time.Duration // third-party calls (face provider, SMTP)
}

var (
	mu      sync.RWMutex
	current = defaults()
)

func defaults() Config {
	return Config{
		Ping:     DefaultPing,
		Short:    DefaultShort,
		Medium:   DefaultMedium,
		Long:     DefaultLong,
		Mirror:   DefaultMirror,
		External: DefaultExternal,
	}
}

// Configure overrides the non-zero values in cfg.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	set := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	set(&current.Ping, cfg.Ping)
	set(&current.Short, cfg.Short)
	set(&current.Medium, cfg.Medium)
	set(&current.Long, cfg.Long)
	set(&current.Mirror, cfg.Mirror)
	set(&current.External, cfg.External)
}

// Reset restores the defaults.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = defaults()
}

// Current returns a copy of the active configuration.
func Current() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Ping() time.Duration     { return Current().Ping }
func Short() time.Duration    { return Current().Short }
func Medium() time.Duration   { return Current().Medium }
func Long() time.Duration     { return Current().Long }
func Mirror() time.Duration   { return Current().Mirror }
func External() time.Duration { return Current().External }

// WithTimeout derives a context with the given timeout. The returned cancel
// logs a warning when the deadline was hit.
func WithTimeout(parent context.Context, timeout time.Duration, log *zap.Logger, operation string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	return ctx, func() {
		if ctx.Err() == context.DeadlineExceeded && log != nil {
			log.Warn("operation timed out",
				zap.String("operation", operation),
				zap.Duration("timeout", timeout),
			)
		}
		cancel()
	}
}
