// Package writethrough sequences the two-store write used by every
// state-changing action.
//
// The document store write runs first and is authoritative. Only when it
// succeeds are the broadcast mutations it returns applied. A broadcast
// failure is logged and queued on the outbox for replay; it is never rolled
// back against MongoDB and never fails the caller. A mirror that succeeds
// is reported to the outbox so queued entries it makes stale are never
// replayed over it.
package writethrough

import (
	"context"

	"github.com/dalemusser/stratashift/internal/app/system/broadcast"
	"github.com/dalemusser/stratashift/internal/app/system/timeouts"
	"go.uber.org/zap"
)

// Outbox persists mutations that could not be applied.
type Outbox interface {
	Enqueue(ctx context.Context, m broadcast.Mutation, cause error) error
	// Applied is called after m was mirrored live. Pending entries for the
	// same record that m supersedes must not be replayed afterwards.
	Applied(ctx context.Context, m broadcast.Mutation) error
}

// Write performs the authoritative write and returns the broadcast
// mutations that mirror it.
type Write func(ctx context.Context) ([]broadcast.Mutation, error)

// Coordinator applies writes in document-store-first order.
type Coordinator struct {
	store  broadcast.Store
	outbox Outbox
	logger *zap.Logger
}

// New creates a Coordinator. outbox may be nil, in which case failed
// mirrors are only logged.
func New(store broadcast.Store, outbox Outbox, logger *zap.Logger) *Coordinator {
	if store == nil {
		store = broadcast.Nop{}
	}
	return &Coordinator{store: store, outbox: outbox, logger: logger}
}

// Do runs write. If it returns an error, that error is returned and nothing
// is mirrored. Otherwise each returned mutation is applied in order.
// Mirroring uses a context detached from ctx's cancellation so a client
// disconnecting after the primary write does not skip the mirror.
func (c *Coordinator) Do(ctx context.Context, action string, write Write) error {
	mutations, err := write(ctx)
	if err != nil {
		return err
	}
	c.mirror(ctx, action, mutations)
	return nil
}

// Apply applies one mutation and returns its error. Used by the outbox
// replay job.
func (c *Coordinator) Apply(ctx context.Context, m broadcast.Mutation) error {
	mctx, cancel := context.WithTimeout(ctx, timeouts.Mirror())
	defer cancel()
	return m.Apply(mctx, c.store)
}

func (c *Coordinator) mirror(ctx context.Context, action string, mutations []broadcast.Mutation) {
	if len(mutations) == 0 {
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Mirror())
	defer cancel()

	for _, m := range mutations {
		err := m.Apply(mctx, c.store)
		if err == nil {
			c.applied(mctx, action, m)
			continue
		}
		c.logger.Warn("broadcast mirror failed",
			zap.String("action", action),
			zap.String("op", string(m.Op)),
			zap.String("collection", m.Collection),
			zap.String("key", m.Key),
			zap.Error(err),
		)
		if c.outbox == nil {
			continue
		}
		if qerr := c.outbox.Enqueue(mctx, m, err); qerr != nil {
			c.logger.Error("broadcast outbox enqueue failed",
				zap.String("action", action),
				zap.String("collection", m.Collection),
				zap.String("key", m.Key),
				zap.Error(qerr),
			)
		}
	}
}

func (c *Coordinator) applied(ctx context.Context, action string, m broadcast.Mutation) {
	if c.outbox == nil {
		return
	}
	if err := c.outbox.Applied(ctx, m); err != nil {
		c.logger.Warn("broadcast outbox reconcile failed",
			zap.String("action", action),
			zap.String("collection", m.Collection),
			zap.String("key", m.Key),
			zap.Error(err),
		)
	}
}
