// Package gateway is the only writer of Option state. Every lifecycle event
// is applied as read, validate, compare-and-swap on the Option's revision,
// retried on conflict with jittered backoff.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/PabloGalante/sourcing-agent/internal/app/lifecycle"
	"github.com/PabloGalante/sourcing-agent/internal/domain"
	"github.com/PabloGalante/sourcing-agent/internal/observability"
)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 8,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  250 * time.Millisecond,
	}
}

type Gateway struct {
	store domain.TaskStore
	cfg   Config
}

func New(store domain.TaskStore, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Gateway{store: store, cfg: cfg}
}

// Apply applies ev to the Option at ref and returns the stored result.
// Lifecycle rejections are returned immediately and never retried. A no-op
// event returns the current Option without writing.
func (g *Gateway) Apply(ctx context.Context, ref domain.OptionRef, ev lifecycle.Event) (domain.Option, error) {
	log := observability.LoggerFromContext(ctx).With("option", ref.String(), "event", ev.Name())

	for attempt := 1; ; attempt++ {
		cur, err := g.store.GetOption(ctx, ref)
		if err != nil {
			return domain.Option{}, fmt.Errorf("gateway read: %w", err)
		}

		next, err := lifecycle.Apply(cur, ev)
		if err != nil {
			outcome := "rejected"
			if errors.Is(err, domain.ErrStaleTransition) {
				outcome = "stale"
			}
			observability.Transitions.WithLabelValues(ev.Name(), outcome).Inc()
			log.Debug("transition rejected", "status", cur.Status, "error", err)
			return cur, err
		}

		if next.SameState(cur) {
			observability.Transitions.WithLabelValues(ev.Name(), "noop").Inc()
			return cur, nil
		}

		rev, err := g.store.CompareAndSwapOption(ctx, next, cur.Revision)
		if err == nil {
			next.Revision = rev
			observability.Transitions.WithLabelValues(ev.Name(), "applied").Inc()
			log.Debug("transition applied", "from", cur.Status, "to", next.Status, "revision", rev)
			return next, nil
		}
		if !errors.Is(err, domain.ErrRevisionConflict) {
			return domain.Option{}, fmt.Errorf("gateway write: %w", err)
		}

		if attempt >= g.cfg.MaxAttempts {
			observability.WriteConflicts.WithLabelValues("exhausted").Inc()
			log.Warn("write conflict retries exhausted", "attempts", attempt)
			return domain.Option{}, fmt.Errorf("option %s after %d attempts: %w",
				ref, attempt, domain.ErrStoreWriteConflict)
		}
		observability.WriteConflicts.WithLabelValues("retried").Inc()

		select {
		case <-ctx.Done():
			return domain.Option{}, ctx.Err()
		case <-time.After(g.backoff(attempt)):
		}
	}
}

// backoff is exponential from BaseBackoff, capped at MaxBackoff, with full jitter.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > g.cfg.MaxBackoff {
		d = g.cfg.MaxBackoff
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}
