package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/PabloGalante/sourcing-agent/internal/app/lifecycle"
	"github.com/PabloGalante/sourcing-agent/internal/domain"
	"github.com/PabloGalante/sourcing-agent/internal/observability"
)

const lostReason = "outreach lost"

// Sweep fails Options stuck in loading for longer than StaleAfter whose job
// is neither queued nor being worked on, so they can be dispatched again. It
// returns how many Options were reverted.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	log := observability.LoggerFromContext(ctx)

	stuck, err := d.store.ListLoadingOptions(ctx, d.now().Add(-d.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("list loading options: %w", err)
	}

	reverted := 0
	for _, opt := range stuck {
		if opt.CallHandle == "" {
			continue
		}
		if _, busy := d.inflight.Load(opt.CallHandle); busy {
			continue
		}
		queued, err := d.queue.Has(ctx, opt.CallHandle)
		if err != nil {
			log.Warn("sweep queue lookup failed", "handle", opt.CallHandle, "error", err)
			continue
		}
		if queued {
			continue
		}

		_, err = d.gw.Apply(ctx, opt.Ref(), lifecycle.DispatchFailed{Handle: opt.CallHandle, Reason: lostReason})
		switch {
		case err == nil:
			reverted++
			log.Warn("reverted lost outreach", "handle", opt.CallHandle)
		case errors.Is(err, domain.ErrInvalidTransition):
			// Finished while we were looking.
		default:
			log.Error("sweep revert failed", "handle", opt.CallHandle, "error", err)
		}
	}
	return reverted, nil
}

// RunSweeper runs Sweep on cfg.SweepSchedule until ctx is done.
func (d *Dispatcher) RunSweeper(ctx context.Context) error {
	expr := d.cfg.SweepSchedule
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid sweep schedule: %s", expr)
	}
	log := observability.WithFields("component", "outreach_sweeper")
	log.Info("sweeper started", "schedule", expr, "stale_after", d.cfg.StaleAfter)

	for {
		next, err := gronx.NextTickAfter(expr, time.Now().UTC(), false)
		if err != nil {
			log.Error("sweeper next tick failed", "error", err)
			next = time.Now().Add(time.Minute)
		}

		select {
		case <-ctx.Done():
			log.Info("sweeper stopping")
			return nil
		case <-time.After(time.Until(next)):
		}

		n, err := d.Sweep(ctx)
		if err != nil {
			log.Error("sweep failed", "error", err)
			continue
		}
		if n > 0 {
			log.Info("sweep reverted options", "count", n)
		}
	}
}
