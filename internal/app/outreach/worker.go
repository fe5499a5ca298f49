package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PabloGalante/sourcing-agent/internal/app/lifecycle"
	"github.com/PabloGalante/sourcing-agent/internal/domain"
	"github.com/PabloGalante/sourcing-agent/internal/observability"
)

// Run consumes the outreach queue with cfg.Workers workers until ctx is done
// or the queue is closed. Jobs interrupted by shutdown are returned to the
// queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return d.work(ctx, worker)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, worker int) error {
	log := observability.WithFields("worker", worker)
	for {
		job, err := d.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				return nil
			}
			log.Error("outreach queue read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.RetryDelay):
			}
			continue
		}
		d.process(ctx, job)
	}
}

// process runs one outreach attempt to its end. It never returns an error:
// every outcome is either written to the Option or the job goes back to the
// queue.
func (d *Dispatcher) process(ctx context.Context, job domain.OutreachJob) {
	log := observability.WithFields("handle", job.Handle, "deliveries", job.Deliveries)
	bg := context.WithoutCancel(ctx)

	d.inflight.Store(job.Handle, struct{}{})
	observability.InFlightCalls.Inc()
	defer func() {
		d.inflight.Delete(job.Handle)
		observability.InFlightCalls.Dec()
	}()

	cur, err := d.store.GetOption(ctx, job.Ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("option for outreach job is gone, dropping job")
			_ = d.queue.Ack(bg, job.Handle)
			return
		}
		d.retry(ctx, job, err)
		return
	}
	if cur.Status != domain.StatusLoading || cur.CallHandle != job.Handle {
		log.Info("outreach job no longer current, dropping", "status", cur.Status, "current_handle", cur.CallHandle)
		observability.Dispatches.WithLabelValues("stale").Inc()
		_ = d.queue.Ack(bg, job.Handle)
		return
	}

	if job.ProviderCallID == "" {
		if err := d.limiter.Wait(ctx); err != nil {
			d.retry(ctx, job, err)
			return
		}
		callID, err := d.calls.StartCall(ctx, job.Phone, job.Name, job.Script)
		if err != nil {
			if ctx.Err() != nil {
				d.retry(ctx, job, err)
				return
			}
			d.finish(ctx, job, lifecycle.DispatchFailed{Handle: job.Handle, Reason: "call could not be placed: " + err.Error()})
			return
		}
		job.ProviderCallID = callID
		if err := d.queue.Checkpoint(bg, job); err != nil {
			log.Warn("checkpoint provider call id failed", "provider_call_id", callID, "error", err)
		}
		log.Info("outreach call placed", "provider_call_id", callID, "vendor", job.Name)
	}

	res, err := d.poll(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			d.retry(ctx, job, err)
			return
		}
		d.finish(ctx, job, lifecycle.DispatchFailed{Handle: job.Handle, Reason: err.Error()})
		return
	}

	switch res.Status {
	case domain.CallCompleted:
		quote := d.quote(ctx, res)
		d.finish(ctx, job, lifecycle.DispatchResult{
			Handle:       job.Handle,
			Summary:      quote.Summary,
			Price:        quote.Price,
			RecordingRef: res.RecordingRef,
			Transcript:   res.Transcript,
		})
	default:
		reason := res.Reason
		if reason == "" {
			reason = "call failed"
		}
		d.finish(ctx, job, lifecycle.DispatchFailed{Handle: job.Handle, Reason: reason})
	}
}

// poll asks the provider for the call result every PollInterval until it is
// terminal or CallTimeout elapses. Provider read errors are retried.
func (d *Dispatcher) poll(ctx context.Context, job domain.OutreachJob) (domain.CallResult, error) {
	deadline := time.NewTimer(d.cfg.CallTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := d.calls.GetCallResult(ctx, job.ProviderCallID)
		switch {
		case err != nil:
			observability.Logger().Debug("poll call result failed", "handle", job.Handle, "error", err)
		case res.Status != domain.CallPending:
			return res, nil
		}

		select {
		case <-ctx.Done():
			return domain.CallResult{}, ctx.Err()
		case <-deadline.C:
			return domain.CallResult{}, fmt.Errorf("no call result after %s", d.cfg.CallTimeout)
		case <-ticker.C:
		}
	}
}

// quote fills summary and price from the transcript when the provider did not.
func (d *Dispatcher) quote(ctx context.Context, res domain.CallResult) domain.Quote {
	q := domain.Quote{Summary: res.Summary, Price: res.Price}
	if (q.Summary != "" && q.Price != nil) || d.reasoner == nil || res.Transcript == "" {
		return q
	}

	extracted, err := d.reasoner.ExtractQuote(ctx, res.Transcript)
	if err != nil {
		observability.Logger().Warn("quote extraction failed", "error", err)
		return q
	}
	if q.Summary == "" {
		q.Summary = extracted.Summary
	}
	if q.Price == nil {
		q.Price = extracted.Price
	}
	return q
}

// finish writes the terminal event and acks the job. Stale events are
// discarded; store errors send the job back to the queue.
func (d *Dispatcher) finish(ctx context.Context, job domain.OutreachJob, ev lifecycle.Event) {
	log := observability.WithFields("handle", job.Handle, "event", ev.Name())
	bg := context.WithoutCancel(ctx)

	opt, err := d.gw.Apply(bg, job.Ref, ev)
	switch {
	case err == nil:
		outcome := "completed"
		if _, failed := ev.(lifecycle.DispatchFailed); failed {
			outcome = "failed"
		}
		observability.Dispatches.WithLabelValues(outcome).Inc()
		log.Info("outreach finished", "status", opt.Status, "error_marker", opt.Error)
	case errors.Is(err, domain.ErrInvalidTransition):
		observability.Dispatches.WithLabelValues("stale").Inc()
		log.Info("outreach outcome discarded", "reason", err)
	default:
		d.retry(ctx, job, err)
		return
	}

	if err := d.queue.Ack(bg, job.Handle); err != nil {
		log.Warn("ack outreach job failed", "error", err)
	}
}

// retry returns the job to the queue after RetryDelay.
func (d *Dispatcher) retry(ctx context.Context, job domain.OutreachJob, cause error) {
	observability.Logger().Warn("outreach job requeued", "handle", job.Handle, "error", cause)
	if ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.RetryDelay):
		}
	}
	if err := d.queue.Nack(context.WithoutCancel(ctx), job.Handle); err != nil {
		observability.Logger().Error("requeue outreach job failed", "handle", job.Handle, "error", err)
	}
}
