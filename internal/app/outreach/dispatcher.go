// Package outreach turns selected Options into provider calls and feeds the
// call outcomes back into Option state through the gateway.
package outreach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/PabloGalante/sourcing-agent/internal/app/gateway"
	"github.com/PabloGalante/sourcing-agent/internal/app/lifecycle"
	"github.com/PabloGalante/sourcing-agent/internal/domain"
	"github.com/PabloGalante/sourcing-agent/internal/observability"
)

type Config struct {
	Workers      int
	PollInterval time.Duration
	CallTimeout  time.Duration
	// RetryDelay is how long a job waits before redelivery after a store error.
	RetryDelay time.Duration

	CallsPerSecond float64
	CallBurst      int

	StaleAfter    time.Duration
	SweepSchedule string
}

func DefaultConfig() Config {
	return Config{
		Workers:        8,
		PollInterval:   5 * time.Second,
		CallTimeout:    100 * time.Second,
		RetryDelay:     2 * time.Second,
		CallsPerSecond: 2,
		CallBurst:      4,
		StaleAfter:     10 * time.Minute,
		SweepSchedule:  "*/5 * * * *",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.CallsPerSecond <= 0 {
		c.CallsPerSecond = def.CallsPerSecond
	}
	if c.CallBurst <= 0 {
		c.CallBurst = def.CallBurst
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = def.SweepSchedule
	}
	return c
}

type Dispatcher struct {
	store    domain.TaskStore
	gw       *gateway.Gateway
	queue    domain.OutreachQueue
	calls    domain.CallProvider
	reasoner domain.Reasoner
	cfg      Config

	limiter  *rate.Limiter
	group    singleflight.Group
	inflight sync.Map // domain.CallHandle -> struct{}
	now      func() time.Time
}

func NewDispatcher(
	store domain.TaskStore,
	gw *gateway.Gateway,
	queue domain.OutreachQueue,
	calls domain.CallProvider,
	reasoner domain.Reasoner,
	cfg Config,
) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:    store,
		gw:       gw,
		queue:    queue,
		calls:    calls,
		reasoner: reasoner,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), cfg.CallBurst),
		now:      time.Now,
	}
}

// Failure is an Option that could not be dispatched in this call.
type Failure struct {
	Option domain.OptionID `json:"option_id"`
	Reason string          `json:"reason"`
}

// Outcome is the result of one Dispatch call.
type Outcome struct {
	// Handles of every selected Option of the Message that is in flight or
	// done, including ones dispatched by earlier calls.
	Handles []domain.CallHandle `json:"handles"`
	Failed  []Failure           `json:"failed,omitempty"`
}

// Dispatch starts outreach for every selected Option of the Message that is
// still in status none. Calling it again for the same selection issues no new
// calls and returns the same handles.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID domain.TaskID, msgID domain.MessageID) (Outcome, error) {
	key := string(taskID) + "/" + string(msgID)
	// Collapsed callers share one run; it must not end with the first caller's request.
	shared := context.WithoutCancel(ctx)
	v, err, collapsed := d.group.Do(key, func() (any, error) {
		return d.dispatch(shared, taskID, msgID)
	})
	if err != nil {
		return Outcome{}, err
	}
	if collapsed {
		observability.LoggerFromContext(ctx).Debug("dispatch collapsed", "task_id", taskID, "message_id", msgID)
	}
	return v.(Outcome), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, taskID domain.TaskID, msgID domain.MessageID) (Outcome, error) {
	log := observability.LoggerFromContext(ctx).With("task_id", taskID, "message_id", msgID)

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	msg, ok := task.Message(msgID)
	if !ok {
		return Outcome{}, fmt.Errorf("message %s: %w", msgID, domain.ErrNotFound)
	}
	if msg.Kind != domain.KindOptions {
		return Outcome{}, fmt.Errorf("%w: message %s has no options", domain.ErrInvalidMessage, msgID)
	}

	var (
		out    Outcome
		script string
	)
	for _, opt := range msg.Options {
		if !opt.Selected {
			continue
		}
		if opt.Status != domain.StatusNone {
			if opt.CallHandle != "" {
				out.Handles = append(out.Handles, opt.CallHandle)
			}
			observability.Dispatches.WithLabelValues("skipped").Inc()
			continue
		}

		if script == "" {
			script = d.script(ctx, task)
		}
		h, err := d.start(ctx, opt, script)
		if err != nil {
			log.Warn("dispatch failed", "option_id", opt.ID, "error", err)
			out.Failed = append(out.Failed, Failure{Option: opt.ID, Reason: err.Error()})
			continue
		}
		if h != "" {
			out.Handles = append(out.Handles, h)
		}
	}

	log.Info("dispatch round", "handles", len(out.Handles), "failed", len(out.Failed))
	return out, nil
}

// start moves one Option into loading and enqueues its outreach job. It
// returns the handle the Option ends up carrying.
func (d *Dispatcher) start(ctx context.Context, opt domain.Option, script string) (domain.CallHandle, error) {
	attempt := opt.Attempts + 1
	h := domain.HandleFor(opt.Ref(), attempt)

	if _, err := d.gw.Apply(ctx, opt.Ref(), lifecycle.DispatchStarted{Attempt: attempt, Handle: h}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Another writer dispatched it first.
			cur, gerr := d.store.GetOption(ctx, opt.Ref())
			if gerr == nil && cur.Status != domain.StatusNone {
				return cur.CallHandle, nil
			}
		}
		return "", fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}

	job := domain.OutreachJob{
		Handle:    h,
		Ref:       opt.Ref(),
		Name:      opt.Name,
		Phone:     opt.Phone,
		Script:    script,
		CreatedAt: d.now().UTC(),
	}
	if _, err := d.queue.Enqueue(ctx, job); err != nil {
		reason := "could not queue outreach: " + err.Error()
		if _, ferr := d.gw.Apply(context.WithoutCancel(ctx), opt.Ref(), lifecycle.DispatchFailed{Handle: h, Reason: reason}); ferr != nil {
			observability.LoggerFromContext(ctx).Error("revert after enqueue failure", "handle", h, "error", ferr)
		}
		observability.Dispatches.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}

	observability.Dispatches.WithLabelValues("started").Inc()
	return h, nil
}

func (d *Dispatcher) script(ctx context.Context, task *domain.Task) string {
	if d.reasoner != nil {
		s, err := d.reasoner.SourcingScript(ctx, domain.TurnInput{Task: task, History: task.Messages})
		if err == nil && strings.TrimSpace(s) != "" {
			return s
		}
		if err != nil {
			observability.LoggerFromContext(ctx).Warn("sourcing script failed, using conversation", "task_id", task.ID, "error", err)
		}
	}
	return conversationBrief(task, briefLimit)
}

const briefLimit = 200

// conversationBrief joins what the user said, truncated to limit runes.
func conversationBrief(task *domain.Task, limit int) string {
	var parts []string
	for _, m := range task.Messages {
		if m.Sender == domain.SenderUser && m.Kind == domain.KindText {
			if t := strings.TrimSpace(m.Text); t != "" {
				parts = append(parts, t)
			}
		}
	}
	brief := strings.Join(parts, ". ")
	if brief == "" {
		brief = task.Instruction
	}
	if r := []rune(brief); len(r) > limit {
		brief = string(r[:limit])
	}
	return brief
}
