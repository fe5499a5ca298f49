// Package lifecycle owns the Option state machine:
//
//	none ── DispatchStarted ──▶ loading ── DispatchResult ──▶ completed ── Confirm ──▶ confirmed
//	  ▲                           │
//	  └────── DispatchFailed ─────┘
//
// Apply is pure: it returns the next Option value or a rejection and never
// touches the store.
package lifecycle

import (
	"github.com/PabloGalante/sourcing-agent/internal/domain"
)

// Event is an input to the Option state machine.
type Event interface {
	Name() string
}

// Select marks an Option as chosen by the user for outreach.
type Select struct{}

// DispatchStarted moves a selected Option into loading for a new attempt.
type DispatchStarted struct {
	Attempt int
	Handle  domain.CallHandle
}

// DispatchResult carries the terminal outcome of a call.
type DispatchResult struct {
	Handle       domain.CallHandle
	Summary      string
	Price        *float64
	RecordingRef string
	Transcript   string
}

// DispatchFailed reverts a loading Option so it can be dispatched again.
type DispatchFailed struct {
	Handle domain.CallHandle
	Reason string
}

// Confirm is the explicit user confirmation of a completed Option.
type Confirm struct{}

func (Select) Name() string          { return "select" }
func (DispatchStarted) Name() string { return "dispatch_started" }
func (DispatchResult) Name() string  { return "dispatch_result" }
func (DispatchFailed) Name() string  { return "dispatch_failed" }
func (Confirm) Name() string         { return "confirm" }

// Apply validates ev against opt and returns the resulting Option.
func Apply(opt domain.Option, ev Event) (domain.Option, error) {
	next := opt.Clone()

	switch e := ev.(type) {
	case Select:
		if opt.Selected {
			return next, nil
		}
		if opt.Status != domain.StatusNone {
			return opt, reject(opt, ev, "only unselected options in status none can be selected", false)
		}
		next.Selected = true

	case DispatchStarted:
		if !opt.Selected {
			return opt, reject(opt, ev, "option is not selected", false)
		}
		if opt.Status != domain.StatusNone {
			return opt, reject(opt, ev, "option already dispatched in this round", false)
		}
		if e.Attempt != opt.Attempts+1 || e.Handle == "" {
			return opt, reject(opt, ev, "attempt does not follow the last one", true)
		}
		next.Status = domain.StatusLoading
		next.Attempts = e.Attempt
		next.CallHandle = e.Handle
		next.Error = ""

	case DispatchResult:
		if opt.Status != domain.StatusLoading {
			return opt, reject(opt, ev, "option is not loading", true)
		}
		if e.Handle != opt.CallHandle {
			return opt, reject(opt, ev, "result belongs to attempt "+string(e.Handle), true)
		}
		next.Status = domain.StatusCompleted
		next.Summary = e.Summary
		next.RecordingRef = e.RecordingRef
		next.Transcript = e.Transcript
		if e.Price != nil {
			p := *e.Price
			next.ConfirmedPrice = &p
		}

	case DispatchFailed:
		if opt.Status != domain.StatusLoading {
			return opt, reject(opt, ev, "option is not loading", true)
		}
		if e.Handle != opt.CallHandle {
			return opt, reject(opt, ev, "failure belongs to attempt "+string(e.Handle), true)
		}
		next.Status = domain.StatusNone
		next.Error = e.Reason
		if next.Error == "" {
			next.Error = "outreach failed"
		}

	case Confirm:
		switch opt.Status {
		case domain.StatusConfirmed:
			return next, nil
		case domain.StatusCompleted:
			next.Status = domain.StatusConfirmed
		default:
			return opt, reject(opt, ev, "only completed options can be confirmed", false)
		}

	default:
		return opt, reject(opt, ev, "unknown event", false)
	}

	return next, nil
}

func reject(opt domain.Option, ev Event, reason string, stale bool) error {
	name := "unknown"
	if ev != nil {
		name = ev.Name()
	}
	return &domain.TransitionError{
		Option: opt.ID,
		Event:  name,
		From:   opt.Status,
		Reason: reason,
		Stale:  stale,
	}
}
