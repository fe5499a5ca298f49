package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition: the lifecycle rejected an event. Never coerced.
	ErrInvalidTransition = errors.New("invalid option transition")
	// ErrStaleTransition: an outreach result or failure that no longer matches
	// the Option's current attempt.
	ErrStaleTransition = fmt.Errorf("%w: stale", ErrInvalidTransition)

	// ErrRevisionConflict is returned by a store when the expected revision
	// does not match.
	ErrRevisionConflict = errors.New("revision conflict")
	// ErrStoreWriteConflict: the gateway ran out of retries on revision conflicts.
	ErrStoreWriteConflict = errors.New("store write conflict")

	ErrDispatchFailure  = errors.New("dispatch failure")
	ErrOrchestratorBusy = errors.New("orchestrator busy")
	ErrQueueClosed      = errors.New("outreach queue closed")

	ErrPendingTurn      = errors.New("an agent turn is already pending")
	ErrMessageImmutable = errors.New("message already materialized")
	ErrInvalidMessage   = errors.New("invalid message")
)

// TransitionError describes a rejected lifecycle event.
type TransitionError struct {
	Option OptionID
	Event  string
	From   OptionStatus
	Reason string
	Stale  bool
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("option %s: %s from %q rejected: %s", e.Option, e.Event, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	if e.Stale {
		return ErrStaleTransition
	}
	return ErrInvalidTransition
}
