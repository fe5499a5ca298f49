package domain

import (
	"context"
	"time"
)

// TaskStore is the entity store boundary. Implementations assign message
// timestamps and option revisions; CompareAndSwapOption is the only mutual
// exclusion used for Option state.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	// GetTask returns the Task with nested Messages and Options.
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	// SubscribeTask streams a fresh Task snapshot after every change until ctx
	// is done. Slow readers only observe the latest snapshot.
	SubscribeTask(ctx context.Context, id TaskID) (<-chan *Task, error)

	// AppendMessage stores msg with a server-assigned CreatedAt that is never
	// earlier than the previous message. A pending msg fails with
	// ErrPendingTurn when the Task already has one.
	AppendMessage(ctx context.Context, msg *Message) error
	// MaterializeMessage writes the body of a pending Message exactly once and
	// creates its Options.
	MaterializeMessage(ctx context.Context, taskID TaskID, msgID MessageID, body MessageBody) (*Message, error)

	GetOption(ctx context.Context, ref OptionRef) (Option, error)
	// CompareAndSwapOption writes opt if the stored revision equals expected and
	// returns the new revision, or ErrRevisionConflict.
	CompareAndSwapOption(ctx context.Context, opt Option, expected int64) (int64, error)
	// ListLoadingOptions returns Options in loading not updated since before.
	ListLoadingOptions(ctx context.Context, before time.Time) ([]Option, error)
}

// ─────────────────────────────────────────
// Reasoning collaborator
// ─────────────────────────────────────────

type DecisionKind string

const (
	DecisionClarify  DecisionKind = "clarify"
	DecisionDiscover DecisionKind = "discover"
	DecisionOutreach DecisionKind = "outreach"
)

// TurnInput gives the reasoner the conversation so far.
type TurnInput struct {
	Task    *Task
	History []*Message
}

// TurnDecision is what the reasoner wants the next agent turn to be.
type TurnDecision struct {
	Kind    DecisionKind
	Text    string
	Options []OptionDraft
}

// Quote is the price/availability summary extracted from a call.
type Quote struct {
	Summary string
	Price   *float64
}

type Reasoner interface {
	NextTurn(ctx context.Context, in TurnInput) (TurnDecision, error)
	// SourcingScript condenses the conversation into what the caller should ask vendors.
	SourcingScript(ctx context.Context, in TurnInput) (string, error)
	ExtractQuote(ctx context.Context, transcript string) (Quote, error)
}

// ─────────────────────────────────────────
// Outreach provider
// ─────────────────────────────────────────

type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
)

// CallResult is a snapshot of a provider call.
type CallResult struct {
	Status       CallStatus
	Transcript   string
	RecordingRef string
	Summary      string
	Price        *float64
	Reason       string // set when Status is failed
}

type CallProvider interface {
	StartCall(ctx context.Context, phone, name, script string) (string, error)
	GetCallResult(ctx context.Context, providerCallID string) (CallResult, error)
}

// ─────────────────────────────────────────
// Outreach queue
// ─────────────────────────────────────────

// OutreachJob is one outreach action for one attempt of one Option.
type OutreachJob struct {
	Handle    CallHandle `json:"handle"`
	Ref       OptionRef  `json:"ref"`
	Name      string     `json:"name"`
	Phone     string     `json:"phone"`
	Script    string     `json:"script"`
	CreatedAt time.Time  `json:"created_at"`

	// ProviderCallID is checkpointed once the call has been placed so a
	// redelivered job polls instead of calling again.
	ProviderCallID string `json:"provider_call_id,omitempty"`
	Deliveries     int    `json:"deliveries"`
}

// OutreachQueue delivers jobs at least once, deduplicated by Handle.
type OutreachQueue interface {
	// Enqueue returns false when a job with the same handle is already queued
	// or in flight.
	Enqueue(ctx context.Context, job OutreachJob) (bool, error)
	// Next blocks until a job is available and leases it.
	Next(ctx context.Context) (OutreachJob, error)
	Checkpoint(ctx context.Context, job OutreachJob) error
	Ack(ctx context.Context, handle CallHandle) error
	// Nack returns a leased job to the ready set for redelivery.
	Nack(ctx context.Context, handle CallHandle) error
	Has(ctx context.Context, handle CallHandle) (bool, error)
	Close() error
}
