package domain

import (
	"fmt"
	"time"
)

type TaskID string
type MessageID string
type OptionID string

type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// MessageKind tags which body a Message carries.
type MessageKind string

const (
	KindPending   MessageKind = "pending"   // agent turn not materialized yet
	KindText      MessageKind = "text"      // plain text bubble
	KindOptions   MessageKind = "options"   // vendor option set (one round)
	KindRecording MessageKind = "recording" // call recording reference
)

type OptionStatus string

const (
	StatusNone      OptionStatus = "none"
	StatusLoading   OptionStatus = "loading"
	StatusCompleted OptionStatus = "completed"
	StatusConfirmed OptionStatus = "confirmed"
)

// IsTerminal reports whether price/summary fields are fixed for the status.
func (s OptionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusConfirmed
}

// OptionRef addresses a single Option document.
type OptionRef struct {
	TaskID    TaskID
	MessageID MessageID
	OptionID  OptionID
}

func (r OptionRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.TaskID, r.MessageID, r.OptionID)
}

// DispatchKey deduplicates outreach for one Option within one round.
type DispatchKey = OptionRef

// CallHandle identifies one outreach attempt: "<task>/<message>/<option>#<attempt>".
type CallHandle string

// HandleFor builds the call handle of the given attempt.
func HandleFor(key DispatchKey, attempt int) CallHandle {
	return CallHandle(fmt.Sprintf("%s#%d", key.String(), attempt))
}

type Timestamp = time.Time
