package domain

import (
	"fmt"
	"strings"
)

// Task is a single procurement request and its whole conversation.
type Task struct {
	ID          TaskID
	Instruction string
	CreatedAt   Timestamp

	// Messages ordered by server-assigned CreatedAt.
	Messages []*Message
}

// Message is one turn in the Task's conversation.
type Message struct {
	ID        MessageID
	TaskID    TaskID
	Sender    Sender
	CreatedAt Timestamp

	// Pending is true while an agent turn has not been materialized.
	Pending bool

	Kind         MessageKind
	Text         string
	Options      []Option
	RecordingRef string

	// Error is the visible failure marker of a fallback agent turn.
	Error string
}

// MessageBody is the variant payload written when a Message is created or
// materialized. Exactly one case is active per Kind.
type MessageBody struct {
	Kind         MessageKind
	Text         string
	Options      []OptionDraft
	RecordingRef string
	Error        string
}

// TextBody builds a text body.
func TextBody(text string) MessageBody {
	return MessageBody{Kind: KindText, Text: text}
}

// OptionsBody builds an options body with an optional caption.
func OptionsBody(caption string, drafts []OptionDraft) MessageBody {
	return MessageBody{Kind: KindOptions, Text: caption, Options: drafts}
}

// Validate checks the body carries exactly the payload its Kind requires.
func (b MessageBody) Validate() error {
	switch b.Kind {
	case KindText:
		if strings.TrimSpace(b.Text) == "" {
			return fmt.Errorf("%w: text body requires text", ErrInvalidMessage)
		}
		if len(b.Options) > 0 || b.RecordingRef != "" {
			return fmt.Errorf("%w: text body carries options or recording", ErrInvalidMessage)
		}
	case KindOptions:
		if len(b.Options) == 0 {
			return fmt.Errorf("%w: options body requires at least one option", ErrInvalidMessage)
		}
		if b.RecordingRef != "" {
			return fmt.Errorf("%w: options body carries a recording", ErrInvalidMessage)
		}
		for i, d := range b.Options {
			if strings.TrimSpace(d.Name) == "" {
				return fmt.Errorf("%w: option %d has no name", ErrInvalidMessage, i)
			}
		}
	case KindRecording:
		if b.RecordingRef == "" {
			return fmt.Errorf("%w: recording body requires a recording ref", ErrInvalidMessage)
		}
		if len(b.Options) > 0 {
			return fmt.Errorf("%w: recording body carries options", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, b.Kind)
	}
	return nil
}

// OptionDraft is a vendor candidate as produced by discovery.
type OptionDraft struct {
	Rank           int
	Name           string
	Summary        string
	Website        string
	ImageRef       string
	EstimatedPrice float64
	Phone          string
	Notes          string
}

// Option is one vendor candidate undergoing outreach within a round.
type Option struct {
	ID        OptionID
	TaskID    TaskID
	MessageID MessageID
	Index     int
	Rank      int

	Name           string
	Summary        string
	Website        string
	ImageRef       string
	EstimatedPrice float64
	Phone          string
	Notes          string

	// Filled exactly when Status becomes completed.
	ConfirmedPrice *float64
	RecordingRef   string
	Transcript     string

	Selected   bool
	Status     OptionStatus
	Attempts   int
	CallHandle CallHandle
	Error      string

	Revision  int64
	UpdatedAt Timestamp
}

// Ref returns the store address of the Option.
func (o Option) Ref() OptionRef {
	return OptionRef{TaskID: o.TaskID, MessageID: o.MessageID, OptionID: o.ID}
}

// SameState reports whether two values of the same Option carry identical
// lifecycle state, ignoring revision bookkeeping.
func (o Option) SameState(other Option) bool {
	if o.Selected != other.Selected ||
		o.Status != other.Status ||
		o.Attempts != other.Attempts ||
		o.CallHandle != other.CallHandle ||
		o.Error != other.Error ||
		o.Summary != other.Summary ||
		o.RecordingRef != other.RecordingRef ||
		o.Transcript != other.Transcript {
		return false
	}
	switch {
	case o.ConfirmedPrice == nil && other.ConfirmedPrice == nil:
		return true
	case o.ConfirmedPrice == nil || other.ConfirmedPrice == nil:
		return false
	default:
		return *o.ConfirmedPrice == *other.ConfirmedPrice
	}
}

// Clone returns a deep copy of the Option.
func (o Option) Clone() Option {
	if o.ConfirmedPrice != nil {
		p := *o.ConfirmedPrice
		o.ConfirmedPrice = &p
	}
	return o
}

// Clone returns a deep copy of the Message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Options != nil {
		out.Options = make([]Option, len(m.Options))
		for i, o := range m.Options {
			out.Options[i] = o.Clone()
		}
	}
	return &out
}

// Clone returns a deep copy of the Task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Messages = make([]*Message, len(t.Messages))
	for i, m := range t.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// Message returns the message with the given id.
func (t *Task) Message(id MessageID) (*Message, bool) {
	for _, m := range t.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// LatestOptionsMessage returns the most recent options Message, which holds
// the current round.
func (t *Task) LatestOptionsMessage() (*Message, bool) {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Kind == KindOptions {
			return t.Messages[i], true
		}
	}
	return nil, false
}

// PendingMessage returns the pending agent Message, if any.
func (t *Task) PendingMessage() (*Message, bool) {
	for _, m := range t.Messages {
		if m.Pending {
			return m, true
		}
	}
	return nil, false
}

// RoundClosed reports whether every selected Option of the Message reached a
// terminal status. A round with nothing selected is still open.
func (m *Message) RoundClosed() bool {
	selected := 0
	for _, o := range m.Options {
		if !o.Selected {
			continue
		}
		selected++
		if !o.Status.IsTerminal() {
			return false
		}
	}
	return selected > 0
}
