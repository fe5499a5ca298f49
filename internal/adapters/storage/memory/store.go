package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PabloGalante/sourcing-agent/internal/domain"
)

// Store is an in-memory implementation of domain.TaskStore.
// It is NOT persistent and is only suitable for development / local mode.
type Store struct {
	mu    sync.RWMutex
	tasks map[domain.TaskID]*taskEntry
	now   func() time.Time

	subsMu sync.Mutex
	subs   map[domain.TaskID]map[int]chan *domain.Task
	nextID int
}

type taskEntry struct {
	task     domain.Task // Messages unused; see messages
	messages []*messageEntry
}

type messageEntry struct {
	msg     domain.Message // Options unused; see options
	options []*domain.Option
}

func NewStore() *Store {
	return &Store{
		tasks: make(map[domain.TaskID]*taskEntry),
		now:   time.Now,
		subs:  make(map[domain.TaskID]map[int]chan *domain.Task),
	}
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ─────────────────────────────────────────
// Tasks
// ─────────────────────────────────────────

func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("memory CreateTask: task id is required")
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("memory CreateTask: task %s already exists", task.ID)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	t := *task
	t.Messages = nil
	s.tasks[task.ID] = &taskEntry{task: t}
	s.mu.Unlock()

	s.notify(task.ID)
	return nil
}

func (s *Store) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return e.snapshot(), nil
}

func (e *taskEntry) snapshot() *domain.Task {
	t := e.task
	t.Messages = make([]*domain.Message, 0, len(e.messages))
	for _, me := range e.messages {
		m := me.msg
		m.Options = nil
		if len(me.options) > 0 {
			m.Options = make([]domain.Option, len(me.options))
			for i, o := range me.options {
				m.Options[i] = o.Clone()
			}
		}
		t.Messages = append(t.Messages, &m)
	}
	return &t
}

// ─────────────────────────────────────────
// Messages
// ─────────────────────────────────────────

func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("memory AppendMessage: message id is required")
	}
	if msg.Pending && msg.Sender != domain.SenderAgent {
		return fmt.Errorf("%w: only agent messages can be pending", domain.ErrInvalidMessage)
	}
	if !msg.Pending {
		body := domain.MessageBody{Kind: msg.Kind, Text: msg.Text, RecordingRef: msg.RecordingRef}
		if msg.Kind == domain.KindOptions {
			return fmt.Errorf("%w: options are created by materializing an agent turn", domain.ErrInvalidMessage)
		}
		if err := body.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	e, ok := s.tasks[msg.TaskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", msg.TaskID, domain.ErrNotFound)
	}
	if msg.Pending {
		for _, me := range e.messages {
			if me.msg.Pending {
				s.mu.Unlock()
				return fmt.Errorf("task %s: %w", msg.TaskID, domain.ErrPendingTurn)
			}
		}
		msg.Kind = domain.KindPending
		msg.Text = ""
	}

	// Server-assigned, never earlier than the previous message.
	created := s.now()
	if n := len(e.messages); n > 0 {
		if last := e.messages[n-1].msg.CreatedAt; created.Before(last) {
			created = last
		}
	}
	msg.CreatedAt = created

	m := *msg
	m.Options = nil
	e.messages = append(e.messages, &messageEntry{msg: m})
	s.mu.Unlock()

	s.notify(msg.TaskID)
	return nil
}

func (s *Store) MaterializeMessage(
	ctx context.Context,
	taskID domain.TaskID,
	msgID domain.MessageID,
	body domain.MessageBody,
) (*domain.Message, error) {
	if err := body.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	var me *messageEntry
	for _, cand := range e.messages {
		if cand.msg.ID == msgID {
			me = cand
			break
		}
	}
	if me == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("message %s: %w", msgID, domain.ErrNotFound)
	}
	if !me.msg.Pending {
		s.mu.Unlock()
		return nil, fmt.Errorf("message %s: %w", msgID, domain.ErrMessageImmutable)
	}

	now := s.now()
	me.msg.Pending = false
	me.msg.Kind = body.Kind
	me.msg.Text = body.Text
	me.msg.RecordingRef = body.RecordingRef
	me.msg.Error = body.Error
	me.options = newOptions(taskID, msgID, body.Options, now)

	out := me.msg
	out.Options = make([]domain.Option, len(me.options))
	for i, o := range me.options {
		out.Options[i] = o.Clone()
	}
	s.mu.Unlock()

	s.notify(taskID)
	return &out, nil
}

// newOptions builds the option set of a round ordered by discovery rank.
func newOptions(taskID domain.TaskID, msgID domain.MessageID, drafts []domain.OptionDraft, now time.Time) []*domain.Option {
	if len(drafts) == 0 {
		return nil
	}
	sorted := make([]domain.OptionDraft, len(drafts))
	copy(sorted, drafts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	out := make([]*domain.Option, 0, len(sorted))
	for i, d := range sorted {
		out = append(out, &domain.Option{
			ID:             domain.OptionID(uuid.NewString()),
			TaskID:         taskID,
			MessageID:      msgID,
			Index:          i,
			Rank:           d.Rank,
			Name:           d.Name,
			Summary:        d.Summary,
			Website:        d.Website,
			ImageRef:       d.ImageRef,
			EstimatedPrice: d.EstimatedPrice,
			Phone:          d.Phone,
			Notes:          d.Notes,
			Status:         domain.StatusNone,
			Revision:       1,
			UpdatedAt:      now,
		})
	}
	return out
}

// ─────────────────────────────────────────
// Options
// ─────────────────────────────────────────

func (s *Store) GetOption(ctx context.Context, ref domain.OptionRef) (domain.Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, err := s.findOption(ref)
	if err != nil {
		return domain.Option{}, err
	}
	return o.Clone(), nil
}

func (s *Store) CompareAndSwapOption(ctx context.Context, opt domain.Option, expected int64) (int64, error) {
	s.mu.Lock()
	cur, err := s.findOption(opt.Ref())
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if cur.Revision != expected {
		s.mu.Unlock()
		return 0, fmt.Errorf("option %s at revision %d, expected %d: %w",
			opt.ID, cur.Revision, expected, domain.ErrRevisionConflict)
	}

	next := opt.Clone()
	// Identity fields never change after discovery.
	next.ID, next.TaskID, next.MessageID = cur.ID, cur.TaskID, cur.MessageID
	next.Index, next.Rank = cur.Index, cur.Rank
	next.Revision = cur.Revision + 1
	next.UpdatedAt = s.now()
	*cur = next
	rev := next.Revision
	s.mu.Unlock()

	s.notify(opt.TaskID)
	return rev, nil
}

func (s *Store) ListLoadingOptions(ctx context.Context, before time.Time) ([]domain.Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Option
	for _, e := range s.tasks {
		for _, me := range e.messages {
			for _, o := range me.options {
				if o.Status == domain.StatusLoading && o.UpdatedAt.Before(before) {
					out = append(out, o.Clone())
				}
			}
		}
	}
	return out, nil
}

// findOption requires s.mu to be held.
func (s *Store) findOption(ref domain.OptionRef) (*domain.Option, error) {
	e, ok := s.tasks[ref.TaskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", ref.TaskID, domain.ErrNotFound)
	}
	for _, me := range e.messages {
		if me.msg.ID != ref.MessageID {
			continue
		}
		for _, o := range me.options {
			if o.ID == ref.OptionID {
				return o, nil
			}
		}
		break
	}
	return nil, fmt.Errorf("option %s: %w", ref, domain.ErrNotFound)
}

// ─────────────────────────────────────────
// Subscriptions
// ─────────────────────────────────────────

func (s *Store) SubscribeTask(ctx context.Context, id domain.TaskID) (<-chan *domain.Task, error) {
	first, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	ch := make(chan *domain.Task, 1)
	ch <- first

	s.subsMu.Lock()
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]chan *domain.Task)
	}
	subID := s.nextID
	s.nextID++
	s.subs[id][subID] = ch
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs[id], subID)
		if len(s.subs[id]) == 0 {
			delete(s.subs, id)
		}
		close(ch)
		s.subsMu.Unlock()
	}()

	return ch, nil
}

// notify pushes the latest snapshot to every subscriber of the task, replacing
// any snapshot the subscriber has not read yet.
func (s *Store) notify(id domain.TaskID) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	subs := s.subs[id]
	if len(subs) == 0 {
		return
	}

	s.mu.RLock()
	e, ok := s.tasks[id]
	var snap *domain.Task
	if ok {
		snap = e.snapshot()
	}
	s.mu.RUnlock()
	if snap == nil {
		return
	}

	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap.Clone():
		default:
		}
	}
}
