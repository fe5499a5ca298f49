package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PabloGalante/sourcing-agent/internal/domain"
	"github.com/PabloGalante/sourcing-agent/internal/observability"
)

// Store keeps tasks in Firestore:
//
//	tasks/{task}
//	tasks/{task}/messages/{message}
//	tasks/{task}/messages/{message}/options/{option}
//
// Option writes are compare-and-swap on the option's revision field.
type Store struct {
	client *firestore.Client
}

// NewStore creates a Firestore store.
// Uses the project passed (SOURCING_GCP_PROJECT).
func NewStore(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *Store) tasksCol() *firestore.CollectionRef {
	return s.client.Collection("tasks")
}

func (s *Store) taskDoc(id domain.TaskID) *firestore.DocumentRef {
	return s.tasksCol().Doc(string(id))
}

func (s *Store) messagesCol(taskID domain.TaskID) *firestore.CollectionRef {
	return s.taskDoc(taskID).Collection("messages")
}

func (s *Store) messageDoc(taskID domain.TaskID, msgID domain.MessageID) *firestore.DocumentRef {
	return s.messagesCol(taskID).Doc(string(msgID))
}

func (s *Store) optionDoc(ref domain.OptionRef) *firestore.DocumentRef {
	return s.messageDoc(ref.TaskID, ref.MessageID).Collection("options").Doc(string(ref.OptionID))
}

func (s *Store) taskOptions(taskID domain.TaskID) firestore.Query {
	return s.client.CollectionGroup("options").Where("task_id", "==", string(taskID))
}

func notFound(err error, what string) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type taskDoc struct {
	Instruction      string    `firestore:"instruction"`
	CreatedAt        time.Time `firestore:"created_at"`
	LastMessageAt    time.Time `firestore:"last_message_at"`
	MessageCount     int64     `firestore:"message_count"`
	PendingMessageID string    `firestore:"pending_message_id"`
}

type messageDoc struct {
	TaskID       string    `firestore:"task_id"`
	Sender       string    `firestore:"sender"`
	Seq          int64     `firestore:"seq"`
	CreatedAt    time.Time `firestore:"created_at"`
	Pending      bool      `firestore:"pending"`
	Kind         string    `firestore:"kind"`
	Text         string    `firestore:"text"`
	RecordingRef string    `firestore:"recording_ref"`
	Error        string    `firestore:"error"`
}

type optionDoc struct {
	TaskID    string `firestore:"task_id"`
	MessageID string `firestore:"message_id"`
	Index     int    `firestore:"index"`
	Rank      int    `firestore:"rank"`

	Name           string  `firestore:"name"`
	Summary        string  `firestore:"summary"`
	Website        string  `firestore:"website"`
	ImageRef       string  `firestore:"image_ref"`
	EstimatedPrice float64 `firestore:"estimated_price"`
	Phone          string  `firestore:"phone"`
	Notes          string  `firestore:"notes"`

	ConfirmedPrice *float64 `firestore:"confirmed_price"`
	RecordingRef   string   `firestore:"recording_ref"`
	Transcript     string   `firestore:"transcript"`

	Selected   bool      `firestore:"selected"`
	Status     string    `firestore:"status"`
	Attempts   int       `firestore:"attempts"`
	CallHandle string    `firestore:"call_handle"`
	Error      string    `firestore:"error"`
	Revision   int64     `firestore:"revision"`
	UpdatedAt  time.Time `firestore:"updated_at"`
}

func toOptionDoc(o domain.Option) optionDoc {
	return optionDoc{
		TaskID:         string(o.TaskID),
		MessageID:      string(o.MessageID),
		Index:          o.Index,
		Rank:           o.Rank,
		Name:           o.Name,
		Summary:        o.Summary,
		Website:        o.Website,
		ImageRef:       o.ImageRef,
		EstimatedPrice: o.EstimatedPrice,
		Phone:          o.Phone,
		Notes:          o.Notes,
		ConfirmedPrice: o.ConfirmedPrice,
		RecordingRef:   o.RecordingRef,
		Transcript:     o.Transcript,
		Selected:       o.Selected,
		Status:         string(o.Status),
		Attempts:       o.Attempts,
		CallHandle:     string(o.CallHandle),
		Error:          o.Error,
		Revision:       o.Revision,
		UpdatedAt:      o.UpdatedAt,
	}
}

func (d optionDoc) toDomain(id string) domain.Option {
	return domain.Option{
		ID:             domain.OptionID(id),
		TaskID:         domain.TaskID(d.TaskID),
		MessageID:      domain.MessageID(d.MessageID),
		Index:          d.Index,
		Rank:           d.Rank,
		Name:           d.Name,
		Summary:        d.Summary,
		Website:        d.Website,
		ImageRef:       d.ImageRef,
		EstimatedPrice: d.EstimatedPrice,
		Phone:          d.Phone,
		Notes:          d.Notes,
		ConfirmedPrice: d.ConfirmedPrice,
		RecordingRef:   d.RecordingRef,
		Transcript:     d.Transcript,
		Selected:       d.Selected,
		Status:         domain.OptionStatus(d.Status),
		Attempts:       d.Attempts,
		CallHandle:     domain.CallHandle(d.CallHandle),
		Error:          d.Error,
		Revision:       d.Revision,
		UpdatedAt:      d.UpdatedAt,
	}
}

func (d messageDoc) toDomain(id string) *domain.Message {
	return &domain.Message{
		ID:           domain.MessageID(id),
		TaskID:       domain.TaskID(d.TaskID),
		Sender:       domain.Sender(d.Sender),
		CreatedAt:    d.CreatedAt,
		Pending:      d.Pending,
		Kind:         domain.MessageKind(d.Kind),
		Text:         d.Text,
		RecordingRef: d.RecordingRef,
		Error:        d.Error,
	}
}

// ─────────────────────────────────────────
// Tasks
// ─────────────────────────────────────────

func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	doc := taskDoc{
		Instruction: task.Instruction,
		CreatedAt:   task.CreatedAt,
	}

	if _, err := s.taskDoc(task.ID).Create(ctx, doc); err != nil {
		return fmt.Errorf("firestore CreateTask: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	snap, err := s.taskDoc(id).Get(ctx)
	if err != nil {
		if nf := notFound(err, "task "+string(id)); nf != nil {
			return nil, nf
		}
		return nil, fmt.Errorf("firestore GetTask: %w", err)
	}

	var doc taskDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore GetTask decode: %w", err)
	}

	task := &domain.Task{
		ID:          id,
		Instruction: doc.Instruction,
		CreatedAt:   doc.CreatedAt,
	}

	msgs, err := s.listMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	opts, err := s.listOptions(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		m.Options = opts[m.ID]
	}
	task.Messages = msgs
	return task, nil
}

func (s *Store) listMessages(ctx context.Context, taskID domain.TaskID) ([]*domain.Message, error) {
	iter := s.messagesCol(taskID).OrderBy("seq", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []*domain.Message
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("firestore listMessages: %w", err)
		}

		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		out = append(out, doc.toDomain(snap.Ref.ID))
	}
	return out, nil
}

func (s *Store) listOptions(ctx context.Context, taskID domain.TaskID) (map[domain.MessageID][]domain.Option, error) {
	iter := s.taskOptions(taskID).Documents(ctx)
	defer iter.Stop()

	out := make(map[domain.MessageID][]domain.Option)
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("firestore listOptions: %w", err)
		}

		var doc optionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode optionDoc: %w", err)
		}
		o := doc.toDomain(snap.Ref.ID)
		out[o.MessageID] = append(out[o.MessageID], o)
	}
	for id := range out {
		opts := out[id]
		sort.Slice(opts, func(i, j int) bool { return opts[i].Index < opts[j].Index })
	}
	return out, nil
}

// ─────────────────────────────────────────
// Messages
// ─────────────────────────────────────────

func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.Pending && msg.Sender != domain.SenderAgent {
		return fmt.Errorf("%w: only agent messages can be pending", domain.ErrInvalidMessage)
	}
	if !msg.Pending {
		if msg.Kind == domain.KindOptions {
			return fmt.Errorf("%w: options are created by materializing an agent turn", domain.ErrInvalidMessage)
		}
		body := domain.MessageBody{Kind: msg.Kind, Text: msg.Text, RecordingRef: msg.RecordingRef}
		if err := body.Validate(); err != nil {
			return err
		}
	} else {
		msg.Kind = domain.KindPending
		msg.Text = ""
	}

	taskRef := s.taskDoc(msg.TaskID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(taskRef)
		if err != nil {
			if nf := notFound(err, "task "+string(msg.TaskID)); nf != nil {
				return nf
			}
			return err
		}
		var task taskDoc
		if err := snap.DataTo(&task); err != nil {
			return fmt.Errorf("decode taskDoc: %w", err)
		}
		if msg.Pending && task.PendingMessageID != "" {
			return fmt.Errorf("task %s: %w", msg.TaskID, domain.ErrPendingTurn)
		}

		// Server-assigned, never earlier than the previous message.
		created := time.Now().UTC()
		if created.Before(task.LastMessageAt) {
			created = task.LastMessageAt
		}
		msg.CreatedAt = created

		doc := messageDoc{
			TaskID:       string(msg.TaskID),
			Sender:       string(msg.Sender),
			Seq:          task.MessageCount + 1,
			CreatedAt:    created,
			Pending:      msg.Pending,
			Kind:         string(msg.Kind),
			Text:         msg.Text,
			RecordingRef: msg.RecordingRef,
			Error:        msg.Error,
		}
		if err := tx.Create(s.messageDoc(msg.TaskID, msg.ID), doc); err != nil {
			return err
		}

		updates := []firestore.Update{
			{Path: "last_message_at", Value: created},
			{Path: "message_count", Value: task.MessageCount + 1},
		}
		if msg.Pending {
			updates = append(updates, firestore.Update{Path: "pending_message_id", Value: string(msg.ID)})
		}
		return tx.Update(taskRef, updates)
	})
	if err != nil {
		return fmt.Errorf("firestore AppendMessage: %w", err)
	}
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

	taskRef := s.taskDoc(taskID)
	msgRef := s.messageDoc(taskID, msgID)
	var out *domain.Message

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		msgSnap, err := tx.Get(msgRef)
		if err != nil {
			if nf := notFound(err, "message "+string(msgID)); nf != nil {
				return nf
			}
			return err
		}
		var doc messageDoc
		if err := msgSnap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode messageDoc: %w", err)
		}
		if !doc.Pending {
			return fmt.Errorf("message %s: %w", msgID, domain.ErrMessageImmutable)
		}

		now := time.Now().UTC()
		doc.Pending = false
		doc.Kind = string(body.Kind)
		doc.Text = body.Text
		doc.RecordingRef = body.RecordingRef
		doc.Error = body.Error
		if err := tx.Set(msgRef, doc); err != nil {
			return err
		}

		out = doc.toDomain(string(msgID))
		for _, o := range newOptions(taskID, msgID, body.Options, now) {
			if err := tx.Create(s.optionDoc(o.Ref()), toOptionDoc(o)); err != nil {
				return err
			}
			out.Options = append(out.Options, o)
		}

		return tx.Update(taskRef, []firestore.Update{{Path: "pending_message_id", Value: ""}})
	})
	if err != nil {
		return nil, fmt.Errorf("firestore MaterializeMessage: %w", err)
	}
	return out, nil
}

func newOptions(taskID domain.TaskID, msgID domain.MessageID, drafts []domain.OptionDraft, now time.Time) []domain.Option {
	sorted := make([]domain.OptionDraft, len(drafts))
	copy(sorted, drafts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	out := make([]domain.Option, 0, len(sorted))
	for i, d := range sorted {
		out = append(out, domain.Option{
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
	snap, err := s.optionDoc(ref).Get(ctx)
	if err != nil {
		if nf := notFound(err, "option "+ref.String()); nf != nil {
			return domain.Option{}, nf
		}
		return domain.Option{}, fmt.Errorf("firestore GetOption: %w", err)
	}

	var doc optionDoc
	if err := snap.DataTo(&doc); err != nil {
		return domain.Option{}, fmt.Errorf("firestore GetOption decode: %w", err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// CompareAndSwapOption runs a single-attempt transaction; contention surfaces
// as ErrRevisionConflict so the caller decides how to retry.
func (s *Store) CompareAndSwapOption(ctx context.Context, opt domain.Option, expected int64) (int64, error) {
	ref := s.optionDoc(opt.Ref())
	var rev int64

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if nf := notFound(err, "option "+opt.Ref().String()); nf != nil {
				return nf
			}
			return err
		}
		var cur optionDoc
		if err := snap.DataTo(&cur); err != nil {
			return fmt.Errorf("decode optionDoc: %w", err)
		}
		if cur.Revision != expected {
			return fmt.Errorf("option %s at revision %d, expected %d: %w",
				opt.ID, cur.Revision, expected, domain.ErrRevisionConflict)
		}

		next := toOptionDoc(opt)
		next.TaskID, next.MessageID = cur.TaskID, cur.MessageID
		next.Index, next.Rank = cur.Index, cur.Rank
		next.Revision = cur.Revision + 1
		next.UpdatedAt = time.Now().UTC()
		rev = next.Revision
		return tx.Set(ref, next)
	}, firestore.MaxAttempts(1))
	if err != nil {
		if errors.Is(err, domain.ErrRevisionConflict) || errors.Is(err, domain.ErrNotFound) {
			return 0, err
		}
		if status.Code(err) == codes.Aborted {
			return 0, fmt.Errorf("option %s: %w", opt.ID, domain.ErrRevisionConflict)
		}
		return 0, fmt.Errorf("firestore CompareAndSwapOption: %w", err)
	}
	return rev, nil
}

func (s *Store) ListLoadingOptions(ctx context.Context, before time.Time) ([]domain.Option, error) {
	q := s.client.CollectionGroup("options").
		Where("status", "==", string(domain.StatusLoading)).
		Where("updated_at", "<", before)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []domain.Option
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("firestore ListLoadingOptions: %w", err)
		}

		var doc optionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode optionDoc: %w", err)
		}
		out = append(out, doc.toDomain(snap.Ref.ID))
	}
	return out, nil
}

// ─────────────────────────────────────────
// Subscriptions
// ─────────────────────────────────────────

// SubscribeTask listens to the task's messages and options and re-reads the
// whole task on every change.
func (s *Store) SubscribeTask(ctx context.Context, id domain.TaskID) (<-chan *domain.Task, error) {
	first, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan *domain.Task, 1)
	out <- first

	changed := make(chan struct{}, 1)
	signal := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	listen := func(it *firestore.QuerySnapshotIterator, what string) {
		defer it.Stop()
		for {
			if _, err := it.Next(); err != nil {
				if ctx.Err() == nil {
					observability.Logger().Warn("firestore snapshot listener stopped",
						"task_id", id, "listener", what, "error", err)
				}
				return
			}
			signal()
		}
	}
	go listen(s.messagesCol(id).Snapshots(ctx), "messages")
	go listen(s.taskOptions(id).Snapshots(ctx), "options")

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}

			task, err := s.GetTask(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					observability.Logger().Warn("firestore subscription read failed", "task_id", id, "error", err)
				}
				continue
			}
			select {
			case <-out:
			default:
			}
			out <- task
		}
	}()

	return out, nil
}
