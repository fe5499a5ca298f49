package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PabloGalante/sourcing-agent/internal/app/gateway"
	"github.com/PabloGalante/sourcing-agent/internal/app/lifecycle"
	"github.com/PabloGalante/sourcing-agent/internal/app/outreach"
	"github.com/PabloGalante/sourcing-agent/internal/domain"
	"github.com/PabloGalante/sourcing-agent/internal/observability"
)

const fallbackText = "Sorry, I could not work on your request just now. Please try again."

// Dispatcher starts outreach for the selected Options of a Message.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID domain.TaskID, msgID domain.MessageID) (outreach.Outcome, error)
}

type Config struct {
	// TurnTimeout bounds a single agent turn; past it a fallback message is written.
	TurnTimeout time.Duration
}

type Service struct {
	store      domain.TaskStore
	gw         *gateway.Gateway
	reasoner   domain.Reasoner
	dispatcher Dispatcher
	cfg        Config

	mu    sync.Mutex
	turns map[domain.TaskID]*turnFlag
	wg    sync.WaitGroup
}

type turnFlag struct {
	running bool
	queued  bool
}

func NewService(
	store domain.TaskStore,
	gw *gateway.Gateway,
	reasoner domain.Reasoner,
	dispatcher Dispatcher,
	cfg Config,
) *Service {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 60 * time.Second
	}
	return &Service{
		store:      store,
		gw:         gw,
		reasoner:   reasoner,
		dispatcher: dispatcher,
		cfg:        cfg,
		turns:      make(map[domain.TaskID]*turnFlag),
	}
}

// ─────────────────────────────────────────
// Tasks and user messages
// ─────────────────────────────────────────

type CreateTaskInput struct {
	Instruction string
}

type CreateTaskOutput struct {
	Task        *domain.Task
	UserMessage *domain.Message
}

// CreateTask stores a new Task and its instruction as the first user Message.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (*CreateTaskOutput, error) {
	instruction := strings.TrimSpace(in.Instruction)
	if instruction == "" {
		return nil, fmt.Errorf("%w: instruction is required", domain.ErrInvalidMessage)
	}

	task := &domain.Task{
		ID:          domain.TaskID(uuid.NewString()),
		Instruction: instruction,
	}
	log := observability.LoggerFromContext(ctx).With("task_id", task.ID)

	if err := s.store.CreateTask(ctx, task); err != nil {
		log.Error("failed to create task", "error", err)
		return nil, err
	}

	msg, err := s.PostUserMessage(ctx, task.ID, instruction)
	if err != nil {
		return nil, err
	}

	log.Info("task created")
	return &CreateTaskOutput{Task: task, UserMessage: msg}, nil
}

func (s *Service) PostUserMessage(ctx context.Context, taskID domain.TaskID, text string) (*domain.Message, error) {
	msg := &domain.Message{
		ID:     domain.MessageID(uuid.NewString()),
		TaskID: taskID,
		Sender: domain.SenderUser,
		Kind:   domain.KindText,
		Text:   strings.TrimSpace(text),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		observability.LoggerFromContext(ctx).Error("failed to append user message", "task_id", taskID, "error", err)
		return nil, err
	}
	return msg, nil
}

func (s *Service) GetTask(ctx context.Context, taskID domain.TaskID) (*domain.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Service) Subscribe(ctx context.Context, taskID domain.TaskID) (<-chan *domain.Task, error) {
	return s.store.SubscribeTask(ctx, taskID)
}

// ─────────────────────────────────────────
// Option actions
// ─────────────────────────────────────────

func (s *Service) SelectOption(ctx context.Context, ref domain.OptionRef) (domain.Option, error) {
	return s.gw.Apply(ctx, ref, lifecycle.Select{})
}

func (s *Service) ConfirmOption(ctx context.Context, ref domain.OptionRef) (domain.Option, error) {
	opt, err := s.gw.Apply(ctx, ref, lifecycle.Confirm{})
	if err == nil {
		observability.LoggerFromContext(ctx).Info("option confirmed", "option", ref.String())
	}
	return opt, err
}

func (s *Service) DispatchOutreach(ctx context.Context, taskID domain.TaskID, msgID domain.MessageID) (outreach.Outcome, error) {
	return s.dispatcher.Dispatch(ctx, taskID, msgID)
}

// ─────────────────────────────────────────
// Turns
// ─────────────────────────────────────────

type TurnOutput struct {
	// AgentMessage is nil when the turn was queued behind a running one.
	AgentMessage *domain.Message
	Queued       bool
}

// SubmitTurn runs one agent turn for the Task. If a turn is already running
// in this process the request is queued and runs when the current turn ends.
func (s *Service) SubmitTurn(ctx context.Context, taskID domain.TaskID) (*TurnOutput, error) {
	if !s.acquire(taskID) {
		observability.LoggerFromContext(ctx).Info("turn queued", "task_id", taskID, "reason", domain.ErrOrchestratorBusy)
		return &TurnOutput{Queued: true}, nil
	}
	defer s.release(ctx, taskID)

	msg, err := s.runTurn(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TurnOutput{AgentMessage: msg}, nil
}

// Wait blocks until queued turns started in the background have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) acquire(taskID domain.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.turns[taskID]
	if f == nil {
		f = &turnFlag{}
		s.turns[taskID] = f
	}
	if f.running {
		f.queued = true
		return false
	}
	f.running = true
	return true
}

// release ends the running turn and starts the queued one, if any.
func (s *Service) release(ctx context.Context, taskID domain.TaskID) {
	s.mu.Lock()
	f := s.turns[taskID]
	if !f.queued {
		delete(s.turns, taskID)
		s.mu.Unlock()
		return
	}
	f.queued = false
	s.wg.Add(1)
	s.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	go func() {
		defer s.wg.Done()
		defer s.release(bg, taskID)
		if _, err := s.runTurn(bg, taskID); err != nil {
			observability.LoggerFromContext(bg).Error("queued turn failed", "task_id", taskID, "error", err)
		}
	}()
}

func (s *Service) isRunning(taskID domain.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.turns[taskID]
	return f != nil && f.running
}

// runTurn appends the pending agent Message, asks the reasoner what to do and
// materializes the Message exactly once, with a fallback body on failure.
func (s *Service) runTurn(ctx context.Context, taskID domain.TaskID) (*domain.Message, error) {
	log := observability.LoggerFromContext(ctx).With("task_id", taskID)

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	pending := &domain.Message{
		ID:      domain.MessageID(uuid.NewString()),
		TaskID:  taskID,
		Sender:  domain.SenderAgent,
		Pending: true,
	}
	if err := s.store.AppendMessage(ctx, pending); err != nil {
		if !errors.Is(err, domain.ErrPendingTurn) {
			log.Warn("could not open agent turn", "error", err)
			return nil, err
		}
		// Only this process runs turns for the task right now, so a pending
		// Message older than the watchdog belongs to a turn that died.
		if recovered, rerr := s.abandonStaleTurn(ctx, task); rerr != nil || !recovered {
			log.Warn("could not open agent turn", "error", err)
			return nil, err
		}
		if task, err = s.store.GetTask(ctx, taskID); err != nil {
			return nil, err
		}
		if err := s.store.AppendMessage(ctx, pending); err != nil {
			log.Warn("could not open agent turn", "error", err)
			return nil, err
		}
	}
	log = log.With("message_id", pending.ID)
	log.Info("agent turn started")

	decision, err := s.decide(ctx, domain.TurnInput{Task: task, History: task.Messages})
	label := string(decision.Kind)

	var body domain.MessageBody
	if err == nil {
		body, err = s.bodyFor(ctx, task, decision)
	}
	if err == nil {
		err = body.Validate()
	}
	if err != nil {
		log.Error("agent turn failed, writing fallback", "decision", decision.Kind, "error", err)
		label = "fallback"
		body = fallbackBody(err)
	}

	// The turn result is written even if the caller went away.
	bg := context.WithoutCancel(ctx)
	msg, err := s.store.MaterializeMessage(bg, taskID, pending.ID, body)
	if err != nil && !errors.Is(err, domain.ErrMessageImmutable) {
		log.Error("failed to materialize agent turn, writing fallback", "error", err)
		label = "fallback"
		msg, err = s.store.MaterializeMessage(bg, taskID, pending.ID, fallbackBody(err))
	}
	if err != nil {
		observability.Turns.WithLabelValues(label, "error").Inc()
		log.Error("failed to materialize agent turn", "error", err)
		return nil, err
	}

	observability.Turns.WithLabelValues(label, "ok").Inc()
	log.Info("agent turn completed", "kind", msg.Kind, "options", len(msg.Options))
	return msg, nil
}

func fallbackBody(cause error) domain.MessageBody {
	body := domain.TextBody(fallbackText)
	body.Error = cause.Error()
	return body
}

// abandonStaleTurn materializes a pending Message older than TurnTimeout with
// the fallback body. It reports whether the Task has no pending turn left.
func (s *Service) abandonStaleTurn(ctx context.Context, task *domain.Task) (bool, error) {
	pending, ok := task.PendingMessage()
	if !ok {
		return true, nil
	}
	age := time.Since(pending.CreatedAt)
	if age < s.cfg.TurnTimeout {
		return false, nil
	}

	_, err := s.store.MaterializeMessage(context.WithoutCancel(ctx), task.ID, pending.ID,
		fallbackBody(fmt.Errorf("agent turn abandoned after %s", age.Round(time.Millisecond))))
	if err != nil && !errors.Is(err, domain.ErrMessageImmutable) {
		observability.LoggerFromContext(ctx).Error("failed to clear abandoned turn", "task_id", task.ID, "message_id", pending.ID, "error", err)
		return false, err
	}
	observability.Turns.WithLabelValues("abandoned", "ok").Inc()
	observability.LoggerFromContext(ctx).Warn("abandoned agent turn cleared", "task_id", task.ID, "message_id", pending.ID, "age", age)
	return true, nil
}

// decide calls the reasoner under the turn watchdog. A reasoner that ignores
// cancellation is abandoned when the timeout fires.
func (s *Service) decide(ctx context.Context, in domain.TurnInput) (domain.TurnDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()

	type result struct {
		d   domain.TurnDecision
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := s.reasoner.NextTurn(ctx, in)
		done <- result{d, err}
	}()

	select {
	case r := <-done:
		return r.d, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.TurnDecision{}, fmt.Errorf("agent turn timed out after %s", s.cfg.TurnTimeout)
		}
		return domain.TurnDecision{}, ctx.Err()
	}
}

func (s *Service) bodyFor(ctx context.Context, task *domain.Task, d domain.TurnDecision) (domain.MessageBody, error) {
	switch d.Kind {
	case domain.DecisionClarify:
		return domain.TextBody(d.Text), nil

	case domain.DecisionDiscover:
		// A new round always gets a new Message; earlier rounds keep their Options.
		return domain.OptionsBody(d.Text, d.Options), nil

	case domain.DecisionOutreach:
		round, ok := task.LatestOptionsMessage()
		if !ok {
			return domain.TextBody("There are no vendors to contact yet. Tell me what you need first."), nil
		}
		out, err := s.dispatcher.Dispatch(ctx, task.ID, round.ID)
		if err != nil {
			return domain.MessageBody{}, fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
		}
		return domain.TextBody(outreachSummary(d.Text, out)), nil

	default:
		return domain.MessageBody{}, fmt.Errorf("unknown decision %q", d.Kind)
	}
}

func outreachSummary(lead string, out outreach.Outcome) string {
	var b strings.Builder
	if lead = strings.TrimSpace(lead); lead != "" {
		b.WriteString(lead)
		b.WriteString(" ")
	}
	switch n := len(out.Handles); n {
	case 0:
		b.WriteString("No selected vendors to call. Select at least one option first.")
	case 1:
		b.WriteString("1 vendor is being contacted.")
	default:
		fmt.Fprintf(&b, "%d vendors are being contacted.", n)
	}
	if len(out.Failed) > 0 {
		fmt.Fprintf(&b, " %d could not be contacted and can be retried.", len(out.Failed))
	}
	return b.String()
}

// ─────────────────────────────────────────
// Turn state
// ─────────────────────────────────────────

type State string

const (
	AwaitingUser            State = "awaiting_user"
	AgentThinking           State = "agent_thinking"
	AwaitingSelection       State = "awaiting_selection"
	AwaitingOutreachResults State = "awaiting_outreach_results"
)

// TurnState derives the conversation state of the Task. A pending turn that
// outlived TurnTimeout with no turn running here is cleared first.
func (s *Service) TurnState(ctx context.Context, taskID domain.TaskID) (State, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	running := s.isRunning(taskID)
	if _, pending := task.PendingMessage(); pending && !running {
		recovered, err := s.abandonStaleTurn(ctx, task)
		if err != nil {
			return "", err
		}
		if recovered {
			if task, err = s.store.GetTask(ctx, taskID); err != nil {
				return "", err
			}
		}
	}
	return StateOf(task, running), nil
}

// StateOf derives the state from the Task's messages. running reports an
// in-process turn that may not have appended its pending Message yet.
func StateOf(task *domain.Task, running bool) State {
	if _, pending := task.PendingMessage(); pending || running {
		return AgentThinking
	}

	round, ok := task.LatestOptionsMessage()
	if !ok {
		return AwaitingUser
	}
	for _, o := range round.Options {
		if o.Selected && o.Status == domain.StatusLoading {
			return AwaitingOutreachResults
		}
	}
	if round.RoundClosed() {
		return AwaitingUser
	}

	// A user message after the options moves the conversation on.
	for i := len(task.Messages) - 1; i >= 0; i-- {
		m := task.Messages[i]
		if m.ID == round.ID {
			break
		}
		if m.Sender == domain.SenderUser {
			return AwaitingUser
		}
	}
	return AwaitingSelection
}
