package conversation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/sourcing-agent/internal/adapters/llm"
	queuemem "github.com/PabloGalante/sourcing-agent/internal/adapters/queue/memory"
	"github.com/PabloGalante/sourcing-agent/internal/adapters/storage/memory"
	"github.com/PabloGalante/sourcing-agent/internal/adapters/telephony"
	"github.com/PabloGalante/sourcing-agent/internal/app/conversation"
	"github.com/PabloGalante/sourcing-agent/internal/app/gateway"
	"github.com/PabloGalante/sourcing-agent/internal/app/outreach"
	"github.com/PabloGalante/sourcing-agent/internal/domain"
)

// gatedReasoner blocks NextTurn until release is closed.
type gatedReasoner struct {
	*llm.MockReasoner
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedReasoner) NextTurn(ctx context.Context, in domain.TurnInput) (domain.TurnDecision, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.MockReasoner.NextTurn(ctx, in)
}

type failingReasoner struct{ *llm.MockReasoner }

func (failingReasoner) NextTurn(ctx context.Context, in domain.TurnInput) (domain.TurnDecision, error) {
	return domain.TurnDecision{}, errors.New("model unavailable")
}

// stuckReasoner ignores cancellation.
type stuckReasoner struct{ *llm.MockReasoner }

func (stuckReasoner) NextTurn(ctx context.Context, in domain.TurnInput) (domain.TurnDecision, error) {
	time.Sleep(time.Second)
	return domain.TurnDecision{Kind: domain.DecisionClarify, Text: "too late"}, nil
}

// flakyStore fails MaterializeMessage while failures is positive.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (f *flakyStore) MaterializeMessage(ctx context.Context, taskID domain.TaskID, msgID domain.MessageID, body domain.MessageBody) (*domain.Message, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("store unavailable")
	}
	return f.Store.MaterializeMessage(ctx, taskID, msgID, body)
}

type harness struct {
	store *memory.Store
	calls *telephony.Mock
	d     *outreach.Dispatcher
	svc   *conversation.Service
}

func newHarness(t *testing.T, reasoner domain.Reasoner, timeout time.Duration) *harness {
	t.Helper()
	mem := memory.NewStore()
	return newHarnessOn(t, mem, mem, reasoner, timeout)
}

// newHarnessOn wires the service over store, which may wrap mem.
func newHarnessOn(t *testing.T, mem *memory.Store, store domain.TaskStore, reasoner domain.Reasoner, timeout time.Duration) *harness {
	t.Helper()
	gw := gateway.New(store, gateway.Config{MaxAttempts: 20, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	calls := telephony.NewMock()
	d := outreach.NewDispatcher(store, gw, queuemem.New(), calls, reasoner, outreach.Config{
		Workers:        2,
		PollInterval:   5 * time.Millisecond,
		CallTimeout:    time.Second,
		RetryDelay:     5 * time.Millisecond,
		CallsPerSecond: 1000,
		CallBurst:      100,
		StaleAfter:     time.Minute,
		SweepSchedule:  "* * * * *",
	})
	return &harness{
		store: mem,
		calls: calls,
		d:     d,
		svc:   conversation.NewService(store, gw, reasoner, d, conversation.Config{TurnTimeout: timeout}),
	}
}

func (h *harness) runWorkers(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) discover(t *testing.T) (domain.TaskID, *domain.Message) {
	t.Helper()
	ctx := context.Background()
	created, err := h.svc.CreateTask(ctx, conversation.CreateTaskInput{Instruction: "50 folding chairs for an event"})
	require.NoError(t, err)
	out, err := h.svc.SubmitTurn(ctx, created.Task.ID)
	require.NoError(t, err)
	require.False(t, out.Queued)
	return created.Task.ID, out.AgentMessage
}

func TestDiscoveryCreatesUnselectedOptions(t *testing.T) {
	h := newHarness(t, llm.NewMockReasoner(), time.Second)
	taskID, msg := h.discover(t)

	assert.Equal(t, domain.KindOptions, msg.Kind)
	assert.Equal(t, domain.SenderAgent, msg.Sender)
	assert.False(t, msg.Pending)
	require.Len(t, msg.Options, 3)
	for i, o := range msg.Options {
		assert.Equal(t, i, o.Index)
		assert.Equal(t, domain.StatusNone, o.Status)
		assert.False(t, o.Selected)
	}

	task, err := h.svc.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, task.Messages, 2)
	assert.Equal(t, domain.SenderUser, task.Messages[0].Sender)
	assert.False(t, task.Messages[1].CreatedAt.Before(task.Messages[0].CreatedAt))

	state, err := h.svc.TurnState(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, conversation.AwaitingSelection, state)
}

func TestShortInstructionAsksForDetails(t *testing.T) {
	h := newHarness(t, llm.NewMockReasoner(), time.Second)
	ctx := context.Background()

	created, err := h.svc.CreateTask(ctx, conversation.CreateTaskInput{Instruction: "chairs"})
	require.NoError(t, err)
	out, err := h.svc.SubmitTurn(ctx, created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindText, out.AgentMessage.Kind)
	assert.Empty(t, out.AgentMessage.Error)

	state, err := h.svc.TurnState(ctx, created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.AwaitingUser, state)
}

func TestCreateTaskRequiresInstruction(t *testing.T) {
	h := newHarness(t, llm.NewMockReasoner(), time.Second)
	_, err := h.svc.CreateTask(context.Background(), conversation.CreateTaskInput{Instruction: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
}

func TestOutreachTurnCallsSelectedVendors(t *testing.T) {
	h := newHarness(t, llm.NewMockReasoner(), time.Second)
	h.runWorkers(t)
	ctx := context.Background()
	taskID, round := h.discover(t)

	for _, i := range []int{0, 2} {
		_, err := h.svc.SelectOption(ctx, round.Options[i].Ref())
		require.NoError(t, err)
	}
	_, err := h.svc.PostUserMessage(ctx, taskID, "Please call the ones I picked")
	require.NoError(t, err)

	out, err := h.svc.SubmitTurn(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindText, out.AgentMessage.Kind)
	assert.Contains(t, out.AgentMessage.Text, "2 vendors")

	require.Eventually(t, func() bool {
		task, err := h.svc.GetTask(ctx, taskID)
		if err != nil {
			return false
		}
		m, _ := task.Message(round.ID)
		return m.RoundClosed()
	}, 2*time.Second, 10*time.Millisecond)

	task, err := h.svc.GetTask(ctx, taskID)
	require.NoError(t, err)
	m, _ := task.Message(round.ID)
	assert.Equal(t, domain.StatusCompleted, m.Options[0].Status)
	assert.Equal(t, domain.StatusNone, m.Options[1].Status)
	assert.Equal(t, domain.StatusCompleted, m.Options[2].Status)
	require.NotNil(t, m.Options[0].ConfirmedPrice)
	assert.NotEmpty(t, m.Options[0].RecordingRef)
	assert.Len(t, h.calls.Started(), 2)

	// The round is closed; a repeated outreach turn starts nothing new.
	_, err = h.svc.PostUserMessage(ctx, taskID, "call them again")
	require.NoError(t, err)
	_, err = h.svc.SubmitTurn(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, h.calls.Started(), 2)
}

func TestConfirmIsIdempotent(t *testing.T) {
	h := newHarness(t, llm.NewMockReasoner(), time.Second)
	h.runWorkers(t)
	ctx := context.Background()
	taskID, round := h.discover(t)
	ref := round.Options[0].Ref()

	_, err := h.svc.SelectOption(ctx, ref)
	require.NoError(t, err)

	_, err = h.svc.ConfirmOption(ctx, ref)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "nothing to confirm before a quote")

	_, err = h.svc.DispatchOutreach(ctx, taskID, round.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		o, err := h.store.GetOption(ctx, ref)
		return err == nil && o.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	first, err := h.svc.ConfirmOption(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, first.Status)

	again, err := h.svc.ConfirmOption(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, first.Revision, again.Revision, "re-confirming writes nothing")
}

func TestNewRoundIsANewMessage(t *testing.T) {
	h := newHarness(t, llm.NewMockReasoner(), time.Second)
	ctx := context.Background()
	taskID, first := h.discover(t)

	_, err := h.svc.SelectOption(ctx, first.Options[1].Ref())
	require.NoError(t, err)
	_, err = h.svc.PostUserMessage(ctx, taskID, "actually make it 80 chairs with padding")
	require.NoError(t, err)

	out, err := h.svc.SubmitTurn(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.KindOptions, out.AgentMessage.Kind)
	assert.NotEqual(t, first.ID, out.AgentMessage.ID)

	task, err := h.svc.GetTask(ctx, taskID)
	require.NoError(t, err)
	old, ok := task.Message(first.ID)
	require.True(t, ok)
	assert.True(t, old.Options[1].Selected, "earlier rounds keep their state")
	latest, _ := task.LatestOptionsMessage()
	assert.Equal(t, out.AgentMessage.ID, latest.ID)
}

func TestReasonerFailureWritesFallback(t *testing.T) {
	h := newHarness(t, failingReasoner{llm.NewMockReasoner()}, time.Second)
	ctx := context.Background()

	created, err := h.svc.CreateTask(ctx, conversation.CreateTaskInput{Instruction: "50 folding chairs for an event"})
	require.NoError(t, err)
	out, err := h.svc.SubmitTurn(ctx, created.Task.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.KindText, out.AgentMessage.Kind)
	assert.False(t, out.AgentMessage.Pending)
	assert.Contains(t, out.AgentMessage.Error, "model unavailable")

	task, err := h.svc.GetTask(ctx, created.Task.ID)
	require.NoError(t, err)
	_, pending := task.PendingMessage()
	assert.False(t, pending, "no pending message survives a failed turn")
}

func TestTurnWatchdogWritesFallback(t *testing.T) {
	h := newHarness(t, stuckReasoner{llm.NewMockReasoner()}, 20*time.Millisecond)
	ctx := context.Background()

	created, err := h.svc.CreateTask(ctx, conversation.CreateTaskInput{Instruction: "50 folding chairs for an event"})
	require.NoError(t, err)

	start := time.Now()
	out, err := h.svc.SubmitTurn(ctx, created.Task.ID)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Contains(t, out.AgentMessage.Error, "timed out")
}

func TestConcurrentTurnIsQueued(t *testing.T) {
	gr := &gatedReasoner{
		MockReasoner: llm.NewMockReasoner(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	h := newHarness(t, gr, 5*time.Second)
	ctx := context.Background()

	created, err := h.svc.CreateTask(ctx, conversation.CreateTaskInput{Instruction: "50 folding chairs for an event"})
	require.NoError(t, err)
	taskID := created.Task.ID

	first := make(chan *conversation.TurnOutput, 1)
	go func() {
		out, err := h.svc.SubmitTurn(ctx, taskID)
		assert.NoError(t, err)
		first <- out
	}()
	<-gr.entered

	state, err := h.svc.TurnState(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, conversation.AgentThinking, state)

	second, err := h.svc.SubmitTurn(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, second.Queued)
	assert.Nil(t, second.AgentMessage)

	close(gr.release)
	out := <-first
	require.NotNil(t, out.AgentMessage)
	h.svc.Wait()

	task, err := h.svc.GetTask(ctx, taskID)
	require.NoError(t, err)
	agent := 0
	for _, m := range task.Messages {
		assert.False(t, m.Pending)
		if m.Sender == domain.SenderAgent {
			agent++
		}
	}
	assert.Equal(t, 2, agent, "the queued turn ran after the first one")
}

func TestStateOf(t *testing.T) {
	opts := func(statuses ...domain.OptionStatus) []domain.Option {
		var out []domain.Option
		for _, s := range statuses {
			out = append(out, domain.Option{Selected: true, Status: s})
		}
		return out
	}
	user := &domain.Message{ID: "u", Sender: domain.SenderUser, Kind: domain.KindText}

	cases := map[string]struct {
		msgs    []*domain.Message
		running bool
		want    conversation.State
	}{
		"empty":     {want: conversation.AwaitingUser},
		"running":   {msgs: []*domain.Message{user}, running: true, want: conversation.AgentThinking},
		"pending":   {msgs: []*domain.Message{user, {ID: "p", Pending: true}}, want: conversation.AgentThinking},
		"selecting": {msgs: []*domain.Message{user, {ID: "o", Kind: domain.KindOptions, Options: []domain.Option{{}}}}, want: conversation.AwaitingSelection},
		"calling":   {msgs: []*domain.Message{{ID: "o", Kind: domain.KindOptions, Options: opts(domain.StatusLoading, domain.StatusCompleted)}}, want: conversation.AwaitingOutreachResults},
		"closed":    {msgs: []*domain.Message{{ID: "o", Kind: domain.KindOptions, Options: opts(domain.StatusCompleted)}}, want: conversation.AwaitingUser},
		"replied":   {msgs: []*domain.Message{{ID: "o", Kind: domain.KindOptions, Options: []domain.Option{{}}}, user}, want: conversation.AwaitingUser},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			task := &domain.Task{ID: "t", Messages: tc.msgs}
			assert.Equal(t, tc.want, conversation.StateOf(task, tc.running))
		})
	}
}

func TestMaterializeFailureStillEndsTurn(t *testing.T) {
	mem := memory.NewStore()
	flaky := &flakyStore{Store: mem}
	flaky.failures.Store(1)
	h := newHarnessOn(t, mem, flaky, llm.NewMockReasoner(), time.Second)
	ctx := context.Background()

	created, err := h.svc.CreateTask(ctx, conversation.CreateTaskInput{Instruction: "50 folding chairs for an event"})
	require.NoError(t, err)
	taskID := created.Task.ID

	out, err := h.svc.SubmitTurn(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindText, out.AgentMessage.Kind)
	assert.False(t, out.AgentMessage.Pending)
	assert.Contains(t, out.AgentMessage.Error, "store unavailable")

	state, err := h.svc.TurnState(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, conversation.AwaitingUser, state)

	out, err = h.svc.SubmitTurn(ctx, taskID)
	require.NoError(t, err, "the task takes further turns")
	assert.Equal(t, domain.KindOptions, out.AgentMessage.Kind)
}

func TestAbandonedPendingTurnIsCleared(t *testing.T) {
	h := newHarness(t, llm.NewMockReasoner(), 50*time.Millisecond)
	ctx := context.Background()

	created, err := h.svc.CreateTask(ctx, conversation.CreateTaskInput{Instruction: "50 folding chairs for an event"})
	require.NoError(t, err)
	taskID := created.Task.ID

	// A turn left behind by a process that died mid-turn.
	require.NoError(t, h.store.AppendMessage(ctx, &domain.Message{ID: "orphan", TaskID: taskID, Sender: domain.SenderAgent, Pending: true}))

	state, err := h.svc.TurnState(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, conversation.AgentThinking, state, "still within the turn timeout")

	time.Sleep(80 * time.Millisecond)
	state, err = h.svc.TurnState(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, conversation.AwaitingUser, state)

	task, err := h.svc.GetTask(ctx, taskID)
	require.NoError(t, err)
	orphan, ok := task.Message("orphan")
	require.True(t, ok)
	assert.False(t, orphan.Pending)
	assert.Contains(t, orphan.Error, "abandoned")

	out, err := h.svc.SubmitTurn(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindOptions, out.AgentMessage.Kind)
}

func TestAbandonedTurnClearedBySubmit(t *testing.T) {
	h := newHarness(t, llm.NewMockReasoner(), 50*time.Millisecond)
	ctx := context.Background()

	created, err := h.svc.CreateTask(ctx, conversation.CreateTaskInput{Instruction: "50 folding chairs for an event"})
	require.NoError(t, err)
	taskID := created.Task.ID
	require.NoError(t, h.store.AppendMessage(ctx, &domain.Message{ID: "orphan", TaskID: taskID, Sender: domain.SenderAgent, Pending: true}))

	_, err = h.svc.SubmitTurn(ctx, taskID)
	assert.ErrorIs(t, err, domain.ErrPendingTurn, "a fresh pending turn is left alone")

	time.Sleep(80 * time.Millisecond)
	out, err := h.svc.SubmitTurn(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindOptions, out.AgentMessage.Kind)

	task, err := h.svc.GetTask(ctx, taskID)
	require.NoError(t, err)
	_, pending := task.PendingMessage()
	assert.False(t, pending)
}
