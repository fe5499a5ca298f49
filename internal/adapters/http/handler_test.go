package httpadapter_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/PabloGalante/sourcing-agent/internal/adapters/http"
	"github.com/PabloGalante/sourcing-agent/internal/adapters/llm"
	queuemem "github.com/PabloGalante/sourcing-agent/internal/adapters/queue/memory"
	"github.com/PabloGalante/sourcing-agent/internal/adapters/storage/memory"
	"github.com/PabloGalante/sourcing-agent/internal/adapters/telephony"
	"github.com/PabloGalante/sourcing-agent/internal/app/conversation"
	"github.com/PabloGalante/sourcing-agent/internal/app/gateway"
	"github.com/PabloGalante/sourcing-agent/internal/app/outreach"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	store := memory.NewStore()
	reasoner := llm.NewMockReasoner()
	gw := gateway.New(store, gateway.DefaultConfig())
	d := outreach.NewDispatcher(store, gw, queuemem.New(), telephony.NewMock(), reasoner, outreach.DefaultConfig())
	svc := conversation.NewService(store, gw, reasoner, d, conversation.Config{TurnTimeout: time.Second})

	return httpadapter.NewServer(svc)
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type optionJSON struct {
	ID       string `json:"id"`
	Selected bool   `json:"selected"`
	Status   string `json:"status"`
}

type messageJSON struct {
	ID      string       `json:"id"`
	Kind    string       `json:"kind"`
	Sender  string       `json:"sender"`
	Options []optionJSON `json:"options"`
}

type taskJSON struct {
	ID       string        `json:"id"`
	State    string        `json:"state"`
	Messages []messageJSON `json:"messages"`
}

func createTask(t *testing.T, srv http.Handler, instruction string) string {
	t.Helper()
	w := do(t, srv, http.MethodPost, "/tasks", `{"instruction":"`+instruction+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode[struct {
		Task taskJSON `json:"task"`
	}](t, w)
	require.NotEmpty(t, out.Task.ID)
	return out.Task.ID
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/tasks", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/tasks", `{"instruction":" "}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodDelete, "/tasks", "").Code)
}

func TestUnknownTaskIs404(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/tasks/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/tasks/nope/turns", "").Code)
}

func TestTurnSelectAndConflicts(t *testing.T) {
	srv := newTestServer(t)
	taskID := createTask(t, srv, "50 folding chairs for an event")

	w := do(t, srv, http.MethodPost, "/tasks/"+taskID+"/turns", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	turn := decode[struct {
		Queued       bool        `json:"queued"`
		AgentMessage messageJSON `json:"agent_message"`
	}](t, w)
	assert.False(t, turn.Queued)
	require.Equal(t, "options", turn.AgentMessage.Kind)
	require.Len(t, turn.AgentMessage.Options, 3)

	optPath := "/tasks/" + taskID + "/messages/" + turn.AgentMessage.ID + "/options/" + turn.AgentMessage.Options[1].ID
	w = do(t, srv, http.MethodPost, optPath+"/select", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[optionJSON](t, w).Selected)

	// Nothing has been quoted yet.
	w = do(t, srv, http.MethodPost, optPath+"/confirm", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, srv, http.MethodGet, "/tasks/"+taskID, "")
	require.Equal(t, http.StatusOK, w.Code)
	task := decode[taskJSON](t, w)
	assert.Equal(t, string(conversation.AwaitingSelection), task.State)
	require.Len(t, task.Messages, 2)
	assert.True(t, task.Messages[1].Options[1].Selected)

	w = do(t, srv, http.MethodPost, "/tasks/"+taskID+"/messages/"+turn.AgentMessage.ID+"/options/missing/select", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatchEndpoint(t *testing.T) {
	srv := newTestServer(t)
	taskID := createTask(t, srv, "50 folding chairs for an event")

	w := do(t, srv, http.MethodPost, "/tasks/"+taskID+"/turns", "")
	require.Equal(t, http.StatusOK, w.Code)
	msg := decode[struct {
		AgentMessage messageJSON `json:"agent_message"`
	}](t, w).AgentMessage

	base := "/tasks/" + taskID + "/messages/" + msg.ID
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, base+"/options/"+msg.Options[0].ID+"/select", "").Code)

	w = do(t, srv, http.MethodPost, base+"/dispatch", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[outreach.Outcome](t, w)
	require.Len(t, first.Handles, 1)

	// Dispatching again reports the same in-flight handle.
	w = do(t, srv, http.MethodPost, base+"/dispatch", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.Handles, decode[outreach.Outcome](t, w).Handles)
}

func TestPostMessage(t *testing.T) {
	srv := newTestServer(t)
	taskID := createTask(t, srv, "chairs")

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/tasks/"+taskID+"/messages", `{"text":""}`).Code)

	w := do(t, srv, http.MethodPost, "/tasks/"+taskID+"/messages", `{"text":"50 of them, delivered Friday"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "user", decode[messageJSON](t, w).Sender)
}

func TestEventsStreamSnapshots(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t))
	defer srv.Close()
	h := srv.Config.Handler
	taskID := createTask(t, h, "50 folding chairs for an event")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/tasks/"+taskID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan taskJSON, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var tj taskJSON
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &tj) == nil {
				events <- tj
			}
		}
		close(events)
	}()

	first := <-events
	assert.Equal(t, taskID, first.ID)
	require.Len(t, first.Messages, 1)

	w := do(t, h, http.MethodPost, "/tasks/"+taskID+"/turns", "")
	require.Equal(t, http.StatusOK, w.Code)

	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed early")
			if n := len(ev.Messages); n == 2 && ev.Messages[1].Kind == "options" {
				return
			}
		case <-deadline:
			t.Fatal("no snapshot with the materialized options")
		}
	}
}
