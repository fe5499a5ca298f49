package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PabloGalante/sourcing-agent/internal/app/conversation"
	"github.com/PabloGalante/sourcing-agent/internal/domain"
	"github.com/PabloGalante/sourcing-agent/internal/observability"
)

type Server struct {
	svc *conversation.Service
}

func NewServer(svc *conversation.Service) http.Handler {
	s := &Server{svc: svc}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskID}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{taskID}/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{taskID}/messages", s.handlePostMessage).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskID}/turns", s.handleSubmitTurn).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskID}/messages/{messageID}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskID}/messages/{messageID}/options/{optionID}/select", s.handleSelect).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskID}/messages/{messageID}/options/{optionID}/confirm", s.handleConfirm).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methodNotAllowed(w)
	})

	return chainMiddlewares(r, withLogging, withRequestID, withCORS)
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type createTaskRequest struct {
	Instruction string `json:"instruction"`
}

type createTaskResponse struct {
	Task        taskResponse    `json:"task"`
	UserMessage messageResponse `json:"user_message"`
}

type postMessageRequest struct {
	Text string `json:"text"`
}

type taskResponse struct {
	ID          string            `json:"id"`
	Instruction string            `json:"instruction"`
	State       string            `json:"state,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Messages    []messageResponse `json:"messages,omitempty"`
}

type messageResponse struct {
	ID           string           `json:"id"`
	TaskID       string           `json:"task_id"`
	Sender       string           `json:"sender"`
	Kind         string           `json:"kind"`
	Pending      bool             `json:"pending"`
	Text         string           `json:"text,omitempty"`
	RecordingRef string           `json:"recording_ref,omitempty"`
	Error        string           `json:"error,omitempty"`
	Options      []optionResponse `json:"options,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

type optionResponse struct {
	ID             string    `json:"id"`
	Index          int       `json:"index"`
	Rank           int       `json:"rank"`
	Name           string    `json:"name"`
	Summary        string    `json:"summary,omitempty"`
	Website        string    `json:"website,omitempty"`
	ImageRef       string    `json:"image_ref,omitempty"`
	EstimatedPrice float64   `json:"estimated_price,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	Selected       bool      `json:"selected"`
	Status         string    `json:"status"`
	ConfirmedPrice *float64  `json:"confirmed_price,omitempty"`
	RecordingRef   string    `json:"recording_ref,omitempty"`
	Transcript     string    `json:"transcript,omitempty"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type turnResponse struct {
	Queued       bool             `json:"queued"`
	AgentMessage *messageResponse `json:"agent_message,omitempty"`
}

// ─────────────────────────────────────────────
// Concrete handlers
// ─────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		badRequest(w, "instruction is required")
		return
	}

	out, err := s.svc.CreateTask(r.Context(), conversation.CreateTaskInput{Instruction: req.Instruction})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createTaskResponse{
		Task:        toTaskResponse(out.Task, ""),
		UserMessage: toMessageResponse(out.UserMessage),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := domain.TaskID(mux.Vars(r)["taskID"])

	task, err := s.svc.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	state, err := s.svc.TurnState(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTaskResponse(task, state))
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	taskID := domain.TaskID(mux.Vars(r)["taskID"])

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		badRequest(w, "text is required")
		return
	}

	msg, err := s.svc.PostUserMessage(r.Context(), taskID, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	taskID := domain.TaskID(mux.Vars(r)["taskID"])

	out, err := s.svc.SubmitTurn(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out.Queued {
		writeJSON(w, http.StatusAccepted, turnResponse{Queued: true})
		return
	}

	m := toMessageResponse(out.AgentMessage)
	writeJSON(w, http.StatusOK, turnResponse{AgentMessage: &m})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	opt, err := s.svc.SelectOption(r.Context(), optionRef(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOptionResponse(opt))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	opt, err := s.svc.ConfirmOption(r.Context(), optionRef(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOptionResponse(opt))
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	out, err := s.svc.DispatchOutreach(r.Context(), domain.TaskID(vars["taskID"]), domain.MessageID(vars["messageID"]))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out.Handles == nil {
		out.Handles = []domain.CallHandle{}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams Task snapshots as server-sent events until the client
// goes away. Slow clients only see the latest snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := domain.TaskID(mux.Vars(r)["taskID"])

	flusher, ok := w.(http.Flusher)
	if !ok {
		internalError(w, errors.New("streaming unsupported"))
		return
	}

	updates, err := s.svc.Subscribe(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for task := range updates {
		b, err := json.Marshal(toTaskResponse(task, conversation.StateOf(task, false)))
		if err != nil {
			observability.LoggerFromContext(r.Context()).Error("encode task event", "task_id", taskID, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: task\ndata: %s\n\n", b); err != nil {
			return
		}
		flusher.Flush()
	}
}

// ─────────────────────────────────────────────
// Task Helpers
// ─────────────────────────────────────────────

func optionRef(r *http.Request) domain.OptionRef {
	vars := mux.Vars(r)
	return domain.OptionRef{
		TaskID:    domain.TaskID(vars["taskID"]),
		MessageID: domain.MessageID(vars["messageID"]),
		OptionID:  domain.OptionID(vars["optionID"]),
	}
}

func toTaskResponse(t *domain.Task, state conversation.State) taskResponse {
	out := taskResponse{
		ID:          string(t.ID),
		Instruction: t.Instruction,
		State:       string(state),
		CreatedAt:   t.CreatedAt,
	}
	for _, m := range t.Messages {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	return out
}

func toMessageResponse(m *domain.Message) messageResponse {
	out := messageResponse{
		ID:           string(m.ID),
		TaskID:       string(m.TaskID),
		Sender:       string(m.Sender),
		Kind:         string(m.Kind),
		Pending:      m.Pending,
		Text:         m.Text,
		RecordingRef: m.RecordingRef,
		Error:        m.Error,
		CreatedAt:    m.CreatedAt,
	}
	for _, o := range m.Options {
		out.Options = append(out.Options, toOptionResponse(o))
	}
	return out
}

func toOptionResponse(o domain.Option) optionResponse {
	return optionResponse{
		ID:             string(o.ID),
		Index:          o.Index,
		Rank:           o.Rank,
		Name:           o.Name,
		Summary:        o.Summary,
		Website:        o.Website,
		ImageRef:       o.ImageRef,
		EstimatedPrice: o.EstimatedPrice,
		Phone:          o.Phone,
		Notes:          o.Notes,
		Selected:       o.Selected,
		Status:         string(o.Status),
		ConfirmedPrice: o.ConfirmedPrice,
		RecordingRef:   o.RecordingRef,
		Transcript:     o.Transcript,
		Attempts:       o.Attempts,
		Error:          o.Error,
		UpdatedAt:      o.UpdatedAt,
	}
}

// ─────────────────────────────────────────────
// HTTP Helpers
// ─────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrStoreWriteConflict),
		errors.Is(err, domain.ErrPendingTurn),
		errors.Is(err, domain.ErrMessageImmutable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidMessage):
		badRequest(w, err.Error())
	default:
		observability.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		internalError(w, err)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": msg,
	})
}

func internalError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal server error",
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "method not allowed",
	})
}
