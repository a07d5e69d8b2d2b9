package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/podushkina/taskdispatch/internal/control"
	"github.com/podushkina/taskdispatch/internal/dispatch"
	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/provider"
	"github.com/podushkina/taskdispatch/internal/task"
)

// UserHeader carries the authenticated caller id, set by the auth proxy in
// front of this service.
const UserHeader = "X-User-ID"

type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.Request) (*dispatch.Outcome, error)
}

type Control interface {
	GetStatus(ctx context.Context, id, caller string) (*task.Task, error)
	ListActive(ctx context.Context, caller string) ([]*task.Task, error)
	List(ctx context.Context, caller string) ([]*task.Task, error)
	Cancel(ctx context.Context, id, caller string, force bool) (*task.Task, error)
	Stats(ctx context.Context) (*control.Stats, error)
}

type Handler struct {
	dispatcher Dispatcher
	control    Control
	logger     *slog.Logger
}

func NewHandler(d Dispatcher, c Control, logger *slog.Logger) *Handler {
	return &Handler{dispatcher: d, control: c, logger: logger}
}

type SubmitTaskRequest struct {
	Kind   task.Kind       `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
	Async  bool            `json:"async,omitempty"`
}

type CancelTaskRequest struct {
	Force bool `json:"force"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		respondError(w, http.StatusBadRequest, "kind is required")
		return
	}

	out, err := h.dispatcher.Submit(r.Context(), dispatch.Request{
		Kind:   req.Kind,
		Owner:  caller,
		Params: req.Params,
		Async:  req.Async,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if out.Mode == dispatch.ModeAsync {
		status = http.StatusAccepted
	}
	respondJSON(w, status, out)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	t, err := h.control.GetStatus(r.Context(), chi.URLParam(r, "id"), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// ListTasks returns active tasks unless ?active=false asks for all of them.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	activeOnly := true
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		activeOnly = b
	}

	var (
		tasks []*task.Task
		err   error
	)
	if activeOnly {
		tasks, err = h.control.ListActive(r.Context(), caller)
	} else {
		tasks, err = h.control.List(r.Context(), caller)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req CancelTaskRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	t, err := h.control.Cancel(r.Context(), chi.URLParam(r, "id"), caller, req.Force)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.control.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		respondError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
		return "", false
	}
	return id, true
}

// fail maps an error to its HTTP status. Internal details go to the log, not
// the response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var perr *provider.ProviderError
	if errors.As(err, &perr) {
		respondJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:     perr.Message,
			Code:      "provider_error",
			Provider:  perr.Provider,
			Retryable: perr.Retryable,
		})
		return
	}

	if errors.Is(err, context.Canceled) {
		respondError(w, 499, "request cancelled")
		return
	}

	var coded *errs.Error
	if !errors.As(err, &coded) {
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: errs.Internal.String()})
		return
	}

	status := coded.Code.HTTPCode()
	if status >= 500 {
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	msg := coded.Msg
	if msg == "" || coded.Code == errs.Internal {
		msg = http.StatusText(status)
	}
	respondJSON(w, status, ErrorResponse{Error: msg, Code: coded.Code.String()})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
