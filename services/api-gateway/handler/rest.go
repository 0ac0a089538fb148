package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/feed"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/queue"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/services/api-gateway/middleware"
)

// sseHeartbeat keeps idle board streams open through proxies.
const sseHeartbeat = 15 * time.Second

// REST handles HTTP requests for the API Gateway.
type REST struct {
	Deps
}

// NewREST creates a new REST handler.
func NewREST(d Deps) *REST {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &REST{Deps: d}
}

// AllocateTaskRequest is the JSON body for POST /api/v1/projects/{projectID}/tasks.
type AllocateTaskRequest struct {
	Title        string `json:"title"`
	TaskTypeID   int    `json:"task_type_id"`
	PriorityID   int    `json:"priority_id"`
	ComplexityID int    `json:"complexity_id"`
}

// TransitionTaskRequest is the JSON body for POST /api/v1/tasks/{taskID}/transition.
type TransitionTaskRequest struct {
	StatusID int `json:"status_id"`
}

// Mount registers every route on r. auth guards the mutating routes.
func (h *REST) Mount(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/projects/{projectID}/tasks/preview", h.PreviewTask)
		r.Get("/projects/{projectID}/queue", h.GetQueue)
		r.Get("/projects/{projectID}/board", h.GetBoard)
		r.Get("/projects/{projectID}/board/stream", h.StreamBoard)
		r.Get("/tasks/{taskID}", h.GetTask)

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Post("/projects/{projectID}/tasks", h.AllocateTask)
			r.Post("/tasks/{taskID}/transition", h.TransitionTask)
			r.Delete("/tasks/{taskID}", h.RemoveTask)
		})
	})
}

// AllocateTask handles POST /api/v1/projects/{projectID}/tasks.
func (h *REST) AllocateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.allocate_task")
	defer span.End()

	req, ok := h.decodeAllocate(w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("project.id", req.ProjectID))

	alloc, err := h.allocate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocate failed")
		h.fail(w, err, slog.String("project_id", req.ProjectID))
		return
	}
	writeJSON(w, http.StatusCreated, alloc)
}

// PreviewTask handles POST /api/v1/projects/{projectID}/tasks/preview.
func (h *REST) PreviewTask(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAllocate(w, r)
	if !ok {
		return
	}
	alloc, err := h.preview(r.Context(), req)
	if err != nil {
		h.fail(w, err, slog.String("project_id", req.ProjectID))
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (h *REST) decodeAllocate(w http.ResponseWriter, r *http.Request) (queue.Request, bool) {
	var body AllocateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return queue.Request{}, false
	}
	req := queue.Request{
		ProjectID:    chi.URLParam(r, "projectID"),
		Title:        body.Title,
		TaskTypeID:   body.TaskTypeID,
		PriorityID:   body.PriorityID,
		ComplexityID: body.ComplexityID,
		CreatedBy:    middleware.Actor(r.Context()),
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return queue.Request{}, false
	}
	return req, true
}

// GetQueue handles GET /api/v1/projects/{projectID}/queue.
func (h *REST) GetQueue(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	resp, err := h.queue(r.Context(), projectID)
	if err != nil {
		h.fail(w, err, slog.String("project_id", projectID))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBoard handles GET /api/v1/projects/{projectID}/board.
func (h *REST) GetBoard(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	u, err := h.board(r.Context(), projectID)
	if err != nil {
		h.fail(w, err, slog.String("project_id", projectID))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// StreamBoard handles GET /api/v1/projects/{projectID}/board/stream as
// Server-Sent Events. Each event carries a full board; the event id is the
// change sequence it reflects.
func (h *REST) StreamBoard(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	ctx := r.Context()

	if _, err := h.Store.Project(ctx, projectID); err != nil {
		h.fail(w, err, slog.String("project_id", projectID))
		return
	}

	sse := newSSEWriter(w)
	sse.open()

	logger := h.Logger.With(slog.String("project_id", projectID))
	logger.Debug("board stream opened")

	ctx, cancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		sse.heartbeat(ctx, sseHeartbeat)
	}()
	defer func() {
		cancel()
		<-hbDone
	}()

	err := h.streamBoard(ctx, projectID, func(u feed.Update) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return sse.event("board", strconv.FormatInt(u.Seq, 10), data)
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("board stream failed", slog.String("error", err.Error()))
		_ = sse.event("error", "", []byte(`{"error":"stream failed"}`))
	}
	logger.Debug("board stream closed")
}

// TransitionTask handles POST /api/v1/tasks/{taskID}/transition.
func (h *REST) TransitionTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.transition_task")
	defer span.End()

	taskID := chi.URLParam(r, "taskID")
	var body TransitionTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.StatusID == 0 {
		writeError(w, http.StatusBadRequest, "field 'status_id' is required")
		return
	}
	span.SetAttributes(attribute.String("task.id", taskID), attribute.Int("status.id", body.StatusID))

	task, err := h.transition(ctx, queue.TransitionRequest{
		TaskID:   taskID,
		StatusID: body.StatusID,
		Actor:    middleware.Actor(ctx),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		h.fail(w, err, slog.String("task_id", taskID))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// RemoveTask handles DELETE /api/v1/tasks/{taskID}.
func (h *REST) RemoveTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := h.remove(r.Context(), taskID); err != nil {
		h.fail(w, err, slog.String("task_id", taskID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTask handles GET /api/v1/tasks/{taskID}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := h.Store.GetTask(r.Context(), taskID)
	if err != nil {
		h.fail(w, err, slog.String("task_id", taskID))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and checks the store.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *REST) fail(w http.ResponseWriter, err error, attrs ...any) {
	f := classify(err)
	if f.httpStatus >= http.StatusInternalServerError {
		h.Logger.Error("request failed", append(attrs, slog.String("error", err.Error()))...)
	}
	if f.retryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterHeader(f.retryAfter))
	}
	writeError(w, f.httpStatus, f.message)
}

// sseWriter serialises writes from the heartbeat and the board loop.
type sseWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) open() {
	// Streams outlive the server's write timeout.
	_ = s.rc.SetWriteDeadline(time.Time{})
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	_ = s.rc.Flush()
}

func (s *sseWriter) event(name, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) heartbeat(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.mu.Lock()
			_, err := fmt.Fprint(s.w, ": ping\n\n")
			if err == nil {
				err = s.rc.Flush()
			}
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
