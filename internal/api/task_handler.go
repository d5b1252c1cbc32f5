package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/api/shared"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/platform/logger"
	"github.com/phrazzld/slidegen/internal/queue"
	"github.com/phrazzld/slidegen/internal/task"
)

// RetryAfterSeconds is advertised when the queue rejects a task.
const RetryAfterSeconds = 30

// TaskService is the subset of task.Service used by the HTTP layer.
type TaskService interface {
	CreateTask(ctx context.Context, req task.CreateTaskRequest) (*domain.Task, error)
	GetTask(ctx context.Context, id uuid.UUID, requesterID string) (*domain.Task, error)
	ListTasks(ctx context.Context, req task.ListTasksRequest) (*task.TaskPage, error)
	CancelTask(ctx context.Context, id uuid.UUID, requesterID string) error
	DeleteTask(ctx context.Context, id uuid.UUID, requesterID string) error
	QueueStatus(ctx context.Context) queue.Status
}

var _ TaskService = (*task.Service)(nil)

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	tasks  TaskService
	logger *slog.Logger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(tasks TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		tasks:  tasks,
		logger: logger.With(slog.String("component", "task_handler")),
	}
}

// CreateTask handles POST /api/tasks.
// Returns 201 for a new task, 200 for a dedup cache hit that completed at once,
// and 503 with Retry-After when the queue is full.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	requesterID, ok := h.requester(w, r)
	if !ok {
		return
	}

	var body CreateTaskRequest
	if err := shared.DecodeJSON(w, r, &body); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&body); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	kind, err := domain.ParseArtifactKind(body.Kind)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("%w: %w", task.ErrInvalidRequest, err))
		return
	}
	origin := domain.DocumentOriginSystem
	if body.Origin != "" {
		origin = domain.DocumentOrigin(body.Origin)
	}

	created, err := h.tasks.CreateTask(r.Context(), task.CreateTaskRequest{
		RequesterID: requesterID,
		Document:    domain.DocumentKey{ID: body.DocumentID, Source: body.Source},
		Origin:      origin,
		Kind:        kind,
		Params: domain.GenerationParams{
			Title:    body.Title,
			Style:    body.Style,
			Language: body.Language,
			Density:  body.Density,
		},
	})
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		}
		h.respondError(w, r, err)
		return
	}

	status := http.StatusCreated
	if created.Status == domain.TaskStatusSuccess {
		status = http.StatusOK
	}
	log.Debug("task created",
		slog.String("task_id", created.ID.String()),
		slog.String("status", string(created.Status)))
	shared.RespondWithJSON(w, r, status, taskToResponse(created))
}

// ListTasks handles GET /api/tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := h.requester(w, r)
	if !ok {
		return
	}

	req, err := parseListQuery(r, requesterID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	page, err := h.tasks.ListTasks(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, pageToResponse(page))
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	requesterID, id, ok := h.requesterAndID(w, r)
	if !ok {
		return
	}

	t, err := h.tasks.GetTask(r.Context(), id, requesterID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// CancelTask handles POST /api/tasks/{id}/cancel and returns the task as it
// stands afterwards.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	requesterID, id, ok := h.requesterAndID(w, r)
	if !ok {
		return
	}

	if err := h.tasks.CancelTask(r.Context(), id, requesterID); err != nil {
		h.respondError(w, r, err)
		return
	}

	t, err := h.tasks.GetTask(r.Context(), id, requesterID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// DeleteTask handles DELETE /api/tasks/{id}.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	requesterID, id, ok := h.requesterAndID(w, r)
	if !ok {
		return
	}

	if err := h.tasks.DeleteTask(r.Context(), id, requesterID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueueStatus handles GET /api/queue/status.
func (h *TaskHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, statusToResponse(h.tasks.QueueStatus(r.Context())))
}

func (h *TaskHandler) requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	requesterID, ok := shared.RequesterID(r.Context())
	if !ok {
		logger.FromContextOrDefault(r.Context(), h.logger).Warn("requester ID not found in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Requester not identified")
		return "", false
	}
	return requesterID, true
}

func (h *TaskHandler) requesterAndID(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	requesterID, ok := h.requester(w, r)
	if !ok {
		return "", uuid.Nil, false
	}
	id, err := getPathUUID(r, "id")
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid task ID", err)
		return "", uuid.Nil, false
	}
	return requesterID, id, true
}

func (h *TaskHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}
