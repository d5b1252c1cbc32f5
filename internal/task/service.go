package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/dedup"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/platform/logger"
	"github.com/phrazzld/slidegen/internal/queue"
	"github.com/phrazzld/slidegen/internal/redact"
	"github.com/phrazzld/slidegen/internal/store"
)

// maxCancelAttempts bounds the reload loop when a task changes status
// underneath a cancellation.
const maxCancelAttempts = 3

// maxAdvanceDeferrals bounds how often AdvanceQueue retries after putting a
// task back on the list.
const maxAdvanceDeferrals = 3

// DefaultPageSize is used by ListTasks when a page is requested without a size.
const DefaultPageSize = 20

// CreateTaskRequest carries the caller input for CreateTask.
type CreateTaskRequest struct {
	RequesterID string
	Document    domain.DocumentKey
	Origin      domain.DocumentOrigin
	Kind        domain.ArtifactKind
	Params      domain.GenerationParams
}

// ListTasksRequest selects a page of a requester's tasks.
// Page 0 returns every matching task up to store.MaxListLimit.
type ListTasksRequest struct {
	RequesterID string
	Document    *domain.DocumentKey
	Kind        domain.ArtifactKind
	Status      domain.TaskStatus
	Page        int
	PageSize    int
}

// TaskPage is one page of tasks, newest first.
type TaskPage struct {
	Tasks    []*domain.Task `json:"tasks"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// admission is the result of trying to start a waiting task.
type admission int

const (
	// admitted: the task is running and holds a slot.
	admitted admission = iota
	// deferred: the task is still waiting and must go back on the list.
	deferred
	// stale: the task left the waiting state elsewhere; nothing to do.
	stale
)

// Service implements task admission, completion and cancellation.
// It holds no locks across store round trips; atomicity comes from the
// queue's Redis primitives and the task store's compare-and-set updates.
type Service struct {
	tasks      store.TaskStore
	slots      store.SlotStore
	resolver   Resolver
	queue      Queue
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a Service with the given collaborators.
func NewService(
	tasks store.TaskStore,
	slots store.SlotStore,
	resolver Resolver,
	queue Queue,
	dispatcher Dispatcher,
	logger *slog.Logger,
) (*Service, error) {
	if tasks == nil {
		return nil, errors.New("task store cannot be nil")
	}
	if slots == nil {
		return nil, errors.New("slot store cannot be nil")
	}
	if resolver == nil {
		return nil, errors.New("resolver cannot be nil")
	}
	if queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		tasks:      tasks,
		slots:      slots,
		resolver:   resolver,
		queue:      queue,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "task_service")),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logger.FromContextOrDefault(ctx, s.logger)
}

// CreateTask admits a new generation request. A dedup cache hit produces an
// already successful task without touching the queue. Otherwise the task runs
// immediately if a slot is free, or waits. When neither is possible the task
// is recorded as failed and ErrQueueFull is returned.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*domain.Task, error) {
	t, err := domain.NewTask(req.RequesterID, req.Document, req.Origin, req.Kind, req.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	log := s.log(ctx).With(slog.String("task_id", t.ID.String()))

	resolution, err := s.resolver.Resolve(ctx, t.DedupKey(), t.Origin, t.RequesterID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	switch resolution.Outcome {
	case dedup.OutcomeRetry:
		return nil, NewServiceError("create_task", resolution.Reason, ErrUnavailable)

	case dedup.OutcomeCached:
		if err := t.MarkSucceeded(resolution.Result, s.now()); err != nil {
			return nil, NewServiceError("create_task", "cached result is unusable", err)
		}
		if err := s.tasks.Create(ctx, t); err != nil {
			return nil, NewServiceError("create_task", "failed to save task", err)
		}
		log.Info("served task from dedup cache", slog.String("key", t.DedupKey().String()))
		return t, nil

	case dedup.OutcomeOriginate:
		t.OriginatesDedupWrite = resolution.ClaimNeeded
	}

	if err := s.tasks.Create(ctx, t); err != nil {
		return nil, NewServiceError("create_task", "failed to save task", err)
	}

	if s.queue.CanAdmit(ctx) {
		switch s.admit(ctx, t) {
		case admitted:
			return t, nil
		case stale:
			return s.reload(ctx, t)
		}
	}

	if s.queue.Enqueue(ctx, t.ID.String()) {
		log.Info("task waiting for a running slot")
		// A slot freed between CanAdmit and Enqueue would otherwise go unused.
		if s.AdvanceQueue(ctx) > 0 {
			return s.reload(ctx, t)
		}
		return t, nil
	}

	if _, err := s.transition(ctx, t, domain.TaskStatusWaiting, func(u *domain.Task) error {
		return u.MarkFailed(ReasonQueueFull, s.now())
	}); err != nil && !errors.Is(err, store.ErrStatusConflict) {
		log.Error("failed to mark rejected task failed", slog.String("error", err.Error()))
	}
	log.Warn("task rejected, queue full")
	return nil, ErrQueueFull
}

// admit moves a waiting task to running and hands it to the dispatcher.
// The running slot is taken before the status changes, so a concurrent
// cancel that observes running always has a slot to release.
func (s *Service) admit(ctx context.Context, t *domain.Task) admission {
	log := s.log(ctx).With(slog.String("task_id", t.ID.String()))

	if _, err := s.queue.IncrementRunning(ctx); err != nil {
		if !errors.Is(err, queue.ErrNoCapacity) {
			log.Error("failed to take running slot", slog.String("error", err.Error()))
		}
		return deferred
	}

	running, err := s.transition(ctx, t, domain.TaskStatusWaiting, func(u *domain.Task) error {
		return u.MarkRunning(s.now())
	})
	if err != nil {
		s.queue.DecrementRunning(ctx)
		if errors.Is(err, store.ErrStatusConflict) {
			log.Info("task left waiting before admission")
			return stale
		}
		log.Error("failed to mark task running", slog.String("error", err.Error()))
		return deferred
	}

	receipt, err := s.dispatcher.Submit(ctx, JobFromTask(running))
	if err == nil {
		*t = *running
		log.Info("task dispatched", slog.String("receipt", receipt.Ref))
		return admitted
	}
	log.Error("failed to dispatch task", slog.String("error", err.Error()))

	reverted, revertErr := s.transition(ctx, running, domain.TaskStatusRunning, func(u *domain.Task) error {
		return u.RevertToWaiting()
	})
	if revertErr != nil {
		if errors.Is(revertErr, store.ErrStatusConflict) {
			// A cancel already moved it on and released the slot.
			return stale
		}
		// The task stays running with a held slot; the next reconcile fails it.
		log.Error("failed to revert undispatched task", slog.String("error", revertErr.Error()))
		return stale
	}
	s.queue.DecrementRunning(ctx)
	*t = *reverted
	return deferred
}

// transition applies mutate to a copy of t and persists it only if the stored
// status still equals expected. Returns the updated copy.
func (s *Service) transition(
	ctx context.Context,
	t *domain.Task,
	expected domain.TaskStatus,
	mutate func(*domain.Task) error,
) (*domain.Task, error) {
	updated := t.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	if err := s.tasks.CompareAndSwapStatus(ctx, updated, expected); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) reload(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	current, err := s.tasks.GetByID(ctx, t.ID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, ErrTaskNotFound
		}
		return nil, NewServiceError("get_task", "failed to load task", err)
	}
	return current, nil
}

// OnTaskCompletion records a worker's outcome. Only a running task accepts
// it; redelivered or late callbacks are logged and ignored. A successful
// originator populates its dedup slot. The running slot is then released and
// the queue advanced.
func (s *Service) OnTaskCompletion(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	log := s.log(ctx).With(slog.String("task_id", id.String()))

	t, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			log.Warn("completion for unknown task dropped")
			return nil
		}
		return NewServiceError("complete_task", "failed to load task", err)
	}
	if t.Status != domain.TaskStatusRunning {
		log.Info("stale completion dropped", slog.String("status", string(t.Status)))
		return nil
	}

	updated, err := s.transition(ctx, t, domain.TaskStatusRunning, func(u *domain.Task) error {
		if outcome.Success() {
			err := u.MarkSucceeded(outcome.Result, s.now())
			if err == nil {
				return nil
			}
			log.Error("worker returned an unusable result", slog.String("error", err.Error()))
			return u.MarkFailed(ReasonUnknownFailure, s.now())
		}
		reason := redact.Reason(outcome.Reason)
		if reason == "" {
			reason = ReasonUnknownFailure
		}
		return u.MarkFailed(reason, s.now())
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			log.Info("stale completion dropped")
			return nil
		}
		return NewServiceError("complete_task", "failed to record outcome", err)
	}

	if updated.Status == domain.TaskStatusSuccess && updated.OriginatesDedupWrite {
		written, err := s.slots.Populate(ctx, updated.DedupKey(), updated.ID, updated.Result)
		if err != nil {
			log.Error("failed to populate dedup slot", slog.String("error", err.Error()))
		} else if !written {
			log.Info("dedup slot already populated", slog.String("key", updated.DedupKey().String()))
		}
	}

	log.Info("task finished",
		slog.String("status", string(updated.Status)),
		slog.String("error_reason", updated.ErrorReason))

	s.queue.DecrementRunning(ctx)
	s.AdvanceQueue(ctx)
	return nil
}

// AdvanceQueue admits waiting tasks in FIFO order while running slots are
// free. Returns the number of tasks admitted. Safe to call concurrently and
// repeatedly.
//
// A dequeued task that cannot be admitted goes back to the head of the list.
// It is never failed: only new arrivals are rejected with "queue full".
func (s *Service) AdvanceQueue(ctx context.Context) int {
	count, deferrals := 0, 0
	for s.queue.CanAdmit(ctx) {
		raw, ok := s.queue.Dequeue(ctx)
		if !ok {
			break
		}
		log := s.log(ctx).With(slog.String("task_id", raw))

		id, err := uuid.Parse(raw)
		if err != nil {
			log.Warn("dropping malformed waiting entry")
			continue
		}
		t, err := s.tasks.GetByID(ctx, id)
		if err != nil {
			if store.IsNotFoundError(err) {
				log.Warn("waiting task no longer exists")
				continue
			}
			log.Error("failed to load waiting task", slog.String("error", err.Error()))
			s.requeue(ctx, raw)
			break
		}
		if t.Status != domain.TaskStatusWaiting {
			log.Info("skipping task that is no longer waiting", slog.String("status", string(t.Status)))
			continue
		}

		switch s.admit(ctx, t) {
		case admitted:
			count++
			continue
		case stale:
			continue
		}

		s.requeue(ctx, raw)
		// A slot released while the task was off the list must not go unused.
		deferrals++
		if deferrals >= maxAdvanceDeferrals {
			break
		}
	}
	return count
}

// requeue returns a dequeued id to the head of the waiting list. When the
// store refuses, the task stays waiting without a list entry until the next
// reconciliation rebuilds the list.
func (s *Service) requeue(ctx context.Context, raw string) {
	if s.queue.Requeue(ctx, raw) {
		return
	}
	s.log(ctx).Error("waiting task lost its queue position",
		slog.String("task_id", raw))
}

// CancelTask stops a task owned by requesterID. Waiting tasks leave the list;
// running tasks are revoked and their slot released once. Terminal tasks are
// left as they are.
func (s *Service) CancelTask(ctx context.Context, id uuid.UUID, requesterID string) error {
	t, err := s.GetTask(ctx, id, requesterID)
	if err != nil {
		return err
	}
	log := s.log(ctx).With(slog.String("task_id", id.String()))

	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		expected := t.Status
		switch expected {
		case domain.TaskStatusWaiting:
			s.queue.Remove(ctx, id.String())
		case domain.TaskStatusRunning:
			if err := s.dispatcher.Revoke(ctx, id); err != nil {
				log.Warn("failed to revoke running task", slog.String("error", err.Error()))
			}
		default:
			return nil
		}

		_, err := s.transition(ctx, t, expected, func(u *domain.Task) error {
			return u.MarkFailed(ReasonCancelled, s.now())
		})
		if err == nil {
			log.Info("task cancelled", slog.String("previous_status", string(expected)))
			if expected == domain.TaskStatusRunning {
				s.queue.DecrementRunning(ctx)
				s.AdvanceQueue(ctx)
			}
			return nil
		}
		if !errors.Is(err, store.ErrStatusConflict) {
			return NewServiceError("cancel_task", "failed to record cancellation", err)
		}

		log.Debug("task changed status during cancellation, retrying")
		if t, err = s.reload(ctx, t); err != nil {
			return err
		}
	}
	return NewServiceError("cancel_task", "task kept changing status", store.ErrStatusConflict)
}

// DeleteTask cancels a task owned by requesterID and removes its record.
func (s *Service) DeleteTask(ctx context.Context, id uuid.UUID, requesterID string) error {
	if err := s.CancelTask(ctx, id, requesterID); err != nil {
		return err
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		if store.IsNotFoundError(err) {
			return ErrTaskNotFound
		}
		return NewServiceError("delete_task", "failed to delete task", err)
	}
	s.log(ctx).Info("task deleted", slog.String("task_id", id.String()))
	return nil
}

// GetTask returns a task owned by requesterID.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID, requesterID string) (*domain.Task, error) {
	t, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, ErrTaskNotFound
		}
		return nil, NewServiceError("get_task", "failed to load task", err)
	}
	if t.RequesterID != requesterID {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// ListTasks returns a page of the requester's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, req ListTasksRequest) (*TaskPage, error) {
	if req.RequesterID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, domain.ErrEmptyRequesterID)
	}
	if req.Page < 0 || req.PageSize < 0 {
		return nil, fmt.Errorf("%w: page and page size must not be negative", ErrInvalidRequest)
	}
	if req.Kind != "" && !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidRequest, domain.ErrInvalidArtifactKind, req.Kind)
	}
	if req.Status != "" && !req.Status.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidRequest, domain.ErrInvalidTaskStatus, req.Status)
	}

	filter := store.TaskFilter{
		RequesterID: req.RequesterID,
		Document:    req.Document,
		Kind:        req.Kind,
		Status:      req.Status,
		Limit:       store.MaxListLimit,
	}
	page := TaskPage{Page: req.Page}
	if req.Page > 0 {
		size := req.PageSize
		if size == 0 {
			size = DefaultPageSize
		}
		if size > store.MaxListLimit {
			size = store.MaxListLimit
		}
		filter.Limit = size
		filter.Offset = (req.Page - 1) * size
		page.PageSize = size
	}

	tasks, total, err := s.tasks.Find(ctx, filter)
	if err != nil {
		return nil, NewServiceError("list_tasks", "failed to list tasks", err)
	}
	page.Tasks = tasks
	page.Total = total
	if req.Page == 0 {
		page.PageSize = len(tasks)
	}
	return &page, nil
}

// QueueStatus returns the current queue counters.
func (s *Service) QueueStatus(ctx context.Context) queue.Status {
	return s.queue.Status(ctx)
}
