package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/domain"
)

// MaxListLimit caps the number of tasks a single listing returns.
const MaxListLimit = 1000

// TaskFilter selects tasks for listing. Zero-valued fields do not filter.
type TaskFilter struct {
	RequesterID string
	Document    *domain.DocumentKey
	Kind        domain.ArtifactKind
	Status      domain.TaskStatus

	// Limit bounds the page size; values outside 1..MaxListLimit mean MaxListLimit.
	Limit  int
	Offset int
}

// TaskStore defines the interface for task persistence.
// It is the system of record for task state.
type TaskStore interface {
	// Create saves a new task to the store.
	// Returns validation errors from the domain Task if data is invalid.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Find returns tasks matching the filter, newest first, together with
	// the total number of matching tasks ignoring Limit and Offset.
	Find(ctx context.Context, filter TaskFilter) ([]*domain.Task, int, error)

	// FindByStatus returns every task in the given status, oldest first.
	FindByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)

	// ExistsForRequester reports whether the requester has any task for the key.
	ExistsForRequester(ctx context.Context, requesterID string, key domain.DedupKey) (bool, error)

	// HasActiveOriginator reports whether a non-terminal task holds the
	// dedup write designation for the key.
	HasActiveOriginator(ctx context.Context, key domain.DedupKey) (bool, error)

	// CompareAndSwapStatus persists the task's status, timestamps, result and
	// error reason only if the stored status still equals expected.
	// Returns ErrStatusConflict when the update did not apply.
	CompareAndSwapStatus(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error

	// Delete removes a task record.
	// Returns ErrTaskNotFound if the task does not exist.
	Delete(ctx context.Context, id uuid.UUID) error
}

// SlotStore defines the interface for dedup cache slot persistence.
// At most one slot exists per key.
type SlotStore interface {
	// Get returns the slot for the key.
	// Returns ErrSlotNotFound if no slot exists.
	Get(ctx context.Context, key domain.DedupKey) (*domain.DedupSlot, error)

	// InsertIfAbsent creates an empty slot for the key.
	// Returns true if this call created it and false if a slot already existed.
	InsertIfAbsent(ctx context.Context, key domain.DedupKey) (bool, error)

	// Populate records a result for the key unless the slot already holds one.
	// A missing slot is created. Returns true if the result was written.
	Populate(ctx context.Context, key domain.DedupKey, taskID uuid.UUID, result *domain.ArtifactResult) (bool, error)

	// ListEmpty returns every slot that holds no result.
	ListEmpty(ctx context.Context) ([]*domain.DedupSlot, error)

	// DeleteIfEmpty removes the slot for the key if it holds no result.
	// Returns true if a slot was removed.
	DeleteIfEmpty(ctx context.Context, key domain.DedupKey) (bool, error)
}
