package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/store"
)

// MemoryStore is an in-process implementation of store.TaskStore and
// store.SlotStore with the same compare-and-set and uniqueness semantics as
// the PostgreSQL stores. It backs unit tests and single-process runs.
type MemoryStore struct {
	mutex sync.RWMutex
	tasks map[uuid.UUID]*domain.Task
	slots map[domain.DedupKey]*domain.DedupSlot

	// CASHook, if set, runs before every CompareAndSwapStatus. A non-nil
	// error is returned to the caller without applying the update.
	CASHook func(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[uuid.UUID]*domain.Task),
		slots: make(map[domain.DedupKey]*domain.DedupSlot),
	}
}

var (
	_ store.TaskStore = (*MemoryStore)(nil)
	_ store.SlotStore = (*MemoryStore)(nil)
)

// Create implements store.TaskStore.Create
func (s *MemoryStore) Create(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetByID implements store.TaskStore.GetByID
func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Find implements store.TaskStore.Find
func (s *MemoryStore) Find(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, int, error) {
	s.mutex.RLock()
	matched := make([]*domain.Task, 0)
	for _, task := range s.tasks {
		if matchesFilter(task, filter) {
			matched = append(matched, task.Clone())
		}
	}
	s.mutex.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 || limit > store.MaxListLimit {
		limit = store.MaxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*domain.Task{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func matchesFilter(task *domain.Task, filter store.TaskFilter) bool {
	if filter.RequesterID != "" && task.RequesterID != filter.RequesterID {
		return false
	}
	if filter.Document != nil && task.Document != *filter.Document {
		return false
	}
	if filter.Kind != "" && task.Kind != filter.Kind {
		return false
	}
	if filter.Status != "" && task.Status != filter.Status {
		return false
	}
	return true
}

// FindByStatus implements store.TaskStore.FindByStatus
func (s *MemoryStore) FindByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	s.mutex.RLock()
	result := make([]*domain.Task, 0)
	for _, task := range s.tasks {
		if task.Status == status {
			result = append(result, task.Clone())
		}
	}
	s.mutex.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ExistsForRequester implements store.TaskStore.ExistsForRequester
func (s *MemoryStore) ExistsForRequester(ctx context.Context, requesterID string, key domain.DedupKey) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, task := range s.tasks {
		if task.RequesterID == requesterID && task.DedupKey() == key {
			return true, nil
		}
	}
	return false, nil
}

// HasActiveOriginator implements store.TaskStore.HasActiveOriginator
func (s *MemoryStore) HasActiveOriginator(ctx context.Context, key domain.DedupKey) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, task := range s.tasks {
		if task.OriginatesDedupWrite && !task.Status.IsTerminal() && task.DedupKey() == key {
			return true, nil
		}
	}
	return false, nil
}

// CompareAndSwapStatus implements store.TaskStore.CompareAndSwapStatus
func (s *MemoryStore) CompareAndSwapStatus(
	ctx context.Context,
	task *domain.Task,
	expected domain.TaskStatus,
) error {
	if s.CASHook != nil {
		if err := s.CASHook(ctx, task, expected); err != nil {
			return err
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.tasks[task.ID]
	if !ok || current.Status != expected {
		return store.ErrStatusConflict
	}

	next := task.Clone()
	updated := current.Clone()
	updated.Status = next.Status
	updated.StartedAt = next.StartedAt
	updated.EndedAt = next.EndedAt
	updated.ErrorReason = next.ErrorReason
	updated.Result = next.Result
	s.tasks[task.ID] = updated
	return nil
}

// Delete implements store.TaskStore.Delete
func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

// Get implements store.SlotStore.Get
func (s *MemoryStore) Get(ctx context.Context, key domain.DedupKey) (*domain.DedupSlot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	slot, ok := s.slots[key]
	if !ok {
		return nil, store.ErrSlotNotFound
	}
	return copySlot(slot), nil
}

// InsertIfAbsent implements store.SlotStore.InsertIfAbsent
func (s *MemoryStore) InsertIfAbsent(ctx context.Context, key domain.DedupKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.slots[key]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	s.slots[key] = &domain.DedupSlot{Key: key, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

// Populate implements store.SlotStore.Populate
func (s *MemoryStore) Populate(
	ctx context.Context,
	key domain.DedupKey,
	taskID uuid.UUID,
	result *domain.ArtifactResult,
) (bool, error) {
	if err := result.Validate(); err != nil {
		return false, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now().UTC()
	slot, ok := s.slots[key]
	if !ok {
		slot = &domain.DedupSlot{Key: key, CreatedAt: now}
		s.slots[key] = slot
	}
	if slot.Populated() {
		return false, nil
	}

	id := taskID
	stored := *result
	stored.Assets = append([]string(nil), result.Assets...)
	slot.TaskID = &id
	slot.Result = &stored
	slot.UpdatedAt = now
	return true, nil
}

// ListEmpty implements store.SlotStore.ListEmpty
func (s *MemoryStore) ListEmpty(ctx context.Context) ([]*domain.DedupSlot, error) {
	s.mutex.RLock()
	result := make([]*domain.DedupSlot, 0)
	for _, slot := range s.slots {
		if !slot.Populated() {
			result = append(result, copySlot(slot))
		}
	}
	s.mutex.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteIfEmpty implements store.SlotStore.DeleteIfEmpty
func (s *MemoryStore) DeleteIfEmpty(ctx context.Context, key domain.DedupKey) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	slot, ok := s.slots[key]
	if !ok || slot.Populated() {
		return false, nil
	}
	delete(s.slots, key)
	return true, nil
}

func copySlot(slot *domain.DedupSlot) *domain.DedupSlot {
	c := *slot
	if slot.TaskID != nil {
		id := *slot.TaskID
		c.TaskID = &id
	}
	if slot.Result != nil {
		r := *slot.Result
		r.Assets = append([]string(nil), slot.Result.Assets...)
		c.Result = &r
	}
	return &c
}
