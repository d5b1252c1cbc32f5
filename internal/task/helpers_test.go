package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/dedup"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/queue"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeQueue is an in-memory Queue with the same bounds as queue.Manager.
type fakeQueue struct {
	mu         sync.Mutex
	running    int
	waiting    []string
	maxRunning int
	maxWaiting int
	incrErr    error
	decrements int
	// afterDequeue runs once, outside the lock, after the next successful Dequeue.
	afterDequeue func()
}

func newFakeQueue(maxRunning, maxWaiting int) *fakeQueue {
	return &fakeQueue{maxRunning: maxRunning, maxWaiting: maxWaiting}
}

func (q *fakeQueue) CanAdmit(ctx context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running < q.maxRunning
}

func (q *fakeQueue) Enqueue(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) >= q.maxWaiting {
		return false
	}
	q.waiting = append(q.waiting, id)
	return true
}

func (q *fakeQueue) Dequeue(ctx context.Context) (string, bool) {
	q.mu.Lock()
	if len(q.waiting) == 0 {
		q.mu.Unlock()
		return "", false
	}
	id := q.waiting[0]
	q.waiting = q.waiting[1:]
	hook := q.afterDequeue
	q.afterDequeue = nil
	q.mu.Unlock()

	if hook != nil {
		hook()
	}
	return id, true
}

func (q *fakeQueue) Requeue(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiting = append([]string{id}, q.waiting...)
	return true
}

func (q *fakeQueue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiting {
		if w == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fakeQueue) IncrementRunning(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.incrErr != nil {
		return 0, q.incrErr
	}
	if q.running >= q.maxRunning {
		return 0, queue.ErrNoCapacity
	}
	q.running++
	return q.running, nil
}

func (q *fakeQueue) DecrementRunning(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.decrements++
	if q.running > 0 {
		q.running--
	}
	return q.running
}

func (q *fakeQueue) Status(ctx context.Context) queue.Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Status{
		Running:    q.running,
		Waiting:    len(q.waiting),
		MaxRunning: q.maxRunning,
		MaxWaiting: q.maxWaiting,
	}
}

func (q *fakeQueue) ResetAll(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = 0
	q.waiting = nil
	return nil
}

func (q *fakeQueue) Reconcile(ctx context.Context, running int, waitingIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = running
	q.waiting = append([]string(nil), waitingIDs...)
	return nil
}

func (q *fakeQueue) waitingIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.waiting...)
}

// fakeDispatcher records submitted jobs and revocations.
type fakeDispatcher struct {
	mu        sync.Mutex
	submitted []Job
	revoked   []uuid.UUID
	submitErr error
}

func (d *fakeDispatcher) Submit(ctx context.Context, job Job) (Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return Receipt{}, d.submitErr
	}
	d.submitted = append(d.submitted, job)
	return Receipt{Ref: "fake:" + job.TaskID.String()}, nil
}

func (d *fakeDispatcher) Revoke(ctx context.Context, taskID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, taskID)
	return nil
}

func (d *fakeDispatcher) submittedIDs() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(d.submitted))
	for _, job := range d.submitted {
		ids = append(ids, job.TaskID)
	}
	return ids
}

var errBoom = errors.New("boom")

type testEnv struct {
	store      *MemoryStore
	queue      *fakeQueue
	dispatcher *fakeDispatcher
	service    *Service
}

func newTestEnv(t *testing.T, maxRunning, maxWaiting int) *testEnv {
	t.Helper()

	memStore := NewMemoryStore()
	resolver, err := dedup.NewResolver(memStore, memStore, setupTestLogger())
	require.NoError(t, err)

	q := newFakeQueue(maxRunning, maxWaiting)
	d := &fakeDispatcher{}
	svc, err := NewService(memStore, memStore, resolver, q, d, setupTestLogger())
	require.NoError(t, err)

	return &testEnv{store: memStore, queue: q, dispatcher: d, service: svc}
}

func systemRequest(requester, docID string, kind domain.ArtifactKind) CreateTaskRequest {
	return CreateTaskRequest{
		RequesterID: requester,
		Document:    domain.DocumentKey{ID: docID, Source: "arxiv"},
		Origin:      domain.DocumentOriginSystem,
		Kind:        kind,
	}
}

func userRequest(requester, docID string) CreateTaskRequest {
	return CreateTaskRequest{
		RequesterID: requester,
		Document:    domain.DocumentKey{ID: docID, Source: "upload"},
		Origin:      domain.DocumentOriginUser,
		Kind:        domain.ArtifactKindSlides,
	}
}

func sampleResult() *domain.ArtifactResult {
	return &domain.ArtifactResult{FilePath: "/artifacts/out.pdf", Assets: []string{"/artifacts/fig1.png"}}
}

func (e *testEnv) mustGet(t *testing.T, id uuid.UUID) *domain.Task {
	t.Helper()
	task, err := e.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return task
}
