package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, job Job) (*domain.ArtifactResult, error)

func (f runnerFunc) Run(ctx context.Context, job Job) (*domain.ArtifactResult, error) {
	return f(ctx, job)
}

// outcomeRecorder collects completion callbacks.
type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes map[uuid.UUID]Outcome
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{outcomes: make(map[uuid.UUID]Outcome)}
}

func (r *outcomeRecorder) handle(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[id] = outcome
	return nil
}

func (r *outcomeRecorder) get(id uuid.UUID) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outcomes[id]
	return o, ok
}

func testJob() Job {
	return Job{
		TaskID:      uuid.New(),
		RequesterID: "alice",
		Document:    domain.DocumentKey{ID: "2401.1", Source: "arxiv"},
		Origin:      domain.DocumentOriginSystem,
		Kind:        domain.ArtifactKindPoster,
	}
}

func testDispatcherConfig() LocalDispatcherConfig {
	return LocalDispatcherConfig{
		WorkerCount:       1,
		QueueSize:         10,
		CompletionRetries: 3,
		RetryBackoff:      time.Millisecond,
	}
}

func TestNewLocalDispatcher(t *testing.T) {
	d := NewLocalDispatcher(runnerFunc(nil), LocalDispatcherConfig{WorkerCount: 0, QueueSize: -1}, setupTestLogger())
	assert.Equal(t, 1, d.config.WorkerCount)
	assert.Equal(t, 0, cap(d.jobs))
	assert.Equal(t, time.Hour, d.config.RevokedRetention)

	defaults := DefaultLocalDispatcherConfig()
	assert.Equal(t, 2, defaults.WorkerCount)
	assert.Equal(t, 100, defaults.QueueSize)
}

func TestLocalDispatcher_ReportsOutcomes(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, job Job) (*domain.ArtifactResult, error) {
		if job.Kind == domain.ArtifactKindSlides {
			return nil, errors.New("renderer crashed")
		}
		return sampleResult(), nil
	})
	recorder := newOutcomeRecorder()

	d := NewLocalDispatcher(runner, testDispatcherConfig(), setupTestLogger())
	d.SetCompletionHandler(recorder.handle)
	d.Start()
	defer d.Stop()

	ok := testJob()
	bad := testJob()
	bad.Kind = domain.ArtifactKindSlides

	receipt, err := d.Submit(context.Background(), ok)
	require.NoError(t, err)
	assert.Contains(t, receipt.Ref, ok.TaskID.String())
	_, err = d.Submit(context.Background(), bad)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, a := recorder.get(ok.TaskID)
		_, b := recorder.get(bad.TaskID)
		return a && b
	}, time.Second, 5*time.Millisecond)

	outcome, _ := recorder.get(ok.TaskID)
	assert.True(t, outcome.Success())
	assert.Equal(t, sampleResult(), outcome.Result)

	outcome, _ = recorder.get(bad.TaskID)
	assert.False(t, outcome.Success())
	assert.Equal(t, "renderer crashed", outcome.Reason)
}

func TestLocalDispatcher_RevokeRunningJob(t *testing.T) {
	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, job Job) (*domain.ArtifactResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	recorder := newOutcomeRecorder()

	d := NewLocalDispatcher(runner, testDispatcherConfig(), setupTestLogger())
	d.SetCompletionHandler(recorder.handle)
	d.Start()
	defer d.Stop()

	job := testJob()
	_, err := d.Submit(context.Background(), job)
	require.NoError(t, err)
	<-started

	require.NoError(t, d.Revoke(context.Background(), job.TaskID))

	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.inflight) == 0
	}, time.Second, 5*time.Millisecond)
	_, reported := recorder.get(job.TaskID)
	assert.False(t, reported, "revoked jobs report nothing")
}

func TestLocalDispatcher_RevokeBufferedJob(t *testing.T) {
	release := make(chan struct{})
	var ran sync.Map
	runner := runnerFunc(func(ctx context.Context, job Job) (*domain.ArtifactResult, error) {
		ran.Store(job.TaskID, true)
		<-release
		return sampleResult(), nil
	})
	recorder := newOutcomeRecorder()

	d := NewLocalDispatcher(runner, testDispatcherConfig(), setupTestLogger())
	d.SetCompletionHandler(recorder.handle)
	d.Start()
	defer d.Stop()

	first := testJob()
	second := testJob()
	_, err := d.Submit(context.Background(), first)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := ran.Load(first.TaskID)
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err = d.Submit(context.Background(), second)
	require.NoError(t, err)
	require.NoError(t, d.Revoke(context.Background(), second.TaskID))
	close(release)

	assert.Eventually(t, func() bool {
		_, ok := recorder.get(first.TaskID)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		_, pending := d.revoked[second.TaskID]
		return !pending
	}, time.Second, 5*time.Millisecond)

	_, ranSecond := ran.Load(second.TaskID)
	assert.False(t, ranSecond)
}

func TestLocalDispatcher_RevokeBeforeArrival(t *testing.T) {
	var ran atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job Job) (*domain.ArtifactResult, error) {
		ran.Add(1)
		return sampleResult(), nil
	})
	recorder := newOutcomeRecorder()

	d := NewLocalDispatcher(runner, testDispatcherConfig(), setupTestLogger())
	d.SetCompletionHandler(recorder.handle)
	d.Start()
	defer d.Stop()

	revoked := testJob()
	require.NoError(t, d.Revoke(context.Background(), revoked.TaskID))
	require.NoError(t, d.SubmitWait(context.Background(), revoked))

	next := testJob()
	require.NoError(t, d.SubmitWait(context.Background(), next))

	assert.Eventually(t, func() bool {
		_, ok := recorder.get(next.TaskID)
		return ok
	}, time.Second, 5*time.Millisecond)

	_, reported := recorder.get(revoked.TaskID)
	assert.False(t, reported)
	assert.Equal(t, int32(1), ran.Load())

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.revoked)
}

func TestLocalDispatcher_ForgetsOldRevokes(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.RevokedRetention = time.Minute
	d := NewLocalDispatcher(runnerFunc(nil), cfg, setupTestLogger())

	now := time.Now()
	d.now = func() time.Time { return now }

	stale, fresh := uuid.New(), uuid.New()
	require.NoError(t, d.Revoke(context.Background(), stale))

	now = now.Add(2 * time.Minute)
	require.NoError(t, d.Revoke(context.Background(), fresh))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.NotContains(t, d.revoked, stale)
	assert.Contains(t, d.revoked, fresh)
}

func TestLocalDispatcher_Submit(t *testing.T) {
	t.Run("busy when the buffer is full", func(t *testing.T) {
		d := NewLocalDispatcher(runnerFunc(nil), LocalDispatcherConfig{WorkerCount: 1}, setupTestLogger())

		_, err := d.Submit(context.Background(), testJob())
		assert.ErrorIs(t, err, ErrDispatcherBusy)
	})

	t.Run("closed after stop", func(t *testing.T) {
		d := NewLocalDispatcher(runnerFunc(nil), testDispatcherConfig(), setupTestLogger())
		d.Start()
		d.Stop()

		_, err := d.Submit(context.Background(), testJob())
		assert.ErrorIs(t, err, ErrDispatcherClosed)
		assert.ErrorIs(t, d.SubmitWait(context.Background(), testJob()), ErrDispatcherClosed)
	})

	t.Run("submit wait honours the context", func(t *testing.T) {
		d := NewLocalDispatcher(runnerFunc(nil), LocalDispatcherConfig{WorkerCount: 1}, setupTestLogger())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, d.SubmitWait(ctx, testJob()), context.DeadlineExceeded)
	})
}

func TestLocalDispatcher_RetriesCompletion(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, job Job) (*domain.ArtifactResult, error) {
		return sampleResult(), nil
	})

	var calls atomic.Int32
	d := NewLocalDispatcher(runner, testDispatcherConfig(), setupTestLogger())
	d.SetCompletionHandler(func(ctx context.Context, id uuid.UUID, outcome Outcome) error {
		if calls.Add(1) < 3 {
			return errBoom
		}
		return nil
	})
	d.Start()
	defer d.Stop()

	require.NoError(t, d.SubmitWait(context.Background(), testJob()))

	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLocalDispatcher_EndToEndWithService(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1, 5)

	runner := runnerFunc(func(ctx context.Context, job Job) (*domain.ArtifactResult, error) {
		return &domain.ArtifactResult{FilePath: "/artifacts/" + job.TaskID.String() + ".pdf"}, nil
	})
	d := NewLocalDispatcher(runner, testDispatcherConfig(), setupTestLogger())
	svc, err := NewService(env.store, env.store, env.service.resolver, env.queue, d, setupTestLogger())
	require.NoError(t, err)
	d.SetCompletionHandler(svc.OnTaskCompletion)
	d.Start()
	defer d.Stop()

	var ids []uuid.UUID
	for _, doc := range []string{"a", "b", "c"} {
		created, err := svc.CreateTask(ctx, userRequest("alice", doc))
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			task, err := env.store.GetByID(ctx, id)
			if err != nil || task.Status != domain.TaskStatusSuccess {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	status := svc.QueueStatus(ctx)
	assert.Equal(t, 0, status.Running)
	assert.Equal(t, 0, status.Waiting)
}
