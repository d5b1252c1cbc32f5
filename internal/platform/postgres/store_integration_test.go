package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/store"
	"github.com/phrazzld/slidegen/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB migrates the test database and returns a transaction that is
// rolled back when the test ends.
func openTestDB(t *testing.T) *sql.Tx {
	t.Helper()

	db := testdb.GetTestDBWithT(t)
	testdb.SetupTestDatabaseSchema(t, db)

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err, "Failed to begin transaction")
	t.Cleanup(func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Logf("Error rolling back transaction: %v", err)
		}
	})
	return tx
}

func uniqueKey(kind domain.ArtifactKind) domain.DedupKey {
	return domain.DedupKey{
		Document: domain.DocumentKey{ID: uuid.NewString(), Source: "integration"},
		Kind:     kind,
	}
}

func TestPostgresTaskStore_Integration(t *testing.T) {
	tx := openTestDB(t)
	ctx := context.Background()
	s := NewPostgresTaskStore(tx, discardLogger())
	key := uniqueKey(domain.ArtifactKindPoster)
	requester := "requester-" + uuid.NewString()

	newTask := func(t *testing.T) *domain.Task {
		task, err := domain.NewTask(requester, key.Document, domain.DocumentOriginSystem, key.Kind,
			domain.GenerationParams{Style: "minimal"})
		require.NoError(t, err)
		task.CreatedAt = task.CreatedAt.Truncate(time.Microsecond)
		return task
	}

	t.Run("create and get", func(t *testing.T) {
		task := newTask(t)
		task.OriginatesDedupWrite = true
		require.NoError(t, s.Create(ctx, task))

		got, err := s.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, "Poster", got.Params.Title)
		assert.True(t, got.OriginatesDedupWrite)
		assert.Equal(t, domain.TaskStatusWaiting, got.Status)
		assert.True(t, task.CreatedAt.Equal(got.CreatedAt))

		active, err := s.HasActiveOriginator(ctx, key)
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("missing task", func(t *testing.T) {
		_, err := s.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("compare and swap", func(t *testing.T) {
		task := newTask(t)
		require.NoError(t, s.Create(ctx, task))

		running := task.Clone()
		require.NoError(t, running.MarkRunning(time.Now()))
		require.NoError(t, s.CompareAndSwapStatus(ctx, running, domain.TaskStatusWaiting))

		// A second transition from waiting is stale.
		assert.ErrorIs(t, s.CompareAndSwapStatus(ctx, running, domain.TaskStatusWaiting), store.ErrStatusConflict)

		done := running.Clone()
		require.NoError(t, done.MarkSucceeded(&domain.ArtifactResult{FilePath: "/out/p.png", Assets: []string{"a"}}, time.Now()))
		require.NoError(t, s.CompareAndSwapStatus(ctx, done, domain.TaskStatusRunning))

		got, err := s.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusSuccess, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, []string{"a"}, got.Result.Assets)
		assert.NotNil(t, got.StartedAt)
		assert.NotNil(t, got.EndedAt)
	})

	t.Run("find and exists", func(t *testing.T) {
		exists, err := s.ExistsForRequester(ctx, requester, key)
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = s.ExistsForRequester(ctx, "someone-else", key)
		require.NoError(t, err)
		assert.False(t, exists)

		tasks, total, err := s.Find(ctx, store.TaskFilter{RequesterID: requester, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, tasks, 1)

		waiting, err := s.FindByStatus(ctx, domain.TaskStatusWaiting)
		require.NoError(t, err)
		assert.NotEmpty(t, waiting)
	})

	t.Run("delete", func(t *testing.T) {
		task := newTask(t)
		require.NoError(t, s.Create(ctx, task))
		require.NoError(t, s.Delete(ctx, task.ID))
		assert.ErrorIs(t, s.Delete(ctx, task.ID), store.ErrTaskNotFound)
	})
}

func TestPostgresSlotStore_Integration(t *testing.T) {
	tx := openTestDB(t)
	ctx := context.Background()
	s := NewPostgresSlotStore(tx, discardLogger())
	key := uniqueKey(domain.ArtifactKindSlides)

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, store.ErrSlotNotFound)

	won, err := s.InsertIfAbsent(ctx, key)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.InsertIfAbsent(ctx, key)
	require.NoError(t, err)
	assert.False(t, won, "second claim must lose")

	empty, err := s.ListEmpty(ctx)
	require.NoError(t, err)
	found := false
	for _, slot := range empty {
		if slot.Key == key {
			found = true
		}
	}
	assert.True(t, found)

	first := uuid.New()
	written, err := s.Populate(ctx, key, first, &domain.ArtifactResult{FilePath: "/first.pptx"})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = s.Populate(ctx, key, uuid.New(), &domain.ArtifactResult{FilePath: "/second.pptx"})
	require.NoError(t, err)
	assert.False(t, written, "first writer wins")

	slot, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, slot.Populated())
	assert.Equal(t, "/first.pptx", slot.Result.FilePath)
	require.NotNil(t, slot.TaskID)
	assert.Equal(t, first, *slot.TaskID)

	deleted, err := s.DeleteIfEmpty(ctx, key)
	require.NoError(t, err)
	assert.False(t, deleted, "populated slots are never swept")
}
