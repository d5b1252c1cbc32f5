package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/slidegen/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "test error",
		ConstraintName: "test_constraint",
		ColumnName:     "test_column",
	}
}

// mockResult implements sql.Result for testing
type mockResult struct {
	rows int64
	err  error
}

func (m mockResult) LastInsertId() (int64, error) {
	return 0, nil
}

func (m mockResult) RowsAffected() (int64, error) {
	return m.rows, m.err
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"unique violation", newPgError(uniqueViolationCode), store.ErrDuplicate},
		{"wrapped unique violation", fmt.Errorf("exec: %w", newPgError(uniqueViolationCode)), store.ErrDuplicate},
		{"check violation", newPgError(checkViolationCode), store.ErrInvalidEntity},
		{"not null violation", newPgError(notNullViolationCode), store.ErrInvalidEntity},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapError(tt.err)
			assert.ErrorIs(t, mapped, tt.target)
		})
	}

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, MapError(nil))
	})

	t.Run("unmapped error passes through", func(t *testing.T) {
		original := errors.New("connection reset")
		assert.Same(t, original, MapError(original))
	})

	t.Run("unmapped pg code passes through", func(t *testing.T) {
		original := newPgError("40001")
		assert.Equal(t, error(original), MapError(original))
	})
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(newPgError(uniqueViolationCode)))
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", newPgError(uniqueViolationCode))))
	assert.False(t, IsUniqueViolation(newPgError(checkViolationCode)))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestIsNotFoundError(t *testing.T) {
	assert.True(t, IsNotFoundError(sql.ErrNoRows))
	assert.True(t, IsNotFoundError(store.ErrTaskNotFound))
	assert.False(t, IsNotFoundError(store.ErrStatusConflict))
}

func TestCheckRowsAffected(t *testing.T) {
	t.Run("rows affected", func(t *testing.T) {
		assert.NoError(t, CheckRowsAffected(mockResult{rows: 1}, store.ErrTaskNotFound))
	})

	t.Run("no rows uses supplied error", func(t *testing.T) {
		err := CheckRowsAffected(mockResult{rows: 0}, store.ErrStatusConflict)
		assert.ErrorIs(t, err, store.ErrStatusConflict)
	})

	t.Run("no rows defaults to not found", func(t *testing.T) {
		err := CheckRowsAffected(mockResult{rows: 0}, nil)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("rows affected error", func(t *testing.T) {
		err := CheckRowsAffected(mockResult{err: errors.New("driver")}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get rows affected")
	})

	t.Run("nil result", func(t *testing.T) {
		assert.Error(t, CheckRowsAffected(nil, nil))
	})
}
