package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/platform/logger"
	"github.com/phrazzld/slidegen/internal/store"
)

const taskColumns = `id, requester_id, document_id, document_source, document_origin, kind,
	title, style, language, density, originates_dedup_write, status,
	file_path, assets, error_reason, created_at, started_at, ended_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// Create implements store.TaskStore.Create
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return err
	}

	filePath, assets, err := encodeResult(task.Result)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = s.db.ExecContext(
		ctx,
		query,
		task.ID,
		task.RequesterID,
		task.Document.ID,
		task.Document.Source,
		string(task.Origin),
		string(task.Kind),
		task.Params.Title,
		task.Params.Style,
		task.Params.Language,
		task.Params.Density,
		task.OriginatesDedupWrite,
		string(task.Status),
		filePath,
		assets,
		nullString(task.ErrorReason),
		task.CreatedAt,
		nullTime(task.StartedAt),
		nullTime(task.EndedAt),
	)
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return MapError(err)
	}

	log.Debug("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("status", string(task.Status)))
	return nil
}

// GetByID implements store.TaskStore.GetByID
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.String("task_id", id.String()))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, MapError(err)
	}

	return task, nil
}

// Find implements store.TaskStore.Find
func (s *PostgresTaskStore) Find(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	where, args := buildTaskFilter(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM tasks` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		log.Error("failed to count tasks", slog.String("error", err.Error()))
		return nil, 0, MapError(err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > store.MaxListLimit {
		limit = store.MaxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	pageArgs := append(args, limit, offset)
	query := fmt.Sprintf(
		`SELECT %s FROM tasks%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)+1, len(args)+2,
	)

	tasks, err := s.queryTasks(ctx, query, pageArgs...)
	if err != nil {
		log.Error("failed to list tasks", slog.String("error", err.Error()))
		return nil, 0, err
	}

	return tasks, total, nil
}

// FindByStatus implements store.TaskStore.FindByStatus
func (s *PostgresTaskStore) FindByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at ASC, id ASC`

	tasks, err := s.queryTasks(ctx, query, string(status))
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to find tasks by status",
			slog.String("error", err.Error()),
			slog.String("status", string(status)))
		return nil, err
	}
	return tasks, nil
}

// ExistsForRequester implements store.TaskStore.ExistsForRequester
func (s *PostgresTaskStore) ExistsForRequester(
	ctx context.Context,
	requesterID string,
	key domain.DedupKey,
) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM tasks
			WHERE requester_id = $1 AND document_id = $2 AND document_source = $3 AND kind = $4
		)
	`
	var exists bool
	err := s.db.QueryRowContext(ctx, query, requesterID, key.Document.ID, key.Document.Source, string(key.Kind)).
		Scan(&exists)
	if err != nil {
		return false, MapError(err)
	}
	return exists, nil
}

// HasActiveOriginator implements store.TaskStore.HasActiveOriginator
func (s *PostgresTaskStore) HasActiveOriginator(ctx context.Context, key domain.DedupKey) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM tasks
			WHERE document_id = $1 AND document_source = $2 AND kind = $3
				AND originates_dedup_write AND status IN ('waiting', 'running')
		)
	`
	var exists bool
	err := s.db.QueryRowContext(ctx, query, key.Document.ID, key.Document.Source, string(key.Kind)).
		Scan(&exists)
	if err != nil {
		return false, MapError(err)
	}
	return exists, nil
}

// CompareAndSwapStatus implements store.TaskStore.CompareAndSwapStatus
// Returns store.ErrStatusConflict when the stored status differs from expected.
func (s *PostgresTaskStore) CompareAndSwapStatus(
	ctx context.Context,
	task *domain.Task,
	expected domain.TaskStatus,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	filePath, assets, err := encodeResult(task.Result)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET status = $1, started_at = $2, ended_at = $3, file_path = $4, assets = $5, error_reason = $6
		WHERE id = $7 AND status = $8
	`
	result, err := s.db.ExecContext(
		ctx,
		query,
		string(task.Status),
		nullTime(task.StartedAt),
		nullTime(task.EndedAt),
		filePath,
		assets,
		nullString(task.ErrorReason),
		task.ID,
		string(expected),
	)
	if err != nil {
		log.Error("failed to update task status",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()),
			slog.String("from", string(expected)),
			slog.String("to", string(task.Status)))
		return MapError(err)
	}

	if err := CheckRowsAffected(result, store.ErrStatusConflict); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			log.Debug("task status changed concurrently",
				slog.String("task_id", task.ID.String()),
				slog.String("expected", string(expected)))
		}
		return err
	}

	return nil
}

// Delete implements store.TaskStore.Delete
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *PostgresTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to delete task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrTaskNotFound)
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close rows", slog.String("error", closeErr.Error()))
		}
	}()

	tasks := make([]*domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// buildTaskFilter renders the WHERE clause for a filter, numbering placeholders from $1.
func buildTaskFilter(filter store.TaskFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.RequesterID != "" {
		add("requester_id = $%d", filter.RequesterID)
	}
	if filter.Document != nil {
		add("document_id = $%d", filter.Document.ID)
		add("document_source = $%d", filter.Document.Source)
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task        domain.Task
		origin      string
		kind        string
		status      string
		filePath    sql.NullString
		assets      []byte
		errorReason sql.NullString
		startedAt   sql.NullTime
		endedAt     sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.RequesterID,
		&task.Document.ID,
		&task.Document.Source,
		&origin,
		&kind,
		&task.Params.Title,
		&task.Params.Style,
		&task.Params.Language,
		&task.Params.Density,
		&task.OriginatesDedupWrite,
		&status,
		&filePath,
		&assets,
		&errorReason,
		&task.CreatedAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Origin = domain.DocumentOrigin(origin)
	task.Kind = domain.ArtifactKind(kind)
	task.Status = domain.TaskStatus(status)
	task.ErrorReason = errorReason.String
	task.StartedAt = timePtr(startedAt)
	task.EndedAt = timePtr(endedAt)

	task.Result, err = decodeResult(filePath, assets)
	if err != nil {
		return nil, err
	}

	return &task, nil
}

// encodeResult splits a result into its nullable file path and JSON asset list columns.
func encodeResult(result *domain.ArtifactResult) (sql.NullString, any, error) {
	if result == nil {
		return sql.NullString{}, nil, nil
	}
	assets := result.Assets
	if assets == nil {
		assets = []string{}
	}
	data, err := json.Marshal(assets)
	if err != nil {
		return sql.NullString{}, nil, fmt.Errorf("failed to encode assets: %w", err)
	}
	return sql.NullString{String: result.FilePath, Valid: true}, string(data), nil
}

func decodeResult(filePath sql.NullString, assets []byte) (*domain.ArtifactResult, error) {
	if !filePath.Valid {
		return nil, nil
	}
	result := &domain.ArtifactResult{FilePath: filePath.String}
	if len(assets) > 0 {
		if err := json.Unmarshal(assets, &result.Assets); err != nil {
			return nil, fmt.Errorf("failed to decode assets: %w", err)
		}
		if len(result.Assets) == 0 {
			result.Assets = nil
		}
	}
	return result, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
