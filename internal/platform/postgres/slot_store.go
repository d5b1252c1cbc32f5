package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/platform/logger"
	"github.com/phrazzld/slidegen/internal/store"
)

// PostgresSlotStore implements store.SlotStore on the dedup_slots table.
// The table's primary key on (document_id, document_source, kind) enforces
// one slot per key; all claim and populate operations rely on it.
type PostgresSlotStore struct {
	db     store.DBTX
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresSlotStore creates a new PostgreSQL implementation of the SlotStore interface.
// If logger is nil, a default logger will be used.
func NewPostgresSlotStore(db store.DBTX, logger *slog.Logger) *PostgresSlotStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresSlotStore{
		db:     db,
		logger: logger.With(slog.String("component", "slot_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ensure PostgresSlotStore implements store.SlotStore interface
var _ store.SlotStore = (*PostgresSlotStore)(nil)

// Get implements store.SlotStore.Get
// Returns store.ErrSlotNotFound if no slot exists.
func (s *PostgresSlotStore) Get(ctx context.Context, key domain.DedupKey) (*domain.DedupSlot, error) {
	query := `
		SELECT document_id, document_source, kind, task_id, file_path, assets, created_at, updated_at
		FROM dedup_slots
		WHERE document_id = $1 AND document_source = $2 AND kind = $3
	`

	slot, err := scanSlot(s.db.QueryRowContext(ctx, query, key.Document.ID, key.Document.Source, string(key.Kind)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSlotNotFound
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get dedup slot",
			slog.String("error", err.Error()),
			slog.String("key", key.String()))
		return nil, MapError(err)
	}
	return slot, nil
}

// InsertIfAbsent implements store.SlotStore.InsertIfAbsent
func (s *PostgresSlotStore) InsertIfAbsent(ctx context.Context, key domain.DedupKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	query := `
		INSERT INTO dedup_slots (document_id, document_source, kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (document_id, document_source, kind) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, key.Document.ID, key.Document.Source, string(key.Kind), s.now())
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to claim dedup slot",
			slog.String("error", err.Error()),
			slog.String("key", key.String()))
		return false, MapError(err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Populate implements store.SlotStore.Populate
// The conditional upsert leaves an existing result untouched, so the first writer wins.
func (s *PostgresSlotStore) Populate(
	ctx context.Context,
	key domain.DedupKey,
	taskID uuid.UUID,
	result *domain.ArtifactResult,
) (bool, error) {
	if err := result.Validate(); err != nil {
		return false, err
	}
	filePath, assets, err := encodeResult(result)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO dedup_slots (document_id, document_source, kind, task_id, file_path, assets, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (document_id, document_source, kind) DO UPDATE
		SET task_id = EXCLUDED.task_id,
			file_path = EXCLUDED.file_path,
			assets = EXCLUDED.assets,
			updated_at = EXCLUDED.updated_at
		WHERE dedup_slots.file_path IS NULL
	`
	res, err := s.db.ExecContext(ctx, query,
		key.Document.ID, key.Document.Source, string(key.Kind), taskID, filePath, assets, s.now())
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to populate dedup slot",
			slog.String("error", err.Error()),
			slog.String("key", key.String()),
			slog.String("task_id", taskID.String()))
		return false, MapError(err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListEmpty implements store.SlotStore.ListEmpty
func (s *PostgresSlotStore) ListEmpty(ctx context.Context) ([]*domain.DedupSlot, error) {
	query := `
		SELECT document_id, document_source, kind, task_id, file_path, assets, created_at, updated_at
		FROM dedup_slots
		WHERE file_path IS NULL
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close rows", slog.String("error", closeErr.Error()))
		}
	}()

	slots := make([]*domain.DedupSlot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, MapError(err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return slots, nil
}

// DeleteIfEmpty implements store.SlotStore.DeleteIfEmpty
func (s *PostgresSlotStore) DeleteIfEmpty(ctx context.Context, key domain.DedupKey) (bool, error) {
	query := `
		DELETE FROM dedup_slots
		WHERE document_id = $1 AND document_source = $2 AND kind = $3 AND file_path IS NULL
	`
	result, err := s.db.ExecContext(ctx, query, key.Document.ID, key.Document.Source, string(key.Kind))
	if err != nil {
		return false, MapError(err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanSlot(row rowScanner) (*domain.DedupSlot, error) {
	var (
		slot     domain.DedupSlot
		kind     string
		taskID   uuid.NullUUID
		filePath sql.NullString
		assets   []byte
	)

	err := row.Scan(
		&slot.Key.Document.ID,
		&slot.Key.Document.Source,
		&kind,
		&taskID,
		&filePath,
		&assets,
		&slot.CreatedAt,
		&slot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	slot.Key.Kind = domain.ArtifactKind(kind)
	if taskID.Valid {
		id := taskID.UUID
		slot.TaskID = &id
	}
	slot.Result, err = decodeResult(filePath, assets)
	if err != nil {
		return nil, err
	}
	return &slot, nil
}
