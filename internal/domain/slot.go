package domain

import (
	"time"

	"github.com/google/uuid"
)

// DedupSlot is the shared cache entry for one document and artifact kind.
// An empty slot has been claimed by an originating task that has not yet
// produced a result; callers treat it as not cached.
type DedupSlot struct {
	Key       DedupKey
	Result    *ArtifactResult
	TaskID    *uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Populated reports whether the slot holds a usable result.
func (s *DedupSlot) Populated() bool {
	return s != nil && s.Result != nil && s.Result.FilePath != ""
}
