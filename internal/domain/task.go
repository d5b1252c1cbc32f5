package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a generation task.
type TaskStatus string

// Possible task status values
const (
	TaskStatusWaiting TaskStatus = "waiting"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusWaiting, TaskStatusRunning, TaskStatusSuccess, TaskStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
// A waiting task may complete directly on a cache hit or fail without running.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusWaiting:
		return to == TaskStatusRunning || to == TaskStatusSuccess || to == TaskStatusFailed
	case TaskStatusRunning:
		return to == TaskStatusSuccess || to == TaskStatusFailed
	default:
		return false
	}
}

// Task is a request to generate one artifact for one document on behalf of a requester.
type Task struct {
	ID                   uuid.UUID        `json:"id"`
	RequesterID          string           `json:"requester_id"`
	Document             DocumentKey      `json:"document"`
	Origin               DocumentOrigin   `json:"origin"`
	Kind                 ArtifactKind     `json:"kind"`
	Params               GenerationParams `json:"params"`
	OriginatesDedupWrite bool             `json:"-"`
	Status               TaskStatus       `json:"status"`
	Result               *ArtifactResult  `json:"result,omitempty"`
	ErrorReason          string           `json:"error_reason,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	StartedAt            *time.Time       `json:"started_at,omitempty"`
	EndedAt              *time.Time       `json:"ended_at,omitempty"`
}

// NewTask creates a waiting task with a fresh ID.
// An empty title is replaced by the kind's default title.
// Returns an error if validation fails.
func NewTask(
	requesterID string,
	document DocumentKey,
	origin DocumentOrigin,
	kind ArtifactKind,
	params GenerationParams,
) (*Task, error) {
	if strings.TrimSpace(params.Title) == "" {
		params.Title = kind.DefaultTitle()
	}

	task := &Task{
		ID:          uuid.New(),
		RequesterID: requesterID,
		Document:    document,
		Origin:      origin,
		Kind:        kind,
		Params:      params,
		Status:      TaskStatusWaiting,
		CreatedAt:   time.Now().UTC(),
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: task ID cannot be empty", ErrValidation)
	}
	if strings.TrimSpace(t.RequesterID) == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyRequesterID)
	}
	if err := t.Document.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !t.Origin.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrValidation, ErrInvalidDocumentOrigin, t.Origin)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrValidation, ErrInvalidArtifactKind, t.Kind)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrValidation, ErrInvalidTaskStatus, t.Status)
	}
	if t.OriginatesDedupWrite && !t.Origin.Shared() {
		return fmt.Errorf("%w: only shared documents can originate a dedup write", ErrValidation)
	}
	return nil
}

// DedupKey returns the dedup cache slot key this task maps to.
func (t *Task) DedupKey() DedupKey {
	return DedupKey{Document: t.Document, Kind: t.Kind}
}

// Clone returns a copy that can be mutated without affecting t.
func (t *Task) Clone() *Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		r.Assets = append([]string(nil), t.Result.Assets...)
		c.Result = &r
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.EndedAt != nil {
		e := *t.EndedAt
		c.EndedAt = &e
	}
	return &c
}

func (t *Task) transition(to TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	return nil
}

// MarkRunning moves a waiting task to running and records the start time.
func (t *Task) MarkRunning(now time.Time) error {
	if err := t.transition(TaskStatusRunning); err != nil {
		return err
	}
	started := now.UTC()
	t.StartedAt = &started
	return nil
}

// MarkSucceeded records the artifact and the end time.
func (t *Task) MarkSucceeded(result *ArtifactResult, now time.Time) error {
	if err := result.Validate(); err != nil {
		return err
	}
	if err := t.transition(TaskStatusSuccess); err != nil {
		return err
	}
	ended := now.UTC()
	t.Result = result
	t.ErrorReason = ""
	t.EndedAt = &ended
	return nil
}

// MarkFailed records the failure reason and the end time.
func (t *Task) MarkFailed(reason string, now time.Time) error {
	if err := t.transition(TaskStatusFailed); err != nil {
		return err
	}
	ended := now.UTC()
	t.Result = nil
	t.ErrorReason = reason
	t.EndedAt = &ended
	return nil
}

// RevertToWaiting undoes MarkRunning when a task could not be handed to a worker.
// It is the only way back from running and must not be used for any other purpose.
func (t *Task) RevertToWaiting() error {
	if t.Status != TaskStatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, TaskStatusWaiting)
	}
	t.Status = TaskStatusWaiting
	t.StartedAt = nil
	return nil
}
