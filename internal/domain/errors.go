// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a task status change is not
	// allowed by the task lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrEmptyRequesterID is returned when a task has no requester.
	ErrEmptyRequesterID = errors.New("requester ID cannot be empty")

	// ErrEmptyDocumentID is returned when a document key has no ID.
	ErrEmptyDocumentID = errors.New("document ID cannot be empty")

	// ErrEmptyDocumentSource is returned when a document key has no source.
	ErrEmptyDocumentSource = errors.New("document source cannot be empty")

	// ErrInvalidArtifactKind is returned for an unknown artifact kind.
	ErrInvalidArtifactKind = errors.New("invalid artifact kind")

	// ErrInvalidDocumentOrigin is returned for an unknown document origin.
	ErrInvalidDocumentOrigin = errors.New("invalid document origin")

	// ErrInvalidTaskStatus is returned for an unknown task status.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrEmptyArtifactPath is returned when a result carries no artifact location.
	ErrEmptyArtifactPath = errors.New("artifact file path cannot be empty")
)
