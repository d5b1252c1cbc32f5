package domain

import (
	"fmt"
	"strings"
)

// ArtifactKind identifies the derived artifact a task produces.
type ArtifactKind string

// Supported artifact kinds
const (
	ArtifactKindPoster ArtifactKind = "poster"
	ArtifactKindSlides ArtifactKind = "slides"
)

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	return k == ArtifactKindPoster || k == ArtifactKindSlides
}

// DefaultTitle is the task title used when the caller supplies none.
func (k ArtifactKind) DefaultTitle() string {
	switch k {
	case ArtifactKindPoster:
		return "Poster"
	case ArtifactKindSlides:
		return "Slides"
	default:
		return ""
	}
}

// ParseArtifactKind converts a caller-supplied string to an ArtifactKind.
// Matching is case-insensitive.
func ParseArtifactKind(s string) (ArtifactKind, error) {
	k := ArtifactKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidArtifactKind, s)
	}
	return k, nil
}

// DocumentOrigin distinguishes catalogue documents, which share generated
// artifacts between requesters, from documents uploaded by a single user.
type DocumentOrigin string

// Supported document origins
const (
	DocumentOriginSystem DocumentOrigin = "system"
	DocumentOriginUser   DocumentOrigin = "user"
)

// Valid reports whether o is a known document origin.
func (o DocumentOrigin) Valid() bool {
	return o == DocumentOriginSystem || o == DocumentOriginUser
}

// Shared reports whether artifacts for this origin are deduplicated.
func (o DocumentOrigin) Shared() bool {
	return o == DocumentOriginSystem
}

// DocumentKey identifies a source document.
type DocumentKey struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// Validate checks that both components of the key are present.
func (k DocumentKey) Validate() error {
	if strings.TrimSpace(k.ID) == "" {
		return ErrEmptyDocumentID
	}
	if strings.TrimSpace(k.Source) == "" {
		return ErrEmptyDocumentSource
	}
	return nil
}

// String renders the key as source/id for logging.
func (k DocumentKey) String() string {
	return k.Source + "/" + k.ID
}

// DedupKey identifies a dedup cache slot: one per document and artifact kind.
type DedupKey struct {
	Document DocumentKey  `json:"document"`
	Kind     ArtifactKind `json:"kind"`
}

// Validate checks the document key and artifact kind.
func (k DedupKey) Validate() error {
	if err := k.Document.Validate(); err != nil {
		return err
	}
	if !k.Kind.Valid() {
		return ErrInvalidArtifactKind
	}
	return nil
}

// String renders the key for logging.
func (k DedupKey) String() string {
	return k.Document.String() + "#" + string(k.Kind)
}

// GenerationParams are caller options forwarded untouched to the pipeline.
type GenerationParams struct {
	Title    string `json:"title,omitempty"`
	Style    string `json:"style,omitempty"`
	Language string `json:"language,omitempty"`
	Density  string `json:"density,omitempty"`
}

// ArtifactResult locates a generated artifact.
type ArtifactResult struct {
	FilePath string   `json:"file_path"`
	Assets   []string `json:"assets,omitempty"`
}

// Validate checks that the result points at an artifact.
func (r *ArtifactResult) Validate() error {
	if r == nil || strings.TrimSpace(r.FilePath) == "" {
		return ErrEmptyArtifactPath
	}
	return nil
}
