package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/task"
)

// getPathUUID extracts and parses a UUID path parameter.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", task.ErrInvalidRequest, paramName)
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", task.ErrInvalidRequest, paramName)
	}
	return id, nil
}

// parseListQuery builds a list request from the query string:
// page, page_size, kind, status, document_id and source.
func parseListQuery(r *http.Request, requesterID string) (task.ListTasksRequest, error) {
	q := r.URL.Query()
	req := task.ListTasksRequest{
		RequesterID: requesterID,
		Status:      domain.TaskStatus(q.Get("status")),
	}

	var err error
	if req.Page, err = queryInt(q.Get("page")); err != nil {
		return req, fmt.Errorf("%w: page must be a non-negative integer", task.ErrInvalidRequest)
	}
	if req.PageSize, err = queryInt(q.Get("page_size")); err != nil {
		return req, fmt.Errorf("%w: page_size must be a non-negative integer", task.ErrInvalidRequest)
	}

	if kind := q.Get("kind"); kind != "" {
		if req.Kind, err = domain.ParseArtifactKind(kind); err != nil {
			return req, fmt.Errorf("%w: %w", task.ErrInvalidRequest, err)
		}
	}

	docID, source := q.Get("document_id"), q.Get("source")
	if docID != "" || source != "" {
		doc := domain.DocumentKey{ID: docID, Source: source}
		if err := doc.Validate(); err != nil {
			return req, fmt.Errorf("%w: %w", task.ErrInvalidRequest, err)
		}
		req.Document = &doc
	}
	return req, nil
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}
