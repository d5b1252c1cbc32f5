package api

import (
	"time"

	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/queue"
	"github.com/phrazzld/slidegen/internal/task"
)

// CreateTaskRequest defines the payload for POST /api/tasks.
type CreateTaskRequest struct {
	DocumentID string `json:"document_id" validate:"required,max=256"`
	Source     string `json:"source"      validate:"required,max=64"`
	// Origin defaults to "system" when omitted.
	Origin   string `json:"origin"   validate:"omitempty,oneof=system user"`
	Kind     string `json:"kind"     validate:"required,max=16"`
	Title    string `json:"title"    validate:"max=256"`
	Style    string `json:"style"    validate:"max=64"`
	Language string `json:"language" validate:"max=16"`
	Density  string `json:"density"  validate:"max=16"`
}

// DocumentResponse identifies the source document of a task.
type DocumentResponse struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// ResultResponse locates a generated artifact.
type ResultResponse struct {
	FilePath string   `json:"file_path"`
	Assets   []string `json:"assets,omitempty"`
}

// TaskResponse represents a task in API responses.
type TaskResponse struct {
	ID          string           `json:"id"`
	Document    DocumentResponse `json:"document"`
	Origin      string           `json:"origin"`
	Kind        string           `json:"kind"`
	Title       string           `json:"title"`
	Style       string           `json:"style,omitempty"`
	Language    string           `json:"language,omitempty"`
	Density     string           `json:"density,omitempty"`
	Status      string           `json:"status"`
	Result      *ResultResponse  `json:"result,omitempty"`
	ErrorReason string           `json:"error_reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
}

// TaskListResponse is a page of tasks.
type TaskListResponse struct {
	Tasks    []TaskResponse `json:"tasks"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// QueueStatusResponse reports the admission counters.
type QueueStatusResponse struct {
	Running    int `json:"running"`
	Waiting    int `json:"waiting"`
	MaxRunning int `json:"max_running"`
	MaxWaiting int `json:"max_waiting"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID.String(),
		Document:    DocumentResponse{ID: t.Document.ID, Source: t.Document.Source},
		Origin:      string(t.Origin),
		Kind:        string(t.Kind),
		Title:       t.Params.Title,
		Style:       t.Params.Style,
		Language:    t.Params.Language,
		Density:     t.Params.Density,
		Status:      string(t.Status),
		ErrorReason: t.ErrorReason,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		EndedAt:     t.EndedAt,
	}
	if t.Result != nil {
		resp.Result = &ResultResponse{FilePath: t.Result.FilePath, Assets: t.Result.Assets}
	}
	return resp
}

func pageToResponse(p *task.TaskPage) TaskListResponse {
	tasks := make([]TaskResponse, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		tasks = append(tasks, taskToResponse(t))
	}
	return TaskListResponse{Tasks: tasks, Total: p.Total, Page: p.Page, PageSize: p.PageSize}
}

func statusToResponse(s queue.Status) QueueStatusResponse {
	return QueueStatusResponse{
		Running:    s.Running,
		Waiting:    s.Waiting,
		MaxRunning: s.MaxRunning,
		MaxWaiting: s.MaxWaiting,
	}
}
