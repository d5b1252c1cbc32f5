// Package pipeline calls the artifact generation pipeline over HTTP.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/task"
)

// ErrPipeline is returned when the pipeline reports a failed generation.
var ErrPipeline = errors.New("pipeline failed")

// maxErrorBody bounds how much of an unexpected response is kept in errors.
const maxErrorBody = 512

// Config holds configuration for the Client.
type Config struct {
	// BaseURL of the pipeline service, e.g. "http://pipeline:9000".
	BaseURL string

	// Timeout bounds a single generation call.
	Timeout time.Duration
}

// generateRequest is the body of POST /generate.
type generateRequest struct {
	TaskID       string `json:"task_id"`
	RequesterID  string `json:"user_id"`
	DocumentID   string `json:"paper_id"`
	Source       string `json:"source"`
	DocumentType string `json:"paper_type"`
	Kind         string `json:"agent_type"`
	Title        string `json:"title,omitempty"`
	Style        string `json:"style,omitempty"`
	Language     string `json:"language,omitempty"`
	Density      string `json:"density,omitempty"`
}

// generateResponse is the body returned by POST /generate.
type generateResponse struct {
	Status       string   `json:"status"`
	FilePath     string   `json:"file_path"`
	Assets       []string `json:"assets"`
	ErrorMessage string   `json:"error_message"`
}

// Client implements task.Runner against the pipeline's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("pipeline base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(slog.String("component", "pipeline_client")),
	}, nil
}

var _ task.Runner = (*Client)(nil)

// Run implements task.Runner. Cancelling ctx aborts the request.
func (c *Client) Run(ctx context.Context, job task.Job) (*domain.ArtifactResult, error) {
	body, err := json.Marshal(generateRequest{
		TaskID:       job.TaskID.String(),
		RequesterID:  job.RequesterID,
		DocumentID:   job.Document.ID,
		Source:       job.Document.Source,
		DocumentType: string(job.Origin),
		Kind:         string(job.Kind),
		Title:        job.Params.Title,
		Style:        job.Params.Style,
		Language:     job.Params.Language,
		Density:      job.Params.Density,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close pipeline response", slog.String("error", closeErr.Error()))
		}
	}()

	c.logger.Debug("pipeline responded",
		slog.String("task_id", job.TaskID.String()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: status %d", ErrPipeline, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to decode pipeline response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || out.Status == "failed" {
		reason := out.ErrorMessage
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrPipeline, truncate(reason))
	}

	result := &domain.ArtifactResult{FilePath: out.FilePath, Assets: out.Assets}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	return result, nil
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody]
}
