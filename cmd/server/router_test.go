package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/api"
	"github.com/phrazzld/slidegen/internal/config"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/queue"
	"github.com/phrazzld/slidegen/internal/service/auth"
	"github.com/phrazzld/slidegen/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTaskService serves a single stored task for its owner.
type stubTaskService struct {
	task *domain.Task
}

func (s *stubTaskService) CreateTask(ctx context.Context, req task.CreateTaskRequest) (*domain.Task, error) {
	return domain.NewTask(req.RequesterID, req.Document, req.Origin, req.Kind, req.Params)
}

func (s *stubTaskService) GetTask(ctx context.Context, id uuid.UUID, requesterID string) (*domain.Task, error) {
	if id != s.task.ID || requesterID != s.task.RequesterID {
		return nil, task.ErrTaskNotFound
	}
	return s.task, nil
}

func (s *stubTaskService) ListTasks(ctx context.Context, req task.ListTasksRequest) (*task.TaskPage, error) {
	return &task.TaskPage{Tasks: []*domain.Task{s.task}, Total: 1}, nil
}

func (s *stubTaskService) CancelTask(ctx context.Context, id uuid.UUID, requesterID string) error {
	_, err := s.GetTask(ctx, id, requesterID)
	return err
}

func (s *stubTaskService) DeleteTask(ctx context.Context, id uuid.UUID, requesterID string) error {
	_, err := s.GetTask(ctx, id, requesterID)
	return err
}

func (s *stubTaskService) QueueStatus(ctx context.Context) queue.Status {
	return queue.Status{MaxRunning: 2, MaxWaiting: 5}
}

func newTestServer(t *testing.T) (http.Handler, auth.JWTService, *domain.Task) {
	t.Helper()

	jwtService, err := auth.NewJWTService(config.AuthConfig{
		JWTSecret:            "test-jwt-secret-that-is-32-chars-long",
		TokenLifetimeMinutes: 60,
	})
	require.NoError(t, err)

	stored, err := domain.NewTask("alice",
		domain.DocumentKey{ID: "2401.00001", Source: "arxiv"},
		domain.DocumentOriginSystem,
		domain.ArtifactKindPoster,
		domain.GenerationParams{})
	require.NoError(t, err)

	router := newRouter(routerDeps{
		tasks:      &stubTaskService{task: stored},
		jwtService: jwtService,
		health: map[string]api.HealthCheck{
			"database": func(ctx context.Context) error { return nil },
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return router, jwtService, stored
}

func bearer(t *testing.T, jwtService auth.JWTService, requester string) string {
	t.Helper()
	token, err := jwtService.GenerateToken(context.Background(), requester)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRouter(t *testing.T) {
	router, jwtService, stored := newTestServer(t)
	alice := bearer(t, jwtService, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		auth   string
		status int
	}{
		{"health is public", http.MethodGet, "/health", "", "", http.StatusOK},
		{"api requires a token", http.MethodGet, "/api/tasks", "", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/tasks", "", "Bearer nope", http.StatusUnauthorized},
		{"list", http.MethodGet, "/api/tasks", "", alice, http.StatusOK},
		{
			"create",
			http.MethodPost,
			"/api/tasks",
			`{"document_id":"2401.00002","source":"arxiv","kind":"slides"}`,
			alice,
			http.StatusCreated,
		},
		{"get own task", http.MethodGet, "/api/tasks/" + stored.ID.String(), "", alice, http.StatusOK},
		{
			"get foreign task",
			http.MethodGet,
			"/api/tasks/" + stored.ID.String(),
			"",
			bearer(t, jwtService, "bob"),
			http.StatusNotFound,
		},
		{"cancel", http.MethodPost, "/api/tasks/" + stored.ID.String() + "/cancel", "", alice, http.StatusOK},
		{"delete", http.MethodDelete, "/api/tasks/" + stored.ID.String(), "", alice, http.StatusNoContent},
		{"queue status", http.MethodGet, "/api/queue/status", "", alice, http.StatusOK},
		{"unknown route", http.MethodGet, "/api/cards", "", alice, http.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
		})
	}
}

func TestRouter_CreateUsesTokenSubject(t *testing.T) {
	router, jwtService, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks",
		strings.NewReader(`{"document_id":"d1","source":"upload","origin":"user","kind":"poster","title":"My poster"}`))
	req.Header.Set("Authorization", bearer(t, jwtService, "carol"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp api.TaskResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "user", resp.Origin)
	assert.Equal(t, "My poster", resp.Title)
	assert.Equal(t, "waiting", resp.Status)
	assert.WithinDuration(t, time.Now(), resp.CreatedAt, time.Minute)
}
