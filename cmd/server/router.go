package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/slidegen/internal/api"
	apiMiddleware "github.com/phrazzld/slidegen/internal/api/middleware"
	"github.com/phrazzld/slidegen/internal/service/auth"
)

// requestTimeout bounds a single API request. Generation itself is
// asynchronous, so no handler waits on the pipeline.
const requestTimeout = 30 * time.Second

// routerDeps are the collaborators the HTTP routes need.
type routerDeps struct {
	tasks      api.TaskService
	jwtService auth.JWTService
	health     map[string]api.HealthCheck
	logger     *slog.Logger
}

// newRouter creates the application router with all routes and middleware.
func newRouter(deps routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.TraceMiddleware(deps.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	taskHandler := api.NewTaskHandler(deps.tasks, deps.logger)
	authMiddleware := apiMiddleware.NewAuthMiddleware(deps.jwtService)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Post("/tasks", taskHandler.CreateTask)
		r.Get("/tasks", taskHandler.ListTasks)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Delete("/tasks/{id}", taskHandler.DeleteTask)
		r.Post("/tasks/{id}/cancel", taskHandler.CancelTask)

		r.Get("/queue/status", taskHandler.QueueStatus)
	})

	r.Method(http.MethodGet, "/health", api.NewHealthHandler(deps.health, deps.logger))

	return r
}
