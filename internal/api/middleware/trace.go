package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/slidegen/internal/api/shared"
	"github.com/phrazzld/slidegen/internal/platform/logger"
)

// TraceHeader carries the trace id in requests and responses.
const TraceHeader = "X-Request-ID"

// TraceMiddleware adds a trace ID to the request context together with a
// logger that carries it, and echoes the id in the response.
func TraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context(), r.Header.Get(TraceHeader))
			traceID := shared.GetTraceID(ctx)

			log := logger.FromContextOrDefault(ctx, base).With(slog.String("trace_id", traceID))
			ctx = logger.WithLogger(ctx, log)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			w.Header().Set(TraceHeader, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
