package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/l0p7/pictura/internal/runtime/task"
)

// TaskFactory turns one request into a task bound to w.
type TaskFactory interface {
	NewTask(w http.ResponseWriter, r *http.Request) task.Task
}

// TaskDispatcher admits tasks and waits for them.
type TaskDispatcher interface {
	ServeTask(ctx context.Context, t task.Task) error
	Alive() bool
}

// Routes carries the handlers served next to the task pipeline.
type Routes struct {
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// HealthPath answers liveness probes; empty uses /healthz.
	HealthPath string
}

// NewHandler routes every request that is not an operational endpoint
// through the dispatcher.
func NewHandler(factory TaskFactory, dispatcher TaskDispatcher, routes Routes, logger *slog.Logger) http.Handler {
	if factory == nil || dispatcher == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	if logger == nil {
		logger = slog.Default()
	}
	if routes.HealthPath == "" {
		routes.HealthPath = "/healthz"
	}

	mux := http.NewServeMux()
	if routes.Metrics != nil {
		mux.Handle("GET /metrics", routes.Metrics)
	}
	mux.HandleFunc("GET "+routes.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		if !dispatcher.Alive() {
			w.Header().Set("Retry-After", strconv.Itoa(task.RetryAfterSeconds))
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t := factory.NewTask(w, r)
		err := dispatcher.ServeTask(r.Context(), t)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		if logger.Enabled(r.Context(), slog.LevelDebug) {
			logger.Debug("task not served",
				slog.String("request_id", t.Core().RequestID()),
				slog.String("path", r.URL.Path),
				slog.Any("error", err),
			)
		}
	})
	return mux
}
