package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/l0p7/pictura/internal/metrics"
	"github.com/l0p7/pictura/internal/runtime/dispatch"
	"github.com/l0p7/pictura/internal/runtime/task"
)

type echoTask struct {
	*task.Base
}

func (e *echoTask) Process(context.Context) error {
	e.Core().Sink().Header().Set("Content-Type", "text/plain")
	_, err := task.Write(e, []byte("echo "+e.Core().Request().URL.Path))
	return err
}

type echoFactory struct {
	calls int
}

func (f *echoFactory) NewTask(w http.ResponseWriter, r *http.Request) task.Task {
	f.calls++
	core := task.NewCore(r, task.NewSink(w), task.Options{})
	return &echoTask{Base: task.NewBase(core)}
}

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(dispatch.Options{Workers: 2, QueueSize: 4, Timeout: time.Second, Logger: newTestLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestHandlerServesTasks(t *testing.T) {
	factory := &echoFactory{}
	handler := NewHandler(factory, newTestDispatcher(t), Routes{}, newTestLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/img/a.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "echo /img/a.png" {
		t.Fatalf("unexpected body %q", got)
	}
	if factory.calls != 1 {
		t.Fatalf("expected one task, got %d", factory.calls)
	}
}

func TestHandlerHealth(t *testing.T) {
	d := newTestDispatcher(t)
	handler := NewHandler(&echoFactory{}, d, Routes{}, newTestLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "ok" {
		t.Fatalf("expected healthy response, got %d %q", rec.Code, rec.Body.String())
	}

	d.SetAlive(false)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("expected Retry-After 30, got %q", rec.Header().Get("Retry-After"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/img/a.png", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected task rejection while draining, got %d", rec.Code)
	}
	if rec.Header().Get(task.HeaderRequestID) == "" {
		t.Fatalf("expected request id on rejection")
	}
}

func TestHandlerMetricsRoute(t *testing.T) {
	recorder := metrics.NewRecorder(nil)
	factory := &echoFactory{}
	handler := NewHandler(factory, newTestDispatcher(t), Routes{Metrics: recorder.Handler(), HealthPath: "/status/health"}, newTestLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected custom health path, got %d", rec.Code)
	}
	if factory.calls != 0 {
		t.Fatalf("operational routes must not create tasks")
	}
}

func TestHandlerWithoutPipeline(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(nil, nil, Routes{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
