// Package dispatch admits tasks and runs them on bounded worker pools.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/l0p7/pictura/internal/metrics"
	"github.com/l0p7/pictura/internal/runtime/memory"
	"github.com/l0p7/pictura/internal/runtime/task"
)

// bytesPerPixel is the decoded size of one ARGB pixel.
const bytesPerPixel = 4

// Options configure a Dispatcher.
type Options struct {
	Workers        int
	QueueSize      int
	StatsWorkers   int
	StatsQueueSize int
	// Timeout bounds how long a synchronous waiter blocks. Zero waits
	// until the task completes or the client goes away.
	Timeout time.Duration
	Async   bool

	AllowedMethods     []string
	MaxImageResolution int64
	// Memory enables the free-memory admission check for image tasks.
	Memory *memory.Probe

	Recorder *metrics.Recorder
	Logger   *slog.Logger
}

// Dispatcher owns the worker pools, admission control and task accounting.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger

	alive atomic.Bool
	tasks *Pool
	stats *Pool

	counters *Stats
}

// New starts the pools of a live dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.StatsWorkers <= 0 {
		opts.StatsWorkers = 1
	}
	if len(opts.AllowedMethods) == 0 {
		opts.AllowedMethods = []string{http.MethodGet, http.MethodHead}
	}
	opts.AllowedMethods = slices.Clone(opts.AllowedMethods)
	for i, m := range opts.AllowedMethods {
		opts.AllowedMethods[i] = strings.ToUpper(strings.TrimSpace(m))
	}

	d := &Dispatcher{
		opts:     opts,
		logger:   opts.Logger.With(slog.String("agent", "dispatcher")),
		counters: newStats(),
	}
	d.tasks = NewPool("tasks", opts.Workers, opts.QueueSize, d.execute, d.logger)
	d.stats = NewPool("stats", opts.StatsWorkers, opts.StatsQueueSize, d.execute, d.logger)
	for _, p := range []*Pool{d.tasks, d.stats} {
		err := opts.Recorder.RegisterGauge("dispatch", "queue_length", "Tasks waiting for a worker.",
			map[string]string{"pool": p.Name()}, func() float64 { return float64(p.Queued()) })
		if err != nil {
			d.logger.Warn("queue gauge registration failed", slog.String("pool", p.Name()), slog.Any("error", err))
		}
	}
	d.alive.Store(true)
	return d
}

func (d *Dispatcher) execute(ctx context.Context, t task.Task) {
	if err := task.Run(ctx, t); err != nil {
		c := t.Core()
		d.logger.Error("task failed",
			slog.String("request_id", c.RequestID()),
			slog.String("class", string(c.Class())),
			slog.Any("error", err),
		)
	}
}

func (d *Dispatcher) pool(c task.Class) *Pool {
	if c == task.ClassStats {
		return d.stats
	}
	return d.tasks
}

// Alive reports whether new tasks are admitted.
func (d *Dispatcher) Alive() bool { return d.alive.Load() }

// SetAlive toggles admission. Going down answers every queued task with 503.
func (d *Dispatcher) SetAlive(alive bool) {
	if d.alive.Swap(alive) == alive || alive {
		return
	}
	drained := 0
	for _, p := range []*Pool{d.tasks, d.stats} {
		for _, t := range p.Drain() {
			d.reject(t, metrics.RejectDraining, http.StatusServiceUnavailable)
			drained++
		}
	}
	d.logger.Info("dispatcher draining", slog.Int("interrupted", drained))
}

// Close stops admission, drains the queues and waits for running tasks
// until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.SetAlive(false)
	var errs []error
	for _, p := range []*Pool{d.tasks, d.stats} {
		left, err := p.Close(ctx)
		for _, t := range left {
			d.reject(t, metrics.RejectDraining, http.StatusServiceUnavailable)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Submit runs admission for t and queues it. The completion accounting is
// attached before admission, so rejected tasks are counted as well. When an
// error is returned the task has already been answered.
func (d *Dispatcher) Submit(t task.Task) error {
	c := t.Core()
	c.OnComplete(d.complete)

	if !d.alive.Load() {
		d.reject(t, metrics.RejectDraining, http.StatusServiceUnavailable)
		return ErrNotAlive
	}
	if !d.MethodAllowed(c.Request().Method) {
		c.SetErrorHeader("Allow", strings.Join(d.opts.AllowedMethods, ", "))
		d.reject(t, metrics.RejectMethod, http.StatusMethodNotAllowed)
		return ErrMethodNotAllowed
	}
	if c.Class() == task.ClassImage && !d.memoryAvailable() {
		d.reject(t, metrics.RejectMemory, http.StatusServiceUnavailable)
		return ErrLowMemory
	}
	if err := d.pool(c.Class()).Submit(t); err != nil {
		reason := metrics.RejectQueueFull
		if errors.Is(err, ErrNotAlive) {
			reason = metrics.RejectDraining
		}
		d.reject(t, reason, http.StatusServiceUnavailable)
		return err
	}
	return nil
}

// SubmitAsync queues t and calls done once it completes, from the worker
// that ran it or immediately when t was rejected.
func (d *Dispatcher) SubmitAsync(t task.Task, done func(*task.Core)) error {
	err := d.Submit(t)
	if done != nil {
		t.Core().OnComplete(done)
	}
	return err
}

// Await blocks until t completes, ctx ends or the timeout elapses. A waiter
// that gives up detaches the response, answering 503 when nothing was sent;
// the worker keeps running and its late writes are dropped.
func (d *Dispatcher) Await(ctx context.Context, t task.Task, timeout time.Duration) error {
	c := t.Core()
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-c.Done():
		return nil
	case <-expired:
		c.Abandon(http.StatusServiceUnavailable)
		d.counters.timeout()
		d.opts.Recorder.ObserveTimeout(string(c.Class()))
		d.logger.Warn("task timed out",
			slog.String("request_id", c.RequestID()),
			slog.Duration("timeout", timeout),
		)
		return ErrTimeout
	case <-ctx.Done():
		c.Abandon(http.StatusServiceUnavailable)
		return ctx.Err()
	}
}

// ServeTask admits t and waits for it in the configured mode. It returns once
// the response is final or detached, so the caller's ResponseWriter may be
// released afterwards.
func (d *Dispatcher) ServeTask(ctx context.Context, t task.Task) error {
	if d.opts.Async {
		if err := d.SubmitAsync(t, nil); err != nil {
			return err
		}
		return d.Await(ctx, t, 0)
	}
	if err := d.Submit(t); err != nil {
		return err
	}
	return d.Await(ctx, t, d.opts.Timeout)
}

// MethodAllowed reports whether method passes admission.
func (d *Dispatcher) MethodAllowed(method string) bool {
	return slices.Contains(d.opts.AllowedMethods, method)
}

func (d *Dispatcher) memoryAvailable() bool {
	if d.opts.Memory == nil || d.opts.MaxImageResolution <= 0 {
		return true
	}
	return d.opts.Memory.Allows(uint64(d.opts.MaxImageResolution) * bytesPerPixel)
}

func (d *Dispatcher) reject(t task.Task, reason metrics.RejectReason, status int) {
	if err := task.Abort(t, status, ""); err != nil {
		return
	}
	d.opts.Recorder.ObserveRejection(reason)
	if d.logger.Enabled(context.Background(), slog.LevelDebug) {
		d.logger.Debug("task rejected",
			slog.String("reason", string(reason)),
			slog.Int("status", status),
			slog.String("path", t.Core().Request().URL.Path),
		)
	}
}

func (d *Dispatcher) complete(c *task.Core) {
	d.counters.observe(c)
	if c.Aborted() {
		return
	}
	d.opts.Recorder.ObserveTask(string(c.Class()), c.Status(), c.Duration())
	d.opts.Recorder.ObserveBytes("in", c.BytesRead())
	d.opts.Recorder.ObserveBytes("out", c.BytesWritten())

	logger := c.Logger()
	attrs := []any{
		slog.String("request_id", c.RequestID()),
		slog.String("method", c.Request().Method),
		slog.String("path", c.Request().URL.Path),
		slog.Int("status", c.Status()),
		slog.Duration("duration", c.Duration()),
		slog.Int64("bytes_in", c.BytesRead()),
		slog.Int64("bytes_out", c.BytesWritten()),
	}
	if key, ok := c.Attribute(task.AttrTrueCacheKey); ok {
		attrs = append(attrs, slog.Any("cache_key", key))
	}
	logger.Info("task completed", attrs...)
}

// Stats returns the current accounting and pool state.
func (d *Dispatcher) Stats() Snapshot {
	snap := d.counters.snapshot()
	snap.Alive = d.alive.Load()
	snap.Async = d.opts.Async
	for _, p := range []*Pool{d.tasks, d.stats} {
		snap.Pools = append(snap.Pools, PoolSnapshot{
			Name:      p.Name(),
			Workers:   p.Workers(),
			Capacity:  p.Capacity(),
			Queued:    p.Queued(),
			Active:    p.Active(),
			Submitted: p.Submitted(),
		})
	}
	return snap
}

// Throughput reports completed tasks per second since the previous call.
func (d *Dispatcher) Throughput() float64 { return d.counters.Throughput() }
