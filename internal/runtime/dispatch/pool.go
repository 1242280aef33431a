package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/l0p7/pictura/internal/runtime/task"
)

var (
	ErrQueueFull = errors.New("dispatch: queue is full")
	ErrNotAlive  = errors.New("dispatch: not accepting tasks")
	ErrTimeout   = errors.New("dispatch: task timed out")
	ErrLowMemory = errors.New("dispatch: not enough free memory")

	ErrMethodNotAllowed = errors.New("dispatch: method not allowed")
)

// Pool runs tasks on a fixed set of workers fed by a bounded queue. Submit
// never blocks: a full queue is reported as ErrQueueFull.
type Pool struct {
	name    string
	workers int
	queue   chan task.Task
	run     func(context.Context, task.Task)
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	active    atomic.Int64
	submitted atomic.Int64
}

// NewPool starts workers goroutines that call run for every submitted task.
func NewPool(name string, workers, queueSize int, run func(context.Context, task.Task), logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		workers: workers,
		queue:   make(chan task.Task, queueSize),
		run:     run,
		logger:  logger.With(slog.String("pool", name)),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
	for id := 1; id <= workers; id++ {
		p.wg.Add(1)
		go p.worker(id)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case t := <-p.queue:
			p.active.Add(1)
			p.run(p.ctx, t)
			p.active.Add(-1)
		}
	}
}

// Submit enqueues t.
func (p *Pool) Submit(t task.Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrNotAlive
	}
	select {
	case p.queue <- t:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain removes and returns every task still waiting in the queue.
func (p *Pool) Drain() []task.Task {
	var drained []task.Task
	for {
		select {
		case t := <-p.queue:
			drained = append(drained, t)
		default:
			return drained
		}
	}
}

// Close stops the workers once their current task is done. Tasks still
// queued are returned unstarted. When ctx ends first, running tasks see their
// context cancelled and Close returns ctx.Err() without waiting for them.
func (p *Pool) Close(ctx context.Context) ([]task.Task, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.cancel()
	p.logger.Debug("pool closed", slog.Int64("submitted", p.submitted.Load()))
	return p.Drain(), err
}

func (p *Pool) Name() string     { return p.name }
func (p *Pool) Workers() int     { return p.workers }
func (p *Pool) Capacity() int    { return cap(p.queue) }
func (p *Pool) Queued() int      { return len(p.queue) }
func (p *Pool) Active() int64    { return p.active.Load() }
func (p *Pool) Submitted() int64 { return p.submitted.Load() }
