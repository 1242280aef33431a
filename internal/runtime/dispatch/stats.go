package dispatch

import (
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/pictura/internal/runtime/task"
)

// Stats aggregates per-process task accounting. Every completed task is
// observed exactly once.
type Stats struct {
	started time.Time

	completed atomic.Int64
	rejected  atomic.Int64
	timeouts  atomic.Int64
	duration  atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64

	mu     sync.Mutex
	errors map[int]int64

	pollMu        sync.Mutex
	lastPoll      time.Time
	lastCompleted int64
}

func newStats() *Stats {
	return &Stats{started: time.Now(), errors: make(map[int]int64)}
}

// observe books a finished task. Aborted tasks never ran and only count as
// rejected, except method refusals which are answered client errors. The
// error histogram holds completed tasks only.
func (s *Stats) observe(c *task.Core) {
	status := c.Status()
	if c.Aborted() && status != http.StatusMethodNotAllowed {
		s.rejected.Add(1)
		return
	}
	if status >= http.StatusBadRequest {
		s.mu.Lock()
		s.errors[status]++
		s.mu.Unlock()
	}
	s.completed.Add(1)
	s.duration.Add(int64(c.Duration()))
	s.bytesIn.Add(c.BytesRead())
	s.bytesOut.Add(c.BytesWritten())
}

func (s *Stats) timeout() { s.timeouts.Add(1) }

// Snapshot is a point-in-time view of the dispatcher.
type Snapshot struct {
	Started             time.Time      `json:"started"`
	Uptime              time.Duration  `json:"uptime"`
	Alive               bool           `json:"alive"`
	Async               bool           `json:"async"`
	Completed           int64          `json:"completedTaskCount"`
	Rejected            int64          `json:"rejectedTaskCount"`
	Timeouts            int64          `json:"timeoutCount"`
	Errors              map[int]int64  `json:"errors"`
	BytesIn             int64          `json:"inbound"`
	BytesOut            int64          `json:"outbound"`
	TotalDuration       time.Duration  `json:"totalDuration"`
	AverageResponseTime time.Duration  `json:"averageResponseTime"`
	AverageResponseSize int64          `json:"averageResponseSize"`
	ErrorRate           float64        `json:"errorRate"`
	Pools               []PoolSnapshot `json:"pools"`
}

// PoolSnapshot describes one worker pool.
type PoolSnapshot struct {
	Name      string `json:"name"`
	Workers   int    `json:"poolSize"`
	Capacity  int    `json:"queueSize"`
	Queued    int    `json:"queued"`
	Active    int64  `json:"activeCount"`
	Submitted int64  `json:"taskCount"`
}

func (s *Stats) snapshot() Snapshot {
	s.mu.Lock()
	errs := maps.Clone(s.errors)
	s.mu.Unlock()

	snap := Snapshot{
		Started:       s.started,
		Uptime:        time.Since(s.started),
		Completed:     s.completed.Load(),
		Rejected:      s.rejected.Load(),
		Timeouts:      s.timeouts.Load(),
		Errors:        errs,
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
		TotalDuration: time.Duration(s.duration.Load()),
	}
	if snap.Completed > 0 {
		snap.AverageResponseTime = snap.TotalDuration / time.Duration(snap.Completed)
		snap.AverageResponseSize = snap.BytesOut / snap.Completed
		var failed int64
		for _, n := range errs {
			failed += n
		}
		snap.ErrorRate = float64(failed) / float64(snap.Completed)
	}
	return snap
}

// Throughput reports completed tasks per second since the previous call.
// The first call starts the window and reports zero.
func (s *Stats) Throughput() float64 {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	now := time.Now()
	completed := s.completed.Load()
	if s.lastPoll.IsZero() {
		s.lastPoll, s.lastCompleted = now, completed
		return 0
	}
	elapsed := now.Sub(s.lastPoll).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(completed-s.lastCompleted) / elapsed
	s.lastPoll, s.lastCompleted = now, completed
	if rate < 0.01 {
		return 0
	}
	return rate
}
