package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/pictura/internal/runtime/cache"
	"github.com/l0p7/pictura/internal/runtime/dispatch"
	"github.com/l0p7/pictura/internal/runtime/task"
)

// StatsSource is the dispatcher as seen by the stats endpoint.
type StatsSource interface {
	Stats() dispatch.Snapshot
	Throughput() float64
}

// StatsOptions configure stats tasks.
type StatsOptions struct {
	Source StatsSource
	Cache  *cache.ResponseCache
}

type statsTask struct {
	*task.Base
	opts *StatsOptions
}

// NewStatsTask answers the stats queries q=status, q=errors and q=cache.
func NewStatsTask(core *task.Core, opts *StatsOptions) task.Task {
	return &statsTask{Base: task.NewBase(core), opts: opts}
}

type statusReport struct {
	Started    time.Time        `json:"started"`
	Uptime     int64            `json:"uptime"`
	Alive      bool             `json:"alive"`
	Async      bool             `json:"async"`
	Executor   executorReport   `json:"executor"`
	Cache      *cacheReport     `json:"cache,omitempty"`
	Network    networkReport    `json:"network"`
	Throughput throughputReport `json:"throughput"`
	ErrorRate  float64          `json:"errorRate"`
}

type executorReport struct {
	Pools     []dispatch.PoolSnapshot `json:"pools"`
	Completed int64                   `json:"completedTaskCount"`
	Rejected  int64                   `json:"rejectedTaskCount"`
	Timeouts  int64                   `json:"timeoutCount"`
}

type cacheReport struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Bytes    int64   `json:"bytes"`
	HitRate  float64 `json:"hitRate"`
}

type networkReport struct {
	Outbound int64 `json:"outbound"`
	Inbound  int64 `json:"inbound"`
}

type throughputReport struct {
	RequestsPerSecond   float64 `json:"requestsPerSecond"`
	AverageResponseTime int64   `json:"averageResponseTime"`
	AverageResponseSize int64   `json:"averageResponseSize"`
}

type entryReport struct {
	Key             string            `json:"key"`
	ETag            string            `json:"eTag,omitempty"`
	Hits            int64             `json:"hits"`
	Timestamp       time.Time         `json:"timestamp"`
	Expires         time.Time         `json:"expires"`
	StatusCode      int               `json:"statusCode"`
	ContentType     string            `json:"contentType,omitempty"`
	ContentEncoding string            `json:"contentEncoding,omitempty"`
	ContentLength   int               `json:"contentLength"`
	Properties      map[string]string `json:"properties,omitempty"`
}

func (t *statsTask) Process(ctx context.Context) error {
	c := t.Core()
	query := c.Request().URL.Query()

	var payload any
	switch q := strings.ToLower(query.Get("q")); q {
	case "", "status":
		payload = t.status()
	case "errors":
		payload = t.errors()
	case "cache":
		if t.opts.Cache == nil {
			return task.NewStatusError(http.StatusNotFound, "cache disabled", nil)
		}
		filter := query.Get("f")
		if strings.EqualFold(query.Get("a"), "delete") {
			if filter == "" {
				return task.InvalidArgument("missing cache filter")
			}
			removed := t.opts.Cache.RemovePrefix(filter)
			c.Logger().Info("cache entries removed", slog.String("filter", filter), slog.Int("removed", removed))
			payload = map[string]int{"removed": removed}
			break
		}
		payload = t.entries(filter, c.Debug())
	default:
		return task.InvalidArgument("unknown stats query %q", q)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("processor: encode stats: %w", err)
	}
	c.Sink().Header().Set("Content-Type", "application/json; charset=utf-8")
	_, err = task.Write(t, body)
	return err
}

func (t *statsTask) status() statusReport {
	snap := t.opts.Source.Stats()
	report := statusReport{
		Started: snap.Started,
		Uptime:  snap.Uptime.Milliseconds(),
		Alive:   snap.Alive,
		Async:   snap.Async,
		Executor: executorReport{
			Pools:     snap.Pools,
			Completed: snap.Completed,
			Rejected:  snap.Rejected,
			Timeouts:  snap.Timeouts,
		},
		Network: networkReport{Outbound: snap.BytesOut, Inbound: snap.BytesIn},
		Throughput: throughputReport{
			RequestsPerSecond:   t.opts.Source.Throughput(),
			AverageResponseTime: snap.AverageResponseTime.Milliseconds(),
			AverageResponseSize: snap.AverageResponseSize,
		},
		ErrorRate: snap.ErrorRate,
	}
	if rc := t.opts.Cache; rc != nil {
		report.Cache = &cacheReport{
			Size:     rc.Len(),
			Capacity: rc.Capacity(),
			Bytes:    rc.Bytes(),
			HitRate:  rc.HitRate(),
		}
	}
	return report
}

func (t *statsTask) errors() map[string]int64 {
	snap := t.opts.Source.Stats()
	out := make(map[string]int64, len(snap.Errors))
	for status, n := range snap.Errors {
		out[fmt.Sprintf("http%d", status)] = n
	}
	return out
}

// entries lists cached responses most recently used first. Producer details
// are only shown to debug requests.
func (t *statsTask) entries(prefix string, debug bool) []entryReport {
	out := []entryReport{}
	for _, e := range t.opts.Cache.Entries() {
		if !strings.HasPrefix(e.Key(), prefix) {
			continue
		}
		report := entryReport{
			Key:             e.Key(),
			ETag:            e.HeaderGet("ETag"),
			Hits:            e.Hits(),
			Timestamp:       e.Created(),
			Expires:         e.Expires(),
			StatusCode:      e.Status(),
			ContentType:     e.HeaderGet("Content-Type"),
			ContentEncoding: e.HeaderGet("Content-Encoding"),
			ContentLength:   e.Size(),
		}
		if debug {
			report.Properties = e.Properties()
		}
		out = append(out, report)
	}
	return out
}
