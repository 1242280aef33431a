package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the response cache method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup CacheOperation = "lookup"
	CacheOperationStore  CacheOperation = "store"
	CacheOperationRemove CacheOperation = "remove"
	CacheOperationTrim   CacheOperation = "trim"
)

// CacheOutcome captures the result of a cache operation.
type CacheOutcome string

const (
	CacheHit     CacheOutcome = "hit"
	CacheMiss    CacheOutcome = "miss"
	CacheExpired CacheOutcome = "expired"
	CacheStored  CacheOutcome = "stored"
	CacheSkipped CacheOutcome = "skipped"
	CacheRemoved CacheOutcome = "removed"
)

// RejectReason labels why admission turned a task away.
type RejectReason string

const (
	RejectDraining  RejectReason = "draining"
	RejectMethod    RejectReason = "method"
	RejectMemory    RejectReason = "memory"
	RejectQueueFull RejectReason = "queue_full"
)

// Recorder publishes Prometheus metrics for dispatcher and cache activity.
type Recorder struct {
	registry *prometheus.Registry
	handler  http.Handler

	tasks       *prometheus.CounterVec
	taskLatency *prometheus.HistogramVec
	rejections  *prometheus.CounterVec
	timeouts    *prometheus.CounterVec
	bytes       *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	tasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pictura",
		Subsystem: "tasks",
		Name:      "completed_total",
		Help:      "Tasks executed by the dispatcher, by class and response status.",
	}, []string{"class", "status_code"})

	taskLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pictura",
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Latency distribution for executed tasks.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"class"})

	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pictura",
		Subsystem: "dispatch",
		Name:      "rejections_total",
		Help:      "Tasks refused at admission.",
	}, []string{"reason"})

	timeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pictura",
		Subsystem: "dispatch",
		Name:      "timeouts_total",
		Help:      "Tasks abandoned after exceeding the dispatch timeout.",
	}, []string{"class"})

	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pictura",
		Subsystem: "tasks",
		Name:      "bytes_total",
		Help:      "Bytes read from sources and written to clients.",
	}, []string{"direction"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pictura",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations.",
	}, []string{"operation", "result"})

	reg.MustRegister(tasks, taskLatency, rejections, timeouts, bytes, cacheOperations)

	return &Recorder{
		registry:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		tasks:           tasks,
		taskLatency:     taskLatency,
		rejections:      rejections,
		timeouts:        timeouts,
		bytes:           bytes,
		cacheOperations: cacheOperations,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// ObserveTask records a task that ran to completion.
func (r *Recorder) ObserveTask(class string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	classLabel := normalizeLabel(class)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.tasks.WithLabelValues(classLabel, statusLabel).Inc()
	r.taskLatency.WithLabelValues(classLabel).Observe(duration.Seconds())
}

// ObserveRejection records an admission refusal.
func (r *Recorder) ObserveRejection(reason RejectReason) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(normalizeLabel(string(reason))).Inc()
}

// ObserveTimeout records a task abandoned by its waiter.
func (r *Recorder) ObserveTimeout(class string) {
	if r == nil {
		return
	}
	r.timeouts.WithLabelValues(normalizeLabel(class)).Inc()
}

// ObserveBytes adds transferred bytes in the given direction ("in" or "out").
func (r *Recorder) ObserveBytes(direction string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.bytes.WithLabelValues(normalizeLabel(direction)).Add(float64(n))
}

// ObserveCache records a response cache operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheOutcome) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	r.cacheOperations.WithLabelValues(opLabel, normalizeLabel(string(result))).Inc()
}

// RegisterGauge exposes a value sampled at scrape time, such as queue depth or
// cache size.
func (r *Recorder) RegisterGauge(subsystem, name, help string, labels prometheus.Labels, fn func() float64) error {
	if r == nil || fn == nil {
		return nil
	}
	return r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "pictura",
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
