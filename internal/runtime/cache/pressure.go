package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/pictura/internal/metrics"
	"github.com/l0p7/pictura/internal/runtime/memory"
)

// PressureOptions configure a PressureMonitor.
type PressureOptions struct {
	Interval      time.Duration
	HighWatermark uint64
	TrimFraction  float64
	// Sample reports heap bytes in use; memory.HeapInUse when nil.
	Sample   func() uint64
	Logger   *slog.Logger
	Recorder *metrics.Recorder
}

// PressureMonitor trims the cache while the heap stays above a watermark.
// Reclaimed entries simply read as misses afterwards.
type PressureMonitor struct {
	cache *ResponseCache
	opts  PressureOptions
}

func NewPressureMonitor(c *ResponseCache, opts PressureOptions) *PressureMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.TrimFraction <= 0 || opts.TrimFraction > 1 {
		opts.TrimFraction = 0.25
	}
	if opts.Sample == nil {
		opts.Sample = memory.HeapInUse
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PressureMonitor{cache: c, opts: opts}
}

// Check samples the heap once and trims when above the watermark. It
// returns the number of reclaimed entries.
func (m *PressureMonitor) Check() int {
	if m.opts.HighWatermark == 0 {
		return 0
	}
	used := m.opts.Sample()
	if used < m.opts.HighWatermark {
		return 0
	}
	n := m.cache.Trim(m.opts.TrimFraction)
	if n > 0 {
		m.opts.Recorder.ObserveCache(metrics.CacheOperationTrim, metrics.CacheRemoved)
		m.opts.Logger.Warn("memory pressure trim",
			slog.Uint64("heap_bytes", used),
			slog.Uint64("watermark_bytes", m.opts.HighWatermark),
			slog.Int("reclaimed", n),
			slog.Int("remaining", m.cache.Len()),
		)
	}
	return n
}

// Run checks on every interval until ctx is done.
func (m *PressureMonitor) Run(ctx context.Context) {
	if m.opts.HighWatermark == 0 {
		m.opts.Logger.Info("memory pressure monitor disabled: no watermark")
		return
	}
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Watermark resolves the trim threshold: the configured value, else 90% of
// the memory limit, else zero (disabled).
func Watermark(configured uint64, memoryLimit int64) uint64 {
	if configured > 0 {
		return configured
	}
	if limit, ok := memory.Limit(memoryLimit); ok {
		return limit / 10 * 9
	}
	return 0
}
