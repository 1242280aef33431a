// Package memory samples the Go heap for admission and cache trimming.
package memory

import (
	"math"
	"runtime/debug"
	"runtime/metrics"
)

const heapObjects = "/memory/classes/heap/objects:bytes"

// HeapInUse reports the bytes occupied by heap objects, live or not yet
// swept. It does not stop the world.
func HeapInUse() uint64 {
	sample := []metrics.Sample{{Name: heapObjects}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// Limit resolves the memory limit. A positive configured value wins,
// otherwise the runtime soft limit is used when one is set.
func Limit(configured int64) (uint64, bool) {
	if configured > 0 {
		return uint64(configured), true
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		return uint64(limit), true
	}
	return 0, false
}

// Probe estimates free memory against a limit.
type Probe struct {
	Limit  uint64
	Sample func() uint64
}

// NewProbe returns a probe for configured, or false when no limit applies.
func NewProbe(configured int64) (Probe, bool) {
	limit, ok := Limit(configured)
	if !ok {
		return Probe{}, false
	}
	return Probe{Limit: limit, Sample: HeapInUse}, true
}

// Free reports the bytes left below the limit.
func (p Probe) Free() uint64 {
	sample := p.Sample
	if sample == nil {
		sample = HeapInUse
	}
	used := sample()
	if used >= p.Limit {
		return 0
	}
	return p.Limit - used
}

// Allows reports whether need bytes fit below the limit with a 10% margin.
func (p Probe) Allows(need uint64) bool {
	return float64(p.Free()) >= float64(need)*1.1
}
