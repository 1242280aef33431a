package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPressureMonitorCheck(t *testing.T) {
	c := New(10, 0)
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("k%d", i)
		c.Put(key, freshEntry(key, "x"))
	}

	var heap atomic.Uint64
	heap.Store(100)
	m := NewPressureMonitor(c, PressureOptions{
		HighWatermark: 1000,
		TrimFraction:  0.5,
		Sample:        heap.Load,
	})

	require.Zero(t, m.Check())
	require.Equal(t, 8, c.Len())

	heap.Store(1500)
	require.Equal(t, 4, m.Check())
	require.Equal(t, []string{"k7", "k6", "k5", "k4"}, c.Keys())
}

func TestPressureMonitorRun(t *testing.T) {
	c := New(10, 0)
	c.Put("a", freshEntry("a", "x"))
	m := NewPressureMonitor(c, PressureOptions{
		Interval:      5 * time.Millisecond,
		HighWatermark: 1,
		Sample:        func() uint64 { return 2 },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestPressureMonitorDisabled(t *testing.T) {
	c := New(10, 0)
	c.Put("a", freshEntry("a", "x"))
	m := NewPressureMonitor(c, PressureOptions{Sample: func() uint64 { return 1 << 40 }})
	require.Zero(t, m.Check())
	m.Run(context.Background())
	require.Equal(t, 1, c.Len())
}

func TestWatermark(t *testing.T) {
	require.EqualValues(t, 500, Watermark(500, 1000))
	require.EqualValues(t, 900, Watermark(0, 1000))
}
