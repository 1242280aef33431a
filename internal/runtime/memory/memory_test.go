package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var retained []byte

func TestHeapInUse(t *testing.T) {
	retained = make([]byte, 1<<20)
	require.GreaterOrEqual(t, HeapInUse(), uint64(len(retained)))
}

func TestLimitPrefersConfigured(t *testing.T) {
	limit, ok := Limit(64 << 20)
	require.True(t, ok)
	require.EqualValues(t, 64<<20, limit)
}

func TestProbe(t *testing.T) {
	probe := Probe{Limit: 1000, Sample: func() uint64 { return 400 }}
	require.EqualValues(t, 600, probe.Free())
	require.True(t, probe.Allows(500))
	require.False(t, probe.Allows(560))

	full := Probe{Limit: 1000, Sample: func() uint64 { return 2000 }}
	require.Zero(t, full.Free())
	require.True(t, full.Allows(0))

	probe, ok := NewProbe(1 << 30)
	require.True(t, ok)
	require.EqualValues(t, 1<<30, probe.Limit)
}
