package benchmark

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyGeneratorDeterministic(t *testing.T) {
	a := NewKeyGenerator(1000, 16, DistUniform, 42)
	b := NewKeyGenerator(1000, 16, DistUniform, 42)
	for i := 0; i < 100; i++ {
		require.Equal(t, a.NextKey(), b.NextKey())
	}
}

func TestKeyGeneratorFormatsFixedWidth(t *testing.T) {
	kg := NewKeyGenerator(10, 16, DistSequential, 1)
	for i := 0; i < 20; i++ {
		require.Len(t, kg.NextKey(), 16)
	}
	require.Equal(t, []byte("user0000000007.."), kg.GenerateSequential(7))
}

func TestKeyGeneratorLatestStaysInRange(t *testing.T) {
	kg := NewKeyGenerator(1000, 16, DistLatest, 7)
	for i := 0; i < 1000; i++ {
		key := string(kg.NextKey())
		require.GreaterOrEqual(t, key, "user0000000000")
		require.Less(t, key, "user0000001000")
	}
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram()
	for i := 1; i <= 100; i++ {
		h.Record(time.Duration(i) * time.Millisecond)
	}
	stats := h.Stats()
	require.Equal(t, time.Millisecond, stats.Min)
	require.Equal(t, 100*time.Millisecond, stats.Max)
	require.Equal(t, 51*time.Millisecond, stats.P50)
	require.Equal(t, 96*time.Millisecond, stats.P95)
}

func TestLatencyHistogramEmpty(t *testing.T) {
	require.Zero(t, NewLatencyHistogram().Stats())
}
