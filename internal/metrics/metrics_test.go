package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollingSnapshot(t *testing.T) {
	r := NewRolling(100)
	for i := 1; i <= 100; i++ {
		r.Observe(time.Duration(i) * time.Millisecond)
	}

	s := r.Snapshot()
	assert.Equal(t, uint64(100), s.Count)
	assert.Equal(t, 100, s.Samples)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Mean)
	assert.Equal(t, 50*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
}

func TestRollingEmpty(t *testing.T) {
	assert.Equal(t, LatencyStats{}, NewRolling(8).Snapshot())
}

// TestRollingWindow 旧样本移出窗口后不再影响统计
func TestRollingWindow(t *testing.T) {
	r := NewRolling(4)
	for i := 0; i < 10; i++ {
		r.Observe(time.Second)
	}
	for i := 1; i <= 4; i++ {
		r.Observe(time.Duration(i) * time.Millisecond)
	}

	s := r.Snapshot()
	assert.Equal(t, uint64(14), s.Count)
	assert.Equal(t, 4, s.Samples)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 4*time.Millisecond, s.Max)
	assert.Equal(t, 2500*time.Microsecond, s.Mean)
	assert.Equal(t, 2*time.Millisecond, s.P50)
}

func TestRollingClampsNegative(t *testing.T) {
	r := NewRolling(4)
	r.Observe(-time.Second)
	assert.Equal(t, time.Duration(0), r.Snapshot().Min)
}

func TestCollectorRecordAndCounters(t *testing.T) {
	c := NewCollector(16)
	now := time.Now()

	c.Record(LatencyRecord{Hop: HopUplinkEgress, Ingress: now, Egress: now.Add(3 * time.Millisecond)})
	c.Record(LatencyRecord{Hop: HopUplinkEgress, Ingress: now, Egress: now.Add(5 * time.Millisecond)})
	c.Inc(CounterChunksDropped)
	c.Add(CounterChunksDropped, 7)

	assert.Equal(t, uint64(8), c.Counter(CounterChunksDropped))
	assert.Equal(t, uint64(0), c.Counter("missing"))

	stats := c.Latency(HopUplinkEgress)
	assert.Equal(t, uint64(2), stats.Count)
	assert.Equal(t, 4*time.Millisecond, stats.Mean)

	snap := c.Snapshot()
	require.Contains(t, snap.Hops, HopUplinkEgress)
	assert.Equal(t, uint64(8), snap.Counters[CounterChunksDropped])
	assert.Equal(t, []string{HopUplinkEgress}, c.HopNames())
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Inc(CounterChunksIn)
	c.Record(LatencyRecord{Hop: HopUplinkEgress})
	assert.Equal(t, uint64(0), c.Counter(CounterChunksIn))
	assert.Empty(t, c.Snapshot().Hops)
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector(64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				now := time.Now()
				c.Record(LatencyRecord{Hop: HopDownlinkEgress, Ingress: now, Egress: now.Add(time.Duration(w+1) * time.Microsecond)})
				c.Inc(CounterChunksOut)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, uint64(4000), c.Counter(CounterChunksOut))
	s := c.Latency(HopDownlinkEgress)
	assert.Equal(t, uint64(4000), s.Count)
	assert.Equal(t, 64, s.Samples)
	assert.GreaterOrEqual(t, s.Min, time.Microsecond)
	assert.LessOrEqual(t, s.Max, 8*time.Microsecond)
}

func BenchmarkRollingObserve(b *testing.B) {
	r := NewRolling(DefaultWindow)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r.Observe(time.Duration(i%1000) * time.Microsecond)
	}
}
