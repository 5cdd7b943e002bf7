package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// 计数器名称
const (
	CounterSessionsTotal     = "sessions_total"
	CounterChunksIn          = "chunks_in"
	CounterChunksOut         = "chunks_out"
	CounterChunksDropped     = "chunks_dropped"
	CounterFormatMismatch    = "format_mismatch"
	CounterProtocolErrors    = "protocol_errors"
	CounterHandshakeFailures = "handshake_failures"
	CounterReconnects        = "reconnects"
	CounterReconnectFailures = "reconnect_failures"
	CounterControlRejected   = "control_rejected"
)

// Snapshot 只读统计快照
type Snapshot struct {
	Hops     map[string]LatencyStats `json:"hops"`
	Counters map[string]uint64       `json:"counters"`
}

// Collector 进程级指标收集器，并发安全
type Collector struct {
	window int

	mu       sync.RWMutex
	hops     map[string]*Rolling
	counters map[string]*atomic.Uint64
}

// NewCollector 创建收集器，window 为每个跳点的百分位窗口
func NewCollector(window int) *Collector {
	return &Collector{
		window:   window,
		hops:     make(map[string]*Rolling),
		counters: make(map[string]*atomic.Uint64),
	}
}

// Record 记录一条延迟
func (c *Collector) Record(rec LatencyRecord) {
	if c == nil {
		return
	}
	c.hop(rec.Hop).Observe(rec.Duration())
}

// Inc 计数器加一
func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

// Add 计数器累加
func (c *Collector) Add(name string, delta uint64) {
	if c == nil {
		return
	}
	c.counter(name).Add(delta)
}

// Counter 读取计数器
func (c *Collector) Counter(name string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	v, ok := c.counters[name]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return v.Load()
}

// Latency 读取单个跳点的统计
func (c *Collector) Latency(hop string) LatencyStats {
	if c == nil {
		return LatencyStats{}
	}
	c.mu.RLock()
	r, ok := c.hops[hop]
	c.mu.RUnlock()
	if !ok {
		return LatencyStats{}
	}
	return r.Snapshot()
}

// Snapshot 返回全部跳点和计数器
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Hops:     make(map[string]LatencyStats),
		Counters: make(map[string]uint64),
	}
	if c == nil {
		return snap
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, r := range c.hops {
		snap.Hops[name] = r.Snapshot()
	}
	for name, v := range c.counters {
		snap.Counters[name] = v.Load()
	}
	return snap
}

// HopNames 已记录的跳点名称，按字典序
func (c *Collector) HopNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.hops))
	for name := range c.hops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Collector) hop(name string) *Rolling {
	c.mu.RLock()
	r, ok := c.hops[name]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok = c.hops[name]; ok {
		return r
	}
	r = NewRolling(c.window)
	c.hops[name] = r
	return r
}

func (c *Collector) counter(name string) *atomic.Uint64 {
	c.mu.RLock()
	v, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok = c.counters[name]; ok {
		return v
	}
	v = &atomic.Uint64{}
	c.counters[name] = v
	return v
}
