package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// 延迟采样的跳点名称
const (
	HopUplinkConvert   = "uplink.convert"
	HopUplinkEgress    = "uplink.egress"
	HopDownlinkConvert = "downlink.convert"
	HopDownlinkEgress  = "downlink.egress"
)

// DefaultWindow 滚动统计保留的最近样本数
const DefaultWindow = 1024

// LatencyRecord 单个音频块在一个跳点上的入口和出口时间
type LatencyRecord struct {
	Hop     string
	Ingress time.Time
	Egress  time.Time
}

// Duration 出口减入口
func (r LatencyRecord) Duration() time.Duration {
	return r.Egress.Sub(r.Ingress)
}

// LatencyStats 延迟统计快照
// Count 为累计样本数，其余字段只覆盖最近 Samples 个样本
type LatencyStats struct {
	Count   uint64        `json:"count"`
	Samples int           `json:"samples"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Mean    time.Duration `json:"mean"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

// Rolling 单个跳点的滚动延迟统计，保留最近 window 个样本
type Rolling struct {
	count atomic.Uint64

	mu     sync.Mutex
	window []time.Duration
	next   int
	filled bool
}

// NewRolling 创建滚动统计
func NewRolling(window int) *Rolling {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Rolling{window: make([]time.Duration, window)}
}

// Observe 记录一个延迟样本，负值按 0 处理
func (r *Rolling) Observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.count.Add(1)

	r.mu.Lock()
	r.window[r.next] = d
	r.next++
	if r.next == len(r.window) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()
}

// Snapshot 计算当前窗口的统计
func (r *Rolling) Snapshot() LatencyStats {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = len(r.window)
	}
	samples := make([]time.Duration, n)
	copy(samples, r.window[:n])
	r.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	return LatencyStats{
		Count:   r.count.Load(),
		Samples: n,
		Min:     samples[0],
		Max:     samples[n-1],
		Mean:    sum / time.Duration(n),
		P50:     percentile(samples, 50),
		P95:     percentile(samples, 95),
		P99:     percentile(samples, 99),
	}
}

// percentile 最近秩法，samples 必须已排序
func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := (p*len(samples)+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}
