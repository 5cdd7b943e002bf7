package bridge

import (
	"context"
	"errors"
	"time"

	"VoiceBridge/internal/backpressure"
	"VoiceBridge/internal/codec"
	"VoiceBridge/internal/metrics"
	"VoiceBridge/internal/protocol"
	"VoiceBridge/internal/session"
	"VoiceBridge/internal/store"
	"VoiceBridge/internal/upstream"
)

// Config 单通呼叫的桥接参数，呼叫建立时取快照
type Config struct {
	InactivityTimeout time.Duration
	HandshakeTimeout  time.Duration
	DrainTimeout      time.Duration

	ChannelCapacity int
	AudioPolicy     backpressure.Policy
	ControlPolicy   backpressure.Policy
	// BlockTimeout Block 策略下入队的最长等待，超时计为丢弃
	BlockTimeout time.Duration

	// SampleRate lpcm16 的采样率
	SampleRate       int
	FormatPreference []string

	InboxSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		DrainTimeout:      2 * time.Second,
		ChannelCapacity:   32,
		AudioPolicy:       backpressure.DropOldest,
		ControlPolicy:     backpressure.RejectNew,
		BlockTimeout:      200 * time.Millisecond,
		SampleRate:        16000,
		FormatPreference:  codec.DefaultPreference,
		InboxSize:         64,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.InactivityTimeout <= 0 || c.HandshakeTimeout <= 0 || c.DrainTimeout <= 0 {
		return errors.New("bridge timeouts must be positive")
	}
	if c.ChannelCapacity <= 0 {
		return errors.New("channel capacity must be positive")
	}
	if (c.AudioPolicy == backpressure.Block || c.ControlPolicy == backpressure.Block) && c.BlockTimeout <= 0 {
		return errors.New("block policy requires a positive block timeout")
	}
	if c.SampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	return nil
}

// Downstream 呼叫侧连接，实现方负责串行化写入
type Downstream interface {
	Send(msg *protocol.Outbound) error
	Close() error
}

// Upstream 推理后端连接，由 upstream.Manager 实现
type Upstream interface {
	Connect(ctx context.Context) error
	SendAudio(ctx context.Context, chunk codec.Chunk) error
	SendEvent(ctx context.Context, ev protocol.ClientEvent) error
	Flush(ctx context.Context) error
	Close() error

	SetEventHandler(handler upstream.EventHandler)
	SetFailureHandler(handler upstream.FailureHandler)
	SetAudioSentHandler(handler upstream.AudioSentHandler)
	SetDropHandler(handler upstream.DropHandler)
	SetStateChangeHandler(handler upstream.StateChangeHandler)

	State() upstream.State
	Reconnects() int
	GetStats() map[string]interface{}
}

// UpstreamFactory 按会话协商的格式创建上游连接
type UpstreamFactory func(cfg *upstream.Config) Upstream

// NewManager 默认工厂
func NewManager(cfg *upstream.Config) Upstream {
	return upstream.New(cfg)
}

// Deps 进程级共享依赖
type Deps struct {
	Registry    *session.Registry[*Bridge]
	Metrics     *metrics.Collector
	Records     store.Recorder
	Upstream    *upstream.Config
	NewUpstream UpstreamFactory
}

func (d *Deps) withDefaults() {
	if d.Registry == nil {
		d.Registry = session.NewRegistry[*Bridge](0)
	}
	if d.Records == nil {
		d.Records = store.Nop{}
	}
	if d.Upstream == nil {
		d.Upstream = upstream.DefaultConfig(upstream.DefaultURL, "")
	}
	if d.NewUpstream == nil {
		d.NewUpstream = NewManager
	}
}
