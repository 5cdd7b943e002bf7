package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"VoiceBridge/internal/backpressure"
	"VoiceBridge/internal/codec"
	"VoiceBridge/internal/protocol"
)

// 推理后端默认值
const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVoice = "alloy"
)

// Config 上游连接配置
type Config struct {
	URL          string
	APIKey       string
	Model        string
	Instructions string
	Voice        string

	// TurnDetection 为空时由网关在流结束时显式提交并请求回复
	TurnDetection      string
	TranscriptionModel string

	// Format 会话协商的媒体格式，重连时保持不变
	Format codec.MediaFormat

	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	WriteTimeout         time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	QueueCapacity int
	AudioPolicy   backpressure.Policy
	ControlPolicy backpressure.Policy
	// EnqueueTimeout Block 策略下入队的最长等待，超时按背压处理
	EnqueueTimeout time.Duration

	ReadLimit         int64
	EnableCompression bool
	UserAgent         string
}

// DefaultConfig 返回默认配置
func DefaultConfig(rawURL, apiKey string) *Config {
	return &Config{
		URL:                  rawURL,
		APIKey:               apiKey,
		Model:                DefaultModel,
		Voice:                DefaultVoice,
		TurnDetection:        "server_vad",
		TranscriptionModel:   "whisper-1",
		Format:               codec.MediaFormat{SampleRate: 16000, BitDepth: 16, Channels: 1, Encoding: codec.EncodingPCM16},
		HandshakeTimeout:     10 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		PongTimeout:          5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectBase:        2 * time.Second,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 5,
		QueueCapacity:        32,
		AudioPolicy:          backpressure.DropOldest,
		ControlPolicy:        backpressure.RejectNew,
		EnqueueTimeout:       200 * time.Millisecond,
		ReadLimit:            4 * 1024 * 1024,
		UserAgent:            "VoiceBridge/1.0",
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("upstream url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}
	if c.HeartbeatInterval <= 0 || c.PongTimeout <= 0 {
		return errors.New("heartbeat interval and pong timeout must be positive")
	}
	if c.QueueCapacity <= 0 {
		return errors.New("queue capacity must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.New("max reconnect attempts must not be negative")
	}
	if (c.AudioPolicy == backpressure.Block || c.ControlPolicy == backpressure.Block) && c.EnqueueTimeout <= 0 {
		return errors.New("block policy requires a positive enqueue timeout")
	}
	return c.Format.Validate()
}

// Endpoint 拼接模型参数后的连接地址
func (c *Config) Endpoint() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", err
	}
	if c.Model != "" {
		q := u.Query()
		q.Set("model", c.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// SessionConfig 握手时发送的会话配置
func (c *Config) SessionConfig() protocol.SessionConfig {
	format := string(c.Format.Encoding)
	cfg := protocol.SessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      c.Instructions,
		Voice:             c.Voice,
		InputAudioFormat:  format,
		OutputAudioFormat: format,
	}
	if c.TranscriptionModel != "" {
		cfg.InputAudioTranscription = &protocol.TranscriptionConfig{Model: c.TranscriptionModel}
	}
	if c.TurnDetection != "" {
		cfg.TurnDetection = &protocol.TurnDetection{Type: c.TurnDetection}
	}
	return cfg
}
