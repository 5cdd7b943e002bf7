package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"VoiceBridge/internal/backpressure"
	"VoiceBridge/internal/bridge"
	"VoiceBridge/internal/codec"
	"VoiceBridge/internal/database"
	"VoiceBridge/internal/logger"
	"VoiceBridge/internal/session"
	"VoiceBridge/internal/upstream"
)

// EnvPrefix 环境变量前缀，键中的 "." 替换为 "_"
const EnvPrefix = "VOICEBRIDGE"

const defaultInstructions = "You are a helpful voice assistant. Keep answers short and speak naturally."

// Config 网关配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Session  SessionConfig  `mapstructure:"session"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	AdminAPI        bool          `mapstructure:"admin_api"`
}

type BackendConfig struct {
	URL                string `mapstructure:"url"`
	APIKey             string `mapstructure:"api_key"`
	Model              string `mapstructure:"model"`
	Instructions       string `mapstructure:"instructions"`
	Voice              string `mapstructure:"voice"`
	TurnDetection      string `mapstructure:"turn_detection"`
	TranscriptionModel string `mapstructure:"transcription_model"`
}

type SessionConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	Retention         time.Duration `mapstructure:"retention"`
}

type UpstreamConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	PongTimeout          time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	ReconnectBackoffBase time.Duration `mapstructure:"reconnect_backoff_base"`
	ReconnectBackoffMax  time.Duration `mapstructure:"reconnect_backoff_max"`
}

type ChannelConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	AudioPolicy   string        `mapstructure:"audio_policy"`
	ControlPolicy string        `mapstructure:"control_policy"`
	BlockTimeout  time.Duration `mapstructure:"block_timeout"`
}

type AudioConfig struct {
	SampleRate int      `mapstructure:"sample_rate"`
	Formats    []string `mapstructure:"formats"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Option 加载选项
type Option func(*options)

type options struct {
	file  string
	watch bool
}

// WithConfigFile 指定配置文件，不指定时在默认路径中查找 voicebridge.yaml
func WithConfigFile(path string) Option {
	return func(o *options) {
		o.file = path
	}
}

// WithWatch 配置文件变化时自动重新加载，只对 Manager 生效
func WithWatch(enabled bool) Option {
	return func(o *options) {
		o.watch = enabled
	}
}

// Load 读取配置：默认值 < 配置文件 < 环境变量
func Load(opts ...Option) (*Config, error) {
	o := applyOptions(opts)
	v, err := newViper(o)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// newViper 创建 viper 实例并读取配置文件
func newViper(o options) (*viper.Viper, error) {
	v := viper.New()

	if o.file != "" {
		v.SetConfigFile(o.file)
	} else {
		v.SetConfigName("voicebridge")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("backend.api_key", EnvPrefix+"_BACKEND_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("backend.model", EnvPrefix+"_BACKEND_MODEL", "OPENAI_REALTIME_MODEL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_buffer_size", 4096)
	v.SetDefault("server.write_buffer_size", 4096)
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.max_message_size", 1024*1024)
	v.SetDefault("server.admin_api", false)

	v.SetDefault("backend.url", upstream.DefaultURL)
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.model", upstream.DefaultModel)
	v.SetDefault("backend.instructions", defaultInstructions)
	v.SetDefault("backend.voice", upstream.DefaultVoice)
	v.SetDefault("backend.turn_detection", "server_vad")
	v.SetDefault("backend.transcription_model", "whisper-1")

	v.SetDefault("session.inactivity_timeout", "30s")
	v.SetDefault("session.handshake_timeout", "10s")
	v.SetDefault("session.drain_timeout", "2s")
	v.SetDefault("session.retention", session.DefaultRetention.String())

	v.SetDefault("upstream.heartbeat_interval", "5s")
	v.SetDefault("upstream.pong_timeout", "5s")
	v.SetDefault("upstream.write_timeout", "5s")
	v.SetDefault("upstream.reconnect_max_attempts", 5)
	v.SetDefault("upstream.reconnect_backoff_base", "2s")
	v.SetDefault("upstream.reconnect_backoff_max", "30s")

	v.SetDefault("channel.capacity", 32)
	v.SetDefault("channel.audio_policy", backpressure.DropOldest.String())
	v.SetDefault("channel.control_policy", backpressure.RejectNew.String())
	v.SetDefault("channel.block_timeout", "200ms")

	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.formats", codec.DefaultPreference)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("log.level", "info")
}

// Validate 校验配置有效性
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"session.inactivity_timeout":      c.Session.InactivityTimeout,
		"session.handshake_timeout":       c.Session.HandshakeTimeout,
		"session.drain_timeout":           c.Session.DrainTimeout,
		"upstream.heartbeat_interval":     c.Upstream.HeartbeatInterval,
		"upstream.pong_timeout":           c.Upstream.PongTimeout,
		"upstream.write_timeout":          c.Upstream.WriteTimeout,
		"upstream.reconnect_backoff_base": c.Upstream.ReconnectBackoffBase,
		"upstream.reconnect_backoff_max":  c.Upstream.ReconnectBackoffMax,
		"channel.block_timeout":           c.Channel.BlockTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %v", key, d)
		}
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if c.Channel.Capacity <= 0 {
		return fmt.Errorf("invalid channel.capacity: %d", c.Channel.Capacity)
	}
	if c.Upstream.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("invalid upstream.reconnect_max_attempts: %d", c.Upstream.ReconnectMaxAttempts)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("invalid audio.sample_rate: %d", c.Audio.SampleRate)
	}
	for _, name := range c.Audio.Formats {
		if _, err := codec.ParseFormatName(name, c.Audio.SampleRate); err != nil {
			return fmt.Errorf("invalid audio.formats: %w", err)
		}
	}
	if _, err := backpressure.ParsePolicy(c.Channel.AudioPolicy); err != nil {
		return fmt.Errorf("invalid channel.audio_policy: %w", err)
	}
	if _, err := backpressure.ParsePolicy(c.Channel.ControlPolicy); err != nil {
		return fmt.Errorf("invalid channel.control_policy: %w", err)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	return nil
}

// ToBridge 单通呼叫的桥接参数
func (c *Config) ToBridge() bridge.Config {
	cfg := bridge.DefaultConfig()
	cfg.InactivityTimeout = c.Session.InactivityTimeout
	cfg.HandshakeTimeout = c.Session.HandshakeTimeout
	cfg.DrainTimeout = c.Session.DrainTimeout
	cfg.ChannelCapacity = c.Channel.Capacity
	cfg.AudioPolicy, _ = backpressure.ParsePolicy(c.Channel.AudioPolicy)
	cfg.ControlPolicy, _ = backpressure.ParsePolicy(c.Channel.ControlPolicy)
	cfg.BlockTimeout = c.Channel.BlockTimeout
	cfg.SampleRate = c.Audio.SampleRate
	if len(c.Audio.Formats) > 0 {
		cfg.FormatPreference = c.Audio.Formats
	}
	return cfg
}

// ToUpstream 推理后端连接参数，媒体格式在呼叫建立时填入
func (c *Config) ToUpstream() *upstream.Config {
	cfg := upstream.DefaultConfig(c.Backend.URL, c.Backend.APIKey)
	cfg.Model = c.Backend.Model
	cfg.Instructions = c.Backend.Instructions
	cfg.Voice = c.Backend.Voice
	cfg.TurnDetection = c.Backend.TurnDetection
	cfg.TranscriptionModel = c.Backend.TranscriptionModel
	cfg.HandshakeTimeout = c.Session.HandshakeTimeout
	cfg.HeartbeatInterval = c.Upstream.HeartbeatInterval
	cfg.PongTimeout = c.Upstream.PongTimeout
	cfg.WriteTimeout = c.Upstream.WriteTimeout
	cfg.ReconnectBase = c.Upstream.ReconnectBackoffBase
	cfg.ReconnectMax = c.Upstream.ReconnectBackoffMax
	cfg.MaxReconnectAttempts = c.Upstream.ReconnectMaxAttempts
	cfg.QueueCapacity = c.Channel.Capacity
	cfg.AudioPolicy, _ = backpressure.ParsePolicy(c.Channel.AudioPolicy)
	cfg.ControlPolicy, _ = backpressure.ParsePolicy(c.Channel.ControlPolicy)
	cfg.EnqueueTimeout = c.Channel.BlockTimeout
	return cfg
}

// ToDatabase 连接池参数，DSN 为空时返回 nil
func (c *Config) ToDatabase() *database.Config {
	if c.Database.DSN == "" {
		return nil
	}
	cfg := database.DefaultConfig(c.Database.DSN)
	if c.Database.MaxConns > 0 {
		cfg.MaxConns = c.Database.MaxConns
	}
	return cfg
}

// Summary 配置摘要，不包含密钥
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"server_addr":        c.Server.Addr,
		"grpc_addr":          c.Server.GRPCAddr,
		"admin_api":          c.Server.AdminAPI,
		"backend_url":        c.Backend.URL,
		"backend_model":      c.Backend.Model,
		"api_key_set":        c.Backend.APIKey != "",
		"channel_capacity":   c.Channel.Capacity,
		"audio_policy":       c.Channel.AudioPolicy,
		"control_policy":     c.Channel.ControlPolicy,
		"inactivity_timeout": c.Session.InactivityTimeout.String(),
		"call_records":       c.Database.DSN != "",
		"log_level":          c.Log.Level,
	}
}
