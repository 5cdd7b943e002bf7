package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceBridge/internal/backpressure"
	"VoiceBridge/internal/codec"
	"VoiceBridge/internal/upstream"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicebridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(WithConfigFile(writeConfig(t, "{}\n")))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.False(t, cfg.Server.AdminAPI)
	assert.Equal(t, upstream.DefaultURL, cfg.Backend.URL)
	assert.Equal(t, upstream.DefaultModel, cfg.Backend.Model)
	assert.Equal(t, "alloy", cfg.Backend.Voice)
	assert.Equal(t, 30*time.Second, cfg.Session.InactivityTimeout)
	assert.Equal(t, 10*time.Second, cfg.Session.HandshakeTimeout)
	assert.Equal(t, 2*time.Second, cfg.Session.DrainTimeout)
	assert.Equal(t, 5*time.Second, cfg.Upstream.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Upstream.PongTimeout)
	assert.Equal(t, 5, cfg.Upstream.ReconnectMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Upstream.ReconnectBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Upstream.ReconnectBackoffMax)
	assert.Equal(t, 32, cfg.Channel.Capacity)
	assert.Equal(t, "drop_oldest", cfg.Channel.AudioPolicy)
	assert.Equal(t, "reject_new", cfg.Channel.ControlPolicy)
	assert.Equal(t, 200*time.Millisecond, cfg.Channel.BlockTimeout)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, codec.DefaultPreference, cfg.Audio.Formats)
	assert.Empty(t, cfg.Database.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":7000"
backend:
  url: "ws://127.0.0.1:9999/v1/realtime"
  voice: "verse"
session:
  inactivity_timeout: 45s
channel:
  capacity: 64
  audio_policy: reject_new
database:
  dsn: "postgres://localhost/voicebridge"
`)
	cfg, err := Load(WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "ws://127.0.0.1:9999/v1/realtime", cfg.Backend.URL)
	assert.Equal(t, "verse", cfg.Backend.Voice)
	assert.Equal(t, 45*time.Second, cfg.Session.InactivityTimeout)
	assert.Equal(t, 64, cfg.Channel.Capacity)
	assert.Equal(t, "reject_new", cfg.Channel.AudioPolicy)
	assert.Equal(t, "postgres://localhost/voicebridge", cfg.Database.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("VOICEBRIDGE_CHANNEL_CAPACITY", "128")
	t.Setenv("VOICEBRIDGE_SESSION_DRAIN_TIMEOUT", "500ms")
	t.Setenv("VOICEBRIDGE_BACKEND_API_KEY", "primary-key")
	t.Setenv("OPENAI_API_KEY", "fallback-key")

	cfg, err := Load(WithConfigFile(writeConfig(t, "channel:\n  capacity: 16\n")))
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Channel.Capacity)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.DrainTimeout)
	assert.Equal(t, "primary-key", cfg.Backend.APIKey)
}

func TestEnvironmentFallbacks(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "fallback-key")
	t.Setenv("OPENAI_REALTIME_MODEL", "gpt-realtime")

	cfg, err := Load(WithConfigFile(writeConfig(t, "{}\n")))
	require.NoError(t, err)

	assert.Equal(t, "fallback-key", cfg.Backend.APIKey)
	assert.Equal(t, "gpt-realtime", cfg.Backend.Model)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero capacity", "channel:\n  capacity: 0\n"},
		{"unknown policy", "channel:\n  audio_policy: shuffle\n"},
		{"negative timeout", "session:\n  drain_timeout: -1s\n"},
		{"zero heartbeat", "upstream:\n  heartbeat_interval: 0s\n"},
		{"unknown format", "audio:\n  formats: [\"wav/opus\"]\n"},
		{"bad log level", "log:\n  level: chatty\n"},
		{"empty backend url", "backend:\n  url: \"\"\n"},
		{"zero block timeout", "channel:\n  audio_policy: block\n  block_timeout: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(WithConfigFile(writeConfig(t, tt.body)))
			assert.Error(t, err)
		})
	}
}

func TestConverters(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: "ws://backend/v1/realtime"
  api_key: "k"
  turn_detection: ""
session:
  handshake_timeout: 3s
upstream:
  reconnect_max_attempts: 2
channel:
  capacity: 8
  audio_policy: block
  block_timeout: 150ms
audio:
  sample_rate: 24000
  formats: ["raw/mulaw"]
database:
  dsn: "postgres://db/calls"
  max_conns: 4
`)
	cfg, err := Load(WithConfigFile(path))
	require.NoError(t, err)

	b := cfg.ToBridge()
	assert.Equal(t, 3*time.Second, b.HandshakeTimeout)
	assert.Equal(t, 8, b.ChannelCapacity)
	assert.Equal(t, backpressure.Block, b.AudioPolicy)
	assert.Equal(t, backpressure.RejectNew, b.ControlPolicy)
	assert.Equal(t, 150*time.Millisecond, b.BlockTimeout)
	assert.Equal(t, 24000, b.SampleRate)
	assert.Equal(t, []string{codec.FormatRawMuLaw}, b.FormatPreference)
	require.NoError(t, b.Validate())

	u := cfg.ToUpstream()
	assert.Equal(t, "ws://backend/v1/realtime", u.URL)
	assert.Equal(t, "k", u.APIKey)
	assert.Empty(t, u.TurnDetection)
	assert.Equal(t, 2, u.MaxReconnectAttempts)
	assert.Equal(t, 8, u.QueueCapacity)
	assert.Equal(t, backpressure.Block, u.AudioPolicy)
	assert.Equal(t, backpressure.RejectNew, u.ControlPolicy)
	assert.Equal(t, 150*time.Millisecond, u.EnqueueTimeout)
	require.NoError(t, u.Validate())

	db := cfg.ToDatabase()
	require.NotNil(t, db)
	assert.Equal(t, "postgres://db/calls", db.DSN)
	assert.Equal(t, int32(4), db.MaxConns)

	summary := cfg.Summary()
	assert.Equal(t, true, summary["api_key_set"])
	assert.NotContains(t, summary, "api_key")
}

func TestToDatabaseDisabled(t *testing.T) {
	cfg, err := Load(WithConfigFile(writeConfig(t, "{}\n")))
	require.NoError(t, err)
	assert.Nil(t, cfg.ToDatabase())
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "channel:\n  capacity: 16\n")
	m, err := NewManager(WithConfigFile(path))
	require.NoError(t, err)
	assert.Equal(t, path, m.ConfigFile())
	assert.Equal(t, 16, m.Get().Channel.Capacity)

	var got *Config
	m.OnChange(func(cfg *Config) { got = cfg })

	require.NoError(t, os.WriteFile(path, []byte("channel:\n  capacity: 48\n"), 0o644))
	require.NoError(t, m.Reload())
	assert.Equal(t, 48, m.Get().Channel.Capacity)
	require.NotNil(t, got)
	assert.Equal(t, 48, got.Channel.Capacity)

	// 无效配置不替换当前配置
	require.NoError(t, os.WriteFile(path, []byte("channel:\n  capacity: -1\n"), 0o644))
	assert.Error(t, m.Reload())
	assert.Equal(t, 48, m.Get().Channel.Capacity)

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats["reloads"])
	assert.Equal(t, path, stats["config_file"])
}

func TestManagerWatch(t *testing.T) {
	path := writeConfig(t, "channel:\n  capacity: 16\n")
	m, err := NewManager(WithConfigFile(path), WithWatch(true))
	require.NoError(t, err)

	changed := make(chan int, 16)
	m.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg.Channel.Capacity:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("channel:\n  capacity: 24\n"), 0o644))

	// 写入过程中可能先读到截断后的文件
	deadline := time.After(5 * time.Second)
	for {
		select {
		case capacity := <-changed:
			if capacity == 24 {
				assert.Equal(t, 24, m.Get().Channel.Capacity)
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
