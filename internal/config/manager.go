package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"VoiceBridge/internal/logger"
)

var log = logger.New("config")

// ChangeHandler 配置重新加载后的回调
type ChangeHandler func(cfg *Config)

// Manager 持有当前配置并在文件变化时重新加载
// 已建立的呼叫使用建立时的快照，新配置只影响之后的呼叫
type Manager struct {
	v       *viper.Viper
	current atomic.Pointer[Config]

	mu       sync.Mutex
	handlers []ChangeHandler
	reloads  atomic.Uint64
}

// NewManager 加载配置，WithWatch(true) 时监控配置文件
func NewManager(opts ...Option) (*Manager, error) {
	o := applyOptions(opts)
	v, err := newViper(o)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	m := &Manager{v: v}
	m.current.Store(cfg)

	if o.watch {
		if file := v.ConfigFileUsed(); file != "" {
			v.OnConfigChange(func(e fsnotify.Event) {
				log.Infof("config file changed: %s (%s)", e.Name, e.Op)
				if err := m.Reload(); err != nil {
					log.Errorf("reload failed, keeping previous config: %v", err)
				}
			})
			v.WatchConfig()
			log.Infof("watching %s", file)
		}
	}
	return m, nil
}

// Get 当前配置
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// OnChange 注册重新加载回调
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Reload 重新读取配置文件，校验失败时保留旧配置
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.v.ConfigFileUsed() != "" {
		if err := m.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	cfg, err := decode(m.v)
	if err != nil {
		return err
	}

	m.current.Store(cfg)
	m.reloads.Add(1)
	for _, h := range m.handlers {
		h(cfg)
	}
	return nil
}

// ConfigFile 使用的配置文件，未找到时为空
func (m *Manager) ConfigFile() string {
	return m.v.ConfigFileUsed()
}

// GetStats 获取配置统计信息
func (m *Manager) GetStats() map[string]interface{} {
	stats := m.Get().Summary()
	stats["config_file"] = m.ConfigFile()
	stats["reloads"] = m.reloads.Load()
	return stats
}
