package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"
)

// Level 日志级别
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 解析配置中的级别名称
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

var minLevel atomic.Int32

func init() {
	minLevel.Store(int32(LevelInfo))
}

// InitLogger 初始化日志器
func InitLogger(level string) error {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	SetLevel(lvl)
	log.Printf("Logger initialized, level=%s", lvl)
	return nil
}

// SetLevel 设置最低输出级别，可在运行中调整
func SetLevel(l Level) {
	minLevel.Store(int32(l))
}

// Enabled 指定级别是否输出
func Enabled(l Level) bool {
	return l >= Level(minLevel.Load())
}

// Logger 绑定模块名和会话 id 的日志器
type Logger struct {
	module    string
	sessionID string
}

// New 创建模块日志器
func New(module string) *Logger {
	return &Logger{module: module}
}

// With 返回绑定会话 id 的副本
func (l *Logger) With(sessionID string) *Logger {
	return &Logger{module: l.module, sessionID: sessionID}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.output(LevelDebug, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.output(LevelInfo, format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.output(LevelWarn, format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.output(LevelError, format, args...)
}

func (l *Logger) output(level Level, format string, args ...interface{}) {
	if !Enabled(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if l.sessionID != "" {
		log.Output(3, fmt.Sprintf("[%s] [%s] %s: %s", level, l.sessionID, l.module, msg))
	} else {
		log.Output(3, fmt.Sprintf("[%s] %s: %s", level, l.module, msg))
	}

	if b := global.Load(); b != nil {
		b.Publish(LogMessage{
			Level:     level.String(),
			Message:   msg,
			Module:    l.module,
			SessionID: l.sessionID,
			Timestamp: time.Now(),
		})
	}
}
