package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"VoiceBridge/internal/codec"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyInitiated  = errors.New("session already initiated")
	ErrEmptyID           = errors.New("session id must not be empty")
)

// TransitionHandler 状态迁移回调
type TransitionHandler func(id string, from, to State)

// Session 一通呼叫的会话。id 和媒体格式在发起时确定，之后不可变
type Session struct {
	mu         sync.Mutex // 串行化状态迁移
	id         string
	formatName string
	format     codec.MediaFormat

	state        atomic.Int32
	createdAt    time.Time
	lastActivity atomic.Int64 // unix nano

	onTransition TransitionHandler
}

// New 创建处于 Idle 状态的会话
func New() *Session {
	now := time.Now()
	s := &Session{createdAt: now}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// SetTransitionHandler 设置状态迁移回调
func (s *Session) SetTransitionHandler(h TransitionHandler) {
	s.mu.Lock()
	s.onTransition = h
	s.mu.Unlock()
}

// Initiate Idle -> Initiating，同时绑定 id 和协商好的媒体格式
func (s *Session) Initiate(id, formatName string, format codec.MediaFormat) error {
	if id == "" {
		return ErrEmptyID
	}
	if err := format.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.id != "" {
		s.mu.Unlock()
		return ErrAlreadyInitiated
	}
	if State(s.state.Load()) != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State(), StateInitiating)
	}
	s.id = id
	s.formatName = formatName
	s.format = format
	s.state.Store(int32(StateInitiating))
	h := s.onTransition
	s.mu.Unlock()

	s.Touch()
	if h != nil {
		h(id, StateIdle, StateInitiating)
	}
	return nil
}

// Transition 按迁移表切换状态
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	from := State(s.state.Load())
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) || to == StateInitiating {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state.Store(int32(to))
	id := s.id
	h := s.onTransition
	s.mu.Unlock()

	if h != nil {
		h(id, from, to)
	}
	return nil
}

// ID 会话 id，发起前为空
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State 当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// MediaFormat 协商好的媒体格式
func (s *Session) MediaFormat() codec.MediaFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// FormatName 协商好的下游格式名称
func (s *Session) FormatName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formatName
}

// CreatedAt 创建时间
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Touch 刷新最近活动时间
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity 最近活动时间
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleFor 距最近一次活动的时长
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// GetStats 获取会话统计信息
func (s *Session) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"id":            s.ID(),
		"state":         s.State().String(),
		"media_format":  s.FormatName(),
		"created_at":    s.createdAt,
		"last_activity": s.LastActivity(),
	}
}
