package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"VoiceBridge/internal/backpressure"
	"VoiceBridge/internal/codec"
	"VoiceBridge/internal/protocol"
)

// State 上游连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNotConnected         = errors.New("upstream is not connected")
	ErrClosed               = errors.New("upstream manager closed")
	ErrReconnectExhausted   = errors.New("upstream reconnect attempts exhausted")
	ErrBackpressureExceeded = errors.New("upstream outbound queue at capacity")
)

// HandshakeError 连接或会话配置握手失败
type HandshakeError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	msg := "upstream handshake failed: " + e.Reason
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Permanent 鉴权类失败重试无意义
func (e *HandshakeError) Permanent() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// EventHandler 后端事件处理器，在读循环中调用
type EventHandler func(ev protocol.ServerEvent)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState State)

// FailureHandler 重连耗尽时调用一次
type FailureHandler func(err error)

// AudioSentHandler 音频块写入套接字后调用
type AudioSentHandler func(chunk codec.Chunk, sentAt time.Time)

// DropHandler 音频块因队列满被淘汰时调用
type DropHandler func(chunk codec.Chunk)

// Manager 单个会话的上游连接：握手、心跳、有界重连、出站队列
type Manager struct {
	config *Config
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	onEvent       EventHandler
	onStateChange StateChangeHandler
	onFailure     FailureHandler
	onAudioSent   AudioSentHandler
	onDrop        DropHandler

	// 同步控制
	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	closeOnce     sync.Once
	reconnectChan chan struct{}
	wake          chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc

	// 出站队列：控制事件不丢弃，音频按策略淘汰
	audioOut   *backpressure.Channel[codec.Chunk]
	controlOut *backpressure.Channel[protocol.ClientEvent]
	writing    atomic.Bool

	// 连接代数，旧连接的读循环和心跳定时器据此失效
	connGen atomic.Uint64

	// 心跳和RTT统计
	lastPingTime atomic.Int64 // unix nano
	lastPongTime atomic.Int64 // unix nano
	avgRTT       atomic.Int64 // nano seconds

	// 重连控制
	reconnectCount atomic.Int32
	reconnects     atomic.Int32
	audioSent      atomic.Uint64
}

// New 创建上游连接管理器
func New(config *Config) *Manager {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	m.audioOut = backpressure.New[codec.Chunk](config.QueueCapacity, config.AudioPolicy,
		backpressure.WithDropHandler(func(c codec.Chunk) {
			if h := m.onDrop; h != nil {
				h(c)
			}
		}))
	m.controlOut = backpressure.New[protocol.ClientEvent](config.QueueCapacity, config.ControlPolicy)

	m.setState(StateDisconnected)
	return m
}

// SetEventHandler 设置后端事件处理器
func (m *Manager) SetEventHandler(handler EventHandler) {
	m.onEvent = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (m *Manager) SetStateChangeHandler(handler StateChangeHandler) {
	m.onStateChange = handler
}

// SetFailureHandler 设置重连耗尽处理器
func (m *Manager) SetFailureHandler(handler FailureHandler) {
	m.onFailure = handler
}

// SetAudioSentHandler 设置音频发送回调
func (m *Manager) SetAudioSentHandler(handler AudioSentHandler) {
	m.onAudioSent = handler
}

// SetDropHandler 设置音频淘汰回调
func (m *Manager) SetDropHandler(handler DropHandler) {
	m.onDrop = handler
}

// Connect 建立连接并完成会话配置握手
func (m *Manager) Connect(ctx context.Context) error {
	if !m.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("upstream is not in disconnected state")
	}

	if err := m.doConnect(ctx); err != nil {
		m.compareAndSwapState(StateConnecting, StateDisconnected)
		return err
	}

	if !m.compareAndSwapState(StateConnecting, StateConnected) {
		// 握手期间被关闭
		return ErrClosed
	}

	// 启动后台任务
	go m.heartbeatLoop()
	go m.writeLoop()
	go m.reconnectLoop()
	signal(m.wake)

	return nil
}

// doConnect 拨号并握手，成功后发布连接并启动读循环
func (m *Manager) doConnect(ctx context.Context) error {
	endpoint, err := m.config.Endpoint()
	if err != nil {
		return &HandshakeError{Reason: "invalid endpoint", Err: err}
	}

	headers := http.Header{
		"User-Agent":  []string{m.config.UserAgent},
		"OpenAI-Beta": []string{"realtime=v1"},
	}
	if m.config.APIKey != "" {
		headers.Set("Authorization", "Bearer "+m.config.APIKey)
	}

	conn, resp, err := m.dialer.DialContext(ctx, endpoint, headers)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		he := &HandshakeError{Reason: "dial failed", Err: err}
		if resp != nil {
			he.StatusCode = resp.StatusCode
		}
		return he
	}

	if m.config.ReadLimit > 0 {
		conn.SetReadLimit(m.config.ReadLimit)
	}
	conn.SetPongHandler(func(string) error {
		m.handlePong()
		return nil
	})

	if err := m.handshake(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	m.mu.Lock()
	if m.getState() == StateClosed {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	gen := m.connGen.Add(1)
	m.lastPingTime.Store(0)
	m.lastPongTime.Store(0)
	m.mu.Unlock()

	go m.readLoop(conn, gen)
	return nil
}

// handshake 发送 session.update 并等待 session.updated
func (m *Manager) handshake(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(m.config.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// ctx 取消时让阻塞的读立即返回
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	if err := conn.WriteJSON(protocol.SessionUpdate(m.config.SessionConfig())); err != nil {
		return &HandshakeError{Reason: "send session.update failed", Err: err}
	}

	conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return &HandshakeError{Reason: "cancelled", Err: ctx.Err()}
			}
			return &HandshakeError{Reason: "acknowledgement not received", Err: err}
		}

		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			log.Printf("Ignoring malformed event during handshake: %v", err)
			continue
		}

		switch ev.Kind {
		case protocol.ServerSessionUpdated:
			if !stop() {
				return &HandshakeError{Reason: "cancelled", Err: ctx.Err()}
			}
			conn.SetReadDeadline(time.Time{})
			log.Printf("Upstream session configured: format=%s", m.config.Format)
			return nil
		case protocol.ServerError:
			reason := "rejected by backend"
			if ev.Error != nil && ev.Error.Message != "" {
				reason = ev.Error.Message
			}
			return &HandshakeError{Reason: reason}
		}
	}
}

// Close 关闭连接：停止心跳与重连，丢弃未发送数据，关闭套接字。可重复调用
func (m *Manager) Close() error {
	for {
		cur := m.getState()
		if cur == StateClosed {
			return nil
		}
		if m.compareAndSwapState(cur, StateClosed) {
			break
		}
	}

	m.closeOnce.Do(func() {
		close(m.stopChan)
		m.cancel()
	})

	m.audioOut.Close()
	m.audioOut.Drain()
	m.controlOut.Close()
	m.controlOut.Drain()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connGen.Add(1)
	m.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(time.Second))
		return conn.Close()
	}

	return nil
}

// SendAudio 入队一个音频块，队列满时按策略处理，Block 最多等待 EnqueueTimeout
func (m *Manager) SendAudio(ctx context.Context, chunk codec.Chunk) error {
	if err := m.acceptingErr(); err != nil {
		return err
	}
	ctx, cancel := m.enqueueCtx(ctx, m.config.AudioPolicy)
	defer cancel()
	return m.enqueueErr(m.audioOut.Push(ctx, chunk))
}

// SendEvent 入队一个控制事件，控制事件不会被淘汰
func (m *Manager) SendEvent(ctx context.Context, ev protocol.ClientEvent) error {
	if err := m.acceptingErr(); err != nil {
		return err
	}
	ctx, cancel := m.enqueueCtx(ctx, m.config.ControlPolicy)
	defer cancel()
	return m.enqueueErr(m.controlOut.Push(ctx, ev))
}

// enqueueCtx 只有 Block 策略会等待，等待时间不超过 EnqueueTimeout
func (m *Manager) enqueueCtx(ctx context.Context, policy backpressure.Policy) (context.Context, context.CancelFunc) {
	if policy != backpressure.Block {
		return ctx, func() {}
	}
	timeout := m.config.EnqueueTimeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return context.WithTimeout(ctx, timeout)
}

func (m *Manager) acceptingErr() error {
	switch m.getState() {
	case StateClosed:
		return ErrClosed
	case StateFailed:
		return ErrReconnectExhausted
	default:
		return nil
	}
}

func (m *Manager) enqueueErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backpressure.ErrChannelFull), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrBackpressureExceeded, err)
	case errors.Is(err, backpressure.ErrChannelClosed):
		return ErrClosed
	default:
		return err
	}
}

// Flush 等待出站队列写完
func (m *Manager) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		switch m.getState() {
		case StateClosed:
			return ErrClosed
		case StateFailed:
			return ErrReconnectExhausted
		case StateDisconnected:
			return ErrNotConnected
		}

		if m.audioOut.Len() == 0 && m.controlOut.Len() == 0 && !m.writing.Load() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// writeLoop 出站写循环，控制事件优先
func (m *Manager) writeLoop() {
	for {
		if m.getState() == StateConnected && m.writeNext() {
			continue
		}

		select {
		case <-m.stopChan:
			return
		case <-m.wake:
		case <-m.controlOut.Ready():
		case <-m.audioOut.Ready():
		}
	}
}

// writeNext 写出一个待发送元素，队列为空时返回 false
func (m *Manager) writeNext() bool {
	m.writing.Store(true)
	defer m.writing.Store(false)

	if ev, ok := m.controlOut.TryPop(); ok {
		if err := m.writeJSON(ev); err != nil {
			log.Printf("Send %s failed: %v", ev.Type, err)
		}
		return true
	}

	chunk, ok := m.audioOut.TryPop()
	if !ok {
		return false
	}

	audio, err := codec.Encode(chunk.Payload, m.config.Format)
	if err != nil {
		log.Printf("Encode audio chunk %d failed: %v", chunk.Sequence, err)
		return true
	}
	if err := m.writeJSON(protocol.AudioAppend(audio)); err != nil {
		log.Printf("Send audio chunk %d failed: %v", chunk.Sequence, err)
		return true
	}

	m.audioSent.Add(1)
	if h := m.onAudioSent; h != nil {
		h(chunk, time.Now())
	}
	return true
}

// writeJSON 串行写入当前连接，失败时触发重连
func (m *Manager) writeJSON(v interface{}) error {
	m.mu.RLock()
	conn := m.conn
	gen := m.connGen.Load()
	m.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	// 使用专用的写入锁防止并发写入
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		m.triggerReconnect(gen)
		return err
	}
	return nil
}

// readLoop 单个连接的读循环，连接失效后退出
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if m.connGen.Load() == gen && !m.isClosing() {
				log.Printf("Upstream read failed: %v", err)
				m.triggerReconnect(gen)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			log.Printf("Ignoring malformed upstream event: %v", err)
			continue
		}
		ev.ReceivedAt = time.Now()

		if h := m.onEvent; h != nil {
			h(ev)
		}
	}
}

// heartbeatLoop 心跳循环
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if m.getState() == StateConnected {
				m.sendPing()
			}
		}
	}
}

// sendPing 发送 ping，并在 PongTimeout 后检查是否收到 pong
func (m *Manager) sendPing() {
	m.mu.RLock()
	conn := m.conn
	gen := m.connGen.Load()
	m.mu.RUnlock()

	if conn == nil {
		return
	}

	// 上一个 ping 仍在等待应答
	if last := m.lastPingTime.Load(); last != 0 && m.lastPongTime.Load() < last {
		return
	}

	now := time.Now()
	pingAt := now.UnixNano()
	m.lastPingTime.Store(pingAt)

	payload := []byte(strconv.FormatInt(pingAt, 10))
	if err := conn.WriteControl(websocket.PingMessage, payload, now.Add(m.config.WriteTimeout)); err != nil {
		log.Printf("Send heartbeat failed: %v", err)
		m.triggerReconnect(gen)
		return
	}

	time.AfterFunc(m.config.PongTimeout, func() {
		m.checkPong(gen, pingAt)
	})
}

// checkPong 检查 ping 是否超时
func (m *Manager) checkPong(gen uint64, pingAt int64) {
	if m.isClosing() || m.connGen.Load() != gen {
		return
	}
	if m.lastPongTime.Load() >= pingAt {
		return
	}
	log.Printf("Heartbeat timeout after %v, triggering reconnect", m.config.PongTimeout)
	m.triggerReconnect(gen)
}

// handlePong 处理 pong，更新 RTT
func (m *Manager) handlePong() {
	now := time.Now().UnixNano()
	m.lastPongTime.Store(now)

	pingAt := m.lastPingTime.Load()
	if pingAt == 0 {
		return
	}
	rtt := now - pingAt
	if rtt <= 0 {
		return
	}

	// 简单移动平均
	oldAvg := m.avgRTT.Load()
	if oldAvg == 0 {
		m.avgRTT.Store(rtt)
		return
	}
	m.avgRTT.Store((oldAvg + rtt) / 2)
}

// reconnectLoop 重连循环
func (m *Manager) reconnectLoop() {
	for {
		select {
		case <-m.stopChan:
			return
		case <-m.reconnectChan:
			m.doReconnect()
		}
	}
}

// triggerReconnect 触发重连，过期连接的触发被忽略
func (m *Manager) triggerReconnect(gen uint64) {
	if m.connGen.Load() != gen {
		return
	}
	if m.compareAndSwapState(StateConnected, StateReconnecting) {
		signal(m.reconnectChan)
	}
}

// doReconnect 按指数退避重连，尝试次数有上限
func (m *Manager) doReconnect() {
	// 关闭旧连接
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connGen.Add(1)
	m.mu.Unlock()

	attempts := m.config.MaxReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	// 指数退避
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = m.config.ReconnectBase
	backOff.MaxInterval = m.config.ReconnectMax
	backOff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backOff, uint64(attempts-1)), m.ctx)

	err := backoff.RetryNotify(func() error {
		count := m.reconnectCount.Add(1)
		log.Printf("Reconnecting... (attempt %d/%d)", count, attempts)

		ctx, cancel := context.WithTimeout(m.ctx, m.config.HandshakeTimeout)
		defer cancel()

		err := m.doConnect(ctx)
		var he *HandshakeError
		if errors.As(err, &he) && he.Permanent() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		log.Printf("Reconnect attempt failed: %v, retrying in %v", err, next)
	})

	if m.isClosing() {
		return
	}

	if err != nil {
		count := m.reconnectCount.Load()
		log.Printf("Reconnect failed after %d attempts: %v", count, err)
		if !m.compareAndSwapState(StateReconnecting, StateFailed) {
			return
		}
		m.audioOut.Close()
		m.audioOut.Drain()
		m.controlOut.Close()
		m.controlOut.Drain()
		if h := m.onFailure; h != nil {
			h(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, count, err))
		}
		return
	}

	if !m.compareAndSwapState(StateReconnecting, StateConnected) {
		return
	}
	log.Printf("Reconnected successfully")
	m.reconnectCount.Store(0) // 重置重连计数
	m.reconnects.Add(1)       // 增加重连成功计数
	signal(m.wake)
}

func (m *Manager) isClosing() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}

// State 获取当前状态
func (m *Manager) State() State {
	return m.getState()
}

// getState 获取当前状态
func (m *Manager) getState() State {
	return State(m.state.Load())
}

// setState 设置状态
func (m *Manager) setState(newState State) {
	oldState := State(m.state.Swap(int32(newState)))
	if oldState != newState && m.onStateChange != nil {
		m.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (m *Manager) compareAndSwapState(oldState, newState State) bool {
	swapped := m.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && m.onStateChange != nil {
		m.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 成功重连次数
func (m *Manager) Reconnects() int {
	return int(m.reconnects.Load())
}

// QueueStats 上行音频队列统计
func (m *Manager) QueueStats() backpressure.Stats {
	return m.audioOut.Stats()
}

// AvgRTT 平均心跳往返时间
func (m *Manager) AvgRTT() time.Duration {
	return time.Duration(m.avgRTT.Load())
}

// GetStats 获取连接统计信息
func (m *Manager) GetStats() map[string]interface{} {
	queue := m.audioOut.Stats()
	return map[string]interface{}{
		"state":           m.getState().String(),
		"reconnect_count": m.reconnectCount.Load(),
		"reconnects":      m.reconnects.Load(),
		"avg_rtt_ms":      time.Duration(m.avgRTT.Load()).Milliseconds(),
		"audio_sent":      m.audioSent.Load(),
		"audio_queued":    queue.Len,
		"audio_dropped":   queue.Dropped,
		"control_queued":  m.controlOut.Len(),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
