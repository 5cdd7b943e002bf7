package testserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"VoiceBridge/internal/protocol"
)

// BackendConfig 模拟推理后端配置
type BackendConfig struct {
	Addr string
	Path string

	EchoAudio       bool   // 将追加的音频原样作为 response.audio.delta 返回
	ResponseAudio   []byte // response.create 时回放的音频，为空则只回 response.done
	ResponseChunks  int    // ResponseAudio 拆分的块数
	RequireAPIKey   string // 非空时校验 Authorization
	SilentHandshake bool   // 不回应 session.update
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultBackendConfig 返回默认配置
func DefaultBackendConfig(addr string) *BackendConfig {
	return &BackendConfig{
		Addr:            addr,
		Path:            "/v1/realtime",
		ResponseChunks:  1,
		MaxConnections:  1000,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
}

// Connection 表示一个后端侧 WebSocket 连接
type Connection struct {
	ID    string
	Conn  *websocket.Conn
	Model string
	Stats *ConnectionStats

	// 控制标志
	stopChan  chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex // 写锁
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// BackendStats 后端统计快照
type BackendStats struct {
	Connections      int32  `json:"connections"`
	TotalConnections uint64 `json:"total_connections"`
	Refused          uint64 `json:"refused"`
	SessionUpdates   uint64 `json:"session_updates"`
	AudioAppends     uint64 `json:"audio_appends"`
	AudioBytes       uint64 `json:"audio_bytes"`
	Commits          uint64 `json:"commits"`
	ResponseCreates  uint64 `json:"response_creates"`
	ItemsCreated     uint64 `json:"items_created"`
}

// Backend 模拟 realtime 推理后端，用于测试和本地演示
type Backend struct {
	config   *BackendConfig
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	// 连接管理
	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	// 故障注入
	refuse          atomic.Bool
	ignorePings     atomic.Bool
	rejectHandshake atomic.Bool

	isRunning atomic.Bool
	startTime time.Time

	// 统计信息
	totalConnections atomic.Uint64
	refused          atomic.Uint64
	sessionUpdates   atomic.Uint64
	audioAppends     atomic.Uint64
	audioBytes       atomic.Uint64
	commits          atomic.Uint64
	responseCreates  atomic.Uint64
	itemsCreated     atomic.Uint64

	mu          sync.Mutex
	lastSession *protocol.SessionConfig
	lastHeaders http.Header
	texts       []string
}

// NewBackend 创建模拟后端
func NewBackend(config *BackendConfig) *Backend {
	if config == nil {
		config = DefaultBackendConfig("127.0.0.1:0")
	}
	if config.Path == "" {
		config.Path = "/v1/realtime"
	}

	b := &Backend{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		startTime: time.Now(),
	}

	b.server = &http.Server{
		Addr:    config.Addr,
		Handler: b.Handler(),
	}
	return b
}

// Handler 返回后端的 HTTP 处理器
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(b.config.Path, b.handleWebSocket)
	mux.HandleFunc("/stats", b.handleStats)
	mux.HandleFunc("/control", b.handleControl)
	return mux
}

// Start 监听并启动服务，Addr 端口为 0 时自动分配
func (b *Backend) Start() error {
	if !b.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("backend is already running")
	}

	l, err := net.Listen("tcp", b.config.Addr)
	if err != nil {
		b.isRunning.Store(false)
		return fmt.Errorf("listen %s: %w", b.config.Addr, err)
	}
	b.listener = l

	log.Printf("Starting mock realtime backend on %s", l.Addr())

	go func() {
		if err := b.server.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Printf("Backend error: %v", err)
		}
	}()

	return nil
}

// Addr 实际监听地址
func (b *Backend) Addr() string {
	if b.listener == nil {
		return b.config.Addr
	}
	return b.listener.Addr().String()
}

// URL 上游连接地址
func (b *Backend) URL() string {
	return "ws://" + b.Addr() + b.config.Path
}

// Shutdown 关闭服务
func (b *Backend) Shutdown(ctx context.Context) error {
	if !b.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down mock backend...")

	b.connections.Range(func(key, value interface{}) bool {
		b.closeConnection(value.(*Connection), "Server shutdown")
		return true
	})
	b.connWg.Wait()

	return b.server.Shutdown(ctx)
}

// ForceDisconnectAll 强制断开所有连接
func (b *Backend) ForceDisconnectAll() {
	log.Printf("Force disconnecting all connections")

	b.connections.Range(func(key, value interface{}) bool {
		b.closeConnection(value.(*Connection), "Force disconnect")
		return true
	})
}

// SetRefuseConnections 拒绝新连接（返回 503）
func (b *Backend) SetRefuseConnections(refuse bool) {
	b.refuse.Store(refuse)
}

// SetIgnorePings 不回应 ping，模拟静默断线
func (b *Backend) SetIgnorePings(ignore bool) {
	b.ignorePings.Store(ignore)
}

// SetRejectHandshake 对 session.update 回 error
func (b *Backend) SetRejectHandshake(reject bool) {
	b.rejectHandshake.Store(reject)
}

// handleWebSocket 处理WebSocket连接
func (b *Backend) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if b.refuse.Load() {
		b.refused.Add(1)
		http.Error(w, "Backend unavailable", http.StatusServiceUnavailable)
		return
	}
	if b.config.RequireAPIKey != "" && r.Header.Get("Authorization") != "Bearer "+b.config.RequireAPIKey {
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}
	if b.config.MaxConnections > 0 && b.connCount.Load() >= int32(b.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	b.mu.Lock()
	b.lastHeaders = r.Header.Clone()
	b.mu.Unlock()

	wsConn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), b.totalConnections.Add(1))
	conn := &Connection{
		ID:       connID,
		Conn:     wsConn,
		Model:    r.URL.Query().Get("model"),
		Stats:    &ConnectionStats{ConnectedAt: time.Now()},
		stopChan: make(chan struct{}),
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())

	wsConn.SetPingHandler(func(data string) error {
		if b.ignorePings.Load() {
			return nil
		}
		err := wsConn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	b.connections.Store(connID, conn)
	b.connCount.Add(1)

	log.Printf("New upstream connection: %s model=%s", connID, conn.Model)

	b.handleConnection(conn)
}

// handleConnection 处理单个连接的生命周期
func (b *Backend) handleConnection(conn *Connection) {
	b.connWg.Add(1)
	defer func() {
		b.closeConnection(conn, "Connection ended")
		b.connWg.Done()
	}()

	b.send(conn, protocol.ServerEvent{Type: protocol.EventSessionCreated, EventID: conn.ID})

	conn.Conn.SetReadLimit(4 * 1024 * 1024)

	for {
		select {
		case <-conn.stopChan:
			return
		default:
		}

		messageType, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Connection read error: %v", err)
			}
			return
		}

		conn.Stats.MessagesReceived.Add(1)
		conn.Stats.LastActivity.Store(time.Now().UnixNano())

		if messageType != websocket.TextMessage {
			continue
		}
		b.handleMessage(conn, data)
	}
}

// handleMessage 处理客户端事件
func (b *Backend) handleMessage(conn *Connection, data []byte) {
	var ev protocol.ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		b.sendError(conn, "invalid_request_error", "malformed event")
		return
	}

	switch ev.Type {
	case protocol.EventSessionUpdate:
		b.sessionUpdates.Add(1)
		b.mu.Lock()
		b.lastSession = ev.Session
		b.mu.Unlock()

		if b.rejectHandshake.Load() {
			b.sendError(conn, "invalid_request_error", "session configuration rejected")
			return
		}
		if b.config.SilentHandshake {
			return
		}
		b.send(conn, protocol.ServerEvent{Type: protocol.EventSessionUpdated})

	case protocol.EventAudioAppend:
		raw, err := base64.StdEncoding.DecodeString(ev.Audio)
		if err != nil {
			b.sendError(conn, "invalid_request_error", "audio must be base64")
			return
		}
		b.audioAppends.Add(1)
		b.audioBytes.Add(uint64(len(raw)))
		if b.config.EchoAudio {
			b.send(conn, protocol.ServerEvent{Type: protocol.EventAudioDelta, Delta: ev.Audio})
		}

	case protocol.EventAudioCommit:
		b.commits.Add(1)
		b.send(conn, protocol.ServerEvent{Type: "input_audio_buffer.committed"})

	case protocol.EventConversationCreate:
		b.itemsCreated.Add(1)
		if ev.Item != nil {
			b.mu.Lock()
			for _, part := range ev.Item.Content {
				b.texts = append(b.texts, part.Text)
			}
			b.mu.Unlock()
		}

	case protocol.EventResponseCreate:
		b.responseCreates.Add(1)
		b.playResponse(conn)

	default:
		log.Printf("Unhandled client event: %s", ev.Type)
	}
}

// playResponse 回放配置的音频作为一次回复
func (b *Backend) playResponse(conn *Connection) {
	responseID := fmt.Sprintf("resp_%d", b.responseCreates.Load())
	audio := b.config.ResponseAudio
	if len(audio) > 0 {
		parts := b.config.ResponseChunks
		if parts <= 0 {
			parts = 1
		}
		size := (len(audio) + parts - 1) / parts
		for off := 0; off < len(audio); off += size {
			end := off + size
			if end > len(audio) {
				end = len(audio)
			}
			b.send(conn, protocol.ServerEvent{
				Type:       protocol.EventAudioDelta,
				ResponseID: responseID,
				Delta:      base64.StdEncoding.EncodeToString(audio[off:end]),
			})
		}
		b.send(conn, protocol.ServerEvent{Type: protocol.EventAudioDone, ResponseID: responseID})
	}
	b.send(conn, protocol.ServerEvent{Type: protocol.EventResponseDone, ResponseID: responseID})
}

// Broadcast 向所有连接推送事件，返回成功数
func (b *Backend) Broadcast(ev interface{}) int {
	sent := 0
	b.connections.Range(func(key, value interface{}) bool {
		if b.send(value.(*Connection), ev) == nil {
			sent++
		}
		return true
	})
	return sent
}

func (b *Backend) sendError(conn *Connection, typ, message string) {
	b.send(conn, protocol.ServerEvent{
		Type:  protocol.EventError,
		Error: &protocol.ServerErrorDetail{Type: typ, Message: message},
	})
}

// send 发送消息给指定连接
func (b *Backend) send(conn *Connection, v interface{}) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := conn.Conn.WriteJSON(v)
	if err == nil {
		conn.Stats.MessagesSent.Add(1)
	}
	return err
}

// closeConnection 关闭连接
func (b *Backend) closeConnection(conn *Connection, reason string) {
	if _, loaded := b.connections.LoadAndDelete(conn.ID); !loaded {
		return
	}
	b.connCount.Add(-1)

	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
		time.Now().Add(time.Second))
	conn.Conn.Close()
	conn.safeClose()

	log.Printf("Connection closed: %s, reason: %s", conn.ID, reason)
}

// Stats 统计快照
func (b *Backend) Stats() BackendStats {
	return BackendStats{
		Connections:      b.connCount.Load(),
		TotalConnections: b.totalConnections.Load(),
		Refused:          b.refused.Load(),
		SessionUpdates:   b.sessionUpdates.Load(),
		AudioAppends:     b.audioAppends.Load(),
		AudioBytes:       b.audioBytes.Load(),
		Commits:          b.commits.Load(),
		ResponseCreates:  b.responseCreates.Load(),
		ItemsCreated:     b.itemsCreated.Load(),
	}
}

// LastSessionConfig 最近一次 session.update 的内容
func (b *Backend) LastSessionConfig() *protocol.SessionConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSession
}

// LastHeaders 最近一次升级请求的头
func (b *Backend) LastHeaders() http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastHeaders
}

// Texts 收到的文本条目
func (b *Backend) Texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.texts))
	copy(out, b.texts)
	return out
}

// handleStats 处理统计信息请求
func (b *Backend) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"running":        b.isRunning.Load(),
		"uptime_seconds": time.Since(b.startTime).Seconds(),
		"stats":          b.Stats(),
	})
}

// handleControl 处理控制命令
func (b *Backend) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	action := r.URL.Query().Get("action")
	switch action {
	case "disconnect_all":
		b.ForceDisconnectAll()
		fmt.Fprintf(w, "Disconnected all connections")
	case "refuse":
		b.SetRefuseConnections(true)
		fmt.Fprintf(w, "Refusing new connections")
	case "accept":
		b.SetRefuseConnections(false)
		fmt.Fprintf(w, "Accepting new connections")
	case "ignore_pings":
		b.SetIgnorePings(true)
		fmt.Fprintf(w, "Ignoring pings")
	case "answer_pings":
		b.SetIgnorePings(false)
		fmt.Fprintf(w, "Answering pings")
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}
