package logger

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriber 日志订阅者，可按会话和级别过滤
type subscriber struct {
	conn      *websocket.Conn
	sessionID string
	minLevel  Level
}

func (s *subscriber) wants(msg LogMessage) bool {
	if s.sessionID != "" && msg.SessionID != s.sessionID {
		return false
	}
	lvl, err := ParseLevel(msg.Level)
	return err != nil || lvl >= s.minLevel
}

// WebSocketLogger 日志广播器，/ws/logs?session=<id>&level=warn 只订阅指定会话或级别
type WebSocketLogger struct {
	clients    map[*websocket.Conn]*subscriber
	broadcast  chan LogMessage
	register   chan *subscriber
	unregister chan *websocket.Conn
	stopChan   chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex

	dropped atomic.Uint64
}

// NewWebSocketLogger 创建日志广播器，需要调用 Run
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]*subscriber),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *websocket.Conn),
		stopChan:   make(chan struct{}),
	}
}

// Run 分发日志，Stop 后返回
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case <-wsl.stopChan:
			wsl.mu.Lock()
			for conn := range wsl.clients {
				conn.Close()
				delete(wsl.clients, conn)
			}
			wsl.mu.Unlock()
			return

		case sub := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[sub.conn] = sub
			wsl.mu.Unlock()

		case conn := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[conn]; ok {
				delete(wsl.clients, conn)
				conn.Close()
			}
			wsl.mu.Unlock()

		case msg := <-wsl.broadcast:
			wsl.dispatch(msg)
		}
	}
}

// dispatch 写给匹配的订阅者，写失败的订阅者被移除
func (wsl *WebSocketLogger) dispatch(msg LogMessage) {
	wsl.mu.Lock()
	defer wsl.mu.Unlock()
	for conn, sub := range wsl.clients {
		if !sub.wants(msg) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			delete(wsl.clients, conn)
			conn.Close()
		}
	}
}

// Stop 停止广播并断开所有订阅者
func (wsl *WebSocketLogger) Stop() {
	wsl.closeOnce.Do(func() {
		close(wsl.stopChan)
	})
}

// Publish 非阻塞投递一条日志，缓冲满时丢弃
func (wsl *WebSocketLogger) Publish(msg LogMessage) {
	select {
	case wsl.broadcast <- msg:
	default:
		wsl.dropped.Add(1)
	}
}

// ClientCount 当前订阅者数量
func (wsl *WebSocketLogger) ClientCount() int {
	wsl.mu.RLock()
	defer wsl.mu.RUnlock()
	return len(wsl.clients)
}

// Dropped 因缓冲满丢弃的日志条数
func (wsl *WebSocketLogger) Dropped() uint64 {
	return wsl.dropped.Load()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket 订阅日志流
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	minLevel := LevelDebug
	if raw := r.URL.Query().Get("level"); raw != "" {
		lvl, err := ParseLevel(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		minLevel = lvl
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Log stream upgrade failed: %v", err)
		return
	}
	sub := &subscriber{
		conn:      conn,
		sessionID: r.URL.Query().Get("session"),
		minLevel:  minLevel,
	}

	// 注册前发送欢迎消息，之后只有 Run 写入
	conn.WriteJSON(LogMessage{
		Level:     LevelInfo.String(),
		Message:   "connected to voice bridge log stream",
		Module:    "logger",
		SessionID: sub.sessionID,
		Timestamp: time.Now(),
	})

	select {
	case wsl.register <- sub:
	case <-wsl.stopChan:
		conn.Close()
		return
	}

	defer func() {
		select {
		case wsl.unregister <- conn:
		case <-wsl.stopChan:
		}
	}()

	// 订阅者只读不写，读到错误即断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Log stream connection error: %v", err)
			}
			return
		}
	}
}

// 全局广播器，未设置时日志只写控制台
var global atomic.Pointer[WebSocketLogger]

// InitGlobalLogger 创建并启动全局广播器
func InitGlobalLogger() *WebSocketLogger {
	wsl := NewWebSocketLogger()
	go wsl.Run()
	global.Store(wsl)
	return wsl
}

// SetBroadcaster 替换全局广播器，nil 表示关闭广播
func SetBroadcaster(wsl *WebSocketLogger) {
	global.Store(wsl)
}
