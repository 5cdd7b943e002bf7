package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"VoiceBridge/internal/protocol"
)

var ErrConnClosed = errors.New("downstream connection closed")

// Conn 呼叫侧 WebSocket 连接，串行化写入
type Conn struct {
	ID string

	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closed       atomic.Bool

	connectedAt time.Time
	received    atomic.Uint64
	sent        atomic.Uint64
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		ID:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
		connectedAt:  time.Now(),
	}
}

// Send 写一条 JSON 消息
func (c *Conn) Send(msg *protocol.Outbound) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// Close 发送关闭帧并关闭连接，可重复调用
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// Closed 是否已关闭
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// GetStats 获取连接统计信息
func (c *Conn) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"id":           c.ID,
		"remote_addr":  c.ws.RemoteAddr().String(),
		"connected_at": c.connectedAt,
		"received":     c.received.Load(),
		"sent":         c.sent.Load(),
	}
}
