package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"VoiceBridge/internal/bridge"
	"VoiceBridge/internal/logger"
	"VoiceBridge/internal/metrics"
	"VoiceBridge/internal/protocol"
	"VoiceBridge/internal/session"
	"VoiceBridge/internal/store"
	"VoiceBridge/internal/upstream"
)

var log = logger.New("gateway")

// Options 网关监听参数
type Options struct {
	Addr            string
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	// AdminAPI 开启 /admin/v1 下的控制接口，默认关闭
	AdminAPI bool
}

// DefaultOptions 返回默认参数
func DefaultOptions(addr string) Options {
	return Options{
		Addr:            addr,
		AllowedOrigins:  []string{"*"},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		WriteTimeout:    5 * time.Second,
		MaxMessageSize:  1024 * 1024,
	}
}

// CallStore 已结束呼叫的查询
type CallStore interface {
	Get(ctx context.Context, id string) (store.CallRecord, error)
	Recent(ctx context.Context, limit int) ([]store.CallRecord, error)
}

// Deps 网关依赖
type Deps struct {
	Bridge bridge.Deps
	// Settings 每通新呼叫取一次快照，配置重新加载后对新呼叫生效
	Settings func() bridge.Config
	// UpstreamSettings 为空时使用 Bridge.Upstream
	UpstreamSettings func() *upstream.Config
	Calls            CallStore
	Logs             *logger.WebSocketLogger
}

// Server 呼叫侧 WebSocket 网关与管理 API
type Server struct {
	opts     Options
	deps     Deps
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	conns    sync.Map // id -> *Conn

	// 统计信息
	startTime    time.Time
	requestCount atomic.Uint64
	errorCount   atomic.Uint64
	responseTime *metrics.Rolling
	activeConns  atomic.Int32
	totalConns   atomic.Uint64
}

// NewServer 创建网关
func NewServer(opts Options, deps Deps) *Server {
	if deps.Bridge.Registry == nil {
		deps.Bridge.Registry = session.NewRegistry[*bridge.Bridge](0)
	}
	if deps.Bridge.Metrics == nil {
		deps.Bridge.Metrics = metrics.NewCollector(0)
	}
	if deps.Settings == nil {
		deps.Settings = bridge.DefaultConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		deps:   deps,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:          ctx,
		cancel:       cancel,
		startTime:    time.Now(),
		responseTime: metrics.NewRolling(1000),
	}

	s.setupRoutes()

	// 设置CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:        opts.Addr,
		Handler:     c.Handler(s.router),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	if s.deps.Logs != nil {
		s.router.HandleFunc("/ws/logs", s.deps.Logs.HandleWebSocket)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	api.HandleFunc("/sessions", s.getSessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.getSessionHandler).Methods("GET")
	api.HandleFunc("/calls", s.getCallsHandler).Methods("GET")

	// 控制接口与只读 API 分开，跨域请求不允许 DELETE
	if s.opts.AdminAPI {
		admin := s.router.PathPrefix("/admin/v1").Subrouter()
		admin.HandleFunc("/sessions/{id}", s.deleteSessionHandler).Methods("DELETE")
	}
}

// 中间件
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.requestCount.Add(1)
		s.responseTime.Observe(time.Since(start))
	})
}

// Handler 返回带 CORS 的根处理器
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 开始监听，服务在后台运行
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.listener = listener
	log.Infof("Starting gateway on %s", listener.Addr())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("gateway server error: %v", err)
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Stop 结束所有呼叫并关闭服务
func (s *Server) Stop(ctx context.Context) error {
	log.Infof("Stopping gateway, %d active sessions", s.deps.Bridge.Registry.Count())

	err := s.server.Shutdown(ctx)

	var closing sync.WaitGroup
	s.deps.Bridge.Registry.Range(func(id string, b *bridge.Bridge) bool {
		closing.Add(1)
		go func() {
			defer closing.Done()
			if err := b.Close(ctx); err != nil {
				log.Warnf("close session %s: %v", id, err)
			}
		}()
		return true
	})
	closing.Wait()

	s.cancel()
	s.conns.Range(func(key, value interface{}) bool {
		value.(*Conn).Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// handleWebSocket 每条连接一个读循环，消息交给当前会话的桥接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	if s.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(s.opts.MaxMessageSize)
	}

	conn := newConn(ws, s.opts.WriteTimeout)
	s.conns.Store(conn.ID, conn)
	s.activeConns.Add(1)
	s.totalConns.Add(1)
	s.wg.Add(1)

	log.Infof("downstream connected: %s from %s", conn.ID, r.RemoteAddr)
	go s.serveConn(conn)
}

func (s *Server) serveConn(conn *Conn) {
	var current *bridge.Bridge
	defer func() {
		if current != nil {
			current.Detach(conn)
		}
		conn.Close()
		s.conns.Delete(conn.ID)
		s.activeConns.Add(-1)
		s.wg.Done()
		log.Infof("downstream disconnected: %s", conn.ID)
	}()

	for {
		mt, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("downstream %s read error: %v", conn.ID, err)
			}
			return
		}
		conn.received.Add(1)
		binary := mt == websocket.BinaryMessage

		if current == nil || current.State() == session.StateIdle || current.State() == session.StateClosed {
			if resumed := s.resume(conn, data, binary); resumed != nil {
				if current != nil {
					current.Detach(conn)
				}
				current = resumed
			}
		}
		if current == nil || current.State() == session.StateClosed {
			current = s.newBridge(conn)
		}

		if err := current.Deliver(s.ctx, data, binary); err != nil {
			if !errors.Is(err, bridge.ErrBridgeClosed) {
				return
			}
			current = s.newBridge(conn)
			if err := current.Deliver(s.ctx, data, binary); err != nil {
				return
			}
		}
	}
}

// resume 按 conversationId 把连接重新挂到仍存活的会话上
func (s *Server) resume(conn *Conn, data []byte, binary bool) *bridge.Bridge {
	if binary {
		return nil
	}
	typ, id, err := protocol.Peek(data)
	if err != nil || typ != protocol.TypeSessionResume || id == "" {
		return nil
	}
	existing, ok := s.deps.Bridge.Registry.Get(id)
	if !ok {
		return nil
	}
	if err := existing.Reattach(conn); err != nil {
		log.Warnf("resume %s on %s: %v", id, conn.ID, err)
		return nil
	}
	log.Infof("session %s resumed on %s", id, conn.ID)
	return existing
}

// newBridge 为连接创建新的会话桥接，会话结束后关闭其当前连接
func (s *Server) newBridge(conn *Conn) *bridge.Bridge {
	deps := s.deps.Bridge
	if s.deps.UpstreamSettings != nil {
		deps.Upstream = s.deps.UpstreamSettings()
	}
	b := bridge.New(s.deps.Settings(), deps, conn)
	go func() {
		b.Run(s.ctx)
		if b.ID() == "" {
			return
		}
		if down := b.Downstream(); down != nil {
			down.Close()
		}
	}()
	return b
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	rt := s.responseTime.Snapshot()
	return map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount.Load(),
		"error_count":          s.errorCount.Load(),
		"avg_response_time_ms": float64(rt.Mean.Microseconds()) / 1000,
		"active_connections":   s.activeConns.Load(),
		"total_connections":    s.totalConns.Load(),
		"active_sessions":      s.deps.Bridge.Registry.Count(),
	}
}
