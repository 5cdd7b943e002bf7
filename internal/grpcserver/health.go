package grpcserver

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"VoiceBridge/internal/logger"
)

// ServiceName 网关在健康检查中的服务名
const ServiceName = "voicebridge.Gateway"

var log = logger.New("grpc")

// CheckFunc 依赖探测，返回错误时置为 NOT_SERVING
type CheckFunc func(ctx context.Context) error

// HealthServer 标准 gRPC 健康检查服务
type HealthServer struct {
	addr     string
	server   *grpc.Server
	health   *health.Server
	listener net.Listener

	serving   atomic.Bool
	checks    atomic.Uint64
	failures  atomic.Uint64
	startTime time.Time
}

// NewHealthServer 创建健康检查服务，初始状态为 NOT_SERVING
func NewHealthServer(addr string) *HealthServer {
	s := &HealthServer{
		addr: addr,
		server: grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    30 * time.Second,
				Timeout: 10 * time.Second,
			}),
		),
		health:    health.NewServer(),
		startTime: time.Now(),
	}

	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.SetServing(false)
	return s
}

// Start 开始监听，服务在后台运行
func (s *HealthServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = lis
	log.Infof("Starting gRPC health server on %s", lis.Addr())

	go func() {
		if err := s.server.Serve(lis); err != nil {
			log.Errorf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *HealthServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// SetServing 更新整体与网关服务的状态
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if s.serving.Swap(serving) != serving {
		log.Infof("health status: %s", status)
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Monitor 周期性执行探测并更新状态，直到 ctx 取消
func (s *HealthServer) Monitor(ctx context.Context, interval time.Duration, check CheckFunc) {
	probe := func() {
		s.checks.Add(1)
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := check(cctx); err != nil {
			s.failures.Add(1)
			log.Warnf("health check failed: %v", err)
			s.SetServing(false)
			return
		}
		s.SetServing(true)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// Stop 置为 NOT_SERVING 后优雅关闭
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// GetStats 获取服务统计信息
func (s *HealthServer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"serving":        s.serving.Load(),
		"checks":         s.checks.Load(),
		"check_failures": s.failures.Load(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}
}
