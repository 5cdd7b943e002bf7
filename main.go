package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"VoiceBridge/internal/bridge"
	"VoiceBridge/internal/config"
	"VoiceBridge/internal/database"
	"VoiceBridge/internal/gateway"
	"VoiceBridge/internal/grpcserver"
	"VoiceBridge/internal/logger"
	"VoiceBridge/internal/session"
	"VoiceBridge/internal/store"
	"VoiceBridge/internal/testserver"
	"VoiceBridge/internal/upstream"
)

var log = logger.New("main")

func main() {
	var (
		mode        = flag.String("mode", "gateway", "运行模式: gateway, backend, demo")
		configFile  = flag.String("config", "", "配置文件路径，为空时搜索 ./configs/voicebridge.yaml")
		watch       = flag.Bool("watch", true, "配置文件变化时重新加载")
		backendAddr = flag.String("backend-addr", ":9100", "模拟推理后端监听地址")
	)
	flag.Parse()

	var err error
	switch *mode {
	case "gateway":
		err = runGateway(*configFile, *watch, "")
	case "backend":
		err = runBackend(*backendAddr)
	case "demo":
		err = runDemo(*configFile, *backendAddr)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

// runGateway 启动呼叫网关，backendURL 非空时覆盖配置中的后端地址
func runGateway(configFile string, watch bool, backendURL string) error {
	var opts []config.Option
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	opts = append(opts, config.WithWatch(watch))

	manager, err := config.NewManager(opts...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Get()
	if err := logger.InitLogger(cfg.Log.Level); err != nil {
		return err
	}
	logs := logger.InitGlobalLogger()
	defer logs.Stop()

	log.Infof("config loaded: %v", cfg.Summary())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstreamFor := func(c *config.Config) *upstream.Config {
		up := c.ToUpstream()
		if backendURL != "" {
			up.URL = backendURL
		}
		return up
	}

	deps := gateway.Deps{
		Settings: func() bridge.Config {
			return manager.Get().ToBridge()
		},
		UpstreamSettings: func() *upstream.Config {
			return upstreamFor(manager.Get())
		},
		Logs: logs,
	}
	deps.Bridge.Upstream = upstreamFor(cfg)
	deps.Bridge.Registry = session.NewRegistry[*bridge.Bridge](cfg.Session.Retention)

	// grpc_addr 为空时不启动健康检查服务
	var health *grpcserver.HealthServer
	if cfg.Server.GRPCAddr != "" {
		health = grpcserver.NewHealthServer(cfg.Server.GRPCAddr)
	}

	if dbCfg := cfg.ToDatabase(); dbCfg != nil {
		pool, err := database.Connect(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		calls := store.New(pool)
		if err := calls.EnsureSchema(ctx); err != nil {
			return err
		}
		deps.Bridge.Records = calls
		deps.Calls = calls
		if health != nil {
			go health.Monitor(ctx, 10*time.Second, pool.Ping)
		}
	} else {
		log.Infof("database disabled, call records are not persisted")
		if health != nil {
			health.SetServing(true)
		}
	}

	manager.OnChange(func(c *config.Config) {
		if lvl, err := logger.ParseLevel(c.Log.Level); err == nil {
			logger.SetLevel(lvl)
		}
		log.Infof("config reloaded, applies to new calls: %v", c.Summary())
	})

	gwOpts := gateway.DefaultOptions(cfg.Server.Addr)
	gwOpts.AllowedOrigins = cfg.Server.AllowedOrigins
	gwOpts.ReadBufferSize = cfg.Server.ReadBufferSize
	gwOpts.WriteBufferSize = cfg.Server.WriteBufferSize
	gwOpts.WriteTimeout = cfg.Server.WriteTimeout
	gwOpts.MaxMessageSize = cfg.Server.MaxMessageSize
	gwOpts.AdminAPI = cfg.Server.AdminAPI

	srv := gateway.NewServer(gwOpts, deps)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	log.Infof("gateway listening on %s", srv.Addr())
	if health != nil {
		if err := health.Start(); err != nil {
			srv.Stop(context.Background())
			return fmt.Errorf("start grpc health: %w", err)
		}
		log.Infof("grpc health on %s", health.Addr())
	}

	waitForSignal()

	if health != nil {
		health.SetServing(false)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warnf("gateway shutdown: %v", err)
	}
	if health != nil {
		health.Stop()
	}
	log.Infof("gateway stopped")
	return nil
}

// runBackend 启动模拟推理后端
func runBackend(addr string) error {
	cfg := testserver.DefaultBackendConfig(addr)
	cfg.EchoAudio = true
	backend := testserver.NewBackend(cfg)
	if err := backend.Start(); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	log.Infof("mock backend listening on %s", backend.URL())

	waitForSignal()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return backend.Shutdown(ctx)
}

// runDemo 在同一进程中运行模拟后端和网关
func runDemo(configFile, backendAddr string) error {
	cfg := testserver.DefaultBackendConfig(backendAddr)
	cfg.EchoAudio = true
	backend := testserver.NewBackend(cfg)
	if err := backend.Start(); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		backend.Shutdown(ctx)
	}()

	fmt.Println("VoiceBridge demo")
	fmt.Println("================")
	fmt.Printf("mock backend: %s\n", backend.URL())
	fmt.Println("connect a bot client to ws://localhost:8080/ws")
	fmt.Println()

	return runGateway(configFile, false, backend.URL())
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infof("received %s, shutting down", sig)
}
