package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/meshforge"
	"github.com/BaSui01/meshforge/api/handlers"
	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/generation"
	"github.com/BaSui01/meshforge/generation/history"
	"github.com/BaSui01/meshforge/generation/reference"
	"github.com/BaSui01/meshforge/generation/store"
	"github.com/BaSui01/meshforge/internal/cache"
	"github.com/BaSui01/meshforge/internal/database"
	"github.com/BaSui01/meshforge/internal/metrics"
	"github.com/BaSui01/meshforge/internal/objectstore"
	"github.com/BaSui01/meshforge/internal/server"
	"github.com/BaSui01/meshforge/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 MeshForge 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler     *handlers.HealthHandler
	generationHandler *handlers.GenerationHandler
	streamHandler     *handlers.StreamHandler

	metricsCollector *metrics.Collector
	otel             *telemetry.Providers

	// 会话与共享依赖
	pipeline  *meshforge.Pipeline
	registry  *generation.Registry
	snapshots *store.RedisStore
	history   *history.Store

	// 可选基础设施
	cacheManager *cache.Manager
	dbPool       *database.PoolManager
	objects      *objectstore.Store

	watcher *config.Watcher

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("meshforge", s.logger)

	// 2. 可选基础设施（失败时降级，不阻止启动）
	s.initCache()
	s.initDatabase(ctx)
	if err := s.initObjectStore(ctx); err != nil {
		return fmt.Errorf("failed to init object storage: %w", err)
	}

	// 3. 流水线与会话注册表
	s.initPipeline()

	// 4. 初始化 Handlers
	s.initHandlers()

	// 5. 配置热重载
	if err := s.initWatcher(ctx); err != nil {
		return fmt.Errorf("failed to init config watcher: %w", err)
	}

	// 6. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 7. 启动 Metrics 服务器
	if s.cfg.Server.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("snapshots_enabled", s.snapshots != nil),
		zap.Bool("history_enabled", s.history != nil),
		zap.Bool("object_storage_enabled", s.objects != nil),
		zap.Bool("hot_reload_enabled", s.watcher != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initCache 连接 Redis 并启用会话快照
func (s *Server) initCache() {
	if s.cfg.Redis.Addr == "" {
		s.logger.Info("Redis not configured, session snapshots disabled")
		return
	}
	mgr, err := cache.NewManager(cache.ConfigFrom(s.cfg.Redis), s.logger)
	if err != nil {
		s.logger.Warn("Redis not available, session snapshots disabled", zap.Error(err))
		return
	}
	s.cacheManager = mgr
	s.snapshots = store.NewRedisStore(mgr, s.cfg.Redis.SnapshotTTL, s.logger,
		store.WithHitRecorder(s.metricsCollector))
}

// initDatabase 打开数据库并启用运行历史
func (s *Server) initDatabase(ctx context.Context) {
	if s.cfg.Database.Driver == "" {
		s.logger.Info("Database not configured, run history disabled")
		return
	}
	db, err := database.Open(s.cfg.Database)
	if err != nil {
		s.logger.Warn("Database not available, run history disabled", zap.Error(err))
		return
	}
	pool, err := database.NewPoolManager(db, database.PoolConfigFrom(s.cfg.Database), s.logger,
		database.WithStatsRecorder(s.metricsCollector))
	if err != nil {
		s.logger.Warn("Database pool setup failed, run history disabled", zap.Error(err))
		return
	}
	hist, err := history.New(pool.DB(), s.logger)
	if err != nil {
		_ = pool.Close()
		s.logger.Warn("Run history unavailable", zap.Error(err))
		return
	}
	if s.cfg.Database.AutoMigrate {
		if err := hist.AutoMigrate(ctx); err != nil {
			s.logger.Error("Database auto-migrate failed", zap.Error(err))
		}
	}
	s.dbPool = pool
	s.history = hist
	s.logger.Info("Database connected", zap.String("driver", s.cfg.Database.Driver))
}

// initObjectStore 启用对象存储发布；配置错误直接返回
func (s *Server) initObjectStore(ctx context.Context) error {
	if !s.cfg.Storage.Enabled {
		return nil
	}
	objects, err := objectstore.New(s.cfg.Storage, s.logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := objects.EnsureBucket(ctx); err != nil {
		return err
	}
	s.objects = objects
	return nil
}

// initPipeline 组装共享依赖与会话注册表
func (s *Server) initPipeline() {
	opts := []meshforge.Option{
		meshforge.WithLogger(s.logger),
		meshforge.WithMetrics(s.metricsCollector),
	}
	if s.objects != nil {
		opts = append(opts, meshforge.WithPublisher(generation.NewObjectPublisher(s.objects)))
	}
	if s.history != nil {
		opts = append(opts, meshforge.WithRecorder(s.history))
	}
	s.pipeline = meshforge.NewPipeline(s.cfg, opts...)

	s.registry = generation.NewRegistry(s.pipeline.NewSession, s.cfg.Pipeline.MaxSessions,
		s.metricsCollector, s.logger)
	if s.snapshots != nil {
		snapshots := s.snapshots
		// 镜像 goroutine 在会话关闭、订阅通道关闭时自行退出
		s.registry.OnCreate(func(sess *generation.Session) {
			snapshots.Mirror(sess.Orchestrator)
		})
	}
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger, Version)
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewCheck("redis", s.cacheManager.Ping))
	}
	if s.dbPool != nil {
		s.healthHandler.RegisterCheck(handlers.NewCheck("database", s.dbPool.Ping))
	}
	if s.objects != nil {
		s.healthHandler.RegisterCheck(handlers.NewCheck("object_storage", s.objects.CheckBucket))
	}

	opts := []handlers.GenerationOption{
		handlers.WithReferenceFetcher(reference.NewFetcher(
			reference.WithMaxBytes(s.cfg.Pipeline.MaxReferenceBytes),
			reference.WithLogger(s.logger),
		)),
	}
	if s.snapshots != nil {
		opts = append(opts, handlers.WithSnapshotStore(s.snapshots))
	}
	if s.history != nil {
		opts = append(opts, handlers.WithRunLister(s.history))
	}
	s.generationHandler = handlers.NewGenerationHandler(s.registry, s.logger, opts...)
	s.streamHandler = handlers.NewStreamHandler(s.registry, s.cfg.Server.CORSAllowedOrigins, s.logger)

	s.logger.Info("Handlers initialized")
}

// initWatcher 监听配置文件；新参数只作用于之后创建的会话
func (s *Server) initWatcher(ctx context.Context) error {
	if s.configPath == "" {
		return nil
	}
	loader := config.NewLoader().WithConfigPath(s.configPath)
	w, err := config.NewWatcher(loader, s.configPath, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnReload(func(cfg *config.Config) {
		s.pipeline.Apply(cfg)
		s.logger.Info("Pipeline settings reloaded",
			zap.Duration("poll_interval", cfg.Reconstruction.PollInterval),
			zap.Int("max_poll_attempts", cfg.Reconstruction.MaxPollAttempts),
			zap.Int("max_dimension", cfg.Pipeline.MaxDimension),
		)
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// skipAuthPaths 探活与版本端点不需要认证
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// routes 注册全部路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	s.generationHandler.Register(mux)
	s.streamHandler.Register(mux)
	return mux
}

// handler 构建中间件链
func (s *Server) handler(ctx context.Context) http.Handler {
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	rps, burst := float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst
	switch {
	case s.cfg.JWT.Enabled():
		// 认证后按租户限流
		middlewares = append(middlewares,
			JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger),
			TenantRateLimiter(ctx, rps, burst, s.logger))
	case len(s.cfg.Server.APIKeys) > 0:
		middlewares = append(middlewares,
			RateLimiter(ctx, rps, burst, s.logger),
			APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger))
	default:
		middlewares = append(middlewares, RateLimiter(ctx, rps, burst, s.logger))
	}
	return Chain(s.routes(), middlewares...)
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	serverConfig := server.Config{
		Name:            "http",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(s.handler(rateLimiterCtx), serverConfig, s.logger)

	var err error
	if s.cfg.Server.TLSCertFile != "" {
		err = s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	} else {
		err = s.httpManager.Start()
	}
	if err != nil {
		return err
	}

	s.logger.Info("HTTP server started",
		zap.String("addr", s.httpManager.Addr()),
		zap.Bool("tls", s.cfg.Server.TLSCertFile != ""))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号或服务器错误，然后优雅关闭
func (s *Server) WaitForShutdown(ctx context.Context) {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown(ctx)
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine 与配置监听
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}

	// 1. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭全部会话（取消进行中的远程任务）
	if s.registry != nil {
		s.registry.Close()
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 释放基础设施
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
