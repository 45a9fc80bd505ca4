package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "mailforge/backend/internal/auth/jwt"
	"mailforge/backend/internal/batch"
	"mailforge/backend/internal/bootstrap"
	"mailforge/backend/internal/config"
	"mailforge/backend/internal/generator"
	"mailforge/backend/internal/health"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/service"
	httptransport "mailforge/backend/internal/transport/http"
	"mailforge/backend/internal/websocket"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

// main 启动 HTTP API，smtp_sink 后端时同时启动 SMTP 收件服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	if err := cfg.RequireJWT(); err != nil {
		panic(err.Error())
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting mailforge server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("domain", cfg.Identity.Domain),
	)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层
	store, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close store", zap.Error(err))
		}
	}()

	// 保险库只在配置中存在凭据信封时打开
	session, err := bootstrap.OpenVault(cfg)
	if err != nil {
		log.Fatal("failed to open vault", zap.Error(err))
	}
	var vaultState health.VaultState
	if session != nil {
		vaultState = session
		defer func() { _ = session.Close() }()
		log.Info("vault session opened", zap.String("salt_file", cfg.Vault.SaltFile))
	}

	// 初始化监控系统
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := health.NewHealthChecker(store, vaultState, log)

	verifier, err := bootstrap.NewVerifier(cfg, store, session, metrics, log)
	if err != nil {
		log.Fatal("failed to initialize verification backend", zap.Error(err))
	}
	defer verifier.Close()

	gen, err := generator.New(cfg.GeneratorConfig(), store,
		generator.WithMetrics(metrics),
		generator.WithLogger(logger.Named(log, "generator")),
	)
	if err != nil {
		log.Fatal("failed to initialize generator", zap.Error(err))
	}
	orchestrator := batch.New(gen, store,
		batch.WithBackend(verifier.Backend),
		batch.WithMaxConcurrency(cfg.Batch.MaxConcurrency),
		batch.WithPollTimeout(cfg.Verify.PollTimeout),
		batch.WithMetrics(metrics),
		batch.WithLogger(logger.Named(log, "batch")),
	)

	// 创建 WebSocket Hub
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, logger.Named(log, "websocket"))

	// 初始化服务层
	identityService := service.NewIdentityService(gen, store, verifier.Backend, service.IdentityOptions{
		DefaultStrategy: cfg.Identity.DefaultStrategy,
		PollTimeout:     cfg.Verify.PollTimeout,
	}, log)
	tagService := service.NewTagService(store, log)
	batchService := service.NewBatchService(orchestrator, wsHub, cfg.Identity.DefaultStrategy, logger.Named(log, "jobs"))

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("expiry", cfg.JWT.Expiry),
	)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		IdentityService: identityService,
		TagService:      tagService,
		BatchService:    batchService,
		JWTManager:      jwtManager,
		WebSocketHub:    wsHub,
		Health:          healthChecker,
		Metrics:         metrics,
		Logger:          logger.Named(log, "http"),
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// 单次验证请求会阻塞到轮询结束
		WriteTimeout: service.MaxVerifyTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 收件服务 goroutine
	if verifier.SMTP != nil {
		group.Go(func() error {
			log.Info("starting SMTP sink",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := verifier.SMTP.ListenAndServe(); err != nil && groupCtx.Err() == nil {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// WebSocket Hub goroutine
	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, stopping servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 先停止接收新请求，再取消运行中的批量任务
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := batchService.Shutdown(shutdownCtx); err != nil {
			log.Error("batch jobs did not stop in time", zap.Error(err))
		}
		if verifier.SMTP != nil {
			if err := verifier.SMTP.Close(); err != nil {
				log.Error("SMTP server shutdown error", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		return
	}
	log.Info("server exited gracefully")
}
