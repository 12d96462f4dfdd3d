package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/api"
	"github.com/shehryarbajwa/browserpool/internal/audit"
	"github.com/shehryarbajwa/browserpool/internal/browser"
	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/internal/driver"
	"github.com/shehryarbajwa/browserpool/internal/executor"
	"github.com/shehryarbajwa/browserpool/internal/lease"
	"github.com/shehryarbajwa/browserpool/internal/logging"
	"github.com/shehryarbajwa/browserpool/internal/proxy"
	"github.com/shehryarbajwa/browserpool/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting browserpool",
		zap.Int("maxProcesses", cfg.Pool.MaxProcesses),
		zap.Int("contextsPerProcess", cfg.Pool.ContextsPerProcess),
		zap.Int("capacity", cfg.Capacity()))

	// Browser runtime and process pool
	runtime, err := browser.NewDockerRuntime(cfg.Pool.Image, cfg.Pool.ContextsPerProcess)
	if err != nil {
		logger.Fatal("failed to create docker runtime", zap.Error(err))
	}

	pool := browser.NewPool(runtime, cfg.Pool, logger)

	// Automation driver
	pw, err := driver.NewPlaywright()
	if err != nil {
		logger.Fatal("failed to start automation driver", zap.Error(err))
	}
	defer pw.Close()

	// Lease manager
	leaseMgr := lease.NewManager(pool, pw, cfg.Capacity(), cfg.Lease, logger)
	pool.SetOnProcessDown(leaseMgr.OnProcessDown)

	// Warm the pool before accepting traffic
	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := pool.Start(startCtx); err != nil {
		logger.Fatal("failed to start browser pool", zap.Error(err))
	}
	logger.Info("browser pool ready")

	// Audit store
	auditStore, err := audit.NewStore(cfg.Job.ArtifactPath, cfg.Job.Retention, logger)
	if err != nil {
		logger.Fatal("failed to create audit store", zap.Error(err))
	}
	defer auditStore.Close()

	// Job executor
	exec := executor.NewExecutor(leaseMgr, cfg.Job, logger)

	// Debug proxy and rate limiter
	proxyServer := proxy.NewServer(leaseMgr, logger)
	rateLimiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)

	// HTTP gateway
	handler := api.NewHandler(leaseMgr, exec, pool, auditStore, cfg, logger)
	router := handler.SetupRoutes(proxyServer, rateLimiter)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Release outstanding leases before tearing the pool down.
	leaseMgr.Close()

	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("pool shutdown incomplete", zap.Error(err))
	}

	logger.Info("stopped cleanly")
}
