package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kevin07696/payment-bridge/internal/adapters/terminal"
	"github.com/kevin07696/payment-bridge/internal/config"
	"github.com/kevin07696/payment-bridge/internal/handlers/session"
	securitymw "github.com/kevin07696/payment-bridge/internal/middleware"
	"github.com/kevin07696/payment-bridge/pkg/middleware"
	"github.com/kevin07696/payment-bridge/pkg/observability"
	"github.com/kevin07696/payment-bridge/pkg/schedule"
	"github.com/kevin07696/payment-bridge/pkg/shutdown"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.Logger)
	defer logger.Sync()

	logger.Info("Starting payment bridge",
		zap.String("version", "0.1.0"),
		zap.String("environment", cfg.Logger.Environment),
		zap.Strings("allowed_origins", cfg.Session.AllowedOrigins),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Payment bridge stopped with error", zap.Error(err))
	}
	logger.Info("Payment bridge stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Terminal gateway client
	terminalClient, err := terminal.NewClientWithDefaults(terminal.Config{
		BaseURL: cfg.Terminal.BaseURL,
		PayPath: cfg.Terminal.PayPath,
	}, cfg.Terminal.Timeout, logger)
	if err != nil {
		return fmt.Errorf("terminal client: %w", err)
	}

	healthChecker := observability.NewHealthChecker()
	healthChecker.Register("terminal_gateway", func(context.Context) error {
		if state := terminalClient.Breaker().State(); state == terminal.StateOpen {
			return fmt.Errorf("circuit %s", state)
		}
		return nil
	})

	// Sessions
	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	registry := session.NewRegistry(cfg.Session.TTL, logger)
	reaper := shutdown.NewPeriodicWorker("session-reaper", time.Minute, logger)
	reaper.Start(func(context.Context) { registry.Reap() })

	tracker := shutdown.NewInFlightTracker("session-messages", logger)

	sessionHandler := session.NewHandler(
		sessionCtx,
		registry,
		terminalClient,
		schedule.NewTimer(),
		tracker,
		cfg.Session.AllowedOrigins,
		logger,
	)

	// HTTP middleware: security headers outermost, then per-IP rate limiting
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
	securityHeaders := securitymw.NewSecurityHeaders(cfg.Logger.Development(), cfg.Session.AllowedOrigins)

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           securityHeaders.Middleware(rateLimiter.Middleware(sessionHandler.Routes())),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	apiServer.RegisterOnShutdown(sessionHandler.CloseStreams)

	metricsServer := observability.NewMetricsServer(cfg.Server.MetricsAddr(), healthChecker)

	// Components stop in reverse order: the API server first, the metrics
	// server last so the shutdown itself stays observable
	shutdownMgr := shutdown.NewManager(logger, cfg.Server.ShutdownTimeout)
	shutdownMgr.RegisterHTTPServer("metrics-server", metricsServer)
	shutdownMgr.RegisterNoErr("rate-limiter", rateLimiter.Shutdown)
	shutdownMgr.Register("sessions", registry.Shutdown)
	shutdownMgr.Register("session-reaper", reaper.Shutdown)
	shutdownMgr.Register("session-messages", tracker.Shutdown)
	shutdownMgr.RegisterHTTPServer("api-server", apiServer)

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		logger.Info("API server listening", zap.String("address", apiServer.Addr))
		return serve(apiServer)
	})
	g.Go(func() error {
		logger.Info("Metrics server listening", zap.String("address", metricsServer.Addr))
		return serve(metricsServer)
	})
	g.Go(func() error {
		// Returns on SIGINT/SIGTERM, or when a server fails to start
		shutdownMgr.WaitForShutdown(ctx)
		return nil
	})

	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
	return nil
}

func initLogger(cfg config.LoggerConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewDevelopmentConfig()
	if !cfg.Development() {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
