package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaygrid/internal/core/ports"
	"relaygrid/internal/core/services"
	httphandlers "relaygrid/internal/handlers/http"
	businfra "relaygrid/internal/infrastructure/bus"
	"relaygrid/internal/infrastructure/middleware"
	"relaygrid/internal/infrastructure/monitoring"
	"relaygrid/pkg/config"
	"relaygrid/pkg/logger"
	"relaygrid/pkg/tracing"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/relaygrid/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "relaygrid",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error shutting down tracer", "error", err)
		}
	}()

	// Message bus: in-process by default, Redis when relays and coordinators
	// span multiple nodes.
	var msgBus ports.MessageBus
	if cfg.Redis.Enabled {
		redisBus, err := businfra.NewRedisBus(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			log,
		)
		if err != nil {
			log.Fatalw("failed to connect to Redis bus", "error", err)
		}
		msgBus = redisBus
	} else {
		msgBus = businfra.NewMemoryBus(cfg.Bus.BufferSize, log)
	}
	defer msgBus.Close()

	// Metrics
	var metrics ports.Metrics = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	registry := services.NewRegistry(metrics)

	// Health checks
	healthChecker := monitoring.NewHealthChecker()
	if cfg.Redis.Enabled {
		redisBus := msgBus.(*businfra.RedisBus)
		healthChecker.AddCheck("redis", redisBus.Ping, 2*time.Second)
	}

	// HTTP API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.TracingMiddleware())

	statsHandler := httphandlers.NewStatsHandler(registry, cfg.Auth.JWTSecret)
	statsHandler.SetupRoutes(router)

	sessionHandler := httphandlers.NewSessionHandler(msgBus, registry, metrics, clock.New(), httphandlers.SessionConfig{
		Relay: services.RelayConfig{
			AnnounceInterval: cfg.Relay.AnnounceInterval,
			PLIMinInterval:   cfg.Relay.PLIMinInterval,
			MailboxSize:      cfg.Relay.MailboxSize,
		},
		Coordinator: services.CoordinatorConfig{
			LockTimeout:         cfg.Coordinator.LockTimeout,
			TickInterval:        cfg.Coordinator.TickInterval,
			SwitchRetryInterval: cfg.Coordinator.SwitchRetryInterval,
			SwitchMaxAttempts:   cfg.Coordinator.SwitchMaxAttempts,
			MailboxSize:         cfg.Coordinator.MailboxSize,
		},
		NegotiationTimeout: cfg.Negotiation.Timeout,
		SinkQueueSize:      cfg.Sink.QueueSize,
		SinkWriteTimeout:   cfg.Sink.WriteTimeout,
		ICEServers:         cfg.WebRTC.ICEServers,
		JWTSecret:          cfg.Auth.JWTSecret,
	}, log)
	sessionHandler.SetupRoutes(router)

	router.GET("/health", healthChecker.Handler())

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting relaygrid server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down relaygrid server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	log.Info("relaygrid server stopped")
}
