package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/pngcrypt/internal/api"
	"github.com/kenneth/pngcrypt/internal/audit"
	"github.com/kenneth/pngcrypt/internal/cache"
	"github.com/kenneth/pngcrypt/internal/config"
	"github.com/kenneth/pngcrypt/internal/metrics"
	"github.com/kenneth/pngcrypt/internal/middleware"
	"github.com/kenneth/pngcrypt/internal/pipeline"
	"github.com/kenneth/pngcrypt/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if configPath == "" {
		configPath = "pngcrypt.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Set log level from config
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting pngcrypt server")

	if cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(context.Background(), cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	// Initialize metrics
	m := metrics.NewMetrics()
	stopMetrics := make(chan struct{})
	defer close(stopMetrics)
	if cfg.Metrics.Enabled {
		m.StartSystemMetricsCollector(stopMetrics)
	}

	// Initialize audit logger if enabled
	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewJSONWriter(os.Stdout))
		logger.WithFields(logrus.Fields{
			"max_events": cfg.Audit.MaxEvents,
		}).Info("Audit logging enabled")
	}

	sessions := cache.NewSessionStore(cfg.Session.TTL, cfg.Session.MaxItems)
	logger.WithFields(logrus.Fields{
		"ttl":       cfg.Session.TTL,
		"max_items": cfg.Session.MaxItems,
	}).Info("Session store initialized")

	p := pipeline.New(pipeline.OptionsFromConfig(cfg), logger, m, auditLogger)
	logger.WithFields(logrus.Fields{
		"key_size": cfg.Crypto.KeySize,
		"mode":     cfg.Crypto.Mode,
	}).Info("Cipher configuration")

	handler := api.NewHandler(p, sessions, logger, m, auditLogger, cfg)

	// Setup router
	router := mux.NewRouter()
	router.Use(middleware.MetricsMiddleware(m))
	handler.RegisterRoutes(router)

	// Apply middleware, innermost first
	var httpHandler http.Handler = router
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			cfg.RateLimit.Limit,
			cfg.RateLimit.Window,
			logger,
		)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	if cfg.Tracing.Enabled {
		httpHandler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(httpHandler)
	}
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.Server.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.Server.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}

	if err := shutdownTracing(ctx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
	if err := sessions.Clear(ctx); err != nil {
		logger.WithError(err).Warn("Failed to clear sessions")
	}
}
