// Package main provides the API server entry point for the CATI dispatcher.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cati-dispatcher/internal/api"
	"github.com/cati-dispatcher/internal/config"
	"github.com/cati-dispatcher/internal/logging"
	"github.com/cati-dispatcher/internal/provider"
	"github.com/cati-dispatcher/internal/ratelimit"
	"github.com/cati-dispatcher/internal/service"
	"github.com/cati-dispatcher/internal/storage"
)

func main() {
	fmt.Println("CATI Dispatcher API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	// Initialize repositories and caches
	queueRepo := storage.NewQueueRepository(postgres)
	responseRepo := storage.NewResponseRepository(postgres)
	callRepo := storage.NewCallRecordRepository(postgres)
	dispatchCache := storage.NewDispatchCache(
		redis,
		cfg.Dispatch.PriorityMapTTL,
		cfg.Dispatch.CandidateTTL,
		cfg.Completion.SessionCacheTTL,
	)

	// Initialize services
	logger.Info("Initializing services...")

	priorityIndex := service.NewPriorityIndex(dispatchCache, cfg.Dispatch.PriorityMapPath)
	dispatcher := service.NewDispatcher(queueRepo, dispatchCache, priorityIndex, cfg.Dispatch.CandidateBatch)

	completionService := service.NewCompletionService(
		responseRepo,
		queueRepo,
		callRepo,
		dispatchCache,
		priorityIndex,
		service.NoopQualityEngine{},
		service.NoopReviewQueue{},
		service.AbandonPolicy{MaxDuration: cfg.Completion.AbandonMaxDuration},
		cfg.Completion.CollaboratorTimeout,
	)

	ingestor := service.NewIngestor(queueRepo, dispatchCache)

	// Call launching is optional: without a provider URL, dispatch
	// hands out entries and interviewers dial manually.
	var callService api.CallServiceInterface
	if cfg.Provider.BaseURL != "" {
		callProvider := provider.NewHTTPCallProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
		dialPacer := ratelimit.NewDialPacer(ratelimit.DialPacerConfig{
			CallsPerSecond: cfg.Provider.CallsPerSecond,
			Burst:          cfg.Provider.CallBurst,
		})
		callService = service.NewCallLauncher(callProvider, queueRepo, callRepo, cfg.Provider.FromNumber, cfg.Provider.Timeout, dialPacer)
		logger.WithField("provider", cfg.Provider.BaseURL).Info("Call provider configured")
	} else {
		logger.Warn("No call provider configured - dispatch will not place calls")
	}

	logger.Info("Services initialized")

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, dispatcher, completionService, ingestor, callService)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
