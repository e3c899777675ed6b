package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaiwen/docmill/internal/api"
	"github.com/kaiwen/docmill/internal/config"
	"github.com/kaiwen/docmill/internal/jobstore"
	"github.com/kaiwen/docmill/internal/logger"
	"github.com/kaiwen/docmill/internal/ocr"
	"github.com/kaiwen/docmill/internal/pdf"
	"github.com/kaiwen/docmill/internal/repository"
	"github.com/kaiwen/docmill/internal/service"
	"github.com/kaiwen/docmill/internal/storage"
)

func main() {
	// Initialize logger from environment (rotation, multi-output)
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize document registry
	registry := repository.NewDocumentRepository(db)

	// Initialize artifact storage (memory, MinIO, R2, S3)
	objectStorage, err := storage.NewStorage(&storage.S3Config{
		Type:      storage.StorageType(cfg.Storage.Type),
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}

	ctx := context.Background()
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
	}

	// Job store: the in-process authority for job state
	jobs := jobstore.New()

	// Page source and OCR worker client
	pages := pdf.NewFileSource(cfg.Upload.WorkDir)
	ocrClient := ocr.New(&ocr.Config{
		APIKey:     cfg.OCR.APIKey,
		BaseURL:    cfg.OCR.BaseURL,
		Model:      cfg.OCR.Model,
		MaxTokens:  cfg.OCR.MaxTokens,
		Timeout:    cfg.OCR.Timeout,
		Retries:    cfg.OCR.Retries,
		RetryDelay: cfg.OCR.RetryDelay,
	})

	// Initialize services
	dispatcher := service.NewDispatcher(registry, jobs, objectStorage, pages, ocrClient, appLogger,
		&service.DispatcherConfig{Workers: cfg.Dispatch.Workers})
	documentService := service.NewDocumentService(registry, jobs, objectStorage, pages, appLogger,
		&service.DocumentConfig{UploadDir: cfg.Upload.Dir})

	// Setup router
	router := api.SetupRouter(documentService, dispatcher, jobs, cfg, appLogger)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown: stop accepting requests, then let in-flight
	// OCR jobs reach a terminal state
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Jobs still in flight at shutdown")
	}

	appLogger.Info("Server exited")
}
