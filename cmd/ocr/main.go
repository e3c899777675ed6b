package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kaiwen/docmill/internal/config"
	"github.com/kaiwen/docmill/internal/domain"
	"github.com/kaiwen/docmill/internal/jobstore"
	"github.com/kaiwen/docmill/internal/logger"
	"github.com/kaiwen/docmill/internal/ocr"
	"github.com/kaiwen/docmill/internal/pdf"
	"github.com/kaiwen/docmill/internal/repository"
	"github.com/kaiwen/docmill/internal/service"
	"github.com/kaiwen/docmill/internal/storage"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "docmill-ocr",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	pdfPath := flag.String("pdf", "", "Path to the PDF to process")
	batchSize := flag.Int("batch-size", 5, "Pages per batch (1-20)")
	model := flag.String("model", "", "OCR model override")
	wholeDoc := flag.Bool("whole", false, "Process the document as a single job instead of batches")
	output := flag.String("output", "", "Output markdown path (defaults next to the PDF)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *pdfPath == "" {
		appLogger.Fatal("Missing required -pdf flag")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	appLogger.WithFields(logger.Fields{
		"pdf":        *pdfPath,
		"batch_size": *batchSize,
		"whole":      *wholeDoc,
	}).Info("Starting OCR run")

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	registry := repository.NewDocumentRepository(db)

	// Initialize artifact storage
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
	}

	// Initialize services
	jobs := jobstore.New()
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

	dispatcher := service.NewDispatcher(registry, jobs, objectStorage, pages, ocrClient, appLogger,
		&service.DispatcherConfig{Workers: cfg.Dispatch.Workers})
	documentService := service.NewDocumentService(registry, jobs, objectStorage, pages, appLogger,
		&service.DocumentConfig{UploadDir: cfg.Upload.Dir})
	watcher := service.NewWatcher(jobs, documentService, appLogger, cfg.Dispatch.PollInterval)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	// Register the document
	f, err := os.Open(*pdfPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to open PDF")
	}
	doc, err := documentService.Upload(ctx, filepath.Base(*pdfPath), f, *batchSize)
	f.Close()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to register document")
	}

	appLogger.WithFields(logger.Fields{
		"doc_id":  doc.ID,
		"pages":   doc.TotalPages,
		"batches": len(doc.Batches),
	}).Info("Document registered")

	// Dispatch and wait
	if *wholeDoc {
		jobID, err := dispatcher.DispatchDocument(ctx, doc.ID, *model)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to dispatch document")
		}
		job, err := watcher.Await(ctx, jobID)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed while waiting for job")
		}
		if job.Status != domain.JobStatusComplete {
			appLogger.WithFields(logger.Fields{
				"job_id":  job.ID,
				"status":  string(job.Status),
				"message": job.Message,
			}).Fatal("Job did not complete")
		}
	} else {
		jobIDs := make([]string, 0, len(doc.Batches))
		for _, b := range doc.Batches {
			jobID, err := dispatcher.Dispatch(ctx, doc.ID, b.Index, *model)
			if err != nil {
				appLogger.WithError(err).WithField("batch", b.Index).Fatal("Failed to dispatch batch")
			}
			jobIDs = append(jobIDs, jobID)
		}
		failed := 0
		for _, jobID := range jobIDs {
			job, err := watcher.Await(ctx, jobID)
			if err != nil {
				appLogger.WithError(err).Fatal("Failed while waiting for job")
			}
			if job.Status != domain.JobStatusComplete {
				failed++
				appLogger.WithFields(logger.Fields{
					"job_id":  job.ID,
					"message": job.Message,
				}).Error("Batch job failed")
			}
		}
		if failed > 0 {
			appLogger.WithField("failed", failed).Fatal("Some batch jobs failed")
		}
	}

	// Merge and write the result
	merged, name, err := documentService.DownloadAll(ctx, doc.ID)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to merge results")
	}

	outPath := *output
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(*pdfPath), name)
	}
	if err := os.WriteFile(outPath, merged, 0o644); err != nil {
		appLogger.WithError(err).Fatal("Failed to write output")
	}

	appLogger.WithFields(logger.Fields{
		"output": outPath,
		"bytes":  len(merged),
	}).Info("OCR run completed")
}
