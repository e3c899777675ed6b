package api

import (
	"github.com/gin-gonic/gin"
	"github.com/kaiwen/docmill/internal/api/handler"
	"github.com/kaiwen/docmill/internal/api/middleware"
	"github.com/kaiwen/docmill/internal/config"
	"github.com/kaiwen/docmill/internal/jobstore"
	"github.com/kaiwen/docmill/internal/logger"
	"github.com/kaiwen/docmill/internal/service"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	docs *service.DocumentService,
	dispatcher *service.Dispatcher,
	jobs *jobstore.Store,
	cfg *config.Config,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	documentHandler := handler.NewDocumentHandler(docs, dispatcher, cfg.Upload.MaxSizeBytes)
	jobHandler := handler.NewJobHandler(jobs)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Documents
		v1.POST("/documents", documentHandler.Upload)
		v1.GET("/documents", documentHandler.List)
		v1.GET("/documents/:id", documentHandler.Get)
		v1.DELETE("/documents/:id", documentHandler.Delete)

		// Processing
		v1.POST("/documents/:id/process", documentHandler.ProcessDocument)
		v1.POST("/documents/:id/batches/:index/process", documentHandler.ProcessBatch)

		// Jobs
		v1.GET("/jobs", jobHandler.List)
		v1.GET("/jobs/:id", jobHandler.Status)

		// Results
		v1.GET("/documents/:id/download", documentHandler.DownloadAll)
		v1.GET("/artifacts/:name", documentHandler.DownloadArtifact)
	}

	return r
}
