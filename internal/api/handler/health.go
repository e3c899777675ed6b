package handler

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check endpoints
type HealthHandler struct{}

// NewHealthHandler creates a new health handler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	apiKeys := "missing"
	if os.Getenv("OPENAI_API_KEY") != "" {
		apiKeys = "loaded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"api_keys": apiKeys,
	})
}
