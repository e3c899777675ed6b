package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kaiwen/docmill/internal/jobstore"
)

// JobHandler handles job status endpoints.
type JobHandler struct {
	jobs *jobstore.Store
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs *jobstore.Store) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Status handles GET /api/v1/jobs/:id. Pollers call this at a fixed
// interval until they observe a terminal status.
func (h *JobHandler) Status(c *gin.Context) {
	job, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.jobs.List()})
}
