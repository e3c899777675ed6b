package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kaiwen/docmill/internal/domain"
	"github.com/kaiwen/docmill/internal/service"
)

// DocumentHandler handles document-related endpoints.
type DocumentHandler struct {
	docs       *service.DocumentService
	dispatcher *service.Dispatcher
	maxSize    int64 // upload size cap in bytes; <=0 disables
}

// NewDocumentHandler creates a new document handler.
// Parameters:
//   - docs: document service instance.
//   - dispatcher: batch dispatcher instance.
//   - maxSize: maximum accepted upload size in bytes.
//
// Returns:
//   - *DocumentHandler: initialized handler.
func NewDocumentHandler(docs *service.DocumentService, dispatcher *service.Dispatcher, maxSize int64) *DocumentHandler {
	return &DocumentHandler{
		docs:       docs,
		dispatcher: dispatcher,
		maxSize:    maxSize,
	}
}

// Upload handles POST /api/v1/documents.
// Multipart form: file (PDF), batch_size (1-20, default 5).
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	if h.maxSize > 0 && fileHeader.Size > h.maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("File too large: %d bytes (limit %d)", fileHeader.Size, h.maxSize),
		})
		return
	}

	batchSize := 5
	if raw := c.PostForm("batch_size"); raw != "" {
		batchSize, err = strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid batch_size: " + raw})
			return
		}
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read upload: " + err.Error()})
		return
	}
	defer f.Close()

	doc, err := h.docs.Upload(c.Request.Context(), fileHeader.Filename, f, batchSize)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

// List handles GET /api/v1/documents.
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.docs.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// Get handles GET /api/v1/documents/:id.
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.docs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Delete handles DELETE /api/v1/documents/:id.
func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.docs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// ProcessBatch handles POST /api/v1/documents/:id/batches/:index/process.
// Optional form/query field: model.
func (h *DocumentHandler) ProcessBatch(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid batch index: " + c.Param("index")})
		return
	}

	jobID, err := h.dispatcher.Dispatch(c.Request.Context(), c.Param("id"), index, c.DefaultPostForm("model", c.Query("model")))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

// ProcessDocument handles POST /api/v1/documents/:id/process — the
// whole-document variant, one job spanning every page.
func (h *DocumentHandler) ProcessDocument(c *gin.Context) {
	jobID, err := h.dispatcher.DispatchDocument(c.Request.Context(), c.Param("id"), c.DefaultPostForm("model", c.Query("model")))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

// DownloadAll handles GET /api/v1/documents/:id/download.
func (h *DocumentHandler) DownloadAll(c *gin.Context) {
	content, name, err := h.docs.DownloadAll(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", content)
}

// DownloadArtifact handles GET /api/v1/artifacts/:name.
func (h *DocumentHandler) DownloadArtifact(c *gin.Context) {
	name := c.Param("name")
	rc, err := h.docs.DownloadArtifact(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.DataFromReader(http.StatusOK, -1, "text/markdown; charset=utf-8", rc, nil)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case domain.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case domain.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrBatchNotDispatchable), domain.IsPartialResults(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
