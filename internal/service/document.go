package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kaiwen/docmill/internal/domain"
	"github.com/kaiwen/docmill/internal/jobstore"
	"github.com/kaiwen/docmill/internal/logger"
	"github.com/kaiwen/docmill/internal/pdf"
	"github.com/kaiwen/docmill/internal/storage"
)

// DocumentService handles upload, registry reads, reconciliation, and
// result aggregation.
type DocumentService struct {
	registry  Registry
	jobs      *jobstore.Store
	store     storage.ObjectStorage
	pages     pdf.PageSource
	logger    *logger.Logger
	uploadDir string
}

// DocumentConfig holds configuration for the document service.
type DocumentConfig struct {
	UploadDir string // where uploaded PDFs are kept for the process lifetime
}

// NewDocumentService creates a DocumentService.
func NewDocumentService(
	registry Registry,
	jobs *jobstore.Store,
	store storage.ObjectStorage,
	pages pdf.PageSource,
	log *logger.Logger,
	cfg *DocumentConfig,
) *DocumentService {
	dir := "./data/uploads"
	if cfg != nil && cfg.UploadDir != "" {
		dir = cfg.UploadDir
	}
	return &DocumentService{
		registry:  registry,
		jobs:      jobs,
		store:     store,
		pages:     pages,
		logger:    log,
		uploadDir: dir,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *DocumentService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Upload validates and stores an uploaded PDF, plans its batches, and
// registers the document. Two uploads of identically named files get
// distinct document IDs and independent batch state.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - filename: client-supplied filename; must end in .pdf.
//   - content: PDF bytes.
//   - batchSize: pages per batch, 1-20.
//
// Returns:
//   - *domain.Document: created document with its pending batches.
//   - error: ValidationError before any state is created, or an I/O error.
func (s *DocumentService) Upload(ctx context.Context, filename string, content io.Reader, batchSize int) (*domain.Document, error) {
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return nil, domain.NewValidationError("file", "please upload a PDF file")
	}
	// Validate the batch size before touching disk
	if batchSize < pdf.MinBatchSize || batchSize > pdf.MaxBatchSize {
		return nil, domain.NewValidationError("batch_size",
			fmt.Sprintf("must be between %d and %d, got %d", pdf.MinBatchSize, pdf.MaxBatchSize, batchSize))
	}

	docID := newDocID()

	if err := os.MkdirAll(s.uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	pdfPath := filepath.Join(s.uploadDir, docID+".pdf")
	f, err := os.Create(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(pdfPath)
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}
	f.Close()

	totalPages, err := s.pages.PageCount(pdfPath)
	if err != nil {
		os.Remove(pdfPath)
		return nil, domain.NewValidationError("file", "could not read PDF: "+err.Error())
	}

	batches, err := pdf.PlanBatches(docID, totalPages, batchSize)
	if err != nil {
		os.Remove(pdfPath)
		return nil, err
	}

	doc := &domain.Document{
		ID:         docID,
		Filename:   filepath.Base(filename),
		PDFPath:    pdfPath,
		TotalPages: totalPages,
		BatchSize:  batchSize,
		Batches:    batches,
	}
	if err := s.registry.Create(ctx, doc); err != nil {
		os.Remove(pdfPath)
		return nil, fmt.Errorf("failed to register document: %w", err)
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldDocID: docID,
		"filename":        doc.Filename,
		"total_pages":     totalPages,
		"batch_size":      batchSize,
	}).Info("Document uploaded")

	return doc, nil
}

// Get returns a document snapshot with its batches.
func (s *DocumentService) Get(ctx context.Context, docID string) (*domain.Document, error) {
	return s.registry.GetByID(ctx, docID)
}

// List returns a snapshot of the whole registry.
func (s *DocumentService) List(ctx context.Context) ([]domain.Document, error) {
	return s.registry.List(ctx)
}

// Refresh synchronizes a document's cached batch state with the job
// store: the one-time reconciliation a poller runs after observing a
// terminal status. It reports whether every batch is now completed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - docID: document to refresh.
//
// Returns:
//   - *domain.Document: refreshed document.
//   - bool: true if all batches completed (document-level completion).
//   - error: non-nil on lookup failure.
func (s *DocumentService) Refresh(ctx context.Context, docID string) (*domain.Document, bool, error) {
	doc, err := s.registry.GetByID(ctx, docID)
	if err != nil {
		return nil, false, err
	}

	for i := range doc.Batches {
		b := &doc.Batches[i]
		if b.JobID == "" || b.Status.Terminal() {
			continue
		}
		job, err := s.jobs.Get(b.JobID)
		if err != nil {
			continue
		}
		switch job.Status {
		case domain.JobStatusComplete:
			if b.Status.CanTransition(domain.BatchStatusCompleted) {
				b.Status = domain.BatchStatusCompleted
				b.ResultFile = job.ResultFile
				if err := s.registry.UpdateBatch(ctx, b); err != nil {
					return nil, false, err
				}
			}
		case domain.JobStatusError:
			if b.Status.CanTransition(domain.BatchStatusError) {
				b.Status = domain.BatchStatusError
				if err := s.registry.UpdateBatch(ctx, b); err != nil {
					return nil, false, err
				}
			}
		}
	}

	return doc, domain.Completed(doc.Batches), nil
}

// DownloadArtifact streams one stored result artifact.
func (s *DocumentService) DownloadArtifact(ctx context.Context, filename string) (io.ReadCloser, error) {
	ok, err := s.store.Exists(ctx, filename)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewNotFoundError("artifact", filename)
	}
	return s.store.Download(ctx, filename)
}

// DownloadAll concatenates every batch artifact of a document into one
// Markdown payload, in ascending batch-index order. All-or-nothing: if
// any batch is not completed the call fails with PartialResultsError.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - docID: document to aggregate.
//
// Returns:
//   - []byte: combined Markdown.
//   - string: suggested download filename.
//   - error: NotFoundError or PartialResultsError.
func (s *DocumentService) DownloadAll(ctx context.Context, docID string) ([]byte, string, error) {
	doc, err := s.registry.GetByID(ctx, docID)
	if err != nil {
		return nil, "", err
	}

	var unfinished, errored int
	for i := range doc.Batches {
		switch doc.Batches[i].Status {
		case domain.BatchStatusCompleted:
		case domain.BatchStatusError:
			errored++
		default:
			unfinished++
		}
	}
	if unfinished > 0 || errored > 0 {
		return nil, "", &domain.PartialResultsError{
			DocumentID: docID,
			Pending:    unfinished,
			Errored:    errored,
		}
	}

	var sections []string
	for i := range doc.Batches {
		b := &doc.Batches[i]
		rc, err := s.store.Download(ctx, b.ResultFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read result of batch %d: %w", b.Index, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("failed to read result of batch %d: %w", b.Index, err)
		}
		sections = append(sections,
			fmt.Sprintf("# Pages %d-%d\n\n%s", b.StartPage, b.EndPage, bytes.TrimSpace(content)))
	}

	combined := strings.Join(sections, "\n\n---\n\n")
	name := strings.TrimSuffix(doc.Filename, filepath.Ext(doc.Filename)) + "_complete.md"

	logger.With(logger.Fields{
		logger.FieldCount: len(sections),
		logger.FieldSize:  len(combined),
	}).Info(ctx, "Aggregated document %s", docID)

	return []byte(combined), name, nil
}

// Delete removes a document, its uploaded PDF, and its result artifacts.
func (s *DocumentService) Delete(ctx context.Context, docID string) error {
	doc, err := s.registry.GetByID(ctx, docID)
	if err != nil {
		return err
	}

	for i := range doc.Batches {
		if rf := doc.Batches[i].ResultFile; rf != "" {
			if err := s.store.Delete(ctx, rf); err != nil {
				s.log(ctx).WithError(err).Warnf("Failed to delete artifact %s", rf)
			}
		}
	}
	if doc.PDFPath != "" {
		os.Remove(doc.PDFPath)
	}
	return s.registry.Delete(ctx, docID)
}

// newDocID allocates a unique document identifier.
func newDocID() string {
	return "doc_" + uuid.New().String()
}
