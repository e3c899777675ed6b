package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaiwen/docmill/internal/domain"
	"github.com/kaiwen/docmill/internal/jobstore"
	"github.com/kaiwen/docmill/internal/logger"
	"github.com/kaiwen/docmill/internal/pdf"
	"github.com/kaiwen/docmill/internal/storage"
	"golang.org/x/sync/semaphore"
)

// Recognizer converts one page to Markdown text. Implemented by the
// OCR client; tests substitute fakes.
type Recognizer interface {
	Recognize(ctx context.Context, page []byte, format, model string) (string, error)
}

// Dispatcher launches one asynchronous OCR job per batch dispatch and
// drives it across the batch's page range. In-flight jobs are capped by
// a weighted semaphore; dispatch accepted beyond the cap queues until a
// slot frees. Stopping a poller never cancels a running job; only
// Shutdown does.
type Dispatcher struct {
	registry Registry
	jobs     *jobstore.Store
	store    storage.ObjectStorage
	pages    pdf.PageSource
	ocr      Recognizer
	logger   *logger.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	// acceptMu serializes batch acceptance so concurrent dispatches of
	// the same batch cannot both pass the status check. At most one live
	// job per batch.
	acceptMu sync.Mutex

	// taskCtx outlives the dispatching request; jobs run until done or
	// process shutdown.
	taskCtx  context.Context
	taskStop context.CancelFunc
}

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	Workers int // max concurrently running jobs; <1 defaults to 4
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	registry Registry,
	jobs *jobstore.Store,
	store storage.ObjectStorage,
	pages pdf.PageSource,
	ocr Recognizer,
	log *logger.Logger,
	cfg *DispatcherConfig,
) *Dispatcher {
	workers := 4
	if cfg != nil && cfg.Workers > 0 {
		workers = cfg.Workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry: registry,
		jobs:     jobs,
		store:    store,
		pages:    pages,
		ocr:      ocr,
		logger:   log,
		sem:      semaphore.NewWeighted(int64(workers)),
		taskCtx:  ctx,
		taskStop: cancel,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (d *Dispatcher) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return d.logger
}

// Dispatch launches one asynchronous job for a batch and returns its
// job ID immediately; progress is observed through the job store, not
// the return value.
//
// A batch is dispatchable while pending, and again after an error (a
// fresh job re-runs it). Dispatching a processing or completed batch is
// a caller error.
// Parameters:
//   - ctx: request context; used for the synchronous part only.
//   - docID: document identifier.
//   - batchIndex: 0-based batch position.
//   - model: OCR model override; empty uses the client default.
//
// Returns:
//   - string: allocated job ID.
//   - error: NotFoundError, ErrBatchNotDispatchable, or a storage error.
func (d *Dispatcher) Dispatch(ctx context.Context, docID string, batchIndex int, model string) (string, error) {
	doc, err := d.registry.GetByID(ctx, docID)
	if err != nil {
		return "", err
	}
	jobID, batch, err := d.acceptBatch(ctx, docID, batchIndex)
	if err != nil {
		return "", err
	}

	d.log(ctx).WithFields(logger.Fields{
		logger.FieldDocID:      docID,
		logger.FieldJobID:      jobID,
		logger.FieldBatchIndex: batchIndex,
	}).Info("Dispatched batch")

	span := pdf.PageRange{Start: batch.StartPage, End: batch.EndPage}
	d.launch(jobID, doc, batchIndex, span, model)
	return jobID, nil
}

// acceptBatch checks dispatchability and claims the batch under
// acceptMu, so the status read and the processing write are one atomic
// step with respect to other dispatch calls.
func (d *Dispatcher) acceptBatch(ctx context.Context, docID string, batchIndex int) (string, *domain.Batch, error) {
	d.acceptMu.Lock()
	defer d.acceptMu.Unlock()

	batch, err := d.registry.GetBatch(ctx, docID, batchIndex)
	if err != nil {
		return "", nil, err
	}

	if !batch.Status.CanTransition(domain.BatchStatusProcessing) {
		return "", nil, fmt.Errorf("batch %d of %s is %s: %w",
			batchIndex, docID, batch.Status, domain.ErrBatchNotDispatchable)
	}

	jobID := newJobID()
	job := domain.Job{
		ID:          jobID,
		DocumentID:  docID,
		BatchIndex:  batchIndex,
		CurrentPage: batch.StartPage,
		TotalPages:  batch.EndPage,
		Message:     "Starting batch processing...",
	}
	if err := d.jobs.Create(job); err != nil {
		return "", nil, err
	}

	batch.Status = domain.BatchStatusProcessing
	batch.JobID = jobID
	batch.ResultFile = ""
	if err := d.registry.UpdateBatch(ctx, batch); err != nil {
		d.jobs.Fail(jobID, "failed to mark batch processing: "+err.Error())
		return "", nil, err
	}
	return jobID, batch, nil
}

// DispatchDocument processes the whole document as a single span
// [1, TotalPages]. Same job state machine and polling contract as batch
// dispatch; progress is reported over the whole document.
func (d *Dispatcher) DispatchDocument(ctx context.Context, docID, model string) (string, error) {
	doc, err := d.registry.GetByID(ctx, docID)
	if err != nil {
		return "", err
	}

	jobID := newJobID()
	job := domain.Job{
		ID:          jobID,
		DocumentID:  docID,
		BatchIndex:  -1,
		CurrentPage: 1,
		TotalPages:  doc.TotalPages,
		Message:     "Starting processing...",
	}
	if err := d.jobs.Create(job); err != nil {
		return "", err
	}

	d.log(ctx).WithFields(logger.Fields{
		logger.FieldDocID: docID,
		logger.FieldJobID: jobID,
	}).Info("Dispatched whole document")

	span := pdf.PageRange{Start: 1, End: doc.TotalPages}
	d.launch(jobID, doc, -1, span, model)
	return jobID, nil
}

// launch starts the asynchronous task for a job.
func (d *Dispatcher) launch(jobID string, doc *domain.Document, batchIndex int, span pdf.PageRange, model string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(jobID, doc, batchIndex, span, model)
	}()
}

// run drives one job to a terminal state. It is the single writer for
// its job store entry and for the batch row it owns.
func (d *Dispatcher) run(jobID string, doc *domain.Document, batchIndex int, span pdf.PageRange, model string) {
	ctx := logger.WithFields(d.taskCtx, logger.Fields{
		logger.FieldDocID:     doc.ID,
		logger.FieldJobID:     jobID,
		logger.FieldComponent: "dispatcher",
	})
	start := time.Now()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.finishError(ctx, jobID, doc.ID, batchIndex, "processing aborted: "+err.Error())
		return
	}
	defer d.sem.Release(1)

	if err := d.jobs.Start(jobID, "Processing started"); err != nil {
		d.log(ctx).WithError(err).Error("Failed to start job")
		return
	}

	var out strings.Builder
	for page := span.Start; page <= span.End; page++ {
		d.jobs.Progress(jobID, page, fmt.Sprintf("Processing page %d of %d...", page, span.End))

		data, format, err := d.pages.Page(ctx, doc.PDFPath, page)
		if err != nil {
			d.finishError(ctx, jobID, doc.ID, batchIndex, fmt.Sprintf("failed to load page %d: %v", page, err))
			return
		}

		text, err := d.ocr.Recognize(ctx, data, format, model)
		if err != nil {
			upErr := domain.NewUpstreamError(page, err)
			d.finishError(ctx, jobID, doc.ID, batchIndex, "OCR processing failed: "+upErr.Error())
			return
		}

		fmt.Fprintf(&out, "## Page %d\n\n%s\n\n---\n\n", page, text)
	}

	resultFile := resultFilename(doc.ID, batchIndex)
	content := out.String()
	if err := d.store.Upload(ctx, resultFile, strings.NewReader(content), int64(len(content)), "text/markdown"); err != nil {
		d.finishError(ctx, jobID, doc.ID, batchIndex, "failed to store result: "+err.Error())
		return
	}

	if batchIndex >= 0 {
		if err := d.completeBatch(ctx, doc.ID, batchIndex, jobID, resultFile); err != nil {
			d.finishError(ctx, jobID, doc.ID, batchIndex, "failed to record batch result: "+err.Error())
			return
		}
	}

	d.jobs.Complete(jobID, resultFile, "Processing complete!")

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldPages:      span.Pages(),
	}).Info(ctx, "Job complete: result=%s", resultFile)
}

// completeBatch records success on the owned batch row.
func (d *Dispatcher) completeBatch(ctx context.Context, docID string, batchIndex int, jobID, resultFile string) error {
	batch, err := d.registry.GetBatch(ctx, docID, batchIndex)
	if err != nil {
		return err
	}
	if !batch.Status.CanTransition(domain.BatchStatusCompleted) {
		return fmt.Errorf("batch %d of %s: %s -> completed: %w",
			batchIndex, docID, batch.Status, domain.ErrInvalidTransition)
	}
	batch.Status = domain.BatchStatusCompleted
	batch.JobID = jobID
	batch.ResultFile = resultFile
	return d.registry.UpdateBatch(ctx, batch)
}

// finishError moves the job, and its batch if any, to error. Sibling
// batches are untouched.
func (d *Dispatcher) finishError(ctx context.Context, jobID, docID string, batchIndex int, message string) {
	d.log(ctx).Errorf("Job failed: %s", message)
	d.jobs.Fail(jobID, message)

	if batchIndex < 0 {
		return
	}
	batch, err := d.registry.GetBatch(ctx, docID, batchIndex)
	if err != nil {
		d.log(ctx).WithError(err).Error("Failed to load batch for error update")
		return
	}
	if !batch.Status.CanTransition(domain.BatchStatusError) {
		return
	}
	batch.Status = domain.BatchStatusError
	if err := d.registry.UpdateBatch(ctx, batch); err != nil {
		d.log(ctx).WithError(err).Error("Failed to mark batch errored")
	}
}

// Shutdown cancels the task context and waits for in-flight jobs to
// reach a terminal state, or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.taskStop()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all in-flight jobs finish. Test helper and CLI use.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// newJobID allocates a unique job identifier.
func newJobID() string {
	return "job_" + uuid.New().String()
}

// resultFilename names the durable artifact for a job's output.
func resultFilename(docID string, batchIndex int) string {
	if batchIndex < 0 {
		return fmt.Sprintf("result_%s.md", uuid.New().String())
	}
	return fmt.Sprintf("batch_%s_%d.md", docID, batchIndex)
}

// IsNotDispatchable reports whether err is an ErrBatchNotDispatchable.
func IsNotDispatchable(err error) bool {
	return errors.Is(err, domain.ErrBatchNotDispatchable)
}
