package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kaiwen/docmill/internal/domain"
	"github.com/kaiwen/docmill/internal/jobstore"
	"github.com/kaiwen/docmill/internal/storage"
)

func newTestDispatcher(reg *fakeRegistry, pages *fakePages, ocr *fakeOCR, workers int) (*Dispatcher, *jobstore.Store, *storage.MemoryStorage) {
	jobs := jobstore.New()
	store := storage.NewMemoryStorage()
	d := NewDispatcher(reg, jobs, store, pages, ocr, testLogger(), &DispatcherConfig{Workers: workers})
	return d, jobs, store
}

func TestDispatchBatchSuccess(t *testing.T) {
	reg := newFakeRegistry()
	seedDocument(reg, "doc_1", 25, 10)
	d, jobs, store := newTestDispatcher(reg, &fakePages{pages: 25}, &fakeOCR{}, 2)
	ctx := context.Background()

	jobID, err := d.Dispatch(ctx, "doc_1", 1, "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.HasPrefix(jobID, "job_") {
		t.Errorf("job ID %q lacks prefix", jobID)
	}

	d.Wait()

	job, err := jobs.Get(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusComplete {
		t.Fatalf("job status %q (%s), want complete", job.Status, job.Message)
	}
	if job.ResultFile != "batch_doc_1_1.md" {
		t.Errorf("result file %q", job.ResultFile)
	}
	if job.CurrentPage != 20 {
		t.Errorf("final current page %d, want 20", job.CurrentPage)
	}

	batch, err := reg.GetBatch(ctx, "doc_1", 1)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if batch.Status != domain.BatchStatusCompleted {
		t.Errorf("batch status %q, want completed", batch.Status)
	}
	if batch.JobID != jobID {
		t.Errorf("batch job ID %q, want %q", batch.JobID, jobID)
	}

	rc, err := store.Download(ctx, batch.ResultFile)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	content, _ := io.ReadAll(rc)
	rc.Close()

	for page := 11; page <= 20; page++ {
		section := fmt.Sprintf("## Page %d\n\nText of page-%d\n\n---\n\n", page, page)
		if !strings.Contains(string(content), section) {
			t.Errorf("result missing section for page %d", page)
		}
	}
	if strings.Contains(string(content), "Page 10\n") || strings.Contains(string(content), "Page 21\n") {
		t.Error("result contains pages outside the batch span")
	}
}

func TestDispatchReturnsBeforeCompletion(t *testing.T) {
	reg := newFakeRegistry()
	seedDocument(reg, "doc_1", 5, 5)
	d, jobs, _ := newTestDispatcher(reg, &fakePages{pages: 5, perPage: 30 * time.Millisecond}, &fakeOCR{}, 1)

	jobID, err := d.Dispatch(context.Background(), "doc_1", 0, "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// The job exists and is observable immediately, before it finishes.
	job, err := jobs.Get(jobID)
	if err != nil {
		t.Fatalf("get job right after dispatch: %v", err)
	}
	if job.Status.Terminal() {
		t.Errorf("job already terminal right after dispatch: %q", job.Status)
	}

	d.Wait()
}

func TestDispatchUnknownDocument(t *testing.T) {
	reg := newFakeRegistry()
	d, _, _ := newTestDispatcher(reg, &fakePages{pages: 5}, &fakeOCR{}, 1)

	_, err := d.Dispatch(context.Background(), "doc_missing", 0, "")
	if !domain.IsNotFound(err) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestDispatchUnknownBatch(t *testing.T) {
	reg := newFakeRegistry()
	seedDocument(reg, "doc_1", 5, 5)
	d, _, _ := newTestDispatcher(reg, &fakePages{pages: 5}, &fakeOCR{}, 1)

	_, err := d.Dispatch(context.Background(), "doc_1", 7, "")
	if !domain.IsNotFound(err) {
		t.Errorf("got %v, want not found", err)
	}
}

// TestRedispatchPolicy verifies which batch states accept a new
// dispatch: pending and error do, processing and completed do not.
func TestRedispatchPolicy(t *testing.T) {
	tests := []struct {
		name         string
		status       domain.BatchStatus
		dispatchable bool
	}{
		{"pending", domain.BatchStatusPending, true},
		{"processing", domain.BatchStatusProcessing, false},
		{"completed", domain.BatchStatusCompleted, false},
		{"error", domain.BatchStatusError, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := newFakeRegistry()
			seedDocument(reg, "doc_1", 5, 5)
			batch, _ := reg.GetBatch(context.Background(), "doc_1", 0)
			batch.Status = tc.status
			if err := reg.UpdateBatch(context.Background(), batch); err != nil {
				t.Fatalf("seed status: %v", err)
			}

			d, _, _ := newTestDispatcher(reg, &fakePages{pages: 5}, &fakeOCR{}, 1)
			_, err := d.Dispatch(context.Background(), "doc_1", 0, "")
			d.Wait()

			if tc.dispatchable && err != nil {
				t.Errorf("expected dispatch to succeed, got %v", err)
			}
			if !tc.dispatchable {
				if !IsNotDispatchable(err) {
					t.Errorf("got %v, want not dispatchable", err)
				}
			}
		})
	}
}

// slowBatchRegistry widens the window between reading a batch and
// claiming it, making lost-update races reproducible.
type slowBatchRegistry struct {
	*fakeRegistry
	delay time.Duration
}

func (r *slowBatchRegistry) GetBatch(ctx context.Context, docID string, index int) (*domain.Batch, error) {
	batch, err := r.fakeRegistry.GetBatch(ctx, docID, index)
	time.Sleep(r.delay)
	return batch, err
}

// TestConcurrentDispatchSingleWinner verifies that simultaneous
// dispatches of the same pending batch accept exactly one job; the
// rest are rejected as not dispatchable and leave no job behind.
func TestConcurrentDispatchSingleWinner(t *testing.T) {
	inner := newFakeRegistry()
	seedDocument(inner, "doc_1", 5, 5)
	reg := &slowBatchRegistry{fakeRegistry: inner, delay: 10 * time.Millisecond}
	jobs := jobstore.New()
	store := storage.NewMemoryStorage()
	d := NewDispatcher(reg, jobs, store, &fakePages{pages: 5}, &fakeOCR{}, testLogger(), &DispatcherConfig{Workers: 2})

	const callers = 8
	var accepted, rejected int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := d.Dispatch(context.Background(), "doc_1", 0, "")
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
			case IsNotDispatchable(err):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected dispatch error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	d.Wait()

	if got := atomic.LoadInt32(&accepted); got != 1 {
		t.Errorf("%d dispatches accepted, want exactly 1", got)
	}
	if got := atomic.LoadInt32(&rejected); got != callers-1 {
		t.Errorf("%d dispatches rejected, want %d", got, callers-1)
	}
	if got := len(jobs.List()); got != 1 {
		t.Errorf("%d jobs created, want 1", got)
	}

	batch, err := inner.GetBatch(context.Background(), "doc_1", 0)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if batch.Status != domain.BatchStatusCompleted {
		t.Errorf("batch status %q, want completed", batch.Status)
	}
}

// TestErrorBatchRestart verifies that re-dispatching an errored batch
// allocates a fresh job and can complete it.
func TestErrorBatchRestart(t *testing.T) {
	reg := newFakeRegistry()
	seedDocument(reg, "doc_1", 5, 5)
	ocr := &fakeOCR{failOn: "page-3", failCount: 1}
	d, jobs, _ := newTestDispatcher(reg, &fakePages{pages: 5}, ocr, 1)
	ctx := context.Background()

	firstID, err := d.Dispatch(ctx, "doc_1", 0, "")
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	d.Wait()

	first, _ := jobs.Get(firstID)
	if first.Status != domain.JobStatusError {
		t.Fatalf("first job status %q, want error", first.Status)
	}
	batch, _ := reg.GetBatch(ctx, "doc_1", 0)
	if batch.Status != domain.BatchStatusError {
		t.Fatalf("batch status %q, want error", batch.Status)
	}

	secondID, err := d.Dispatch(ctx, "doc_1", 0, "")
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if secondID == firstID {
		t.Error("re-dispatch reused the job ID")
	}
	d.Wait()

	second, _ := jobs.Get(secondID)
	if second.Status != domain.JobStatusComplete {
		t.Fatalf("second job status %q (%s), want complete", second.Status, second.Message)
	}
	batch, _ = reg.GetBatch(ctx, "doc_1", 0)
	if batch.Status != domain.BatchStatusCompleted {
		t.Errorf("batch status %q, want completed", batch.Status)
	}
	if batch.JobID != secondID {
		t.Errorf("batch job ID %q, want the fresh job %q", batch.JobID, secondID)
	}

	// The first job's record survives as an immutable failure record.
	first, _ = jobs.Get(firstID)
	if first.Status != domain.JobStatusError {
		t.Errorf("first job mutated to %q", first.Status)
	}
}

// TestFailureIsolation verifies that one failing batch leaves sibling
// batches and their jobs untouched.
func TestFailureIsolation(t *testing.T) {
	reg := newFakeRegistry()
	seedDocument(reg, "doc_1", 25, 10)
	// Page 13 lives in batch 1; batches 0 and 2 must be unaffected.
	ocr := &fakeOCR{failOn: "page-13"}
	d, jobs, _ := newTestDispatcher(reg, &fakePages{pages: 25}, ocr, 3)
	ctx := context.Background()

	ids := make(map[int]string)
	for index := 0; index < 3; index++ {
		id, err := d.Dispatch(ctx, "doc_1", index, "")
		if err != nil {
			t.Fatalf("dispatch batch %d: %v", index, err)
		}
		ids[index] = id
	}
	d.Wait()

	wantJob := map[int]domain.JobStatus{
		0: domain.JobStatusComplete,
		1: domain.JobStatusError,
		2: domain.JobStatusComplete,
	}
	wantBatch := map[int]domain.BatchStatus{
		0: domain.BatchStatusCompleted,
		1: domain.BatchStatusError,
		2: domain.BatchStatusCompleted,
	}
	for index, want := range wantJob {
		job, _ := jobs.Get(ids[index])
		if job.Status != want {
			t.Errorf("batch %d job status %q, want %q", index, job.Status, want)
		}
	}
	for index, want := range wantBatch {
		batch, _ := reg.GetBatch(ctx, "doc_1", index)
		if batch.Status != want {
			t.Errorf("batch %d status %q, want %q", index, batch.Status, want)
		}
	}

	job, _ := jobs.Get(ids[1])
	if !strings.Contains(job.Message, "OCR processing failed") {
		t.Errorf("error message %q lacks failure description", job.Message)
	}
}

func TestPageExtractionFailure(t *testing.T) {
	reg := newFakeRegistry()
	seedDocument(reg, "doc_1", 5, 5)
	d, jobs, _ := newTestDispatcher(reg, &fakePages{pages: 5, failOn: 2}, &fakeOCR{}, 1)

	jobID, err := d.Dispatch(context.Background(), "doc_1", 0, "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	d.Wait()

	job, _ := jobs.Get(jobID)
	if job.Status != domain.JobStatusError {
		t.Fatalf("job status %q, want error", job.Status)
	}
	if !strings.Contains(job.Message, "page 2") {
		t.Errorf("error message %q does not name the failing page", job.Message)
	}
}

// TestBoundedConcurrency verifies the worker cap: with 1 worker, jobs
// never overlap even when several are dispatched at once.
func TestBoundedConcurrency(t *testing.T) {
	reg := newFakeRegistry()
	seedDocument(reg, "doc_1", 8, 2)
	ocr := &fakeOCR{}
	d, jobs, _ := newTestDispatcher(reg, &fakePages{pages: 8}, ocr, 1)
	ctx := context.Background()

	ids := make([]string, 0, 4)
	for index := 0; index < 4; index++ {
		id, err := d.Dispatch(ctx, "doc_1", index, "")
		if err != nil {
			t.Fatalf("dispatch batch %d: %v", index, err)
		}
		ids = append(ids, id)
	}
	d.Wait()

	if max := ocr.maxConcurrent(); max > 1 {
		t.Errorf("observed %d concurrent OCR calls with 1 worker", max)
	}
	for _, id := range ids {
		job, _ := jobs.Get(id)
		if job.Status != domain.JobStatusComplete {
			t.Errorf("job %s status %q, want complete", id, job.Status)
		}
	}
}

func TestDispatchDocument(t *testing.T) {
	reg := newFakeRegistry()
	seedDocument(reg, "doc_1", 7, 3)
	d, jobs, store := newTestDispatcher(reg, &fakePages{pages: 7}, &fakeOCR{}, 2)
	ctx := context.Background()

	jobID, err := d.DispatchDocument(ctx, "doc_1", "")
	if err != nil {
		t.Fatalf("dispatch document: %v", err)
	}
	d.Wait()

	job, _ := jobs.Get(jobID)
	if job.Status != domain.JobStatusComplete {
		t.Fatalf("job status %q (%s), want complete", job.Status, job.Message)
	}
	if !job.WholeDocument() {
		t.Error("expected a whole-document job")
	}
	if job.TotalPages != 7 || job.CurrentPage != 7 {
		t.Errorf("progress %d/%d, want 7/7", job.CurrentPage, job.TotalPages)
	}
	if !strings.HasPrefix(job.ResultFile, "result_") {
		t.Errorf("result file %q lacks whole-document prefix", job.ResultFile)
	}

	rc, err := store.Download(ctx, job.ResultFile)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	content, _ := io.ReadAll(rc)
	rc.Close()
	for page := 1; page <= 7; page++ {
		if !strings.Contains(string(content), fmt.Sprintf("## Page %d\n", page)) {
			t.Errorf("result missing page %d", page)
		}
	}

	// Whole-document jobs leave the batch plan untouched.
	doc, _ := reg.GetByID(ctx, "doc_1")
	for i := range doc.Batches {
		if doc.Batches[i].Status != domain.BatchStatusPending {
			t.Errorf("batch %d status %q, want pending", i, doc.Batches[i].Status)
		}
	}
}

// TestProgressMonotonic verifies the job's current page only advances.
func TestProgressMonotonic(t *testing.T) {
	reg := newFakeRegistry()
	seedDocument(reg, "doc_1", 6, 6)
	d, jobs, _ := newTestDispatcher(reg, &fakePages{pages: 6, perPage: time.Millisecond}, &fakeOCR{}, 1)

	jobID, err := d.Dispatch(context.Background(), "doc_1", 0, "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	last := 0
	for {
		job, err := jobs.Get(jobID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job.CurrentPage < last {
			t.Fatalf("progress went backwards: %d after %d", job.CurrentPage, last)
		}
		last = job.CurrentPage
		if job.Status.Terminal() {
			break
		}
	}
	d.Wait()
}

func TestUpdateBatchFailureFailsJob(t *testing.T) {
	reg := newFakeRegistry()
	seedDocument(reg, "doc_1", 5, 5)
	reg.updateErr = errors.New("database locked")
	d, jobs, _ := newTestDispatcher(reg, &fakePages{pages: 5}, &fakeOCR{}, 1)

	_, err := d.Dispatch(context.Background(), "doc_1", 0, "")
	if err == nil {
		t.Fatal("expected dispatch to fail when the batch cannot be marked")
	}

	// The pre-allocated job is failed, not leaked as pending.
	for _, job := range jobs.List() {
		if !job.Status.Terminal() {
			t.Errorf("job %s left non-terminal: %q", job.ID, job.Status)
		}
	}
}
