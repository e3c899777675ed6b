package service

import (
	"context"
	"sync"
	"time"

	"github.com/kaiwen/docmill/internal/domain"
	"github.com/kaiwen/docmill/internal/jobstore"
	"github.com/kaiwen/docmill/internal/logger"
)

// Watcher embodies the polling contract: query one job at a fixed
// interval until the first terminal status, then stop exactly once and
// run a one-time reconciliation of the owning document. Watches for
// independent jobs are uncorrelated, each with its own timer.
//
// Stopping a watch only stops observation; the underlying job runs to
// completion or failure regardless.
type Watcher struct {
	jobs     *jobstore.Store
	docs     *DocumentService
	logger   *logger.Logger
	interval time.Duration

	// OnDocumentComplete, when set, is invoked at most once per document,
	// by the first reconciliation that finds every batch completed.
	OnDocumentComplete func(docID string)

	mu          sync.Mutex
	reconciling map[string]struct{} // jobs with a reconciliation in flight; entries are removed when it finishes
	notified    map[string]struct{} // documents whose completion was already signalled
}

// NewWatcher creates a Watcher polling at the given interval
// (500ms when zero).
func NewWatcher(jobs *jobstore.Store, docs *DocumentService, log *logger.Logger, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Watcher{
		jobs:        jobs,
		docs:        docs,
		logger:      log,
		interval:    interval,
		reconciling: make(map[string]struct{}),
		notified:    make(map[string]struct{}),
	}
}

// Watch polls the job until terminal and streams snapshots on the
// returned channel. The terminal snapshot is delivered exactly once,
// then the channel closes. Cancelling ctx stops observation without
// affecting the job.
// Parameters:
//   - ctx: controls the watch only, never the job.
//   - jobID: job to observe.
//
// Returns:
//   - <-chan domain.Job: status snapshots ending with the terminal one.
//   - error: NotFoundError if the job does not exist.
func (w *Watcher) Watch(ctx context.Context, jobID string) (<-chan domain.Job, error) {
	job, err := w.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Job, 1)
	go func() {
		defer close(out)

		var stop sync.Once
		finish := func(snapshot domain.Job) {
			stop.Do(func() {
				select {
				case out <- snapshot:
				case <-ctx.Done():
				}
				w.reconcile(ctx, snapshot)
			})
		}

		if job.Status.Terminal() {
			finish(job)
			return
		}

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snapshot, err := w.jobs.Get(jobID)
				if err != nil {
					return
				}
				if snapshot.Status.Terminal() {
					finish(snapshot)
					return
				}
				select {
				case out <- snapshot:
				case <-ctx.Done():
					return
				default:
					// slow consumer; skip this tick's snapshot
				}
			}
		}
	}()

	return out, nil
}

// Await watches the job and blocks until its terminal snapshot.
func (w *Watcher) Await(ctx context.Context, jobID string) (domain.Job, error) {
	ch, err := w.Watch(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	var last domain.Job
	for snapshot := range ch {
		last = snapshot
	}
	if !last.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return last, err
		}
	}
	return last, nil
}

// reconcile runs the post-terminal synchronization for a job: refresh
// the owning document's batch state from the job store and, when every
// batch is completed, signal document-level completion. Refresh is
// idempotent, so a job may reconcile again on a later watch; the
// in-flight guard only collapses concurrent watchers of the same job,
// and its entry is dropped when the reconciliation finishes.
func (w *Watcher) reconcile(ctx context.Context, job domain.Job) {
	w.mu.Lock()
	if _, busy := w.reconciling[job.ID]; busy {
		w.mu.Unlock()
		return
	}
	w.reconciling[job.ID] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.reconciling, job.ID)
		w.mu.Unlock()
	}()

	if job.WholeDocument() {
		return
	}

	// Reconciliation must run even when the watch context was cancelled
	// together with the terminal delivery.
	rctx := context.WithoutCancel(ctx)
	_, complete, err := w.docs.Refresh(rctx, job.DocumentID)
	if err != nil {
		w.logger.WithError(err).WithFields(logger.Fields{
			logger.FieldDocID: job.DocumentID,
			logger.FieldJobID: job.ID,
		}).Warn("Reconciliation failed")
		return
	}

	if complete && w.OnDocumentComplete != nil {
		w.mu.Lock()
		_, seen := w.notified[job.DocumentID]
		if !seen {
			w.notified[job.DocumentID] = struct{}{}
		}
		w.mu.Unlock()
		if seen {
			return
		}
		w.logger.WithFields(logger.Fields{
			logger.FieldDocID: job.DocumentID,
		}).Info("Document complete")
		w.OnDocumentComplete(job.DocumentID)
	}
}
