// Package jobstore holds the in-process authority for OCR job state.
// Each job entry is mutated only by its owning dispatch task; any
// number of pollers read value snapshots concurrently.
package jobstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/kaiwen/docmill/internal/domain"
)

// Store is a process-scoped map from job ID to job state. Mutations go
// through the transition methods, which validate the status machine at
// the boundary instead of trusting callers.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*domain.Job),
	}
}

// Create registers a new pending job.
// Parameters:
//   - job: job record to register; its Status is forced to pending.
//
// Returns:
//   - error: non-nil if the ID is already registered.
func (s *Store) Create(job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	now := time.Now()
	job.Status = domain.JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = &job
	return nil
}

// Get returns a snapshot of the job, never a live reference.
func (s *Store) Get(id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.NewNotFoundError("job", id)
	}
	return *job, nil
}

// List returns snapshots of all jobs, unordered.
func (s *Store) List() []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// Start transitions the job to processing.
func (s *Store) Start(id, message string) error {
	return s.transition(id, domain.JobStatusProcessing, func(j *domain.Job) {
		j.Message = message
	})
}

// Progress records the page the owning task is currently on. The job
// must be processing; progress never moves a job between statuses.
func (s *Store) Progress(id string, currentPage int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.NewNotFoundError("job", id)
	}
	if job.Status != domain.JobStatusProcessing {
		return fmt.Errorf("job %s: progress update on %s job: %w", id, job.Status, domain.ErrInvalidTransition)
	}
	job.CurrentPage = currentPage
	job.Message = message
	job.UpdatedAt = time.Now()
	return nil
}

// Complete transitions the job to complete and records the result
// artifact written for it.
func (s *Store) Complete(id, resultFile, message string) error {
	return s.transition(id, domain.JobStatusComplete, func(j *domain.Job) {
		j.CurrentPage = j.TotalPages
		j.ResultFile = resultFile
		j.Message = message
	})
}

// Fail transitions the job to error with a human-readable message.
func (s *Store) Fail(id, message string) error {
	return s.transition(id, domain.JobStatusError, func(j *domain.Job) {
		j.Message = message
	})
}

func (s *Store) transition(id string, next domain.JobStatus, apply func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.NewNotFoundError("job", id)
	}
	if !job.Status.CanTransition(next) {
		return fmt.Errorf("job %s: %s -> %s: %w", id, job.Status, next, domain.ErrInvalidTransition)
	}
	job.Status = next
	apply(job)
	job.UpdatedAt = time.Now()
	return nil
}
