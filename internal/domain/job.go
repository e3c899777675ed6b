package domain

import "time"

// JobStatus represents the status of an OCR job.
// Values include JobStatusPending, JobStatusProcessing,
// JobStatusComplete, and JobStatusError.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusError      JobStatus = "error"
)

// Terminal reports whether the job reached a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusError
}

// CanTransition reports whether moving from s to next is valid.
// Jobs are single-use execution records: unlike batches they never
// leave a terminal state, a retry allocates a fresh job.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusError
	case JobStatusProcessing:
		return next == JobStatusComplete || next == JobStatusError
	default:
		return false
	}
}

// Job is the asynchronous-execution record for one dispatch of a batch
// (or a whole document) to the OCR worker. It lives only in the job
// store; documents hold a cached copy synchronized via refresh.
type Job struct {
	ID          string    `json:"job_id"`
	DocumentID  string    `json:"doc_id"`
	BatchIndex  int       `json:"batch_index"` // -1 for whole-document jobs
	Status      JobStatus `json:"status"`
	CurrentPage int       `json:"current_page"`
	TotalPages  int       `json:"total_pages"`
	Message     string    `json:"message"`
	ResultFile  string    `json:"result_filename,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WholeDocument reports whether the job covers an entire document
// rather than a single batch.
func (j *Job) WholeDocument() bool {
	return j.BatchIndex < 0
}
