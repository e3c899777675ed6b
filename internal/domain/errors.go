package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrInvalidTransition indicates an attempted status change that the
	// state machine does not permit.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrBatchNotDispatchable indicates a dispatch attempt on a batch
	// that is already processing or completed.
	ErrBatchNotDispatchable = errors.New("batch is not dispatchable")
)

// ValidationError indicates a request rejected before any state was
// created (bad batch size, non-PDF input, page count below one).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError indicates an unknown document, job, batch, or artifact.
type NotFoundError struct {
	Kind string // "document", "job", "batch", "artifact"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFoundError creates a NotFoundError for the given kind and ID.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// UpstreamError indicates a failure of the OCR worker on a page. It
// terminates the owning job only and never affects sibling batches.
type UpstreamError struct {
	Page  int
	Cause error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ocr failed on page %d: %v", e.Page, e.Cause)
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// NewUpstreamError wraps an OCR worker failure with the page it hit.
func NewUpstreamError(page int, cause error) *UpstreamError {
	return &UpstreamError{Page: page, Cause: cause}
}

// PartialResultsError indicates a download-all request while at least
// one batch has not completed. The aggregation contract is
// all-or-nothing; the caller retries after the remaining batches finish.
type PartialResultsError struct {
	DocumentID string
	Pending    int
	Errored    int
}

func (e *PartialResultsError) Error() string {
	return fmt.Sprintf("document %s has incomplete batches: %d unfinished, %d errored",
		e.DocumentID, e.Pending, e.Errored)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsPartialResults reports whether err is a PartialResultsError.
func IsPartialResults(err error) bool {
	var pr *PartialResultsError
	return errors.As(err, &pr)
}
