package domain

import "time"

// BatchStatus represents the lifecycle state of a batch within a document.
// Transitions only move forward: pending → processing → completed|error.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusError      BatchStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusError
}

// CanTransition reports whether moving from s to next is a valid
// forward transition. Re-dispatch of an errored batch re-enters
// processing, which is the only permitted move out of a terminal state.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	switch s {
	case BatchStatusPending:
		return next == BatchStatusProcessing
	case BatchStatusProcessing:
		return next == BatchStatusCompleted || next == BatchStatusError
	case BatchStatusError:
		return next == BatchStatusProcessing
	default:
		return false
	}
}

// Document represents an uploaded PDF and its fixed batch plan.
type Document struct {
	ID         string    `gorm:"type:text;primaryKey" json:"doc_id"`
	Filename   string    `gorm:"type:text;not null" json:"filename"`
	PDFPath    string    `gorm:"type:text;not null" json:"-"`
	TotalPages int       `gorm:"not null" json:"total_pages"`
	BatchSize  int       `gorm:"not null" json:"batch_size"`
	Batches    []Batch   `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"batches"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for Document.
func (Document) TableName() string {
	return "documents"
}

// Batch is one contiguous page range of a document, processed as a
// single unit of asynchronous work. The batches of a document exactly
// partition [1, TotalPages] in ascending index order.
type Batch struct {
	DocumentID string      `gorm:"type:text;not null;index;primaryKey" json:"-"`
	Index      int         `gorm:"column:idx;not null;primaryKey" json:"index"`
	StartPage  int         `gorm:"not null" json:"start"`
	EndPage    int         `gorm:"not null" json:"end"`
	Status     BatchStatus `gorm:"type:text;default:pending" json:"status"`
	JobID      string      `gorm:"type:text" json:"job_id,omitempty"`
	ResultFile string      `gorm:"type:text" json:"result_file,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Batch.
func (Batch) TableName() string {
	return "batches"
}

// Pages returns the number of pages the batch spans.
func (b *Batch) Pages() int {
	return b.EndPage - b.StartPage + 1
}

// Completed reports whether every batch in the slice reached
// BatchStatusCompleted.
func Completed(batches []Batch) bool {
	if len(batches) == 0 {
		return false
	}
	for i := range batches {
		if batches[i].Status != BatchStatusCompleted {
			return false
		}
	}
	return true
}
