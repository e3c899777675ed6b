package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/kaiwen/docmill/internal/domain"
	"gorm.io/gorm"
)

// DocumentRepository is the document registry: the process-wide store
// of documents and their batch plans.
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new DocumentRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *DocumentRepository: repository instance bound to db.
func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a document together with its batch rows.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - doc: document record to persist, batches included.
//
// Returns:
//   - error: non-nil if the insert fails.
func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

// GetByID retrieves a document with its batches ordered by index.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
//
// Returns:
//   - *domain.Document: document record if found.
//   - error: NotFoundError if no such document, other errors on lookup failure.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	var doc domain.Document
	err := r.db.WithContext(ctx).
		Preload("Batches", func(db *gorm.DB) *gorm.DB {
			return db.Order("idx ASC")
		}).
		First(&doc, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("document", id)
		}
		return nil, err
	}
	return &doc, nil
}

// List returns all documents with their batches, newest first.
func (r *DocumentRepository) List(ctx context.Context) ([]domain.Document, error) {
	var docs []domain.Document
	err := r.db.WithContext(ctx).
		Preload("Batches", func(db *gorm.DB) *gorm.DB {
			return db.Order("idx ASC")
		}).
		Order("created_at DESC").
		Find(&docs).Error
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// GetBatch retrieves one batch row of a document.
func (r *DocumentRepository) GetBatch(ctx context.Context, docID string, index int) (*domain.Batch, error) {
	var batch domain.Batch
	err := r.db.WithContext(ctx).
		First(&batch, "document_id = ? AND idx = ?", docID, index).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("batch", id2(docID, index))
		}
		return nil, err
	}
	return &batch, nil
}

// UpdateBatch persists changed fields of a batch row. Status changes
// must already be validated by the caller at the state-machine boundary.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batch: batch row with updated fields.
//
// Returns:
//   - error: non-nil if the update fails.
func (r *DocumentRepository) UpdateBatch(ctx context.Context, batch *domain.Batch) error {
	return r.db.WithContext(ctx).
		Model(&domain.Batch{}).
		Where("document_id = ? AND idx = ?", batch.DocumentID, batch.Index).
		Updates(map[string]interface{}{
			"status":      batch.Status,
			"job_id":      batch.JobID,
			"result_file": batch.ResultFile,
		}).Error
}

// Delete removes a document and its batch rows.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&domain.Batch{}, "document_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.Document{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.NewNotFoundError("document", id)
		}
		return nil
	})
}

// id2 formats a composite batch identifier for error messages.
func id2(docID string, index int) string {
	return fmt.Sprintf("%s/%d", docID, index)
}
