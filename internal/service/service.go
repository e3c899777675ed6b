// Package service holds the orchestration core: upload and batch
// planning, asynchronous dispatch, status watching, and result
// aggregation.
package service

import (
	"context"

	"github.com/kaiwen/docmill/internal/domain"
)

// Registry is the document-registry surface the services depend on.
// Implemented by repository.DocumentRepository; tests substitute an
// in-memory fake.
type Registry interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	List(ctx context.Context) ([]domain.Document, error)
	GetBatch(ctx context.Context, docID string, index int) (*domain.Batch, error)
	UpdateBatch(ctx context.Context, batch *domain.Batch) error
	Delete(ctx context.Context, id string) error
}
