package pdf

import (
	"fmt"

	"github.com/kaiwen/docmill/internal/domain"
)

// Batch size bounds accepted at upload.
const (
	MinBatchSize = 1
	MaxBatchSize = 20
)

// PageRange is a contiguous, 1-based inclusive span of pages.
type PageRange struct {
	Start int
	End   int
}

// Pages returns the number of pages in the range.
func (r PageRange) Pages() int {
	return r.End - r.Start + 1
}

// SplitPages partitions [1, totalPages] into contiguous ranges of
// batchSize pages each, the last possibly shorter. The result is
// ascending, gap-free, and overlap-free. Pure: no side effects.
//
// Returns a ValidationError when batchSize is outside
// [MinBatchSize, MaxBatchSize] or totalPages < 1.
func SplitPages(totalPages, batchSize int) ([]PageRange, error) {
	if totalPages < 1 {
		return nil, domain.NewValidationError("total_pages",
			fmt.Sprintf("must be at least 1, got %d", totalPages))
	}
	if batchSize < MinBatchSize || batchSize > MaxBatchSize {
		return nil, domain.NewValidationError("batch_size",
			fmt.Sprintf("must be between %d and %d, got %d", MinBatchSize, MaxBatchSize, batchSize))
	}

	ranges := make([]PageRange, 0, (totalPages+batchSize-1)/batchSize)
	for start := 1; start <= totalPages; start += batchSize {
		end := start + batchSize - 1
		if end > totalPages {
			end = totalPages
		}
		ranges = append(ranges, PageRange{Start: start, End: end})
	}
	return ranges, nil
}

// PlanBatches runs SplitPages and materializes the result as the batch
// rows of a document, all pending.
func PlanBatches(docID string, totalPages, batchSize int) ([]domain.Batch, error) {
	ranges, err := SplitPages(totalPages, batchSize)
	if err != nil {
		return nil, err
	}
	batches := make([]domain.Batch, len(ranges))
	for i, r := range ranges {
		batches[i] = domain.Batch{
			DocumentID: docID,
			Index:      i,
			StartPage:  r.Start,
			EndPage:    r.End,
			Status:     domain.BatchStatusPending,
		}
	}
	return batches, nil
}
