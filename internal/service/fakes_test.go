package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kaiwen/docmill/internal/domain"
	"github.com/kaiwen/docmill/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{
		Level:       "error",
		Format:      "text",
		Output:      io.Discard,
		ServiceName: "test",
	})
}

// fakeRegistry is an in-memory Registry. It hands out copies, like the
// database-backed implementation, so callers cannot mutate stored state
// without an explicit update.
type fakeRegistry struct {
	mu   sync.Mutex
	docs map[string]*domain.Document

	updateErr error // injected failure for UpdateBatch
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{docs: make(map[string]*domain.Document)}
}

func (r *fakeRegistry) Create(_ context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	r.docs[doc.ID] = copyDoc(doc)
	return nil
}

func (r *fakeRegistry) GetByID(_ context.Context, id string) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, domain.NewNotFoundError("document", id)
	}
	return copyDoc(doc), nil
}

func (r *fakeRegistry) List(_ context.Context) ([]domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Document, 0, len(r.docs))
	for _, doc := range r.docs {
		out = append(out, *copyDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRegistry) GetBatch(_ context.Context, docID string, index int) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok {
		return nil, domain.NewNotFoundError("document", docID)
	}
	for i := range doc.Batches {
		if doc.Batches[i].Index == index {
			b := doc.Batches[i]
			return &b, nil
		}
	}
	return nil, domain.NewNotFoundError("batch", fmt.Sprintf("%s/%d", docID, index))
}

func (r *fakeRegistry) UpdateBatch(_ context.Context, batch *domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	doc, ok := r.docs[batch.DocumentID]
	if !ok {
		return domain.NewNotFoundError("document", batch.DocumentID)
	}
	for i := range doc.Batches {
		if doc.Batches[i].Index == batch.Index {
			doc.Batches[i] = *batch
			doc.Batches[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return domain.NewNotFoundError("batch", fmt.Sprintf("%s/%d", batch.DocumentID, batch.Index))
}

func (r *fakeRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return domain.NewNotFoundError("document", id)
	}
	delete(r.docs, id)
	return nil
}

func copyDoc(doc *domain.Document) *domain.Document {
	out := *doc
	out.Batches = make([]domain.Batch, len(doc.Batches))
	copy(out.Batches, doc.Batches)
	return &out
}

// fakePages serves synthetic page payloads with the page number encoded
// in the bytes, so the recognizer can echo it back.
type fakePages struct {
	pages   int
	failOn  int // page number whose extraction fails; 0 disables
	perPage time.Duration
}

func (p *fakePages) PageCount(string) (int, error) {
	if p.pages < 1 {
		return 0, fmt.Errorf("not a PDF")
	}
	return p.pages, nil
}

func (p *fakePages) Page(ctx context.Context, _ string, n int) ([]byte, string, error) {
	if p.failOn != 0 && n == p.failOn {
		return nil, "", fmt.Errorf("page %d: extraction failed", n)
	}
	if p.perPage > 0 {
		select {
		case <-time.After(p.perPage):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	return []byte(fmt.Sprintf("page-%d", n)), "pdf", nil
}

// fakeOCR echoes the page payload as Markdown and tracks the number of
// concurrently running calls.
type fakeOCR struct {
	mu        sync.Mutex
	inFlight  int
	maxSeen   int
	calls     int
	failOn    string // page payload that fails; "" disables
	failCount int    // how many times failOn fails before succeeding; 0 = always
	failed    int
}

func (o *fakeOCR) Recognize(ctx context.Context, page []byte, format, model string) (string, error) {
	o.mu.Lock()
	o.inFlight++
	o.calls++
	if o.inFlight > o.maxSeen {
		o.maxSeen = o.inFlight
	}
	fail := o.failOn != "" && string(page) == o.failOn && (o.failCount == 0 || o.failed < o.failCount)
	if fail {
		o.failed++
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inFlight--
		o.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fail {
		return "", fmt.Errorf("model refused")
	}
	return "Text of " + string(page), nil
}

func (o *fakeOCR) maxConcurrent() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxSeen
}

// seedDocument registers a document with a planned batch layout straight
// into the fake registry, bypassing upload.
func seedDocument(r *fakeRegistry, id string, totalPages, batchSize int) *domain.Document {
	var batches []domain.Batch
	index := 0
	for start := 1; start <= totalPages; start += batchSize {
		end := start + batchSize - 1
		if end > totalPages {
			end = totalPages
		}
		batches = append(batches, domain.Batch{
			DocumentID: id,
			Index:      index,
			StartPage:  start,
			EndPage:    end,
			Status:     domain.BatchStatusPending,
		})
		index++
	}
	doc := &domain.Document{
		ID:         id,
		Filename:   strings.TrimPrefix(id, "doc_") + ".pdf",
		PDFPath:    "/tmp/" + id + ".pdf",
		TotalPages: totalPages,
		BatchSize:  batchSize,
		Batches:    batches,
	}
	if err := r.Create(context.Background(), doc); err != nil {
		panic(err)
	}
	return doc
}
