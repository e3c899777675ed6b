package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageSource yields the per-page payloads handed to the OCR worker.
// Rendering fidelity is a collaborator concern; implementations may
// return a rasterized image or a single-page document.
type PageSource interface {
	// PageCount returns the number of pages in the document at path.
	PageCount(path string) (int, error)

	// Page extracts page n (1-based) and returns its raw bytes plus a
	// format hint ("pdf", "png", ...).
	Page(ctx context.Context, path string, n int) ([]byte, string, error)
}

// FileSource extracts pages from a PDF on local disk using pdfcpu.
type FileSource struct {
	// WorkDir holds temporary single-page extracts; defaults to the
	// system temp directory.
	WorkDir string
}

// NewFileSource creates a FileSource extracting into workDir.
func NewFileSource(workDir string) *FileSource {
	return &FileSource{WorkDir: workDir}
}

// PageCount returns the page count of the PDF at path.
func (s *FileSource) PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read page count of %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

// Page extracts page n into a temporary single-page PDF and returns its
// bytes. The temp file is removed before returning.
func (s *FileSource) Page(ctx context.Context, path string, n int) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	dir := s.WorkDir
	if dir == "" {
		dir = os.TempDir()
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create work directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "page-*.pdf")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create temp page file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := api.TrimFile(path, tmpPath, []string{fmt.Sprintf("%d", n)}, nil); err != nil {
		return nil, "", fmt.Errorf("failed to extract page %d: %w", n, err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read extracted page %d: %w", n, err)
	}
	return data, "pdf", nil
}
