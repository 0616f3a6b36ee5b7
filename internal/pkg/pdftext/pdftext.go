// Package pdftext extracts per-page plain text from uploaded PDF files.
package pdftext

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kart-io/logger"
	"github.com/ledongthuc/pdf"

	"github.com/kart-io/fincheck/internal/model"
	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// TempPattern is the name pattern of upload temp files.
const TempPattern = "fincheck-upload-*.pdf"

var pdfMagic = []byte("%PDF-")

// Extractor turns a document stream into pages.
type Extractor interface {
	Extract(ctx context.Context, r io.Reader) ([]model.Page, error)
}

// Option configures a PDFExtractor.
type Option func(*PDFExtractor)

// WithTempDir sets the directory used for upload temp files.
func WithTempDir(dir string) Option {
	return func(e *PDFExtractor) { e.tempDir = dir }
}

// WithMaxPages limits the number of pages read. Zero means no limit.
func WithMaxPages(n int) Option {
	return func(e *PDFExtractor) { e.maxPages = n }
}

// PDFExtractor reads PDFs via github.com/ledongthuc/pdf, which needs a seekable file.
type PDFExtractor struct {
	tempDir  string
	maxPages int
}

// NewPDFExtractor creates a PDFExtractor.
func NewPDFExtractor(opts ...Option) *PDFExtractor {
	e := &PDFExtractor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract copies r to a temp file and returns the non-empty pages in order.
// The temp file is removed on every return path.
func (e *PDFExtractor) Extract(ctx context.Context, r io.Reader) (pages []model.Page, err error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(pdfMagic))
	if !bytes.Equal(head, pdfMagic) {
		return nil, errors.ErrNotPDF
	}

	if e.tempDir != "" {
		if err := os.MkdirAll(e.tempDir, 0o700); err != nil {
			return nil, errors.ErrInternal.WithCause(err)
		}
	}
	tmp, err := os.CreateTemp(e.tempDir, TempPattern)
	if err != nil {
		return nil, errors.ErrInternal.WithCause(err)
	}
	defer func() {
		_ = tmp.Close()
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warnw("failed to remove upload temp file", "path", tmp.Name(), "error", rmErr.Error())
		}
	}()

	if _, err := io.Copy(tmp, br); err != nil {
		return nil, errors.ErrDocumentExtraction.WithCause(err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, errors.ErrInternal.WithCause(err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			pages = nil
			err = errors.ErrDocumentExtraction.WithCause(fmt.Errorf("pdf reader panic: %v", rec))
		}
	}()

	f, rdr, err := pdf.Open(tmp.Name())
	if err != nil {
		return nil, errors.ErrDocumentExtraction.WithCause(err)
	}
	defer f.Close()

	total := rdr.NumPage()
	if e.maxPages > 0 && total > e.maxPages {
		total = e.maxPages
	}

	pages = make([]model.Page, 0, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := rdr.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, errors.ErrDocumentExtraction.WithCause(fmt.Errorf("page %d: %w", i, err))
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, model.Page{Number: i, Text: text})
	}

	if len(pages) == 0 {
		return nil, errors.ErrDocumentExtraction.WithMessage("no text could be extracted from the PDF")
	}
	return pages, nil
}

var _ Extractor = (*PDFExtractor)(nil)
