package extract

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Source is the read-only paged document that groups are copied out of.
// Implementations must be safe for concurrent CopyPages calls.
type Source interface {
	PageCount() int
	// CopyPages builds a new document holding the given 1-based pages in
	// exactly the given order and returns it serialized.
	CopyPages(pages []int) ([]byte, error)
}

// PDFSource is a Source over PDF bytes backed by pdfcpu.
type PDFSource struct {
	data      []byte
	pageCount int
}

// OpenPDF parses and validates data once to learn its page count.
// The slice is retained and must not be modified afterwards.
func OpenPDF(data []byte) (*PDFSource, error) {
	if len(data) == 0 {
		return nil, errors.New("empty pdf data")
	}
	ctx, err := readContext(data)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	if ctx.PageCount <= 0 {
		return nil, errors.New("pdf has no pages")
	}
	return &PDFSource{data: data, pageCount: ctx.PageCount}, nil
}

func (s *PDFSource) PageCount() int { return s.pageCount }

// Bytes returns the original document bytes.
func (s *PDFSource) Bytes() []byte { return s.data }

// CopyPages reads a private pdfcpu context for every call, so concurrent
// callers only share the immutable input bytes.
func (s *PDFSource) CopyPages(pages []int) ([]byte, error) {
	ctx, err := readContext(s.data)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	out, err := pdfcpu.ExtractPages(ctx, pages, false)
	if err != nil {
		return nil, fmt.Errorf("copy pages %v: %w", pages, err)
	}
	var buf bytes.Buffer
	if err := api.WriteContext(out, &buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func readContext(data []byte) (*model.Context, error) {
	conf := model.NewDefaultConfiguration()
	return api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
}
