package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/scansplit/internal/assignment"
	"github.com/local/scansplit/internal/roster"
)

// Extension is appended to every sanitized label to form the output filename.
const Extension = ".pdf"

// ExtractionError reports that one label's document could not be produced.
type ExtractionError struct {
	Label roster.Label
	Pages []int
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %q (pages %v): %v", string(e.Label), e.Pages, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Document is one produced output: the label's pages copied from the source.
type Document struct {
	Label    roster.Label
	Pages    []int
	Bytes    []byte
	Filename string
}

// Result pairs a label's document with the error that prevented it, if any.
type Result struct {
	Document Document
	Err      error
	Duration time.Duration
}

// OK reports whether the document was produced.
func (r Result) OK() bool { return r.Err == nil }

// Engine turns a grouping into one document per label.
type Engine struct {
	// Concurrency bounds how many labels are extracted at once. Values below 2 run sequentially.
	Concurrency int
}

// Extract produces one result per group, in grouping order. A failing label
// never prevents the others from being extracted.
func (e Engine) Extract(ctx context.Context, src Source, groups assignment.Grouping) []Result {
	results := make([]Result, len(groups))
	workers := e.Concurrency
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, grp := range groups {
		select {
		case <-ctx.Done():
			results[i] = failed(grp, ctx.Err())
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, grp assignment.Group) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = extractOne(ctx, src, grp)
		}(i, grp)
	}
	wg.Wait()
	return results
}

func extractOne(ctx context.Context, src Source, grp assignment.Group) (res Result) {
	start := time.Now()
	res.Document = Document{Label: grp.Label, Pages: grp.Pages, Filename: Filename(grp.Label)}
	defer func() {
		if p := recover(); p != nil {
			res.Err = &ExtractionError{Label: grp.Label, Pages: grp.Pages, Err: fmt.Errorf("panic: %v", p)}
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("label", string(grp.Label)).Ints("pages", grp.Pages).Msg("label extraction failed")
		} else {
			log.Debug().Str("label", string(grp.Label)).Ints("pages", grp.Pages).Int("bytes", len(res.Document.Bytes)).Dur("took", res.Duration).Msg("label extracted")
		}
	}()

	if err := ctx.Err(); err != nil {
		return failed(grp, err)
	}
	if len(grp.Pages) == 0 {
		return failed(grp, fmt.Errorf("no pages assigned"))
	}
	n := src.PageCount()
	for _, p := range grp.Pages {
		if p < 1 || p > n {
			return failed(grp, fmt.Errorf("page %d out of range (document has %d pages)", p, n))
		}
	}
	data, err := src.CopyPages(grp.Pages)
	if err != nil {
		return failed(grp, err)
	}
	res.Document.Bytes = data
	return res
}

func failed(grp assignment.Group, err error) Result {
	return Result{
		Document: Document{Label: grp.Label, Pages: grp.Pages, Filename: Filename(grp.Label)},
		Err:      &ExtractionError{Label: grp.Label, Pages: grp.Pages, Err: err},
	}
}

// SanitizeFilename replaces every character outside [A-Za-z0-9] with '_'.
// Multi-byte characters become a single underscore each.
func SanitizeFilename(label roster.Label) string {
	var b strings.Builder
	b.Grow(len(label))
	for _, r := range string(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Filename is the suggested output filename for label.
func Filename(label roster.Label) string { return SanitizeFilename(label) + Extension }
