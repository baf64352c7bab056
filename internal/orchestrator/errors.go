package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/local/scansplit/internal/roster"
)

var (
	// ErrNoSource is returned by operations that need a loaded source document.
	ErrNoSource = errors.New("no source document loaded")
	// ErrSplitInProgress is returned when a split is requested while one is running.
	ErrSplitInProgress = errors.New("a split is already in progress")
	// ErrStalePreview means a newer preview request for the same page replaced this one.
	ErrStalePreview = errors.New("preview superseded by a newer request")
	// ErrPreviewUnavailable is returned when no renderer is configured.
	ErrPreviewUnavailable = errors.New("page preview is not available")
)

// IncompleteAssignmentError refuses a split while some pages have no label.
type IncompleteAssignmentError struct {
	Pages []int
}

func (e *IncompleteAssignmentError) Error() string {
	parts := make([]string, len(e.Pages))
	for i, p := range e.Pages {
		parts[i] = fmt.Sprint(p)
	}
	return fmt.Sprintf("every page needs a label before splitting; unassigned pages: %s", strings.Join(parts, ", "))
}

// UnknownLabelError rejects an assignment to a label outside the loaded label set.
type UnknownLabelError struct {
	Label roster.Label
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("unknown label %q", string(e.Label))
}

// UnsupportedSourceError rejects a source document that cannot be split.
type UnsupportedSourceError struct {
	Name     string
	MIMEType string
	Reason   string
}

func (e *UnsupportedSourceError) Error() string {
	msg := fmt.Sprintf("unsupported source %q (%s)", e.Name, e.MIMEType)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
