package assignment

import (
	"fmt"

	"github.com/local/scansplit/internal/roster"
)

// OutOfRangeError is returned when a page number falls outside the loaded document.
type OutOfRangeError struct {
	Page      int
	PageCount int
}

func (e *OutOfRangeError) Error() string {
	if e.PageCount <= 0 {
		return fmt.Sprintf("page %d out of range (no pages loaded)", e.Page)
	}
	return fmt.Sprintf("page %d out of range (document has %d pages)", e.Page, e.PageCount)
}

// PageCountError is returned when a table is requested for a document
// without pages.
type PageCountError struct {
	Count int
}

func (e *PageCountError) Error() string {
	return fmt.Sprintf("invalid page count %d", e.Count)
}

// PageAssignment binds one source page to an optional label. An empty label means unassigned.
type PageAssignment struct {
	PageNumber int          `json:"page"`
	Label      roster.Label `json:"label"`
}

// Assigned reports whether the page carries a non-empty label.
func (p PageAssignment) Assigned() bool { return p.Label != "" }

// Table holds one record per page of the loaded source document, pages 1..N.
// Tables are values: SetLabel returns a new table and never touches the
// receiver, so any copy held by a caller is a stable snapshot.
type Table struct {
	records []PageAssignment
}

// Initialize creates a table of pageCount unassigned records.
func Initialize(pageCount int) (Table, error) {
	if pageCount <= 0 {
		return Table{}, &PageCountError{Count: pageCount}
	}
	recs := make([]PageAssignment, pageCount)
	for i := range recs {
		recs[i].PageNumber = i + 1
	}
	return Table{records: recs}, nil
}

// PageCount returns the number of pages covered by the table.
func (t Table) PageCount() int { return len(t.records) }

// SetLabel returns a copy of t with the label of page replaced. An empty label un-assigns the page.
func (t Table) SetLabel(page int, label roster.Label) (Table, error) {
	if page < 1 || page > len(t.records) {
		return t, &OutOfRangeError{Page: page, PageCount: len(t.records)}
	}
	recs := make([]PageAssignment, len(t.records))
	copy(recs, t.records)
	recs[page-1].Label = label
	return Table{records: recs}, nil
}

// Label returns the label of page and whether the page is in range.
func (t Table) Label(page int) (roster.Label, bool) {
	if page < 1 || page > len(t.records) {
		return "", false
	}
	return t.records[page-1].Label, true
}

// IsComplete is true when every page has a non-empty label.
func (t Table) IsComplete() bool {
	if len(t.records) == 0 {
		return false
	}
	for _, r := range t.records {
		if !r.Assigned() {
			return false
		}
	}
	return true
}

// Unassigned lists the pages without a label, ascending.
func (t Table) Unassigned() []int {
	var out []int
	for _, r := range t.records {
		if !r.Assigned() {
			out = append(out, r.PageNumber)
		}
	}
	return out
}

// Records returns a copy of all records in page order.
func (t Table) Records() []PageAssignment {
	out := make([]PageAssignment, len(t.records))
	copy(out, t.records)
	return out
}
