package roster

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Label identifies a recipient (usually a person's name) that pages are assigned to.
type Label string

// CacheKey is the fixed session key under which the last loaded label list is cached.
const CacheKey = "studentNames"

// EmptyInputError is returned when a label source yields no usable labels.
type EmptyInputError struct {
	Rows int
}

func (e *EmptyInputError) Error() string {
	return fmt.Sprintf("no valid labels found (%d rows read, header excluded)", e.Rows)
}

// Cache persists the most recent label list across sessions.
type Cache interface {
	Get(ctx context.Context) ([]Label, bool, error)
	Put(ctx context.Context, labels []Label) error
}

// Load turns raw tabular rows into the ordered, de-duplicated label list.
// The first row is a header and is always discarded; the first cell of every
// following row is trimmed and kept if non-empty. Duplicates are dropped by
// exact comparison, first occurrence wins.
func Load(rows [][]string) ([]Label, error) {
	if len(rows) <= 1 {
		return nil, &EmptyInputError{Rows: 0}
	}
	data := rows[1:]
	seen := make(map[Label]struct{}, len(data))
	out := make([]Label, 0, len(data))
	for _, row := range data {
		if len(row) == 0 {
			continue
		}
		name := Label(strings.TrimSpace(row[0]))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, &EmptyInputError{Rows: len(data)}
	}
	return out, nil
}

// ReadCSV parses comma separated text and loads labels from it.
// Rows may have different numbers of fields; a UTF-8 BOM is ignored.
func ReadCSV(r io.Reader) ([]Label, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse label csv: %w", err)
		}
		if len(rows) == 0 && len(rec) > 0 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
		}
		rows = append(rows, rec)
	}
	return Load(rows)
}

// Contains reports whether l is in labels.
func Contains(labels []Label, l Label) bool {
	for _, x := range labels {
		if x == l {
			return true
		}
	}
	return false
}

// Strings converts labels to plain strings, e.g. for JSON responses.
func Strings(labels []Label) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = string(l)
	}
	return out
}

// FromStrings is the inverse of Strings.
func FromStrings(s []string) []Label {
	out := make([]Label, len(s))
	for i, v := range s {
		out[i] = Label(v)
	}
	return out
}

// FromList loads labels from a plain list with no header row, applying the
// same trimming and de-duplication as Load.
func FromList(names []string) ([]Label, error) {
	rows := make([][]string, 0, len(names)+1)
	rows = append(rows, nil)
	for _, n := range names {
		rows = append(rows, []string{n})
	}
	return Load(rows)
}
