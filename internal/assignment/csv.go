package assignment

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/local/scansplit/internal/roster"
)

// ReadCSV parses page,label rows. The first row is a header. Rows with an
// empty label are kept and mean "leave unassigned".
func ReadCSV(r io.Reader) ([]PageAssignment, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []PageAssignment
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse assignment csv: %w", err)
		}
		if line == 1 || len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		page, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid page %q", line, rec[0])
		}
		var label roster.Label
		if len(rec) > 1 {
			label = roster.Label(strings.TrimSpace(rec[1]))
		}
		out = append(out, PageAssignment{PageNumber: page, Label: label})
	}
}
