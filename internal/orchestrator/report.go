package orchestrator

import (
	"time"

	"github.com/local/scansplit/internal/roster"
)

// LabelResult is the outcome of one label's document.
type LabelResult struct {
	Label    roster.Label `json:"label"`
	Filename string       `json:"filename"`
	Pages    []int        `json:"pages"`
	Location string       `json:"location,omitempty"`
	Err      string       `json:"error,omitempty"`
}

// OK reports whether the document was produced and delivered.
func (r LabelResult) OK() bool { return r.Err == "" }

// Report summarizes one split.
type Report struct {
	SessionID string        `json:"session_id"`
	Labels    []LabelResult `json:"labels"`
	Started   time.Time     `json:"started"`
	Finished  time.Time     `json:"finished"`
	// Abandoned is set when a new source was loaded while the split ran.
	Abandoned bool `json:"abandoned,omitempty"`
}

// OK reports whether every label succeeded.
func (r *Report) OK() bool {
	if r.Abandoned {
		return false
	}
	for _, l := range r.Labels {
		if !l.OK() {
			return false
		}
	}
	return true
}

// Failed lists the labels whose document was not delivered.
func (r *Report) Failed() []roster.Label {
	var out []roster.Label
	for _, l := range r.Labels {
		if !l.OK() {
			out = append(out, l.Label)
		}
	}
	return out
}

// Pages is the number of pages across all delivered documents.
func (r *Report) Pages() int {
	n := 0
	for _, l := range r.Labels {
		if l.OK() {
			n += len(l.Pages)
		}
	}
	return n
}
