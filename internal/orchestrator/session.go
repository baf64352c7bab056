package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/scansplit/internal/assignment"
	"github.com/local/scansplit/internal/extract"
	"github.com/local/scansplit/internal/filetype"
	"github.com/local/scansplit/internal/logger"
	"github.com/local/scansplit/internal/metrics"
	"github.com/local/scansplit/internal/preview"
	"github.com/local/scansplit/internal/roster"
)

// State is where a session is in its load, assign, split lifecycle.
type State string

const (
	StateEmpty                State = "empty"
	StateSourceLoaded         State = "source_loaded"
	StateAssigning            State = "assigning"
	StateSplitting            State = "splitting"
	StateSplitComplete        State = "split_complete"
	StateSplitPartiallyFailed State = "split_partially_failed"
)

// Sink receives each produced document.
type Sink interface {
	Deliver(ctx context.Context, sessionID string, doc extract.Document) (string, error)
}

// Converter turns office documents into PDF.
type Converter interface {
	ConvertToPDF(ctx context.Context, data []byte, name string) ([]byte, error)
}

// Suggester proposes labels for pages from their text.
type Suggester interface {
	Suggest(ctx context.Context, data []byte, pages []int, labels []roster.Label) (map[int]roster.Label, error)
}

// Renderer renders the header band of a page.
type Renderer interface {
	RenderTop(ctx context.Context, data []byte, page int) ([]byte, error)
}

// OutputRemover discards every output held for a session.
type OutputRemover interface {
	Remove(sessionID string) error
}

// Options are the collaborators shared by sessions. Only Engine is required.
type Options struct {
	Engine    extract.Engine
	Converter Converter
	Suggester Suggester
	Renderer  Renderer
	Status    StatusStore
	// Labels remembers the most recently loaded label set.
	Labels roster.Cache
	// Outputs is cleared on every source load and before every split, so a
	// session's outputs only ever come from its latest split.
	Outputs OutputRemover
}

// Session is one user's split workflow: a label set, a source document and
// the page assignments for it.
type Session struct {
	id      string
	opts    Options
	log     zerolog.Logger
	created time.Time
	slots   *preview.Slots

	// deliverMu serializes deliveries and status writes against output
	// resets; outputsGen is the last generation whose outputs and status
	// were reset. Lock order: deliverMu, then mu.
	deliverMu  sync.Mutex
	outputsGen uint64

	mu         sync.Mutex
	state      State
	labels     []roster.Label
	source     *extract.PDFSource
	sourceName string
	table      assignment.Table
	report     *Report
	// generation increments on every source load; a split started under an
	// older generation is abandoned.
	generation uint64
	splitting  bool
	touched    time.Time
}

// NewSession creates an empty session.
func NewSession(id string, opts Options) *Session {
	now := time.Now()
	return &Session{
		id:      id,
		opts:    opts,
		log:     logger.Session(id),
		created: now,
		touched: now,
		slots:   preview.NewSlots(),
		state:   StateEmpty,
	}
}

func (s *Session) ID() string { return s.id }

// LastActive is when the session was last used.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Labels returns the loaded label set.
func (s *Session) Labels() []roster.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]roster.Label(nil), s.labels...)
}

// Table returns the current assignment table.
func (s *Session) Table() assignment.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// LastReport is the report of the last split of the current source, or nil.
func (s *Session) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// SetLabels replaces the label set and remembers it in the label cache.
// Existing page assignments are kept.
func (s *Session) SetLabels(ctx context.Context, labels []roster.Label) error {
	if len(labels) == 0 {
		return &roster.EmptyInputError{}
	}
	s.mu.Lock()
	s.labels = append([]roster.Label(nil), labels...)
	s.touched = time.Now()
	s.mu.Unlock()

	if s.opts.Labels != nil {
		if err := s.opts.Labels.Put(ctx, labels); err != nil {
			s.log.Warn().Err(err).Msg("failed to cache labels")
		}
	}
	s.log.Info().Int("labels", len(labels)).Msg("labels loaded")
	return nil
}

// LoadLabelsCSV reads the label set from CSV text whose first row is a header.
func (s *Session) LoadLabelsCSV(ctx context.Context, r io.Reader) ([]roster.Label, error) {
	labels, err := roster.ReadCSV(r)
	if err != nil {
		return nil, err
	}
	return labels, s.SetLabels(ctx, labels)
}

// LoadSource replaces the source document. PDFs are used as is; office
// documents are converted when a converter is configured. The assignment
// table, last report, outputs and persisted status are discarded and a
// running split is abandoned.
func (s *Session) LoadSource(ctx context.Context, data []byte, name string) (int, error) {
	info := filetype.New().Detect(data, name)
	kind := info.Kind()

	pdf := data
	switch {
	case info.IsPDF:
	case info.NeedsConversion && s.opts.Converter != nil:
		converted, err := s.opts.Converter.ConvertToPDF(ctx, data, name)
		if err != nil {
			metrics.IncSource(kind, "error")
			return 0, fmt.Errorf("convert %s: %w", name, err)
		}
		pdf = converted
	case info.NeedsConversion:
		metrics.IncSource(kind, "rejected")
		return 0, &UnsupportedSourceError{Name: name, MIMEType: info.MIMEType, Reason: "document conversion is disabled"}
	default:
		metrics.IncSource(kind, "rejected")
		return 0, &UnsupportedSourceError{Name: name, MIMEType: info.MIMEType}
	}

	src, err := extract.OpenPDF(pdf)
	if err != nil {
		metrics.IncSource(kind, "error")
		return 0, fmt.Errorf("open %s: %w", name, err)
	}
	table, err := assignment.Initialize(src.PageCount())
	if err != nil {
		metrics.IncSource(kind, "error")
		return 0, err
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	wasSplitting := s.splitting
	s.source = src
	s.sourceName = name
	s.table = table
	s.report = nil
	s.splitting = false
	s.state = StateSourceLoaded
	s.touched = time.Now()
	s.mu.Unlock()

	s.slots.CancelAll()
	s.resetOutputs(ctx, gen)
	metrics.IncSource(kind, "ok")
	ev := s.log.Info().Str("source", name).Str("type", kind).Int("pages", src.PageCount())
	if wasSplitting {
		ev = ev.Bool("abandoned_split", true)
	}
	ev.Msg("source loaded")
	return src.PageCount(), nil
}

// SetLabel assigns label to page; an empty label un-assigns it.
func (s *Session) SetLabel(page int, label roster.Label) error {
	return s.Assign([]assignment.PageAssignment{{PageNumber: page, Label: label}})
}

// Assign applies a batch of assignments in order. The batch is checked
// against one table; if any entry fails the table is left unchanged.
func (s *Session) Assign(batch []assignment.PageAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return ErrNoSource
	}
	next := s.table
	for _, a := range batch {
		if a.Label != "" && !roster.Contains(s.labels, a.Label) {
			return &UnknownLabelError{Label: a.Label}
		}
		var err error
		if next, err = next.SetLabel(a.PageNumber, a.Label); err != nil {
			return err
		}
	}
	s.table = next
	s.touched = time.Now()
	if !s.splitting {
		s.state = StateAssigning
	}
	return nil
}

// Suggest assigns unassigned pages whose header names exactly one known
// label. It returns the pages it assigned in ascending order.
func (s *Session) Suggest(ctx context.Context) ([]int, error) {
	if s.opts.Suggester == nil {
		return nil, errors.New("label suggestions are not configured")
	}
	s.mu.Lock()
	if s.source == nil {
		s.mu.Unlock()
		return nil, ErrNoSource
	}
	data, gen := s.source.Bytes(), s.generation
	pages := s.table.Unassigned()
	labels := append([]roster.Label(nil), s.labels...)
	s.mu.Unlock()

	found, err := s.opts.Suggester.Suggest(ctx, data, pages, labels)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil, nil
	}
	var assigned []int
	for page, label := range found {
		if cur, ok := s.table.Label(page); !ok || cur != "" {
			continue
		}
		next, err := s.table.SetLabel(page, label)
		if err != nil {
			continue
		}
		s.table = next
		assigned = append(assigned, page)
	}
	sort.Ints(assigned)
	if len(assigned) > 0 {
		s.touched = time.Now()
		if !s.splitting {
			s.state = StateAssigning
		}
	}
	s.log.Info().Ints("pages", assigned).Msg("labels suggested")
	return assigned, nil
}

// Preview renders the header band of page. Only the most recent request for
// a page completes; earlier ones return ErrStalePreview.
func (s *Session) Preview(ctx context.Context, page int) ([]byte, error) {
	if s.opts.Renderer == nil {
		return nil, ErrPreviewUnavailable
	}
	s.mu.Lock()
	if s.source == nil {
		s.mu.Unlock()
		return nil, ErrNoSource
	}
	data := s.source.Bytes()
	s.mu.Unlock()

	rctx, commit := s.slots.Start(ctx, strconv.Itoa(page))
	img, err := s.opts.Renderer.RenderTop(rctx, data, page)
	if !commit() {
		return nil, ErrStalePreview
	}
	return img, err
}

// Split groups the pages of a snapshot of the assignment table, extracts one
// document per label and delivers them through sink one at a time. It refuses
// to run while any page is unassigned.
func (s *Session) Split(ctx context.Context, sink Sink) (*Report, error) {
	s.mu.Lock()
	if s.source == nil {
		s.mu.Unlock()
		return nil, ErrNoSource
	}
	if s.splitting {
		s.mu.Unlock()
		return nil, ErrSplitInProgress
	}
	table := s.table
	if !table.IsComplete() {
		pages := table.Unassigned()
		s.mu.Unlock()
		metrics.IncSplit("refused")
		s.log.Warn().Ints("pages", pages).Msg("split refused: unassigned pages")
		return nil, &IncompleteAssignmentError{Pages: pages}
	}
	src, gen := s.source, s.generation
	s.splitting = true
	s.state = StateSplitting
	s.touched = time.Now()
	s.mu.Unlock()

	report := &Report{SessionID: s.id, Started: time.Now()}
	groups := assignment.GroupPages(table)

	s.deliverMu.Lock()
	if !s.superseded(gen) {
		s.outputsGen = gen
		s.removeOutputs(sink)
		s.saveStatus(ctx, StateSplitting, "splitting", report)
	}
	s.deliverMu.Unlock()
	s.log.Info().Strs("labels", roster.Strings(groups.Labels())).Int("pages", groups.TotalPages()).Msg("split started")

	results := s.opts.Engine.Extract(ctx, src, groups)
	uniqueFilenames(results)

	for _, res := range results {
		doc := res.Document
		lr := LabelResult{Label: doc.Label, Filename: doc.Filename, Pages: doc.Pages}
		if res.Err != nil {
			lr.Err = res.Err.Error()
			metrics.ObserveLabel("extract_failed", res.Duration, len(doc.Pages))
		} else if !s.deliver(ctx, sink, gen, doc, &lr) {
			report.Abandoned = true
			lr.Err = "abandoned: a new source was loaded"
		} else if lr.Err != "" {
			metrics.ObserveLabel("deliver_failed", res.Duration, len(doc.Pages))
		} else {
			metrics.ObserveLabel("success", res.Duration, len(doc.Pages))
		}
		report.Labels = append(report.Labels, lr)
	}
	report.Finished = time.Now()

	// The final status write happens under deliverMu so a reload that
	// reset the status cannot be overwritten by this split.
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	if s.generation != gen {
		report.Abandoned = true
	} else {
		s.splitting = false
		s.report = report
		if report.OK() {
			s.state = StateSplitComplete
		} else {
			s.state = StateSplitPartiallyFailed
		}
	}
	state := s.state
	s.mu.Unlock()

	switch {
	case report.Abandoned:
		metrics.IncSplit("abandoned")
		s.log.Warn().Msg("split abandoned: source reloaded")
	case report.OK():
		metrics.IncSplit("complete")
		s.saveStatus(ctx, state, fmt.Sprintf("%d documents", len(report.Labels)), report)
		s.log.Info().Int("documents", len(report.Labels)).Int("pages", report.Pages()).Dur("took", report.Finished.Sub(report.Started)).Msg("split complete")
	default:
		metrics.IncSplit("partial")
		s.saveStatus(ctx, state, fmt.Sprintf("%d of %d documents failed", len(report.Failed()), len(report.Labels)), report)
		s.log.Warn().Int("failed", len(report.Failed())).Int("documents", len(report.Labels)).Msg("split partially failed")
	}
	return report, nil
}

// deliver hands doc to sink unless gen has been superseded, in which case it
// returns false and delivers nothing. Delivery errors are recorded on lr.
func (s *Session) deliver(ctx context.Context, sink Sink, gen uint64, doc extract.Document, lr *LabelResult) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.superseded(gen) {
		return false
	}
	loc, err := sink.Deliver(ctx, s.id, doc)
	if err != nil {
		lr.Err = fmt.Sprintf("deliver %s: %v", doc.Filename, err)
		s.log.Warn().Err(err).Str("label", string(doc.Label)).Msg("delivery failed")
		return true
	}
	lr.Location = loc
	return true
}

// resetOutputs discards the outputs and persisted status left by earlier
// generations. It waits for an in-flight delivery to finish, and skips the
// reset when a split of gen or later has already done it.
func (s *Session) resetOutputs(ctx context.Context, gen uint64) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.outputsGen >= gen {
		return
	}
	s.outputsGen = gen
	s.removeOutputs(nil)
	if s.opts.Status != nil {
		if err := s.opts.Status.Delete(ctx, s.id); err != nil {
			s.log.Warn().Err(err).Msg("failed to reset split status")
		}
	}
}

// removeOutputs clears Options.Outputs and, when it can remove them, sink.
func (s *Session) removeOutputs(sink Sink) {
	removers := []OutputRemover{s.opts.Outputs}
	if r, ok := sink.(OutputRemover); ok {
		removers = append(removers, r)
	}
	for _, r := range removers {
		if r == nil {
			continue
		}
		if err := r.Remove(s.id); err != nil {
			s.log.Warn().Err(err).Msg("failed to remove previous outputs")
		}
	}
}

func (s *Session) superseded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != gen
}

func (s *Session) saveStatus(ctx context.Context, state State, msg string, r *Report) {
	if s.opts.Status == nil {
		return
	}
	st := Status{State: string(state), Message: msg, Start: &r.Started}
	if !r.Finished.IsZero() {
		st.End = &r.Finished
		if b, err := json.Marshal(r); err == nil {
			st.Report = b
		}
	}
	if err := s.opts.Status.Set(ctx, s.id, st); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist split status")
	}
}

// uniqueFilenames suffixes repeated filenames (labels that sanitize alike)
// with _2, _3 and so on.
func uniqueFilenames(results []extract.Result) {
	seen := make(map[string]bool, len(results))
	for i := range results {
		name := results[i].Document.Filename
		if !seen[name] {
			seen[name] = true
			continue
		}
		stem := name[:len(name)-len(extract.Extension)]
		for n := 2; ; n++ {
			cand := fmt.Sprintf("%s_%d%s", stem, n, extract.Extension)
			if !seen[cand] {
				seen[cand] = true
				results[i].Document.Filename = cand
				break
			}
		}
	}
}

// View is a read-only snapshot of a session.
type View struct {
	ID          string                      `json:"session_id"`
	State       State                       `json:"state"`
	Source      string                      `json:"source,omitempty"`
	PageCount   int                         `json:"page_count"`
	Labels      []roster.Label              `json:"labels"`
	Assignments []assignment.PageAssignment `json:"assignments"`
	Unassigned  []int                       `json:"unassigned"`
	Complete    bool                        `json:"complete"`
	Report      *Report                     `json:"report,omitempty"`
	Created     time.Time                   `json:"created"`
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:          s.id,
		State:       s.state,
		Source:      s.sourceName,
		PageCount:   s.table.PageCount(),
		Labels:      append([]roster.Label{}, s.labels...),
		Assignments: s.table.Records(),
		Unassigned:  s.table.Unassigned(),
		Complete:    s.table.IsComplete(),
		Report:      s.report,
		Created:     s.created,
	}
	if v.Assignments == nil {
		v.Assignments = []assignment.PageAssignment{}
	}
	if v.Unassigned == nil {
		v.Unassigned = []int{}
	}
	return v
}
