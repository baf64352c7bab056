package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/scansplit/internal/assignment"
	"github.com/local/scansplit/internal/metrics"
	"github.com/local/scansplit/internal/roster"
	"github.com/local/scansplit/internal/sink"
	"github.com/local/scansplit/internal/source"
	"github.com/local/scansplit/internal/statuscheck"
)

// Files gives access to documents a sink holds locally.
type Files interface {
	Files(sessionID string) ([]string, error)
	Read(sessionID, name string) ([]byte, error)
	Remove(sessionID string) error
}

// Checker reports on external dependencies.
type Checker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

type Dependencies struct {
	Session Options
	Sink    Sink
	// Files serves downloads; nil when outputs leave the process (S3).
	Files   Files
	Checker Checker
	Fetch   source.Options
	// MaxUploadBytes caps request bodies; 0 means 64MB.
	MaxUploadBytes int64
	// SessionTTL expires idle sessions; 0 keeps them until deleted.
	SessionTTL time.Duration
}

// Orchestrator owns the live sessions and exposes them over HTTP.
type Orchestrator struct {
	deps Dependencies

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(deps Dependencies) *Orchestrator {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 64 << 20
	}
	if deps.Session.Outputs == nil && deps.Files != nil {
		deps.Session.Outputs = deps.Files
	}
	return &Orchestrator{deps: deps, sessions: make(map[string]*Session)}
}

// CreateSession starts a session, pre-filled with the cached label set when one exists.
func (o *Orchestrator) CreateSession(ctx context.Context) *Session {
	s := NewSession(uuid.NewString(), o.deps.Session)
	var cached []roster.Label
	if c := o.deps.Session.Labels; c != nil {
		labels, ok, err := c.Get(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("label cache unavailable")
		} else if ok {
			cached = labels
		}
	}
	s.labels = cached
	o.mu.Lock()
	o.sessions[s.id] = s
	n := len(o.sessions)
	o.mu.Unlock()
	metrics.SetSessions(n)
	log.Info().Str("session_id", s.id).Int("labels", len(cached)).Msg("session created")
	return s
}

func (o *Orchestrator) Session(id string) (*Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	return s, ok
}

// DeleteSession forgets a session and removes its locally held outputs and persisted status.
func (o *Orchestrator) DeleteSession(id string) bool {
	o.mu.Lock()
	_, ok := o.sessions[id]
	delete(o.sessions, id)
	n := len(o.sessions)
	o.mu.Unlock()
	if !ok {
		return false
	}
	metrics.SetSessions(n)
	if o.deps.Files != nil {
		if err := o.deps.Files.Remove(id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("failed to remove session files")
		}
	}
	if st := o.deps.Session.Status; st != nil {
		if err := st.Delete(context.Background(), id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("failed to remove split status")
		}
	}
	return true
}

// Expire deletes sessions idle since before now-SessionTTL that are not splitting.
func (o *Orchestrator) Expire(now time.Time) int {
	if o.deps.SessionTTL <= 0 {
		return 0
	}
	o.mu.RLock()
	var stale []string
	for id, s := range o.sessions {
		if now.Sub(s.LastActive()) >= o.deps.SessionTTL && s.State() != StateSplitting {
			stale = append(stale, id)
		}
	}
	o.mu.RUnlock()
	for _, id := range stale {
		o.DeleteSession(id)
	}
	if len(stale) > 0 {
		log.Info().Int("expired", len(stale)).Msg("expired idle sessions")
	}
	return len(stale)
}

// RunJanitor expires idle sessions and stale temp files every interval until ctx ends.
func (o *Orchestrator) RunJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.Expire(now)
			source.CleanupTemps("", time.Hour)
		}
	}
}

func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", o.handleStatus)
	mux.HandleFunc("/sessions", o.handleSessions)
	mux.HandleFunc("/sessions/", o.handleSession)
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	o.mu.RLock()
	n := len(o.sessions)
	o.mu.RUnlock()
	resp := map[string]any{"sessions": n}
	if o.deps.Checker != nil {
		resp["dependencies"] = o.deps.Checker.Summary(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (o *Orchestrator) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s := o.CreateSession(r.Context())
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": s.ID(), "labels": nonNilLabels(s.Labels())})
}

// handleSession routes /sessions/{id}[/{action}[/{arg}]].
func (o *Orchestrator) handleSession(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/", 3)
	id := parts[0]
	s, ok := o.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q not found", id), nil)
		return
	}
	action, arg := "", ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		arg = parts[2]
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, s.Snapshot())
		case http.MethodDelete:
			o.DeleteSession(id)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "labels":
		o.handleLabels(w, r, s)
	case "source":
		o.handleSource(w, r, s)
	case "assign":
		o.handleAssign(w, r, s)
	case "suggest":
		o.handleSuggest(w, r, s)
	case "preview":
		o.handlePreview(w, r, s, arg)
	case "split":
		o.handleSplit(w, r, s)
	case "status":
		o.handleSplitStatus(w, r, s)
	case "download":
		o.handleDownload(w, r, s, arg)
	default:
		http.NotFound(w, r)
	}
}

func (o *Orchestrator) handleLabels(w http.ResponseWriter, r *http.Request, s *Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"labels": nonNilLabels(s.Labels())})
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var labels []roster.Label
	var err error
	if isJSON(r) {
		var body struct{ Labels []string `json:"labels"` }
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, o.deps.MaxUploadBytes)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err), nil)
			return
		}
		if labels, err = roster.FromList(body.Labels); err == nil {
			err = s.SetLabels(r.Context(), labels)
		}
	} else {
		data, _, rerr := o.readUpload(w, r)
		if rerr != nil {
			writeError(w, http.StatusBadRequest, rerr, nil)
			return
		}
		labels, err = s.LoadLabelsCSV(r.Context(), bytes.NewReader(data))
	}
	if err != nil {
		o.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"labels": labels})
}

func (o *Orchestrator) handleSource(w http.ResponseWriter, r *http.Request, s *Session) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var data []byte
	var name string
	if isJSON(r) {
		var body struct{ Ref string `json:"ref"` }
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil || body.Ref == "" {
			writeError(w, http.StatusBadRequest, errors.New("expected {\"ref\": \"...\"}"), nil)
			return
		}
		opts := o.deps.Fetch
		if opts.MaxBytes == 0 {
			opts.MaxBytes = o.deps.MaxUploadBytes
		}
		var err error
		data, name, err = source.Fetch(r.Context(), body.Ref, opts)
		if errors.Is(err, source.ErrNotAllowed) {
			writeError(w, http.StatusForbidden, err, map[string]any{"ref": body.Ref})
			return
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, fmt.Errorf("fetch source: %w", err), map[string]any{"ref": body.Ref})
			return
		}
	} else {
		var err error
		data, name, err = o.readUpload(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err, nil)
			return
		}
	}

	pages, err := s.LoadSource(r.Context(), data, name)
	if err != nil {
		o.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": name, "page_count": pages, "state": s.State()})
}

type assignReq struct {
	Page  int    `json:"page"`
	Label string `json:"label"`
}

// handleAssign accepts one {page, label} object or an array of them. An
// array is applied as a whole or not at all.
func (o *Orchestrator) handleAssign(w http.ResponseWriter, r *http.Request, s *Session) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}
	var reqs []assignReq
	if t := bytes.TrimSpace(raw); len(t) > 0 && t[0] == '[' {
		err = json.Unmarshal(t, &reqs)
	} else {
		var one assignReq
		err = json.Unmarshal(raw, &one)
		reqs = []assignReq{one}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err), nil)
		return
	}

	batch := make([]assignment.PageAssignment, len(reqs))
	for i, a := range reqs {
		batch[i] = assignment.PageAssignment{PageNumber: a.Page, Label: roster.Label(strings.TrimSpace(a.Label))}
	}
	if err := s.Assign(batch); err != nil {
		o.writeSessionError(w, err)
		return
	}
	t := s.Table()
	writeJSON(w, http.StatusOK, map[string]any{"complete": t.IsComplete(), "unassigned": nonNilInts(t.Unassigned())})
}

func (o *Orchestrator) handleSuggest(w http.ResponseWriter, r *http.Request, s *Session) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pages, err := s.Suggest(r.Context())
	if err != nil {
		o.writeSessionError(w, err)
		return
	}
	t := s.Table()
	writeJSON(w, http.StatusOK, map[string]any{"assigned": nonNilInts(pages), "unassigned": nonNilInts(t.Unassigned())})
}

func (o *Orchestrator) handlePreview(w http.ResponseWriter, r *http.Request, s *Session, arg string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	page, err := strconv.Atoi(arg)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid page %q", arg), nil)
		return
	}
	if n := s.Table().PageCount(); n > 0 && (page < 1 || page > n) {
		o.writeSessionError(w, &assignment.OutOfRangeError{Page: page, PageCount: n})
		return
	}
	img, err := s.Preview(r.Context(), page)
	if err != nil {
		o.writeSessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(img)
}

func (o *Orchestrator) handleSplit(w http.ResponseWriter, r *http.Request, s *Session) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report, err := s.Split(r.Context(), o.deps.Sink)
	if err != nil {
		o.writeSessionError(w, err)
		return
	}
	code := http.StatusOK
	if !report.OK() {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, map[string]any{
		"ok":     report.OK(),
		"failed": nonNilLabels(report.Failed()),
		"report": report,
	})
}

func (o *Orchestrator) handleSplitStatus(w http.ResponseWriter, r *http.Request, s *Session) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if o.deps.Session.Status == nil {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": s.ID(), "state": s.State(), "report": s.LastReport()})
		return
	}
	st, ok, err := o.deps.Session.Status.Get(r.Context(), s.ID())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, nil)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": s.ID(), "state": s.State()})
		return
	}
	resp := map[string]any{
		"session_id": s.ID(),
		"state":      st.State,
		"message":    st.Message,
		"start_time": st.Start,
		"end_time":   st.End,
	}
	if len(st.Report) > 0 {
		resp["report"] = st.Report
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDownload serves one produced file, or all of them zipped when no name is given.
func (o *Orchestrator) handleDownload(w http.ResponseWriter, r *http.Request, s *Session, name string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if o.deps.Files == nil {
		writeError(w, http.StatusNotImplemented, errors.New("outputs are not held by this server"), nil)
		return
	}
	if name != "" {
		b, err := o.deps.Files.Read(s.ID(), name)
		if errors.Is(err, sink.ErrNotFound) {
			writeError(w, http.StatusNotFound, err, map[string]any{"file": name})
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err, nil)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		_, _ = w.Write(b)
		return
	}

	names, err := o.deps.Files.Files(s.ID())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, nil)
		return
	}
	if len(names) == 0 {
		writeError(w, http.StatusNotFound, errors.New("no documents produced yet"), nil)
		return
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		b, err := o.deps.Files.Read(s.ID(), n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err, map[string]any{"file": n})
			return
		}
		f, err := zw.Create(n)
		if err == nil {
			_, err = f.Write(b)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err, nil)
			return
		}
	}
	if err := zw.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, err, nil)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": "split_" + s.ID() + ".zip"}))
	_, _ = w.Write(buf.Bytes())
}

// readUpload returns the multipart "file" field or, failing that, the raw body.
func (o *Orchestrator) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, o.deps.MaxUploadBytes)
	name := r.URL.Query().Get("name")
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, "", fmt.Errorf("invalid multipart form: %w", err)
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			return nil, "", errors.New("missing file")
		}
		defer file.Close()
		b, err := io.ReadAll(file)
		if err != nil {
			return nil, "", err
		}
		if hdr.Filename != "" {
			name = filepath.Base(hdr.Filename)
		}
		if name == "" {
			name = "upload"
		}
		return b, name, nil
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	if len(b) == 0 {
		return nil, "", errors.New("empty body")
	}
	if name == "" {
		name = "upload"
	}
	return b, filepath.Base(name), nil
}

// writeSessionError maps domain errors to status codes, naming the affected pages or labels.
func (o *Orchestrator) writeSessionError(w http.ResponseWriter, err error) {
	var incomplete *IncompleteAssignmentError
	var unknown *UnknownLabelError
	var unsupported *UnsupportedSourceError
	var oor *assignment.OutOfRangeError
	var empty *roster.EmptyInputError
	switch {
	case errors.As(err, &incomplete):
		writeError(w, http.StatusConflict, err, map[string]any{"unassigned": incomplete.Pages})
	case errors.As(err, &unknown):
		writeError(w, http.StatusBadRequest, err, map[string]any{"label": unknown.Label})
	case errors.As(err, &oor):
		writeError(w, http.StatusBadRequest, err, map[string]any{"page": oor.Page, "page_count": oor.PageCount})
	case errors.As(err, &unsupported):
		writeError(w, http.StatusUnsupportedMediaType, err, map[string]any{"mime_type": unsupported.MIMEType})
	case errors.As(err, &empty):
		writeError(w, http.StatusBadRequest, err, nil)
	case errors.Is(err, ErrNoSource), errors.Is(err, ErrSplitInProgress), errors.Is(err, ErrStalePreview):
		writeError(w, http.StatusConflict, err, nil)
	case errors.Is(err, ErrPreviewUnavailable):
		writeError(w, http.StatusNotImplemented, err, nil)
	case errors.Is(err, context.Canceled):
		writeError(w, 499, err, nil)
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusUnprocessableEntity, err, nil)
	}
}

func writeError(w http.ResponseWriter, code int, err error, extra map[string]any) {
	body := map[string]any{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == "application/json"
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilLabels(v []roster.Label) []roster.Label {
	if v == nil {
		return []roster.Label{}
	}
	return v
}
