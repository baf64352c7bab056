package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/scansplit/internal/extract"
	"github.com/local/scansplit/internal/pdftest"
	"github.com/local/scansplit/internal/roster"
	"github.com/local/scansplit/internal/sink"
	"github.com/local/scansplit/internal/source"
	"github.com/local/scansplit/internal/statuscheck"
	"github.com/local/scansplit/internal/store"
)

type testServer struct {
	*httptest.Server
	orch *Orchestrator
	mem  *sink.Memory
}

func newTestServer(t *testing.T, mutate func(*Dependencies)) *testServer {
	t.Helper()
	mem := sink.NewMemory()
	deps := Dependencies{
		Session: Options{Engine: extract.Engine{Concurrency: 2}},
		Sink:    mem,
		Files:   mem,
	}
	if mutate != nil {
		mutate(&deps)
	}
	o := New(deps)
	mux := http.NewServeMux()
	o.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, orch: o, mem: mem}
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/sessions", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.SessionID)
	return out.SessionID
}

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m), string(body))
	return m
}

func TestServer_SplitWorkflow(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t)
	base := "/sessions/" + id

	resp, body := ts.do(t, http.MethodPost, base+"/labels", "text/csv", []byte("Student\nAlice Johnson\nBob\n\n"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, []any{"Alice Johnson", "Bob"}, decode(t, body)["labels"])

	resp, body = ts.do(t, http.MethodPost, base+"/source?name=scan.pdf", "application/pdf", pdftest.Build(pdftest.Numbered(3)...))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.EqualValues(t, 3, decode(t, body)["page_count"])

	resp, body = ts.do(t, http.MethodPost, base+"/assign", "application/json",
		[]byte(`[{"page":1,"label":"Alice Johnson"},{"page":3,"label":"Bob"}]`))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, []any{float64(2)}, decode(t, body)["unassigned"])

	resp, body = ts.do(t, http.MethodPost, base+"/split", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, []any{float64(2)}, decode(t, body)["unassigned"])
	files, _ := ts.mem.Files(id)
	assert.Empty(t, files)

	resp, body = ts.do(t, http.MethodPost, base+"/assign", "application/json", []byte(`{"page":2,"label":"Mallory"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Mallory", decode(t, body)["label"])

	resp, body = ts.do(t, http.MethodPost, base+"/assign", "application/json", []byte(`{"page":9,"label":"Bob"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.EqualValues(t, 3, decode(t, body)["page_count"])

	resp, _ = ts.do(t, http.MethodPost, base+"/assign", "application/json", []byte(`{"page":2,"label":"Bob"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, base+"/split", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	out := decode(t, body)
	assert.Equal(t, true, out["ok"])
	assert.Empty(t, out["failed"])

	resp, body = ts.do(t, http.MethodGet, base+"/download/Alice_Johnson.pdf", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(t, []int{pdftest.WidthOf(1)}, pageWidths(t, body))

	resp, _ = ts.do(t, http.MethodGet, base+"/download/Carol.pdf", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, base+"/download", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Alice_Johnson.pdf", "Bob.pdf"}, names)

	resp, body = ts.do(t, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode(t, body)
	assert.Equal(t, string(StateSplitComplete), view["state"])
	assert.Equal(t, true, view["complete"])

	resp, body = ts.do(t, http.MethodGet, base+"/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(StateSplitComplete), decode(t, body)["state"])

	resp, _ = ts.do(t, http.MethodDelete, base, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, base, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	files, _ = ts.mem.Files(id)
	assert.Empty(t, files)
}

func TestServer_ReloadResetsAssignments(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t)
	base := "/sessions/" + id

	ts.do(t, http.MethodPost, base+"/labels", "application/json", []byte(`{"labels":["Alice"]}`))
	ts.do(t, http.MethodPost, base+"/source", "application/pdf", pdftest.Build(pdftest.Numbered(2)...))
	resp, _ := ts.do(t, http.MethodPost, base+"/assign", "application/json", []byte(`{"page":1,"label":"Alice"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, base+"/source", "application/pdf", pdftest.Build(pdftest.Numbered(4)...))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, string(StateSourceLoaded), decode(t, body)["state"])

	_, body = ts.do(t, http.MethodGet, base, "", nil)
	view := decode(t, body)
	assert.EqualValues(t, 4, view["page_count"])
	assert.Len(t, view["unassigned"], 4)
}

func TestServer_ResplitAfterReloadReplacesOutputs(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t)
	base := "/sessions/" + id

	ts.do(t, http.MethodPost, base+"/labels", "application/json", []byte(`{"labels":["Alice","Bob","Carol"]}`))
	ts.do(t, http.MethodPost, base+"/source", "application/pdf", pdftest.Build(pdftest.Numbered(2)...))
	ts.do(t, http.MethodPost, base+"/assign", "application/json", []byte(`[{"page":1,"label":"Alice"},{"page":2,"label":"Bob"}]`))
	resp, body := ts.do(t, http.MethodPost, base+"/split", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = ts.do(t, http.MethodPost, base+"/source", "application/pdf", pdftest.Build(pdftest.Numbered(1)...))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, _ = ts.do(t, http.MethodGet, base+"/download", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "a reload discards the previous outputs")

	ts.do(t, http.MethodPost, base+"/assign", "application/json", []byte(`{"page":1,"label":"Carol"}`))
	resp, body = ts.do(t, http.MethodPost, base+"/split", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = ts.do(t, http.MethodGet, base+"/download", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Carol.pdf"}, names)
}

func TestServer_ResplitDropsRemovedLabels(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t)
	base := "/sessions/" + id

	ts.do(t, http.MethodPost, base+"/labels", "application/json", []byte(`{"labels":["Alice","Bob"]}`))
	ts.do(t, http.MethodPost, base+"/source", "application/pdf", pdftest.Build(pdftest.Numbered(2)...))
	ts.do(t, http.MethodPost, base+"/assign", "application/json", []byte(`[{"page":1,"label":"Alice"},{"page":2,"label":"Bob"}]`))
	ts.do(t, http.MethodPost, base+"/split", "", nil)

	ts.do(t, http.MethodPost, base+"/assign", "application/json", []byte(`{"page":2,"label":"Alice"}`))
	resp, body := ts.do(t, http.MethodPost, base+"/split", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	files, err := ts.mem.Files(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice.pdf"}, files)
}

func TestServer_AssignBatchIsAtomic(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t)
	base := "/sessions/" + id
	ts.do(t, http.MethodPost, base+"/labels", "application/json", []byte(`{"labels":["Alice","Bob"]}`))
	ts.do(t, http.MethodPost, base+"/source", "application/pdf", pdftest.Build(pdftest.Numbered(3)...))

	resp, body := ts.do(t, http.MethodPost, base+"/assign", "application/json",
		[]byte(`[{"page":1,"label":"Alice"},{"page":2,"label":"Bob"},{"page":3,"label":"Mallory"}]`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Mallory", decode(t, body)["label"])

	resp, body = ts.do(t, http.MethodPost, base+"/assign", "application/json",
		[]byte(`[{"page":1,"label":"Alice"},{"page":7,"label":"Bob"}]`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.EqualValues(t, 7, decode(t, body)["page"])

	_, body = ts.do(t, http.MethodGet, base, "", nil)
	view := decode(t, body)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, view["unassigned"], "a failed batch changes nothing")
	assert.Equal(t, string(StateSourceLoaded), view["state"])
}

func TestServer_PartialFailureIs207(t *testing.T) {
	fs := &failingSink{fail: map[string]bool{"Bob.pdf": true}, Memory: sink.NewMemory()}
	ts := newTestServer(t, func(d *Dependencies) {
		d.Sink = fs
		d.Files = fs
	})
	id := ts.createSession(t)
	base := "/sessions/" + id
	ts.do(t, http.MethodPost, base+"/labels", "application/json", []byte(`{"labels":["Alice","Bob"]}`))
	ts.do(t, http.MethodPost, base+"/source", "application/pdf", pdftest.Build(pdftest.Numbered(2)...))
	ts.do(t, http.MethodPost, base+"/assign", "application/json", []byte(`[{"page":1,"label":"Alice"},{"page":2,"label":"Bob"}]`))

	resp, body := ts.do(t, http.MethodPost, base+"/split", "", nil)
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	out := decode(t, body)
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, []any{"Bob"}, out["failed"])

	resp, _ = ts.do(t, http.MethodGet, base+"/download/Alice.pdf", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_SourceErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	base := "/sessions/" + ts.createSession(t)

	resp, body := ts.do(t, http.MethodPost, base+"/split", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, body = ts.do(t, http.MethodPost, base+"/source?name=names.csv", "text/csv", []byte("name,period\nAlice,1\nBob,2\n"))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode, string(body))

	resp, _ = ts.do(t, http.MethodPost, base+"/source", "application/pdf", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for _, ref := range []string{"/etc/hostname", "http://169.254.169.254/latest/meta-data", "s3://any-bucket/scan.pdf"} {
		resp, body = ts.do(t, http.MethodPost, base+"/source", "application/json", []byte(`{"ref":"`+ref+`"}`))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "%s is off by default", ref)
		assert.Equal(t, ref, decode(t, body)["ref"])
	}

	resp, _ = ts.do(t, http.MethodPost, base+"/labels", "text/csv", []byte("Header only\n"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, base+"/preview/1", "", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/sessions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/sessions", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_SourceFromReference(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.pdf")
	require.NoError(t, os.WriteFile(path, pdftest.Build(pdftest.Numbered(2)...), 0o600))

	ts := newTestServer(t, func(d *Dependencies) {
		d.Fetch = source.Options{AllowFiles: true}
	})
	base := "/sessions/" + ts.createSession(t)

	resp, body := ts.do(t, http.MethodPost, base+"/source", "application/json", []byte(`{"ref":"file://`+path+`"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	out := decode(t, body)
	assert.Equal(t, "scan.pdf", out["source"])
	assert.EqualValues(t, 2, out["page_count"])
}

func TestServer_PreviewAndSuggest(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) {
		d.Session.Renderer = okRenderer{}
		d.Session.Suggester = fakeSuggester{out: map[int]roster.Label{2: "Bob"}}
	})
	base := "/sessions/" + ts.createSession(t)
	ts.do(t, http.MethodPost, base+"/labels", "application/json", []byte(`{"labels":["Alice","Bob"]}`))
	ts.do(t, http.MethodPost, base+"/source", "application/pdf", pdftest.Build(pdftest.Numbered(2)...))

	resp, body := ts.do(t, http.MethodGet, base+"/preview/2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, []byte{0xFF, 0xD8}, body)

	resp, _ = ts.do(t, http.MethodGet, base+"/preview/3", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, base+"/preview/x", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, base+"/suggest", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	out := decode(t, body)
	assert.Equal(t, []any{float64(2)}, out["assigned"])
	assert.Equal(t, []any{float64(1)}, out["unassigned"])
}

type stubChecker struct{}

func (stubChecker) Summary(ctx context.Context) statuscheck.Summary { return statuscheck.Summary{} }

func TestServer_HealthAndStatus(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) {
		d.Checker = stubChecker{}
	})
	ts.createSession(t)

	resp, body := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, body = ts.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, body)
	assert.EqualValues(t, 1, out["sessions"])
	assert.Contains(t, out, "dependencies")
}

func TestOrchestrator_CreateSessionUsesCachedLabels(t *testing.T) {
	cache := &memCache{labels: []roster.Label{"Alice", "Bob"}}
	o := New(Dependencies{Session: Options{Labels: cache}})
	s := o.CreateSession(context.Background())
	assert.Equal(t, []roster.Label{"Alice", "Bob"}, s.Labels())

	got, ok := o.Session(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)
}

type brokenCache struct{}

func (brokenCache) Get(ctx context.Context) ([]roster.Label, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (brokenCache) Put(ctx context.Context, labels []roster.Label) error { return nil }

func TestOrchestrator_CreateSessionWithoutCache(t *testing.T) {
	o := New(Dependencies{Session: Options{Labels: brokenCache{}}})
	assert.Empty(t, o.CreateSession(context.Background()).Labels())
}

func TestOrchestrator_Expire(t *testing.T) {
	mem := sink.NewMemory()
	o := New(Dependencies{Files: mem, SessionTTL: time.Hour})
	idle := o.CreateSession(context.Background())
	fresh := o.CreateSession(context.Background())
	_, err := mem.Deliver(context.Background(), idle.ID(), extract.Document{Filename: "A.pdf", Bytes: []byte("x")})
	require.NoError(t, err)

	idle.mu.Lock()
	idle.touched = time.Now().Add(-2 * time.Hour)
	idle.mu.Unlock()

	assert.Equal(t, 1, o.Expire(time.Now()))
	_, ok := o.Session(idle.ID())
	assert.False(t, ok)
	_, ok = o.Session(fresh.ID())
	assert.True(t, ok)
	files, _ := mem.Files(idle.ID())
	assert.Empty(t, files)

	assert.Equal(t, 0, New(Dependencies{}).Expire(time.Now().Add(1000*time.Hour)))
}

func TestStatusAdapter_RedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rc.Close()
	})
	st := NewStatusAdapter(store.NewRedisStatus(rc, time.Hour))
	ctx := context.Background()

	mem := sink.NewMemory()
	o := New(Dependencies{Session: Options{Engine: extract.Engine{}, Status: st}, Sink: mem, Files: mem})
	s := o.CreateSession(ctx)
	require.NoError(t, s.SetLabels(ctx, []roster.Label{"Alice"}))
	_, err := s.LoadSource(ctx, pdftest.Build(pdftest.Numbered(1)...), "one.pdf")
	require.NoError(t, err)
	require.NoError(t, s.SetLabel(1, "Alice"))
	_, err = s.Split(ctx, mem)
	require.NoError(t, err)

	got, ok, err := st.Get(ctx, s.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(StateSplitComplete), got.State)
	assert.Equal(t, "1 documents", got.Message)
	require.NotNil(t, got.Start)
	require.NotNil(t, got.End)
	var report Report
	require.NoError(t, json.Unmarshal(got.Report, &report))
	assert.Equal(t, "Alice.pdf", report.Labels[0].Filename)
	assert.True(t, mr.TTL("scansplit:session:"+s.ID()+":status") > 0)

	_, err = s.LoadSource(ctx, pdftest.Build(pdftest.Numbered(2)...), "two.pdf")
	require.NoError(t, err)
	_, ok, err = st.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.False(t, ok, "a reload clears the persisted status")

	require.NoError(t, s.SetLabel(1, "Alice"))
	require.NoError(t, s.SetLabel(2, "Alice"))
	_, err = s.Split(ctx, mem)
	require.NoError(t, err)
	require.True(t, o.DeleteSession(s.ID()))
	_, ok, err = st.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.False(t, ok)
}
