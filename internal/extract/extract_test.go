package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/scansplit/internal/assignment"
	"github.com/local/scansplit/internal/pdftest"
	"github.com/local/scansplit/internal/roster"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[roster.Label]string{
		"Jane O'Brien!":  "Jane_O_Brien_",
		"Alice Johnson":  "Alice_Johnson",
		"bob.smith-2":    "bob_smith_2",
		"Zoë":            "Zo_",
		"":               "",
		"ALLCAPS123":     "ALLCAPS123",
		"a/b\\c:d*e?f\"": "a_b_c_d_e_f_",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), "label %q", in)
	}
	assert.Equal(t, "Jane_O_Brien_.pdf", Filename("Jane O'Brien!"))
}

// fakeSource records CopyPages calls and can fail chosen page sets.
type fakeSource struct {
	pages int
	fail  map[string]error
	mu    sync.Mutex
	calls [][]int
}

func (f *fakeSource) PageCount() int { return f.pages }

func (f *fakeSource) CopyPages(pages []int) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pages)
	f.mu.Unlock()
	if err := f.fail[fmt.Sprint(pages)]; err != nil {
		return nil, err
	}
	return []byte(fmt.Sprint(pages)), nil
}

func TestExtract_IsolatesFailures(t *testing.T) {
	boom := errors.New("malformed page")
	src := &fakeSource{pages: 5, fail: map[string]error{"[2 4]": boom}}
	groups := assignment.Grouping{
		{Label: "Alice", Pages: []int{1, 3}},
		{Label: "Bob", Pages: []int{2, 4}},
		{Label: "Carol", Pages: []int{5}},
	}

	for _, conc := range []int{0, 1, 4} {
		res := Engine{Concurrency: conc}.Extract(context.Background(), src, groups)
		require.Len(t, res, 3)

		assert.True(t, res[0].OK())
		assert.Equal(t, []byte("[1 3]"), res[0].Document.Bytes)
		assert.Equal(t, "Alice.pdf", res[0].Document.Filename)

		require.False(t, res[1].OK())
		var xe *ExtractionError
		require.True(t, errors.As(res[1].Err, &xe))
		assert.Equal(t, roster.Label("Bob"), xe.Label)
		assert.ErrorIs(t, res[1].Err, boom)
		assert.Nil(t, res[1].Document.Bytes)

		assert.True(t, res[2].OK())
		assert.Equal(t, roster.Label("Carol"), res[2].Document.Label)
	}
}

func TestExtract_PassesDuplicatesThrough(t *testing.T) {
	src := &fakeSource{pages: 3}
	res := Engine{}.Extract(context.Background(), src, assignment.Grouping{{Label: "A", Pages: []int{2, 2, 3}}})
	require.True(t, res[0].OK())
	assert.Equal(t, [][]int{{2, 2, 3}}, src.calls)
}

func TestExtract_OutOfRangeIsPerLabel(t *testing.T) {
	src := &fakeSource{pages: 2}
	res := Engine{}.Extract(context.Background(), src, assignment.Grouping{
		{Label: "A", Pages: []int{1}},
		{Label: "B", Pages: []int{3}},
	})
	assert.True(t, res[0].OK())
	assert.False(t, res[1].OK())
	assert.Len(t, src.calls, 1)
}

type panicSource struct{ fakeSource }

func (p *panicSource) CopyPages(pages []int) ([]byte, error) {
	if pages[0] == 1 {
		panic("corrupt xref")
	}
	return p.fakeSource.CopyPages(pages)
}

func TestExtract_RecoversPanics(t *testing.T) {
	src := &panicSource{fakeSource{pages: 2}}
	res := Engine{Concurrency: 2}.Extract(context.Background(), src, assignment.Grouping{
		{Label: "A", Pages: []int{1}},
		{Label: "B", Pages: []int{2}},
	})
	assert.False(t, res[0].OK())
	assert.Contains(t, res[0].Err.Error(), "corrupt xref")
	assert.True(t, res[1].OK())
}

func TestExtract_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{pages: 2}
	res := Engine{}.Extract(ctx, src, assignment.Grouping{{Label: "A", Pages: []int{1}}})
	require.Len(t, res, 1)
	assert.ErrorIs(t, res[0].Err, context.Canceled)
	assert.Empty(t, src.calls)
}

func TestOpenPDF_Invalid(t *testing.T) {
	_, err := OpenPDF(nil)
	assert.Error(t, err)
	_, err = OpenPDF([]byte("This is not a PDF"))
	assert.Error(t, err)
}

func TestPDFSource_RoundTrip(t *testing.T) {
	src, err := OpenPDF(pdftest.Build(pdftest.Numbered(3)...))
	require.NoError(t, err)
	require.Equal(t, 3, src.PageCount())

	tbl, _ := assignment.Initialize(3)
	tbl, _ = tbl.SetLabel(1, "Alice")
	tbl, _ = tbl.SetLabel(2, "Bob")
	tbl, _ = tbl.SetLabel(3, "Alice")

	res := Engine{Concurrency: 2}.Extract(context.Background(), src, assignment.GroupPages(tbl))
	require.Len(t, res, 2)

	total := 0
	want := map[roster.Label][]int{"Alice": {1, 3}, "Bob": {2}}
	for _, r := range res {
		require.NoError(t, r.Err)
		assert.Equal(t, want[r.Document.Label], r.Document.Pages)

		dims, err := api.PageDims(bytes.NewReader(r.Document.Bytes), model.NewDefaultConfiguration())
		require.NoError(t, err)
		require.Len(t, dims, len(want[r.Document.Label]))
		for i, d := range dims {
			assert.Equal(t, float64(pdftest.WidthOf(want[r.Document.Label][i])), d.Width)
		}
		total += len(dims)
	}
	assert.Equal(t, 3, total)
	assert.Equal(t, "Alice.pdf", res[0].Document.Filename)
	assert.Equal(t, "Bob.pdf", res[1].Document.Filename)
}
