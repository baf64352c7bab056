package filetype

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/local/scansplit/internal/pdftest"
)

func TestDetect(t *testing.T) {
	d := New()

	pdf := d.Detect(pdftest.Build(pdftest.Letter("x")), "scan.bin")
	assert.True(t, pdf.IsPDF)
	assert.True(t, pdf.Supported)
	assert.Equal(t, "pdf", pdf.Kind())
	assert.False(t, d.RequiresConversion(pdftest.Build(pdftest.Letter("x")), "scan.pdf"))

	csv := d.Detect([]byte("name,period\nAlice,1\nBob,2\n"), "students.csv")
	assert.True(t, csv.IsTabular)
	assert.Equal(t, "tabular", csv.Kind())

	single := d.Detect([]byte("name\nAlice\nBob\n"), "students.csv")
	assert.True(t, single.IsTabular)

	bin := d.Detect([]byte{0x00, 0x01, 0x02, 0xff, 0xfe}, "blob")
	assert.False(t, bin.Supported)
	assert.Equal(t, "other", bin.Kind())
}

func TestDetect_ZipOfficeByExtension(t *testing.T) {
	// minimal local file header is enough for the zip signature
	zip := append([]byte("PK\x03\x04"), make([]byte, 64)...)
	info := New().Detect(zip, "essay.docx")
	assert.True(t, info.NeedsConversion)
	assert.Equal(t, "office", info.Kind())

	plain := New().Detect(zip, "archive.zip")
	assert.False(t, plain.Supported)
}
