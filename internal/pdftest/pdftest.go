// Package pdftest builds small, valid PDF documents for tests and health checks.
package pdftest

import (
	"bytes"
	"fmt"
	"strings"
)

// Page describes one generated page. Width and Height are in points.
type Page struct {
	Width  int
	Height int
	// Text is drawn near the top of the page in Helvetica.
	Text string
}

// Letter returns a US letter page carrying text.
func Letter(text string) Page { return Page{Width: 612, Height: 792, Text: text} }

// Numbered returns n letter-height pages whose widths are 300+i for page i,
// so a page's origin can be recognized from its dimensions after copying.
func Numbered(n int) []Page {
	pages := make([]Page, n)
	for i := range pages {
		pages[i] = Page{Width: WidthOf(i + 1), Height: 792, Text: fmt.Sprintf("Page %d", i+1)}
	}
	return pages
}

// WidthOf is the width Numbered gives page p.
func WidthOf(p int) int { return 300 + p }

// Build renders pages into a PDF with a classic cross-reference table.
func Build(pages ...Page) []byte {
	var buf bytes.Buffer
	offsets := []int{0}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets)-1, body)
	}

	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	for i, p := range pages {
		content := fmt.Sprintf("BT /F1 16 Tf 72 %d Td (%s) Tj ET", p.Height-72, escape(p.Text))
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			p.Width, p.Height, 5+2*i))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets))
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets), xref)
	return buf.Bytes()
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
