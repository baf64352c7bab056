package preview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/rs/zerolog/log"

	"github.com/local/scansplit/internal/metrics"
)

// Renderer renders the top band of a page as JPEG so a reader can identify
// whose page it is.
type Renderer struct {
	Opener   Opener
	DPI      int
	Fraction float64
	Quality  int
}

// NewRenderer returns a go-fitz renderer with the given settings.
func NewRenderer(dpi int, fraction float64, quality int) *Renderer {
	return &Renderer{Opener: FitzOpener{}, DPI: dpi, Fraction: fraction, Quality: quality}
}

// RenderTop renders 1-based page of the document in data and keeps the top
// Fraction of it.
func (r *Renderer) RenderTop(ctx context.Context, data []byte, page int) (out []byte, err error) {
	defer func() {
		if err != nil {
			metrics.IncPreview("error")
		} else {
			metrics.IncPreview("ok")
		}
	}()

	doc, err := r.Opener.Open(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	if page < 1 || page > doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range (document has %d pages)", page, doc.NumPage())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dpi := r.DPI
	if dpi <= 0 {
		dpi = 96
	}
	img, err := doc.Image(page-1, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	top := cropTop(img, r.Fraction)
	quality := r.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, top, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}

	log.Debug().
		Int("page", page).
		Int("width", top.Bounds().Dx()).
		Int("height", top.Bounds().Dy()).
		Int("jpeg_size", buf.Len()).
		Int("dpi", dpi).
		Msg("rendered page header")
	return buf.Bytes(), nil
}

// cropTop copies the top fraction of img into a new RGBA image.
func cropTop(img image.Image, fraction float64) *image.RGBA {
	b := img.Bounds()
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	h := int(float64(b.Dy())*fraction + 0.5)
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
