// Package preview renders page headers and suggests labels from page text.
package preview

import (
	"image"

	fitz "github.com/gen2brain/go-fitz"
)

// Doc is an opened document. Page indexes are 0-based.
type Doc interface {
	NumPage() int
	Text(page int) (string, error)
	Image(page int, dpi float64) (image.Image, error)
	Close() error
}

// Opener opens documents held in memory.
type Opener interface {
	Open(data []byte) (Doc, error)
}

// FitzOpener implements Opener using github.com/gen2brain/go-fitz.
type FitzOpener struct{}

func (FitzOpener) Open(data []byte) (Doc, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return fitzDoc{doc}, nil
}

type fitzDoc struct{ *fitz.Document }

func (d fitzDoc) Image(page int, dpi float64) (image.Image, error) {
	return d.Document.ImageDPI(page, dpi)
}
