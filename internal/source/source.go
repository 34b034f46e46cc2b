// Package source provides read access to uploaded document pages. The engine
// only reads rasters through the Reader boundary; upload and placement are
// handled elsewhere.
package source

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	_ "golang.org/x/image/tiff"

	"georef/pkg/geometry"
)

// ErrUnavailable reports an unreadable or corrupt source page. It is fatal
// for the job that hits it.
var ErrUnavailable = errs.Class("source unavailable")

// Page is a decoded source document page.
type Page struct {
	Image  image.Image
	Width  int
	Height int
}

// Bounds returns the page's pixel bounding box.
func (p *Page) Bounds() geometry.Rect {
	return geometry.NewRect(0, 0, float64(p.Width), float64(p.Height))
}

// Reader resolves a source reference to a decoded page.
type Reader interface {
	ReadPage(ctx context.Context, ref string) (*Page, error)
}

// FileReader decodes pages from the local filesystem. Supports png, jpeg
// and tiff.
type FileReader struct {
	log *zap.Logger
}

// NewFileReader creates a FileReader.
func NewFileReader(log *zap.Logger) *FileReader {
	return &FileReader{log: log}
}

// ReadPage implements Reader.
func (r *FileReader) ReadPage(ctx context.Context, ref string) (*Page, error) {
	file, err := os.Open(ref)
	if err != nil {
		return nil, ErrUnavailable.Wrap(err)
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return nil, ErrUnavailable.Wrap(err)
	}

	bounds := img.Bounds()
	r.log.Debug("decoded source page",
		zap.String("ref", ref),
		zap.String("format", format),
		zap.Int("width", bounds.Dx()),
		zap.Int("height", bounds.Dy()))

	return &Page{Image: img, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}
