package engine

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

// ErrUnknownEngine is returned by New for engine names it does not know.
var ErrUnknownEngine = errors.New("unknown pdf engine")

// Engine names accepted by New.
const (
	NameFitz   = "fitz"
	NamePDFium = "pdfium"
)

// pointsPerInch converts between PDF points and DPI at scale 1.
const pointsPerInch = 72.0

// Config selects and tunes the PDF engine.
type Config struct {
	// Name is "fitz" (MuPDF, the default) or "pdfium" (WebAssembly).
	Name                string `toml:"name"`
	FetchTimeoutSeconds int    `toml:"fetch_timeout_seconds"`
	MaxDocumentBytes    int64  `toml:"max_document_bytes"`
	// PDFiumWorkers sizes the WebAssembly instance pool, which bounds how
	// many documents the pdfium engine holds open at once. Defaults to 1.
	PDFiumWorkers int `toml:"pdfium_workers"`
}

// Engine is a rasterize.Engine that holds resources until closed.
type Engine interface {
	rasterize.Engine
	Close() error
}

// New builds the engine named in cfg, loading documents through loader.
func New(cfg Config, loader *Loader) (Engine, error) {
	switch strings.ToLower(cfg.Name) {
	case "", NameFitz:
		return NewFitzEngine(loader), nil
	case NamePDFium:
		pdfiumEngine, initErr := NewPDFiumEngine(loader, cfg.PDFiumWorkers)
		if initErr != nil {
			return nil, fmt.Errorf("failed to start pdfium engine: %w", initErr)
		}

		return pdfiumEngine, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Name)
	}
}

// viewportFor scales a page size given in points.
func viewportFor(widthPoints, heightPoints, scale float64) rasterize.Viewport {
	return rasterize.Viewport{
		Width:  int(math.Floor(widthPoints * scale)),
		Height: int(math.Floor(heightPoints * scale)),
		Scale:  scale,
	}
}

// drawFitted copies rendered into target, resizing it first when the
// engine's bitmap is off by a rounding pixel from the surface.
func drawFitted(target *rasterize.Surface, rendered image.Image) {
	bounds := target.Bounds()

	source := rendered
	if rendered.Bounds().Dx() != bounds.Dx() || rendered.Bounds().Dy() != bounds.Dy() {
		source = imaging.Resize(rendered, bounds.Dx(), bounds.Dy(), imaging.Lanczos)
	}

	draw.Draw(target.Context(), bounds, source, source.Bounds().Min, draw.Src)
}
