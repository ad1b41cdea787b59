package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/go-fitz"

	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

// FitzEngine renders documents with MuPDF through go-fitz.
type FitzEngine struct {
	loader *Loader
}

// NewFitzEngine creates a MuPDF-backed engine.
func NewFitzEngine(loader *Loader) *FitzEngine {
	return &FitzEngine{loader: loader}
}

// Open implements rasterize.Engine.
func (engine *FitzEngine) Open(ctx context.Context, rawURL string) (rasterize.Document, error) {
	data, loadErr := engine.loader.Load(ctx, rawURL)
	if loadErr != nil {
		return nil, loadErr
	}

	doc, openErr := fitz.NewFromMemory(data)
	if openErr != nil {
		return nil, fmt.Errorf("unable to open PDF document: %w", openErr)
	}

	return &fitzDocument{
		doc:       doc,
		pageCount: doc.NumPage(),
		mu:        sync.Mutex{},
	}, nil
}

// Close implements Engine. MuPDF documents are closed one by one.
func (engine *FitzEngine) Close() error { return nil }

// fitzDocument serializes access to the MuPDF handle.
type fitzDocument struct {
	doc       *fitz.Document
	pageCount int
	mu        sync.Mutex
}

func (document *fitzDocument) PageCount() int { return document.pageCount }

func (document *fitzDocument) Page(ctx context.Context, number int) (rasterize.Page, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if number < 1 || number > document.pageCount {
		return nil, fmt.Errorf("page %d out of range 1..%d", number, document.pageCount)
	}

	document.mu.Lock()
	bounds, boundErr := document.doc.Bound(number - 1)
	document.mu.Unlock()

	if boundErr != nil {
		return nil, fmt.Errorf("unable to read bounds of page %d: %w", number, boundErr)
	}

	return &fitzPage{
		document: document,
		number:   number,
		width:    float64(bounds.Dx()),
		height:   float64(bounds.Dy()),
	}, nil
}

func (document *fitzDocument) Close() error {
	document.mu.Lock()
	defer document.mu.Unlock()

	return document.doc.Close()
}

type fitzPage struct {
	document *fitzDocument
	number   int
	width    float64
	height   float64
}

func (page *fitzPage) Number() int { return page.number }

func (page *fitzPage) Index() int { return page.number - 1 }

func (page *fitzPage) Viewport(scale float64) rasterize.Viewport {
	return viewportFor(page.width, page.height, scale)
}

func (page *fitzPage) Render(ctx context.Context, target *rasterize.Surface) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	dpi := pointsPerInch * target.Viewport().Scale

	page.document.mu.Lock()
	img, renderErr := page.document.doc.ImageDPI(page.Index(), dpi)
	page.document.mu.Unlock()

	if renderErr != nil {
		return fmt.Errorf("unable to render page %d: %w", page.number, renderErr)
	}

	drawFitted(target, img)

	return nil
}
