// Package rasterizetest provides an in-memory PDF engine for tests.
package rasterizetest

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"

	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

// ErrUnknownDocument is returned by Open for URLs that were never added.
var ErrUnknownDocument = errors.New("unknown document url")

// Point sizes of every fake page, matching US letter.
const (
	PageWidthPoints  = 612
	PageHeightPoints = 792
)

// Engine serves documents with a fixed number of blank pages.
type Engine struct {
	// OpenErr, when set, is returned by every Open call.
	OpenErr error
	// PageErr maps a 1-based page number to the error Page returns.
	PageErr map[int]error
	// RenderErr maps a 1-based page number to the error Render returns.
	RenderErr map[int]error
	docs      map[string]int
	mu        sync.Mutex
	pageCalls atomic.Int64
	rendering atomic.Int64
	peak      atomic.Int64
	closed    atomic.Int64
	rendered  atomic.Int64
}

// NewEngine creates an engine with no documents.
func NewEngine() *Engine {
	return &Engine{
		OpenErr:   nil,
		PageErr:   map[int]error{},
		RenderErr: map[int]error{},
		docs:      map[string]int{},
		mu:        sync.Mutex{},
		pageCalls: atomic.Int64{},
		rendering: atomic.Int64{},
		peak:      atomic.Int64{},
		closed:    atomic.Int64{},
		rendered:  atomic.Int64{},
	}
}

// AddDocument registers a document with pageCount pages under url.
func (engine *Engine) AddDocument(url string, pageCount int) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	engine.docs[url] = pageCount
}

// PageRequests reports how many Page calls were made across documents.
func (engine *Engine) PageRequests() int { return int(engine.pageCalls.Load()) }

// PeakConcurrency reports the largest number of renders seen at once.
func (engine *Engine) PeakConcurrency() int { return int(engine.peak.Load()) }

// RenderedSurfaces reports how many Render calls completed successfully.
func (engine *Engine) RenderedSurfaces() int { return int(engine.rendered.Load()) }

// ClosedDocuments reports how many documents were closed.
func (engine *Engine) ClosedDocuments() int { return int(engine.closed.Load()) }

// Open implements rasterize.Engine.
func (engine *Engine) Open(_ context.Context, url string) (rasterize.Document, error) {
	if engine.OpenErr != nil {
		return nil, engine.OpenErr
	}

	engine.mu.Lock()
	pageCount, ok := engine.docs[url]
	engine.mu.Unlock()

	if !ok {
		return nil, ErrUnknownDocument
	}

	return &document{engine: engine, pageCount: pageCount}, nil
}

type document struct {
	engine    *Engine
	pageCount int
}

func (doc *document) PageCount() int { return doc.pageCount }

func (doc *document) Page(_ context.Context, number int) (rasterize.Page, error) {
	doc.engine.pageCalls.Add(1)

	if pageErr := doc.engine.PageErr[number]; pageErr != nil {
		return nil, pageErr
	}

	return &page{engine: doc.engine, number: number}, nil
}

func (doc *document) Close() error {
	doc.engine.closed.Add(1)

	return nil
}

type page struct {
	engine *Engine
	number int
}

func (p *page) Number() int { return p.number }

func (p *page) Index() int { return p.number - 1 }

func (p *page) Viewport(scale float64) rasterize.Viewport {
	return rasterize.Viewport{
		Width:  int(PageWidthPoints * scale),
		Height: int(PageHeightPoints * scale),
		Scale:  scale,
	}
}

// Render paints the page grey so encoded output is not empty.
func (p *page) Render(_ context.Context, target *rasterize.Surface) error {
	current := p.engine.rendering.Add(1)
	defer p.engine.rendering.Add(-1)

	for {
		peak := p.engine.peak.Load()
		if current <= peak || p.engine.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	if renderErr := p.engine.RenderErr[p.number]; renderErr != nil {
		return renderErr
	}

	shade := image.NewUniform(color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff})
	draw.Draw(target.Context(), target.Bounds(), shade, image.Point{}, draw.Src)
	p.engine.rendered.Add(1)

	return nil
}
