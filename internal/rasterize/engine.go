package rasterize

import "context"

// Engine opens PDF documents. Implementations resolve the URL themselves.
type Engine interface {
	Open(ctx context.Context, url string) (Document, error)
}

// Document is an opened PDF. Page may be called from several goroutines.
type Document interface {
	PageCount() int
	// Page returns the page with the given 1-based number.
	Page(ctx context.Context, number int) (Page, error)
	Close() error
}

// Page is a single page handed out by a Document.
type Page interface {
	// Number is the 1-based page number.
	Number() int
	// Index is the 0-based page index.
	Index() int
	Viewport(scale float64) Viewport
	// Render draws the page into target at target.Viewport().Scale.
	Render(ctx context.Context, target *Surface) error
}

// Viewport is the pixel size of a page at a given scale.
type Viewport struct {
	Width  int
	Height int
	Scale  float64
}
