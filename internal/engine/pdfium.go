package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"

	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

const pdfiumInstanceTimeout = 30 * time.Second

// PDFiumEngine renders documents with PDFium compiled to WebAssembly.
// Each open document holds its own instance from the pool, so documents
// render in parallel while calls for one document are serialized.
type PDFiumEngine struct {
	loader *Loader
	pool   pdfium.Pool
}

// NewPDFiumEngine starts the WebAssembly pool. The pool holds at most
// workers instances, which bounds how many documents are open at once.
func NewPDFiumEngine(loader *Loader, workers int) (*PDFiumEngine, error) {
	if workers <= 0 {
		workers = 1
	}

	pool, initErr := webassembly.Init(webassembly.Config{
		MinIdle:  1,
		MaxIdle:  workers,
		MaxTotal: workers,
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialize PDFium WebAssembly: %w", initErr)
	}

	return &PDFiumEngine{
		loader: loader,
		pool:   pool,
	}, nil
}

// Open implements rasterize.Engine. It waits for a free instance when every
// instance is held by another open document.
func (engine *PDFiumEngine) Open(ctx context.Context, rawURL string) (rasterize.Document, error) {
	data, loadErr := engine.loader.Load(ctx, rawURL)
	if loadErr != nil {
		return nil, loadErr
	}

	instance, instanceErr := engine.pool.GetInstance(pdfiumInstanceTimeout)
	if instanceErr != nil {
		return nil, fmt.Errorf("failed to get PDFium instance: %w", instanceErr)
	}

	opened, openErr := instance.OpenDocument(&requests.OpenDocument{File: &data})
	if openErr != nil {
		return nil, errors.Join(
			fmt.Errorf("unable to open PDF document: %w", openErr),
			instance.Close(),
		)
	}

	countResp, countErr := instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{
		Document: opened.Document,
	})
	if countErr != nil {
		_, _ = instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{
			Document: opened.Document,
		})

		return nil, errors.Join(
			fmt.Errorf("unable to get page count: %w", countErr),
			instance.Close(),
		)
	}

	return &pdfiumDocument{
		instance:  instance,
		handle:    opened.Document,
		pageCount: countResp.PageCount,
		mu:        sync.Mutex{},
	}, nil
}

// Close shuts the pool down. Documents must be closed first.
func (engine *PDFiumEngine) Close() error {
	poolErr := engine.pool.Close()
	if poolErr != nil {
		return fmt.Errorf("failed to close PDFium pool: %w", poolErr)
	}

	return nil
}

type pdfiumDocument struct {
	instance  pdfium.Pdfium
	handle    references.FPDF_DOCUMENT
	pageCount int
	mu        sync.Mutex
}

func (document *pdfiumDocument) PageCount() int { return document.pageCount }

func (document *pdfiumDocument) pageRef(index int) requests.Page {
	return requests.Page{
		ByIndex: &requests.PageByIndex{
			Document: document.handle,
			Index:    index,
		},
	}
}

func (document *pdfiumDocument) Page(ctx context.Context, number int) (rasterize.Page, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if number < 1 || number > document.pageCount {
		return nil, fmt.Errorf("page %d out of range 1..%d", number, document.pageCount)
	}

	document.mu.Lock()
	size, sizeErr := document.instance.GetPageSize(&requests.GetPageSize{
		Page: document.pageRef(number - 1),
	})
	document.mu.Unlock()

	if sizeErr != nil {
		return nil, fmt.Errorf("unable to read size of page %d: %w", number, sizeErr)
	}

	return &pdfiumPage{
		document: document,
		number:   number,
		width:    size.Width,
		height:   size.Height,
	}, nil
}

// Close closes the document and hands its instance back to the pool.
func (document *pdfiumDocument) Close() error {
	document.mu.Lock()
	defer document.mu.Unlock()

	var closeErr error

	_, docErr := document.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{
		Document: document.handle,
	})
	if docErr != nil {
		closeErr = fmt.Errorf("unable to close PDF document: %w", docErr)
	}

	releaseErr := document.instance.Close()
	if releaseErr != nil {
		releaseErr = fmt.Errorf("unable to release PDFium instance: %w", releaseErr)
	}

	return errors.Join(closeErr, releaseErr)
}

type pdfiumPage struct {
	document *pdfiumDocument
	number   int
	width    float64
	height   float64
}

func (page *pdfiumPage) Number() int { return page.number }

func (page *pdfiumPage) Index() int { return page.number - 1 }

func (page *pdfiumPage) Viewport(scale float64) rasterize.Viewport {
	return viewportFor(page.width, page.height, scale)
}

func (page *pdfiumPage) Render(ctx context.Context, target *rasterize.Surface) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	bounds := target.Bounds()
	document := page.document

	document.mu.Lock()
	defer document.mu.Unlock()

	rendered, renderErr := document.instance.RenderPageInPixels(&requests.RenderPageInPixels{
		Page:   document.pageRef(page.Index()),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	})
	if renderErr != nil {
		return fmt.Errorf("unable to render page %d: %w", page.number, renderErr)
	}
	defer rendered.Cleanup()

	drawFitted(target, rendered.Result.Image)

	return nil
}
