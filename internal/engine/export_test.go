package engine

import (
	"image"

	"github.com/klippa-app/go-pdfium"

	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

// Exported test-only accessors for unexported functions.

// DrawFittedForTest exposes drawFitted for tests in the external package.
func DrawFittedForTest(target *rasterize.Surface, rendered image.Image) {
	drawFitted(target, rendered)
}

// ViewportForTest exposes viewportFor for tests in the external package.
func ViewportForTest(width, height, scale float64) rasterize.Viewport {
	return viewportFor(width, height, scale)
}

// PDFiumInstanceForTest returns the instance a pdfium document holds.
func PDFiumInstanceForTest(document rasterize.Document) pdfium.Pdfium {
	pdfiumDoc, ok := document.(*pdfiumDocument)
	if !ok {
		return nil
	}

	return pdfiumDoc.instance
}
