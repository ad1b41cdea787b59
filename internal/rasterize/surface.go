package rasterize

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

// DataURIPrefix starts every encoded image produced by a Surface.
const DataURIPrefix = "data:image/png;base64,"

// Surface is a freshly allocated RGBA drawing target sized to a viewport.
type Surface struct {
	canvas   *image.RGBA
	viewport Viewport
}

// NewSurface allocates a blank surface. Non-positive sizes become 1 pixel.
func NewSurface(viewport Viewport) *Surface {
	width := max(viewport.Width, 1)
	height := max(viewport.Height, 1)

	return &Surface{
		canvas:   image.NewRGBA(image.Rect(0, 0, width, height)),
		viewport: viewport,
	}
}

// Viewport returns the viewport the surface was sized for.
func (surface *Surface) Viewport() Viewport { return surface.viewport }

// Context returns the 2D drawing context engines render into.
func (surface *Surface) Context() draw.Image { return surface.canvas }

// Bounds returns the pixel bounds of the surface.
func (surface *Surface) Bounds() image.Rectangle { return surface.canvas.Bounds() }

// EncodeToImage serializes the surface as a PNG data URI.
func (surface *Surface) EncodeToImage() (string, error) {
	var buf bytes.Buffer

	encodeErr := png.Encode(&buf, surface.canvas)
	if encodeErr != nil {
		return "", fmt.Errorf("failed to encode surface as png: %w", encodeErr)
	}

	return DataURIPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeDataURI returns the PNG bytes carried by a data URI made by
// EncodeToImage.
func DecodeDataURI(uri string) ([]byte, error) {
	if len(uri) < len(DataURIPrefix) || uri[:len(DataURIPrefix)] != DataURIPrefix {
		return nil, fmt.Errorf("not a png data uri: %.32q", uri)
	}

	raw, decodeErr := base64.StdEncoding.DecodeString(uri[len(DataURIPrefix):])
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode data uri: %w", decodeErr)
	}

	return raw, nil
}
