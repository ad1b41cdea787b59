// Package blank decides whether a rendered page is blank (mostly white).
package blank

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/png" // Register the PNG decoder.
)

var (
	// ErrInvalidFuzzPercent is returned for fuzz percentages outside 0..100.
	ErrInvalidFuzzPercent = errors.New("fuzz percentage must be between 0 and 100")
	// ErrInvalidThreshold is returned for thresholds outside 0.0..1.0.
	ErrInvalidThreshold = errors.New("non-white threshold must be between 0.0 and 1.0")
	// ErrImageZeroPixels is returned for images with no pixels.
	ErrImageZeroPixels = errors.New("image has zero pixels")
)

const (
	percentToRatio = 100.0
	maxColorValue  = 255.0

	// DefaultFuzzPercent tolerates channels within 5% of pure white.
	DefaultFuzzPercent = 5
	// DefaultNonWhiteThreshold is the non-white ratio that marks content.
	DefaultNonWhiteThreshold = 0.005
)

// Detector classifies images as blank or not.
type Detector struct {
	fuzzFactor float64
	threshold  float64
}

// NewDetector validates the settings. fuzzPercent is the tolerated
// deviation from white in percent; threshold is the minimum ratio of
// non-white pixels for an image to count as content.
func NewDetector(fuzzPercent int, threshold float64) (*Detector, error) {
	if fuzzPercent < 0 || fuzzPercent > 100 {
		return nil, fmt.Errorf("got %d: %w", fuzzPercent, ErrInvalidFuzzPercent)
	}

	if threshold < 0 || threshold > 1.0 {
		return nil, fmt.Errorf("got %f: %w", threshold, ErrInvalidThreshold)
	}

	return &Detector{
		fuzzFactor: float64(fuzzPercent) / percentToRatio,
		threshold:  threshold,
	}, nil
}

// IsBlank reports whether img has fewer non-white pixels than the threshold.
func (detector *Detector) IsBlank(img image.Image) (bool, error) {
	bounds := img.Bounds()

	totalPixels := float64(bounds.Dx() * bounds.Dy())
	if totalPixels == 0 {
		return false, ErrImageZeroPixels
	}

	nonWhiteRatio := countNonWhitePixels(img, detector.fuzzFactor) / totalPixels

	return nonWhiteRatio < detector.threshold, nil
}

// IsBlankPNG decodes an encoded image and classifies it.
func (detector *Detector) IsBlankPNG(encoded []byte) (bool, error) {
	img, _, decodeErr := image.Decode(bytes.NewReader(encoded))
	if decodeErr != nil {
		return false, fmt.Errorf("could not decode image: %w", decodeErr)
	}

	return detector.IsBlank(img)
}

func countNonWhitePixels(img image.Image, fuzzFactor float64) float64 {
	nonWhiteCount := 0.0
	whiteThreshold := uint32((1.0 - fuzzFactor) * maxColorValue)

	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if isNonWhite(img.At(x, y), whiteThreshold) {
				nonWhiteCount++
			}
		}
	}

	return nonWhiteCount
}

// isNonWhite compares the 8-bit channels of c against whiteThreshold.
// Fully transparent pixels count as white.
func isNonWhite(c color.Color, whiteThreshold uint32) bool {
	r, g, b, a := c.RGBA()
	if a == 0 {
		return false
	}

	const bitsToShift = 8

	r8, g8, b8 := r>>bitsToShift, g>>bitsToShift, b>>bitsToShift

	return r8 < whiteThreshold || g8 < whiteThreshold || b8 < whiteThreshold
}
