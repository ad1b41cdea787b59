package rasterize

// Exported test-only accessors for unexported functions.
// This file is compiled only during tests and does not affect the public API.

// NormalizeForTest exposes Options.normalize for tests in the external package.
func NormalizeForTest(opts Options) Options { return opts.normalize() }

// ResolveRangeForTest exposes resolveRange for tests in the external package.
func ResolveRangeForTest(opts Options, pageCount int) (Options, int, error) {
	return resolveRange(opts, pageCount)
}

// CalculateProgressForTest exposes calculateProgress for tests in the external package.
func CalculateProgressForTest(total, remaining, decimals int) float64 {
	return calculateProgress(total, remaining, decimals)
}
