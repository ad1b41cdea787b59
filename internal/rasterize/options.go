// Package rasterize converts pages of a PDF document into PNG images and
// thumbnails, reporting progress while the pages render.
package rasterize

import "math"

// ErrorPolicy selects how setup and range failures reach the caller.
type ErrorPolicy int

const (
	// ReturnResult delivers every failure through the task's rejection.
	ReturnResult ErrorPolicy = iota
	// Raise returns setup and range failures synchronously from Rasterize.
	Raise
)

// String returns the policy name used in logs.
func (policy ErrorPolicy) String() string {
	if policy == Raise {
		return "raise"
	}

	return "return-result"
}

const (
	defaultScale     = 1.0
	defaultStart     = 0
	defaultEnd       = -1
	defaultPrecision = 2
	maxPrecision     = 15

	// ThumbnailScale is the fixed viewport scale used for thumbnails.
	ThumbnailScale = 0.25
)

// Options holds the per-call parameters for a Rasterize call.
// Start from DefaultOptions and override fields; Rasterize works on a
// normalized copy and never changes the caller's value.
type Options struct {
	// OnProgress receives progress notifications. It is invoked from a
	// dedicated goroutine, one event at a time, in milestone order.
	OnProgress func(ProgressEvent)
	// Scale is the viewport scale of the full-resolution image.
	// Non-positive values reset to 1.
	Scale float64
	// Start is the 0-based index of the first page. Negative values clamp to 0.
	Start int
	// End is the exclusive upper page index, or -1 for the page count.
	// Values below -1 clamp to -1.
	End int
	// ErrorPolicy decides whether range and setup failures are returned
	// synchronously or through the task.
	ErrorPolicy ErrorPolicy
	// Thumbnails enables the 0.25 scale thumbnail pass.
	Thumbnails bool
	// Precision is the number of decimals kept in ProgressEvent.Value.
	// Negative values reset to 2; values above 15 clamp to 15.
	Precision int
	// Workers bounds how many pages render at once. Zero renders every
	// page of the range concurrently.
	Workers int
}

// DefaultOptions returns a fresh Options value carrying the defaults.
func DefaultOptions() Options {
	return Options{
		OnProgress:  nil,
		Scale:       defaultScale,
		Start:       defaultStart,
		End:         defaultEnd,
		ErrorPolicy: ReturnResult,
		Thumbnails:  true,
		Precision:   defaultPrecision,
		Workers:     0,
	}
}

// normalize clamps malformed fields. Nothing is rejected here.
func (opts Options) normalize() Options {
	if !(opts.Scale > 0) || math.IsInf(opts.Scale, 1) {
		opts.Scale = defaultScale
	}

	if opts.Start < 0 {
		opts.Start = defaultStart
	}

	if opts.End < -1 {
		opts.End = defaultEnd
	}

	if opts.ErrorPolicy != Raise {
		opts.ErrorPolicy = ReturnResult
	}

	if opts.Precision < 0 {
		opts.Precision = defaultPrecision
	}

	if opts.Precision > maxPrecision {
		opts.Precision = maxPrecision
	}

	if opts.Workers < 0 {
		opts.Workers = 0
	}

	return opts
}

// LimitWorkers caps the worker count at limit. Unbounded (zero) becomes
// limit as well. A non-positive limit leaves opts unchanged.
func (opts Options) LimitWorkers(limit int) Options {
	if limit <= 0 {
		return opts
	}

	if opts.Workers <= 0 || opts.Workers > limit {
		opts.Workers = limit
	}

	return opts
}

// Overrides is the partial form of Options used on the wire. Nil fields
// keep the value of the Options they are applied to.
type Overrides struct {
	Scale       *float64 `json:"scale,omitempty" toml:"scale"`
	Start       *int     `json:"start,omitempty" toml:"start"`
	End         *int     `json:"end,omitempty" toml:"end"`
	ThrowErrors *bool    `json:"throwErrors,omitempty" toml:"throw_errors"`
	Thumbnails  *bool    `json:"thumbnails,omitempty" toml:"thumbnails"`
	Precision   *int     `json:"precision,omitempty" toml:"precision"`
	Workers     *int     `json:"workers,omitempty" toml:"workers"`
}

// Apply returns a copy of base with every set override applied.
func (overrides Overrides) Apply(base Options) Options {
	merged := base

	if overrides.Scale != nil {
		merged.Scale = *overrides.Scale
	}

	if overrides.Start != nil {
		merged.Start = *overrides.Start
	}

	if overrides.End != nil {
		merged.End = *overrides.End
	}

	if overrides.ThrowErrors != nil {
		merged.ErrorPolicy = ReturnResult
		if *overrides.ThrowErrors {
			merged.ErrorPolicy = Raise
		}
	}

	if overrides.Thumbnails != nil {
		merged.Thumbnails = *overrides.Thumbnails
	}

	if overrides.Precision != nil {
		merged.Precision = *overrides.Precision
	}

	if overrides.Workers != nil {
		merged.Workers = *overrides.Workers
	}

	return merged
}
