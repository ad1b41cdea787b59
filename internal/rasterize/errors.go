package rasterize

import (
	"errors"
	"fmt"
)

var (
	// ErrStartAfterEnd is matched by range errors where start is past end.
	ErrStartAfterEnd = errors.New("start cannot be greater than end")
	// ErrIndexOutOfBounds is matched by range errors where end is past the
	// document's page count.
	ErrIndexOutOfBounds = errors.New("array index out of bounds")
	// ErrEmptyURL is returned when no document URL was given.
	ErrEmptyURL = errors.New("document url is required")
	// ErrNoEngine is returned when the rasterizer has no PDF engine.
	ErrNoEngine = errors.New("pdf engine is required")
)

// Names used in ErrorInfo payloads.
const (
	NameRangeError  = "RangeError"
	NameEngineError = "EngineError"
	NameSetupError  = "SetupError"
)

// RangeError reports a page range that cannot be rendered.
type RangeError struct {
	reason error
	Start  int
	End    int
}

func newRangeError(reason error, start, end int) *RangeError {
	return &RangeError{reason: reason, Start: start, End: end}
}

func (rangeErr *RangeError) Error() string {
	return fmt.Sprintf("%v [start:%d:end:%d]", rangeErr.reason, rangeErr.Start, rangeErr.End)
}

func (rangeErr *RangeError) Unwrap() error { return rangeErr.reason }

// EngineError wraps a failure surfaced by the PDF engine.
type EngineError struct {
	Err       error
	Op        string
	PageIndex int
}

// Engine operations recorded in EngineError.Op.
const (
	OpOpen   = "open"
	OpPage   = "page"
	OpRender = "render"
	OpEncode = "encode"
)

func (engineErr *EngineError) Error() string {
	if engineErr.Op == OpOpen {
		return fmt.Sprintf("pdf engine %s failed: %v", engineErr.Op, engineErr.Err)
	}

	return fmt.Sprintf(
		"pdf engine %s failed for page index %d: %v",
		engineErr.Op,
		engineErr.PageIndex,
		engineErr.Err,
	)
}

func (engineErr *EngineError) Unwrap() error { return engineErr.Err }

// SetupError reports a fault found before any engine work started.
type SetupError struct {
	Err error
}

func (setupErr *SetupError) Error() string {
	return fmt.Sprintf("rasterize setup failed: %v", setupErr.Err)
}

func (setupErr *SetupError) Unwrap() error { return setupErr.Err }

// ErrorInfo is the rejection payload carried inside an Envelope.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Describe maps an error returned by Rasterize or a Task to its payload.
// Engine errors carry the engine's own message.
func Describe(err error) ErrorInfo {
	var rangeErr *RangeError
	if errors.As(err, &rangeErr) {
		return ErrorInfo{Name: NameRangeError, Message: rangeErr.Error()}
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return ErrorInfo{Name: NameEngineError, Message: engineErr.Err.Error()}
	}

	var setupErr *SetupError
	if errors.As(err, &setupErr) {
		return ErrorInfo{Name: NameSetupError, Message: setupErr.Err.Error()}
	}

	return ErrorInfo{Name: "Error", Message: err.Error()}
}

// report applies the policy to a setup or range failure. Under Raise the
// error is handed back for a synchronous return; otherwise the task is
// rejected and nil is returned.
func (policy ErrorPolicy) report(task *Task, err error) error {
	if policy == Raise {
		return err
	}

	task.reject(err)

	return nil
}
