package rasterize

import (
	"context"
	"fmt"
	"sync"
)

// PageImageResult is one rendered page.
type PageImageResult struct {
	// PageNumber is the 1-based page number.
	PageNumber int `json:"pageNumber"`
	// PageIndex is the 0-based page index.
	PageIndex int `json:"pageIndex"`
	// Data is the full-resolution image as a PNG data URI.
	Data string `json:"data"`
	// Thumbnail is the 0.25 scale image, empty when thumbnails are off.
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Result is the aggregate of a successful call, in completion order.
type Result []PageImageResult

// Envelope wraps every payload sent to callers over the wire.
type Envelope[T any] struct {
	Data T `json:"data"`
}

// Task is the pending outcome of a Rasterize call. It settles exactly once.
type Task struct {
	done   chan struct{}
	err    error
	result Result
	once   sync.Once
}

func newTask() *Task {
	return &Task{
		done:   make(chan struct{}),
		err:    nil,
		result: nil,
		once:   sync.Once{},
	}
}

// Done is closed once the task has settled.
func (task *Task) Done() <-chan struct{} { return task.done }

// Err returns the rejection error. It is nil until Done is closed and for
// resolved tasks.
func (task *Task) Err() error {
	select {
	case <-task.done:
		return task.err
	default:
		return nil
	}
}

// Result returns the aggregate of a resolved task, or nil before Done is
// closed and for rejected tasks.
func (task *Task) Result() Result {
	select {
	case <-task.done:
		return task.result
	default:
		return nil
	}
}

// Wait blocks until the task settles or ctx is done.
func (task *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-task.done:
		return task.result, task.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for rasterize task: %w", ctx.Err())
	}
}

func (task *Task) resolve(result Result) {
	task.once.Do(func() {
		if result == nil {
			result = Result{}
		}

		task.result = result
		close(task.done)
	})
}

func (task *Task) reject(err error) {
	task.once.Do(func() {
		task.err = err
		close(task.done)
	})
}
