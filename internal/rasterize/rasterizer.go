package rasterize

import (
	"context"

	"github.com/book-expert/logger"
)

// Rasterizer renders page ranges of PDF documents through an Engine.
type Rasterizer struct {
	engine Engine
	log    *logger.Logger
}

// New creates a Rasterizer backed by the given engine and logger.
func New(engine Engine, log *logger.Logger) *Rasterizer {
	return &Rasterizer{
		engine: engine,
		log:    log,
	}
}

// Rasterize renders the pages [opts.Start, opts.End) of the document at url.
//
// With the ReturnResult policy the returned task is the only error channel
// and the returned error is always nil. With Raise, Rasterize opens the
// document and checks the range before returning, and setup or range
// failures come back as the error with a nil task. Engine failures always
// reject the task.
func (rasterizer *Rasterizer) Rasterize(
	ctx context.Context,
	url string,
	opts Options,
) (*Task, error) {
	config := opts.normalize()
	policy := config.ErrorPolicy
	task := newTask()

	setupErr := rasterizer.checkSetup(url)
	if setupErr != nil {
		if raised := policy.report(task, setupErr); raised != nil {
			return nil, raised
		}

		return task, nil
	}

	if policy == Raise {
		pageProc, raised := rasterizer.prepare(ctx, task, url, config)
		if raised != nil {
			return nil, raised
		}

		if pageProc != nil {
			go pageProc.processPages(ctx)
		}

		return task, nil
	}

	go func() {
		// Under ReturnResult prepare reports through the task only.
		pageProc, _ := rasterizer.prepare(ctx, task, url, config)
		if pageProc != nil {
			pageProc.processPages(ctx)
		}
	}()

	return task, nil
}

// checkSetup validates what can be checked before touching the engine.
func (rasterizer *Rasterizer) checkSetup(url string) error {
	if rasterizer.engine == nil {
		return &SetupError{Err: ErrNoEngine}
	}

	if url == "" {
		return &SetupError{Err: ErrEmptyURL}
	}

	return nil
}

// prepare opens the document and validates the range. It returns a page
// processor when there is work left to do; otherwise the task has been
// settled or the error must be raised to the caller.
func (rasterizer *Rasterizer) prepare(
	ctx context.Context,
	task *Task,
	url string,
	config Options,
) (*pageProcessor, error) {
	document, openErr := rasterizer.engine.Open(ctx, url)
	if openErr != nil {
		rasterizer.log.Error("Failed to open document %s: %v", url, openErr)
		task.reject(&EngineError{Err: openErr, Op: OpOpen, PageIndex: -1})

		return nil, nil
	}

	pageCount := document.PageCount()

	resolved, length, rangeErr := resolveRange(config, pageCount)
	if rangeErr != nil {
		rasterizer.log.Warn("Rejecting range for %s (%d pages): %v", url, pageCount, rangeErr)
		rasterizer.closeDocument(document, url)

		return nil, config.ErrorPolicy.report(task, rangeErr)
	}

	if length == 0 {
		rasterizer.closeDocument(document, url)
		task.resolve(Result{})

		return nil, nil
	}

	rasterizer.log.Info(
		"Rendering pages [%d, %d) of %s (%d pages, scale %.2f, thumbnails %t)",
		resolved.Start,
		resolved.End,
		url,
		pageCount,
		resolved.Scale,
		resolved.Thumbnails,
	)

	return newPageProcessor(rasterizer, task, document, url, resolved, length), nil
}

// resolveRange substitutes the page count for an open end and validates
// the range against the document.
func resolveRange(config Options, pageCount int) (Options, int, error) {
	if config.End == -1 {
		config.End = pageCount
	}

	length := config.End - config.Start
	if length < 0 {
		return config, 0, newRangeError(ErrStartAfterEnd, config.Start, config.End)
	}

	if config.End > pageCount {
		return config, 0, newRangeError(ErrIndexOutOfBounds, config.Start, config.End)
	}

	return config, length, nil
}

func (rasterizer *Rasterizer) closeDocument(document Document, url string) {
	closeErr := document.Close()
	if closeErr != nil {
		rasterizer.log.Warn("Failed to close document %s: %v", url, closeErr)
	}
}
