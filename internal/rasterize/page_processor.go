package rasterize

import (
	"context"
	"sync"
	"sync/atomic"
)

// pageJob is one page index for a worker to fetch and render.
type pageJob struct {
	pageIndex int
}

// pageProcessor fans a validated page range out over workers and settles
// the task once every page is in.
type pageProcessor struct {
	parent   *Rasterizer
	task     *Task
	document Document
	progress *progressTracker
	failure  error
	url      string
	images   Result
	config   Options
	length   int
	mu       sync.Mutex
	failed   atomic.Bool
}

func newPageProcessor(
	parent *Rasterizer,
	task *Task,
	document Document,
	url string,
	config Options,
	length int,
) *pageProcessor {
	return &pageProcessor{
		parent:   parent,
		task:     task,
		document: document,
		progress: newProgressTracker(config, length),
		failure:  nil,
		url:      url,
		images:   make(Result, 0, length),
		config:   config,
		length:   length,
		mu:       sync.Mutex{},
		failed:   atomic.Bool{},
	}
}

// processPages starts the workers, queues every page of the range and
// settles the task after the last worker returns.
func (pp *pageProcessor) processPages(ctx context.Context) {
	jobs := make(chan pageJob, pp.length)

	workers := pp.config.Workers
	if workers == 0 || workers > pp.length {
		workers = pp.length
	}

	var waitGroup sync.WaitGroup

	for range workers {
		waitGroup.Add(1)

		go pp.pageWorker(ctx, &waitGroup, jobs)
	}

	for index := pp.config.Start; index < pp.config.End; index++ {
		jobs <- pageJob{pageIndex: index}
	}

	close(jobs)

	waitGroup.Wait()

	pp.progress.close()
	pp.parent.closeDocument(pp.document, pp.url)
	pp.settle()
}

// pageWorker renders jobs until the channel is drained. Once any page has
// failed, the remaining queued pages are skipped.
func (pp *pageProcessor) pageWorker(
	ctx context.Context,
	waitGroup *sync.WaitGroup,
	jobs <-chan pageJob,
) {
	defer waitGroup.Done()

	for job := range jobs {
		if pp.failed.Load() {
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			pp.fail(&EngineError{Err: ctxErr, Op: OpPage, PageIndex: job.pageIndex})

			continue
		}

		processErr := pp.processSinglePage(ctx, job)
		if processErr != nil {
			pp.parent.log.Warn(
				"Failed to render page %d of %s: %v",
				job.pageIndex+1,
				pp.url,
				processErr,
			)
			pp.fail(processErr)
		}
	}
}

// processSinglePage fetches one page, renders it and records the result,
// emitting a progress milestone after each of the two steps.
func (pp *pageProcessor) processSinglePage(ctx context.Context, job pageJob) error {
	page, pageErr := pp.document.Page(ctx, job.pageIndex+1)
	if pageErr != nil {
		return &EngineError{Err: pageErr, Op: OpPage, PageIndex: job.pageIndex}
	}

	pp.progress.milestone()

	item, renderErr := pp.renderPage(ctx, page)
	if renderErr != nil {
		return renderErr
	}

	pp.progress.milestone()
	pp.appendImage(item)

	return nil
}

// renderPage produces the full-resolution image and, when enabled, the
// thumbnail. The two passes use separate surfaces and run in sequence.
func (pp *pageProcessor) renderPage(ctx context.Context, page Page) (PageImageResult, error) {
	data, dataErr := renderToImage(ctx, page, pp.config.Scale)
	if dataErr != nil {
		return PageImageResult{}, dataErr
	}

	item := PageImageResult{
		PageNumber: page.Number(),
		PageIndex:  page.Index(),
		Data:       data,
		Thumbnail:  "",
	}

	if !pp.config.Thumbnails {
		return item, nil
	}

	thumbnail, thumbErr := renderToImage(ctx, page, ThumbnailScale)
	if thumbErr != nil {
		return PageImageResult{}, thumbErr
	}

	item.Thumbnail = thumbnail

	return item, nil
}

// renderToImage renders page into a fresh surface at scale and encodes it.
func renderToImage(ctx context.Context, page Page, scale float64) (string, error) {
	surface := NewSurface(page.Viewport(scale))

	renderErr := page.Render(ctx, surface)
	if renderErr != nil {
		return "", &EngineError{Err: renderErr, Op: OpRender, PageIndex: page.Index()}
	}

	encoded, encodeErr := surface.EncodeToImage()
	if encodeErr != nil {
		return "", &EngineError{Err: encodeErr, Op: OpEncode, PageIndex: page.Index()}
	}

	return encoded, nil
}

func (pp *pageProcessor) appendImage(item PageImageResult) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	pp.images = append(pp.images, item)
}

// fail records the first failure; later ones are dropped.
func (pp *pageProcessor) fail(err error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if pp.failure == nil {
		pp.failure = err
	}

	pp.failed.Store(true)
}

func (pp *pageProcessor) settle() {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if pp.failure != nil {
		pp.task.reject(pp.failure)

		return
	}

	pp.parent.log.Success("Rendered %d page(s) of %s", len(pp.images), pp.url)
	pp.task.resolve(pp.images)
}
