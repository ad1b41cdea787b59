package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/pdf-rasterizer/internal/blank"
	"github.com/book-expert/pdf-rasterizer/internal/engine"
	"github.com/book-expert/pdf-rasterizer/internal/messages"
	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

// message is the part of jetstream.Msg a job needs.
type message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
	InProgress() error
}

// resultPublisher persists completed and failed events (JetStream).
type resultPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// progressPublisher sends fire-and-forget progress events (core NATS).
type progressPublisher interface {
	Publish(subject string, data []byte) error
}

// objectPutter stores rendered PNGs.
type objectPutter interface {
	PutBytes(ctx context.Context, name string, data []byte) (*jetstream.ObjectInfo, error)
}

// objectGetter reads source PDFs.
type objectGetter interface {
	GetInfo(ctx context.Context, name string, opts ...jetstream.GetObjectInfoOpt) (*jetstream.ObjectInfo, error)
	GetBytes(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) ([]byte, error)
}

// service holds what every job shares.
type service struct {
	results    resultPublisher
	progress   progressPublisher
	pngStore   objectPutter
	rasterizer *rasterize.Rasterizer
	detector   *blank.Detector
	cfg        *Config
	appLogger  *logger.Logger
	defaults   rasterize.Options
}

// job represents the context for processing a single message.
type job struct {
	msg    message
	svc    *service
	event  *messages.RasterizeRequestedEvent
	header *events.EventHeader
}

// disposition is what happens to a request message after a failure.
type disposition int

const (
	redeliver disposition = iota
	terminate
)

// objectStoreSource resolves objstore://<key> URLs against the PDF bucket.
func objectStoreSource(store objectGetter) engine.Source {
	return engine.SourceFunc(func(ctx context.Context, location *url.URL, maxBytes int64) ([]byte, error) {
		key := path.Join(location.Host, location.Path)

		info, infoErr := store.GetInfo(ctx, key)
		if infoErr != nil {
			return nil, fmt.Errorf("failed to stat PDF '%s' in object store: %w", key, infoErr)
		}

		if maxBytes > 0 && info.Size > uint64(maxBytes) {
			return nil, fmt.Errorf("%w: '%s' is %d bytes", engine.ErrDocumentTooLarge, key, info.Size)
		}

		data, getErr := store.GetBytes(ctx, key)
		if getErr != nil {
			return nil, fmt.Errorf("failed to get PDF '%s' from object store: %w", key, getErr)
		}

		return data, nil
	})
}

// dispositionFor terminates requests that cannot succeed on redelivery.
func dispositionFor(err error) disposition {
	var (
		rangeErr *rasterize.RangeError
		setupErr *rasterize.SetupError
	)

	if errors.As(err, &rangeErr) || errors.As(err, &setupErr) {
		return terminate
	}

	return redeliver
}

// handleMessage processes a single message.
func (svc *service) handleMessage(ctx context.Context, msg message) {
	event, decodeErr := messages.DecodeRequest(msg.Data())
	if decodeErr != nil {
		svc.appLogger.Error("Failed to create job: %v", decodeErr)

		if termErr := msg.Term(); termErr != nil {
			svc.appLogger.Error("Failed to TERM message: %v", termErr)
		}

		return
	}

	j := &job{
		msg:    msg,
		svc:    svc,
		event:  event,
		header: &event.Header,
	}
	j.run(ctx)
}

// run executes the full lifecycle of a job.
func (j *job) run(ctx context.Context) {
	j.svc.appLogger.Info(
		"Received job for WorkflowID [%s]: rasterizing '%s'",
		j.header.WorkflowID,
		j.event.URL,
	)

	if progErr := j.msg.InProgress(); progErr != nil {
		j.svc.appLogger.Warn("Failed to send InProgress update: %v", progErr)
	}

	opts := j.event.Options.Apply(j.svc.defaults).LimitWorkers(j.svc.defaults.Workers)
	opts.OnProgress = j.publishProgress

	task, raised := j.svc.rasterizer.Rasterize(ctx, j.event.URL, opts)
	if raised != nil {
		j.fail(ctx, raised)

		return
	}

	result, waitErr := task.Wait(ctx)
	if waitErr != nil {
		j.fail(ctx, waitErr)

		return
	}

	stored, storeErr := j.storePages(ctx, result)
	if storeErr != nil {
		j.nak(storeErr)

		return
	}

	completed := messages.RasterizeCompletedEvent{
		Header: messages.NewHeader(*j.header),
		Data:   stored,
	}

	if publishErr := j.publish(ctx, j.svc.cfg.NATS.ResultSubject, completed); publishErr != nil {
		j.nak(publishErr)

		return
	}

	j.ack(len(stored))
}

// fail reports err downstream and settles the message.
func (j *job) fail(ctx context.Context, err error) {
	j.svc.appLogger.Error("Error rasterizing for job [%s]: %v", j.header.WorkflowID, err)

	failed := messages.RasterizeFailedEvent{
		Header: messages.NewHeader(*j.header),
		Data:   rasterize.Describe(err),
	}

	if publishErr := j.publish(ctx, j.svc.cfg.NATS.FailedSubject, failed); publishErr != nil {
		j.svc.appLogger.Error(
			"Job [%s]: Failed to publish failure event: %v",
			j.header.WorkflowID,
			publishErr,
		)
	}

	if dispositionFor(err) == terminate {
		j.term(err)

		return
	}

	j.nak(err)
}

// storePages uploads every page (and thumbnail). The result arrives in
// completion order; stored pages are listed by page index.
func (j *job) storePages(ctx context.Context, result rasterize.Result) ([]messages.StoredPage, error) {
	ordered := slices.Clone(result)
	slices.SortFunc(ordered, func(a, b rasterize.PageImageResult) int {
		return cmp.Compare(a.PageIndex, b.PageIndex)
	})

	stored := make([]messages.StoredPage, 0, len(ordered))

	for _, page := range ordered {
		storedPage, storeErr := j.storePage(ctx, page)
		if storeErr != nil {
			return nil, storeErr
		}

		stored = append(stored, storedPage)
	}

	return stored, nil
}

func (j *job) storePage(ctx context.Context, page rasterize.PageImageResult) (messages.StoredPage, error) {
	storedPage := messages.StoredPage{
		DataKey:      messages.ObjectKey(*j.header, messages.PagePrefix, page.PageNumber),
		ThumbnailKey: "",
		PageNumber:   page.PageNumber,
		PageIndex:    page.PageIndex,
		Blank:        false,
	}

	data, decodeErr := rasterize.DecodeDataURI(page.Data)
	if decodeErr != nil {
		return storedPage, fmt.Errorf("page %d: %w", page.PageNumber, decodeErr)
	}

	if j.svc.detector != nil {
		isBlank, blankErr := j.svc.detector.IsBlankPNG(data)
		if blankErr != nil {
			j.svc.appLogger.Warn("Job [%s]: blank check of page %d failed: %v",
				j.header.WorkflowID, page.PageNumber, blankErr)
		}

		storedPage.Blank = isBlank
	}

	if putErr := j.put(ctx, storedPage.DataKey, data); putErr != nil {
		return storedPage, putErr
	}

	if page.Thumbnail == "" {
		return storedPage, nil
	}

	thumbnail, thumbErr := rasterize.DecodeDataURI(page.Thumbnail)
	if thumbErr != nil {
		return storedPage, fmt.Errorf("thumbnail %d: %w", page.PageNumber, thumbErr)
	}

	storedPage.ThumbnailKey = messages.ObjectKey(*j.header, messages.ThumbnailPrefix, page.PageNumber)
	if putErr := j.put(ctx, storedPage.ThumbnailKey, thumbnail); putErr != nil {
		return storedPage, putErr
	}

	return storedPage, nil
}

func (j *job) put(ctx context.Context, objectName string, data []byte) error {
	_, putErr := j.svc.pngStore.PutBytes(ctx, objectName, data)
	if putErr != nil {
		return fmt.Errorf("failed to put '%s' in object store: %w", objectName, putErr)
	}

	j.svc.appLogger.Info("Job [%s]: Uploaded '%s'", j.header.WorkflowID, objectName)

	return nil
}

// publishProgress forwards one milestone. Progress is best effort.
func (j *job) publishProgress(event rasterize.ProgressEvent) {
	subject := j.svc.cfg.NATS.ProgressSubject
	if subject == "" {
		return
	}

	payload, marshalErr := json.Marshal(messages.RasterizeProgressEvent{
		Header: messages.NewHeader(*j.header),
		Data:   event,
	})
	if marshalErr != nil {
		j.svc.appLogger.Warn("Job [%s]: failed to marshal progress: %v", j.header.WorkflowID, marshalErr)

		return
	}

	if pubErr := j.svc.progress.Publish(subject, payload); pubErr != nil {
		j.svc.appLogger.Warn("Job [%s]: failed to publish progress: %v", j.header.WorkflowID, pubErr)
	}
}

func (j *job) publish(ctx context.Context, subject string, event any) error {
	eventJSON, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal %T: %w", event, marshalErr)
	}

	_, pubErr := j.svc.results.Publish(ctx, subject, eventJSON)
	if pubErr != nil {
		return fmt.Errorf("failed to publish %T: %w", event, pubErr)
	}

	return nil
}

func (j *job) ack(pageCount int) {
	if err := j.msg.Ack(); err != nil {
		j.svc.appLogger.Error("Job [%s]: Failed to acknowledge message: %v", j.header.WorkflowID, err)
	} else {
		j.svc.appLogger.Success(
			"Job [%s]: Rasterized %d page(s). Acknowledged.",
			j.header.WorkflowID,
			pageCount,
		)
	}
}

func (j *job) nak(reason error) {
	j.svc.appLogger.Error("NAK'ing message for job [%s]: %v", j.header.WorkflowID, reason)

	if err := j.msg.Nak(); err != nil {
		j.svc.appLogger.Error("Failed to NAK message: %v", err)
	}
}

func (j *job) term(reason error) {
	j.svc.appLogger.Error("Terminating message for job [%s]: %v", j.header.WorkflowID, reason)

	if err := j.msg.Term(); err != nil {
		j.svc.appLogger.Error("Failed to TERM message: %v", err)
	}
}
