// Package messages defines the events the rasterizer service exchanges
// over NATS.
package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/google/uuid"

	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

// ErrMissingWorkflowID is returned for requests without a workflow ID.
var ErrMissingWorkflowID = errors.New("event header has no workflow id")

// Object name prefixes inside a workflow's folder.
const (
	PagePrefix      = "page"
	ThumbnailPrefix = "thumb"
)

// RasterizeRequestedEvent asks the service to render a document.
type RasterizeRequestedEvent struct {
	Header  events.EventHeader  `json:"header"`
	URL     string              `json:"url"`
	Options rasterize.Overrides `json:"options"`
}

// RasterizeProgressEvent carries one progress milestone.
type RasterizeProgressEvent struct {
	Header events.EventHeader      `json:"header"`
	Data   rasterize.ProgressEvent `json:"data"`
}

// StoredPage points at the object store entries of one rendered page.
type StoredPage struct {
	DataKey      string `json:"dataKey"`
	ThumbnailKey string `json:"thumbnailKey,omitempty"`
	PageNumber   int    `json:"pageNumber"`
	PageIndex    int    `json:"pageIndex"`
	Blank        bool   `json:"blank"`
}

// RasterizeCompletedEvent lists the stored pages sorted by page index.
type RasterizeCompletedEvent struct {
	Header events.EventHeader `json:"header"`
	Data   []StoredPage       `json:"data"`
}

// RasterizeFailedEvent reports why a request was not rendered.
type RasterizeFailedEvent struct {
	Header events.EventHeader  `json:"header"`
	Data   rasterize.ErrorInfo `json:"data"`
}

// DecodeRequest unmarshals and checks a request payload.
func DecodeRequest(payload []byte) (*RasterizeRequestedEvent, error) {
	var event RasterizeRequestedEvent

	unmarshalErr := json.Unmarshal(payload, &event)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal RasterizeRequestedEvent: %w", unmarshalErr)
	}

	if event.Header.WorkflowID == "" {
		return nil, ErrMissingWorkflowID
	}

	return &event, nil
}

// NewHeader derives a header for an outgoing event from the request header.
func NewHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		WorkflowID: request.WorkflowID,
		UserID:     request.UserID,
		TenantID:   request.TenantID,
		EventID:    uuid.New().String(),
		Timestamp:  time.Now(),
	}
}

// ObjectKey names a stored image: <tenant>/<workflow>/<prefix>_%04d.png.
func ObjectKey(header events.EventHeader, prefix string, pageNumber int) string {
	return fmt.Sprintf("%s/%s/%s_%04d.png", header.TenantID, header.WorkflowID, prefix, pageNumber)
}
