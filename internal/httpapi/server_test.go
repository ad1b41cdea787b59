package httpapi_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/book-expert/logger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/pdf-rasterizer/internal/httpapi"
	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
	"github.com/book-expert/pdf-rasterizer/internal/rasterize/rasterizetest"
)

const testURL = "https://example.test/doc.pdf"

func newTestServer(t *testing.T, pageCount int) (*httpapi.Server, *rasterizetest.Engine) {
	t.Helper()

	return newTestServerWithDefaults(t, pageCount, rasterize.DefaultOptions())
}

func newTestServerWithDefaults(
	t *testing.T,
	pageCount int,
	defaults rasterize.Options,
) (*httpapi.Server, *rasterizetest.Engine) {
	t.Helper()

	log, err := logger.New(t.TempDir(), "httpapi.log")
	require.NoError(t, err)

	engine := rasterizetest.NewEngine()
	engine.AddDocument(testURL, pageCount)

	return httpapi.New(rasterize.New(engine, log), defaults, log), engine
}

func post(t *testing.T, server *httpapi.Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	return rec
}

type sseFrame struct {
	event string
	data  string
}

func parseFrames(t *testing.T, body string) []sseFrame {
	t.Helper()

	var (
		frames  []sseFrame
		current sseFrame
	)

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "event: "):
			current.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			frames = append(frames, current)
			current = sseFrame{event: "", data: ""}
		}
	}

	require.NoError(t, scanner.Err())

	return frames
}

func TestHealth(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, 1)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var health httpapi.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.NotEmpty(t, health.Timestamp)
}

func TestRasterize_Success(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, 3)

	rec := post(t, server, "/v1/rasterize", `{"url":"`+testURL+`","options":{"start":1,"thumbnails":false}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope rasterize.Envelope[rasterize.Result]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 2)

	assert.Equal(t, 2, envelope.Data[0].PageNumber)
	assert.Equal(t, 1, envelope.Data[0].PageIndex)
	assert.True(t, strings.HasPrefix(envelope.Data[0].Data, rasterize.DataURIPrefix))
	assert.Empty(t, envelope.Data[0].Thumbnail)
	assert.Equal(t, 3, envelope.Data[1].PageNumber)
}

func TestRasterize_ErrorStatuses(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		setup      func(engine *rasterizetest.Engine)
		name       string
		body       string
		errorName  string
		wantStatus int
	}{
		{
			name:       "Range error under raise",
			body:       `{"url":"` + testURL + `","options":{"start":3,"end":1,"throwErrors":true}}`,
			wantStatus: http.StatusUnprocessableEntity,
			errorName:  rasterize.NameRangeError,
		},
		{
			name:       "Range error through the task",
			body:       `{"url":"` + testURL + `","options":{"end":9}}`,
			wantStatus: http.StatusUnprocessableEntity,
			errorName:  rasterize.NameRangeError,
		},
		{
			name:       "Missing url",
			body:       `{"options":{}}`,
			wantStatus: http.StatusBadRequest,
			errorName:  rasterize.NameSetupError,
		},
		{
			name:       "Malformed body",
			body:       `{"url":`,
			wantStatus: http.StatusBadRequest,
			errorName:  rasterize.NameSetupError,
		},
		{
			name:       "Render failure",
			body:       `{"url":"` + testURL + `"}`,
			wantStatus: http.StatusBadGateway,
			errorName:  rasterize.NameEngineError,
			setup: func(engine *rasterizetest.Engine) {
				engine.RenderErr[2] = errors.New("ink ran out")
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server, engine := newTestServer(t, 3)
			if testCase.setup != nil {
				testCase.setup(engine)
			}

			rec := post(t, server, "/v1/rasterize", testCase.body)
			require.Equal(t, testCase.wantStatus, rec.Code)

			var envelope rasterize.Envelope[rasterize.ErrorInfo]
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
			assert.Equal(t, testCase.errorName, envelope.Data.Name)
			assert.NotEmpty(t, envelope.Data.Message)
		})
	}
}

func TestStream_ProgressThenResult(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, 2)

	rec := post(t, server, "/v1/rasterize/stream", `{"url":"`+testURL+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 5)

	for index, frame := range frames[:4] {
		assert.Equal(t, "progress", frame.event)

		var envelope rasterize.Envelope[rasterize.ProgressEvent]
		require.NoError(t, json.Unmarshal([]byte(frame.data), &envelope))
		assert.Equal(t, 3-index, envelope.Data.Step)
	}

	last := frames[4]
	assert.Equal(t, "result", last.event)

	var result rasterize.Envelope[rasterize.Result]
	require.NoError(t, json.Unmarshal([]byte(last.data), &result))
	require.Len(t, result.Data, 2)
	assert.NotEmpty(t, result.Data[1].Thumbnail)
}

func TestStream_Failures(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, 2)

	rec := post(t, server, "/v1/rasterize/stream", `{"url":"`+testURL+`","options":{"end":5}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].event)
	assert.Contains(t, frames[0].data, rasterize.NameRangeError)

	raised := post(t, server, "/v1/rasterize/stream", `{"url":"`+testURL+`","options":{"end":5,"throwErrors":true}}`)
	require.Equal(t, http.StatusUnprocessableEntity, raised.Code)
	assert.Contains(t, raised.Body.String(), "array index out of bounds")
}

func TestRasterize_RequestCannotRaiseWorkers(t *testing.T) {
	t.Parallel()

	defaults := rasterize.DefaultOptions()
	defaults.Workers = 1

	for _, body := range []string{
		`{"url":"` + testURL + `","options":{"workers":0}}`,
		`{"url":"` + testURL + `","options":{"workers":64}}`,
	} {
		server, engine := newTestServerWithDefaults(t, 5, defaults)

		rec := post(t, server, "/v1/rasterize", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var envelope rasterize.Envelope[rasterize.Result]
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		assert.Len(t, envelope.Data, 5)
		assert.Equal(t, 1, engine.PeakConcurrency(), body)
	}
}
