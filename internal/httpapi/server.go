// Package httpapi exposes the rasterizer over HTTP with echo.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/labstack/echo/v4"

	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

// RasterizeRequest is the body of both rasterize endpoints.
type RasterizeRequest struct {
	URL     string              `json:"url"`
	Options rasterize.Overrides `json:"options"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// SSE event names used by the streaming endpoint.
const (
	eventProgress = "progress"
	eventResult   = "result"
	eventError    = "error"
)

// Server serves the rasterize endpoints.
type Server struct {
	echo       *echo.Echo
	rasterizer *rasterize.Rasterizer
	log        *logger.Logger
	defaults   rasterize.Options
}

// New wires the routes. Request options are applied on top of defaults.
func New(rasterizer *rasterize.Rasterizer, defaults rasterize.Options, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	server := &Server{
		echo:       e,
		rasterizer: rasterizer,
		log:        log,
		defaults:   defaults,
	}

	e.GET("/health", server.health)
	e.POST("/v1/rasterize", server.rasterize)
	e.POST("/v1/rasterize/stream", server.stream)

	return server
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	server.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown is called.
func (server *Server) Start(addr string) error {
	server.log.Info("HTTP API listening on %s", addr)

	startErr := server.echo.Start(addr)
	if startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", startErr)
	}

	return nil
}

// Shutdown stops the listener, waiting for in-flight requests.
func (server *Server) Shutdown(ctx context.Context) error {
	shutdownErr := server.echo.Shutdown(ctx)
	if shutdownErr != nil {
		return fmt.Errorf("http server shutdown failed: %w", shutdownErr)
	}

	return nil
}

func (server *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (server *Server) bindRequest(c echo.Context) (RasterizeRequest, error) {
	var req RasterizeRequest

	bindErr := c.Bind(&req)
	if bindErr != nil {
		return req, &rasterize.SetupError{Err: fmt.Errorf("invalid request body: %w", bindErr)}
	}

	return req, nil
}

// options applies the request on top of the defaults. Requests may lower
// the worker count but never raise it past the configured one.
func (server *Server) options(req RasterizeRequest) rasterize.Options {
	return req.Options.Apply(server.defaults).LimitWorkers(server.defaults.Workers)
}

// rasterize renders the request and answers once the task settles.
func (server *Server) rasterize(c echo.Context) error {
	req, bindErr := server.bindRequest(c)
	if bindErr != nil {
		return writeError(c, bindErr)
	}

	ctx := c.Request().Context()
	opts := server.options(req)

	task, raised := server.rasterizer.Rasterize(ctx, req.URL, opts)
	if raised != nil {
		return writeError(c, raised)
	}

	result, waitErr := task.Wait(ctx)
	if waitErr != nil {
		server.log.Warn("Rasterize of %s failed: %v", req.URL, waitErr)

		return writeError(c, waitErr)
	}

	return c.JSON(http.StatusOK, rasterize.Envelope[rasterize.Result]{Data: result})
}

// stream renders the request and reports progress as server-sent events.
// Failures raised before the stream starts are answered as plain JSON.
func (server *Server) stream(c echo.Context) error {
	req, bindErr := server.bindRequest(c)
	if bindErr != nil {
		return writeError(c, bindErr)
	}

	ctx := c.Request().Context()
	progress := make(chan rasterize.ProgressEvent)

	opts := server.options(req)
	opts.OnProgress = func(event rasterize.ProgressEvent) {
		select {
		case progress <- event:
		case <-ctx.Done():
		}
	}

	task, raised := server.rasterizer.Rasterize(ctx, req.URL, opts)
	if raised != nil {
		return writeError(c, raised)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)

	for {
		select {
		case event := <-progress:
			writeErr := writeEvent(c, eventProgress, rasterize.Envelope[rasterize.ProgressEvent]{Data: event})
			if writeErr != nil {
				return writeErr
			}
		case <-task.Done():
			if taskErr := task.Err(); taskErr != nil {
				return writeEvent(c, eventError, rasterize.Envelope[rasterize.ErrorInfo]{
					Data: rasterize.Describe(taskErr),
				})
			}

			return writeEvent(c, eventResult, rasterize.Envelope[rasterize.Result]{Data: task.Result()})
		case <-ctx.Done():
			server.log.Warn("Client left stream for %s: %v", req.URL, ctx.Err())

			return nil
		}
	}
}

func writeEvent(c echo.Context, name string, payload any) error {
	encoded, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal %s event: %w", name, marshalErr)
	}

	resp := c.Response()

	_, writeErr := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", name, encoded)
	if writeErr != nil {
		return fmt.Errorf("failed to write %s event: %w", name, writeErr)
	}

	resp.Flush()

	return nil
}

func writeError(c echo.Context, err error) error {
	return c.JSON(statusFor(err), rasterize.Envelope[rasterize.ErrorInfo]{Data: rasterize.Describe(err)})
}

func statusFor(err error) int {
	var (
		rangeErr  *rasterize.RangeError
		setupErr  *rasterize.SetupError
		engineErr *rasterize.EngineError
	)

	switch {
	case errors.As(err, &rangeErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &setupErr):
		return http.StatusBadRequest
	case errors.As(err, &engineErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
