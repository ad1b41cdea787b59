// Package engine provides the PDF engines used by the rasterizer and the
// loader that turns document URLs into PDF bytes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnsupportedScheme is returned for URLs no source is registered for.
	ErrUnsupportedScheme = errors.New("unsupported document url scheme")
	// ErrDocumentTooLarge is returned when a document exceeds the size limit.
	ErrDocumentTooLarge = errors.New("document exceeds size limit")
	// ErrEmptyDocument is returned when a source yields no bytes.
	ErrEmptyDocument = errors.New("document is empty")
	// ErrUnexpectedStatus is returned for non-2xx HTTP responses.
	ErrUnexpectedStatus = errors.New("unexpected http status")
	// ErrHostNotAllowed is returned for http(s) URLs outside a restricted
	// loader's host list, including redirect targets.
	ErrHostNotAllowed = errors.New("document host is not allowed")
	// ErrTooManyRedirects is returned after maxRedirects hops.
	ErrTooManyRedirects = errors.New("too many redirects")
)

const (
	defaultFetchTimeout     = 60 * time.Second
	defaultMaxDocumentBytes = 256 << 20
	maxRedirects            = 10
)

// Source fetches the bytes of a document for one URL scheme.
type Source interface {
	Fetch(ctx context.Context, location *url.URL, maxBytes int64) ([]byte, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, location *url.URL, maxBytes int64) ([]byte, error)

// Fetch calls the function.
func (fn SourceFunc) Fetch(ctx context.Context, location *url.URL, maxBytes int64) ([]byte, error) {
	return fn(ctx, location, maxBytes)
}

// Loader resolves document URLs to PDF bytes using per-scheme sources.
// http, https and file are registered by default; a URL without a scheme
// is treated as a local path.
type Loader struct {
	sources      map[string]Source
	allowedHosts map[string]bool
	maxBytes     int64
	timeout      time.Duration
	mu           sync.RWMutex
}

// NewLoader creates a loader with the default sources.
func NewLoader(cfg Config) *Loader {
	timeout := defaultFetchTimeout
	if cfg.FetchTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.FetchTimeoutSeconds) * time.Second
	}

	maxBytes := cfg.MaxDocumentBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxDocumentBytes
	}

	httpSource := newHTTPSource(timeout, nil)

	return &Loader{
		sources: map[string]Source{
			"http":  httpSource,
			"https": httpSource,
			"file":  SourceFunc(fetchFile),
			"":      SourceFunc(fetchFile),
		},
		allowedHosts: nil,
		maxBytes:     maxBytes,
		timeout:      timeout,
		mu:           sync.RWMutex{},
	}
}

// RegisterSource adds or replaces the source for scheme.
func (loader *Loader) RegisterSource(scheme string, source Source) {
	loader.mu.Lock()
	defer loader.mu.Unlock()

	loader.sources[strings.ToLower(scheme)] = source
}

// Restrict returns a loader that serves only the listed schemes out of the
// ones registered so far. When hosts is not empty, http and https URLs and
// their redirects must target one of those hosts.
func (loader *Loader) Restrict(schemes, hosts []string) *Loader {
	loader.mu.RLock()
	defer loader.mu.RUnlock()

	var allowedHosts map[string]bool
	if len(hosts) > 0 {
		allowedHosts = make(map[string]bool, len(hosts))
		for _, host := range hosts {
			allowedHosts[strings.ToLower(host)] = true
		}
	}

	sources := make(map[string]Source, len(schemes))

	for _, scheme := range schemes {
		scheme = strings.ToLower(scheme)

		source, ok := loader.sources[scheme]
		if !ok {
			continue
		}

		if isHTTPScheme(scheme) && allowedHosts != nil {
			source = newHTTPSource(loader.timeout, allowedHosts)
		}

		sources[scheme] = source
	}

	return &Loader{
		sources:      sources,
		allowedHosts: allowedHosts,
		maxBytes:     loader.maxBytes,
		timeout:      loader.timeout,
		mu:           sync.RWMutex{},
	}
}

// Load returns the bytes of the document at rawURL.
func (loader *Loader) Load(ctx context.Context, rawURL string) ([]byte, error) {
	location, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return nil, fmt.Errorf("invalid document url %q: %w", rawURL, parseErr)
	}

	loader.mu.RLock()
	source, ok := loader.sources[strings.ToLower(location.Scheme)]
	loader.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, location.Scheme)
	}

	if isHTTPScheme(location.Scheme) && !hostAllowed(loader.allowedHosts, location.Hostname()) {
		return nil, fmt.Errorf("%w: %q", ErrHostNotAllowed, location.Hostname())
	}

	data, fetchErr := source.Fetch(ctx, location, loader.maxBytes)
	if fetchErr != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, fetchErr)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrEmptyDocument)
	}

	return data, nil
}

type httpSource struct {
	client *http.Client
}

// newHTTPSource builds a client; a nil allowedHosts accepts every host.
func newHTTPSource(timeout time.Duration, allowedHosts map[string]bool) *httpSource {
	return &httpSource{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return ErrTooManyRedirects
				}

				if !hostAllowed(allowedHosts, req.URL.Hostname()) {
					return fmt.Errorf("%w: redirect to %q", ErrHostNotAllowed, req.URL.Hostname())
				}

				return nil
			},
		},
	}
}

func isHTTPScheme(scheme string) bool {
	scheme = strings.ToLower(scheme)

	return scheme == "http" || scheme == "https"
}

func hostAllowed(allowedHosts map[string]bool, host string) bool {
	return allowedHosts == nil || allowedHosts[strings.ToLower(host)]
}

func (source *httpSource) Fetch(
	ctx context.Context,
	location *url.URL,
	maxBytes int64,
) ([]byte, error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, location.String(), nil)
	if reqErr != nil {
		return nil, fmt.Errorf("failed to build request: %w", reqErr)
	}

	req.Header.Set("Accept", "application/pdf")

	resp, doErr := source.client.Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("request failed: %w", doErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	return readLimited(resp.Body, maxBytes)
}

func fetchFile(_ context.Context, location *url.URL, maxBytes int64) ([]byte, error) {
	path := location.Path
	if location.Scheme == "" && location.Opaque != "" {
		path = location.Opaque
	}

	file, openErr := os.Open(path)
	if openErr != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, openErr)
	}
	defer file.Close()

	return readLimited(file, maxBytes)
}

// readLimited reads at most maxBytes and fails if the reader holds more.
func readLimited(reader io.Reader, maxBytes int64) ([]byte, error) {
	data, readErr := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if readErr != nil {
		return nil, fmt.Errorf("failed to read document: %w", readErr)
	}

	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrDocumentTooLarge, maxBytes)
	}

	return data, nil
}
