package engine_test

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/pdf-rasterizer/internal/engine"
	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

const fakePDF = "%PDF-1.4\n%fake\n"

func newTestLoader(maxBytes int64) *engine.Loader {
	return engine.NewLoader(engine.Config{
		Name:                "",
		FetchTimeoutSeconds: 5,
		MaxDocumentBytes:    maxBytes,
		PDFiumWorkers:       0,
	})
}

func TestLoader_HTTP(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/doc.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte(fakePDF))
		case "/empty.pdf":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	loader := newTestLoader(1 << 20)

	data, err := loader.Load(context.Background(), server.URL+"/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, fakePDF, string(data))

	_, err = loader.Load(context.Background(), server.URL+"/missing.pdf")
	require.ErrorIs(t, err, engine.ErrUnexpectedStatus)

	_, err = loader.Load(context.Background(), server.URL+"/empty.pdf")
	require.ErrorIs(t, err, engine.ErrEmptyDocument)
}

func TestLoader_SizeLimit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "big.pdf")
	require.NoError(t, os.WriteFile(path, []byte(fakePDF), 0o600))

	_, err := newTestLoader(4).Load(context.Background(), path)
	require.ErrorIs(t, err, engine.ErrDocumentTooLarge)
}

func TestLoader_FilePaths(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte(fakePDF), 0o600))

	loader := newTestLoader(0)

	data, err := loader.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, fakePDF, string(data))

	data, err = loader.Load(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, fakePDF, string(data))

	_, err = loader.Load(context.Background(), filepath.Join(t.TempDir(), "absent.pdf"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_Schemes(t *testing.T) {
	t.Parallel()

	loader := newTestLoader(0)

	_, err := loader.Load(context.Background(), "ftp://example.test/doc.pdf")
	require.ErrorIs(t, err, engine.ErrUnsupportedScheme)

	loader.RegisterSource("objstore", engine.SourceFunc(
		func(_ context.Context, location *url.URL, _ int64) ([]byte, error) {
			return []byte(location.Host + location.Path), nil
		},
	))

	data, err := loader.Load(context.Background(), "objstore://tenant/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, "tenant/doc.pdf", string(data))
}

func TestNew_SelectsEngine(t *testing.T) {
	t.Parallel()

	loader := newTestLoader(0)

	fitzEngine, err := engine.New(engine.Config{Name: "", FetchTimeoutSeconds: 0, MaxDocumentBytes: 0, PDFiumWorkers: 0}, loader)
	require.NoError(t, err)
	assert.IsType(t, &engine.FitzEngine{}, fitzEngine)
	require.NoError(t, fitzEngine.Close())

	_, err = engine.New(engine.Config{Name: "ghostscript", FetchTimeoutSeconds: 0, MaxDocumentBytes: 0, PDFiumWorkers: 0}, loader)
	require.ErrorIs(t, err, engine.ErrUnknownEngine)
}

func TestFitzEngine_OpenPropagatesLoadErrors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.pdf")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := engine.NewFitzEngine(newTestLoader(0)).Open(context.Background(), path)
	require.ErrorIs(t, err, engine.ErrEmptyDocument)
}

func TestDrawFitted(t *testing.T) {
	t.Parallel()

	rendered := image.NewRGBA(image.Rect(0, 0, 21, 11))
	for y := range 11 {
		for x := range 21 {
			rendered.Set(x, y, color.RGBA{R: 0, G: 0, B: 0xff, A: 0xff})
		}
	}

	surface := rasterize.NewSurface(rasterize.Viewport{Width: 20, Height: 10, Scale: 1})
	engine.DrawFittedForTest(surface, rendered)

	_, _, blue, _ := surface.Context().At(10, 5).RGBA()
	assert.Greater(t, blue, uint32(0xf000))

	viewport := engine.ViewportForTest(612, 792, 0.25)
	assert.Equal(t, 153, viewport.Width)
	assert.Equal(t, 198, viewport.Height)
}

func TestLoader_RestrictDropsLocalFiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "private.pdf")
	require.NoError(t, os.WriteFile(path, []byte(fakePDF), 0o600))

	loader := newTestLoader(0)
	loader.RegisterSource("objstore", engine.SourceFunc(
		func(_ context.Context, location *url.URL, _ int64) ([]byte, error) {
			return []byte(location.Host + location.Path), nil
		},
	))

	restricted := loader.Restrict([]string{"http", "https", "objstore"}, nil)

	_, err := restricted.Load(context.Background(), path)
	require.ErrorIs(t, err, engine.ErrUnsupportedScheme)

	_, err = restricted.Load(context.Background(), "file://"+path)
	require.ErrorIs(t, err, engine.ErrUnsupportedScheme)

	data, err := restricted.Load(context.Background(), "objstore://tenant/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, "tenant/doc.pdf", string(data))

	// The original loader keeps its local sources.
	data, err = loader.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, fakePDF, string(data))
}

func TestLoader_RestrictHosts(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved.pdf" {
			http.Redirect(w, r, "http://localhost:1/internal.pdf", http.StatusFound)

			return
		}

		_, _ = w.Write([]byte(fakePDF))
	}))
	t.Cleanup(server.Close)

	loader := newTestLoader(0)

	allowed := loader.Restrict([]string{"http", "https"}, []string{"127.0.0.1"})

	data, err := allowed.Load(context.Background(), server.URL+"/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, fakePDF, string(data))

	_, err = allowed.Load(context.Background(), server.URL+"/moved.pdf")
	require.ErrorIs(t, err, engine.ErrHostNotAllowed)

	denied := loader.Restrict([]string{"http", "https"}, []string{"docs.example.test"})

	_, err = denied.Load(context.Background(), server.URL+"/doc.pdf")
	require.ErrorIs(t, err, engine.ErrHostNotAllowed)
}
