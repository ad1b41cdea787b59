package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
	"github.com/book-expert/pdf-rasterizer/internal/rasterize/rasterizetest"
)

// TestMergeConfigAndFlags verifies that command-line flags correctly override config file
// settings.
func TestMergeConfigAndFlags(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		baseConfig  config
		flags       flags
		wantOutput  string
		wantEngine  string
		wantScale   float64
		wantWorkers int
		wantPolicy  rasterize.ErrorPolicy
	}{
		{
			name: "Flags should override all corresponding config values",
			baseConfig: config{
				Paths:    configPaths{OutputDir: "/config/out"},
				LogsDir:  configLogsDir{Rasterizer: "/config/logs"},
				Settings: configSettings{Engine: "fitz", Scale: 1.5, Workers: 2},
			},
			flags: flags{
				url:        "doc.pdf",
				outputPath: "/flag/out",
				engine:     "pdfium",
				scale:      3,
				start:      0,
				end:        -1,
				workers:    6,
				thumbnails: true,
				throw:      true,
			},
			wantOutput:  "/flag/out",
			wantEngine:  "pdfium",
			wantScale:   3,
			wantWorkers: 6,
			wantPolicy:  rasterize.Raise,
		},
		{
			name: "Config values should be used when flags are not set",
			baseConfig: config{
				Paths:    configPaths{OutputDir: "/config/out"},
				LogsDir:  configLogsDir{Rasterizer: ""},
				Settings: configSettings{Engine: "fitz", Scale: 1.5, Workers: 2},
			},
			flags: flags{
				url:        "doc.pdf",
				outputPath: "",
				engine:     "",
				scale:      0,
				start:      0,
				end:        -1,
				workers:    0,
				thumbnails: true,
				throw:      false,
			},
			wantOutput:  "/config/out",
			wantEngine:  "fitz",
			wantScale:   1.5,
			wantWorkers: 2,
			wantPolicy:  rasterize.ReturnResult,
		},
		{
			name:       "Defaults apply when neither is set",
			baseConfig: config{},
			flags: flags{
				url:        "doc.pdf",
				outputPath: "",
				engine:     "",
				scale:      0,
				start:      0,
				end:        -1,
				workers:    0,
				thumbnails: true,
				throw:      false,
			},
			wantOutput:  filepath.Join("/project", "output"),
			wantEngine:  "",
			wantScale:   1,
			wantWorkers: 4,
			wantPolicy:  rasterize.ReturnResult,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got := mergeConfigAndFlags(&testCase.baseConfig, testCase.flags, "/project")

			assert.Equal(t, "doc.pdf", got.URL)
			assert.Equal(t, "/project", got.ProjectRoot)
			assert.Equal(t, testCase.wantOutput, got.OutputPath)
			assert.Equal(t, testCase.wantEngine, got.EngineName)
			assert.InDelta(t, testCase.wantScale, got.Rasterize.Scale, 0.0001)
			assert.Equal(t, testCase.wantWorkers, got.Rasterize.Workers)
			assert.Equal(t, testCase.wantPolicy, got.Rasterize.ErrorPolicy)
			assert.True(t, got.Rasterize.Thumbnails)
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	flgs, err := parseFlags([]string{"-start", "2", "-end", "5", "-thumbnails=false", "book.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "book.pdf", flgs.url)
	assert.Equal(t, 2, flgs.start)
	assert.Equal(t, 5, flgs.end)
	assert.False(t, flgs.thumbnails)

	defaults, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, -1, defaults.end)
	assert.True(t, defaults.thumbnails)

	_, err = parseFlags([]string{"-scale", "big"})
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "project.toml")
	content := "[paths]\noutput_dir = \"/out\"\n\n[logs_dir]\nrasterizer = \"/logs\"\n\n" +
		"[settings]\nengine = \"pdfium\"\nscale = 2.0\nworkers = 3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := safeLoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/out", cfg.Paths.OutputDir)
	assert.Equal(t, "/logs", cfg.LogsDir.Rasterizer)
	assert.Equal(t, "pdfium", cfg.Settings.Engine)
	assert.Equal(t, 3, cfg.Settings.Workers)

	missing, err := safeLoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, config{}, missing)

	require.NoError(t, os.WriteFile(path, []byte("[paths\n"), 0o600))
	_, err = safeLoadConfig(path)
	require.Error(t, err)
}

func TestDocumentName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "book", documentName("https://example.test/files/book.pdf?v=2"))
	assert.Equal(t, "report", documentName("/tmp/report.pdf"))
	assert.Equal(t, "scan", documentName("file:///srv/scan.PDF"))
	assert.Equal(t, fallbackDocName, documentName("https://example.test/"))
}

func TestRasterizeToDirectory(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "cli.log")
	require.NoError(t, err)

	const docURL = "https://example.test/book.pdf"

	pdfEngine := rasterizetest.NewEngine()
	pdfEngine.AddDocument(docURL, 3)

	var progressOutput bytes.Buffer

	opts := rasterize.DefaultOptions()
	opts.Start = 1

	options := &cliOptions{
		ProgressBarOutput: &progressOutput,
		URL:               docURL,
		OutputPath:        t.TempDir(),
		ProjectRoot:       "",
		EngineName:        "",
		Rasterize:         opts,
	}

	written, renderErr := rasterizeToDirectory(context.Background(), rasterize.New(pdfEngine, log), options, log)
	require.NoError(t, renderErr)
	require.Len(t, written, 4)

	outputDir := filepath.Join(options.OutputPath, "book", "png")
	for _, name := range []string{"page_0002.png", "thumb_0002.png", "page_0003.png", "thumb_0003.png"} {
		info, statErr := os.Stat(filepath.Join(outputDir, name))
		require.NoError(t, statErr, name)
		assert.Positive(t, info.Size())
	}

	_, statErr := os.Stat(filepath.Join(outputDir, "page_0001.png"))
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestRasterizeToDirectory_RangeError(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "cli.log")
	require.NoError(t, err)

	const docURL = "https://example.test/short.pdf"

	pdfEngine := rasterizetest.NewEngine()
	pdfEngine.AddDocument(docURL, 1)

	opts := rasterize.DefaultOptions()
	opts.End = 4
	opts.ErrorPolicy = rasterize.Raise

	options := &cliOptions{
		ProgressBarOutput: &bytes.Buffer{},
		URL:               docURL,
		OutputPath:        t.TempDir(),
		ProjectRoot:       "",
		EngineName:        "",
		Rasterize:         opts,
	}

	_, renderErr := rasterizeToDirectory(context.Background(), rasterize.New(pdfEngine, log), options, log)
	require.ErrorIs(t, renderErr, rasterize.ErrIndexOutOfBounds)
}
