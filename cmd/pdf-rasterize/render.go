package main

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/cheggaaa/pb/v3"

	"github.com/book-expert/pdf-rasterizer/internal/engine"
	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

const (
	// defaultDirMode is the default permissions for created directories.
	defaultDirMode  = 0o750
	defaultFileMode = 0o600
	progressTotal   = 100
	fallbackDocName = "document"
)

// renderDocument opens the configured engine and writes the document's pages.
func renderDocument(ctx context.Context, options *cliOptions, log *logger.Logger) ([]string, error) {
	engineCfg := engine.Config{
		Name:                options.EngineName,
		FetchTimeoutSeconds: 0,
		MaxDocumentBytes:    0,
		PDFiumWorkers:       0,
	}

	pdfEngine, engineErr := engine.New(engineCfg, engine.NewLoader(engineCfg))
	if engineErr != nil {
		return nil, fmt.Errorf("failed to create PDF engine: %w", engineErr)
	}
	defer func() {
		if closeErr := pdfEngine.Close(); closeErr != nil {
			log.Warn("Failed to close PDF engine: %v", closeErr)
		}
	}()

	return rasterizeToDirectory(ctx, rasterize.New(pdfEngine, log), options, log)
}

// rasterizeToDirectory renders the range with a progress bar and writes
// page_%04d.png and thumb_%04d.png files.
func rasterizeToDirectory(
	ctx context.Context,
	rasterizer *rasterize.Rasterizer,
	options *cliOptions,
	log *logger.Logger,
) ([]string, error) {
	outputDir, dirErr := setupOutputDirectory(options.OutputPath, options.URL)
	if dirErr != nil {
		return nil, dirErr
	}

	progressBar := pb.New(progressTotal).
		SetTemplateString(`{{ bar . " " "━" "━" " " " "}} {{percent .}} {{etime .}}`).
		SetWriter(options.ProgressBarOutput).
		Start()
	defer progressBar.Finish()

	opts := options.Rasterize
	opts.OnProgress = func(event rasterize.ProgressEvent) {
		progressBar.SetCurrent(int64(math.Round(event.Value)))
	}

	log.Info("Rasterizing %s into %s", options.URL, outputDir)

	task, raised := rasterizer.Rasterize(ctx, options.URL, opts)
	if raised != nil {
		return nil, raised
	}

	result, waitErr := task.Wait(ctx)
	if waitErr != nil {
		return nil, waitErr
	}

	return writePages(outputDir, result)
}

// writePages decodes every image of result into outputDir.
func writePages(outputDir string, result rasterize.Result) ([]string, error) {
	written := make([]string, 0, len(result)*2)

	for _, page := range result {
		pagePath := filepath.Join(outputDir, fmt.Sprintf("page_%04d.png", page.PageNumber))
		if writeErr := writeDataURI(pagePath, page.Data); writeErr != nil {
			return written, writeErr
		}

		written = append(written, pagePath)

		if page.Thumbnail == "" {
			continue
		}

		thumbPath := filepath.Join(outputDir, fmt.Sprintf("thumb_%04d.png", page.PageNumber))
		if writeErr := writeDataURI(thumbPath, page.Thumbnail); writeErr != nil {
			return written, writeErr
		}

		written = append(written, thumbPath)
	}

	return written, nil
}

func writeDataURI(filePath, dataURI string) error {
	data, decodeErr := rasterize.DecodeDataURI(dataURI)
	if decodeErr != nil {
		return fmt.Errorf("failed to decode image for %s: %w", filePath, decodeErr)
	}

	writeErr := os.WriteFile(filePath, data, defaultFileMode)
	if writeErr != nil {
		return fmt.Errorf("failed to write %s: %w", filePath, writeErr)
	}

	return nil
}

// setupOutputDirectory creates a structured output folder for a document.
// For a document named 'mydoc.pdf', it creates '<baseOutputPath>/mydoc/png/'.
func setupOutputDirectory(baseOutputPath, docURL string) (string, error) {
	outputDir := filepath.Join(baseOutputPath, documentName(docURL), "png")

	mkdirErr := os.MkdirAll(outputDir, defaultDirMode)
	if mkdirErr != nil {
		return "", fmt.Errorf(
			"failed to create output directory %s: %w",
			outputDir,
			mkdirErr,
		)
	}

	return outputDir, nil
}

// documentName is the last path element of docURL without its extension.
func documentName(docURL string) string {
	docPath := docURL
	if location, parseErr := url.Parse(docURL); parseErr == nil && location.Path != "" {
		docPath = location.Path
	}

	base := path.Base(filepath.ToSlash(docPath))
	name := strings.TrimSuffix(base, path.Ext(base))

	if name == "" || name == "." || name == "/" {
		return fallbackDocName
	}

	return name
}
