// Command pdf-rasterize renders a page range of one PDF into PNG files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"

	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

// defaultWorkerCount matches the service's default render concurrency.
const defaultWorkerCount = 4

// ErrMissingURL is returned when neither a flag nor an argument names a document.
var ErrMissingURL = errors.New("a document url is required (-url)")

type configPaths struct {
	OutputDir string `toml:"output_dir"`
}

type configLogsDir struct {
	Rasterizer string `toml:"rasterizer"`
}

type configSettings struct {
	Engine  string  `toml:"engine"`
	Scale   float64 `toml:"scale"`
	Workers int     `toml:"workers"`
}

// config represents the structure of the project.toml file.
type config struct {
	Paths    configPaths    `toml:"paths"`
	LogsDir  configLogsDir  `toml:"logs_dir"`
	Settings configSettings `toml:"settings"`
}

// cliOptions is the merged result of config file and flags.
type cliOptions struct {
	ProgressBarOutput io.Writer
	URL               string
	OutputPath        string
	ProjectRoot       string
	EngineName        string
	Rasterize         rasterize.Options
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := run(ctx, os.Args[1:])

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main logic function, separated from main to allow for easier
// testing and clean exit handling.
func run(ctx context.Context, args []string) error {
	projectRoot, configPath, err := configurator.FindProjectRoot(".")
	if err != nil {
		return fmt.Errorf("could not find project root: %w", err)
	}

	cfg, err := safeLoadConfig(configPath)
	if err != nil {
		return err
	}

	flgs, err := parseFlags(args)
	if err != nil {
		return err
	}

	options := mergeConfigAndFlags(&cfg, flgs, projectRoot)
	if options.URL == "" {
		return ErrMissingURL
	}

	return processWithLogger(ctx, &options, cfg.LogsDir.Rasterizer)
}

// safeLoadConfig loads the TOML config, allowing missing file without error.
func safeLoadConfig(path string) (config, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			var emptyCfg config

			return emptyCfg, nil
		}

		return config{}, fmt.Errorf("error loading config file: %w", err)
	}

	return cfg, nil
}

// loadConfig reads and parses the project.toml file.
func loadConfig(path string) (config, error) {
	var cfg config

	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		var zero config

		return zero, fmt.Errorf("failed to decode config file: %w", err)
	}

	return cfg, nil
}

// flags represents the command-line arguments.
type flags struct {
	url        string
	outputPath string
	engine     string
	scale      float64
	start      int
	end        int
	workers    int
	thumbnails bool
	throw      bool
}

// parseFlags defines and parses command-line flags. A positional argument
// is accepted in place of -url.
func parseFlags(args []string) (flags, error) {
	var flagsVar flags

	flagSet := flag.NewFlagSet("pdf-rasterize", flag.ContinueOnError)
	flagSet.StringVar(&flagsVar.url, "url", "", "Document URL or path (required).")
	flagSet.StringVar(&flagsVar.outputPath, "output", "", "Output directory for PNG files.")
	flagSet.StringVar(&flagsVar.engine, "engine", "", "PDF engine: fitz or pdfium.")
	flagSet.Float64Var(&flagsVar.scale, "scale", 0, "Viewport scale of the full-size images.")
	flagSet.IntVar(&flagsVar.start, "start", 0, "0-based index of the first page.")
	flagSet.IntVar(&flagsVar.end, "end", -1, "Exclusive end page index, -1 for the last page.")
	flagSet.IntVar(&flagsVar.workers, "workers", 0, "Number of pages rendered at once (default 4).")
	flagSet.BoolVar(&flagsVar.thumbnails, "thumbnails", true, "Also write 0.25 scale thumbnails.")
	flagSet.BoolVar(&flagsVar.throw, "throw", false, "Fail before rendering on range errors.")

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		return flagsVar, fmt.Errorf("invalid arguments: %w", parseErr)
	}

	if flagsVar.url == "" && flagSet.NArg() > 0 {
		flagsVar.url = flagSet.Arg(0)
	}

	return flagsVar, nil
}

// mergeConfigAndFlags combines settings from the config file and command-line flags.
// Flags take precedence over the config file settings.
func mergeConfigAndFlags(cfg *config, flgs flags, projectRoot string) cliOptions {
	opts := cliOptions{
		ProgressBarOutput: nil,
		URL:               flgs.url,
		OutputPath:        cfg.Paths.OutputDir,
		ProjectRoot:       projectRoot,
		EngineName:        cfg.Settings.Engine,
		Rasterize:         rasterize.DefaultOptions(),
	}

	if cfg.Settings.Scale > 0 {
		opts.Rasterize.Scale = cfg.Settings.Scale
	}

	if cfg.Settings.Workers > 0 {
		opts.Rasterize.Workers = cfg.Settings.Workers
	}

	// Command-line flags override config file values.
	if flgs.outputPath != "" {
		opts.OutputPath = flgs.outputPath
	}

	if flgs.engine != "" {
		opts.EngineName = flgs.engine
	}

	if flgs.scale > 0 {
		opts.Rasterize.Scale = flgs.scale
	}

	if flgs.workers > 0 {
		opts.Rasterize.Workers = flgs.workers
	}

	if opts.OutputPath == "" {
		opts.OutputPath = filepath.Join(projectRoot, "output")
	}

	if opts.Rasterize.Workers <= 0 {
		opts.Rasterize.Workers = defaultWorkerCount
	}

	opts.Rasterize.Start = flgs.start
	opts.Rasterize.End = flgs.end
	opts.Rasterize.Thumbnails = flgs.thumbnails

	if flgs.throw {
		opts.Rasterize.ErrorPolicy = rasterize.Raise
	}

	return opts
}

// processWithLogger sets up the logger and renders the document.
func processWithLogger(
	ctx context.Context,
	options *cliOptions,
	logDir string,
) error {
	log, err := setupLogger(options.ProjectRoot, logDir)
	if err != nil {
		return fmt.Errorf("could not set up logger: %w", err)
	}

	defer func() {
		cerr := log.Close()
		if cerr != nil {
			_, _ = fmt.Fprintf(
				os.Stderr,
				"failed to close logger: %v\n",
				cerr,
			)
		}
	}()

	if options.ProgressBarOutput == nil {
		options.ProgressBarOutput = os.Stdout
	}

	written, renderErr := renderDocument(ctx, options, log)
	if renderErr != nil {
		return fmt.Errorf("PDF rasterization failed: %w", renderErr)
	}

	log.Success("Wrote %d file(s) for %s", len(written), options.URL)

	return nil
}

// setupLogger initializes the logger, creating the log directory if needed.
func setupLogger(projectRoot, logDirConfig string) (*logger.Logger, error) {
	logDir := logDirConfig
	if logDir == "" {
		logDir = filepath.Join(projectRoot, "logs", "pdf_rasterizer")
	}

	logFileName := fmt.Sprintf("log_%s.log", time.Now().Format("20060102_150405"))

	log, err := logger.New(logDir, logFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}
