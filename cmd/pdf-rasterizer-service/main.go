// This file wires the pdf-rasterizer service: configuration, NATS JetStream
// resources, the rasterizer and the optional HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/pdf-rasterizer/internal/blank"
	"github.com/book-expert/pdf-rasterizer/internal/engine"
	"github.com/book-expert/pdf-rasterizer/internal/httpapi"
	"github.com/book-expert/pdf-rasterizer/internal/rasterize"
)

// ErrMissingConfigURL is returned when no configuration URL is set.
var ErrMissingConfigURL = errors.New(configURLEnv + " is not set")

// Config represents the overall configuration of the pdf-rasterizer service.
type Config struct {
	NATS           NATSConfig           `toml:"nats"`
	Paths          PathsConfig          `toml:"paths"`
	HTTP           HTTPConfig           `toml:"http"`
	BlankDetection BlankDetectionConfig `toml:"blank_detection"`
	Engine         engine.Config        `toml:"engine"`
	Render         RenderConfig         `toml:"render"`
}

// PathsConfig holds common path configurations.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// NATSConfig holds the subjects, streams and buckets the service uses.
type NATSConfig struct {
	URL                  string `toml:"url"`
	RequestStreamName    string `toml:"request_stream_name"`
	RequestConsumerName  string `toml:"request_consumer_name"`
	RequestSubject       string `toml:"request_subject"`
	ProgressSubject      string `toml:"progress_subject"`
	ResultStreamName     string `toml:"result_stream_name"`
	ResultSubject        string `toml:"result_subject"`
	FailedSubject        string `toml:"failed_subject"`
	PDFObjectStoreBucket string `toml:"pdf_object_store_bucket"`
	PNGObjectStoreBucket string `toml:"png_object_store_bucket"`
}

// HTTPConfig enables the HTTP API when Addr is set. HTTP clients may only
// fetch over http(s) or from the PDF object store, and only from
// AllowedHosts when that list is not empty.
type HTTPConfig struct {
	Addr         string   `toml:"addr"`
	AllowedHosts []string `toml:"allowed_hosts"`
}

// RenderConfig holds the service-wide rasterize defaults. Requests may
// override them.
type RenderConfig struct {
	Thumbnails *bool   `toml:"thumbnails"`
	Scale      float64 `toml:"scale"`
	Workers    int     `toml:"workers"`
	Precision  int     `toml:"precision"`
}

// BlankDetectionConfig flags mostly white pages in completed events.
type BlankDetectionConfig struct {
	Enabled           bool    `toml:"enabled"`
	FuzzPercent       int     `toml:"fuzz_percent"`
	NonWhiteThreshold float64 `toml:"non_white_threshold"`
}

const (
	configURLEnv         = "PDF_RASTERIZER_CONFIG_URL"
	objectStoreScheme    = "objstore"
	natsFetchTimeout     = 5 * time.Second
	ackWait              = 5 * time.Minute
	maxDeliver           = 5
	defaultWorkerCount   = 4
	httpShutdownTimeout  = 10 * time.Second
	bootstrapLogFileName = "pdf-rasterizer-bootstrap.log"
	serviceLogFileName   = "pdf-rasterizer-service.log"
)

// main is the entry point of the application.
func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	runErr := run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("Fatal application error: %v", runErr)
		os.Exit(1)
	}

	log.Println("Application shut down gracefully.")
}

// run initializes all components and starts the message processing loop.
func run(ctx context.Context) error {
	cfg, appLogger, setupErr := setupConfigAndLogger()
	if setupErr != nil {
		return setupErr
	}
	defer func() {
		if closeErr := appLogger.Close(); closeErr != nil {
			log.Printf("Warning: failed to close app logger: %v", closeErr)
		}
	}()

	natsConnection, connErr := nats.Connect(cfg.NATS.URL)
	if connErr != nil {
		return fmt.Errorf("failed to connect to NATS: %w", connErr)
	}
	defer natsConnection.Close()
	appLogger.Info("Connected to NATS server at %s", natsConnection.ConnectedUrl())

	jetStream, jsErr := jetstream.New(natsConnection)
	if jsErr != nil {
		return fmt.Errorf("failed to create JetStream context: %w", jsErr)
	}

	jsSetupErr := setupJetStream(ctx, jetStream, cfg)
	if jsSetupErr != nil {
		return fmt.Errorf("failed to set up JetStream resources: %w", jsSetupErr)
	}

	pdfStore, pdfStoreErr := jetStream.ObjectStore(ctx, cfg.NATS.PDFObjectStoreBucket)
	if pdfStoreErr != nil {
		return fmt.Errorf("failed to bind to PDF object store: %w", pdfStoreErr)
	}

	pngStore, pngStoreErr := jetStream.ObjectStore(ctx, cfg.NATS.PNGObjectStoreBucket)
	if pngStoreErr != nil {
		return fmt.Errorf("failed to bind to PNG object store: %w", pngStoreErr)
	}

	loader := engine.NewLoader(cfg.Engine)
	loader.RegisterSource(objectStoreScheme, objectStoreSource(pdfStore))

	pdfEngine, engineErr := engine.New(cfg.Engine, loader)
	if engineErr != nil {
		return fmt.Errorf("failed to create PDF engine: %w", engineErr)
	}
	defer func() {
		if closeErr := pdfEngine.Close(); closeErr != nil {
			appLogger.Warn("Failed to close PDF engine: %v", closeErr)
		}
	}()

	detector, detectorErr := newDetector(cfg.BlankDetection)
	if detectorErr != nil {
		return detectorErr
	}

	defaults := baseOptions(cfg.Render)
	rasterizer := rasterize.New(pdfEngine, appLogger)

	if cfg.HTTP.Addr != "" {
		httpLoader := loader.Restrict([]string{"http", "https", objectStoreScheme}, cfg.HTTP.AllowedHosts)

		httpEngine, httpEngineErr := engine.New(cfg.Engine, httpLoader)
		if httpEngineErr != nil {
			return fmt.Errorf("failed to create HTTP PDF engine: %w", httpEngineErr)
		}
		defer func() {
			if closeErr := httpEngine.Close(); closeErr != nil {
				appLogger.Warn("Failed to close HTTP PDF engine: %v", closeErr)
			}
		}()

		server := httpapi.New(rasterize.New(httpEngine, appLogger), defaults, appLogger)
		stopHTTP := startHTTPServer(ctx, server, cfg.HTTP.Addr, appLogger)
		defer stopHTTP()
	}

	consumer, consumerErr := jetStream.Consumer(
		ctx,
		cfg.NATS.RequestStreamName,
		cfg.NATS.RequestConsumerName,
	)
	if consumerErr != nil {
		return fmt.Errorf("failed to get consumer: %w", consumerErr)
	}

	svc := &service{
		results:    jetStream,
		progress:   natsConnection,
		pngStore:   pngStore,
		rasterizer: rasterizer,
		detector:   detector,
		cfg:        cfg,
		appLogger:  appLogger,
		defaults:   defaults,
	}

	appLogger.Info("Worker is running, listening for jobs on '%s'...", cfg.NATS.RequestSubject)

	return processMessages(ctx, consumer, svc)
}

// setupConfigAndLogger loads configuration and sets up the main application logger.
func setupConfigAndLogger() (*Config, *logger.Logger, error) {
	var cfg Config

	tempLogger, tempLoggerErr := logger.New(os.TempDir(), bootstrapLogFileName)
	if tempLoggerErr != nil {
		return nil, nil, fmt.Errorf("failed to create bootstrap logger: %w", tempLoggerErr)
	}
	defer func() {
		if closeErr := tempLogger.Close(); closeErr != nil {
			log.Printf("Warning: failed to close temp logger: %v", closeErr)
		}
	}()

	if envErr := godotenv.Load(); envErr != nil {
		tempLogger.Info("No .env file loaded: %v", envErr)
	}

	configURL := os.Getenv(configURLEnv)
	if configURL == "" {
		return nil, nil, ErrMissingConfigURL
	}

	loadErr := configurator.LoadFromURL(configURL, &cfg, tempLogger)
	if loadErr != nil {
		return nil, nil, fmt.Errorf(
			"failed to load configuration from URL %s: %w",
			configURL,
			loadErr,
		)
	}
	log.Printf("Configuration loaded from %s", configURL)

	appLogger, loggerErr := logger.New(cfg.Paths.BaseLogsDir, serviceLogFileName)
	if loggerErr != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", loggerErr)
	}

	return &cfg, appLogger, nil
}

// baseOptions turns the render section into the service's default Options.
func baseOptions(render RenderConfig) rasterize.Options {
	opts := rasterize.DefaultOptions()
	opts.Workers = defaultWorkerCount

	if render.Scale > 0 {
		opts.Scale = render.Scale
	}

	if render.Workers > 0 {
		opts.Workers = render.Workers
	}

	if render.Precision > 0 {
		opts.Precision = render.Precision
	}

	if render.Thumbnails != nil {
		opts.Thumbnails = *render.Thumbnails
	}

	return opts
}

// newDetector returns nil when blank detection is disabled.
func newDetector(cfg BlankDetectionConfig) (*blank.Detector, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	fuzzPercent, threshold := cfg.FuzzPercent, cfg.NonWhiteThreshold
	if fuzzPercent == 0 && threshold == 0 {
		fuzzPercent, threshold = blank.DefaultFuzzPercent, blank.DefaultNonWhiteThreshold
	}

	detector, detectorErr := blank.NewDetector(fuzzPercent, threshold)
	if detectorErr != nil {
		return nil, fmt.Errorf("invalid blank_detection settings: %w", detectorErr)
	}

	return detector, nil
}

// startHTTPServer serves the HTTP API until ctx is done. The returned
// function waits for the server to stop.
func startHTTPServer(
	ctx context.Context,
	server *httpapi.Server,
	addr string,
	appLogger *logger.Logger,
) func() {
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		if startErr := server.Start(addr); startErr != nil {
			appLogger.Error("HTTP API stopped: %v", startErr)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()

		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			appLogger.Warn("HTTP API shutdown: %v", shutdownErr)
		}
	}()

	return func() { <-stopped }
}

// setupJetStream ensures all required NATS streams and object stores exist.
func setupJetStream(ctx context.Context, jetStream jetstream.JetStream, cfg *Config) error {
	requestStreamCfg := newStreamConfig(cfg.NATS.RequestStreamName, cfg.NATS.RequestSubject)

	_, streamErr := jetStream.CreateStream(ctx, *requestStreamCfg)
	if streamErr != nil && !errors.Is(streamErr, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create request stream: %w", streamErr)
	}

	stream, streamErr := jetStream.Stream(ctx, cfg.NATS.RequestStreamName)
	if streamErr != nil {
		return fmt.Errorf("failed to get request stream handle: %w", streamErr)
	}

	_, consumerErr := stream.CreateOrUpdateConsumer(ctx, *newConsumerConfig(cfg))
	if consumerErr != nil {
		return fmt.Errorf("failed to create request consumer: %w", consumerErr)
	}

	resultStreamCfg := newStreamConfig(
		cfg.NATS.ResultStreamName,
		cfg.NATS.ResultSubject,
		cfg.NATS.FailedSubject,
	)

	_, resultStreamErr := jetStream.CreateStream(ctx, *resultStreamCfg)
	if resultStreamErr != nil && !errors.Is(resultStreamErr, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create result stream: %w", resultStreamErr)
	}

	for _, bucket := range []string{cfg.NATS.PDFObjectStoreBucket, cfg.NATS.PNGObjectStoreBucket} {
		_, objStoreErr := jetStream.CreateObjectStore(ctx, *newObjectStoreConfig(bucket))
		if objStoreErr != nil && !errors.Is(objStoreErr, jetstream.ErrBucketExists) {
			return fmt.Errorf("failed to create object store '%s': %w", bucket, objStoreErr)
		}
	}

	return nil
}

func newStreamConfig(name string, subjects ...string) *jetstream.StreamConfig {
	filtered := make([]string, 0, len(subjects))

	for _, subject := range subjects {
		if subject != "" {
			filtered = append(filtered, subject)
		}
	}

	return &jetstream.StreamConfig{
		Name:                   name,
		Description:            "",
		Subjects:               filtered,
		Retention:              jetstream.WorkQueuePolicy,
		MaxConsumers:           -1,
		MaxMsgs:                -1,
		MaxBytes:               -1,
		Discard:                jetstream.DiscardOld,
		DiscardNewPerSubject:   false,
		MaxAge:                 0,
		MaxMsgsPerSubject:      -1,
		MaxMsgSize:             -1,
		Storage:                jetstream.FileStorage,
		Replicas:               1,
		NoAck:                  false,
		Duplicates:             0,
		Placement:              nil,
		Mirror:                 nil,
		Sources:                nil,
		Sealed:                 false,
		DenyDelete:             false,
		DenyPurge:              false,
		AllowRollup:            false,
		Compression:            jetstream.NoCompression,
		FirstSeq:               0,
		SubjectTransform:       nil,
		RePublish:              nil,
		AllowDirect:            false,
		MirrorDirect:           false,
		ConsumerLimits:         jetstream.StreamConsumerLimits{},
		Metadata:               nil,
		Template:               "",
		AllowMsgTTL:            false,
		SubjectDeleteMarkerTTL: 0,
	}
}

func newConsumerConfig(cfg *Config) *jetstream.ConsumerConfig {
	return &jetstream.ConsumerConfig{
		Durable:            cfg.NATS.RequestConsumerName,
		Name:               "",
		Description:        "",
		FilterSubject:      cfg.NATS.RequestSubject,
		AckPolicy:          jetstream.AckExplicitPolicy,
		AckWait:            ackWait,
		MaxDeliver:         maxDeliver,
		DeliverPolicy:      jetstream.DeliverAllPolicy,
		OptStartSeq:        0,
		OptStartTime:       nil,
		BackOff:            nil,
		ReplayPolicy:       jetstream.ReplayInstantPolicy,
		RateLimit:          0,
		SampleFrequency:    "",
		MaxWaiting:         0,
		MaxAckPending:      -1,
		HeadersOnly:        false,
		MaxRequestBatch:    0,
		MaxRequestExpires:  0,
		MaxRequestMaxBytes: 0,
		InactiveThreshold:  0,
		Replicas:           0,
		MemoryStorage:      false,
		FilterSubjects:     nil,
		Metadata:           nil,
		PauseUntil:         nil,
		PriorityPolicy:     0,
		PinnedTTL:          0,
		PriorityGroups:     nil,
		DeliverSubject:     "",
		DeliverGroup:       "",
		FlowControl:        false,
		IdleHeartbeat:      0,
	}
}

func newObjectStoreConfig(bucket string) *jetstream.ObjectStoreConfig {
	return &jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "",
		TTL:         0,
		MaxBytes:    -1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Compression: false,
		Metadata:    nil,
	}
}

// processMessages implements the core worker loop.
func processMessages(ctx context.Context, consumer jetstream.Consumer, svc *service) error {
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("context error in message loop: %w", ctxErr)
		}

		batch, fetchErr := consumer.Fetch(1, jetstream.FetchMaxWait(natsFetchTimeout))
		if fetchErr != nil {
			if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, nats.ErrTimeout) {
				continue
			}

			svc.appLogger.Error("Error fetching messages: %v", fetchErr)

			continue
		}

		for msg := range batch.Messages() {
			svc.handleMessage(ctx, msg)
		}

		if batchErr := batch.Error(); batchErr != nil {
			svc.appLogger.Error("Error during message batch processing: %v", batchErr)
		}
	}
}
