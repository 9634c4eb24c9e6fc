package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/nats-io/nats.go/micro"

	"github.com/ironsheep/ocr-prep-mcp/internal/config"
	"github.com/ironsheep/ocr-prep-mcp/internal/detection"
	"github.com/ironsheep/ocr-prep-mcp/internal/httpapi"
	"github.com/ironsheep/ocr-prep-mcp/internal/natsvc"
	"github.com/ironsheep/ocr-prep-mcp/internal/ocr"
	"github.com/ironsheep/ocr-prep-mcp/internal/pipeline"
	"github.com/ironsheep/ocr-prep-mcp/internal/server"
	"github.com/ironsheep/ocr-prep-mcp/internal/store"
	"github.com/ironsheep/ocr-prep-mcp/internal/visionrt"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	mode := "mcp"
	// Handle --version and -v flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Printf("ocr-prep-mcp %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
			return
		case "--help", "-h", "help":
			printHelp()
			return
		case "serve":
			mode = "serve"
		default:
			fmt.Fprintf(os.Stderr, "unknown argument %q, see --help\n", os.Args[1])
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// stdout is reserved for the MCP protocol
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Debug("starting", "version", Version, "build_time", BuildTime, "commit", GitCommit, "mode", mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, mode); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("ocr-prep-mcp - OCR preprocessing for photographed Japanese text")
	fmt.Println()
	fmt.Println("Usage: ocr-prep-mcp [serve] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none)           Serve MCP over stdin/stdout")
	fmt.Println("  serve            Serve the HTTP API on OCRPREP_HTTP_ADDR")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --version, -v    Print version information")
	fmt.Println("  --help, -h       Print this help message")
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Println("  OCRPREP_LOG_LEVEL=DEBUG        Log level (DEBUG, INFO, WARN, ERROR)")
	fmt.Println("  OCRPREP_LANGUAGE=jpn           Recognition language")
	fmt.Println("  OCRPREP_ENGINE=tesseract       tesseract (native) or wasm")
	fmt.Println("  OCRPREP_TESSDATA_DIR           Training data directory")
	fmt.Println("  OCRPREP_DEFAULT_THRESHOLD=135  Initial manual threshold")
	fmt.Println("  OCRPREP_UPLOAD_DIR             Where processed images are saved")
	fmt.Println("  OCRPREP_NATS_URL               Save to a NATS object store instead")
	fmt.Println("  OCRPREP_NATS_EMBED_DIR         Run an embedded NATS server with this store dir")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, mode string) error {
	recognizer := ocr.NewAdapter(nil, logger.With("component", "ocr"))
	defer recognizer.Close()

	engineKind := strings.ToLower(cfg.Engine)
	rt := visionrt.New(visionrt.Options{
		Language:    cfg.Language,
		TessdataDir: cfg.TessdataDir,
		DownloadURL: cfg.TessdataURL,
		Logger:      logger.With("component", "visionrt"),
		Warmup: func(ctx context.Context, dir string) error {
			engine, err := ocr.NewEngine(ctx, engineKind, dir, cfg.Language)
			if err != nil {
				return err
			}
			if prev := recognizer.SetEngine(engine); prev != nil {
				prev.Close()
			}
			return nil
		},
	})

	settings := pipeline.Settings{
		Hough: detection.Params{
			RhoStep:   1,
			ThetaStep: detection.DefaultParams().ThetaStep,
			Threshold: cfg.HoughThreshold,
			MinLength: cfg.HoughMinLength,
			MaxGap:    cfg.HoughMaxGap,
			Seed:      cfg.HoughSeed,
		},
		EraseWidth: cfg.EraseWidth,
	}
	session := pipeline.NewSession(rt, pipeline.Options{
		Settings:         settings,
		DefaultThreshold: uint8(cfg.DefaultThreshold),
		Debounce:         cfg.Debounce,
		MaxImageBytes:    cfg.MaxImageSizeBytes,
		Logger:           logger.With("component", "pipeline"),
	})
	defer session.Close()

	st, svc, cleanup, err := openStore(ctx, cfg, logger, rt, session, settings)
	if err != nil {
		return err
	}
	defer cleanup()
	if svc != nil {
		defer svc.Stop()
	}

	// activation downloads training data, so it starts right away
	go func() {
		if err := rt.Activate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("vision runtime unavailable", "err", err)
		}
	}()

	if mode == "serve" {
		return serveHTTP(ctx, cfg, logger, rt, session, recognizer, st)
	}

	server.Version = Version
	srv := server.New(server.Options{
		Config:     cfg,
		Runtime:    rt,
		Session:    session,
		Recognizer: recognizer,
		Store:      st,
		Logger:     logger.With("component", "mcp"),
	})
	return srv.Run(ctx, os.Stdin, os.Stdout)
}

// openStore picks the persistence backend. With NATS configured, the
// pipeline is also registered as a micro service on the same connection.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	rt *visionrt.Runtime, session *pipeline.Session, settings pipeline.Settings,
) (store.Store, micro.Service, func(), error) {
	if cfg.NatsURL == "" && cfg.NatsEmbedDir == "" {
		logger.Info("saving processed images to directory", "dir", cfg.UploadDir)
		return store.NewFileStore(cfg.UploadDir, cfg.UploadURLPrefix), nil, func() {}, nil
	}

	nc, ns, err := store.Connect(cfg.NatsURL, cfg.NatsEmbedDir, cfg.NatsTimeout)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		nc.Drain()
		if ns != nil {
			ns.Shutdown()
		}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to open JetStream: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.NatsTimeout)
	defer cancel()
	objects, err := store.NewObjectStore(ctx, js, cfg.NatsBucket)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	svc, err := natsvc.Register(nc, natsvc.Options{
		Runtime:          rt,
		Session:          session,
		Store:            objects,
		Settings:         settings,
		DefaultThreshold: uint8(cfg.DefaultThreshold),
		MaxImageBytes:    cfg.MaxImageSizeBytes,
		Version:          strings.TrimPrefix(Version, "v"),
		Logger:           logger.With("component", "natsvc"),
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to register NATS service: %w", err)
	}
	logger.Info("saving processed images to NATS object store", "bucket", cfg.NatsBucket, "embedded", ns != nil)
	return objects, svc, cleanup, nil
}

func serveHTTP(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	rt *visionrt.Runtime, session *pipeline.Session, recognizer *ocr.Adapter, st store.Store,
) error {
	opts := httpapi.Options{
		Runtime:       rt,
		Session:       session,
		Recognizer:    recognizer,
		Store:         st,
		MaxImageBytes: cfg.MaxImageSizeBytes,
		Logger:        logger.With("component", "http"),
	}
	if fs, ok := st.(*store.FileStore); ok {
		opts.UploadDir = fs.Dir()
		opts.UploadURLPrefix = cfg.UploadURLPrefix
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP server started", "address", srv.Addr)
	defer logger.Info("HTTP server stopped")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
