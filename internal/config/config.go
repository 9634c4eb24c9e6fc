// Package config loads the server configuration from OCRPREP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go-simpler.org/env"
)

// Config represents the configuration of the preprocessing server.
type Config struct {
	// Log level (DEBUG, INFO, WARN, ERROR)
	LogLevelStr string `env:"OCRPREP_LOG_LEVEL" default:"INFO"`
	LogLevel    slog.Level

	// Tesseract language code handed to the recognition engine. Default: jpn
	Language string `env:"OCRPREP_LANGUAGE" default:"jpn"`
	// Recognition backend: "tesseract" (native, cgo) or "wasm" (gogosseract)
	Engine string `env:"OCRPREP_ENGINE" default:"tesseract"`
	// Directory holding <lang>.traineddata. Empty means <UserCacheDir>/ocr-prep-mcp/tessdata.
	TessdataDir string `env:"OCRPREP_TESSDATA_DIR"`
	// Download URL template for missing training data; %s is replaced by the language.
	// Empty disables downloading.
	TessdataURL string `env:"OCRPREP_TESSDATA_URL" default:"https://github.com/tesseract-ocr/tessdata_fast/raw/main/%s.traineddata"`

	// Manual threshold applied when a working image is first fixed
	DefaultThreshold int `env:"OCRPREP_DEFAULT_THRESHOLD" default:"135"`
	// Quiescence period before a threshold change re-runs the pipeline
	Debounce time.Duration `env:"OCRPREP_DEBOUNCE" default:"150ms"`

	// Minimum accumulator votes before a Hough line is traced
	HoughThreshold int `env:"OCRPREP_HOUGH_THRESHOLD" default:"50"`
	// Minimum segment length in pixels
	HoughMinLength int `env:"OCRPREP_HOUGH_MIN_LENGTH" default:"50"`
	// Maximum gap in pixels between collinear points of one segment
	HoughMaxGap int `env:"OCRPREP_HOUGH_MAX_GAP" default:"10"`
	// Seed for the point sampling order, fixed so reruns are reproducible
	HoughSeed int64 `env:"OCRPREP_HOUGH_SEED" default:"1"`
	// Stroke width used to paint detected lines out of the output mask
	EraseWidth int `env:"OCRPREP_ERASE_WIDTH" default:"2"`
	// Colour of detected segments in the line preview
	OverlayColor string `env:"OCRPREP_OVERLAY_COLOR" default:"#FF0000"`

	// Largest accepted source file, e.g. 25MiB
	MaxImageSize      string `env:"OCRPREP_MAX_IMAGE_SIZE" default:"25MiB"`
	MaxImageSizeBytes uint64

	// Directory processed images are written to
	UploadDir string `env:"OCRPREP_UPLOAD_DIR" default:"public/uploads"`
	// Prefix of the location string returned for saved images
	UploadURLPrefix string `env:"OCRPREP_UPLOAD_URL_PREFIX" default:"/uploads/"`
	// External NATS URL; when set processed images go to a JetStream object store
	NatsURL string `env:"OCRPREP_NATS_URL"`
	// Store directory of an in-process JetStream server, used when NatsURL is empty
	NatsEmbedDir string `env:"OCRPREP_NATS_EMBED_DIR"`
	// Object store bucket name
	NatsBucket string `env:"OCRPREP_NATS_BUCKET" default:"OCRPREP_PROCESSED"`
	// Timeout for the NATS connection
	NatsTimeout time.Duration `env:"OCRPREP_NATS_TIMEOUT" default:"5s"`

	// HTTP listen address for the serve command
	HTTPAddr string `env:"OCRPREP_HTTP_ADDR" default:":8080"`
}

// Load returns a config populated with defaults and values from environment vars.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(cfg.LogLevelStr)); err != nil {
		return nil, fmt.Errorf("parsing log level from env: %w", err)
	}
	size, err := humanize.ParseBytes(cfg.MaxImageSize)
	if err != nil {
		return nil, fmt.Errorf("parsing max image size from env: %w", err)
	}
	cfg.MaxImageSizeBytes = size
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that the env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.DefaultThreshold < 0 || c.DefaultThreshold > 255 {
		errs = append(errs, fmt.Errorf("default threshold %d outside 0-255", c.DefaultThreshold))
	}
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce must not be negative"))
	}
	if c.HoughThreshold < 1 || c.HoughMinLength < 1 || c.HoughMaxGap < 0 {
		errs = append(errs, fmt.Errorf("hough threshold and min length must be positive, max gap non-negative"))
	}
	if c.EraseWidth < 1 {
		errs = append(errs, fmt.Errorf("erase width must be at least 1"))
	}
	switch strings.ToLower(c.Engine) {
	case "tesseract", "wasm":
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q", c.Engine))
	}
	if c.Language == "" {
		errs = append(errs, fmt.Errorf("language must not be empty"))
	}
	return errors.Join(errs...)
}
