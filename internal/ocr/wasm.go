package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/danlock/gogosseract"

	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
)

// WasmEngine recognizes text with Tesseract compiled to WebAssembly.
type WasmEngine struct {
	mu   sync.Mutex
	tess *gogosseract.Tesseract
}

// NewWasmEngine compiles the Tesseract module and loads
// <tessdataDir>/<language>.traineddata into it. Compilation takes a few
// seconds, so the vision runtime does it once during activation.
func NewWasmEngine(ctx context.Context, tessdataDir, language string) (*WasmEngine, error) {
	f, err := os.Open(filepath.Join(tessdataDir, language+".traineddata"))
	if err != nil {
		return nil, fmt.Errorf("failed to open training data: %w", err)
	}
	defer f.Close()

	cfg := gogosseract.Config{Language: language, TrainingData: f}
	cfg.Stdout = io.Discard
	cfg.Stderr = io.Discard
	tess, err := gogosseract.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start tesseract wasm: %w", err)
	}
	return &WasmEngine{tess: tess}, nil
}

// Recognize implements Engine.
func (e *WasmEngine) Recognize(ctx context.Context, img image.Image, events chan<- Event) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	emit(ctx, events, Event{Phase: PhaseLoadingImage, Progress: 0})
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return "", err
	}
	if err := e.tess.LoadImage(ctx, bytes.NewReader(data), gogosseract.LoadImageOptions{}); err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}
	emit(ctx, events, Event{Phase: PhaseLoadingImage, Progress: 1})

	text, err := e.tess.GetText(ctx, func(progress int32) {
		emit(ctx, events, Event{Phase: PhaseRecognizing, Progress: float64(progress) / 100})
	})
	if err != nil {
		return "", fmt.Errorf("OCR failed: %w", err)
	}
	return text, nil
}

// Close implements Engine.
func (e *WasmEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tess.Close(context.Background())
}

// NewEngine builds the engine named by kind: "tesseract" or "wasm".
func NewEngine(ctx context.Context, kind, tessdataDir, language string) (Engine, error) {
	switch kind {
	case "tesseract":
		e, err := NewTesseractEngine(tessdataDir, language)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "wasm":
		e, err := NewWasmEngine(ctx, tessdataDir, language)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", ErrEngineUnavailable, kind)
	}
}
