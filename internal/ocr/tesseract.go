//go:build cgo

package ocr

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
)

// TesseractEngine recognizes text with the native Tesseract library.
//
// gosseract reports no incremental progress, so Recognize brackets the
// blocking call with 0 and 1 of the recognizing phase.
type TesseractEngine struct {
	mu     sync.Mutex
	client *gosseract.Client
}

// NewTesseractEngine creates a client for language reading training data from
// tessdataDir. An empty tessdataDir uses the library default.
func NewTesseractEngine(tessdataDir, language string) (*TesseractEngine, error) {
	client := gosseract.NewClient()

	if tessdataDir != "" {
		if err := client.SetTessdataPrefix(tessdataDir); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set tessdata path: %w", err)
		}
	}
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	client.DisableOutput()
	client.Trim = true

	return &TesseractEngine{client: client}, nil
}

// Recognize implements Engine.
func (e *TesseractEngine) Recognize(ctx context.Context, img image.Image, events chan<- Event) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	emit(ctx, events, Event{Phase: PhaseLoadingImage, Progress: 0})
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return "", err
	}
	if err := e.client.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}
	emit(ctx, events, Event{Phase: PhaseLoadingImage, Progress: 1})

	if err := ctx.Err(); err != nil {
		return "", err
	}
	emit(ctx, events, Event{Phase: PhaseRecognizing, Progress: 0})
	text, err := e.client.Text()
	if err != nil {
		return "", fmt.Errorf("OCR failed: %w", err)
	}
	emit(ctx, events, Event{Phase: PhaseRecognizing, Progress: 1})
	return text, nil
}

// Close implements Engine.
func (e *TesseractEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client.Close()
}
