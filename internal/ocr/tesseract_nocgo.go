//go:build !cgo

package ocr

import (
	"context"
	"fmt"
	"image"
)

// TesseractEngine is unavailable without cgo; use WasmEngine instead.
type TesseractEngine struct{}

// NewTesseractEngine always fails in binaries built without cgo.
func NewTesseractEngine(tessdataDir, language string) (*TesseractEngine, error) {
	return nil, fmt.Errorf("%w: native tesseract needs cgo, set OCRPREP_ENGINE=wasm", ErrEngineUnavailable)
}

// Recognize implements Engine.
func (e *TesseractEngine) Recognize(ctx context.Context, img image.Image, events chan<- Event) (string, error) {
	return "", ErrEngineUnavailable
}

// Close implements Engine.
func (e *TesseractEngine) Close() error { return nil }
