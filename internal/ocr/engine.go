package ocr

import (
	"context"
	"errors"
	"image"
)

// PhaseRecognizing is the only engine phase surfaced as progress.
const PhaseRecognizing = "recognizing text"

// Engine phases reported by the bundled engines besides PhaseRecognizing.
const (
	PhaseInitializing = "initializing tesseract"
	PhaseLoadingImage = "loading image"
)

var (
	// ErrRecognitionFailed wraps every failure of a recognition call.
	ErrRecognitionFailed = errors.New("recognition failed")

	// ErrRecognitionBusy is returned when a recognition is already in flight.
	ErrRecognitionBusy = errors.New("recognition already in progress")

	// ErrEngineUnavailable is returned when an engine cannot be built in this binary.
	ErrEngineUnavailable = errors.New("recognition engine unavailable")
)

// Event is one progress report from an engine.
type Event struct {
	// Phase names the engine step, e.g. PhaseRecognizing.
	Phase string

	// Progress is the completed fraction of Phase, from 0 to 1.
	Progress float64
}

// Engine is a text-recognition backend.
//
// Recognize may send any number of events while it runs and must not send
// after it returns. Sends should give up when ctx is done.
type Engine interface {
	Recognize(ctx context.Context, img image.Image, events chan<- Event) (string, error)
	Close() error
}

// emit sends ev unless ctx is done first.
func emit(ctx context.Context, events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
