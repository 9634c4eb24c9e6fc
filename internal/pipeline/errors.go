package pipeline

import "errors"

var (
	// ErrProcessingFailure wraps any failure of a numeric stage.
	ErrProcessingFailure = errors.New("processing failure")

	// ErrRuntimeNotReady is returned by every entry point until the vision
	// runtime reports ready.
	ErrRuntimeNotReady = errors.New("vision runtime not ready")

	// ErrNoImage is returned when an operation needs an image that has not
	// been selected yet.
	ErrNoImage = errors.New("no image selected")

	// ErrInvalidState is returned for transitions the current state does not
	// allow, such as cropping twice without ResetCrop.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrInvalidThreshold is returned for thresholds outside 0-255.
	ErrInvalidThreshold = errors.New("threshold must be within 0-255")
)
