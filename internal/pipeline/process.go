package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/ironsheep/ocr-prep-mcp/internal/detection"
	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
)

// Settings configures the numeric stages.
type Settings struct {
	// Hough holds the line detector knobs.
	Hough detection.Params

	// EraseWidth is the stroke width, in pixels, used to paint lines out.
	EraseWidth int
}

// DefaultSettings returns detector defaults and a 2 px erase stroke.
func DefaultSettings() Settings {
	return Settings{
		Hough:      detection.DefaultParams(),
		EraseWidth: 2,
	}
}

// Result is one completed binarize, detect, erase run.
//
// Image is the ProcessedImage. It is allocated per run and never written after
// the run returns, so it may be handed to recognition while a newer run is in
// flight.
type Result struct {
	Image      *image.Gray       `json:"-"`
	Threshold  uint8             `json:"threshold"`
	Segments   []imaging.Segment `json:"segments"`
	OtsuLevel  uint8             `json:"otsu_level"`
	Degenerate bool              `json:"degenerate"`
	Generation uint64            `json:"generation"`
	Elapsed    time.Duration     `json:"elapsed_ns"`
}

// Process runs the numeric stages on a working image.
//
// A panic inside any stage is recovered and reported as ErrProcessingFailure;
// partial results are dropped. Cancellation of ctx is returned as ctx.Err().
//
// A degenerate structure mask (single gray level) has no edges, so line
// detection is skipped and the output mask is returned unchanged.
func Process(ctx context.Context, working *image.NRGBA, threshold uint8, s Settings) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: %v", ErrProcessingFailure, r)
		}
	}()

	if working == nil {
		return nil, fmt.Errorf("%w: no working image", ErrProcessingFailure)
	}
	start := time.Now()

	masks := imaging.Binarize(working, threshold)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var segs []imaging.Segment
	if !masks.Degenerate {
		segs, err = detection.DetectSegments(ctx, masks.Structure, s.Hough)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: detect lines: %v", ErrProcessingFailure, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := imaging.EraseSegments(masks.Output, segs, s.EraseWidth, imaging.White)

	return &Result{
		Image:      out,
		Threshold:  threshold,
		Segments:   segs,
		OtsuLevel:  masks.OtsuLevel,
		Degenerate: masks.Degenerate,
		Elapsed:    time.Since(start),
	}, nil
}
