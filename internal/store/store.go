// Package store persists processed images and returns where they went.
//
// Two backends exist: a directory served under a URL prefix, and a NATS
// JetStream object store. Persistence is best effort; callers report a failed
// save as such and do not retry.
package store

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
)

// ErrEmptyImage is returned when there is nothing to store.
var ErrEmptyImage = errors.New("no image data")

// Store saves encoded PNG bytes and returns a location string.
type Store interface {
	Put(ctx context.Context, data []byte) (location string, err error)
}

// SaveImage encodes img as PNG and stores it.
func SaveImage(ctx context.Context, s Store, img image.Image) (string, error) {
	if img == nil {
		return "", ErrEmptyImage
	}
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return "", err
	}
	return s.Put(ctx, data)
}

// objectName names a stored image after its save time, as processed-<ms>.png.
func objectName(now time.Time) string {
	return fmt.Sprintf("processed-%d.png", now.UnixMilli())
}
