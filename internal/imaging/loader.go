package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"os"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"  // Register BMP format decoder
	_ "golang.org/x/image/tiff" // Register TIFF format decoder (scanners)
	_ "golang.org/x/image/webp" // Register WebP format decoder (phone uploads)
)

// ErrDecodeFailure is returned when source bytes cannot be decoded as an image.
var ErrDecodeFailure = errors.New("decode failure")

// SourceImage is an immutable decoded raster.
//
// Pixels are held as non-premultiplied RGBA with bounds starting at (0,0).
// Nothing in this module writes to Pix after construction.
type SourceImage struct {
	// Pixels is the decoded raster.
	Pixels *image.NRGBA

	// Format is the decoder name reported by image.Decode ("png", "jpeg", ...).
	Format string

	// MimeType is the sniffed content type of the encoded bytes.
	MimeType string
}

// Width returns the native width in pixels.
func (s *SourceImage) Width() int { return s.Pixels.Bounds().Dx() }

// Height returns the native height in pixels.
func (s *SourceImage) Height() int { return s.Pixels.Bounds().Dy() }

// Decode turns encoded image bytes into a SourceImage.
//
// Parameters:
//   - data: The encoded file contents. PNG, JPEG, GIF, BMP, TIFF and WebP are
//     supported.
//   - maxBytes: Upper bound on len(data); 0 disables the check.
//
// Returns:
//   - *SourceImage: The decoded raster, normalized to *image.NRGBA.
//   - error: Wraps ErrDecodeFailure when the bytes are empty, too large, not an
//     image, or corrupt.
//
// The content type is sniffed before decoding so that a text or PDF upload is
// reported as such rather than as an opaque "unknown format".
func Decode(data []byte, maxBytes uint64) (*SourceImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecodeFailure)
	}
	if maxBytes > 0 && uint64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds limit of %s", ErrDecodeFailure,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(maxBytes))
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: content type %s is not an image", ErrDecodeFailure, mtype.String())
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecodeFailure, mtype.String(), err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecodeFailure)
	}

	return &SourceImage{
		Pixels:   imaging.Clone(img),
		Format:   format,
		MimeType: mtype.String(),
	}, nil
}

// FromImage wraps an already decoded image as a SourceImage.
// The pixels are copied, so later changes to img do not leak into the pipeline.
func FromImage(img image.Image) *SourceImage {
	return &SourceImage{
		Pixels:   imaging.Clone(img),
		Format:   "memory",
		MimeType: "image/x-raw",
	}
}

// ImageCache provides thread-safe caching of decoded source images to avoid
// redundant disk reads when the same file is selected again.
//
// The cache stores SourceImage values keyed by their file path. ImageCache is
// safe for concurrent use by multiple goroutines.
//
// # Memory Management
//
// Cached images remain in memory until explicitly removed via Evict() or Clear().
type ImageCache struct {
	mu       sync.RWMutex
	images   map[string]*SourceImage
	maxBytes uint64
}

// NewImageCache creates an empty cache. Files larger than maxBytes are rejected
// on load; 0 disables the limit.
func NewImageCache(maxBytes uint64) *ImageCache {
	return &ImageCache{
		images:   make(map[string]*SourceImage),
		maxBytes: maxBytes,
	}
}

// Load retrieves an image from the cache or decodes it from disk if not cached.
//
// The image is cached using the exact path string provided. Different paths to the
// same file (e.g., relative vs absolute) will result in separate cache entries.
//
// # Errors
//
//   - Returns error if the file does not exist or cannot be read
//   - Returns error wrapping ErrDecodeFailure if the file is not a supported image
func (c *ImageCache) Load(path string) (*SourceImage, error) {
	c.mu.RLock()
	if img, ok := c.images[path]; ok {
		c.mu.RUnlock()
		return img, nil
	}
	c.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	img, err := Decode(data, c.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	c.mu.Lock()
	c.images[path] = img
	c.mu.Unlock()

	return img, nil
}

// Clear removes all images from the cache.
func (c *ImageCache) Clear() {
	c.mu.Lock()
	c.images = make(map[string]*SourceImage)
	c.mu.Unlock()
}

// Evict removes a specific image from the cache by its path.
// If the path is not in the cache, this method does nothing.
func (c *ImageCache) Evict(path string) {
	c.mu.Lock()
	delete(c.images, path)
	c.mu.Unlock()
}

// Len reports how many images are cached.
func (c *ImageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images)
}
