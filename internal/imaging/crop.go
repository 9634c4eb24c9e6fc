package imaging

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// ErrInvalidCropRegion is returned for empty crop rectangles or rectangles that
// do not fit inside the source image once mapped to native pixels.
var ErrInvalidCropRegion = errors.New("invalid crop region")

// CropRegion is a crop rectangle in display coordinates, i.e. the coordinates
// of the image as it was presented to the user after on-screen scaling.
type CropRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DisplaySize is the size the source image was displayed at when the crop was
// drawn.
type DisplaySize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Scale returns the display-to-native scale factors for a source of the given
// native size: scaleX = nativeWidth/displayWidth, scaleY = nativeHeight/displayHeight.
func (d DisplaySize) Scale(nativeWidth, nativeHeight int) (scaleX, scaleY float64) {
	return float64(nativeWidth) / d.Width, float64(nativeHeight) / d.Height
}

// NativeRect maps a display-space crop region to native pixel coordinates.
//
// The origin and size are each scaled and rounded to the nearest pixel, so the
// result is round(w*scaleX) x round(h*scaleY). A rectangle overshooting the
// source by less than one pixel (rounding of fractional display coordinates)
// is clamped to the image; anything further out is rejected.
//
// # Errors
//
//   - Wraps ErrInvalidCropRegion if the region has zero or negative area
//   - Wraps ErrInvalidCropRegion if the display size is not positive
//   - Wraps ErrInvalidCropRegion if the mapped rectangle leaves the image
func NativeRect(region CropRegion, display DisplaySize, nativeWidth, nativeHeight int) (image.Rectangle, error) {
	if !(region.Width > 0) || !(region.Height > 0) {
		return image.Rectangle{}, fmt.Errorf("%w: %gx%g has no area", ErrInvalidCropRegion, region.Width, region.Height)
	}
	if !(display.Width > 0) || !(display.Height > 0) {
		return image.Rectangle{}, fmt.Errorf("%w: display size %gx%g", ErrInvalidCropRegion, display.Width, display.Height)
	}

	sx, sy := display.Scale(nativeWidth, nativeHeight)
	x := region.X * sx
	y := region.Y * sy
	w := region.Width * sx
	h := region.Height * sy

	// tolerate sub-pixel overshoot from rounding, nothing more
	const slack = 1.0
	if x < -slack || y < -slack || x+w > float64(nativeWidth)+slack || y+h > float64(nativeHeight)+slack {
		return image.Rectangle{}, fmt.Errorf("%w: (%.1f,%.1f)+(%.1fx%.1f) outside native image %dx%d",
			ErrInvalidCropRegion, x, y, w, h, nativeWidth, nativeHeight)
	}

	x0 := int(math.Round(x))
	y0 := int(math.Round(y))
	rect := image.Rect(x0, y0, x0+int(math.Round(w)), y0+int(math.Round(h)))
	rect = rect.Intersect(image.Rect(0, 0, nativeWidth, nativeHeight))
	if rect.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: rounds to an empty native rectangle", ErrInvalidCropRegion)
	}
	return rect, nil
}

// ExtractRegion produces a working image holding exactly the pixels inside the
// native rectangle that region maps to.
//
// Parameters:
//   - src: The source image.
//   - region: Crop rectangle in display coordinates.
//   - display: The display size at crop time.
//
// Returns:
//   - *image.NRGBA: A fresh raster with bounds starting at (0,0). Pixels are
//     copied one to one, without resampling.
//   - error: Wraps ErrInvalidCropRegion; see NativeRect.
func ExtractRegion(src *SourceImage, region CropRegion, display DisplaySize) (*image.NRGBA, error) {
	rect, err := NativeRect(region, display, src.Width(), src.Height())
	if err != nil {
		return nil, err
	}
	return imaging.Crop(src.Pixels, rect), nil
}

// WholeImage returns the source raster as the working image. No copy is made;
// the caller must treat the result as immutable, as it does the source.
func WholeImage(src *SourceImage) *image.NRGBA {
	return src.Pixels
}
