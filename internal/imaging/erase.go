package imaging

import (
	"image"
	"math"
)

// Segment is a detected line segment in working-image pixel coordinates.
// Endpoint order carries no meaning.
type Segment struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Length returns the Euclidean length of the segment.
func (s Segment) Length() float64 {
	return math.Hypot(float64(s.X2-s.X1), float64(s.Y2-s.Y1))
}

// EraseSegments paints every segment over a copy of mask in the given colour.
//
// A pixel is painted when its centre lies within width/2 of the segment, which
// gives round caps and a stroke of constant width at any angle. Endpoints are
// used as given, without extension. mask itself is never written; the result
// is always a fresh buffer, even when segs is empty.
func EraseSegments(mask *image.Gray, segs []Segment, width int, background uint8) *image.Gray {
	b := mask.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], mask.Pix[mask.PixOffset(b.Min.X, b.Min.Y+y):])
	}

	if width < 1 {
		width = 1
	}
	for _, s := range segs {
		paintStroke(out, s, float64(width)/2, background)
	}
	return out
}

// paintStroke sets every pixel within radius of segment s to v.
func paintStroke(img *image.Gray, s Segment, radius float64, v uint8) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	pad := int(math.Ceil(radius))

	minX := clamp(minInt(s.X1, s.X2)-pad, 0, w-1)
	maxX := clamp(maxInt(s.X1, s.X2)+pad, 0, w-1)
	minY := clamp(minInt(s.Y1, s.Y2)-pad, 0, h-1)
	maxY := clamp(maxInt(s.Y1, s.Y2)+pad, 0, h-1)

	ax, ay := float64(s.X1), float64(s.Y1)
	dx, dy := float64(s.X2-s.X1), float64(s.Y2-s.Y1)
	lenSq := dx*dx + dy*dy
	r2 := radius * radius

	for y := minY; y <= maxY; y++ {
		row := y * img.Stride
		for x := minX; x <= maxX; x++ {
			px, py := float64(x)-ax, float64(y)-ay
			t := 0.0
			if lenSq > 0 {
				t = (px*dx + py*dy) / lenSq
				if t < 0 {
					t = 0
				} else if t > 1 {
					t = 1
				}
			}
			ex, ey := px-t*dx, py-t*dy
			if ex*ex+ey*ey <= r2 {
				img.Pix[row+x] = v
			}
		}
	}
}

// clamp constrains an integer value to the range [lo, hi].
func clamp(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
