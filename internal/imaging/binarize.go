package imaging

import (
	"image"

	"github.com/anthonynsimon/bild/histogram"
	"github.com/anthonynsimon/bild/parallel"
)

// Mask levels. Masks never hold any other value.
const (
	Black uint8 = 0
	White uint8 = 255
)

// DegenerateLevel is the cut point used when the histogram has a single
// populated level and every candidate split has zero variance.
const DegenerateLevel uint8 = 127

// Masks holds the two binary masks derived from one working image.
type Masks struct {
	// Structure is the automatic-threshold mask, inverted so that ink is White
	// and background Black. It feeds line detection and is never shown.
	Structure *image.Gray

	// Output is the manual-threshold mask: gray >= threshold is White, the
	// rest Black. Dark text on a light background, as recognition expects.
	Output *image.Gray

	// OtsuLevel is the automatic cut point; pixels above it count as background.
	OtsuLevel uint8

	// Degenerate reports a single-level histogram, where OtsuLevel fell back
	// to DegenerateLevel.
	Degenerate bool
}

// Binarize converts a working image into the structure and output masks.
//
// Both masks are computed from the same Grayscale conversion. The working
// image is only read.
func Binarize(img *image.NRGBA, manualThreshold uint8) *Masks {
	gray := Grayscale(img)
	level, degenerate := OtsuLevel(gray)

	structure := mapGray(gray, func(v uint8) uint8 {
		if v > level {
			return Black
		}
		return White
	})
	output := mapGray(gray, func(v uint8) uint8 {
		if v >= manualThreshold {
			return White
		}
		return Black
	})

	return &Masks{
		Structure:  structure,
		Output:     output,
		OtsuLevel:  level,
		Degenerate: degenerate,
	}
}

// Grayscale converts an NRGBA raster to 8-bit luma with the fixed BT.601
// weights documented on the package. Alpha is ignored.
func Grayscale(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	gray := image.NewGray(image.Rect(0, 0, width, height))

	parallel.Line(height, func(start, end int) {
		for y := start; y < end; y++ {
			si := img.PixOffset(b.Min.X, b.Min.Y+y)
			di := y * gray.Stride
			for x := 0; x < width; x++ {
				r := uint32(img.Pix[si])
				g := uint32(img.Pix[si+1])
				bl := uint32(img.Pix[si+2])
				gray.Pix[di+x] = uint8((4899*r + 9617*g + 1868*bl + 8192) >> 14)
				si += 4
			}
		}
	})
	return gray
}

// OtsuLevel selects the global threshold that minimizes the intra-class
// variance of the two classes {v <= level} and {v > level}, which is the
// same as maximizing the between-class variance.
//
// The first level reaching the maximum wins. When the image has a single gray
// level no split exists; the function then returns DegenerateLevel and true.
func OtsuLevel(gray *image.Gray) (level uint8, degenerate bool) {
	bins := histogram.NewRGBAHistogram(gray).R.Bins

	var total, sum float64
	for i, n := range bins {
		total += float64(n)
		sum += float64(i) * float64(n)
	}

	best := -1.0
	found := -1
	var weightB, sumB float64
	for t := 0; t < len(bins); t++ {
		weightB += float64(bins[t])
		sumB += float64(t) * float64(bins[t])
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}
		meanB := sumB / weightB
		meanF := (sum - sumB) / weightF
		between := weightB * weightF * (meanB - meanF) * (meanB - meanF)
		if between > best {
			best = between
			found = t
		}
	}

	if found < 0 {
		return DegenerateLevel, true
	}
	return uint8(found), false
}

// mapGray applies fn to every pixel of src and returns a new image.
func mapGray(src *image.Gray, fn func(v uint8) uint8) *image.Gray {
	b := src.Bounds()
	width, height := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, width, height))

	parallel.Line(height, func(start, end int) {
		for y := start; y < end; y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			di := y * dst.Stride
			for x := 0; x < width; x++ {
				dst.Pix[di+x] = fn(src.Pix[si+x])
			}
		}
	})
	return dst
}
