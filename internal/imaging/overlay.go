package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"
)

// PreviewSegments renders the working image with detected segments drawn on
// top, for tuning the detector knobs by eye.
//
// Parameters:
//   - img: The working image. It is copied, never modified.
//   - segs: Segments to draw.
//   - colorHex: Stroke colour as "#RRGGBB" (or "#RGB").
//   - width: Stroke width in pixels.
//   - labels: If true, each segment is tagged with its index near its first endpoint.
//
// Returns an error if colorHex cannot be parsed.
func PreviewSegments(img *image.NRGBA, segs []Segment, colorHex string, width int, labels bool) (*image.NRGBA, error) {
	c, err := colorful.Hex(colorHex)
	if err != nil {
		return nil, fmt.Errorf("invalid overlay color %q: %w", colorHex, err)
	}
	r, g, b := c.RGB255()
	stroke := color.NRGBA{R: r, G: g, B: b, A: 255}

	bounds := img.Bounds()
	result := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(result, result.Bounds(), img, bounds.Min, draw.Src)

	// paint into a scratch mask so strokes share EraseSegments' geometry
	mask := image.NewGray(result.Bounds())
	for _, s := range segs {
		paintStroke(mask, s, float64(maxInt(width, 1))/2, White)
	}
	for i, v := range mask.Pix {
		if v == White {
			result.Pix[i*4] = stroke.R
			result.Pix[i*4+1] = stroke.G
			result.Pix[i*4+2] = stroke.B
			result.Pix[i*4+3] = 255
		}
	}

	if labels {
		fg := color.NRGBA{255, 255, 255, 255}
		bg := color.NRGBA{R: r, G: g, B: b, A: 255}
		for i, s := range segs {
			drawLabel(result, s.X1+2, s.Y1+2, strconv.Itoa(i), fg, bg)
		}
	}
	return result, nil
}

// drawLabel draws a small digit label at the given position using a 3x5
// pixel font.
func drawLabel(img *image.NRGBA, x, y int, text string, fg, bg color.NRGBA) {
	glyphs := map[rune][]string{
		'0': {"111", "101", "101", "101", "111"},
		'1': {"010", "110", "010", "010", "111"},
		'2': {"111", "001", "111", "100", "111"},
		'3': {"111", "001", "111", "001", "111"},
		'4': {"101", "101", "111", "001", "001"},
		'5': {"111", "100", "111", "001", "111"},
		'6': {"111", "100", "111", "101", "111"},
		'7': {"111", "001", "001", "001", "001"},
		'8': {"111", "101", "111", "101", "111"},
		'9': {"111", "101", "111", "001", "111"},
	}

	bounds := img.Bounds()
	charWidth := 4
	labelWidth := len(text) * charWidth
	labelHeight := 7

	for dy := -1; dy < labelHeight; dy++ {
		for dx := -1; dx < labelWidth; dx++ {
			px, py := x+dx, y+dy
			if (image.Point{px, py}).In(bounds) {
				img.SetNRGBA(px, py, bg)
			}
		}
	}

	cx := x
	for _, ch := range text {
		glyph, ok := glyphs[ch]
		if !ok {
			cx += charWidth
			continue
		}
		for row, line := range glyph {
			for col, pixel := range line {
				if pixel != '1' {
					continue
				}
				px, py := cx+col, y+row
				if (image.Point{px, py}).In(bounds) {
					img.SetNRGBA(px, py, fg)
				}
			}
		}
		cx += charWidth
	}
}
