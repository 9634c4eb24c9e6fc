package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"

	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
)

// Params configures the probabilistic Hough line detector.
//
// Threshold, MinLength and MaxGap trade recall against precision and depend on
// scan resolution, so they are configuration rather than constants.
type Params struct {
	// RhoStep is the distance resolution of the accumulator in pixels.
	RhoStep float64 `json:"rho_step"`

	// ThetaStep is the angular resolution of the accumulator in radians.
	ThetaStep float64 `json:"theta_step"`

	// Threshold is the minimum number of votes a (rho, theta) cell needs
	// before a segment is traced through it.
	Threshold int `json:"threshold"`

	// MinLength is the minimum extent, in pixels along x or y, of an
	// accepted segment.
	MinLength int `json:"min_length"`

	// MaxGap is the largest run of background pixels allowed between two
	// collinear foreground pixels of the same segment.
	MaxGap int `json:"max_gap"`

	// MaxLines stops detection after this many segments. 0 means no limit.
	MaxLines int `json:"max_lines"`

	// Seed fixes the order in which foreground pixels are sampled. Equal
	// seeds give identical output for identical masks.
	Seed int64 `json:"seed"`
}

// DefaultParams returns a 1 px / 1 degree accumulator with knobs suited to
// phone photos of A4 forms at roughly 1000 px width.
func DefaultParams() Params {
	return Params{
		RhoStep:   1,
		ThetaStep: math.Pi / 180,
		Threshold: 50,
		MinLength: 50,
		MaxGap:    10,
		Seed:      1,
	}
}

// Validate reports parameters the detector cannot run with.
func (p Params) Validate() error {
	if !(p.RhoStep > 0) || !(p.ThetaStep > 0) || p.ThetaStep > math.Pi {
		return fmt.Errorf("invalid accumulator resolution rho=%g theta=%g", p.RhoStep, p.ThetaStep)
	}
	if p.Threshold < 1 {
		return errors.New("threshold must be at least 1")
	}
	if p.MinLength < 0 || p.MaxGap < 0 || p.MaxLines < 0 {
		return errors.New("min length, max gap and max lines must not be negative")
	}
	return nil
}

// fixed-point precision of the line walk
const walkShift = 16

// DetectSegments finds ruled-line candidates in a binary mask using the
// progressive probabilistic Hough transform.
//
// Non-zero pixels of mask are foreground. Foreground pixels are visited in a
// seeded random order; each one votes for every (rho, theta) cell it lies on.
// When a cell reaches Threshold votes, the line through it is walked in both
// directions from the current pixel, bridging gaps of up to MaxGap pixels.
// The walked pixels are removed from further voting, and if the walk spans at
// least MinLength pixels their votes are withdrawn and the segment is kept.
//
// The order of the returned segments has no meaning. An empty result is
// normal for a clean image. The only error sources are invalid parameters
// and ctx cancellation.
func DetectSegments(ctx context.Context, mask *image.Gray, p Params) ([]imaging.Segment, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	b := mask.Bounds()
	width, height := b.Dx(), b.Dy()
	if width == 0 || height == 0 {
		return nil, nil
	}

	numAngle := int(math.Round(math.Pi / p.ThetaStep))
	numRho := int(math.Round(float64((width+height)*2+1) / p.RhoStep))
	half := (numRho - 1) / 2

	irho := 1 / p.RhoStep
	cosTab := make([]float64, numAngle)
	sinTab := make([]float64, numAngle)
	for n := 0; n < numAngle; n++ {
		ang := float64(n) * p.ThetaStep
		cosTab[n] = math.Cos(ang) * irho
		sinTab[n] = math.Sin(ang) * irho
	}

	accum := make([]int32, numAngle*numRho)
	on := make([]bool, width*height)
	points := make([]image.Point, 0, width)
	for y := 0; y < height; y++ {
		row := mask.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < width; x++ {
			if mask.Pix[row+x] != 0 {
				on[y*width+x] = true
				points = append(points, image.Point{X: x, Y: y})
			}
		}
	}

	vote := func(x, y, delta int32) (best, bestN int) {
		best, bestN = p.Threshold-1, 0
		for n := 0; n < numAngle; n++ {
			r := int(math.Round(float64(x)*cosTab[n]+float64(y)*sinTab[n])) + half
			i := n*numRho + r
			accum[i] += delta
			if v := int(accum[i]); v > best {
				best, bestN = v, n
			}
		}
		return best, bestN
	}

	rng := rand.New(rand.NewSource(p.Seed))
	segs := make([]imaging.Segment, 0)

	for count := len(points); count > 0; count-- {
		if count%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		idx := rng.Intn(count)
		pt := points[idx]
		points[idx] = points[count-1]
		if !on[pt.Y*width+pt.X] {
			continue
		}

		best, bestN := vote(int32(pt.X), int32(pt.Y), 1)
		if best < p.Threshold {
			continue
		}

		// direction of the line through cell bestN
		a := -sinTab[bestN]
		bb := cosTab[bestN]
		x0, y0 := pt.X, pt.Y
		var dx0, dy0 int
		xflag := math.Abs(a) > math.Abs(bb)
		if xflag {
			dx0 = unitSign(a)
			dy0 = int(math.Round(bb * (1 << walkShift) / math.Abs(a)))
			y0 = (y0 << walkShift) + (1 << (walkShift - 1))
		} else {
			dy0 = unitSign(bb)
			dx0 = int(math.Round(a * (1 << walkShift) / math.Abs(bb)))
			x0 = (x0 << walkShift) + (1 << (walkShift - 1))
		}
		toPixel := func(x, y int) (int, int) {
			if xflag {
				return x, y >> walkShift
			}
			return x >> walkShift, y
		}

		var ends [2]image.Point
		for k := 0; k < 2; k++ {
			gap := 0
			dx, dy := dx0, dy0
			if k > 0 {
				dx, dy = -dx, -dy
			}
			for x, y := x0, y0; ; x, y = x+dx, y+dy {
				j, i := toPixel(x, y)
				if j < 0 || j >= width || i < 0 || i >= height {
					break
				}
				if on[i*width+j] {
					gap = 0
					ends[k] = image.Point{X: j, Y: i}
					continue
				}
				gap++
				if gap > p.MaxGap {
					break
				}
			}
		}

		good := absInt(ends[1].X-ends[0].X) >= p.MinLength ||
			absInt(ends[1].Y-ends[0].Y) >= p.MinLength

		for k := 0; k < 2; k++ {
			dx, dy := dx0, dy0
			if k > 0 {
				dx, dy = -dx, -dy
			}
			for x, y := x0, y0; ; x, y = x+dx, y+dy {
				j, i := toPixel(x, y)
				if j < 0 || j >= width || i < 0 || i >= height {
					break
				}
				if on[i*width+j] {
					if good {
						vote(int32(j), int32(i), -1)
					}
					on[i*width+j] = false
				}
				if j == ends[k].X && i == ends[k].Y {
					break
				}
			}
		}

		if !good {
			continue
		}
		segs = append(segs, imaging.Segment{
			X1: ends[0].X + b.Min.X,
			Y1: ends[0].Y + b.Min.Y,
			X2: ends[1].X + b.Min.X,
			Y2: ends[1].Y + b.Min.Y,
		})
		if p.MaxLines > 0 && len(segs) >= p.MaxLines {
			break
		}
	}

	return segs, nil
}

func unitSign(v float64) int {
	if v > 0 {
		return 1
	}
	return -1
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
