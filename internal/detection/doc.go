// Package detection finds ruled lines in binary masks.
//
// DetectSegments implements the progressive probabilistic Hough transform:
// rather than voting every foreground pixel and then searching the
// accumulator, it samples pixels in random order, stops as soon as one
// (rho, theta) cell has enough votes, and walks the image along that line to
// recover a finite segment. Walked pixels leave the pool, so long rules are
// found after a fraction of their pixels have voted and short glyph strokes
// rarely reach the vote threshold at all.
//
// # Coordinate System
//
// Segment endpoints use the standard image convention:
//   - Origin (0, 0) at top-left corner
//   - X increases rightward
//   - Y increases downward
//
// # Determinism
//
// Sampling is driven by a math/rand source seeded from Params.Seed, so a
// given mask and parameter set always yields the same segments in the same
// order.
//
// # Performance Considerations
//
// Cost is roughly the number of sampled foreground pixels times the number of
// angle bins. A heavily inked page is slower than a sparse form; callers with
// a deadline should pass a context, which is checked periodically.
package detection
