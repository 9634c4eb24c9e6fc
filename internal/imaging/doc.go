// Package imaging provides the raster operations of the OCR preprocessing pipeline.
//
// This package decodes source images, maps display-space crop rectangles onto
// native pixels, binarizes working images into a structure mask and an output
// mask, and paints detected ruled lines out of the output mask. All operations
// work with standard Go image types and use a coordinate system where (0,0) is
// the top-left corner, X increases rightward, and Y increases downward.
//
// # Buffers
//
// Source and working images are *image.NRGBA values whose bounds start at the
// origin. Masks are *image.Gray values holding only 0 and 255. Every operation
// allocates its own output; no function mutates an input buffer, so a mask
// handed to a caller may be shared freely as long as the caller treats it as
// read-only.
//
// # Grayscale
//
// Both masks derive from the same luma conversion, ITU-R BT.601 weights in
// 14-bit fixed point:
//
//	Y = (4899*R + 9617*G + 1868*B + 8192) >> 14
//
// The weights sum to 1<<14, so neutral gray inputs keep their exact level.
//
// # Error Handling
//
// Functions return errors wrapping ErrDecodeFailure for unreadable sources and
// ErrInvalidCropRegion for crop rectangles that are empty or fall outside the
// source image.
package imaging
