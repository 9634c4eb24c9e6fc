// Package ocr hands a cleaned raster to a Tesseract engine and turns what
// comes back into the form callers expect.
//
// Engines report progress as a stream of phase events. The Adapter owns that
// stream: it keeps only the "recognizing text" phase, converts it to a whole
// percentage that never goes backwards, and reports 100 once text has been
// returned. No engine-specific event leaves this package.
//
// Recognized text is normalized by deleting every whitespace rune, so
// "a\n b \tc" becomes "abc". Forms in the target scripts use contiguous
// tokens, and Tesseract inserts spaces between CJK glyphs.
//
// # Engines
//
//   - TesseractEngine: native libtesseract through gosseract. Needs cgo and
//     the Tesseract shared libraries.
//   - WasmEngine: Tesseract compiled to WebAssembly through gogosseract. Pure
//     Go, slower, and the only engine with incremental progress.
//
// Both read <lang>.traineddata from a tessdata directory, normally the one
// the vision runtime populated on activation.
//
// # Error Handling
//
// Any engine failure, including malformed UTF-8 output, is returned wrapped in
// ErrRecognitionFailed together with the cause. The input image is only read,
// so a failed call can be retried with the same image.
package ocr
