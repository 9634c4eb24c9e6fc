// Package pipeline runs the line-removal stages and controls when they run.
//
// Process is the pure part: given a working image and a manual threshold it
// binarizes, detects ruled lines on the Otsu structure mask and erases them
// from the threshold output mask.
//
// Session is the controller around it. It caches the decoded source and the
// cropped working image so threshold changes re-run only the numeric stages,
// debounces rapid threshold changes, and applies last-writer-wins: a result is
// published only if no newer request arrived while it was computed.
//
// # States
//
//	idle -> awaiting_crop -> ready -> recomputing -> stable
//	                ^                      ^           |
//	                |                      +-----------+  threshold change
//	                +-- reset crop (from ready, recomputing or stable)
//
// Selecting a new source from any state returns to awaiting_crop.
// Every entry point fails with ErrRuntimeNotReady until the vision runtime
// reports ready.
package pipeline
