// Package visionrt manages the process-wide vision runtime: the Tesseract
// training data on disk and a warmed-up recognition engine.
//
// The runtime starts uninitialized. Activate moves it to activating, fetches
// <lang>.traineddata when it is missing while reporting a monotonic
// percentage, runs a warm-up hook and ends in ready or failed. Both end states
// are final for the process. Callers gate work on Ready.
package visionrt
