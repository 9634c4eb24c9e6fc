// Package server implements the Model Context Protocol (MCP) server that
// drives the OCR preprocessing session.
//
// # Protocol
//
// The server speaks JSON-RPC 2.0 over stdio, one message per line. Responses
// go to stdout; logs must go to stderr so they never corrupt the stream.
//
// Supported methods:
//
//   - initialize: handshake, returns capabilities and server info
//   - notifications/initialized: client acknowledgment (no response)
//   - tools/list: lists every tool with its JSON schema
//   - tools/call: runs a tool
//   - ping: health check
//
// # Tools
//
// A typical session runs:
//
//	ocrprep_activate          fetch training data, warm up the engine
//	ocrprep_load              select the source image
//	ocrprep_crop              or ocrprep_use_whole_image
//	ocrprep_set_threshold     any number of times; only the latest counts
//	ocrprep_result            inspect the processed image
//	ocrprep_recognize         text with whitespace stripped
//	ocrprep_save              persist the processed image
//
// ocrprep_status, ocrprep_reset_crop and ocrprep_preview_lines may be called
// at any point.
//
// # Progress
//
// When a tools/call request carries params._meta.progressToken, long-running
// tools (ocrprep_activate, ocrprep_recognize) emit notifications/progress
// messages with non-decreasing integer percentages and total 100 before the
// response is written.
//
// # Errors
//
// Protocol errors use the standard JSON-RPC codes (-32700, -32601, -32602).
// A failed tool returns -32000 with the error text in data, except
// ocrprep_save, which reports {"success": false, "error": ...} as its result.
package server
