package server

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func emptySchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		// Runtime
		{
			Name:        "ocrprep_status",
			Description: "Report the vision runtime state (uninitialized, activating with percent, ready, failed) and the working session state.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "ocrprep_activate",
			Description: "Start the vision runtime: fetch recognition training data if missing and warm up the engine. Returns once the runtime is ready or failed. Sends notifications/progress when the request carries a progress token.",
			InputSchema: emptySchema(),
		},

		// Image selection
		{
			Name:        "ocrprep_load",
			Description: "Select an image file as the session source. Discards any previous working image and result. The session then awaits a crop decision.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Absolute path to the image file",
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "ocrprep_crop",
			Description: "Commit a crop drawn on the displayed image. Coordinates are in display space and are scaled to native pixels using the display size. Starts the first preprocessing run.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"x": map[string]interface{}{
						"type":        "number",
						"description": "Left edge in display coordinates",
					},
					"y": map[string]interface{}{
						"type":        "number",
						"description": "Top edge in display coordinates",
					},
					"width": map[string]interface{}{
						"type":        "number",
						"description": "Crop width in display coordinates",
					},
					"height": map[string]interface{}{
						"type":        "number",
						"description": "Crop height in display coordinates",
					},
					"display_width": map[string]interface{}{
						"type":        "number",
						"description": "Width the image was displayed at",
					},
					"display_height": map[string]interface{}{
						"type":        "number",
						"description": "Height the image was displayed at",
					},
				},
				"required": []string{"x", "y", "width", "height", "display_width", "display_height"},
			},
		},
		{
			Name:        "ocrprep_use_whole_image",
			Description: "Skip cropping and use the whole source image as the working image. Starts the first preprocessing run.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "ocrprep_reset_crop",
			Description: "Drop the working image and result and return to the crop decision for the same source image.",
			InputSchema: emptySchema(),
		},

		// Preprocessing
		{
			Name:        "ocrprep_set_threshold",
			Description: "Set the manual binarization threshold (0-255). Re-runs binarize, line detection and erase from the cached working image after a short debounce; only the latest threshold's result is kept.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"threshold": map[string]interface{}{
						"type":        "integer",
						"description": "Gray level; pixels at or above it become white",
						"minimum":     0,
						"maximum":     255,
					},
				},
				"required": []string{"threshold"},
			},
		},
		{
			Name:        "ocrprep_result",
			Description: "Return the latest processed image summary: threshold, Otsu level, detected line segments. Optionally waits for a pending run and includes the processed image as base64 PNG.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"wait": map[string]interface{}{
						"type":        "boolean",
						"description": "Wait for a pending run to finish. Default true",
						"default":     true,
					},
					"include_image": map[string]interface{}{
						"type":        "boolean",
						"description": "Include the processed image as base64 PNG. Default false",
						"default":     false,
					},
				},
			},
		},
		{
			Name:        "ocrprep_preview_lines",
			Description: "Render the working image with the detected line segments drawn on top, as base64 PNG. Useful for tuning line detection.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"color": map[string]interface{}{
						"type":        "string",
						"description": "Segment colour as #RRGGBB. Default from configuration",
					},
					"width": map[string]interface{}{
						"type":        "integer",
						"description": "Stroke width in pixels. Default 2",
						"default":     2,
					},
					"labels": map[string]interface{}{
						"type":        "boolean",
						"description": "Number each segment. Default false",
						"default":     false,
					},
				},
			},
		},

		// Recognition and persistence
		{
			Name:        "ocrprep_recognize",
			Description: "Run text recognition on the latest processed image. Returns the text with all whitespace removed. Sends notifications/progress with monotonic percentages when the request carries a progress token.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "ocrprep_save",
			Description: "Persist the latest processed image as PNG. Returns success and the stored location.",
			InputSchema: emptySchema(),
		},
	}
}
