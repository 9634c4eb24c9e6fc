package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
	"github.com/ironsheep/ocr-prep-mcp/internal/pipeline"
	"github.com/ironsheep/ocr-prep-mcp/internal/store"
	"github.com/ironsheep/ocr-prep-mcp/internal/visionrt"
)

// resultWaitTimeout bounds how long ocrprep_result and ocrprep_recognize wait
// for a pending pipeline run.
const resultWaitTimeout = 30 * time.Second

var validate = validator.New()

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "ocrprep_load", "ocrprep_crop").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`

	// Meta carries the optional progress token of the request.
	Meta *RequestMeta `json:"_meta,omitempty"`
}

// RequestMeta is the _meta member of a tools/call request.
type RequestMeta struct {
	ProgressToken interface{} `json:"progressToken,omitempty"`
}

// ProgressParams is the payload of a notifications/progress message.
type ProgressParams struct {
	ProgressToken interface{} `json:"progressToken"`
	Progress      int         `json:"progress"`
	Total         int         `json:"total"`
	Message       string      `json:"message,omitempty"`
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Tool execution errors return a JSON-RPC error response with code -32000.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	var progress func(pct int, msg string)
	if params.Meta != nil && params.Meta.ProgressToken != nil {
		token := params.Meta.ProgressToken
		progress = func(pct int, msg string) {
			s.notify("notifications/progress", &ProgressParams{
				ProgressToken: token,
				Progress:      pct,
				Total:         100,
				Message:       msg,
			})
		}
	}

	result, err := s.executeTool(ctx, params.Name, params.Arguments, progress)
	if err != nil {
		s.log.Warn("tool failed", "tool", params.Name, "err", err)
		return s.errorResponse(req.ID, -32000, "Tool execution failed", err.Error())
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": mustMarshalJSON(result),
				},
			},
		},
	}
}

// executeTool dispatches tool execution to the appropriate handler function.
// progress is nil when the caller did not ask for progress notifications.
func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage, progress func(int, string)) (interface{}, error) {
	switch name {
	// Runtime
	case "ocrprep_status":
		return s.handleStatus()
	case "ocrprep_activate":
		return s.handleActivate(ctx, progress)

	// Image selection
	case "ocrprep_load":
		return s.handleLoad(args)
	case "ocrprep_crop":
		return s.handleCrop(args)
	case "ocrprep_use_whole_image":
		return s.sessionStep(s.session.UseWholeImage)
	case "ocrprep_reset_crop":
		return s.sessionStep(s.session.ResetCrop)

	// Preprocessing
	case "ocrprep_set_threshold":
		return s.handleSetThreshold(args)
	case "ocrprep_result":
		return s.handleResult(ctx, args)
	case "ocrprep_preview_lines":
		return s.handlePreviewLines(args)

	// Recognition and persistence
	case "ocrprep_recognize":
		return s.handleRecognize(ctx, progress)
	case "ocrprep_save":
		return s.handleSave(ctx)

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message, data string) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// Panics are suppressed; on marshal failure, returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// decodeArgs unmarshals tool arguments into v and validates its tags.
// Missing arguments decode as an empty object.
func decodeArgs(args json.RawMessage, v interface{}) error {
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, v); err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// === Runtime Handlers ===

type statusInfo struct {
	Runtime  visionrt.State    `json:"runtime"`
	Session  pipeline.Snapshot `json:"session"`
	Engine   string            `json:"engine"`
	Language string            `json:"language"`
}

func (s *Server) handleStatus() (interface{}, error) {
	return &statusInfo{
		Runtime:  s.runtime.State(),
		Session:  s.session.Snapshot(),
		Engine:   s.cfg.Engine,
		Language: s.cfg.Language,
	}, nil
}

func (s *Server) handleActivate(ctx context.Context, progress func(int, string)) (interface{}, error) {
	updates, cancel := s.runtime.Subscribe()
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		last := -1
		for st := range updates {
			if progress == nil || st.Percent <= last {
				continue
			}
			last = st.Percent
			progress(st.Percent, st.Status.String())
		}
	}()

	err := s.runtime.Activate(ctx)
	cancel()
	<-relayed
	if err != nil {
		return nil, err
	}
	return s.runtime.State(), nil
}

// === Image Selection Handlers ===

type loadArgs struct {
	Path string `json:"path" validate:"required"`
}

type loadInfo struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	State  string `json:"state"`
}

func (s *Server) handleLoad(args json.RawMessage) (interface{}, error) {
	var a loadArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if !s.runtime.Ready() {
		return nil, pipeline.ErrRuntimeNotReady
	}
	src, err := s.cache.Load(a.Path)
	if err != nil {
		return nil, err
	}
	if err := s.session.SetSource(src); err != nil {
		return nil, err
	}
	return &loadInfo{
		Path:   a.Path,
		Width:  src.Width(),
		Height: src.Height(),
		Format: src.Format,
		State:  s.session.Snapshot().State,
	}, nil
}

type cropArgs struct {
	X             float64 `json:"x" validate:"gte=0"`
	Y             float64 `json:"y" validate:"gte=0"`
	Width         float64 `json:"width" validate:"gt=0"`
	Height        float64 `json:"height" validate:"gt=0"`
	DisplayWidth  float64 `json:"display_width" validate:"gt=0"`
	DisplayHeight float64 `json:"display_height" validate:"gt=0"`
}

func (s *Server) handleCrop(args json.RawMessage) (interface{}, error) {
	var a cropArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	region := imaging.CropRegion{X: a.X, Y: a.Y, Width: a.Width, Height: a.Height}
	display := imaging.DisplaySize{Width: a.DisplayWidth, Height: a.DisplayHeight}
	if err := s.session.Crop(region, display); err != nil {
		return nil, err
	}
	return s.session.Snapshot(), nil
}

func (s *Server) sessionStep(step func() error) (interface{}, error) {
	if err := step(); err != nil {
		return nil, err
	}
	return s.session.Snapshot(), nil
}

// === Preprocessing Handlers ===

type thresholdArgs struct {
	Threshold *int `json:"threshold" validate:"required,min=0,max=255"`
}

func (s *Server) handleSetThreshold(args json.RawMessage) (interface{}, error) {
	var a thresholdArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := s.session.SetThreshold(*a.Threshold); err != nil {
		return nil, err
	}
	return s.session.Snapshot(), nil
}

type resultArgs struct {
	Wait         *bool `json:"wait"`
	IncludeImage bool  `json:"include_image"`
}

type resultInfo struct {
	State      string             `json:"state"`
	Threshold  int                `json:"threshold"`
	OtsuLevel  int                `json:"otsu_level"`
	Degenerate bool               `json:"degenerate"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Segments   []imaging.Segment  `json:"segments"`
	Generation uint64             `json:"generation"`
	ElapsedMS  int64              `json:"elapsed_ms"`
	LastError  string             `json:"last_error,omitempty"`
	Image      *imaging.PNGResult `json:"image,omitempty"`
}

func (s *Server) handleResult(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a resultArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	var (
		res    *pipeline.Result
		runErr error
	)
	if a.Wait == nil || *a.Wait {
		ctx, cancel := context.WithTimeout(ctx, resultWaitTimeout)
		defer cancel()
		res, runErr = s.session.Wait(ctx)
		if res == nil && runErr != nil {
			return nil, runErr
		}
	} else {
		res, runErr = s.session.Result()
	}
	if res == nil {
		return nil, fmt.Errorf("%w: no processed image yet", pipeline.ErrNoImage)
	}

	info := &resultInfo{
		State:      s.session.Snapshot().State,
		Threshold:  int(res.Threshold),
		OtsuLevel:  int(res.OtsuLevel),
		Degenerate: res.Degenerate,
		Width:      res.Image.Bounds().Dx(),
		Height:     res.Image.Bounds().Dy(),
		Segments:   res.Segments,
		Generation: res.Generation,
		ElapsedMS:  res.Elapsed.Milliseconds(),
	}
	if info.Segments == nil {
		info.Segments = []imaging.Segment{}
	}
	if runErr != nil {
		info.LastError = runErr.Error()
	}
	if a.IncludeImage {
		png, err := imaging.NewPNGResult(res.Image)
		if err != nil {
			return nil, err
		}
		info.Image = png
	}
	return info, nil
}

type previewArgs struct {
	Color  string `json:"color" validate:"omitempty,hexcolor"`
	Width  int    `json:"width" validate:"omitempty,min=1,max=50"`
	Labels bool   `json:"labels"`
}

type previewInfo struct {
	Segments int `json:"segments"`
	*imaging.PNGResult
}

func (s *Server) handlePreviewLines(args json.RawMessage) (interface{}, error) {
	var a previewArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Color == "" {
		a.Color = s.cfg.OverlayColor
	}
	if a.Color == "" {
		a.Color = "#FF0000"
	}
	if a.Width == 0 {
		a.Width = 2
	}

	working := s.session.Working()
	res, _ := s.session.Result()
	if working == nil || res == nil {
		return nil, fmt.Errorf("%w: no processed image yet", pipeline.ErrNoImage)
	}
	preview, err := imaging.PreviewSegments(working, res.Segments, a.Color, a.Width, a.Labels)
	if err != nil {
		return nil, err
	}
	png, err := imaging.NewPNGResult(preview)
	if err != nil {
		return nil, err
	}
	return &previewInfo{Segments: len(res.Segments), PNGResult: png}, nil
}

// === Recognition and Persistence Handlers ===

type recognizeInfo struct {
	Text      string `json:"text"`
	Chars     int    `json:"chars"`
	Threshold int    `json:"threshold"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func (s *Server) handleRecognize(ctx context.Context, progress func(int, string)) (interface{}, error) {
	if !s.runtime.Ready() {
		return nil, pipeline.ErrRuntimeNotReady
	}
	if s.recognizer == nil {
		return nil, errors.New("no recognizer configured")
	}
	res, err := s.latestResult(ctx)
	if err != nil {
		return nil, err
	}

	var onProgress func(int)
	if progress != nil {
		onProgress = func(pct int) { progress(pct, "recognizing text") }
	}
	out, err := s.recognizer.Recognize(ctx, res.Image, onProgress)
	if err != nil {
		return nil, err
	}
	return &recognizeInfo{
		Text:      out.Text,
		Chars:     len([]rune(out.Text)),
		Threshold: int(res.Threshold),
		ElapsedMS: out.Elapsed.Milliseconds(),
	}, nil
}

// SaveResult reports the outcome of a persistence request.
type SaveResult struct {
	Success  bool   `json:"success"`
	Location string `json:"location,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleSave reports persistence failures in the result rather than as a
// JSON-RPC error.
func (s *Server) handleSave(ctx context.Context) (interface{}, error) {
	res, err := s.latestResult(ctx)
	if err != nil {
		return &SaveResult{Error: err.Error()}, nil
	}
	if s.store == nil {
		return &SaveResult{Error: "no store configured"}, nil
	}
	loc, err := store.SaveImage(ctx, s.store, res.Image)
	if err != nil {
		s.log.Error("failed to save processed image", "err", err)
		return &SaveResult{Error: err.Error()}, nil
	}
	s.log.Info("processed image saved", "location", loc)
	return &SaveResult{Success: true, Location: loc}, nil
}

// latestResult waits for a pending run and returns the newest processed image.
func (s *Server) latestResult(ctx context.Context) (*pipeline.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, resultWaitTimeout)
	defer cancel()
	res, err := s.session.Wait(ctx)
	if res == nil {
		if err == nil {
			err = fmt.Errorf("%w: no processed image yet", pipeline.ErrNoImage)
		}
		return nil, err
	}
	return res, nil
}
