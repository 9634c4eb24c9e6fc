package server

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ironsheep/ocr-prep-mcp/internal/config"
	"github.com/ironsheep/ocr-prep-mcp/internal/ocr"
	"github.com/ironsheep/ocr-prep-mcp/internal/pipeline"
	"github.com/ironsheep/ocr-prep-mcp/internal/store"
	"github.com/ironsheep/ocr-prep-mcp/internal/visionrt"
)

// fakeEngine reports recognizing progress in quarters and returns text.
type fakeEngine struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
	sizes []image.Point
}

func (f *fakeEngine) Recognize(ctx context.Context, img image.Image, events chan<- ocr.Event) (string, error) {
	f.mu.Lock()
	f.calls++
	f.sizes = append(f.sizes, img.Bounds().Size())
	f.mu.Unlock()

	events <- ocr.Event{Phase: ocr.PhaseLoadingImage, Progress: 1}
	for _, p := range []float64{0.25, 0.5, 1} {
		events <- ocr.Event{Phase: ocr.PhaseRecognizing, Progress: p}
	}
	return f.text, f.err
}

func (f *fakeEngine) Close() error { return nil }

type testEnv struct {
	server   *Server
	session  *pipeline.Session
	engine   *fakeEngine
	storeDir string
}

// newReadyRuntime activates a runtime against a training data file that is
// already on disk, so nothing is downloaded.
func newReadyRuntime(t *testing.T) *visionrt.Runtime {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(visionrt.TrainingDataPath(dir, "jpn"), []byte("stub"), 0o644); err != nil {
		t.Fatalf("failed to write training data: %v", err)
	}
	return visionrt.New(visionrt.Options{Language: "jpn", TessdataDir: dir})
}

func newTestEnv(t *testing.T, activate bool) *testEnv {
	t.Helper()
	rt := newReadyRuntime(t)
	if activate {
		if err := rt.Activate(context.Background()); err != nil {
			t.Fatalf("Activate: %v", err)
		}
	}

	session := pipeline.NewSession(rt, pipeline.Options{
		Settings:         pipeline.DefaultSettings(),
		DefaultThreshold: 135,
		Debounce:         10 * time.Millisecond,
	})
	t.Cleanup(session.Close)

	engine := &fakeEngine{text: " HELLO　 42\n"}
	storeDir := t.TempDir()
	s := New(Options{
		Config: &config.Config{
			Language:     "jpn",
			Engine:       "tesseract",
			OverlayColor: "#00FF00",
		},
		Runtime:    rt,
		Session:    session,
		Recognizer: ocr.NewAdapter(engine, nil),
		Store:      store.NewFileStore(storeDir, "/uploads/"),
	})
	return &testEnv{server: s, session: session, engine: engine, storeDir: storeDir}
}

// createRuledImageFile writes a 100x100 white PNG with a black rule across
// row 50 and a 6x6 black block at (20,20), returning its path.
func createRuledImageFile(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			c := color.NRGBA{255, 255, 255, 255}
			if y == 50 || (x >= 20 && x < 26 && y >= 20 && y < 26) {
				c = color.NRGBA{0, 0, 0, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}

	path := filepath.Join(t.TempDir(), "ruled.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create image file: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
	return path
}

// callTool runs a tools/call and decodes the text content into out.
func callTool(t *testing.T, s *Server, name string, args interface{}, out interface{}) *MCPError {
	t.Helper()
	params := map[string]interface{}{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}

	resp := s.handleRequest(context.Background(), &MCPRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  raw,
	})
	if resp == nil {
		t.Fatal("handleRequest returned nil")
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}

	result := resp.Result.(map[string]interface{})
	content := result["content"].([]map[string]interface{})
	text := content[0]["text"].(string)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("failed to decode %s result %q: %v", name, text, err)
	}
	return nil
}

func mustCall(t *testing.T, s *Server, name string, args interface{}, out interface{}) {
	t.Helper()
	if rpcErr := callTool(t, s, name, args, out); rpcErr != nil {
		t.Fatalf("%s failed: %s: %v", name, rpcErr.Message, rpcErr.Data)
	}
}

func TestHandleToolsCall_FullFlow(t *testing.T) {
	env := newTestEnv(t, true)
	s := env.server
	path := createRuledImageFile(t)

	var loaded loadInfo
	mustCall(t, s, "ocrprep_load", map[string]interface{}{"path": path}, &loaded)
	if loaded.Width != 100 || loaded.Height != 100 {
		t.Errorf("loaded size: got %dx%d, want 100x100", loaded.Width, loaded.Height)
	}
	if loaded.State != "awaiting_crop" {
		t.Errorf("state after load: got %s, want awaiting_crop", loaded.State)
	}

	mustCall(t, s, "ocrprep_use_whole_image", nil, nil)

	var res resultInfo
	mustCall(t, s, "ocrprep_result", map[string]interface{}{"include_image": true}, &res)
	if res.Threshold != 135 {
		t.Errorf("threshold: got %d, want 135", res.Threshold)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("segments: got %d, want 1", len(res.Segments))
	}
	if res.Image == nil || res.Image.MimeType != "image/png" || res.Image.ImageBase64 == "" {
		t.Errorf("image not included: %+v", res.Image)
	}

	var preview previewInfo
	mustCall(t, s, "ocrprep_preview_lines", map[string]interface{}{"labels": true}, &preview)
	if preview.Segments != 1 || preview.PNGResult == nil || preview.Width != 100 {
		t.Errorf("preview: got %+v", preview)
	}

	var rec recognizeInfo
	mustCall(t, s, "ocrprep_recognize", nil, &rec)
	if rec.Text != "HELLO42" {
		t.Errorf("text: got %q, want HELLO42", rec.Text)
	}
	if rec.Chars != 7 {
		t.Errorf("chars: got %d, want 7", rec.Chars)
	}

	var saved SaveResult
	mustCall(t, s, "ocrprep_save", nil, &saved)
	if !saved.Success {
		t.Fatalf("save failed: %s", saved.Error)
	}
	if !strings.HasPrefix(saved.Location, "/uploads/processed-") {
		t.Errorf("location: got %s", saved.Location)
	}
	name := strings.TrimPrefix(saved.Location, "/uploads/")
	if _, err := os.Stat(filepath.Join(env.storeDir, name)); err != nil {
		t.Errorf("saved file missing: %v", err)
	}
}

func TestHandleToolsCall_Crop(t *testing.T) {
	env := newTestEnv(t, true)
	s := env.server
	mustCall(t, s, "ocrprep_load", map[string]interface{}{"path": createRuledImageFile(t)}, nil)

	// displayed at half size: a 25x20 display crop is 50x40 native
	var snap pipeline.Snapshot
	mustCall(t, s, "ocrprep_crop", map[string]interface{}{
		"x": 5, "y": 5, "width": 25, "height": 20,
		"display_width": 50, "display_height": 50,
	}, &snap)
	if !snap.Cropped || snap.WorkingWidth != 50 || snap.WorkingHeight != 40 {
		t.Errorf("crop snapshot: got %+v", snap)
	}

	// cropping twice needs a reset first
	if rpcErr := callTool(t, s, "ocrprep_crop", map[string]interface{}{
		"x": 0, "y": 0, "width": 10, "height": 10,
		"display_width": 50, "display_height": 50,
	}, nil); rpcErr == nil {
		t.Error("second crop without reset should fail")
	}

	mustCall(t, s, "ocrprep_reset_crop", nil, &snap)
	if snap.State != "awaiting_crop" || snap.WorkingWidth != 0 {
		t.Errorf("after reset: got %+v", snap)
	}
}

func TestHandleToolsCall_InvalidArguments(t *testing.T) {
	env := newTestEnv(t, true)
	s := env.server

	tests := []struct {
		name string
		tool string
		args interface{}
	}{
		{"load without path", "ocrprep_load", map[string]interface{}{}},
		{"crop zero width", "ocrprep_crop", map[string]interface{}{
			"x": 0, "y": 0, "width": 0, "height": 10, "display_width": 50, "display_height": 50,
		}},
		{"crop negative origin", "ocrprep_crop", map[string]interface{}{
			"x": -1, "y": 0, "width": 10, "height": 10, "display_width": 50, "display_height": 50,
		}},
		{"crop missing display size", "ocrprep_crop", map[string]interface{}{
			"x": 0, "y": 0, "width": 10, "height": 10,
		}},
		{"threshold missing", "ocrprep_set_threshold", map[string]interface{}{}},
		{"threshold above range", "ocrprep_set_threshold", map[string]interface{}{"threshold": 256}},
		{"threshold below range", "ocrprep_set_threshold", map[string]interface{}{"threshold": -1}},
		{"threshold not a number", "ocrprep_set_threshold", map[string]interface{}{"threshold": "high"}},
		{"preview bad colour", "ocrprep_preview_lines", map[string]interface{}{"color": "red"}},
		{"unknown tool", "ocrprep_nonexistent", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := callTool(t, s, tt.tool, tt.args, nil)
			if rpcErr == nil {
				t.Fatal("expected an error")
			}
			if rpcErr.Code != -32000 {
				t.Errorf("code: got %d, want -32000", rpcErr.Code)
			}
		})
	}
}

func TestHandleToolsCall_InvalidParams(t *testing.T) {
	env := newTestEnv(t, true)
	resp := env.server.handleRequest(context.Background(), &MCPRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  json.RawMessage(`"not an object"`),
	})
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Errorf("got %+v, want -32602", resp.Error)
	}
}

func TestHandleToolsCall_RuntimeNotReady(t *testing.T) {
	env := newTestEnv(t, false)
	s := env.server

	for _, tool := range []string{"ocrprep_load", "ocrprep_use_whole_image", "ocrprep_recognize"} {
		args := map[string]interface{}{"path": "/nonexistent.png"}
		rpcErr := callTool(t, s, tool, args, nil)
		if rpcErr == nil {
			t.Errorf("%s: expected an error before activation", tool)
			continue
		}
		if data, _ := rpcErr.Data.(string); !strings.Contains(data, pipeline.ErrRuntimeNotReady.Error()) {
			t.Errorf("%s: got %v, want runtime not ready", tool, rpcErr.Data)
		}
	}

	var status statusInfo
	mustCall(t, s, "ocrprep_status", nil, &status)
	if status.Session.State != "idle" {
		t.Errorf("session state: got %s, want idle", status.Session.State)
	}

	var st struct {
		Status  string `json:"status"`
		Percent int    `json:"percent"`
	}
	mustCall(t, s, "ocrprep_activate", nil, &st)
	if st.Status != "ready" || st.Percent != 100 {
		t.Errorf("after activate: got %+v", st)
	}
	mustCall(t, s, "ocrprep_load", map[string]interface{}{"path": createRuledImageFile(t)}, nil)
}

func TestHandleToolsCall_NoResultYet(t *testing.T) {
	env := newTestEnv(t, true)
	s := env.server

	if rpcErr := callTool(t, s, "ocrprep_result", map[string]interface{}{"wait": false}, nil); rpcErr == nil {
		t.Error("result without an image should fail")
	}
	if rpcErr := callTool(t, s, "ocrprep_preview_lines", nil, nil); rpcErr == nil {
		t.Error("preview without an image should fail")
	}

	var saved SaveResult
	mustCall(t, s, "ocrprep_save", nil, &saved)
	if saved.Success || saved.Error == "" {
		t.Errorf("save without an image: got %+v, want failure", saved)
	}
}

func TestHandleToolsCall_SaveFailure(t *testing.T) {
	env := newTestEnv(t, true)
	s := env.server
	// a regular file where the store directory should be
	blocked := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.store = store.NewFileStore(filepath.Join(blocked, "uploads"), "/uploads/")

	mustCall(t, s, "ocrprep_load", map[string]interface{}{"path": createRuledImageFile(t)}, nil)
	mustCall(t, s, "ocrprep_use_whole_image", nil, nil)

	var saved SaveResult
	mustCall(t, s, "ocrprep_save", nil, &saved)
	if saved.Success {
		t.Fatal("save into a blocked directory should report failure")
	}
	if saved.Error == "" {
		t.Error("failure should carry an error message")
	}
}

func TestHandleToolsCall_RecognitionFailure(t *testing.T) {
	env := newTestEnv(t, true)
	s := env.server
	env.engine.err = errors.New("engine crashed")

	mustCall(t, s, "ocrprep_load", map[string]interface{}{"path": createRuledImageFile(t)}, nil)
	mustCall(t, s, "ocrprep_use_whole_image", nil, nil)

	rpcErr := callTool(t, s, "ocrprep_recognize", nil, nil)
	if rpcErr == nil {
		t.Fatal("expected recognition failure")
	}
	data, _ := rpcErr.Data.(string)
	if !strings.Contains(data, ocr.ErrRecognitionFailed.Error()) || !strings.Contains(data, "engine crashed") {
		t.Errorf("error data: got %q", data)
	}
}

func TestHandleToolsCall_SetThresholdLastWriterWins(t *testing.T) {
	env := newTestEnv(t, true)
	s := env.server
	mustCall(t, s, "ocrprep_load", map[string]interface{}{"path": createRuledImageFile(t)}, nil)
	mustCall(t, s, "ocrprep_use_whole_image", nil, nil)

	for _, v := range []int{10, 200, 90} {
		mustCall(t, s, "ocrprep_set_threshold", map[string]interface{}{"threshold": v}, nil)
	}

	var res resultInfo
	mustCall(t, s, "ocrprep_result", nil, &res)
	if res.Threshold != 90 {
		t.Errorf("result threshold: got %d, want 90", res.Threshold)
	}
	if res.State != "stable" {
		t.Errorf("state: got %s, want stable", res.State)
	}
}

func TestRun_ProgressNotifications(t *testing.T) {
	env := newTestEnv(t, false)
	path := createRuledImageFile(t)

	lines := []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ocrprep_activate","_meta":{"progressToken":"act"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ocrprep_load","arguments":{"path":` + quote(path) + `}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"ocrprep_use_whole_image"}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"ocrprep_recognize","_meta":{"progressToken":7}}}`,
	}
	var out bytes.Buffer
	if err := env.server.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var (
		activation []float64
		recognize  []float64
		ids        []float64
	)
	for _, m := range decodeMessages(t, &out) {
		if m["method"] == "notifications/progress" {
			params := m["params"].(map[string]interface{})
			switch params["progressToken"] {
			case "act":
				activation = append(activation, params["progress"].(float64))
			case float64(7):
				recognize = append(recognize, params["progress"].(float64))
			default:
				t.Errorf("unexpected token %v", params["progressToken"])
			}
			if params["total"] != float64(100) {
				t.Errorf("total: got %v, want 100", params["total"])
			}
			continue
		}
		if m["error"] != nil {
			t.Fatalf("unexpected error response: %v", m)
		}
		ids = append(ids, m["id"].(float64))
	}

	if len(ids) != 4 {
		t.Fatalf("got %d responses, want 4", len(ids))
	}
	if len(activation) == 0 || activation[len(activation)-1] != 100 {
		t.Errorf("activation progress: got %v, want to end at 100", activation)
	}
	want := []float64{25, 50, 100}
	if len(recognize) != len(want) {
		t.Fatalf("recognition progress: got %v, want %v", recognize, want)
	}
	for i := range want {
		if recognize[i] != want[i] {
			t.Errorf("recognition progress: got %v, want %v", recognize, want)
			break
		}
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
