package httpapi

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
	"github.com/ironsheep/ocr-prep-mcp/internal/pipeline"
	"github.com/ironsheep/ocr-prep-mcp/internal/store"
	"github.com/ironsheep/ocr-prep-mcp/internal/visionrt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router    *gin.Engine
	runtime   *visionrt.Runtime
	session   *pipeline.Session
	uploadDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tessdata := t.TempDir()
	if err := os.WriteFile(visionrt.TrainingDataPath(tessdata, "jpn"), []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := visionrt.New(visionrt.Options{Language: "jpn", TessdataDir: tessdata})
	session := pipeline.NewSession(rt, pipeline.Options{
		Settings:         pipeline.DefaultSettings(),
		DefaultThreshold: 135,
	})
	t.Cleanup(session.Close)

	uploadDir := t.TempDir()
	router := NewRouter(Options{
		Runtime:         rt,
		Session:         session,
		Store:           store.NewFileStore(uploadDir, "/uploads/"),
		UploadDir:       uploadDir,
		UploadURLPrefix: "/uploads/",
	})
	return &testEnv{router: router, runtime: rt, session: session, uploadDir: uploadDir}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func createCheckerImage(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := uint8(255)
			if (x+y)%2 == 0 {
				v = 0
			}
			img.SetNRGBA(x, y, color.NRGBA{v, v, v, 255})
		}
	}
	return img
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid JSON body %q: %v", w.Body.String(), err)
	}
	return m
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t)
	dataURL, err := imaging.DataURL(createCheckerImage(8))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(map[string]string{"image": dataURL})

	w := env.do(t, http.MethodPost, "/api/upload", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", w.Code, w.Body.String())
	}
	loc, _ := decodeBody(t, w)["filePath"].(string)
	if !strings.HasPrefix(loc, "/uploads/processed-") || !strings.HasSuffix(loc, ".png") {
		t.Fatalf("filePath: got %q", loc)
	}

	saved, err := os.ReadFile(filepath.Join(env.uploadDir, strings.TrimPrefix(loc, "/uploads/")))
	if err != nil {
		t.Fatalf("saved file missing: %v", err)
	}
	src, err := imaging.Decode(saved, 0)
	if err != nil {
		t.Fatalf("saved file is not an image: %v", err)
	}
	if src.Width() != 8 || src.Height() != 8 {
		t.Errorf("saved size: got %dx%d, want 8x8", src.Width(), src.Height())
	}

	// saved files are served back under the prefix
	if w := env.do(t, http.MethodGet, loc, ""); w.Code != http.StatusOK {
		t.Errorf("GET %s: got %d, want 200", loc, w.Code)
	}
}

func TestUpload_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing image", `{}`, http.StatusBadRequest},
		{"empty image", `{"image":""}`, http.StatusBadRequest},
		{"malformed json", `{"image":`, http.StatusBadRequest},
		{"not a data url", `{"image":"hello"}`, http.StatusInternalServerError},
		{"bad base64", `{"image":"data:image/png;base64,!!!"}`, http.StatusInternalServerError},
		{"not an image", `{"image":"data:image/png;base64,aGVsbG8gd29ybGQ="}`, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/upload", tt.body)
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if _, ok := decodeBody(t, w)["error"]; !ok {
				t.Error("body should carry an error message")
			}
		})
	}
}

func TestRuntimeAndSessionState(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/runtime", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if got := decodeBody(t, w)["status"]; got != "uninitialized" {
		t.Errorf("runtime status: got %v, want uninitialized", got)
	}

	if err := env.runtime.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	body := decodeBody(t, env.do(t, http.MethodGet, "/api/runtime", ""))
	if body["status"] != "ready" || body["percent"] != float64(100) {
		t.Errorf("runtime after activation: got %v", body)
	}

	body = decodeBody(t, env.do(t, http.MethodGet, "/api/session", ""))
	if body["state"] != "idle" {
		t.Errorf("session state: got %v, want idle", body["state"])
	}
}

func TestTessdata(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/api/tessdata/jpn.traineddata", ""); w.Code != http.StatusNotFound {
		t.Errorf("before activation: got %d, want 404", w.Code)
	}
	if err := env.runtime.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	w := env.do(t, http.MethodGet, "/api/tessdata/jpn.traineddata", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
	if w.Body.String() != "stub" {
		t.Errorf("body: got %q, want stub", w.Body.String())
	}

	for _, name := range []string{"eng.traineddata", "secrets.txt", "..%2Fjpn.traineddata"} {
		if w := env.do(t, http.MethodGet, "/api/tessdata/"+name, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: got %d, want 404", name, w.Code)
		}
	}
}

func TestSave(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/save", "")
	if w.Code != http.StatusConflict {
		t.Errorf("save without result: got %d, want 409", w.Code)
	}
	if decodeBody(t, w)["success"] != false {
		t.Error("save without result should report success=false")
	}

	if err := env.runtime.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := env.session.SetSource(imaging.FromImage(createCheckerImage(16))); err != nil {
		t.Fatal(err)
	}
	if err := env.session.UseWholeImage(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.session.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	w = env.do(t, http.MethodPost, "/api/save", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Fatalf("success: got %v", body)
	}
	loc, _ := body["location"].(string)
	if _, err := os.Stat(filepath.Join(env.uploadDir, strings.TrimPrefix(loc, "/uploads/"))); err != nil {
		t.Errorf("saved file missing: %v", err)
	}
}

func TestDebugVars(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/debug/vars", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("pipeline_runs_started")) {
		t.Error("pipeline counters not published")
	}
}

func TestDecodeDataURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"data:image/png;base64,aGk=", "hi", false},
		{"data:image/jpeg;base64,aGk=", "hi", false},
		{"data:text/plain;base64,aGk=", "", true},
		{"data:image/png,aGk=", "", true},
		{"aGk=", "", true},
	}
	for _, tt := range tests {
		got, err := decodeDataURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("decodeDataURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("decodeDataURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
