// Package httpapi exposes the preprocessing session over HTTP.
//
// Routes:
//
//	POST /api/upload           {"image": "data:image/png;base64,..."} -> {"filePath": "..."}
//	POST /api/save             persist the session's processed image
//	GET  /api/runtime          vision runtime state
//	GET  /api/session          session snapshot
//	POST /api/session/load     {"image": "data:..."} becomes the source image
//	POST /api/session/crop     {x, y, width, height, display_width, display_height}
//	POST /api/session/whole    process the whole source image
//	POST /api/session/reset    back to the crop decision
//	POST /api/session/threshold {"threshold": 0-255}
//	GET  /api/session/result   processed image as a data URL (?wait=false to poll)
//	POST /api/session/recognize recognized text of the processed image
//	GET  /api/tessdata/:file   cached recognition training data
//	GET  /debug/vars           expvar counters
//
// Saved images are served back under the upload URL prefix when a directory
// store is in use.
package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/expvar"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
	"github.com/ironsheep/ocr-prep-mcp/internal/ocr"
	"github.com/ironsheep/ocr-prep-mcp/internal/pipeline"
	"github.com/ironsheep/ocr-prep-mcp/internal/store"
	"github.com/ironsheep/ocr-prep-mcp/internal/visionrt"
)

// Options holds what the routes serve.
type Options struct {
	Runtime    *visionrt.Runtime
	Session    *pipeline.Session
	Recognizer *ocr.Adapter
	Store      store.Store

	// UploadDir and UploadURLPrefix, when both set, serve saved files.
	UploadDir       string
	UploadURLPrefix string

	// MaxImageBytes bounds decoded upload size; 0 disables the check.
	MaxImageBytes uint64

	// SaveTimeout bounds one persistence call. Zero means 30s.
	SaveTimeout time.Duration

	// ResultTimeout bounds waiting for a pending run. Zero means 30s.
	ResultTimeout time.Duration

	Logger *slog.Logger
}

type api struct {
	opts Options
	log  *slog.Logger
}

// NewRouter builds the gin engine with request logging and panic recovery.
func NewRouter(opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 30 * time.Second
	}
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = 30 * time.Second
	}
	a := &api{opts: opts, log: log}

	router := gin.New()
	router.Use(sloggin.New(log), gin.Recovery())
	router.POST("/api/upload", a.upload)
	router.POST("/api/save", a.save)
	router.GET("/api/runtime", a.runtimeState)
	router.GET("/api/session", a.sessionState)

	session := router.Group("/api/session")
	session.POST("/load", a.loadImage)
	session.POST("/crop", a.crop)
	session.POST("/whole", a.useWholeImage)
	session.POST("/reset", a.resetCrop)
	session.POST("/threshold", a.setThreshold)
	session.GET("/result", a.result)
	session.POST("/recognize", a.recognize)

	router.GET("/api/tessdata/:file", a.tessdata)
	router.GET("/debug/vars", expvar.Handler())
	if opts.UploadDir != "" && opts.UploadURLPrefix != "" {
		router.Static(opts.UploadURLPrefix, opts.UploadDir)
	}
	return router
}

type uploadRequest struct {
	Image string `json:"image" binding:"required"`
}

// upload stores a data-URL image as processed-<unix-ms>.png.
func (a *api) upload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "No image data provided"})
		return
	}

	loc, err := a.storeUpload(c, req.Image)
	if err != nil {
		a.log.Error("failed to save uploaded image", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to save image"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"filePath": loc})
}

func (a *api) storeUpload(c *gin.Context, dataURL string) (string, error) {
	data, err := decodeDataURL(dataURL)
	if err != nil {
		return "", err
	}
	src, err := imaging.Decode(data, a.opts.MaxImageBytes)
	if err != nil {
		return "", err
	}
	return a.put(c, src.Pixels)
}

// save persists the session's latest processed image. Failure is reported in
// the body with success=false.
func (a *api) save(c *gin.Context) {
	res, lastErr := a.opts.Session.Result()
	if res == nil {
		msg := "no processed image"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": msg})
		return
	}
	loc, err := a.put(c, res.Image)
	if err != nil {
		a.log.Error("failed to save processed image", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "location": loc})
}

func (a *api) put(c *gin.Context, img image.Image) (string, error) {
	if a.opts.Store == nil {
		return "", errors.New("no store configured")
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.opts.SaveTimeout)
	defer cancel()
	return store.SaveImage(ctx, a.opts.Store, img)
}

func (a *api) runtimeState(c *gin.Context) {
	c.JSON(http.StatusOK, a.opts.Runtime.State())
}

func (a *api) sessionState(c *gin.Context) {
	c.JSON(http.StatusOK, a.opts.Session.Snapshot())
}

// tessdata serves training data files from the runtime's directory.
func (a *api) tessdata(c *gin.Context) {
	name := c.Param("file")
	dir := a.opts.Runtime.TessdataDir()
	if dir == "" || name != filepath.Base(name) || !strings.HasSuffix(name, ".traineddata") {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.File(path)
}

var errNotDataURL = errors.New("not a base64 data URL")

// decodeDataURL returns the payload of "data:image/<type>;base64,<data>".
func decodeDataURL(s string) ([]byte, error) {
	header, payload, ok := strings.Cut(s, ",")
	if !ok || !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return nil, errNotDataURL
	}
	return base64.StdEncoding.DecodeString(payload)
}
