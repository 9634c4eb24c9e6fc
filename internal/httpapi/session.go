package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
	"github.com/ironsheep/ocr-prep-mcp/internal/ocr"
	"github.com/ironsheep/ocr-prep-mcp/internal/pipeline"
)

var errNoRecognizer = errors.New("no recognizer configured")

// statusFor maps session and recognition errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrRuntimeNotReady),
		errors.Is(err, ocr.ErrEngineUnavailable),
		errors.Is(err, errNoRecognizer):
		return http.StatusServiceUnavailable
	case errors.Is(err, imaging.ErrInvalidCropRegion),
		errors.Is(err, imaging.ErrDecodeFailure),
		errors.Is(err, pipeline.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoImage),
		errors.Is(err, pipeline.ErrInvalidState),
		errors.Is(err, ocr.ErrRecognitionBusy):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.log.Error("session request failed", "path", c.FullPath(), "err", err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

// step runs one session transition and answers with the new snapshot.
func (a *api) step(c *gin.Context, fn func() error) {
	if err := fn(); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.opts.Session.Snapshot())
}

// loadImage makes a data-URL image the session's source.
func (a *api) loadImage(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "No image data provided"})
		return
	}
	data, err := decodeDataURL(req.Image)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.step(c, func() error { return a.opts.Session.Load(data) })
}

type cropRequest struct {
	X             float64 `json:"x" binding:"gte=0"`
	Y             float64 `json:"y" binding:"gte=0"`
	Width         float64 `json:"width" binding:"gt=0"`
	Height        float64 `json:"height" binding:"gt=0"`
	DisplayWidth  float64 `json:"display_width" binding:"gt=0"`
	DisplayHeight float64 `json:"display_height" binding:"gt=0"`
}

func (a *api) crop(c *gin.Context) {
	var req cropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	region := imaging.CropRegion{X: req.X, Y: req.Y, Width: req.Width, Height: req.Height}
	display := imaging.DisplaySize{Width: req.DisplayWidth, Height: req.DisplayHeight}
	a.step(c, func() error { return a.opts.Session.Crop(region, display) })
}

func (a *api) useWholeImage(c *gin.Context) {
	a.step(c, a.opts.Session.UseWholeImage)
}

func (a *api) resetCrop(c *gin.Context) {
	a.step(c, a.opts.Session.ResetCrop)
}

type thresholdRequest struct {
	Threshold *int `json:"threshold" binding:"required,min=0,max=255"`
}

func (a *api) setThreshold(c *gin.Context) {
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.step(c, func() error { return a.opts.Session.SetThreshold(*req.Threshold) })
}

type resultResponse struct {
	State      string            `json:"state"`
	Threshold  int               `json:"threshold"`
	OtsuLevel  int               `json:"otsu_level"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Segments   []imaging.Segment `json:"segments"`
	Generation uint64            `json:"generation"`
	LastError  string            `json:"last_error,omitempty"`
	Image      string            `json:"image"`
}

// waitResult waits for a pending run and returns the newest processed image.
func (a *api) waitResult(c *gin.Context) (*pipeline.Result, error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.opts.ResultTimeout)
	defer cancel()
	res, err := a.opts.Session.Wait(ctx)
	if res == nil {
		if err == nil {
			err = fmt.Errorf("%w: no processed image yet", pipeline.ErrNoImage)
		}
		return nil, err
	}
	return res, nil
}

// result answers with the processed image as a PNG data URL. With
// ?wait=false it returns the published result without waiting.
func (a *api) result(c *gin.Context) {
	var (
		res    *pipeline.Result
		runErr error
	)
	if c.DefaultQuery("wait", "true") != "false" {
		ctx, cancel := context.WithTimeout(c.Request.Context(), a.opts.ResultTimeout)
		defer cancel()
		res, runErr = a.opts.Session.Wait(ctx)
		if res == nil && runErr != nil {
			a.fail(c, runErr)
			return
		}
	} else {
		res, runErr = a.opts.Session.Result()
	}
	if res == nil {
		a.fail(c, fmt.Errorf("%w: no processed image yet", pipeline.ErrNoImage))
		return
	}

	img, err := imaging.DataURL(res.Image)
	if err != nil {
		a.fail(c, err)
		return
	}
	resp := &resultResponse{
		State:      a.opts.Session.Snapshot().State,
		Threshold:  int(res.Threshold),
		OtsuLevel:  int(res.OtsuLevel),
		Width:      res.Image.Bounds().Dx(),
		Height:     res.Image.Bounds().Dy(),
		Segments:   res.Segments,
		Generation: res.Generation,
		Image:      img,
	}
	if resp.Segments == nil {
		resp.Segments = []imaging.Segment{}
	}
	if runErr != nil {
		resp.LastError = runErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// recognize runs text recognition on the newest processed image.
func (a *api) recognize(c *gin.Context) {
	if !a.opts.Runtime.Ready() {
		a.fail(c, pipeline.ErrRuntimeNotReady)
		return
	}
	if a.opts.Recognizer == nil {
		a.fail(c, errNoRecognizer)
		return
	}
	res, err := a.waitResult(c)
	if err != nil {
		a.fail(c, err)
		return
	}
	out, err := a.opts.Recognizer.Recognize(c.Request.Context(), res.Image, nil)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"text":       out.Text,
		"threshold":  int(res.Threshold),
		"elapsed_ms": out.Elapsed.Milliseconds(),
	})
}
