// Package natsvc registers the preprocessing pipeline as a NATS micro service.
//
// Endpoints, all under the "ocrprep" subject group:
//
//	ocrprep.status      runtime state and session snapshot as JSON
//	ocrprep.preprocess  encoded image in, processed PNG out (stateless)
//	ocrprep.save        persist the session's processed image
//
// preprocess reads an optional "Threshold" header and answers with
// "Otsu-Level" and "Segments" headers next to the PNG body. It never touches
// the interactive session.
package natsvc

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
	"github.com/ironsheep/ocr-prep-mcp/internal/pipeline"
	"github.com/ironsheep/ocr-prep-mcp/internal/store"
	"github.com/ironsheep/ocr-prep-mcp/internal/visionrt"
)

const queueGroup = "ocr-prep"

// Options holds the collaborators the endpoints use.
type Options struct {
	Runtime          *visionrt.Runtime
	Session          *pipeline.Session
	Store            store.Store
	Settings         pipeline.Settings
	DefaultThreshold uint8
	MaxImageBytes    uint64
	Timeout          time.Duration
	Version          string
	Logger           *slog.Logger
}

type service struct {
	opts Options
	log  *slog.Logger
}

// Register adds the service to nc. Stop the returned service before
// draining the connection.
func Register(nc *nats.Conn, opts Options) (micro.Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "0.1.0"
	}
	s := &service{opts: opts, log: opts.Logger}

	svc, err := micro.AddService(nc, micro.Config{
		Name:        "ocr-prep",
		Version:     opts.Version,
		Description: "Binarizes photographed text and removes ruled lines before OCR",
	})
	if err != nil {
		return nil, err
	}
	grp := svc.AddGroup("ocrprep")
	endpoints := []struct {
		name string
		fn   micro.HandlerFunc
	}{
		{"status", s.handleStatus},
		{"preprocess", s.handlePreprocess},
		{"save", s.handleSave},
	}
	for _, ep := range endpoints {
		if err := grp.AddEndpoint(ep.name, ep.fn, micro.WithEndpointQueueGroup(queueGroup)); err != nil {
			svc.Stop()
			return nil, err
		}
	}
	return svc, nil
}

func (s *service) respondJSON(req micro.Request, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		req.Error("internal", err.Error(), nil)
		return
	}
	req.Respond(b)
}

func (s *service) handleStatus(req micro.Request) {
	s.respondJSON(req, map[string]interface{}{
		"runtime": s.opts.Runtime.State(),
		"session": s.opts.Session.Snapshot(),
	})
}

func (s *service) handlePreprocess(req micro.Request) {
	if !s.opts.Runtime.Ready() {
		req.Error("unavailable", pipeline.ErrRuntimeNotReady.Error(), nil)
		return
	}
	threshold := s.opts.DefaultThreshold
	if h := req.Headers().Get("Threshold"); h != "" {
		v, err := strconv.Atoi(h)
		if err != nil || v < 0 || v > 255 {
			req.Error("invalid_params", pipeline.ErrInvalidThreshold.Error(), nil)
			return
		}
		threshold = uint8(v)
	}

	src, err := imaging.Decode(req.Data(), s.opts.MaxImageBytes)
	if err != nil {
		req.Error("invalid_params", err.Error(), nil)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	res, err := pipeline.Process(ctx, imaging.WholeImage(src), threshold, s.opts.Settings)
	if err != nil {
		s.log.Error("preprocess request failed", "err", err)
		req.Error("failed", err.Error(), nil)
		return
	}
	png, err := imaging.EncodePNG(res.Image)
	if err != nil {
		req.Error("failed", err.Error(), nil)
		return
	}
	s.log.Info("preprocess request served",
		"width", src.Width(), "height", src.Height(),
		"threshold", threshold, "segments", len(res.Segments))
	req.Respond(png, micro.WithHeaders(micro.Headers{
		"Otsu-Level": {strconv.Itoa(int(res.OtsuLevel))},
		"Segments":   {strconv.Itoa(len(res.Segments))},
	}))
}

type saveReply struct {
	Success  bool   `json:"success"`
	Location string `json:"location,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *service) handleSave(req micro.Request) {
	res, _ := s.opts.Session.Result()
	if res == nil {
		s.respondJSON(req, &saveReply{Error: "no processed image"})
		return
	}
	if s.opts.Store == nil {
		s.respondJSON(req, &saveReply{Error: "no store configured"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	loc, err := store.SaveImage(ctx, s.opts.Store, res.Image)
	if err != nil {
		s.log.Error("failed to save processed image", "err", err)
		s.respondJSON(req, &saveReply{Error: err.Error()})
		return
	}
	s.respondJSON(req, &saveReply{Success: true, Location: loc})
}
