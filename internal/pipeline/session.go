package pipeline

import (
	"context"
	"expvar"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ironsheep/ocr-prep-mcp/internal/imaging"
)

var (
	runsStarted    = expvar.NewInt("pipeline_runs_started")
	runsCompleted  = expvar.NewInt("pipeline_runs_completed")
	runsFailed     = expvar.NewInt("pipeline_runs_failed")
	resultsDropped = expvar.NewInt("pipeline_stale_results_dropped")
)

// State is the lifecycle state of a working session.
type State int

const (
	// StateIdle means no image is selected.
	StateIdle State = iota
	// StateAwaitingCrop means a source image is loaded and the caller must
	// either crop or choose the whole image.
	StateAwaitingCrop
	// StateReady means the working image is fixed but no result exists yet.
	StateReady
	// StateRecomputing means a run is scheduled or in flight.
	StateRecomputing
	// StateStable means the latest requested run finished.
	StateStable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCrop:
		return "awaiting_crop"
	case StateReady:
		return "ready"
	case StateRecomputing:
		return "recomputing"
	case StateStable:
		return "stable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Readiness reports whether the vision runtime may be used.
type Readiness interface {
	Ready() bool
}

// Options configures a Session.
type Options struct {
	Settings Settings

	// DefaultThreshold is the manual threshold used for the first run after
	// the working image is fixed.
	DefaultThreshold uint8

	// Debounce delays threshold-triggered runs until no further change has
	// arrived for this long. The first run after fixing the working image is
	// never delayed.
	Debounce time.Duration

	// MaxImageBytes limits encoded source size; 0 disables the check.
	MaxImageBytes uint64

	Logger *slog.Logger
}

// Snapshot is a point-in-time view of a session for status reporting.
type Snapshot struct {
	State         string `json:"state"`
	Threshold     int    `json:"threshold"`
	SourceWidth   int    `json:"source_width,omitempty"`
	SourceHeight  int    `json:"source_height,omitempty"`
	WorkingWidth  int    `json:"working_width,omitempty"`
	WorkingHeight int    `json:"working_height,omitempty"`
	Cropped       bool   `json:"cropped"`
	HasResult     bool   `json:"has_result"`
	ResultFor     int    `json:"result_threshold,omitempty"`
	Segments      int    `json:"segments"`
	Generation    uint64 `json:"generation"`
	LastError     string `json:"last_error,omitempty"`
}

// Session is the pipeline controller for one selected source image.
//
// It caches the working image and re-runs only binarize, detect and erase
// when the threshold changes. Every request bumps a generation counter; a run
// publishes its result only if its generation is still the latest, so a slow
// stale run can never overwrite a newer one. Scheduling a new run also cancels
// the one in flight.
//
// Session is safe for concurrent use.
type Session struct {
	rt      Readiness
	opts    Options
	log     *slog.Logger
	process func(ctx context.Context, working *image.NRGBA, threshold uint8, s Settings) (*Result, error)

	mu        sync.Mutex
	state     State
	source    *imaging.SourceImage
	working   *image.NRGBA
	cropped   bool
	threshold uint8
	result    *Result
	lastErr   error
	gen       uint64
	timer     *time.Timer
	cancel    context.CancelFunc
	changed   chan struct{}
	closed    bool
}

// NewSession creates an idle session gated on rt.
func NewSession(rt Readiness, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		rt:        rt,
		opts:      opts,
		log:       log,
		process:   Process,
		threshold: opts.DefaultThreshold,
		changed:   make(chan struct{}),
	}
}

// Load decodes data and makes it the session's source image.
//
// Any previous image, working image and result are discarded first, so a
// decode failure leaves the session idle.
func (s *Session) Load(data []byte) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()

	src, err := imaging.Decode(data, s.opts.MaxImageBytes)
	if err != nil {
		s.log.Warn("source image rejected", "err", err)
		return err
	}
	return s.SetSource(src)
}

// SetSource makes an already decoded image the session's source image.
func (s *Session) SetSource(src *imaging.SourceImage) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if src == nil {
		return ErrNoImage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrInvalidState
	}
	s.resetLocked()
	s.source = src
	s.setStateLocked(StateAwaitingCrop)
	s.log.Info("source image selected", "width", src.Width(), "height", src.Height(), "format", src.Format)
	return nil
}

// Crop fixes the working image to the native pixels under a display-space
// crop rectangle and starts the first run.
func (s *Session) Crop(region imaging.CropRegion, display imaging.DisplaySize) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expectLocked(StateAwaitingCrop); err != nil {
		return err
	}
	working, err := imaging.ExtractRegion(s.source, region, display)
	if err != nil {
		return err
	}
	s.log.Info("crop committed",
		"display", fmt.Sprintf("%gx%g", display.Width, display.Height),
		"native", fmt.Sprintf("%dx%d", working.Bounds().Dx(), working.Bounds().Dy()))
	s.fixWorkingLocked(working, true)
	return nil
}

// UseWholeImage fixes the working image to the unmodified source and starts
// the first run.
func (s *Session) UseWholeImage() error {
	if err := s.checkReady(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expectLocked(StateAwaitingCrop); err != nil {
		return err
	}
	s.fixWorkingLocked(imaging.WholeImage(s.source), false)
	return nil
}

// ResetCrop drops the working image and any result and returns to the crop
// decision for the same source image. An in-flight run is cancelled and its
// result discarded.
func (s *Session) ResetCrop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady, StateRecomputing, StateStable:
	case StateAwaitingCrop:
		return nil
	default:
		return fmt.Errorf("%w: reset crop in state %s", ErrInvalidState, s.state)
	}
	s.stopLocked()
	s.working = nil
	s.cropped = false
	s.result = nil
	s.lastErr = nil
	s.threshold = s.opts.DefaultThreshold
	s.setStateLocked(StateAwaitingCrop)
	return nil
}

// SetThreshold changes the manual threshold and schedules a debounced re-run
// from the cached working image.
func (s *Session) SetThreshold(v int) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if v < 0 || v > 255 {
		return fmt.Errorf("%w: got %d", ErrInvalidThreshold, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session closed", ErrInvalidState)
	}
	if s.working == nil {
		return fmt.Errorf("%w: no working image", ErrNoImage)
	}
	s.threshold = uint8(v)
	s.scheduleLocked(s.opts.Debounce)
	return nil
}

// Result returns the latest published result and the error of the most
// recent failed run, if any. Both may be set: after a failure the previous
// result is retained.
func (s *Session) Result() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.lastErr
}

// Working returns the cached working image, or nil. Callers must not modify it.
func (s *Session) Working() *image.NRGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working
}

// Wait blocks until no run is pending and returns the published result
// together with the error of a failed latest run.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	for {
		s.mu.Lock()
		switch s.state {
		case StateIdle, StateAwaitingCrop:
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: state %s", ErrNoImage, s.state)
		case StateStable, StateReady:
			res, err := s.result, s.lastErr
			s.mu.Unlock()
			return res, err
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Snapshot returns the current session status.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:      s.state.String(),
		Threshold:  int(s.threshold),
		Cropped:    s.cropped,
		HasResult:  s.result != nil,
		Generation: s.gen,
	}
	if s.source != nil {
		snap.SourceWidth, snap.SourceHeight = s.source.Width(), s.source.Height()
	}
	if s.working != nil {
		snap.WorkingWidth, snap.WorkingHeight = s.working.Bounds().Dx(), s.working.Bounds().Dy()
	}
	if s.result != nil {
		snap.ResultFor = int(s.result.Threshold)
		snap.Segments = len(s.result.Segments)
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Close cancels pending work. The session cannot be used afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.closed = true
}

func (s *Session) checkReady() error {
	if s.rt == nil || !s.rt.Ready() {
		return ErrRuntimeNotReady
	}
	return nil
}

func (s *Session) expectLocked(want State) error {
	if s.closed {
		return fmt.Errorf("%w: session closed", ErrInvalidState)
	}
	if s.state == StateIdle {
		return ErrNoImage
	}
	if s.state != want {
		return fmt.Errorf("%w: expected %s, session is %s", ErrInvalidState, want, s.state)
	}
	return nil
}

func (s *Session) fixWorkingLocked(working *image.NRGBA, cropped bool) {
	s.working = working
	s.cropped = cropped
	s.threshold = s.opts.DefaultThreshold
	s.setStateLocked(StateReady)
	s.scheduleLocked(0)
}

func (s *Session) resetLocked() {
	s.stopLocked()
	s.source = nil
	s.working = nil
	s.cropped = false
	s.result = nil
	s.lastErr = nil
	s.threshold = s.opts.DefaultThreshold
	s.setStateLocked(StateIdle)
}

// stopLocked invalidates every scheduled or running run.
func (s *Session) stopLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) scheduleLocked(delay time.Duration) {
	s.stopLocked()
	gen := s.gen
	working, threshold := s.working, s.threshold
	s.setStateLocked(StateRecomputing)

	start := func() { s.run(gen, working, threshold) }
	if delay <= 0 {
		go start()
		return
	}
	s.timer = time.AfterFunc(delay, start)
}

func (s *Session) run(gen uint64, working *image.NRGBA, threshold uint8) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()

	runsStarted.Add(1)
	res, err := s.process(ctx, working, threshold, s.opts.Settings)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		resultsDropped.Add(1)
		s.log.Debug("discarding stale pipeline result", "generation", gen, "latest", s.gen, "threshold", threshold)
		return
	}
	s.cancel = nil

	if err != nil {
		runsFailed.Add(1)
		s.lastErr = err
		s.log.Error("pipeline run failed", "generation", gen, "threshold", threshold, "err", err)
		if s.result != nil {
			s.setStateLocked(StateStable)
		} else {
			s.setStateLocked(StateReady)
		}
		return
	}

	runsCompleted.Add(1)
	res.Generation = gen
	s.result = res
	s.lastErr = nil
	s.log.Debug("pipeline run finished",
		"generation", gen,
		"threshold", threshold,
		"otsu", res.OtsuLevel,
		"segments", len(res.Segments),
		"elapsed", res.Elapsed)
	s.setStateLocked(StateStable)
}

func (s *Session) setStateLocked(next State) {
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
}
