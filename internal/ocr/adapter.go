package ocr

import (
	"context"
	"expvar"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"
	"unicode/utf8"
)

var (
	recognitionsStarted = expvar.NewInt("recognitions_started")
	recognitionsFailed  = expvar.NewInt("recognitions_failed")
)

// Result is the outcome of one recognition call.
type Result struct {
	// Text is the recognized text with all whitespace removed.
	Text string `json:"text"`

	// Raw is the text as the engine returned it.
	Raw string `json:"raw,omitempty"`

	// Progress is the last reported percentage; 100 on success.
	Progress int `json:"progress"`

	Elapsed time.Duration `json:"elapsed_ns"`
}

// Adapter runs recognitions on an Engine one at a time.
//
// Adapter is safe for concurrent use; a call made while another is in flight
// fails fast with ErrRecognitionBusy instead of queuing, because engines offer
// no way to cancel a running recognition.
type Adapter struct {
	log  *slog.Logger
	busy sync.Mutex

	mu     sync.RWMutex
	engine Engine
}

// NewAdapter wraps engine. engine may be nil and set later with SetEngine,
// which lets the adapter exist before the vision runtime has built one.
// A nil logger discards output.
func NewAdapter(engine Engine, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{engine: engine, log: log}
}

// SetEngine installs engine and returns the one it replaces, if any.
func (a *Adapter) SetEngine(engine Engine) Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.engine
	a.engine = engine
	return prev
}

func (a *Adapter) currentEngine() Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine
}

// Recognize runs the engine on img and returns normalized text.
//
// onProgress, if non-nil, is called from a single goroutine with whole
// percentages in non-decreasing order, only while the engine is in its
// recognizing phase. On success the last call reports 100.
func (a *Adapter) Recognize(ctx context.Context, img image.Image, onProgress func(percent int)) (*Result, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no image", ErrRecognitionFailed)
	}
	if !a.busy.TryLock() {
		return nil, ErrRecognitionBusy
	}
	defer a.busy.Unlock()

	engine := a.currentEngine()
	if engine == nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognitionFailed, ErrEngineUnavailable)
	}

	recognitionsStarted.Add(1)
	start := time.Now()
	events := make(chan Event, 16)
	relayed := make(chan int)

	go func() {
		last := -1
		for ev := range events {
			if ev.Phase != PhaseRecognizing {
				continue
			}
			pct := toPercent(ev.Progress)
			if pct <= last {
				continue
			}
			last = pct
			if onProgress != nil {
				onProgress(pct)
			}
		}
		relayed <- last
	}()

	raw, err := engine.Recognize(ctx, img, events)
	close(events)
	last := <-relayed

	if err != nil {
		recognitionsFailed.Add(1)
		a.log.Warn("recognition failed", "err", err, "elapsed", time.Since(start))
		return nil, fmt.Errorf("%w: %w", ErrRecognitionFailed, err)
	}
	if !utf8.ValidString(raw) {
		recognitionsFailed.Add(1)
		a.log.Warn("recognition returned malformed text", "bytes", len(raw))
		return nil, fmt.Errorf("%w: engine returned invalid UTF-8", ErrRecognitionFailed)
	}

	if last < 100 && onProgress != nil {
		onProgress(100)
	}

	res := &Result{
		Text:     Normalize(raw),
		Raw:      raw,
		Progress: 100,
		Elapsed:  time.Since(start),
	}
	a.log.Info("recognition finished",
		"chars", utf8.RuneCountInString(res.Text),
		"elapsed", res.Elapsed)
	return res, nil
}

// Close releases the engine.
func (a *Adapter) Close() error {
	if e := a.SetEngine(nil); e != nil {
		return e.Close()
	}
	return nil
}

func toPercent(fraction float64) int {
	if math.IsNaN(fraction) {
		return 0
	}
	pct := int(math.Round(fraction * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
