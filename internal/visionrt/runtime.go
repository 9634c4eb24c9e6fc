package visionrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrActivationFailed is returned by every activation attempt after the first
// one failed. The runtime does not retry within a process.
var ErrActivationFailed = errors.New("vision runtime activation failed")

// Status is the lifecycle stage of the runtime.
type Status int

const (
	StatusUninitialized Status = iota
	StatusActivating
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusActivating:
		return "activating"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a snapshot of the runtime lifecycle.
type State struct {
	Status  Status `json:"status"`
	Percent int    `json:"percent"`
	Error   string `json:"error,omitempty"`
}

// download share of the progress bar; the activation hook covers the rest
const downloadShare = 90

// Options configures a Runtime.
type Options struct {
	// Language selects <Language>.traineddata.
	Language string

	// TessdataDir receives the training data. Empty means a directory under
	// the user cache dir.
	TessdataDir string

	// DownloadURL is a template with one %s for the language. Empty disables
	// downloading, so the file must already exist.
	DownloadURL string

	// HTTPClient fetches the training data; nil uses a client with a
	// ten minute timeout.
	HTTPClient *http.Client

	// Warmup runs after the training data is in place, typically building the
	// recognition engine. Its failure fails activation.
	Warmup func(ctx context.Context, tessdataDir string) error

	Logger *slog.Logger
}

// Runtime is the process-wide vision runtime: training data on disk plus a
// warmed-up engine. It is activated lazily and at most once.
type Runtime struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	state  State
	err    error
	dir    string
	done   chan struct{}
	subs   map[int]chan State
	nextID int
}

// New creates an uninitialized runtime.
func New(opts Options) *Runtime {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Runtime{
		opts: opts,
		log:  log,
		subs: make(map[int]chan State),
	}
}

// State returns the current lifecycle snapshot.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ready reports whether activation completed successfully.
func (r *Runtime) Ready() bool {
	return r.State().Status == StatusReady
}

// TessdataDir returns the directory holding the training data once resolved.
func (r *Runtime) TessdataDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// Subscribe returns a channel receiving the current state followed by every
// change. A slow reader only misses intermediate percentages; the newest
// state is always delivered. Call cancel to stop and close the channel.
func (r *Runtime) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	ch <- r.state
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// Activate fetches training data if missing and runs the warm-up hook.
//
// It is idempotent: on a ready runtime it returns nil immediately, while an
// activation is running it waits for that one, and after a failure it
// returns the same error wrapped in ErrActivationFailed. Cancelling ctx stops
// the wait, not the activation.
func (r *Runtime) Activate(ctx context.Context) error {
	r.mu.Lock()
	switch r.state.Status {
	case StatusReady:
		r.mu.Unlock()
		return nil
	case StatusFailed:
		err := r.err
		r.mu.Unlock()
		return err
	case StatusUninitialized:
		r.done = make(chan struct{})
		r.setLocked(State{Status: StatusActivating})
		go r.activate(context.WithoutCancel(ctx), r.done)
	}
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// WaitReady blocks until activation settles without starting it.
func (r *Runtime) WaitReady(ctx context.Context) error {
	ch, cancel := r.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-ch:
			switch st.Status {
			case StatusReady:
				return nil
			case StatusFailed:
				return fmt.Errorf("%w: %s", ErrActivationFailed, st.Error)
			}
		}
	}
}

func (r *Runtime) activate(ctx context.Context, done chan struct{}) {
	defer close(done)
	start := time.Now()

	dir, err := r.resolveDir()
	if err == nil {
		r.mu.Lock()
		r.dir = dir
		r.mu.Unlock()
		err = r.ensureTrainingData(ctx, dir)
	}
	if err == nil {
		r.progress(downloadShare)
		if r.opts.Warmup != nil {
			err = r.opts.Warmup(ctx, dir)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.err = fmt.Errorf("%w: %w", ErrActivationFailed, err)
		r.setLocked(State{Status: StatusFailed, Percent: r.state.Percent, Error: err.Error()})
		r.log.Error("vision runtime activation failed", "err", err, "elapsed", time.Since(start))
		return
	}
	r.setLocked(State{Status: StatusReady, Percent: 100})
	r.log.Info("vision runtime ready", "language", r.opts.Language, "tessdata", dir, "elapsed", time.Since(start))
}

func (r *Runtime) resolveDir() (string, error) {
	dir := r.opts.TessdataDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "ocr-prep-mcp", "tessdata")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create tessdata directory: %w", err)
	}
	return dir, nil
}

// progress raises the activation percentage; lower values are ignored.
func (r *Runtime) progress(pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status != StatusActivating || pct <= r.state.Percent {
		return
	}
	r.setLocked(State{Status: StatusActivating, Percent: pct})
}

func (r *Runtime) setLocked(st State) {
	r.state = st
	for _, ch := range r.subs {
		select {
		case ch <- st:
		default:
			// drop the oldest queued state to make room for the newest
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}
