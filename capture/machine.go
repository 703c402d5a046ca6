// Package capture decides when a streamed reply has finished arriving.
//
// The collaborating page gives no completion signal, so completion is
// inferred from silence: a snapshot that stops changing while no in-progress
// indicator is visible. The watcher samples on a fixed period, counts
// consecutive stable samples, and emits exactly one terminal event per
// captured reply. At most one capture session per target runs at a time;
// concurrent triggers are dropped, not queued.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/roundtable/registry"
)

// ErrHostGone signals that the hosting context (the tab, the browser) is
// being torn down. The watcher aborts immediately without emitting.
var ErrHostGone = errors.New("capture: host context invalidated")

// Snapshot is one observation of the page.
type Snapshot struct {
	// Content is the best-effort extracted response text ("" when nothing
	// qualifies yet).
	Content string

	// Streaming is true when any in-progress indicator is present.
	Streaming bool
}

// Sampler produces snapshots of a live document. Implemented by tabs.Tab in
// production and by fakes in tests.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Snapshot, error)

func (f SamplerFunc) Sample(ctx context.Context) (Snapshot, error) { return f(ctx) }

// EmitFunc receives the single terminal event of a capture session.
type EmitFunc func(target registry.Target, content string)

// Config tunes the stabilization algorithm.
type Config struct {
	// Interval is the sampling period. Default: 450ms.
	Interval time.Duration

	// StableThreshold is how many consecutive stable samples confirm
	// completion. Default: 4 (≈2s of silence at the default interval).
	StableThreshold int

	// Budget bounds one capture session. Replies can be very long, so the
	// default is generous: 10 minutes.
	Budget time.Duration

	// MinEmitLength is the floor below which a budget-exhaustion snapshot
	// is considered trivial and dropped. Default: 10.
	MinEmitLength int

	// SampleTimeout bounds one sampler call. A hung call would otherwise
	// pin the session past its budget and hold the single-flight lock.
	// Default: 5s.
	SampleTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 450 * time.Millisecond
	}
	if c.StableThreshold <= 0 {
		c.StableThreshold = 4
	}
	if c.Budget <= 0 {
		c.Budget = 10 * time.Minute
	}
	if c.MinEmitLength <= 0 {
		c.MinEmitLength = 10
	}
	if c.SampleTimeout <= 0 {
		c.SampleTimeout = 5 * time.Second
	}
}

// Watcher runs capture sessions for one target. The last-delivered content
// is the only state shared across sessions; it is read and updated under the
// same lock that guards emission, so no content is ever emitted twice.
type Watcher struct {
	target  registry.Target
	sampler Sampler
	emit    EmitFunc
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	watching bool
	last     string
}

// NewWatcher creates a Watcher. emit may be nil (events dropped), which is
// only useful in tests.
func NewWatcher(target registry.Target, sampler Sampler, emit EmitFunc, cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	return &Watcher{
		target:  target,
		sampler: sampler,
		emit:    emit,
		cfg:     cfg,
		logger:  logger,
	}
}

// TryStart begins a capture session unless one is already running.
// Returns false when the single-flight guard dropped the trigger.
func (w *Watcher) TryStart(ctx context.Context) bool {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return false
	}
	w.watching = true
	w.mu.Unlock()

	go w.run(ctx)
	return true
}

// Watching reports whether a capture session is currently active.
func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

// LastDelivered returns the last content emitted for this target.
func (w *Watcher) LastDelivered() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Watcher) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	}()

	deadline := time.Now().Add(w.cfg.Budget)
	// Samples run under the session deadline so a blocking sampler unblocks
	// when the budget runs out instead of pinning the session forever.
	sessionCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	var prev string
	var best string
	stable := 0

	for {
		select {
		case <-ctx.Done():
			// Host teardown: abort without emitting.
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			w.abandon(best)
			return
		}

		snap, err := w.sample(sessionCtx)
		if err != nil {
			if errors.Is(err, ErrHostGone) || ctx.Err() != nil {
				return
			}
			// Transient sampling failure: treat as an unstable observation.
			w.logger.Debug("capture: sample failed", "target", w.target, "error", err)
			stable = 0
			prev = ""
			continue
		}

		if len(snap.Content) > len(best) {
			best = snap.Content
		}

		if w.isStable(snap, prev) {
			stable++
			if stable >= w.cfg.StableThreshold {
				w.deliver(snap.Content)
				return
			}
		} else {
			stable = 0
		}
		prev = snap.Content
	}
}

// sample runs one sampler call under the per-sample timeout. The context
// already carries the session deadline; whichever expires first wins.
func (w *Watcher) sample(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.SampleTimeout)
	defer cancel()
	return w.sampler.Sample(ctx)
}

// isStable applies the stability predicate: not generating, non-empty, and
// unchanged (in content, or at least in length) since the previous sample.
func (w *Watcher) isStable(snap Snapshot, prev string) bool {
	if snap.Streaming || snap.Content == "" {
		return false
	}
	return snap.Content == prev || len(snap.Content) == len(prev)
}

// deliver emits the captured content unless it matches the last delivered
// value. Update and emission happen under one lock so duplicate suppression
// is race-free.
func (w *Watcher) deliver(content string) {
	w.mu.Lock()
	if content == w.last {
		w.mu.Unlock()
		w.logger.Debug("capture: unchanged content suppressed", "target", w.target)
		return
	}
	w.last = content
	emit := w.emit
	w.mu.Unlock()

	w.logger.Info("capture: response captured",
		"target", w.target, "length", len(content))
	if emit != nil {
		emit(w.target, content)
	}
}

// abandon fires at budget exhaustion: emit the best snapshot seen if it is
// non-trivial and non-duplicate, then go back to idle.
func (w *Watcher) abandon(best string) {
	if len(best) < w.cfg.MinEmitLength {
		w.logger.Warn("capture: wait budget exhausted, nothing usable",
			"target", w.target)
		return
	}
	w.logger.Warn("capture: wait budget exhausted, emitting best snapshot",
		"target", w.target, "length", len(best))
	w.deliver(best)
}
