package capture

import (
	"context"
	"log/slog"
	"time"
)

// ExtractFunc returns the current best-effort response text.
type ExtractFunc func(ctx context.Context) (string, error)

// DirtyFunc reports whether the page flagged new response activity since the
// last check (set by the injected mutation hook, cleared on read).
type DirtyFunc func(ctx context.Context) bool

// Poll is the passive trigger: independent of any dispatch, it periodically
// compares freshly extracted text against the last delivered value and
// starts a capture session for replies the post-send trigger missed.
//
// Two conditions start a session: the in-page mutation hook flagged
// activity, or the extracted text differs from the last delivered value and
// is longer. "Longer" (not merely "different") is the documented contract:
// shrinking or reshuffled text alone never re-triggers capture.
type Poll struct {
	watcher  *Watcher
	extract  ExtractFunc
	dirty    DirtyFunc
	interval time.Duration
	logger   *slog.Logger
}

// NewPoll creates a passive poll for one watcher. dirty may be nil when no
// mutation hook is available. Default interval: 2s.
func NewPoll(w *Watcher, extract ExtractFunc, dirty DirtyFunc, interval time.Duration, logger *slog.Logger) *Poll {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poll{
		watcher:  w,
		extract:  extract,
		dirty:    dirty,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until the context is cancelled.
func (p *Poll) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poll) tick(ctx context.Context) {
	// Cheap check first: skip extraction entirely while a session runs.
	if p.watcher.Watching() {
		return
	}

	if p.dirty != nil && p.dirty(ctx) {
		p.watcher.TryStart(ctx)
		return
	}

	text, err := p.extract(ctx)
	if err != nil {
		p.logger.Debug("capture: passive extract failed", "error", err)
		return
	}

	last := p.watcher.LastDelivered()
	if text != "" && text != last && len(text) > len(last) {
		p.watcher.TryStart(ctx)
	}
}
