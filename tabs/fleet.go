package tabs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-rod/stealth"

	"github.com/hazyhaar/roundtable/capture"
	"github.com/hazyhaar/roundtable/extract"
	"github.com/hazyhaar/roundtable/registry"
)

// Fleet resolves targets to live tabs and exposes the per-target operations
// the dispatch and capture layers need. Tabs are re-located on every lookup:
// the user owns the browser and may close, reload, or replace tabs at any
// time, so cached handles would only add a staleness failure mode.
type Fleet struct {
	mgr    *Manager
	reg    *registry.Registry
	logger *slog.Logger
}

// NewFleet creates a Fleet over a connected Manager.
func NewFleet(mgr *Manager, reg *registry.Registry, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fleet{mgr: mgr, reg: reg, logger: logger}
}

// Lookup finds the open tab whose URL matches the target's patterns.
// With several matching tabs the first one wins.
func (f *Fleet) Lookup(ctx context.Context, target registry.Target) (*Tab, error) {
	profile, err := f.reg.Resolve(target)
	if err != nil {
		return nil, err
	}

	b := f.mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("tabs: not connected to a browser")
	}

	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("tabs: list pages: %w", err)
	}
	for _, page := range pages {
		info, err := page.Context(ctx).Info()
		if err != nil {
			continue
		}
		if profile.MatchURL(info.URL) {
			return &Tab{page: page, profile: profile, url: info.URL}, nil
		}
	}
	return nil, &ErrNoTab{Target: string(target)}
}

// Status is one liveness observation.
type Status struct {
	Alive bool
	URL   string
}

// Probe locates the target's tab and pings its reader.
func (f *Fleet) Probe(ctx context.Context, target registry.Target) (Status, error) {
	tab, err := f.Lookup(ctx, target)
	if err != nil {
		return Status{}, err
	}
	return Status{Alive: tab.Ping(ctx), URL: tab.URL()}, nil
}

// Revive re-installs the reader into the target's tab. When this process
// launched the browser and the tab is missing entirely, it is opened: in a
// self-launched Chrome there is no user to open tabs for us.
func (f *Fleet) Revive(ctx context.Context, target registry.Target) error {
	tab, err := f.Lookup(ctx, target)
	if err != nil {
		var noTab *ErrNoTab
		if errors.As(err, &noTab) && f.mgr.SelfLaunched() {
			tab, err = f.Open(ctx, target)
			if err != nil {
				return err
			}
			return nil
		}
		return err
	}
	return tab.Inject(ctx)
}

// Open creates a stealth tab for the target, navigates to its home URL,
// and installs the reader. The user still has to be logged in there.
func (f *Fleet) Open(ctx context.Context, target registry.Target) (*Tab, error) {
	profile, err := f.reg.Resolve(target)
	if err != nil {
		return nil, err
	}
	if profile.Home == "" {
		return nil, fmt.Errorf("tabs: no home URL for %s", target)
	}

	b := f.mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("tabs: not connected to a browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("tabs: create tab for %s: %w", target, err)
	}
	if err := page.Context(ctx).Navigate(profile.Home); err != nil {
		page.Close()
		return nil, fmt.Errorf("tabs: navigate %s: %w", profile.Home, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		f.logger.Warn("tabs: load timeout", "target", target, "error", err)
	}

	tab := &Tab{page: page, profile: profile, url: profile.Home}
	if err := tab.Inject(ctx); err != nil {
		return nil, err
	}
	f.logger.Info("tabs: opened tab", "target", target, "url", profile.Home)
	return tab, nil
}

// Ensure returns a tab with a live reader, reviving once if needed.
func (f *Fleet) Ensure(ctx context.Context, target registry.Target) (*Tab, error) {
	tab, err := f.Lookup(ctx, target)
	if err != nil {
		return nil, err
	}
	if tab.Ping(ctx) {
		return tab, nil
	}
	f.logger.Info("tabs: reader dead, reviving", "target", target)
	if err := tab.Inject(ctx); err != nil {
		return nil, fmt.Errorf("tabs: revive %s: %w", target, err)
	}
	if !tab.Ping(ctx) {
		return nil, &ErrUnreachable{Target: string(target)}
	}
	return tab, nil
}

// Send dispatches a prompt into the target's composer.
func (f *Fleet) Send(ctx context.Context, target registry.Target, prompt string) error {
	tab, err := f.Lookup(ctx, target)
	if err != nil {
		return err
	}
	return tab.Send(ctx, prompt)
}

// ReadLatest returns the newest reply, falling back to server-side
// extraction from the raw document when the reader's selectors miss.
func (f *Fleet) ReadLatest(ctx context.Context, target registry.Target) (Reading, error) {
	tab, err := f.Lookup(ctx, target)
	if err != nil {
		return Reading{}, err
	}
	r, err := tab.Read(ctx)
	if err != nil {
		return Reading{}, err
	}
	if r.Content != "" {
		return r, nil
	}

	src, err := tab.OuterHTML(ctx)
	if err != nil {
		return r, nil // keep the empty reading, the fallback is best-effort
	}
	text, err := extract.Response(src, tab.profile.Response, tab.profile.MinLength)
	if err == nil && text != "" {
		r.Content = text
	}
	return r, nil
}

// NewConversation starts a fresh thread in the target's tab.
func (f *Fleet) NewConversation(ctx context.Context, target registry.Target) error {
	tab, err := f.Lookup(ctx, target)
	if err != nil {
		return err
	}
	return tab.NewConversation(ctx)
}

// Sampler adapts one target to the capture state machine. Host teardown is
// translated so capture aborts silently instead of logging a burst of
// failures while the browser shuts down.
func (f *Fleet) Sampler(target registry.Target) capture.Sampler {
	return capture.SamplerFunc(func(ctx context.Context) (capture.Snapshot, error) {
		r, err := f.ReadLatest(ctx, target)
		if err != nil {
			if isHostGone(err) {
				return capture.Snapshot{}, capture.ErrHostGone
			}
			return capture.Snapshot{}, err
		}
		return capture.Snapshot{Content: r.Content, Streaming: r.Streaming}, nil
	})
}

// Extractor adapts one target to the passive poll.
func (f *Fleet) Extractor(target registry.Target) capture.ExtractFunc {
	return func(ctx context.Context) (string, error) {
		r, err := f.ReadLatest(ctx, target)
		if err != nil {
			return "", err
		}
		return r.Content, nil
	}
}

// Dirty adapts the mutation-hook flag to the passive poll.
func (f *Fleet) Dirty(target registry.Target) capture.DirtyFunc {
	return func(ctx context.Context) bool {
		tab, err := f.Lookup(ctx, target)
		if err != nil {
			return false
		}
		return tab.TakeDirty(ctx)
	}
}
