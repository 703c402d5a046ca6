// Package tabs drives the collaborating chat tabs over the DevTools
// protocol. It attaches to the user's running Chrome (where the chat sites
// are already logged in), locates one tab per target by URL, installs the
// in-page reader, and exposes per-target operations: send, read, sample,
// new conversation.
package tabs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the browser connection.
type Config struct {
	// ControlURL is the DevTools WebSocket URL of the user's Chrome
	// (started with --remote-debugging-port). Empty = launch a headful
	// Chrome locally; the user then logs into the chat sites there.
	ControlURL string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Rod browser handle.
type Manager struct {
	cfg  Config
	mu   sync.RWMutex
	b    *rod.Browser
	lnch *launcher.Launcher
}

// NewManager creates a Manager. Call Connect before use.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Connect attaches to the configured Chrome, or launches one.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wsURL := m.cfg.ControlURL
	if wsURL == "" {
		// The chat sites need a logged-in session, so a locally launched
		// browser is always headful.
		l := launcher.New().
			Headless(false).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("tabs: launch chrome: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.cfg.Logger.Info("tabs: launched local chrome", "url", wsURL)
	} else {
		m.cfg.Logger.Info("tabs: attaching to chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("tabs: connect: %w", err)
	}
	m.b = b
	return nil
}

// SelfLaunched reports whether this process launched the browser, as
// opposed to attaching to the user's.
func (m *Manager) SelfLaunched() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lnch != nil
}

// Browser returns the current Rod handle, or nil before Connect.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.b
}

// Close disconnects, and shuts Chrome down if this process launched it.
// An attached user browser is left running.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.b != nil {
		if m.lnch != nil {
			m.b.Close()
			m.lnch.Cleanup()
			m.lnch = nil
		}
		m.b = nil
	}
	return nil
}
