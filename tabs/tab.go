package tabs

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/roundtable/registry"
)

//go:embed listener.js
var listenerJS string

const (
	// pingTimeout bounds the liveness probe; a tab that cannot answer a
	// trivial eval within it is treated as dead.
	pingTimeout = 2 * time.Second

	// settleDelay gives a freshly installed reader time to wire its
	// mutation hook before the tab is declared revived.
	settleDelay = 500 * time.Millisecond
)

// Tab binds one Rod page to one target profile.
type Tab struct {
	page    *rod.Page
	profile *registry.Profile
	url     string
}

// Target returns the tab's target identity.
func (t *Tab) Target() registry.Target { return t.profile.Target }

// URL returns the URL the tab had when it was located.
func (t *Tab) URL() string { return t.url }

// pageConfig is the selector table handed to the in-page reader.
type pageConfig struct {
	Input     []string `json:"input"`
	Send      []string `json:"send"`
	Streaming []string `json:"streaming"`
	Response  []string `json:"response"`
	NewChat   []string `json:"newChat"`
}

// Ping asks the in-page reader for its version. Any failure inside the
// probe window means dead; liveness never errs on the optimistic side.
func (t *Tab) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	res, err := t.page.Context(ctx).Eval(
		`() => window.__roundtable ? window.__roundtable.version : null`)
	if err != nil {
		return false
	}
	return !res.Value.Nil()
}

// Inject installs the in-page reader with this tab's selector table and
// waits for it to settle. Idempotent: re-injecting over a live reader of
// the same version is a no-op inside the page.
func (t *Tab) Inject(ctx context.Context) error {
	cfg := pageConfig{
		Input:     t.profile.Input,
		Send:      t.profile.Send,
		Streaming: t.profile.Streaming,
		Response:  t.profile.Response,
		NewChat:   t.profile.NewChat,
	}
	if _, err := t.page.Context(ctx).Eval(
		`(cfg) => { window.__roundtableConfig = cfg; }`, cfg); err != nil {
		return fmt.Errorf("tabs: %s: set reader config: %w", t.profile.Target, err)
	}
	if _, err := t.page.Context(ctx).Eval(listenerJS); err != nil {
		return fmt.Errorf("tabs: %s: install reader: %w", t.profile.Target, err)
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Send types the prompt into the composer and submits it.
func (t *Tab) Send(ctx context.Context, prompt string) error {
	res, err := t.page.Context(ctx).Eval(
		`(text) => window.__roundtable ? window.__roundtable.send(text) : null`, prompt)
	if err != nil {
		return fmt.Errorf("tabs: %s: send: %w", t.profile.Target, err)
	}
	if res.Value.Nil() {
		return ErrNoListener
	}
	if status := res.Value.Str(); status != "ok" {
		return fmt.Errorf("tabs: %s: send rejected: %s", t.profile.Target, status)
	}
	return nil
}

// Reading is one observation of the tab's newest reply.
type Reading struct {
	Content   string
	HTML      string
	Streaming bool
}

// Read returns the newest reply as the in-page reader sees it.
func (t *Tab) Read(ctx context.Context) (Reading, error) {
	res, err := t.page.Context(ctx).Eval(
		`() => window.__roundtable ? window.__roundtable.read() : null`)
	if err != nil {
		return Reading{}, fmt.Errorf("tabs: %s: read: %w", t.profile.Target, err)
	}
	if res.Value.Nil() {
		return Reading{}, ErrNoListener
	}
	return Reading{
		Content:   res.Value.Get("content").Str(),
		HTML:      res.Value.Get("html").Str(),
		Streaming: res.Value.Get("streaming").Bool(),
	}, nil
}

// OuterHTML serializes the whole document, for server-side extraction when
// the reader's selectors come up empty.
func (t *Tab) OuterHTML(ctx context.Context) (string, error) {
	res, err := t.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("tabs: %s: outer html: %w", t.profile.Target, err)
	}
	return res.Value.Str(), nil
}

// NewConversation clicks the target's new-chat control, falling back to a
// navigation to the chat root when the control cannot be found.
func (t *Tab) NewConversation(ctx context.Context) error {
	res, err := t.page.Context(ctx).Eval(
		`() => window.__roundtable ? window.__roundtable.newChat() : null`)
	if err != nil {
		return fmt.Errorf("tabs: %s: new conversation: %w", t.profile.Target, err)
	}
	if res.Value.Nil() {
		return ErrNoListener
	}
	if res.Value.Bool() {
		return nil
	}

	if err := t.page.Context(ctx).Navigate(t.url); err != nil {
		return fmt.Errorf("tabs: %s: navigate for new conversation: %w", t.profile.Target, err)
	}
	if err := t.page.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("tabs: %s: wait load: %w", t.profile.Target, err)
	}
	// Navigation wiped the reader.
	return t.Inject(ctx)
}

// TakeDirty reads and clears the mutation-hook flag. Errors and a missing
// reader both report false; the passive poll treats this as advisory.
func (t *Tab) TakeDirty(ctx context.Context) bool {
	res, err := t.page.Context(ctx).Eval(
		`() => window.__roundtable ? window.__roundtable.takeDirty() : false`)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}
