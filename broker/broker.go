// Package broker is the dispatch layer: it carries prompts from session
// clients into the right tabs, retries transport-level failures, starts
// capture sessions for the replies, and fans the resulting events back out.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/roundtable/capture"
	"github.com/hazyhaar/roundtable/extract"
	"github.com/hazyhaar/roundtable/idgen"
	"github.com/hazyhaar/roundtable/registry"
	"github.com/hazyhaar/roundtable/store"
	"github.com/hazyhaar/roundtable/tabs"
)

// Port is what the broker needs from the tab layer.
type Port interface {
	Probe(ctx context.Context, target registry.Target) (tabs.Status, error)
	Ensure(ctx context.Context, target registry.Target) error
	Send(ctx context.Context, target registry.Target, prompt string) error
	ReadLatest(ctx context.Context, target registry.Target) (tabs.Reading, error)
	NewConversation(ctx context.Context, target registry.Target) error
}

// SamplerFactory builds the capture sampler for one target.
type SamplerFactory func(target registry.Target) capture.Sampler

// Config tunes dispatch behaviour.
type Config struct {
	// OpTimeout bounds one tab operation. Default: 10s.
	OpTimeout time.Duration

	// MaxAttempts bounds delivery attempts per target. Only a missing
	// in-page reader is retried; everything else fails fast. Default: 4.
	MaxAttempts int

	// BaseBackoff doubles per attempt, capped at MaxBackoff.
	// Defaults: 1s base, 3s cap.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Capture capture.Config
}

func (c *Config) defaults() {
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 3 * time.Second
	}
}

// Broker dispatches prompts and owns one capture watcher per target.
type Broker struct {
	port     Port
	reg      *registry.Registry
	bus      *Bus
	st       *store.Store // nil disables persistence
	md       *extract.Markdowner
	cfg      Config
	logger   *slog.Logger
	newID    idgen.Generator
	capID    idgen.Generator
	watchers map[registry.Target]*capture.Watcher

	mu      sync.Mutex
	rootCtx context.Context
}

// New creates a Broker and its per-target capture watchers. st may be nil.
func New(port Port, samplers SamplerFactory, reg *registry.Registry, bus *Bus, st *store.Store, cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()

	b := &Broker{
		port:     port,
		reg:      reg,
		bus:      bus,
		st:       st,
		md:       extract.NewMarkdowner(),
		cfg:      cfg,
		logger:   logger,
		newID:    idgen.Default,
		capID:    idgen.Prefixed("cap_", idgen.Default),
		watchers: make(map[registry.Target]*capture.Watcher),
		rootCtx:  context.Background(),
	}
	for _, target := range reg.Targets() {
		b.watchers[target] = capture.NewWatcher(
			target, samplers(target), b.onCaptured, cfg.Capture, logger)
	}
	return b
}

// Start binds capture sessions to the process lifetime context.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	b.rootCtx = ctx
	b.mu.Unlock()
}

func (b *Broker) captureCtx() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rootCtx
}

// Watcher returns the capture watcher for a target, for passive-poll wiring.
func (b *Broker) Watcher(target registry.Target) *capture.Watcher {
	return b.watchers[target]
}

// SendResult is the outcome of one dispatch, also published as an event.
type SendResult struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Send delivers a prompt to one target and arms capture for the reply.
// Returns the correlation id of the dispatch.
func (b *Broker) Send(ctx context.Context, target registry.Target, prompt string) (string, error) {
	if _, err := b.reg.Resolve(target); err != nil {
		return "", err
	}

	id := b.newID()
	err := b.deliver(ctx, target, prompt)

	res := SendResult{ID: id, Target: string(target), OK: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	b.bus.Publish(Event{Type: EventSendResult, Data: res})

	if err != nil {
		return id, err
	}

	// The reply streams in after the send returns; capture picks it up.
	b.watchers[target].TryStart(b.captureCtx())
	return id, nil
}

// deliver runs the attempt loop. A missing in-page reader is the one
// retryable condition: a revive plus backoff can fix it. Anything else
// (no tab, unreachable target, rejected send) fails on the first attempt.
func (b *Broker) deliver(ctx context.Context, target registry.Target, prompt string) error {
	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt-1, b.cfg.BaseBackoff, b.cfg.MaxBackoff)
			b.logger.Warn("broker: retrying dispatch",
				"target", target, "attempt", attempt+1, "backoff_ms", wait.Milliseconds())
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}

		lastErr = b.attempt(ctx, target, prompt)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, tabs.ErrNoListener) {
			return lastErr
		}
	}
	return lastErr
}

func (b *Broker) attempt(ctx context.Context, target registry.Target, prompt string) error {
	opCtx, cancel := context.WithTimeout(ctx, b.cfg.OpTimeout)
	defer cancel()

	if err := b.port.Ensure(opCtx, target); err != nil {
		return err
	}
	return b.port.Send(opCtx, target, prompt)
}

// backoff returns base doubled per attempt, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	wait := base << uint(attempt)
	if wait > max || wait <= 0 {
		wait = max
	}
	return wait
}

// Broadcast delivers a prompt to every requested target concurrently. One
// target failing never stops the others; the per-target outcome comes back
// in the result map. An empty target list means all registered targets.
func (b *Broker) Broadcast(ctx context.Context, prompt string, targets []registry.Target) map[registry.Target]SendResult {
	if len(targets) == 0 {
		targets = b.reg.Targets()
	}

	results := make(map[registry.Target]SendResult, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target registry.Target) {
			defer wg.Done()
			id, err := b.Send(ctx, target, prompt)
			res := SendResult{ID: id, Target: string(target), OK: err == nil}
			if err != nil {
				res.Error = err.Error()
			}
			mu.Lock()
			results[target] = res
			mu.Unlock()
		}(target)
	}
	wg.Wait()
	return results
}

// Response is the current reply for one target.
type Response struct {
	Target    string `json:"target"`
	Content   string `json:"content"`
	Markdown  string `json:"markdown,omitempty"`
	Streaming bool   `json:"streaming"`
	FromCache bool   `json:"from_cache"`
}

// GetResponse reads the target's newest reply. When the tab cannot answer,
// the last persisted capture is served instead, flagged as cached.
func (b *Broker) GetResponse(ctx context.Context, target registry.Target, markdown bool) (*Response, error) {
	if _, err := b.reg.Resolve(target); err != nil {
		return nil, err
	}

	r, err := b.port.ReadLatest(ctx, target)
	if err == nil && r.Content != "" {
		resp := &Response{Target: string(target), Content: r.Content, Streaming: r.Streaming}
		if markdown {
			resp.Markdown = b.md.Convert(r.HTML, r.Content)
		}
		return resp, nil
	}

	if b.st != nil {
		cached, cerr := b.st.LastCapture(ctx, string(target))
		if cerr == nil && cached != nil {
			return &Response{
				Target:    string(target),
				Content:   cached.Content,
				Markdown:  cached.Markdown,
				FromCache: true,
			}, nil
		}
	}

	if err != nil {
		return nil, err
	}
	return &Response{Target: string(target)}, nil
}

// NewConversation opens a fresh thread in the target's tab.
func (b *Broker) NewConversation(ctx context.Context, target registry.Target) error {
	if _, err := b.reg.Resolve(target); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, b.cfg.OpTimeout)
	defer cancel()
	if err := b.port.Ensure(opCtx, target); err != nil {
		return err
	}
	return b.port.NewConversation(opCtx, target)
}

// ConversationResult is the per-target outcome of a conversation reset.
type ConversationResult struct {
	Target string `json:"target"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// NewConversations resets threads across targets concurrently, with the
// same per-target isolation as Broadcast. An empty list means all targets.
// The combined outcome also goes out as a NEW_CONVERSATION_RESULTS event.
func (b *Broker) NewConversations(ctx context.Context, targets []registry.Target) map[registry.Target]ConversationResult {
	if len(targets) == 0 {
		targets = b.reg.Targets()
	}

	results := make(map[registry.Target]ConversationResult, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target registry.Target) {
			defer wg.Done()
			err := b.NewConversation(ctx, target)
			res := ConversationResult{Target: string(target), OK: err == nil}
			if err != nil {
				res.Error = err.Error()
			}
			mu.Lock()
			results[target] = res
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	flat := make([]ConversationResult, 0, len(results))
	for _, target := range targets {
		flat = append(flat, results[target])
	}
	b.bus.Publish(Event{Type: EventNewConversationResults, Data: map[string]any{
		"results": flat,
	}})
	return results
}

// TargetStatus is one row of the status report.
type TargetStatus struct {
	Target    string `json:"target"`
	Alive     bool   `json:"alive"`
	URL       string `json:"url,omitempty"`
	Capturing bool   `json:"capturing"`

	// LastSeen is the unix-millisecond timestamp of the most recent sweep
	// observation, from the heartbeat table. Zero when never swept.
	LastSeen int64 `json:"last_seen,omitempty"`
}

// Status probes every registered target, annotated with the last sweep
// observation on record.
func (b *Broker) Status(ctx context.Context) []TargetStatus {
	seen := make(map[string]int64)
	if b.st != nil {
		if hbs, err := b.st.Heartbeats(ctx); err == nil {
			for _, hb := range hbs {
				seen[hb.Target] = hb.SeenAt
			}
		}
	}

	targets := b.reg.Targets()
	out := make([]TargetStatus, 0, len(targets))
	for _, target := range targets {
		st, err := b.port.Probe(ctx, target)
		row := TargetStatus{
			Target:    string(target),
			Capturing: b.watchers[target].Watching(),
			LastSeen:  seen[string(target)],
		}
		if err == nil {
			row.Alive = st.Alive
			row.URL = st.URL
		}
		out = append(out, row)
	}
	return out
}

// TabStatusChanged publishes a liveness transition; wired to the monitor.
func (b *Broker) TabStatusChanged(target registry.Target, alive bool, url string) {
	b.bus.Publish(Event{Type: EventTabStatus, Data: map[string]any{
		"target": string(target),
		"alive":  alive,
		"url":    url,
	}})
}

// RecordHeartbeat persists a monitor observation; wired to the monitor.
func (b *Broker) RecordHeartbeat(ctx context.Context, target registry.Target, st tabs.Status) {
	if b.st == nil {
		return
	}
	err := b.st.RecordHeartbeat(ctx, &store.Heartbeat{
		Target: string(target),
		Alive:  st.Alive,
		URL:    st.URL,
		SeenAt: time.Now().UnixMilli(),
	})
	if err != nil {
		b.logger.Warn("broker: heartbeat persist failed", "target", target, "error", err)
	}
}

// onCaptured is the terminal event of a capture session: persist, publish.
// Persistence failures are logged and swallowed; the live event still goes
// out.
func (b *Broker) onCaptured(target registry.Target, content string) {
	id := b.capID()
	md := ""

	// Grab the HTML form for markdown while the reply is still on screen.
	readCtx, cancel := context.WithTimeout(b.captureCtx(), b.cfg.OpTimeout)
	r, err := b.port.ReadLatest(readCtx, target)
	cancel()
	if err == nil && r.HTML != "" {
		md = b.md.Convert(r.HTML, content)
	}

	if b.st != nil {
		storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := b.st.RecordCapture(storeCtx, &store.Capture{
			ID:         id,
			Target:     string(target),
			Content:    content,
			Markdown:   md,
			CapturedAt: time.Now().UnixMilli(),
		})
		cancel()
		if err != nil {
			b.logger.Warn("broker: capture persist failed", "target", target, "error", err)
		}
	}

	b.bus.Publish(Event{Type: EventResponseCaptured, Data: map[string]any{
		"id":       id,
		"target":   string(target),
		"content":  content,
		"markdown": md,
	}})
}
