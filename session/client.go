package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/roundtable/idgen"
)

// ErrNotPaired tells the caller to run the pairing handshake. It covers
// both a missing token and a token the server rejected; a rejected token is
// cleared, never silently retried.
var ErrNotPaired = errors.New("session: not paired")

const (
	// requestWatchdog bounds one request/response round-trip.
	requestWatchdog = 30 * time.Second

	// connectGrace lets requests issued right after Connect wait for the
	// handshake instead of failing on a racing dial.
	connectGrace = 100 * time.Millisecond
)

// ClientEvent is one EVT frame as received.
type ClientEvent struct {
	Type string
	Data json.RawMessage
}

// Client is the session-channel client used by CLI frontends and tests.
type Client struct {
	url    string
	tokens TokenStore
	logger *slog.Logger
	newID  idgen.Generator

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending map[string]chan *Envelope
	ready   chan struct{}

	events chan ClientEvent
}

// NewClient creates a Client for the given ws:// URL. Call Connect.
func NewClient(url string, tokens TokenStore, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = &MemTokenStore{}
	}
	return &Client{
		url:     url,
		tokens:  tokens,
		logger:  logger,
		newID:   idgen.Prefixed("req_", idgen.Default),
		pending: make(map[string]chan *Envelope),
		ready:   make(chan struct{}),
		events:  make(chan ClientEvent, 64),
	}
}

// Connect dials the server and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("session: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Events returns the stream of unsolicited server events. Events arriving
// faster than the consumer drains are dropped.
func (c *Client) Events() <-chan ClientEvent {
	return c.events
}

// Close tears the connection down. Pending requests fail.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.logger.Debug("session: connection closed", "error", err)
			return
		}
		switch env.Kind {
		case KindResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &env
			}
		case KindEvent:
			select {
			case c.events <- ClientEvent{Type: env.Type, Data: env.Data}:
			default:
			}
		}
	}
}

// Request runs one request/response round-trip.
func (c *Client) Request(ctx context.Context, reqType string, payload any) (json.RawMessage, error) {
	select {
	case <-c.ready:
	case <-time.After(connectGrace):
		return nil, errors.New("session: not connected")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.New("session: not connected")
	}

	env := &Envelope{Kind: KindRequest, ID: c.newID(), Type: reqType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("session: encode payload: %w", err)
		}
		env.Payload = raw
	}
	if needsAuth(reqType) {
		token, err := c.tokens.Load()
		if err != nil {
			return nil, err
		}
		if token == "" {
			return nil, ErrNotPaired
		}
		env.Token = token
	}

	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("session: write: %w", err)
	}

	watchdog := time.NewTimer(requestWatchdog)
	defer watchdog.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, errors.New("session: connection lost")
		}
		return c.handleResponse(res)
	case <-watchdog.C:
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("session: request timeout: %s", reqType)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) handleResponse(res *Envelope) (json.RawMessage, error) {
	if res.OK {
		return res.Data, nil
	}
	switch res.Error {
	case ErrUnauthorized.Error(), ErrTokenExpired.Error():
		// The token is dead; drop it so the next call reports ErrNotPaired
		// and the frontend runs the pairing flow again.
		if err := c.tokens.Clear(); err != nil {
			c.logger.Warn("session: token clear failed", "error", err)
		}
		return nil, ErrNotPaired
	}
	return nil, errors.New(res.Error)
}

// GetPairCode asks the server for a fresh pairing code to show the user.
func (c *Client) GetPairCode(ctx context.Context) (string, error) {
	data, err := c.Request(ctx, TypeGetPairCode, nil)
	if err != nil {
		return "", err
	}
	var res struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", fmt.Errorf("session: decode pair code: %w", err)
	}
	return res.Code, nil
}

// ConfirmPair exchanges a code for a token and persists it.
func (c *Client) ConfirmPair(ctx context.Context, code string) error {
	data, err := c.Request(ctx, TypePairConfirm, map[string]string{"code": code})
	if err != nil {
		return err
	}
	var res struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("session: decode token: %w", err)
	}
	return c.tokens.Save(res.Token)
}
