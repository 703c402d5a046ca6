package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/roundtable/broker"
)

func testServer(t *testing.T, pairer *Pairer) (*Server, *Client, *broker.Bus) {
	t.Helper()
	bus := broker.NewBus()
	srv := NewServer(pairer, bus, nil)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client := NewClient("ws"+strings.TrimPrefix(ts.URL, "http"), &MemTokenStore{}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return srv, client, bus
}

func pair(t *testing.T, client *Client) {
	t.Helper()
	ctx := context.Background()
	code, err := client.GetPairCode(ctx)
	if err != nil {
		t.Fatalf("get pair code: %v", err)
	}
	if err := client.ConfirmPair(ctx, code); err != nil {
		t.Fatalf("confirm pair: %v", err)
	}
}

func TestPairingFlow(t *testing.T) {
	srv, client, _ := testServer(t, NewPairer(nil, 0, 0))
	srv.Handle(TypeStatus, func(context.Context, json.RawMessage) (any, error) {
		return map[string]bool{"up": true}, nil
	})

	// Unpaired requests fail locally with ErrNotPaired.
	if _, err := client.Request(context.Background(), TypeStatus, nil); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("got %v, want ErrNotPaired", err)
	}

	pair(t, client)

	data, err := client.Request(context.Background(), TypeStatus, nil)
	if err != nil {
		t.Fatalf("authed request: %v", err)
	}
	var res map[string]bool
	if err := json.Unmarshal(data, &res); err != nil || !res["up"] {
		t.Fatalf("got %s, %v", data, err)
	}
}

func TestPairConfirm_WrongCode(t *testing.T) {
	_, client, _ := testServer(t, NewPairer(nil, 0, 0))

	if _, err := client.GetPairCode(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := client.ConfirmPair(context.Background(), "WRONG1")
	if err == nil {
		t.Fatal("wrong code accepted")
	}

	// The pending code was consumed by the failed confirm: the real code
	// no longer works either.
	if err := client.ConfirmPair(context.Background(), "WRONG1"); err == nil {
		t.Fatal("consumed code accepted")
	}
}

func TestExpiredToken_ClearsAndReportsNotPaired(t *testing.T) {
	// Mint in the past so the token is already expired when verified.
	pairer := NewPairer(nil, 0, time.Minute)
	pairer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	srv, client, _ := testServer(t, pairer)
	srv.Handle(TypeStatus, func(context.Context, json.RawMessage) (any, error) {
		return map[string]bool{"up": true}, nil
	})

	pair(t, client)

	_, err := client.Request(context.Background(), TypeStatus, nil)
	if !errors.Is(err, ErrNotPaired) {
		t.Fatalf("got %v, want ErrNotPaired for an expired token", err)
	}

	// The dead token must be gone, not silently retried.
	token, _ := client.tokens.Load()
	if token != "" {
		t.Fatal("expired token still stored")
	}
}

func TestForgedToken_Rejected(t *testing.T) {
	srv, client, _ := testServer(t, NewPairer(nil, 0, 0))
	srv.Handle(TypeStatus, func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})

	// A token signed by a different pairer.
	other := NewPairer(nil, 0, 0)
	code := other.Code()
	forged, err := other.Confirm(code)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.tokens.Save(forged); err != nil {
		t.Fatal(err)
	}

	_, err = client.Request(context.Background(), TypeStatus, nil)
	if !errors.Is(err, ErrNotPaired) {
		t.Fatalf("got %v, want ErrNotPaired for a forged token", err)
	}
}

func TestRequest_HandlerError(t *testing.T) {
	srv, client, _ := testServer(t, NewPairer(nil, 0, 0))
	srv.Handle(TypeSend, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("tabs: no open tab for target claude")
	})

	pair(t, client)

	_, err := client.Request(context.Background(), TypeSend, map[string]string{"target": "claude"})
	if err == nil || !strings.Contains(err.Error(), "no open tab") {
		t.Fatalf("got %v, want handler error relayed", err)
	}
}

func TestRequest_UnknownType(t *testing.T) {
	_, client, _ := testServer(t, NewPairer(nil, 0, 0))
	pair(t, client)

	_, err := client.Request(context.Background(), "NOPE", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown request type") {
		t.Fatalf("got %v", err)
	}
}

func TestEvents_ReachClient(t *testing.T) {
	_, client, bus := testServer(t, NewPairer(nil, 0, 0))

	// Give the event pump a moment to subscribe.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(broker.Event{
		Type: broker.EventResponseCaptured,
		Data: map[string]string{"target": "claude", "content": "hi"},
	})

	select {
	case ev := <-client.Events():
		if ev.Type != broker.EventResponseCaptured {
			t.Fatalf("got event %s", ev.Type)
		}
		var data map[string]string
		if err := json.Unmarshal(ev.Data, &data); err != nil || data["target"] != "claude" {
			t.Fatalf("got %s, %v", ev.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the client")
	}
}

func TestConcurrentRequests_CorrelateById(t *testing.T) {
	srv, client, _ := testServer(t, NewPairer(nil, 0, 0))
	srv.Handle(TypeGetResponse, func(_ context.Context, payload json.RawMessage) (any, error) {
		var req map[string]string
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if req["target"] == "claude" {
			time.Sleep(50 * time.Millisecond) // slow one finishes last
		}
		return map[string]string{"target": req["target"]}, nil
	})

	pair(t, client)

	type result struct {
		target string
		echoed string
		err    error
	}
	results := make(chan result, 2)
	for _, target := range []string{"claude", "qwen"} {
		go func(target string) {
			data, err := client.Request(context.Background(), TypeGetResponse,
				map[string]string{"target": target})
			var res map[string]string
			if err == nil {
				err = json.Unmarshal(data, &res)
			}
			results <- result{target: target, echoed: res["target"], err: err}
		}(target)
	}

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("%s: %v", r.target, r.err)
		}
		if r.echoed != r.target {
			t.Fatalf("response for %s correlated to %s", r.echoed, r.target)
		}
	}
}

func TestRequestIDs_CarryPrefix(t *testing.T) {
	c := NewClient("ws://127.0.0.1:0/ws", nil, nil)
	if id := c.newID(); !strings.HasPrefix(id, "req_") {
		t.Fatalf("request id %q, want req_ prefix", id)
	}
}

func TestPairer_CodeTTL(t *testing.T) {
	p := NewPairer(nil, time.Minute, 0)
	code := p.Code()

	// Move the clock past the code's lifetime.
	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, err := p.Confirm(code); !errors.Is(err, ErrBadPairCode) {
		t.Fatalf("got %v, want ErrBadPairCode for an expired code", err)
	}
}

func TestPairer_CaseInsensitiveCode(t *testing.T) {
	p := NewPairer(nil, 0, 0)
	code := p.Code()
	if _, err := p.Confirm(strings.ToLower(code)); err != nil {
		t.Fatalf("lowercase code rejected: %v", err)
	}
}
