package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/roundtable/registry"
)

const testContent = "the quick brown fox jumps over the lazy dog"

type emitRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *emitRecorder) emit(_ registry.Target, content string) {
	r.mu.Lock()
	r.calls = append(r.calls, content)
	r.mu.Unlock()
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *emitRecorder) lastCall() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return ""
	}
	return r.calls[len(r.calls)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func testConfig() Config {
	return Config{
		Interval:        10 * time.Millisecond,
		StableThreshold: 4,
		Budget:          2 * time.Second,
		MinEmitLength:   10,
	}
}

func TestWatcher_EmitsAfterStabilization(t *testing.T) {
	rec := &emitRecorder{}
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Content: testContent}, nil
	})
	w := NewWatcher(registry.TargetClaude, sampler, rec.emit, testConfig(), nil)

	start := time.Now()
	if !w.TryStart(context.Background()) {
		t.Fatal("TryStart returned false on idle watcher")
	}
	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
	elapsed := time.Since(start)

	// Threshold 4 at 10ms period: the terminal event needs at least four
	// samples, so it cannot fire before ~40ms.
	if elapsed < 30*time.Millisecond {
		t.Fatalf("emitted after %v, expected >= ~40ms (period x threshold)", elapsed)
	}
	if got := rec.lastCall(); got != testContent {
		t.Fatalf("emitted %q, want %q", got, testContent)
	}
	waitFor(t, time.Second, func() bool { return !w.Watching() })
}

func TestWatcher_SingleFlight(t *testing.T) {
	block := make(chan struct{})
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return Snapshot{Content: testContent, Streaming: true}, nil
	})
	w := NewWatcher(registry.TargetQwen, sampler, nil, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.TryStart(ctx) {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := started.Load(); got != 1 {
		t.Fatalf("%d sessions started, want exactly 1", got)
	}
	close(block)
}

func TestWatcher_SuppressesUnchangedContent(t *testing.T) {
	rec := &emitRecorder{}
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Content: testContent}, nil
	})
	w := NewWatcher(registry.TargetDeepSeek, sampler, rec.emit, testConfig(), nil)

	w.TryStart(context.Background())
	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
	waitFor(t, time.Second, func() bool { return !w.Watching() })

	// Same content again: the session completes but no duplicate event fires.
	if !w.TryStart(context.Background()) {
		t.Fatal("watcher did not return to idle")
	}
	waitFor(t, time.Second, func() bool { return !w.Watching() })
	if got := rec.count(); got != 1 {
		t.Fatalf("%d events emitted, want 1 (duplicate suppressed)", got)
	}
}

func TestWatcher_StreamingResetsCounter(t *testing.T) {
	rec := &emitRecorder{}
	var n atomic.Int32
	final := testContent + " and then some more words at the end"
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		if n.Add(1) <= 6 {
			// Still generating: growing content plus an indicator.
			return Snapshot{Content: testContent[:10+n.Load()], Streaming: true}, nil
		}
		return Snapshot{Content: final}, nil
	})
	w := NewWatcher(registry.TargetKimi, sampler, rec.emit, testConfig(), nil)

	w.TryStart(context.Background())
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
	if got := rec.lastCall(); got != final {
		t.Fatalf("emitted %q, want final content", got)
	}
	// The terminal event requires threshold stable samples after streaming
	// stopped: 6 streaming + 4 stable at minimum.
	if got := n.Load(); got < 10 {
		t.Fatalf("emitted after %d samples, want >= 10", got)
	}
}

func TestWatcher_BudgetEscape(t *testing.T) {
	rec := &emitRecorder{}
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		// Never stabilizes: indicator always present.
		return Snapshot{Content: testContent, Streaming: true}, nil
	})
	cfg := testConfig()
	cfg.Budget = 80 * time.Millisecond
	w := NewWatcher(registry.TargetDoubao, sampler, rec.emit, cfg, nil)

	w.TryStart(context.Background())
	waitFor(t, time.Second, func() bool { return !w.Watching() })

	if got := rec.count(); got != 1 {
		t.Fatalf("%d events after budget exhaustion, want exactly 1", got)
	}
	if got := rec.lastCall(); got != testContent {
		t.Fatalf("emitted %q, want best snapshot", got)
	}
	// Back to idle: a new session can start.
	if !w.TryStart(context.Background()) {
		t.Fatal("watcher stuck after budget exhaustion")
	}
}

func TestWatcher_BudgetEscape_TrivialSnapshotDropped(t *testing.T) {
	rec := &emitRecorder{}
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Content: "short", Streaming: true}, nil
	})
	cfg := testConfig()
	cfg.Budget = 60 * time.Millisecond
	w := NewWatcher(registry.TargetGemini, sampler, rec.emit, cfg, nil)

	w.TryStart(context.Background())
	waitFor(t, time.Second, func() bool { return !w.Watching() })
	if got := rec.count(); got != 0 {
		t.Fatalf("%d events for trivial snapshot, want 0", got)
	}
}

func TestWatcher_BudgetEscape_BlockingSampler(t *testing.T) {
	rec := &emitRecorder{}
	// A hung DevTools call: the sampler never returns on its own, only when
	// its context is torn down.
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		<-ctx.Done()
		return Snapshot{}, ctx.Err()
	})
	cfg := testConfig()
	cfg.Budget = 50 * time.Millisecond
	w := NewWatcher(registry.TargetQwen, sampler, rec.emit, cfg, nil)

	w.TryStart(context.Background())

	// The budget must release the session even though the sample blocks.
	waitFor(t, time.Second, func() bool { return !w.Watching() })
	if got := rec.count(); got != 0 {
		t.Fatalf("%d events from a sampler that never produced content, want 0", got)
	}
	if !w.TryStart(context.Background()) {
		t.Fatal("single-flight lock still held after budget exhaustion")
	}
}

func TestWatcher_HostGoneAbortsWithoutEmit(t *testing.T) {
	rec := &emitRecorder{}
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{}, ErrHostGone
	})
	w := NewWatcher(registry.TargetChatGPT, sampler, rec.emit, testConfig(), nil)

	w.TryStart(context.Background())
	waitFor(t, time.Second, func() bool { return !w.Watching() })
	if got := rec.count(); got != 0 {
		t.Fatalf("%d events after host teardown, want 0", got)
	}
	// The single-flight lock must be released.
	if !w.TryStart(context.Background()) {
		t.Fatal("watcher stuck after host teardown")
	}
}

func TestWatcher_ContextCancelAborts(t *testing.T) {
	rec := &emitRecorder{}
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Content: testContent, Streaming: true}, nil
	})
	w := NewWatcher(registry.TargetChatGLM, sampler, rec.emit, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	w.TryStart(ctx)
	cancel()
	waitFor(t, time.Second, func() bool { return !w.Watching() })
	if got := rec.count(); got != 0 {
		t.Fatalf("%d events after cancellation, want 0", got)
	}
}

func TestPoll_TriggersOnLongerText(t *testing.T) {
	rec := &emitRecorder{}
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Content: testContent}, nil
	})
	w := NewWatcher(registry.TargetClaude, sampler, rec.emit, testConfig(), nil)

	p := NewPoll(w, func(ctx context.Context) (string, error) {
		return testContent, nil
	}, nil, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
	if got := rec.lastCall(); got != testContent {
		t.Fatalf("emitted %q, want %q", got, testContent)
	}
}

func TestPoll_IgnoresShorterText(t *testing.T) {
	rec := &emitRecorder{}
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Content: testContent}, nil
	})
	w := NewWatcher(registry.TargetClaude, sampler, rec.emit, testConfig(), nil)

	// Seed the last-delivered value through a completed session.
	w.TryStart(context.Background())
	waitFor(t, time.Second, func() bool { return rec.count() == 1 && !w.Watching() })

	// The poll sees different but shorter text: must not re-trigger.
	p := NewPoll(w, func(ctx context.Context) (string, error) {
		return testContent[:20], nil
	}, nil, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if got := rec.count(); got != 1 {
		t.Fatalf("%d events, want 1 (shorter text must not re-trigger)", got)
	}
}

func TestPoll_DirtyFlagTriggers(t *testing.T) {
	rec := &emitRecorder{}
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Content: testContent}, nil
	})
	w := NewWatcher(registry.TargetDoubao, sampler, rec.emit, testConfig(), nil)

	var fired atomic.Bool
	dirty := func(ctx context.Context) bool {
		return fired.CompareAndSwap(false, true)
	}
	p := NewPoll(w, func(ctx context.Context) (string, error) {
		return "", nil
	}, dirty, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
}
