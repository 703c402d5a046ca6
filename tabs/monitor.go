package tabs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/roundtable/registry"
)

// Prober is the slice of Fleet the monitor needs.
type Prober interface {
	Probe(ctx context.Context, target registry.Target) (Status, error)
	Revive(ctx context.Context, target registry.Target) error
}

// HeartbeatFunc persists one liveness observation.
type HeartbeatFunc func(ctx context.Context, target registry.Target, st Status)

// NotifyFunc announces a liveness transition.
type NotifyFunc func(target registry.Target, alive bool, url string)

// Monitor sweeps all targets on a fixed period, revives dead readers, and
// reports transitions. The sweep is advisory: dispatch re-checks liveness
// itself, so a stale sweep verdict can cost a revive round-trip but never a
// wrong answer.
type Monitor struct {
	prober    Prober
	targets   []registry.Target
	heartbeat HeartbeatFunc
	notify    NotifyFunc
	interval  time.Duration
	logger    *slog.Logger

	alive map[registry.Target]bool
}

// NewMonitor creates a Monitor. heartbeat and notify may be nil.
// Default interval: 10s.
func NewMonitor(prober Prober, targets []registry.Target, heartbeat HeartbeatFunc, notify NotifyFunc, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:    prober,
		targets:   targets,
		heartbeat: heartbeat,
		notify:    notify,
		interval:  interval,
		logger:    logger,
		alive:     make(map[registry.Target]bool),
	}
}

// Run sweeps until the context is cancelled. One sweep runs immediately so
// clients connecting right after startup see real statuses.
func (m *Monitor) Run(ctx context.Context) {
	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every target once, reviving dead readers.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, target := range m.targets {
		if ctx.Err() != nil {
			return
		}
		m.check(ctx, target)
	}
}

func (m *Monitor) check(ctx context.Context, target registry.Target) {
	st, err := m.prober.Probe(ctx, target)
	var noTab *ErrNoTab
	if (err == nil && !st.Alive) || errors.As(err, &noTab) {
		// Dead reader, or no tab at all (which Revive can fix when this
		// process owns the browser): one revive attempt, then re-probe.
		// A failed revive is logged and left for the next sweep.
		if rerr := m.prober.Revive(ctx, target); rerr == nil {
			st, err = m.prober.Probe(ctx, target)
		} else {
			m.logger.Warn("tabs: sweep revive failed", "target", target, "error", rerr)
		}
	}
	if err != nil {
		st = Status{}
	}

	if m.heartbeat != nil {
		m.heartbeat(ctx, target, st)
	}

	prev, known := m.alive[target]
	m.alive[target] = st.Alive
	if known && prev == st.Alive {
		return
	}
	if st.Alive {
		m.logger.Info("tabs: target up", "target", target, "url", st.URL)
	} else {
		m.logger.Warn("tabs: target down", "target", target)
	}
	if m.notify != nil {
		m.notify(target, st.Alive, st.URL)
	}
}
