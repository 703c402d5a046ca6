// Command roundtable runs the broadcast daemon: it attaches to the user's
// Chrome, watches one tab per AI chat target, and serves the session
// channel clients use to broadcast prompts and collect the replies.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/roundtable/broker"
	"github.com/hazyhaar/roundtable/capture"
	"github.com/hazyhaar/roundtable/registry"
	"github.com/hazyhaar/roundtable/session"
	"github.com/hazyhaar/roundtable/store"
	"github.com/hazyhaar/roundtable/tabs"
)

func main() {
	port := env("PORT", "8765")
	controlURL := env("CONTROL_URL", "")
	targetsFile := env("TARGETS_FILE", "")
	dbPath := env("DB_PATH", "db/roundtable.db")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Target table.
	reg := registry.Default()
	if targetsFile != "" {
		var err error
		reg, err = registry.LoadFile(targetsFile)
		if err != nil {
			slog.Error("load targets", "error", err)
			os.Exit(1)
		}
	}

	// Persistence.
	st, err := store.Open(dbPath)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Browser.
	mgr := tabs.NewManager(tabs.Config{ControlURL: controlURL, Logger: logger})
	if err := mgr.Connect(ctx); err != nil {
		slog.Error("connect browser", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()
	fleet := tabs.NewFleet(mgr, reg, logger)

	// Dispatch.
	bus := broker.NewBus()
	b := broker.New(fleetPort{fleet}, fleet.Sampler, reg, bus, st, broker.Config{}, logger)
	b.Start(ctx)

	// Liveness sweep.
	monitor := tabs.NewMonitor(fleet, reg.Targets(),
		b.RecordHeartbeat, b.TabStatusChanged, 0, logger)
	go monitor.Run(ctx)

	// Passive capture polls, one per target.
	for _, target := range reg.Targets() {
		poll := capture.NewPoll(b.Watcher(target),
			fleet.Extractor(target), fleet.Dirty(target), 0, logger)
		go poll.Run(ctx)
	}

	// Nightly-ish retention.
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.PruneCaptures(ctx, 20); err != nil {
					slog.Warn("prune captures", "error", err)
				}
			}
		}
	}()

	// Session channel.
	secret := deriveSecret(os.Getenv("SESSION_SECRET"))
	pairer := session.NewPairer(secret, 0, 0)
	ws := session.NewServer(pairer, bus, logger)
	registerHandlers(ws, b)

	// Optional MCP over stdio, for driving the roundtable from an agent.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "roundtable",
			Version: "1.0.0",
		}, nil)
		b.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp stdio", "error", err)
			}
		}()
	}

	// HTTP router.
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/pair", func(w http.ResponseWriter, _ *http.Request) {
		// The user opens this in the browser and types the code into the
		// client asking to pair.
		code := pairer.Code()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "roundtable pairing code: %s\n", code)
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, 200, b.Status(req.Context()))
	})
	r.Handle("/ws", ws)

	srv := &http.Server{
		Addr:              "127.0.0.1:" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("roundtable starting", "addr", srv.Addr, "targets", len(reg.Targets()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("roundtable stopped")
}

// fleetPort narrows tabs.Fleet to the broker's Port interface; Ensure
// drops the tab handle the broker has no use for.
type fleetPort struct {
	*tabs.Fleet
}

func (p fleetPort) Ensure(ctx context.Context, target registry.Target) error {
	_, err := p.Fleet.Ensure(ctx, target)
	return err
}

// registerHandlers maps session request types onto broker operations.
func registerHandlers(ws *session.Server, b *broker.Broker) {
	ws.Handle(session.TypeBroadcast, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Prompt  string   `json:"prompt"`
			Targets []string `json:"targets"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		targets := make([]registry.Target, 0, len(req.Targets))
		for _, t := range req.Targets {
			targets = append(targets, registry.Target(t))
		}
		results := b.Broadcast(ctx, req.Prompt, targets)
		out := make(map[string]broker.SendResult, len(results))
		for target, res := range results {
			out[string(target)] = res
		}
		return out, nil
	})

	ws.Handle(session.TypeSend, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Target string `json:"target"`
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		id, err := b.Send(ctx, registry.Target(req.Target), req.Prompt)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	})

	ws.Handle(session.TypeGetResponse, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Target   string `json:"target"`
			Markdown bool   `json:"markdown"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		return b.GetResponse(ctx, registry.Target(req.Target), req.Markdown)
	})

	ws.Handle(session.TypeNewConversation, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Targets []string `json:"targets"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		targets := make([]registry.Target, 0, len(req.Targets))
		for _, t := range req.Targets {
			targets = append(targets, registry.Target(t))
		}
		results := b.NewConversations(ctx, targets)
		out := make(map[string]broker.ConversationResult, len(results))
		for target, res := range results {
			out[string(target)] = res
		}
		return map[string]any{"results": out}, nil
	})

	ws.Handle(session.TypeStatus, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return b.Status(ctx), nil
	})
}

// deriveSecret turns the configured passphrase into a 32-byte key. Empty
// input means a random per-run secret: pairings then survive only until
// restart.
func deriveSecret(input string) []byte {
	if input == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(input))
	return sum[:]
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
