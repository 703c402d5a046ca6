package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/roundtable/broker"
)

// HandlerFunc serves one request type.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Server speaks the envelope protocol over WebSocket. Each connection gets
// a read loop for requests and an event pump pushing broker events; writes
// share one mutex because gorilla connections allow a single writer.
type Server struct {
	pairer   *Pairer
	bus      *broker.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewServer creates a Server with the pairing handlers pre-registered.
// The origin check admits everything: the listener binds loopback, and the
// bearer token is the actual authentication.
func NewServer(pairer *Pairer, bus *broker.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pairer:   pairer,
		bus:      bus,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.Handle(TypeGetPairCode, s.handlePairCode)
	s.Handle(TypePairConfirm, s.handlePairConfirm)
	return s
}

// Handle registers the handler for one request type.
func (s *Server) Handle(reqType string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[reqType] = h
	s.mu.Unlock()
}

func (s *Server) handler(reqType string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[reqType]
	return h, ok
}

// ServeHTTP upgrades and runs one session connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("session: upgrade failed", "error", err)
		return
	}
	s.serve(r.Context(), conn)
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	s.logger.Info("session: client connected", "remote", conn.RemoteAddr())

	var writeMu sync.Mutex
	write := func(env *Envelope) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(env); err != nil {
			s.logger.Debug("session: write failed", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Event pump: broker events become EVT frames.
	events, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev.Data)
				if err != nil {
					continue
				}
				write(&Envelope{Kind: KindEvent, Type: ev.Type, Data: data})
			}
		}
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("session: client dropped", "error", err)
			} else {
				s.logger.Info("session: client disconnected")
			}
			return
		}
		if env.Kind != KindRequest {
			continue
		}
		// Each request runs in its own goroutine so a long dispatch never
		// blocks pairing or status requests on the same connection.
		go s.dispatch(ctx, &env, write)
	}
}

func (s *Server) dispatch(ctx context.Context, env *Envelope, write func(*Envelope)) {
	res := &Envelope{Kind: KindResponse, ID: env.ID}

	if needsAuth(env.Type) {
		if err := s.pairer.Verify(env.Token); err != nil {
			res.Error = err.Error()
			write(res)
			return
		}
	}

	h, ok := s.handler(env.Type)
	if !ok {
		res.Error = "unknown request type: " + env.Type
		write(res)
		return
	}

	data, err := h(ctx, env.Payload)
	if err != nil {
		res.Error = err.Error()
		write(res)
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		res.Error = "encode response: " + err.Error()
		write(res)
		return
	}
	res.OK = true
	res.Data = raw
	write(res)
}

// --- pairing handlers ---

func (s *Server) handlePairCode(_ context.Context, _ json.RawMessage) (any, error) {
	code := s.pairer.Code()
	// The code also goes to the log so the user can read it off the daemon
	// and compare with what the client shows.
	s.logger.Info("session: pairing code issued", "code", code)
	return map[string]string{"code": code}, nil
}

type pairConfirmReq struct {
	Code string `json:"code"`
}

func (s *Server) handlePairConfirm(_ context.Context, payload json.RawMessage) (any, error) {
	var req pairConfirmReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.New("invalid payload")
	}
	token, err := s.pairer.Confirm(req.Code)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session: client paired")
	return map[string]string{"token": token}, nil
}
