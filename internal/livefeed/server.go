// Package livefeed pushes engine events to WebSocket clients.
//
// Clients connect to /ws, optionally with ?owner=<id> to receive only that
// owner's events. /health reports the number of connected clients.
package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/ledgersync/internal/events"
)

// Message is the wire frame sent to clients.
type Message struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Event     *events.Event `json:"event,omitempty"`
}

const typeHello = "hello"

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:8090". Port 0 picks a free port.
	Addr string

	// Buffer is the broadcast queue length (default 256).
	Buffer int

	Logger *slog.Logger
}

// Server manages WebSocket connections and broadcasts events.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]string // conn -> owner filter ("" = all)
	clientsMu sync.RWMutex

	broadcast chan events.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

var _ events.Emitter = (*Server)(nil)

// NewServer creates a server. Call Start to listen.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8090"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      cfg.Addr,
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan events.Event, cfg.Buffer),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger.With("component", "livefeed"),
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("live feed listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("live feed server error", "error", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("live feed stopped")
	return nil
}

// Emit implements events.Emitter. It never blocks: when the queue is full
// the event is dropped and logged.
func (s *Server) Emit(e events.Event) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.broadcast <- e:
	default:
		s.logger.Warn("broadcast queue full, dropping event", "type", e.Type, "owner", e.OwnerID)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case e := <-s.broadcast:
			if e.Timestamp.IsZero() {
				e.Timestamp = time.Now()
			}
			data, err := json.Marshal(Message{Type: string(e.Type), Timestamp: e.Timestamp, Event: &e})
			if err != nil {
				s.logger.Error("marshal event", "error", err)
				continue
			}

			s.clientsMu.RLock()
			targets := make([]*websocket.Conn, 0, len(s.clients))
			for conn, owner := range s.clients {
				if owner == "" || owner == e.OwnerID {
					targets = append(targets, conn)
				}
			}
			s.clientsMu.RUnlock()

			for _, conn := range targets {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("client write failed", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	owner := r.URL.Query().Get("owner")

	s.clientsMu.Lock()
	s.clients[conn] = owner
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("client connected", "owner", owner, "clients", count)

	hello, _ := json.Marshal(Message{Type: typeHello, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	go s.readLoop(conn)
}

// readLoop detects disconnects. Client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "clients", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
