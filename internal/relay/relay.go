// Package relay serves a local HTTP endpoint that rebroadcasts build and log
// events to WebSocket clients, so editors and browser tooling can follow a
// link session. It also serves /health and the Prometheus /metrics handler.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/applinkdev/applink/internal/link/build"
	"github.com/applinkdev/applink/internal/link/eventstream"
	"github.com/applinkdev/applink/internal/logging"
	"github.com/applinkdev/applink/internal/metrics"
)

// MessageType is the kind of relayed message.
type MessageType string

const (
	// TypeHello is sent once to each client on connect.
	TypeHello MessageType = "hello"
	// TypeBuild carries a build transition.
	TypeBuild MessageType = "build"
	// TypeLog carries a builder log line.
	TypeLog MessageType = "log"
)

// Message is one relayed event.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// BuildData is the payload of a TypeBuild message.
type BuildData struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	BuildID string `json:"buildId,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// HelloData is the payload of a TypeHello message.
type HelloData struct {
	App     string `json:"app"`
	Clients int    `json:"clients"`
}

// Config holds relay configuration.
type Config struct {
	// Addr is the listen address. Defaults to 127.0.0.1:0.
	Addr string

	// App is announced to clients in the hello message.
	App string

	Metrics *metrics.Registry
	Logger  *zap.Logger
}

// Server manages WebSocket clients and broadcasts relay messages.
type Server struct {
	cfg      Config
	log      *zap.Logger
	listener net.Listener
	server   *http.Server

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]struct{}

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a relay server. Call Start to listen.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		log:       cfg.Logger.Named("relay"),
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.cfg.Metrics.Handler())

	s.server = &http.Server{
		Handler:           logging.Middleware(s.log, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.log.Info("relay listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop disconnects clients and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "link session ended")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("relay shutdown failed: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast queues msg for every client. Messages are dropped when the
// queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warn("relay queue full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// PublishBuild relays a build transition.
func (s *Server) PublishBuild(st build.Status) {
	s.publish(TypeBuild, BuildData{
		Status:  st.Kind.String(),
		Code:    st.Code,
		Message: st.Message,
		BuildID: st.BuildID,
		Subject: st.Subject,
	})
}

// PublishLog relays a builder log line.
func (s *Server) PublishLog(m eventstream.Message) {
	s.publish(TypeLog, m)
}

func (s *Server) publish(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("failed to encode relay message", zap.Error(err))
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Warn("failed to encode relay message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.log.Debug("dropping relay client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Only local tools connect; the listener is bound to loopback by default.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug("relay client connected", zap.Int("clients", count))

	hello, _ := json.Marshal(HelloData{App: s.cfg.App, Clients: count})
	data, _ := json.Marshal(Message{Type: TypeHello, Timestamp: time.Now(), Data: hello})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, data)
	cancel()

	go s.readLoop(conn)
}

// readLoop drains client frames until the client goes away.
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
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.Debug("relay client disconnected", zap.Int("clients", count))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"app":     s.cfg.App,
		"clients": s.ClientCount(),
	})
}
