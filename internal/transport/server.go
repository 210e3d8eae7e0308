package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"

	"agentbridge/internal/logger"
)

// ErrAddrInUse reports that the listen port is already taken, so the host
// application can tell an operator instead of crashing.
var ErrAddrInUse = errors.New("transport: address already in use")

// Server accepts inbound bridge connections on a local WebSocket endpoint.
// Each connection gets its own read goroutine; payloads are handed to the
// consumer in per-connection arrival order.
type Server struct {
	addr      string
	onPayload func([]byte)
	log       *logger.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	ln       net.Listener

	mu    sync.Mutex
	conns map[*peerConn]struct{}
	wg    sync.WaitGroup
}

// peerConn wraps one inbound connection with a write mutex; the websocket
// library allows only one concurrent writer per connection, and Broadcast
// may be called from any number of goroutines.
type peerConn struct {
	wmu  sync.Mutex
	conn *websocket.Conn
}

func (p *peerConn) write(payload []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

// NewServer creates a server listening on the given port once started.
func NewServer(port int, onPayload func([]byte), log *logger.Logger) *Server {
	return &Server{
		addr:      fmt.Sprintf(":%d", port),
		onPayload: onPayload,
		log:       log,
		upgrader: websocket.Upgrader{
			// The bridge serves local device peers only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*peerConn]struct{}),
	}
}

// Start binds the listen socket and begins serving. A port conflict is
// reported as ErrAddrInUse; the caller surfaces it exactly once as a status
// event.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrAddrInUse, s.addr)
		}
		return err
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/realtime", s.handleRealtime)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped unexpectedly", "error", err)
		}
	}()

	s.log.Info("listening for bridge connections", "addr", s.addr)
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, closing all live connections.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}

	s.mu.Lock()
	for p := range s.conns {
		p.conn.Close()
	}
	s.mu.Unlock()

	err := s.httpSrv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

// Broadcast sends a payload to every connected peer. Returns true when at
// least one send succeeded; peers with broken sockets are dropped.
func (s *Server) Broadcast(payload []byte) bool {
	s.mu.Lock()
	peers := make([]*peerConn, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	sent := false
	for _, p := range peers {
		if err := p.write(payload); err != nil {
			s.log.Warn("dropping peer after failed send", "error", err)
			s.removeConn(p)
			p.conn.Close()
			continue
		}
		sent = true
	}
	return sent
}

// ConnectionCount returns the number of live inbound connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	peer := &peerConn{conn: conn}
	s.mu.Lock()
	s.conns[peer] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.log.Info("bridge peer connected", "connections", n)

	s.wg.Add(1)
	go s.readLoop(peer)
}

func (s *Server) readLoop(peer *peerConn) {
	defer s.wg.Done()
	defer func() {
		s.removeConn(peer)
		peer.conn.Close()
		s.log.Info("bridge peer disconnected", "connections", s.ConnectionCount())
	}()

	for {
		// Peers send JSON as either text or binary frames.
		_, payload, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		if s.onPayload != nil {
			s.onPayload(payload)
		}
	}
}

func (s *Server) removeConn(peer *peerConn) {
	s.mu.Lock()
	delete(s.conns, peer)
	s.mu.Unlock()
}
