// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and handing
// incoming frames to the application handler.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/sockrelay/chat/internal/metrics"
	"github.com/sockrelay/chat/internal/protocol"
)

// Handler receives connection lifecycle events and inbound text frames.
// OnMessage is never called concurrently for the same connection.
type Handler interface {
	OnConnect(connID, userAgent string)
	OnMessage(connID string, data []byte)
	OnDisconnect(connID string)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":8080"
	WorkerPoolSize int             // max concurrent read-worker goroutines
	MaxConnections int             // hard cap on total connections
	ReadTimeout    time.Duration   // timeout for WebSocket read operations
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig // ping interval and eviction timeout
	AllowedOrigins []string        // browser origins allowed to connect
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
		AllowedOrigins: []string{"http://localhost:5173"},
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	origins    *OriginPolicy
	handler    Handler
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration and handler.
func NewServer(config ServerConfig, handler Handler) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		origins:    NewOriginPolicy(config.AllowedOrigins),
		handler:    handler,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Open creates the epoll instance and starts the event loop and heartbeat
// monitor in the background. It must be called before the server handles
// any upgrade request.
func (s *Server) Open() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	go s.startEventLoop()
	startHeartbeat(s, s.config.Heartbeat)
	return nil
}

// Start opens the server and blocks serving handler on the configured
// address. handler is expected to route the WebSocket path to s.
func (s *Server) Start(handler http.Handler) error {
	if err := s.Open(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// ServeHTTP upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it greets the client with its
// connection ID, hands the connection to the handler and registers it with
// epoll.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); !s.origins.AllowUpgrade(origin) {
		log.Printf("ws: blocked connection from disallowed origin %q", origin)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	}
	netConn := wrapConn(conn, br)

	now := time.Now()
	c := &Connection{
		ID:           uuid.NewString(),
		Conn:         netConn,
		CreatedAt:    now,
		UserAgent:    r.UserAgent(),
		WriteTimeout: s.config.WriteTimeout,
	}
	c.Touch(now)

	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	greeting, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{ID: c.ID})
	if err != nil {
		log.Printf("ws: failed to build connected message conn=%s: %v", c.ID, err)
	} else if err := c.WriteMessage(greeting); err != nil {
		log.Printf("ws: failed to send connected message conn=%s: %v", c.ID, err)
	}

	s.handler.OnConnect(c.ID, c.UserAgent)

	if err := s.epoll.Add(netConn); err != nil {
		log.Printf("ws: epoll add failed for conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s (total=%d)", c.ID, s.conns.Count())
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// The poller reports a connection once per Rearm; this only catches a
	// dispatch racing a Rearm from the previous worker.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	removed := false
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		if removed {
			return
		}
		if err := s.epoll.Rearm(netConn); err != nil {
			log.Printf("ws: rearm conn=%s: %v", c.ID, err)
			s.RemoveConnection(c)
		}
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection, the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			_ = netConn.SetReadDeadline(time.Time{})
			return
		}
		removed = true
		s.RemoveConnection(c)
		return
	}

	// Any frame proves the connection is alive.
	c.Touch(time.Now())

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		_ = netConn.SetReadDeadline(time.Time{})
		if header.OpCode == ws.OpClose {
			removed = true
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data, err := io.ReadAll(reader)
	_ = netConn.SetReadDeadline(time.Time{})
	if err != nil {
		removed = true
		s.RemoveConnection(c)
		return
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	s.handler.OnMessage(c.ID, data)
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the underlying network connection and notifies the
// handler. It is safe to call more than once for the same connection.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	s.handler.OnDisconnect(c.ID)

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// Send writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat or the health endpoint).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Origins returns the origin policy used for upgrades.
func (s *Server) Origins() *OriginPolicy {
	return s.origins
}

// Uptime returns how long the server has been open.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown stops the HTTP listener, signals the event loop and heartbeat to
// exit, closes all active connections, and cleans up the epoll instance.
// Clients are not notified beyond the transport close.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
			shutdownErr = err
		}
	}

	for _, c := range s.conns.All() {
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		s.conns.Remove(c.ID)
	}
	metrics.ConnectionsTotal.Set(0)

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return shutdownErr
}
