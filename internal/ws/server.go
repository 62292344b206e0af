// Package ws is the WebSocket transport. It authenticates the handshake,
// upgrades with gobwas/ws, multiplexes reads through epoll and a bounded
// worker pool, and hands frames and connection ends to the lifecycle
// controller.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/lifecycle"
	"github.com/voyago/chat/internal/metrics"
	"github.com/voyago/chat/internal/protocol"
	"github.com/voyago/chat/internal/ratelimit"
	"github.com/voyago/chat/internal/registry"
)

// Close reasons originating in the transport.
const (
	ReasonClientClosed  = "client closed"
	ReasonReadFailed    = "read failed"
	ReasonFrameTooLarge = "frame too large"
	ReasonShutdown      = "server shutting down"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // largest accepted data frame
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AcceptTimeout  time.Duration // bound on session setup after upgrade
	ServerName     string
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  64 * 1024,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AcceptTimeout:  10 * time.Second,
	}
}

// Lifecycle is the connection state machine driven by the transport.
type Lifecycle interface {
	Accept(ctx context.Context, h registry.Handle, join lifecycle.Join) (*lifecycle.Session, error)
	Dispatch(ctx context.Context, connID string, data []byte)
	Disconnect(h registry.Handle, reason string)
	Touch(connID string)
}

// Authenticator resolves a handshake token to a user id.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// HandshakeLimiter throttles upgrades per client address.
type HandshakeLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. Ready
// connections are dispatched to a bounded worker pool; each connection is
// read by at most one worker at a time, so its events are handled in
// arrival order.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	lifecycle  Lifecycle
	auth       Authenticator
	limiter    HandshakeLimiter // optional
	workerPool chan struct{}    // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
	stopOnce   sync.Once
}

// NewServer creates a Server. limiter may be nil.
func NewServer(config ServerConfig, lc Lifecycle, auth Authenticator, limiter HandshakeLimiter) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.AcceptTimeout <= 0 {
		config.AcceptTimeout = DefaultServerConfig().AcceptTimeout
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		lifecycle:  lc,
		auth:       auth,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) init() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go s.startEventLoop()

	log.Info().Str("module", "ws").
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")
	return nil
}

// Start listens on config.ListenAddr and blocks until Shutdown.
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		return err
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Serve accepts connections on ln and blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.init(); err != nil {
		return err
	}
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func writeHTTPError(w http.ResponseWriter, status int, e *chat.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorPayload(e))
}

// clientIP returns the first X-Forwarded-For hop set by the load balancer,
// or the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func handshakeToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return r.Header.Get("Authorization")
}

// handleUpgrade authenticates the request, upgrades it and hands the new
// connection to the lifecycle controller. The connection joins the poller
// only after the session is set up, so no frame is read before it.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		writeHTTPError(w, http.StatusServiceUnavailable, chat.Unavailable(errors.New("connection limit reached")))
		return
	}

	userID, err := s.auth.Authenticate(handshakeToken(r))
	if err != nil {
		log.Debug().Str("module", "ws").Str("ip", clientIP(r)).Err(err).Msg("handshake rejected")
		writeHTTPError(w, http.StatusUnauthorized, chat.AuthFailed("invalid or missing token"))
		return
	}

	if s.limiter != nil {
		ip := clientIP(r)
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			metrics.RateLimited.WithLabelValues(ratelimit.RuleConnect.Key).Inc()
			writeHTTPError(w, http.StatusTooManyRequests, chat.RateLimited(ratelimit.RuleConnect.Window))
			return
		}
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn().Str("module", "ws").Err(err).Msg("upgrade failed")
		return
	}

	netConn := s.epoll.Wrap(raw)
	c := &Connection{
		id:           uuid.New().String(),
		userID:       userID,
		Conn:         netConn,
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
		onClose:      s.RemoveConnection,
	}
	s.conns.Add(c)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.AcceptTimeout)
	sess, err := s.lifecycle.Accept(ctx, c, lifecycle.JoinFor(r.URL.Query().Get("session")))
	cancel()
	if err != nil {
		log.Info().Str("module", "ws").Str("conn", c.id).Str("user", userID).Err(err).Msg("session setup failed")
		_ = c.Close(chat.AsError(err).Message)
		return
	}

	if err := s.epoll.Add(netConn); err != nil {
		log.Error().Str("module", "ws").Str("conn", c.id).Err(err).Msg("epoll add failed")
		_ = c.Close(ReasonReadFailed)
		return
	}

	log.Debug().Str("module", "ws").
		Str("conn", c.id).
		Str("user", userID).
		Str("session", sess.ID).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

// handleHealth reports liveness for the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Server      string `json:"server,omitempty"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Server:      s.config.ServerName,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits for ready connections and hands each to a worker.
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
				if isEINTR(err) {
					continue
				}
				log.Error().Str("module", "ws").Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// answered in place; data frames go to the lifecycle controller.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// The fallback poller can report a connection again before Rearm.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Rearm(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means a stale readiness report; the heartbeat
		// handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c, ReasonReadFailed)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	s.lifecycle.Touch(c.id)

	if header.OpCode.IsControl() {
		payload, err := io.ReadAll(reader)
		if err != nil {
			s.RemoveConnection(c, ReasonReadFailed)
			return
		}
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c, ReasonClientClosed)
		case ws.OpPing:
			if err := c.write(ws.OpPong, payload); err != nil {
				s.RemoveConnection(c, lifecycle.ReasonWriteFailed)
			}
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		_ = c.Close(ReasonFrameTooLarge)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c, ReasonReadFailed)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	s.lifecycle.Dispatch(context.Background(), c.id, data)
}

// RemoveConnection unregisters c, closes its socket and runs the lifecycle
// cleanup. Concurrent calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection, reason string) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.id) {
		return
	}

	s.lifecycle.Disconnect(c, reason)

	log.Debug().Str("module", "ws").
		Str("conn", c.id).
		Str("reason", reason).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, closes every connection through the normal
// cleanup path and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Info().Str("module", "ws").Msg("shutting down server")
		close(s.done)

		if s.httpServer != nil {
			if e := s.httpServer.Shutdown(ctx); e != nil {
				err = fmt.Errorf("ws: http shutdown: %w", e)
			}
		}

		for _, c := range s.conns.All() {
			_ = c.Close(ReasonShutdown)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		log.Info().Str("module", "ws").Msg("server stopped")
	})
	return err
}

// isEINTR reports an interrupted system call, which is retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
