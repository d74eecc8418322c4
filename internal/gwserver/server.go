// Package gwserver accepts gateway connections over WebSocket and feeds their
// binary frames to a handler.
package gwserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"taglocator/gateway-server/internal/ingest"
	"taglocator/gateway-server/internal/metrics"
)

// DefaultPath is where gateways connect.
const DefaultPath = "/gateway"

// Defaults for Options.
const (
	DefaultRegistrationTimeout = 30 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	maxFrameSize               = 4 + 0xFFFF
)

// Handler receives connection lifecycle events and frames. Calls for one
// connection never overlap.
type Handler interface {
	Connected(ctx context.Context, conn ingest.Conn) error
	HandleFrame(ctx context.Context, conn ingest.Conn, frame []byte) error
	Disconnected(ctx context.Context, conn ingest.Conn) error
}

// Options tunes the server.
type Options struct {
	Path                string
	RegistrationTimeout time.Duration
	WriteTimeout        time.Duration
}

// Server is the gateway transport endpoint.
type Server struct {
	handler  Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics
	opts     Options
	upgrader websocket.Upgrader

	mu           sync.Mutex
	httpServer   *http.Server
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}
}

// New constructs a server that forwards frames to h.
func New(h Handler, logger *slog.Logger, m *metrics.Metrics, opts Options) *Server {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.RegistrationTimeout <= 0 {
		opts.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Server{
		handler: h,
		logger:  logger,
		metrics: m,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// gateways are not browsers and send no Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// Path returns the URL path gateways connect to.
func (s *Server) Path() string { return s.opts.Path }

// Start listens on bind. The returned channel is closed once the server stops;
// fatal errors are sent on it first.
func (s *Server) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("gateway listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	s.logger.Info("gateway server listening", "addr", ln.Addr().String(), "path", s.opts.Path)

	go func() {
		defer close(errCh)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway serve: %w", err)
		}
	}()

	return errCh, nil
}

// Stop closes the listener and every open session, then waits for their
// goroutines to finish.
func (s *Server) Stop(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	s.sessionsMu.Lock()
	for sess := range s.sessions {
		_ = sess.Close()
	}
	s.sessionsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(ws, s.opts.WriteTimeout)
	s.addSession(sess)
	s.wg.Add(1)
	defer s.wg.Done()

	s.serveSession(sess)
}

func (s *Server) serveSession(sess *Session) {
	ctx := context.Background()

	s.metrics.ConnectionsOpen.Inc()
	s.logger.Info("gateway connected", "conn", sess.ID(), "remote", sess.RemoteAddr())

	defer func() {
		sess.stopTimer()
		_ = sess.Close()
		s.removeSession(sess)
		s.metrics.ConnectionsOpen.Dec()
		s.safeCall("disconnect", sess, func() error { return s.handler.Disconnected(ctx, sess) })
		s.logger.Info("gateway connection closed", "conn", sess.ID(), "gw", sess.GatewayID())
	}()

	sess.conn.SetReadLimit(maxFrameSize)

	sess.armTimer(s.opts.RegistrationTimeout, func() {
		if sess.GatewayID() != "" {
			return
		}
		s.metrics.RegistrationTimeouts.Inc()
		s.logger.Info("gateway registration timed out", "conn", sess.ID(), "remote", sess.RemoteAddr())
		_ = sess.Close()
	})

	if !s.safeCall("connect", sess, func() error { return s.handler.Connected(ctx, sess) }) {
		return
	}

	for {
		msgType, frame, err := sess.conn.ReadMessage()
		if err != nil {
			if !sess.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("gateway read error", "conn", sess.ID(), "error", err)
			}
			return
		}
		sess.stopTimer()

		if msgType != websocket.BinaryMessage {
			s.metrics.FramesDropped.WithLabelValues("text_message").Inc()
			s.logger.Debug("ignoring non-binary message", "conn", sess.ID())
			continue
		}

		s.safeCall("frame", sess, func() error { return s.handler.HandleFrame(ctx, sess, frame) })
	}
}

// safeCall runs fn and contains any error or panic to the current frame. It
// reports whether fn succeeded.
func (s *Server) safeCall(stage string, sess *Session, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gateway handler panic", "stage", stage, "conn", sess.ID(), "gw", sess.GatewayID(), "panic", r)
			ok = false
		}
	}()
	if err := fn(); err != nil {
		s.logger.Error("gateway handler failed", "stage", stage, "conn", sess.ID(), "gw", sess.GatewayID(), "error", err)
		return false
	}
	return true
}

func (s *Server) addSession(sess *Session) {
	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()
}

func (s *Server) removeSession(sess *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()
}

// Session is one gateway connection.
type Session struct {
	id           string
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool

	mu    sync.Mutex
	gwID  string
	timer *time.Timer
}

func newSession(conn *websocket.Conn, writeTimeout time.Duration) *Session {
	return &Session{
		id:           uuid.NewString(),
		conn:         conn,
		remote:       conn.RemoteAddr().String(),
		writeTimeout: writeTimeout,
	}
}

// ID is unique per connection.
func (c *Session) ID() string { return c.id }

// RemoteAddr is the peer address.
func (c *Session) RemoteAddr() string { return c.remote }

// GatewayID returns the id the connection registered as, or "".
func (c *Session) GatewayID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gwID
}

// SetGatewayID records the id the connection registered as.
func (c *Session) SetGatewayID(gwID string) {
	c.mu.Lock()
	c.gwID = gwID
	c.mu.Unlock()
}

// Send writes one binary frame. The write is bounded by ctx's deadline or the
// session write timeout, whichever is sooner.
func (c *Session) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a close message and closes the connection. It is safe to call
// more than once and from any goroutine.
func (c *Session) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Session) armTimer(d time.Duration, fn func()) {
	c.mu.Lock()
	c.timer = time.AfterFunc(d, fn)
	c.mu.Unlock()
}

func (c *Session) stopTimer() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}
