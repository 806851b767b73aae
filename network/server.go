package network

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"zipchat/auth"
	"zipchat/metrics"
	"zipchat/storage"
)

// SecurityRecorder persists handshake failures and evictions.
type SecurityRecorder interface {
	LogSecurityEvent(ctx context.Context, event storage.SecurityEvent) error
}

// ServerOptions controls runtime behavior of Server.
type ServerOptions struct {
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	AuthTimeout     time.Duration
	MaxMessageBytes int64
	EventsPerSecond int
	// AllowedOrigins restricts browser origins; empty accepts any origin.
	AllowedOrigins []string

	Logger   logrus.FieldLogger
	Security SecurityRecorder
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.AuthTimeout <= 0 {
		out.AuthTimeout = DefaultAuthTimeout
	}
	if out.MaxMessageBytes <= 0 {
		out.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if out.EventsPerSecond == 0 {
		out.EventsPerSecond = DefaultEventsPerSecond
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Server upgrades HTTP requests to websocket sessions, authenticates them,
// keeps them in the registry and pings them for liveness.
type Server struct {
	opts     ServerOptions
	upgrader websocket.Upgrader
	verifier auth.TokenVerifier
	registry *Registry
	router   *Router
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	// mu orders admission against Shutdown: once closing is set under mu no
	// connection is registered and wg is not added to.
	mu       sync.Mutex
	closing  atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer wires a server around verifier and store.
func NewServer(verifier auth.TokenVerifier, store storage.MessageStore, options ServerOptions) *Server {
	opts := options.withDefaults()
	registry := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		opts:     opts,
		verifier: verifier,
		registry: registry,
		router:   NewRouter(store, registry),
		log:      opts.Logger.WithField("component", "ws"),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: opts.AuthTimeout,
		CheckOrigin:      s.checkOrigin,
	}
	return s
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	return s.registry.Len()
}

// ServeHTTP performs the upgrade and handshake for one client.
//
// The bearer token is the first offered subprotocol and is echoed back so
// browsers accept the upgrade. A rejected token closes the session with
// CloseUnauthorized before any event is read.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	var (
		token  string
		header http.Header
	)
	if protocols := websocket.Subprotocols(r); len(protocols) > 0 {
		token = protocols[0]
		header = http.Header{"Sec-Websocket-Protocol": {token}}
	}

	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.log.WithError(err).WithField("remote_addr", r.RemoteAddr).Debug("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(s.opts.MaxMessageBytes)

	c := newConn(ws, s.opts.WriteTimeout, s.opts.EventsPerSecond, s.log.WithField("remote_addr", r.RemoteAddr))
	if token == "" {
		c.setState(StateAnonymous)
	} else {
		c.setState(StateAuthenticating)
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.AuthTimeout)
		userID, err := s.verifier.Verify(ctx, token)
		cancel()
		if err != nil {
			s.rejectHandshake(c, err)
			return
		}
		c.bindUser(userID)
	}

	if !s.admit(c) {
		c.log.Debug("server shut down during handshake")
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
		return
	}
	c.log.WithField("state", c.State()).Info("connection opened")

	go func() {
		defer s.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer s.wg.Done()
		defer s.release(c)
		c.processLoop(func(payload []byte) {
			s.router.HandleFrame(s.ctx, c, payload)
		})
	}()
}

// admit registers c and reserves its loops in wg unless Shutdown has begun.
func (s *Server) admit(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.registry.Add(c)
	s.wg.Add(2)
	return true
}

// Run pings every connection each PingInterval until ctx is done or the
// server shuts down.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		}
	}
}

// sweep terminates connections that did not answer the previous ping and
// pings the rest. Connections are checked concurrently so one stalled writer
// cannot delay the others.
func (s *Server) sweep() {
	timeout := s.pingTimeout()
	var wg sync.WaitGroup
	for _, c := range s.registry.Snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.checkLiveness(c, timeout)
		}()
	}
	wg.Wait()
}

func (s *Server) checkLiveness(c *Conn, timeout time.Duration) {
	answered, err := c.ping(timeout)
	if !answered {
		s.evict(c)
		return
	}
	if err != nil {
		c.log.WithError(err).Debug("liveness ping failed")
		c.terminate(err)
	}
}

// pingTimeout keeps a ping write well inside one PingInterval.
func (s *Server) pingTimeout() time.Duration {
	return min(s.opts.WriteTimeout, s.opts.PingInterval/2)
}

func (s *Server) evict(c *Conn) {
	removed := s.registry.Remove(c)
	c.terminate(ErrPongTimeout)
	if !removed {
		return
	}
	metrics.HeartbeatEvictions.Inc()
	c.log.Warn("connection missed liveness ping, terminated")

	var userID *string
	if id := c.UserID(); id != "" {
		userID = &id
	}
	s.recordSecurityEvent(storage.SecurityEvent{
		EventType: storage.SecurityEventHeartbeatEviction,
		UserID:    userID,
		Severity:  storage.SecuritySeverityInfo,
		Details:   detailsJSON(map[string]string{"conn_id": c.ID()}),
	})
}

func (s *Server) rejectHandshake(c *Conn, cause error) {
	metrics.AuthFailures.Inc()
	c.log.WithError(cause).Warn("handshake rejected")
	c.closeWithCode(CloseUnauthorized, CloseReasonUnauthorized)

	s.recordSecurityEvent(storage.SecurityEvent{
		EventType: storage.SecurityEventAuthFailure,
		Severity:  storage.SecuritySeverityWarning,
		Details:   detailsJSON(map[string]string{"conn_id": c.ID(), "reason": cause.Error()}),
	})
}

func (s *Server) release(c *Conn) {
	if s.registry.Remove(c) {
		entry := c.log
		if err := c.LastError(); err != nil {
			entry = entry.WithError(err)
		}
		entry.Info("connection closed")
	}
}

// Shutdown closes every connection with a going-away frame and waits for
// their loops to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closing.Store(true)
		open := s.registry.Snapshot()
		s.mu.Unlock()

		for _, c := range open {
			c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (s *Server) recordSecurityEvent(event storage.SecurityEvent) {
	if s.opts.Security == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.opts.Security.LogSecurityEvent(ctx, event); err != nil {
		s.log.WithError(err).WithField("event", event.EventType).Error("record security event")
	}
}

func detailsJSON(fields map[string]string) string {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
