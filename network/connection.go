package network

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	"zipchat/metrics"
)

var (
	// ErrConnectionClosed indicates a write on a connection that has shut down.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrPongTimeout indicates the peer missed a liveness ping.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionState represents the lifecycle state of one client connection.
type ConnectionState string

const (
	StateConnecting     ConnectionState = "CONNECTING"
	StateAuthenticating ConnectionState = "AUTHENTICATING"
	StateAuthenticated  ConnectionState = "AUTHENTICATED"
	// StateAnonymous is a connection that presented no credential. It stays
	// open but every application event is rejected.
	StateAnonymous ConnectionState = "ANONYMOUS"
	StateClosing   ConnectionState = "CLOSING"
	StateClosed    ConnectionState = "CLOSED"
)

// Conn is one live websocket session.
type Conn struct {
	id     string
	ws     *websocket.Conn
	userID string

	stateMu sync.RWMutex
	state   ConnectionState

	alive atomic.Bool

	sendMu       sync.Mutex
	writeTimeout time.Duration

	limiter ratelimit.Limiter
	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error

	log logrus.FieldLogger
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration, eventsPerSecond int, log logrus.FieldLogger) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:           id,
		ws:           ws,
		state:        StateConnecting,
		writeTimeout: writeTimeout,
		limiter:      ratelimit.NewUnlimited(),
		inbound:      make(chan []byte, inboundQueueSize),
		closed:       make(chan struct{}),
		log:          log.WithField("conn_id", id),
	}
	if eventsPerSecond > 0 {
		c.limiter = ratelimit.New(eventsPerSecond)
	}
	c.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// ID returns the server-assigned session id.
func (c *Conn) ID() string {
	return c.id
}

// UserID returns the authenticated user, or "" for anonymous connections.
func (c *Conn) UserID() string {
	return c.userID
}

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Authenticated reports whether application events may be processed.
func (c *Conn) Authenticated() bool {
	return c.State() == StateAuthenticated
}

// Done is closed when the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// bindUser is called once during the handshake before the connection is
// registered; the user id never changes afterwards.
func (c *Conn) bindUser(userID string) {
	c.userID = userID
	c.log = c.log.WithField("user_id", userID)
	c.setState(StateAuthenticated)
}

// SendJSON writes one text frame. Writes are serialized per connection.
func (c *Conn) SendJSON(message any) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteJSON(message); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// ping implements one liveness tick. It returns false when the previous
// ping went unanswered. timeout bounds the wait for the write lock held by
// an in-flight SendJSON.
func (c *Conn) ping(timeout time.Duration) (bool, error) {
	if !c.alive.Swap(false) {
		return false, nil
	}
	deadline := time.Now().Add(timeout)
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return true, fmt.Errorf("write ping: %w", err)
	}
	return true, nil
}

// closeWithCode sends a close frame and tears the transport down.
func (c *Conn) closeWithCode(code int, reason string) {
	c.setState(StateClosing)
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.closeWithError(nil)
}

// terminate drops the transport without a close handshake.
func (c *Conn) terminate(err error) {
	c.setState(StateClosing)
	c.closeWithError(err)
}

// readLoop feeds text frames into the inbound queue until the transport fails.
// Frames arriving while the queue is full are rejected with CodeOverloaded
// instead of blocking the read.
func (c *Conn) readLoop() {
	defer close(c.inbound)

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.closeWithError(fmt.Errorf("read frame: %w", err))
			} else {
				c.closeWithError(nil)
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.log.WithField("frame_type", messageType).Debug("dropping non-text frame")
			continue
		}
		select {
		case c.inbound <- payload:
		default:
			metrics.EventsReceived.WithLabelValues("", metrics.ResultDropped).Inc()
			c.log.Warn("inbound queue full, frame dropped")
			if err := c.SendJSON(newErrorMessage(CodeOverloaded, "server busy, event dropped")); err != nil {
				c.log.WithError(err).Debug("send overload rejection failed")
			}
		}
	}
}

// processLoop handles queued frames in arrival order, throttled by the limiter.
func (c *Conn) processLoop(handle func(payload []byte)) {
	for payload := range c.inbound {
		c.limiter.Take()
		handle(payload)
	}
}

func (c *Conn) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = state
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.setState(StateClosed)
		_ = c.ws.Close()
		close(c.closed)
	})
}
