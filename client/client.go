// Package client is a Go websocket client for the chat server. Messages are
// sealed with a fresh per-message key before they leave the process.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"zipchat/e2e"
	"zipchat/models"
	"zipchat/network"
)

// ErrClosed is returned by writes after Close or after the server hung up.
var ErrClosed = errors.New("client: connection closed")

const defaultEventBuffer = 64

// Event is one decoded server frame: Delivery, Typing or Rejection.
type Event interface {
	eventType() string
}

// Delivery is a chat message addressed to this user.
type Delivery struct {
	Message models.Message
	Key     string
}

// Typing reports that UserID started or stopped typing.
type Typing struct {
	UserID   string
	IsTyping bool
}

// Rejection is the server refusing one of our events.
type Rejection struct {
	Code      string
	Error     string
	Timestamp int64
}

func (Delivery) eventType() string  { return network.TypeChat }
func (Typing) eventType() string    { return network.TypeTyping }
func (Rejection) eventType() string { return network.TypeError }

type chatFrame struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	IV          string `json:"iv"`
	Key         string `json:"key,omitempty"`
	ExpiresAt   *int64 `json:"expiresAt,omitempty"`
}

type typingFrame struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

// Options tunes Dial.
type Options struct {
	Dialer       *websocket.Dialer
	Keys         *e2e.KeyManager
	EventBuffer  int
	WriteTimeout time.Duration
	Logger       logrus.FieldLogger
}

// Client is one authenticated session.
type Client struct {
	ws           *websocket.Conn
	keys         e2e.KeyManager
	writeTimeout time.Duration
	log          logrus.FieldLogger

	writeMu sync.Mutex
	events  chan Event

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// Dial connects to url presenting token as the bearer subprotocol. An empty
// token opens an anonymous session whose events the server rejects.
func Dial(ctx context.Context, url, token string, opts Options) (*Client, error) {
	keys := e2e.KeyManager{}
	if opts.Keys != nil {
		keys = *opts.Keys
	} else {
		var err error
		if keys, err = e2e.NewKeyManager(e2e.DefaultConfig()); err != nil {
			return nil, err
		}
	}

	dialer := websocket.DefaultDialer
	if opts.Dialer != nil {
		dialer = opts.Dialer
	}
	d := *dialer
	if token != "" {
		d.Subprotocols = []string{token}
	}

	ws, resp, err := d.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = network.DefaultWriteTimeout
	}

	c := &Client{
		ws:           ws,
		keys:         keys,
		writeTimeout: writeTimeout,
		log:          logger.WithField("component", "client"),
		events:       make(chan Event, buffer),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns decoded server frames. The channel is closed when the
// connection ends; Err then reports why.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, nil after a clean close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// SendChat seals plaintext and sends it to recipientID. A non-zero expiresAt
// asks the server to purge the stored copy after that instant.
func (c *Client) SendChat(recipientID, plaintext string, expiresAt time.Time) error {
	payload, err := c.keys.EncryptMessage(plaintext)
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}

	frame := chatFrame{
		Type:        network.TypeChat,
		RecipientID: recipientID,
		Content:     payload.Content,
		IV:          payload.IV,
		Key:         payload.Key,
	}
	if !expiresAt.IsZero() {
		ms := expiresAt.UnixMilli()
		frame.ExpiresAt = &ms
	}
	return c.write(frame)
}

// SendTyping sends a typing indicator to recipientID.
func (c *Client) SendTyping(recipientID string, isTyping bool) error {
	return c.write(typingFrame{Type: network.TypeTyping, RecipientID: recipientID, IsTyping: isTyping})
}

// Decrypt opens a delivery sealed by another client.
func (c *Client) Decrypt(d Delivery) (string, error) {
	return c.keys.DecryptMessage(e2e.Payload{
		Content: d.Message.Content,
		IV:      d.Message.IV,
		Key:     d.Key,
	})
}

// Close sends a normal close frame and releases the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()

	c.finish(nil)
	return nil
}

// IsUnauthorized reports whether err is the server rejecting our credential.
func IsUnauthorized(err error) bool {
	return websocket.IsCloseError(err, network.CloseUnauthorized)
}

func (c *Client) write(frame any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

type serverFrame struct {
	Type      string          `json:"type"`
	Message   *models.Message `json:"message"`
	Key       string          `json:"key"`
	UserID    string          `json:"userId"`
	IsTyping  bool            `json:"isTyping"`
	Code      string          `json:"code"`
	Error     string          `json:"error"`
	Timestamp int64           `json:"timestamp"`
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.finish(err)
			return
		}

		event, err := decodeServerFrame(payload)
		if err != nil {
			c.log.WithError(err).Warn("dropping server frame")
			continue
		}

		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

func decodeServerFrame(payload []byte) (Event, error) {
	var frame serverFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Type {
	case network.TypeChat:
		if frame.Message == nil {
			return nil, errors.New("chat frame without message")
		}
		return Delivery{Message: *frame.Message, Key: frame.Key}, nil
	case network.TypeTyping:
		return Typing{UserID: frame.UserID, IsTyping: frame.IsTyping}, nil
	case network.TypeError:
		return Rejection{Code: frame.Code, Error: frame.Error, Timestamp: frame.Timestamp}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}
