package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"zipchat/apperrors"
	"zipchat/models"
)

const (
	// DefaultPingInterval is the liveness ping period.
	DefaultPingInterval = 30 * time.Second
	// DefaultWriteTimeout bounds each outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultAuthTimeout bounds the token verification call.
	DefaultAuthTimeout = 10 * time.Second
	// DefaultMaxMessageBytes caps one inbound frame.
	DefaultMaxMessageBytes = 64 * 1024
	// DefaultEventsPerSecond throttles inbound events per connection.
	DefaultEventsPerSecond = 50
	// inboundQueueSize is the per-connection read-ahead buffer.
	inboundQueueSize = 64
)

const (
	TypeChat   = "chat"
	TypeTyping = "typing"
	TypeError  = "error"
)

// CloseUnauthorized is sent when the handshake credential is rejected.
const (
	CloseUnauthorized       = websocket.ClosePolicyViolation
	CloseReasonUnauthorized = "Unauthorized"
)

// Rejection codes carried in error frames.
const (
	CodeUnauthorized     = "unauthorized"
	CodeUnknownEventType = "unknown_event_type"
	CodeInvalidEvent     = "invalid_event"
	CodeStorageError     = "storage_error"
	CodeOverloaded       = "overloaded"
)

var (
	// ErrMalformedFrame indicates a frame that is not a JSON object.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrUnknownEventType indicates a well-formed frame with an unsupported type.
	ErrUnknownEventType = errors.New("network: unknown event type")
)

// Event is one decoded inbound frame: ChatEvent, TypingEvent, UnknownEvent or
// InvalidEvent.
type Event interface {
	eventType() string
}

// ChatEvent asks the server to persist and forward one encrypted message.
type ChatEvent struct {
	RecipientID string
	Content     string
	IV          string
	// Key is the per-message key. It is relayed to live recipients and never stored.
	Key       string
	ExpiresAt *int64
}

// TypingEvent is an ephemeral typing indicator.
type TypingEvent struct {
	RecipientID string
	IsTyping    bool
}

// UnknownEvent carries any frame whose type is not recognized.
type UnknownEvent struct {
	Type string
}

// InvalidEvent is a JSON object whose fields do not fit the event schema.
type InvalidEvent struct {
	Type string
	Err  error
}

func (ChatEvent) eventType() string      { return TypeChat }
func (TypingEvent) eventType() string    { return TypeTyping }
func (e UnknownEvent) eventType() string { return e.Type }
func (e InvalidEvent) eventType() string { return e.Type }

func (e ChatEvent) validate() error {
	if strings.TrimSpace(e.RecipientID) == "" {
		return apperrors.Validation("recipientId is required")
	}
	if e.Content == "" {
		return apperrors.Validation("content is required")
	}
	if e.IV == "" {
		return apperrors.Validation("iv is required")
	}
	return nil
}

func (e TypingEvent) validate() error {
	if strings.TrimSpace(e.RecipientID) == "" {
		return apperrors.Validation("recipientId is required")
	}
	return nil
}

// inboundFrame is the union of all inbound fields.
type inboundFrame struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	IV          string `json:"iv"`
	Key         string `json:"key"`
	ExpiresAt   *int64 `json:"expiresAt"`
	IsTyping    *bool  `json:"isTyping"`
}

// DecodeEvent parses one text frame. Only frames that are not JSON objects
// fail. Objects with wrongly typed fields decode to InvalidEvent and
// unrecognized types decode to UnknownEvent.
func DecodeEvent(payload []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "decode event", fmt.Errorf("%w: %v", ErrMalformedFrame, err))
	}
	if fields == nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "decode event", fmt.Errorf("%w: null", ErrMalformedFrame))
	}

	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return InvalidEvent{Type: frame.Type, Err: fieldError(err)}, nil
	}

	switch frame.Type {
	case TypeChat:
		return ChatEvent{
			RecipientID: frame.RecipientID,
			Content:     frame.Content,
			IV:          frame.IV,
			Key:         frame.Key,
			ExpiresAt:   frame.ExpiresAt,
		}, nil
	case TypeTyping:
		isTyping := true
		if frame.IsTyping != nil {
			isTyping = *frame.IsTyping
		}
		return TypingEvent{RecipientID: frame.RecipientID, IsTyping: isTyping}, nil
	default:
		return UnknownEvent{Type: frame.Type}, nil
	}
}

func fieldError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return apperrors.Validation(typeErr.Field + " has the wrong type")
	}
	return apperrors.Validation("malformed event")
}

// ChatDelivery is forwarded to every live connection of the recipient.
type ChatDelivery struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
	Key     string         `json:"key,omitempty"`
}

// TypingNotice is forwarded to the recipient of a typing indicator.
type TypingNotice struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorMessage reports a rejected event back to its sender.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

func newErrorMessage(code, text string) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Error:     text,
		Timestamp: time.Now().UnixMilli(),
	}
}
