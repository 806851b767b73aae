package network

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"zipchat/apperrors"
	"zipchat/metrics"
	"zipchat/storage"
)

// Router dispatches decoded events from one connection: chat is persisted
// then forwarded, typing is forwarded only.
type Router struct {
	store    storage.MessageStore
	registry *Registry
}

// NewRouter binds a router to its store and registry.
func NewRouter(store storage.MessageStore, registry *Registry) *Router {
	return &Router{store: store, registry: registry}
}

// HandleFrame decodes payload and dispatches it. Frames that are not JSON
// are logged and dropped without a response.
func (rt *Router) HandleFrame(ctx context.Context, c *Conn, payload []byte) {
	event, err := DecodeEvent(payload)
	if err != nil {
		metrics.EventsReceived.WithLabelValues("", metrics.ResultInvalid).Inc()
		c.log.WithError(err).Warn("dropping unparseable frame")
		return
	}
	rt.Dispatch(ctx, c, event)
}

// Dispatch routes one event. Connections that are not authenticated get an
// unauthorized rejection for every event and stay open.
func (rt *Router) Dispatch(ctx context.Context, c *Conn, event Event) {
	if !c.Authenticated() {
		metrics.EventsReceived.WithLabelValues(eventLabel(event), metrics.ResultUnauthorized).Inc()
		rt.reject(c, CodeUnauthorized, CloseReasonUnauthorized)
		return
	}

	switch ev := event.(type) {
	case ChatEvent:
		rt.handleChat(ctx, c, ev)
	case TypingEvent:
		rt.handleTyping(c, ev)
	case InvalidEvent:
		metrics.EventsReceived.WithLabelValues(eventLabel(ev), metrics.ResultInvalid).Inc()
		rt.reject(c, CodeInvalidEvent, ev.Err.Error())
	case UnknownEvent:
		metrics.EventsReceived.WithLabelValues(eventLabel(ev), metrics.ResultUnknown).Inc()
		c.log.WithField("event", ev.Type).Debug(ErrUnknownEventType.Error())
		rt.reject(c, CodeUnknownEventType, "Unknown message type")
	}
}

func (rt *Router) handleChat(ctx context.Context, c *Conn, ev ChatEvent) {
	if err := ev.validate(); err != nil {
		metrics.EventsReceived.WithLabelValues(TypeChat, metrics.ResultInvalid).Inc()
		rt.reject(c, CodeInvalidEvent, err.Error())
		return
	}

	start := time.Now()
	stored, err := rt.store.Create(ctx, storage.NewMessage{
		SenderID:    c.UserID(),
		RecipientID: ev.RecipientID,
		Content:     ev.Content,
		IV:          ev.IV,
		ExpiresAt:   ev.ExpiresAt,
	})
	metrics.StoreDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindValidation {
			metrics.EventsReceived.WithLabelValues(TypeChat, metrics.ResultInvalid).Inc()
			rt.reject(c, CodeInvalidEvent, err.Error())
			return
		}
		metrics.EventsReceived.WithLabelValues(TypeChat, metrics.ResultStorageError).Inc()
		c.log.WithError(err).WithFields(logrus.Fields{
			"recipient_id": ev.RecipientID,
			"trace":        apperrors.Trace(err),
		}).Error("store chat message")
		rt.reject(c, CodeStorageError, "message could not be stored")
		return
	}

	metrics.MessagesStored.Inc()
	metrics.EventsReceived.WithLabelValues(TypeChat, metrics.ResultOK).Inc()

	delivered := rt.forward(stored.RecipientID, TypeChat, ChatDelivery{
		Type:    TypeChat,
		Message: *stored,
		Key:     ev.Key,
	})
	c.log.WithFields(logrus.Fields{
		"message_id":   stored.ID,
		"recipient_id": stored.RecipientID,
		"delivered":    delivered,
	}).Debug("chat message stored")
}

func (rt *Router) handleTyping(c *Conn, ev TypingEvent) {
	if err := ev.validate(); err != nil {
		metrics.EventsReceived.WithLabelValues(TypeTyping, metrics.ResultInvalid).Inc()
		rt.reject(c, CodeInvalidEvent, err.Error())
		return
	}

	delivered := rt.forward(ev.RecipientID, TypeTyping, TypingNotice{
		Type:     TypeTyping,
		UserID:   c.UserID(),
		IsTyping: ev.IsTyping,
	})
	if delivered == 0 {
		metrics.EventsReceived.WithLabelValues(TypeTyping, metrics.ResultDropped).Inc()
		c.log.WithField("recipient_id", ev.RecipientID).Debug("recipient offline, typing indicator dropped")
		return
	}
	metrics.EventsReceived.WithLabelValues(TypeTyping, metrics.ResultOK).Inc()
}

// forward sends message to every live connection of userID and returns how
// many writes succeeded.
func (rt *Router) forward(userID, eventType string, message any) int {
	delivered := 0
	for _, target := range rt.registry.ConnectionsFor(userID) {
		if err := target.SendJSON(message); err != nil {
			target.log.WithError(err).Debug("forward failed")
			continue
		}
		delivered++
	}
	if delivered > 0 {
		metrics.DeliveriesSent.WithLabelValues(eventType).Add(float64(delivered))
	}
	return delivered
}

// eventLabel keeps client-chosen type strings out of metric labels.
func eventLabel(event Event) string {
	switch t := event.eventType(); t {
	case TypeChat, TypeTyping:
		return t
	default:
		return "unknown"
	}
}

func (rt *Router) reject(c *Conn, code, text string) {
	if err := c.SendJSON(newErrorMessage(code, text)); err != nil {
		c.log.WithError(err).Debug("send rejection failed")
	}
}
