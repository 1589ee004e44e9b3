package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/gateway"
)

const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

// MessageRouter handles inbound client frames for the gateway: subscribe
// and unsubscribe requests plus activity tracking. Every frame, whatever
// its type, refreshes the session's last-activity timestamp; protocol and
// validation faults are funneled into the abuse tracker.
type MessageRouter struct {
	logger   *slog.Logger
	registry *gateway.Registry
	subs     *gateway.SubscriptionManager
	abuse    *gateway.AbuseTracker
	clock    clock.Clock
}

func NewMessageRouter(logger *slog.Logger, registry *gateway.Registry, subs *gateway.SubscriptionManager, abuse *gateway.AbuseTracker, clk clock.Clock) *MessageRouter {
	if clk == nil {
		clk = clock.New()
	}
	return &MessageRouter{
		logger:   logger.With(slog.String("component", "message_router")),
		registry: registry,
		subs:     subs,
		abuse:    abuse,
		clock:    clk,
	}
}

// HandlerFor binds the router to one authenticated identity. The returned
// handler is wired as the transport's message callback.
func (r *MessageRouter) HandlerFor(identity string) func(ctx context.Context, connID uuid.UUID, msg []byte) {
	return func(ctx context.Context, connID uuid.UUID, msg []byte) {
		r.HandleMessage(ctx, identity, msg)
	}
}

func (r *MessageRouter) HandleMessage(ctx context.Context, identity string, msg []byte) {
	session, ok := r.registry.Lookup(identity)
	if !ok {
		// Frame raced a disconnect; nothing to do.
		return
	}
	session.Touch(r.clock.Now())

	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message", slog.String("userID", identity), slog.Any("error", err))
		r.abuse.RecordError(ctx, identity)
		return
	}

	switch clientMsg.Event {
	case EventSubscribe, EventUnsubscribe:
		r.handleSubscription(ctx, session, clientMsg)
	case "":
		r.logger.Warn("Frame missing event field", slog.String("userID", identity))
		r.abuse.RecordError(ctx, identity)
	default:
		// Unknown events are tolerated; they still count as activity,
		// which is all a client-side ping needs.
		r.logger.Debug("Ignoring unknown event", "userID", identity, "event", clientMsg.Event)
	}
}

func (r *MessageRouter) handleSubscription(ctx context.Context, session *gateway.Session, clientMsg ClientMessage) {
	event := clientMsg.Event
	topics, err := extractTopics(clientMsg.Payload)
	if err == nil {
		if event == EventSubscribe {
			err = r.subs.Join(session.Identity, topics)
		} else {
			err = r.subs.Leave(session.Identity, topics)
		}
	}

	if err != nil {
		r.logger.Warn("Subscription request rejected",
			slog.String("userID", session.Identity),
			slog.String("event", event),
			slog.Any("error", err),
		)
		r.abuse.RecordError(ctx, session.Identity)
		r.ack(session, event, AckPayload{
			Success: false,
			Error:   err.Error(),
			Code:    gateway.CodeOf(err),
		})
		return
	}
	r.ack(session, event, AckPayload{Success: true})
}

// extractTopics pulls the topic list out of the request payload. The shape
// must be {"topics": ["a", "b"]}; anything else is an INVALID_FORMAT, and
// non-string topic entries are INVALID_CHANNEL.
func extractTopics(payload []byte) ([]string, error) {
	field := gjson.GetBytes(payload, "topics")
	if !field.IsArray() {
		return nil, gateway.ErrInvalidFormat
	}
	raw := field.Array()
	topics := make([]string, 0, len(raw))
	for _, entry := range raw {
		if entry.Type != gjson.String {
			return nil, gateway.ErrInvalidChannel
		}
		topics = append(topics, entry.String())
	}
	return topics, nil
}

func (r *MessageRouter) ack(session *gateway.Session, event string, payload AckPayload) {
	frame, err := json.Marshal(AckFrame{Event: event + ":result", Payload: payload})
	if err != nil {
		r.logger.Error("Failed to marshal ack frame", slog.Any("error", err))
		return
	}
	if err := session.Transport.Send(frame); err != nil {
		r.logger.Warn("Failed to send ack", slog.String("userID", session.Identity), slog.Any("error", err))
	}
}
