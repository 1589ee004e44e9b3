package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// BroadcastEvent is the reserved event name for system-wide messages, so
// clients can tell broadcasts apart from personal notifications.
const BroadcastEvent = "system-announcement"

// Envelope is the uniform wrapper around any delivered event.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Frame is the outbound wire format: the event name plus its envelope.
type Frame struct {
	Event   string   `json:"event"`
	Payload Envelope `json:"payload"`
}

// Dispatcher is the send/broadcast API exposed to upstream producers
// (fraud scoring, gamification, learning modules). All methods are safe for
// concurrent use; each call fans out to the membership snapshot taken at
// call time.
type Dispatcher struct {
	registry *Registry
	subs     *SubscriptionManager
	abuse    *AbuseTracker

	draining  atomic.Bool
	startedAt time.Time
	clock     clock.Clock
	logger    *slog.Logger
}

func NewDispatcher(logger *slog.Logger, registry *Registry, subs *SubscriptionManager, abuse *AbuseTracker, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{
		registry:  registry,
		subs:      subs,
		abuse:     abuse,
		startedAt: clk.Now(),
		clock:     clk,
		logger:    logger.With(slog.String("component", "dispatcher")),
	}
}

// SendToUser delivers one event to identity's live connection. An offline
// identity is a no-op reported as false, not an error. A delivery fault
// counts against the identity's abuse record. A nil payload is permitted
// and still counts as delivered.
func (d *Dispatcher) SendToUser(ctx context.Context, identity, eventName string, payload any) bool {
	if identity == "" || eventName == "" {
		return false
	}
	if d.draining.Load() {
		return false
	}

	session, ok := d.registry.Lookup(identity)
	if !ok {
		return false
	}
	return d.deliver(ctx, session, eventName, Envelope{
		Type:      eventName,
		Data:      payload,
		Timestamp: d.clock.Now().UnixMilli(),
	})
}

// Broadcast fans an event out to every currently admitted connection,
// regardless of topic subscriptions. The frame is tagged with the reserved
// BroadcastEvent name so clients can tell it apart from personal
// notifications. No per-recipient acknowledgment is awaited.
func (d *Dispatcher) Broadcast(ctx context.Context, eventName string, payload any) {
	if d.draining.Load() {
		return
	}
	envelope := Envelope{
		Type:      eventName,
		Data:      payload,
		Timestamp: d.clock.Now().UnixMilli(),
	}
	count := 0
	d.registry.ForEach(func(s *Session) {
		if d.deliver(ctx, s, BroadcastEvent, envelope) {
			count++
		}
	})
	d.logger.Info("Broadcast delivered", slog.Int("recipients", count))
}

// SendToTopic delivers one event to every identity subscribed to topic and
// returns how many deliveries succeeded. Partial failures do not abort the
// remaining fan-out.
func (d *Dispatcher) SendToTopic(ctx context.Context, topic, eventName string, payload any) int {
	delivered := 0
	for _, identity := range d.subs.Members(topic) {
		if d.SendToUser(ctx, identity, eventName, payload) {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) deliver(ctx context.Context, session *Session, eventName string, envelope Envelope) bool {
	frame, err := json.Marshal(Frame{Event: eventName, Payload: envelope})
	if err != nil {
		d.logger.Error("Failed to serialize event",
			slog.String("userID", session.Identity),
			slog.String("event", eventName),
			slog.Any("error", err),
		)
		d.abuse.RecordError(ctx, session.Identity)
		return false
	}
	if err := session.Transport.Send(frame); err != nil {
		d.logger.Warn("Delivery failed",
			slog.String("userID", session.Identity),
			slog.String("event", eventName),
			slog.Any("error", err),
		)
		d.abuse.RecordError(ctx, session.Identity)
		return false
	}
	return true
}

// --- Typed senders used by upstream producers ---

func (d *Dispatcher) SendFraudAlert(ctx context.Context, identity string, alert any) bool {
	return d.SendToUser(ctx, identity, "fraud-alert", alert)
}

func (d *Dispatcher) SendAchievementNotification(ctx context.Context, identity string, achievement any) bool {
	return d.SendToUser(ctx, identity, "achievement-unlocked", achievement)
}

func (d *Dispatcher) SendLearningUpdate(ctx context.Context, identity string, update any) bool {
	return d.SendToUser(ctx, identity, "learning-update", update)
}

func (d *Dispatcher) SendTransactionUpdate(ctx context.Context, identity string, transaction any) bool {
	return d.SendToUser(ctx, identity, "transaction-update", transaction)
}

func (d *Dispatcher) SendQuestUpdate(ctx context.Context, identity string, quest any) bool {
	return d.SendToUser(ctx, identity, "quest-update", quest)
}

// BroadcastAnnouncement pushes a system maintenance/announcement message to
// everyone connected.
func (d *Dispatcher) BroadcastAnnouncement(ctx context.Context, announcement any) {
	d.Broadcast(ctx, "ANNOUNCEMENT", announcement)
}

// IsUserConnected reports whether identity currently holds a live session.
func (d *Dispatcher) IsUserConnected(identity string) bool {
	_, ok := d.registry.Lookup(identity)
	return ok
}

// UserSubscriptions returns the topics identity has joined.
func (d *Dispatcher) UserSubscriptions(identity string) []string {
	return d.subs.Topics(identity)
}

// Drain stops accepting new dispatches. Messages already queued on each
// connection are flushed by the transport as it closes.
func (d *Dispatcher) Drain() {
	d.draining.Store(true)
	d.logger.Info("Dispatcher draining, rejecting new sends")
}

// Stats is the observability snapshot served by the stats endpoint.
type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	Rooms            map[string]int `json:"perTopicMemberCounts"`
	UptimeSeconds    float64        `json:"uptimeSeconds"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		TotalConnections: d.registry.Count(),
		Rooms:            d.subs.RoomStats(),
		UptimeSeconds:    d.clock.Now().Sub(d.startedAt).Seconds(),
	}
}
