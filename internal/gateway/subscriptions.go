package gateway

import (
	"log/slog"
	"sync"
)

// MaxTopicsPerRequest caps how many topics a single subscribe or
// unsubscribe call may name.
const MaxTopicsPerRequest = 50

/*
SubscriptionManager maintains two mappings under one lock:

 1. identity → set of joined topics (the connection's subscription set);
 2. topic → set of member identities (the reverse index for fan-out).

Holding both under a single mutex keeps them in agreement through every
mutation, including the cascading cleanup when a connection dies.
*/
type SubscriptionManager struct {
	mu         sync.RWMutex
	byIdentity map[string]map[string]struct{}
	byTopic    map[string]map[string]struct{}

	logger *slog.Logger
}

func NewSubscriptionManager(logger *slog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		byIdentity: make(map[string]map[string]struct{}),
		byTopic:    make(map[string]map[string]struct{}),
		logger:     logger.With(slog.String("component", "subscriptions")),
	}
}

// validateTopics enforces request shape before any mutation so a rejected
// call leaves existing subscriptions untouched.
func validateTopics(topics []string) error {
	if len(topics) == 0 {
		return ErrInvalidFormat
	}
	if len(topics) > MaxTopicsPerRequest {
		return ErrChannelLimitExceeded
	}
	for _, topic := range topics {
		if topic == "" {
			return ErrInvalidChannel
		}
	}
	return nil
}

// Join subscribes identity to each named topic. Topics are opaque,
// case-sensitive strings; joining a topic twice is a no-op.
func (m *SubscriptionManager) Join(identity string, topics []string) error {
	if err := validateTopics(topics); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	joined, ok := m.byIdentity[identity]
	if !ok {
		joined = make(map[string]struct{})
		m.byIdentity[identity] = joined
	}

	for _, topic := range topics {
		if _, already := joined[topic]; already {
			continue
		}
		joined[topic] = struct{}{}

		members, ok := m.byTopic[topic]
		if !ok {
			members = make(map[string]struct{})
			m.byTopic[topic] = members
		}
		members[identity] = struct{}{}
	}

	m.logger.Debug("User joined topics", "userID", identity, "topics", topics)
	return nil
}

// Leave removes identity from each named topic. Leaving a topic never
// joined is a no-op, not an error.
func (m *SubscriptionManager) Leave(identity string, topics []string) error {
	if err := validateTopics(topics); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	joined, ok := m.byIdentity[identity]
	if !ok {
		return nil
	}

	for _, topic := range topics {
		if _, member := joined[topic]; !member {
			continue
		}
		delete(joined, topic)
		m.removeMemberLocked(topic, identity)
	}
	if len(joined) == 0 {
		delete(m.byIdentity, identity)
	}

	m.logger.Debug("User left topics", "userID", identity, "topics", topics)
	return nil
}

// RemoveAll drops every membership held by identity. Called when its
// connection is destroyed or replaced.
func (m *SubscriptionManager) RemoveAll(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined, ok := m.byIdentity[identity]
	if !ok {
		return
	}
	for topic := range joined {
		m.removeMemberLocked(topic, identity)
	}
	delete(m.byIdentity, identity)
	m.logger.Debug("Removed all subscriptions", "userID", identity)
}

// removeMemberLocked must be called with mu held for writing.
func (m *SubscriptionManager) removeMemberLocked(topic, identity string) {
	members, ok := m.byTopic[topic]
	if !ok {
		return
	}
	delete(members, identity)
	// For memory hygiene, remove the topic if it's now empty.
	if len(members) == 0 {
		delete(m.byTopic, topic)
	}
}

// Members returns a snapshot of the identities subscribed to topic.
func (m *SubscriptionManager) Members(topic string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members, ok := m.byTopic[topic]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for identity := range members {
		out = append(out, identity)
	}
	return out
}

// Topics returns a snapshot of the topics identity has joined.
func (m *SubscriptionManager) Topics(identity string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined, ok := m.byIdentity[identity]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(joined))
	for topic := range joined {
		out = append(out, topic)
	}
	return out
}

// RoomStats returns the current member count per topic, for observability.
func (m *SubscriptionManager) RoomStats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int, len(m.byTopic))
	for topic, members := range m.byTopic {
		stats[topic] = len(members)
	}
	return stats
}
