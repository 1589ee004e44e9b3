package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/pkg/presence"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/pkg/transport"
)

// Session is one live, authenticated connection. A session is exclusively
// owned by the Registry; other components reference it by identity lookup.
type Session struct {
	Identity    string
	Handle      uuid.UUID
	Transport   *transport.Connection
	ConnectedAt time.Time

	lastActivity atomic.Int64 // unix milliseconds
}

// Touch records inbound activity. Safe to call concurrently with liveness
// scans; the field is atomic so readers never observe a torn update.
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixMilli())
}

func (s *Session) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

var errReplaced = errors.New("session replaced by a newer connection")

// Registry is the in-process source of truth for live sessions, keyed by
// identity. One session per identity: admitting a duplicate identity
// replaces the prior session (last-writer-wins reconnect semantics).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	subs   *SubscriptionManager
	store  presence.Store
	clock  clock.Clock
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger, subs *SubscriptionManager, store presence.Store, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		subs:     subs,
		store:    store,
		clock:    clk,
		logger:   logger.With(slog.String("component", "registry")),
	}
}

// Admit registers a session for identity. If the identity already holds a
// session, the old one is evicted first: its subscriptions are cleaned up
// and its transport closed, so no room memberships are orphaned. Presence
// is recorded in the shared store best-effort.
func (r *Registry) Admit(ctx context.Context, identity string, conn *transport.Connection) *Session {
	now := r.clock.Now()
	session := &Session{
		Identity:    identity,
		Handle:      conn.ID(),
		Transport:   conn,
		ConnectedAt: now,
	}
	session.Touch(now)

	r.mu.Lock()
	replaced := r.sessions[identity]
	r.sessions[identity] = session
	r.mu.Unlock()

	if replaced != nil {
		r.logger.Info("Replacing existing session for identity",
			slog.String("userID", identity),
			slog.String("oldConnID", replaced.Handle.String()),
		)
		r.subs.RemoveAll(identity)
		replaced.Transport.Close(errReplaced)
	}

	// The transport's close handler funnels every disconnect trigger
	// (client close, liveness eviction, ban) through Remove exactly once.
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		r.Remove(context.Background(), identity, id)
	})

	record := presence.Record{
		LastActive:       now.UnixMilli(),
		ConnectionHandle: session.Handle.String(),
	}
	if err := r.store.Set(ctx, presence.Key(identity), record.Encode()); err != nil {
		// Presence bookkeeping is best-effort; a store fault must not
		// reject the connection.
		r.logger.Warn("Failed to record presence", slog.String("userID", identity), slog.Any("error", err))
	}

	r.logger.Debug("Session admitted", "userID", identity, "connID", session.Handle.String())
	return session
}

// Lookup returns the live session for identity, if any.
func (r *Registry) Lookup(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[identity]
	return session, ok
}

// Remove drops the session for identity and cascades cleanup: all topic
// memberships are released and the presence record deleted best-effort.
// The handle guards against a stale close racing a reconnect; removal only
// happens when the registered session still matches. Remove is idempotent,
// so concurrent disconnect triggers converge to a single cascade.
func (r *Registry) Remove(ctx context.Context, identity string, handle uuid.UUID) bool {
	r.mu.Lock()
	session, ok := r.sessions[identity]
	if !ok || session.Handle != handle {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, identity)
	r.mu.Unlock()

	r.subs.RemoveAll(identity)
	if err := r.store.Delete(ctx, presence.Key(identity)); err != nil {
		r.logger.Warn("Failed to delete presence record", slog.String("userID", identity), slog.Any("error", err))
	}

	r.logger.Debug("Session removed", "userID", identity, "connID", handle.String())
	return true
}

// Disconnect forcibly terminates identity's current session. Cleanup runs
// through the transport's close handler, so a session that is already
// closing is not cleaned up twice.
func (r *Registry) Disconnect(identity string, reason error) bool {
	session, ok := r.Lookup(identity)
	if !ok {
		return false
	}
	session.Transport.Close(reason)
	return true
}

// DisconnectAll terminates every live session, used during shutdown.
func (r *Registry) DisconnectAll(reason error) {
	for _, session := range r.snapshot() {
		session.Transport.Close(reason)
	}
}

// ForEach calls fn for every session in a snapshot taken at call time. fn
// runs without the registry lock held, so it may disconnect sessions.
func (r *Registry) ForEach(fn func(*Session)) {
	for _, session := range r.snapshot() {
		fn(session)
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
