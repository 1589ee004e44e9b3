package gateway_test

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/gateway"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/pkg/presence"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/pkg/transport"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// testCore wires a registry, subscription manager and abuse tracker around
// an in-memory presence store and a mock clock.
type testCore struct {
	clock    *clock.Mock
	store    *presence.MemoryStore
	subs     *gateway.SubscriptionManager
	registry *gateway.Registry
	abuse    *gateway.AbuseTracker

	mu          sync.Mutex
	disconnects int
}

func newTestCore() *testCore {
	logger := newTestLogger()
	c := &testCore{clock: clock.NewMock()}
	c.store = presence.NewMemoryStore(c.clock)
	c.subs = gateway.NewSubscriptionManager(logger)
	c.registry = gateway.NewRegistry(logger, c.subs, c.store, c.clock)
	c.abuse = gateway.NewAbuseTracker(logger, c.store, func(identity string, reason error) {
		c.mu.Lock()
		c.disconnects++
		c.mu.Unlock()
		c.registry.Disconnect(identity, reason)
	}, c.clock)
	return c
}

func (c *testCore) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// newTransportConn builds an unstarted connection. Send enqueues into the
// buffered queue, which is all the registry and dispatcher need.
func newTransportConn(queueSize int) *transport.Connection {
	var wg sync.WaitGroup
	return transport.NewConnection(
		context.Background(),
		&wg,
		nil,
		transport.ConnectionConfig{SendQueueSize: queueSize},
		newTestLogger(),
	)
}

func (c *testCore) admit(identity string) *gateway.Session {
	return c.registry.Admit(context.Background(), identity, newTransportConn(0))
}
