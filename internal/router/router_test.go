package router_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/gateway"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/router"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/pkg/presence"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/pkg/transport"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type testGateway struct {
	clock    *clock.Mock
	store    *presence.MemoryStore
	subs     *gateway.SubscriptionManager
	registry *gateway.Registry
	abuse    *gateway.AbuseTracker
	router   *router.MessageRouter
}

func newTestGateway() *testGateway {
	logger := newTestLogger()
	g := &testGateway{clock: clock.NewMock()}
	g.store = presence.NewMemoryStore(g.clock)
	g.subs = gateway.NewSubscriptionManager(logger)
	g.registry = gateway.NewRegistry(logger, g.subs, g.store, g.clock)
	g.abuse = gateway.NewAbuseTracker(logger, g.store, func(identity string, reason error) {
		g.registry.Disconnect(identity, reason)
	}, g.clock)
	g.router = router.NewMessageRouter(logger, g.registry, g.subs, g.abuse, g.clock)
	return g
}

func (g *testGateway) admit(identity string) *gateway.Session {
	var wg sync.WaitGroup
	conn := transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{}, newTestLogger())
	return g.registry.Admit(context.Background(), identity, conn)
}

func TestSubscribeFrame(t *testing.T) {
	g := newTestGateway()
	g.admit("user-1")

	frame := []byte(`{"event":"subscribe","payload":{"topics":["transactions","fraud-alerts"]}}`)
	g.router.HandleMessage(context.Background(), "user-1", frame)

	topics := g.subs.Topics("user-1")
	if len(topics) != 2 {
		t.Fatalf("Topics = %v, want 2 entries", topics)
	}
	if members := g.subs.Members("fraud-alerts"); len(members) != 1 || members[0] != "user-1" {
		t.Errorf("Members = %v, want [user-1]", members)
	}
}

func TestUnsubscribeFrame(t *testing.T) {
	g := newTestGateway()
	g.admit("user-1")
	g.subs.Join("user-1", []string{"transactions", "fraud-alerts"})

	frame := []byte(`{"event":"unsubscribe","payload":{"topics":["fraud-alerts"]}}`)
	g.router.HandleMessage(context.Background(), "user-1", frame)

	topics := g.subs.Topics("user-1")
	if len(topics) != 1 || topics[0] != "transactions" {
		t.Errorf("Topics = %v, want [transactions]", topics)
	}
}

func TestInvalidSubscribePayloadLeavesStateUntouched(t *testing.T) {
	g := newTestGateway()
	g.admit("user-1")
	g.subs.Join("user-1", []string{"transactions"})

	// topics is not an array → INVALID_FORMAT
	frame := []byte(`{"event":"subscribe","payload":{"topics":"fraud-alerts"}}`)
	g.router.HandleMessage(context.Background(), "user-1", frame)

	topics := g.subs.Topics("user-1")
	if len(topics) != 1 || topics[0] != "transactions" {
		t.Errorf("Topics = %v, want [transactions]", topics)
	}
}

func TestNonStringTopicRejected(t *testing.T) {
	g := newTestGateway()
	g.admit("user-1")

	frame := []byte(`{"event":"subscribe","payload":{"topics":["ok",42]}}`)
	g.router.HandleMessage(context.Background(), "user-1", frame)

	if topics := g.subs.Topics("user-1"); len(topics) != 0 {
		t.Errorf("Partial topic list applied: %v", topics)
	}
}

func TestEveryFrameRefreshesActivity(t *testing.T) {
	g := newTestGateway()
	session := g.admit("user-1")

	g.clock.Add(30 * time.Second)
	// Even an unknown event counts as activity.
	g.router.HandleMessage(context.Background(), "user-1", []byte(`{"event":"ping"}`))

	if got := session.LastActivity(); !got.Equal(g.clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", got, g.clock.Now())
	}
}

func TestRepeatedProtocolErrorsEscalateToBan(t *testing.T) {
	g := newTestGateway()
	g.admit("user-1")
	ctx := context.Background()

	for i := 0; i < gateway.DefaultMaxErrors; i++ {
		g.router.HandleMessage(ctx, "user-1", []byte(`{not json`))
	}

	if !g.abuse.IsBanned(ctx, "user-1") {
		t.Error("Repeated malformed frames did not ban the identity")
	}
	if _, ok := g.registry.Lookup("user-1"); ok {
		t.Error("Identity still connected after protocol-error ban")
	}
}

func TestFrameForUnknownIdentityIsIgnored(t *testing.T) {
	g := newTestGateway()

	// Must not panic or create state.
	g.router.HandleMessage(context.Background(), "ghost", []byte(`{"event":"subscribe","payload":{"topics":["a"]}}`))
	if g.registry.Count() != 0 {
		t.Error("Frame for unknown identity created a session")
	}
}
