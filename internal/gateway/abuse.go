package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/pkg/presence"
)

const (
	// DefaultMaxErrors is how many errors an identity may accumulate
	// before it is temporarily banned.
	DefaultMaxErrors = 5
	// DefaultBanDuration is how long a ban flag lives in the store.
	DefaultBanDuration = 5 * time.Minute
	// DefaultResetInterval is how often all error counters are cleared.
	DefaultResetInterval = 5 * time.Minute
)

// Disconnector requests forced termination of an identity's session.
type Disconnector func(identity string, reason error)

// AbuseTracker counts errors attributed to each identity. Crossing the
// threshold installs a TTL-bound ban flag in the presence store and forces
// the identity's session closed. Counters are cleared wholesale on a fixed
// cycle rather than per-record expiry.
type AbuseTracker struct {
	mu     sync.Mutex
	counts map[string]int

	maxErrors     int
	banDuration   time.Duration
	resetInterval time.Duration

	store      presence.Store
	disconnect Disconnector
	clock      clock.Clock
	logger     *slog.Logger
}

func NewAbuseTracker(logger *slog.Logger, store presence.Store, disconnect Disconnector, clk clock.Clock) *AbuseTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &AbuseTracker{
		counts:        make(map[string]int),
		maxErrors:     DefaultMaxErrors,
		banDuration:   DefaultBanDuration,
		resetInterval: DefaultResetInterval,
		store:         store,
		disconnect:    disconnect,
		clock:         clk,
		logger:        logger.With(slog.String("component", "abuse_tracker")),
	}
}

// SetPolicy overrides the default thresholds. Zero values keep the defaults.
func (t *AbuseTracker) SetPolicy(maxErrors int, banDuration, resetInterval time.Duration) {
	if maxErrors > 0 {
		t.maxErrors = maxErrors
	}
	if banDuration > 0 {
		t.banDuration = banDuration
	}
	if resetInterval > 0 {
		t.resetInterval = resetInterval
	}
}

// RecordError attributes one error to identity. The ban fires exactly once,
// on the increment that reaches the threshold; concurrent errors are
// serialized by the counter lock so there is no double-ban and no double
// disconnect.
func (t *AbuseTracker) RecordError(ctx context.Context, identity string) {
	t.mu.Lock()
	t.counts[identity]++
	count := t.counts[identity]
	t.mu.Unlock()

	t.logger.Debug("Recorded error", "userID", identity, "count", count)
	if count == t.maxErrors {
		t.ban(ctx, identity)
	}
}

func (t *AbuseTracker) ban(ctx context.Context, identity string) {
	t.logger.Warn("Error threshold crossed, banning identity",
		slog.String("userID", identity),
		slog.Duration("banDuration", t.banDuration),
	)
	if err := t.store.SetWithTTL(ctx, presence.BanKey(identity), "1", t.banDuration); err != nil {
		t.logger.Error("Failed to write ban flag", slog.String("userID", identity), slog.Any("error", err))
	}
	if t.disconnect != nil {
		t.disconnect(identity, ErrTemporaryBan)
	}
}

// IsBanned reports whether identity currently holds a ban flag. A store
// fault degrades open: the check logs and admits rather than taking the
// gateway down with the store.
func (t *AbuseTracker) IsBanned(ctx context.Context, identity string) bool {
	_, banned, err := t.store.Get(ctx, presence.BanKey(identity))
	if err != nil {
		t.logger.Warn("Ban check failed, allowing connection", slog.String("userID", identity), slog.Any("error", err))
		return false
	}
	return banned
}

// Reset clears every in-memory error counter.
func (t *AbuseTracker) Reset() {
	t.mu.Lock()
	cleared := len(t.counts)
	t.counts = make(map[string]int)
	t.mu.Unlock()
	if cleared > 0 {
		t.logger.Debug("Cleared error counters", "count", cleared)
	}
}

// Run clears counters on the reset interval until ctx is cancelled.
func (t *AbuseTracker) Run(ctx context.Context) {
	ticker := t.clock.Ticker(t.resetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Reset()
		case <-ctx.Done():
			return
		}
	}
}
