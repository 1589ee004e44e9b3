package gateway_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/gateway"
)

func TestThresholdTriggersExactlyOneBan(t *testing.T) {
	core := newTestCore()
	core.admit("user-1")
	ctx := context.Background()

	// Errors arriving concurrently must still produce exactly one ban and
	// one forced disconnect.
	var wg sync.WaitGroup
	for i := 0; i < gateway.DefaultMaxErrors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			core.abuse.RecordError(ctx, "user-1")
		}()
	}
	wg.Wait()

	if !core.abuse.IsBanned(ctx, "user-1") {
		t.Fatal("Identity not banned after crossing the threshold")
	}
	if got := core.disconnectCount(); got != 1 {
		t.Errorf("Forced disconnects = %d, want 1", got)
	}
	if _, ok := core.registry.Lookup("user-1"); ok {
		t.Error("Banned identity still holds a session")
	}

	// Further errors must not re-trigger the ban cascade.
	core.abuse.RecordError(ctx, "user-1")
	if got := core.disconnectCount(); got != 1 {
		t.Errorf("Forced disconnects after extra error = %d, want 1", got)
	}
}

func TestErrorsBelowThresholdDoNotBan(t *testing.T) {
	core := newTestCore()
	core.admit("user-1")
	ctx := context.Background()

	for i := 0; i < gateway.DefaultMaxErrors-1; i++ {
		core.abuse.RecordError(ctx, "user-1")
	}
	if core.abuse.IsBanned(ctx, "user-1") {
		t.Error("Identity banned below the error threshold")
	}
	if _, ok := core.registry.Lookup("user-1"); !ok {
		t.Error("Session disconnected below the error threshold")
	}
}

func TestBanExpires(t *testing.T) {
	core := newTestCore()
	core.admit("user-1")
	ctx := context.Background()

	for i := 0; i < gateway.DefaultMaxErrors; i++ {
		core.abuse.RecordError(ctx, "user-1")
	}
	if !core.abuse.IsBanned(ctx, "user-1") {
		t.Fatal("Identity not banned")
	}

	core.clock.Add(gateway.DefaultBanDuration + time.Second)
	if core.abuse.IsBanned(ctx, "user-1") {
		t.Error("Ban outlived its TTL")
	}
}

func TestResetClearsAccumulatedErrors(t *testing.T) {
	core := newTestCore()
	core.admit("user-1")
	ctx := context.Background()

	for i := 0; i < gateway.DefaultMaxErrors-1; i++ {
		core.abuse.RecordError(ctx, "user-1")
	}
	core.abuse.Reset()

	// Post-reset, the identity starts a fresh window; a single error must
	// not tip it over.
	core.abuse.RecordError(ctx, "user-1")
	if core.abuse.IsBanned(ctx, "user-1") {
		t.Error("Identity banned despite counter reset")
	}
}

func TestCustomPolicy(t *testing.T) {
	core := newTestCore()
	core.admit("user-1")
	core.abuse.SetPolicy(2, time.Minute, 0)
	ctx := context.Background()

	core.abuse.RecordError(ctx, "user-1")
	core.abuse.RecordError(ctx, "user-1")
	if !core.abuse.IsBanned(ctx, "user-1") {
		t.Fatal("Custom threshold not honored")
	}

	core.clock.Add(61 * time.Second)
	if core.abuse.IsBanned(ctx, "user-1") {
		t.Error("Custom ban duration not honored")
	}
}
