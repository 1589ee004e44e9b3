package presence

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the durable key-value store the gateway shares with other
// processes. Every call is fallible; callers must treat failures as
// degraded bookkeeping, never as fatal.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetWithTTL stores a value that expires on its own after ttl.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Record is the per-identity presence entry stored under Key(identity).
type Record struct {
	LastActive       int64  `json:"lastActive"`
	ConnectionHandle string `json:"connectionHandle"`
}

func (r Record) Encode() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// Key returns the presence key for an identity.
func Key(identity string) string {
	return "presence:" + identity
}

// BanKey returns the ban flag key for an identity.
func BanKey(identity string) string {
	return "ban:" + identity
}
