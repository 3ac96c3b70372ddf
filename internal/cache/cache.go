// Package cache provides the time-bounded key-value store that holds pending
// registrations, one-time code secrets and revoked session tokens.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired
var ErrMiss = errors.New("cache: key not found")

// Store is a key-value store whose entries expire after their TTL
type Store interface {
	// SetIfAbsent stores value unless the key is live, reporting whether it was stored
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
