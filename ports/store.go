package ports

import (
	"context"
	"time"
)

// Store is the keyed expiring store shared by the session core and the rate
// limiter. Implementations must serialize conflicting operations on the same
// key; callers never cache what they read.
type Store interface {
	// Connect establishes the connection; it is called once at startup.
	Connect(ctx context.Context) error

	// Get returns core.ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	Exists(ctx context.Context, key string) (bool, error)

	// Delete reports whether a key was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteIfEqual atomically removes key only while it holds value and
	// reports whether it did.
	DeleteIfEqual(ctx context.Context, key, value string) (bool, error)

	// IncrementBy atomically adds n and returns the new value. An absent key
	// is created at n without a ttl.
	IncrementBy(ctx context.Context, key string, n int64) (int64, error)

	Close() error
}
