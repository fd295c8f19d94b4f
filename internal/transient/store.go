// Package transient holds short-lived facts that expire on their own: the
// relay-wide rate-limit backoff flag and per-item processing locks.
package transient

import (
	"context"
	"time"
)

// Store is a key/value store where every value carries a time to live.
// Get reports false once a value has expired.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfValue removes key only while it still holds value and reports
	// whether it did.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
}
