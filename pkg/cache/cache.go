// Package cache provides a byte cache with a process-local tier in front of
// a shared tier.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values with a time-to-live. A ttl <= 0 never expires.
type Cache interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// Seconds converts a ttl in seconds to a duration.
func Seconds(ttl int64) time.Duration {
	return time.Duration(ttl) * time.Second
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, exp time.Time) bool {
	return !exp.IsZero() && !now.Before(exp)
}
