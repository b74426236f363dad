package cache

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

// Tiered reads the local tier first, then the shared tier, and back-fills
// the local tier on a shared hit. Writes and removals go to both.
type Tiered struct {
	local    Cache
	shared   Cache
	localTTL time.Duration
}

var _ Cache = (*Tiered)(nil)

// NewTiered combines two tiers. shared may be nil. Local entries never
// outlive localTTL when it is positive.
func NewTiered(local, shared Cache, localTTL time.Duration) *Tiered {
	return &Tiered{local: local, shared: shared, localTTL: localTTL}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, err := t.local.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	if t.shared == nil {
		return nil, false, nil
	}
	v, ok, err := t.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = t.local.Set(ctx, key, v, t.localTTL)
	return v, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := t.local.Set(ctx, key, value, t.capLocal(ttl))
	if t.shared != nil {
		err = multierr.Append(err, t.shared.Set(ctx, key, value, ttl))
	}
	return err
}

func (t *Tiered) Remove(ctx context.Context, key string) error {
	err := t.local.Remove(ctx, key)
	if t.shared != nil {
		err = multierr.Append(err, t.shared.Remove(ctx, key))
	}
	return err
}

func (t *Tiered) capLocal(ttl time.Duration) time.Duration {
	if t.localTTL <= 0 {
		return ttl
	}
	if ttl <= 0 || ttl > t.localTTL {
		return t.localTTL
	}
	return ttl
}

// Loader computes a value on a miss.
type Loader func(ctx context.Context) ([]byte, error)

// GetOrLoad returns the cached value for key, or calls load, stores the
// result with ttl and returns it. Cache errors degrade to a load.
func GetOrLoad(ctx context.Context, c Cache, key string, ttl time.Duration, load Loader) ([]byte, error) {
	if v, ok, err := c.Get(ctx, key); err == nil && ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	_ = c.Set(ctx, key, v, ttl)
	return v, nil
}
