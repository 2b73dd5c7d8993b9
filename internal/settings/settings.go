// Package settings holds the operator-editable runtime configuration and
// a bounded-staleness cache around it. The cache is an explicit value
// passed through constructors; there is no package-level state.
package settings

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrInvalidCacheConfig reports a miswired cache.
var ErrInvalidCacheConfig = errors.New("invalid settings cache config")

// Settings is the parsed operator configuration.
type Settings struct {
	TapRewardPoints     int64
	PayoutMinimumPoints int64
	PayoutsEnabled      bool
}

// Defaults returns the values used when a key is absent from the store.
func Defaults() Settings {
	return Settings{
		TapRewardPoints:     1,
		PayoutMinimumPoints: 10000,
		PayoutsEnabled:      true,
	}
}

// FromValues parses the raw app_settings rows, falling back to defaults
// for absent or malformed keys.
func FromValues(values map[string]string) Settings {
	parsed := Defaults()
	if raw, ok := values["tap_reward_points"]; ok {
		if value, err := strconv.ParseInt(raw, 10, 64); err == nil && value > 0 {
			parsed.TapRewardPoints = value
		}
	}
	if raw, ok := values["payout_minimum_points"]; ok {
		if value, err := strconv.ParseInt(raw, 10, 64); err == nil && value >= 0 {
			parsed.PayoutMinimumPoints = value
		}
	}
	if raw, ok := values["payouts_enabled"]; ok {
		if value, err := strconv.ParseBool(raw); err == nil {
			parsed.PayoutsEnabled = value
		}
	}
	return parsed
}

// Loader fetches the current settings from the store.
type Loader func(ctx context.Context) (Settings, error)

// Cache serves settings with a bounded refresh window: Get returns the
// held value until it is older than the TTL, then reloads lazily.
type Cache struct {
	mu           sync.Mutex
	loader       Loader
	ttl          time.Duration
	nowFn        func() time.Time
	value        Settings
	lastLoadedAt time.Time
	loaded       bool
}

// NewCache wires a Cache.
func NewCache(loader Loader, ttl time.Duration, now func() time.Time) (*Cache, error) {
	if loader == nil {
		return nil, errors.Join(ErrInvalidCacheConfig, errors.New("loader is nil"))
	}
	if ttl <= 0 {
		return nil, errors.Join(ErrInvalidCacheConfig, errors.New("ttl must be positive"))
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{loader: loader, ttl: ttl, nowFn: now}, nil
}

// Get returns the cached settings, reloading when stale. A failed reload
// of a previously loaded value falls back to the stale copy.
func (cache *Cache) Get(ctx context.Context) (Settings, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.loaded && cache.nowFn().Sub(cache.lastLoadedAt) < cache.ttl {
		return cache.value, nil
	}
	value, err := cache.loader(ctx)
	if err != nil {
		if cache.loaded {
			return cache.value, nil
		}
		return Settings{}, err
	}
	cache.store(value)
	return value, nil
}

// ForceRefresh bypasses the TTL and reloads immediately.
func (cache *Cache) ForceRefresh(ctx context.Context) (Settings, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	value, err := cache.loader(ctx)
	if err != nil {
		return Settings{}, err
	}
	cache.store(value)
	return value, nil
}

func (cache *Cache) store(value Settings) {
	cache.value = value
	cache.lastLoadedAt = cache.nowFn()
	cache.loaded = true
}
