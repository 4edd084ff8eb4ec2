package repository

import (
	"context"
	"time"

	domrepo "SignalFlow/internal/domain/repository"
	"SignalFlow/pkg/cache"
)

// CachedUniverse caches symbol and timeframe listings from the bar store.
type CachedUniverse struct {
	store domrepo.BarStore
	cache cache.Service
	ttl   time.Duration
}

func NewCachedUniverse(store domrepo.BarStore, c cache.Service, ttl time.Duration) *CachedUniverse {
	return &CachedUniverse{store: store, cache: c, ttl: ttl}
}

func (u *CachedUniverse) Symbols(ctx context.Context) ([]string, error) {
	return cache.GetOrLoad(ctx, u.cache, cache.GenerateKey("universe", "symbols"), u.ttl, u.store.GetAvailableSymbols)
}

func (u *CachedUniverse) Timeframes(ctx context.Context, symbol string) ([]string, error) {
	return cache.GetOrLoad(ctx, u.cache, cache.GenerateKey("universe", "timeframes", symbol), u.ttl,
		func(ctx context.Context) ([]string, error) {
			return u.store.GetAvailableTimeframes(ctx, symbol)
		})
}

// Invalidate drops cached listings, e.g. after symbols were added.
func (u *CachedUniverse) Invalidate(ctx context.Context, symbols ...string) error {
	keys := []string{cache.GenerateKey("universe", "symbols")}
	for _, s := range symbols {
		keys = append(keys, cache.GenerateKey("universe", "timeframes", s))
	}
	return u.cache.Delete(ctx, keys...)
}
