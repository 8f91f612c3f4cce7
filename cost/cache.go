package cost

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/funnel/types"
)

// Source is the read side of Store used by Cache.
type Source interface {
	GetTariff(ctx context.Context, modelID string) (*Tariff, error)
	ListTariffs(ctx context.Context) ([]*Tariff, error)
	GetSettings(ctx context.Context) (*Settings, error)
}

// Cache keeps tariffs and settings in memory for a TTL.
type Cache struct {
	src   Source
	clock types.Clock
	ttl   time.Duration

	mu       sync.RWMutex
	tariffs  map[string]cached[*Tariff]
	all      cached[[]*Tariff]
	settings cached[*Settings]
}

type cached[T any] struct {
	value   T
	expires time.Time
	ok      bool
}

func (c cached[T]) fresh(now time.Time) bool {
	return c.ok && now.Before(c.expires)
}

// NewCache creates a cache over src. A zero ttl disables caching.
func NewCache(src Source, clock types.Clock, ttl time.Duration) *Cache {
	if clock == nil {
		clock = types.SystemClock
	}
	return &Cache{
		src:     src,
		clock:   clock,
		ttl:     ttl,
		tariffs: make(map[string]cached[*Tariff]),
	}
}

// Tariff returns the tariff for modelID.
func (c *Cache) Tariff(ctx context.Context, modelID string) (*Tariff, error) {
	now := c.clock.Now()

	c.mu.RLock()
	e := c.tariffs[modelID]
	c.mu.RUnlock()
	if e.fresh(now) {
		return e.value, nil
	}

	t, err := c.src.GetTariff(ctx, modelID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tariffs[modelID] = cached[*Tariff]{value: t, expires: now.Add(c.ttl), ok: true}
	c.mu.Unlock()
	return t, nil
}

// Tariffs returns every tariff.
func (c *Cache) Tariffs(ctx context.Context) ([]*Tariff, error) {
	now := c.clock.Now()

	c.mu.RLock()
	e := c.all
	c.mu.RUnlock()
	if e.fresh(now) {
		return e.value, nil
	}

	all, err := c.src.ListTariffs(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.all = cached[[]*Tariff]{value: all, expires: now.Add(c.ttl), ok: true}
	c.mu.Unlock()
	return all, nil
}

// Settings returns the system settings.
func (c *Cache) Settings(ctx context.Context) (*Settings, error) {
	now := c.clock.Now()

	c.mu.RLock()
	e := c.settings
	c.mu.RUnlock()
	if e.fresh(now) {
		return e.value, nil
	}

	s, err := c.src.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.settings = cached[*Settings]{value: s, expires: now.Add(c.ttl), ok: true}
	c.mu.Unlock()
	return s, nil
}

// Invalidate drops every cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.tariffs = make(map[string]cached[*Tariff])
	c.all = cached[[]*Tariff]{}
	c.settings = cached[*Settings]{}
	c.mu.Unlock()
}
