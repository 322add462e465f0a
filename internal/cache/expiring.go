// Package cache provides a small expiring value cache used to reuse
// upstream auth tokens and permission lookups between requests.
package cache

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// Expiring is a concurrency-safe cache whose entries stop being returned
// once their expiry passes. Entries are only ever replaced by Put; there
// is no background eviction.
type Expiring[V any] struct {
	mu    sync.RWMutex
	clock Clock
	items map[string]record[V]
}

type record[V any] struct {
	value     V
	expiresAt time.Time
}

// NewExpiring creates an empty cache using time.Now as its clock.
func NewExpiring[V any]() *Expiring[V] {
	return NewExpiringWithClock[V](time.Now)
}

// NewExpiringWithClock creates an empty cache with an injectable clock.
func NewExpiringWithClock[V any](clock Clock) *Expiring[V] {
	return &Expiring[V]{
		clock: clock,
		items: make(map[string]record[V]),
	}
}

// Get returns the value stored under key while the clock is strictly
// before its expiry. Missing and expired entries both report ok=false.
func (c *Expiring[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.items[key]
	if !ok || !c.clock().Before(rec.expiresAt) {
		var zero V
		return zero, false
	}
	return rec.value, true
}

// Put stores value under key until expiresAt, replacing any previous entry.
func (c *Expiring[V]) Put(key string, value V, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = record[V]{value: value, expiresAt: expiresAt}
}
