// Package verify implements the cross-relay signature-verification
// cache and the adaptive verification sampler with evil-relay
// detection.
package verify

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheCapacity is the default bound on the number of
// (event id -> signature) entries the cache holds.
const DefaultCacheCapacity = 10_000

// Cache is a bounded mapping from event id to the signature that is
// known to have verified against it, LRU on both access and insert. It
// is the mechanism that lets three relays delivering the same event
// incur at most one Schnorr verification.
type Cache struct {
	lru *lru.Cache[string, string]
}

// NewCache builds a Cache with the given capacity. A non-positive
// capacity falls back to DefaultCacheCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	l, err := lru.New[string, string](capacity)
	if err != nil {
		// lru.New only errors on a non-positive size, which we've
		// already excluded above.
		panic(err)
	}
	return &Cache{lru: l}
}

// IsVerified reports whether the cache holds an entry (id, s) with
// s == sig. A differing signature for a known id is a miss, never a
// hit. A hit moves the entry to MRU, via the underlying LRU's Get.
func (c *Cache) IsVerified(id, sig string) bool {
	s, ok := c.lru.Get(id)
	return ok && s == sig
}

// Remember inserts or refreshes (id, sig), evicting the LRU entry if the
// cache is over capacity.
func (c *Cache) Remember(id, sig string) {
	c.lru.Add(id, sig)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}
