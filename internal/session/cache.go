// Copyright 2024 AI Plan Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CacheConfig holds settings for the in-memory session cache
type CacheConfig struct {
	TTL             time.Duration `json:"ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultCacheConfig returns the default cache settings
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:             30 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// Cache is the in-memory layer in front of the durable store. It holds the
// full session including history and question queue, expiring idle sessions
// after the configured TTL. Entries are deep-copied on the way in and out so
// a mutating turn never aliases cached state.
type Cache struct {
	entries *gocache.Cache
}

// NewCache creates a session cache with the given TTL and janitor interval
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCacheConfig().CleanupInterval
	}
	return &Cache{
		entries: gocache.New(cfg.TTL, cfg.CleanupInterval),
	}
}

// Get returns a deep copy of the cached session, refreshing its TTL
func (c *Cache) Get(sessionID string) (*Session, bool) {
	v, ok := c.entries.Get(sessionID)
	if !ok {
		return nil, false
	}
	sess := v.(*Session)
	c.entries.SetDefault(sessionID, sess)
	return sess.Clone(), true
}

// Set stores a deep copy of the session under the default TTL
func (c *Cache) Set(sess *Session) {
	c.entries.SetDefault(sess.ID, sess.Clone())
}

// Delete evicts a session from the cache
func (c *Cache) Delete(sessionID string) {
	c.entries.Delete(sessionID)
}

// Len reports the number of cached sessions, expired entries included until
// the janitor collects them
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}
