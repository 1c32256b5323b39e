// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a snapshot is served before reloading.
const DefaultCacheTTL = 2 * time.Second

// Cache serves request-time manifest snapshots.
//
// # Description
//
// Snapshots are reloaded at most once per TTL. Concurrent callers that
// find the snapshot stale share a single storage read via singleflight. If a
// reload fails the previous snapshot keeps being served.
//
// # Thread Safety
//
// Safe for concurrent use. Returned snapshots are shared and MUST NOT be
// mutated; call Clone first.
type Cache struct {
	store *Store
	ttl   time.Duration

	mu       sync.RWMutex
	snap     *VersionManifest
	loadedAt time.Time

	group singleflight.Group
}

// NewCache creates a snapshot cache over store. A non-positive ttl uses
// DefaultCacheTTL.
func NewCache(store *Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{store: store, ttl: ttl}
}

// Snapshot returns the cached manifest, reloading it when stale. It never
// returns nil.
func (c *Cache) Snapshot(ctx context.Context) *VersionManifest {
	c.mu.RLock()
	snap, loadedAt := c.snap, c.loadedAt
	c.mu.RUnlock()

	if snap != nil && c.store.now().Sub(loadedAt) < c.ttl {
		return snap
	}

	v, _, _ := c.group.Do("manifest", func() (interface{}, error) {
		return c.reload(ctx), nil
	})
	return v.(*VersionManifest)
}

// Invalidate forces the next Snapshot to reload.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// Set installs m as the current snapshot. Used after the process itself
// wrote the manifest.
func (c *Cache) Set(m *VersionManifest) {
	c.mu.Lock()
	c.snap = m.Clone()
	c.loadedAt = c.store.now()
	c.mu.Unlock()
}

func (c *Cache) reload(ctx context.Context) *VersionManifest {
	m, err := c.store.Load(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		slog.Warn("Manifest reload failed, serving previous snapshot", "error", err)
		if c.snap == nil {
			c.snap = New()
		}
		// Retry on the next TTL boundary rather than on every request.
		c.loadedAt = c.store.now()
		return c.snap
	}
	c.snap = m
	c.loadedAt = c.store.now()
	return m
}
