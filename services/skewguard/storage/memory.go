// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"strings"
	"sync"
)

// MemoryDriver keeps everything in a map. Used for tests and single-process
// demos; contents vanish on exit.
type MemoryDriver struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryDriver returns an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{data: make(map[string][]byte)}
}

// NewMemoryStore is shorthand for New(NewMemoryDriver(), Options{}).
func NewMemoryStore() Store {
	return New(NewMemoryDriver(), Options{})
}

func (d *MemoryDriver) Name() string { return string(TypeMemory) }

func (d *MemoryDriver) Has(_ context.Context, key string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.data[key]
	return ok, nil
}

func (d *MemoryDriver) GetRaw(_ context.Context, key string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (d *MemoryDriver) SetRaw(_ context.Context, key string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[key] = buf
	return nil
}

func (d *MemoryDriver) Remove(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, key)
	return nil
}

func (d *MemoryDriver) ListKeys(_ context.Context, prefix string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0)
	for k := range d.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (d *MemoryDriver) Close() error { return nil }

var _ Driver = (*MemoryDriver)(nil)
