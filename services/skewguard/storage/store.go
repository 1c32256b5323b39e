// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the key-value storage port used by every
// skewguard component, and the swappable backends that implement it.
//
// # Description
//
// The port is deliberately small: raw and JSON-structured get/set, remove,
// existence checks and prefix listing. Backends only implement the raw
// Driver contract; New wraps a Driver with the JSON codec, prefix Clear,
// per-call timeouts and metrics so every backend behaves identically.
//
// Keys are slash-separated strings such as "v42/_assets/index-a1b2c3d4.js".
// There is no multi-key atomicity; callers that read-modify-write a
// document must serialize themselves.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/skewguard/services/skewguard/observability"
)

// ErrNotFound is returned by Get and GetRaw when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// ErrInvalidKey is returned for empty keys or keys that escape the namespace.
var ErrInvalidKey = errors.New("storage: invalid key")

// =============================================================================
// Interfaces
// =============================================================================

// Store is the storage port consumed by the manifest store, dedup engine,
// retention policy and asset router.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Has reports whether key exists.
	Has(ctx context.Context, key string) (bool, error)

	// Get decodes the JSON value stored under key into out.
	// Returns ErrNotFound if the key is absent.
	Get(ctx context.Context, key string, out any) error

	// GetRaw returns the bytes stored under key, or ErrNotFound.
	GetRaw(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key as JSON.
	Set(ctx context.Context, key string, value any) error

	// SetRaw stores bytes under key, replacing any previous value.
	SetRaw(ctx context.Context, key string, data []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// ListKeys returns every key starting with prefix, sorted ascending.
	// An empty prefix lists everything.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Clear removes every key starting with prefix.
	Clear(ctx context.Context, prefix string) error

	// Backend names the underlying driver ("fs", "s3", ...).
	Backend() string

	// Close releases the underlying driver.
	Close() error
}

// Driver is the raw contract a backend implements.
//
// # Description
//
// Drivers deal in bytes only. They must return ErrNotFound (possibly
// wrapped) from GetRaw for absent keys and must treat Remove of an absent
// key as success.
type Driver interface {
	Name() string
	Has(ctx context.Context, key string) (bool, error)
	GetRaw(ctx context.Context, key string) ([]byte, error)
	SetRaw(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// =============================================================================
// Store Implementation
// =============================================================================

// Options configures the Store wrapper around a Driver.
type Options struct {
	// Timeout bounds every individual call. Zero means no extra bound
	// beyond the caller's context.
	Timeout time.Duration

	// Metrics receives per-operation counters. May be nil.
	Metrics *observability.Metrics
}

// kvStore implements Store on top of a Driver.
type kvStore struct {
	driver  Driver
	timeout time.Duration
	metrics *observability.Metrics
}

// New wraps driver as a Store.
//
// # Inputs
//
//   - driver: Backend implementation. Must not be nil.
//   - opts: Timeout and metrics settings.
//
// # Outputs
//
//   - Store: Ready to use.
func New(driver Driver, opts Options) Store {
	return &kvStore{
		driver:  driver,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
	}
}

func (s *kvStore) Backend() string { return s.driver.Name() }

func (s *kvStore) Close() error { return s.driver.Close() }

func (s *kvStore) Has(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	var found bool
	err := s.call(ctx, "has", func(ctx context.Context) error {
		var err error
		found, err = s.driver.Has(ctx, key)
		return err
	})
	return found, err
}

func (s *kvStore) Get(ctx context.Context, key string, out any) error {
	data, err := s.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *kvStore) GetRaw(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	var data []byte
	err := s.call(ctx, "get_raw", func(ctx context.Context) error {
		var err error
		data, err = s.driver.GetRaw(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *kvStore) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.SetRaw(ctx, key, data)
}

func (s *kvStore) SetRaw(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s.call(ctx, "set_raw", func(ctx context.Context) error {
		return s.driver.SetRaw(ctx, key, data)
	})
}

func (s *kvStore) Remove(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s.call(ctx, "remove", func(ctx context.Context) error {
		return s.driver.Remove(ctx, key)
	})
}

func (s *kvStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.call(ctx, "list_keys", func(ctx context.Context) error {
		var err error
		keys, err = s.driver.ListKeys(ctx, prefix)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear lists then removes every key under prefix. It keeps going past
// individual failures and returns the first one.
func (s *kvStore) Clear(ctx context.Context, prefix string) error {
	keys, err := s.ListKeys(ctx, prefix)
	if err != nil {
		return fmt.Errorf("clear %q: %w", prefix, err)
	}
	var firstErr error
	for _, key := range keys {
		if err := s.Remove(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clear %q: %w", prefix, err)
		}
	}
	return firstErr
}

// call applies the per-call timeout and records metrics.
func (s *kvStore) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)

	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	s.metrics.RecordStorageOp(s.driver.Name(), op, status, time.Since(start))
	return err
}

// LocalPath returns the file backing key when store sits on the filesystem
// driver. ok is false for every other backend.
func LocalPath(store Store, key string) (path string, ok bool) {
	kv, isKV := store.(*kvStore)
	if !isKV {
		return "", false
	}
	fd, isFS := kv.driver.(*FileDriver)
	if !isFS {
		return "", false
	}
	return fd.LocalPath(key), true
}

// =============================================================================
// Key Helpers
// =============================================================================

// ValidateKey rejects empty keys, absolute keys and keys containing ".."
// path segments.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Join builds a key from segments, trimming stray slashes between them.
//
// # Examples
//
//	Join("v3", "/_assets/app-1a2b3c4d.js") // "v3/_assets/app-1a2b3c4d.js"
func Join(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Store = (*kvStore)(nil)
