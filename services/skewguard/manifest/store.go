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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

// DefaultKey is the storage key of the manifest document.
const DefaultKey = "__skew/manifest.json"

// DefaultRetention is the retention window used to stamp Expires when none
// is configured.
const DefaultRetention = 7 * 24 * time.Hour

// ErrNoManifest is returned by Current when no build has been registered.
var ErrNoManifest = errors.New("manifest: no version registered")

// Options configures a Store.
type Options struct {
	// Key overrides DefaultKey.
	Key string

	// Retention is added to the registration time to compute Expires.
	Retention time.Duration

	// Now overrides time.Now. Used by tests.
	Now func() time.Time
}

// Store reads and writes the manifest document.
//
// # Thread Safety
//
// Reads are safe for concurrent use. Mutations (Put, Update,
// RegisterVersion) are read-modify-write over the whole document and must
// not run concurrently against the same storage target.
type Store struct {
	store     storage.Store
	key       string
	retention time.Duration
	now       func() time.Time
}

// NewStore creates a manifest store over s.
func NewStore(s storage.Store, opts Options) *Store {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{store: s, key: opts.Key, retention: opts.Retention, now: opts.Now}
}

// Key returns the storage key of the manifest document.
func (s *Store) Key() string { return s.key }

// Storage returns the underlying storage port.
func (s *Store) Storage() storage.Store { return s.store }

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Get returns the persisted manifest, or an empty one if none exists or it
// cannot be read. It never fails; read errors are logged.
func (s *Store) Get(ctx context.Context) *VersionManifest {
	m, err := s.Load(ctx)
	if err != nil {
		slog.Warn("Failed to read manifest, using empty manifest", "key", s.key, "error", err)
		return New()
	}
	return m
}

// Load returns the persisted manifest. A missing document yields an empty
// manifest; any other storage or decode failure is returned so that build
// steps never overwrite a populated manifest after a transient read error.
func (s *Store) Load(ctx context.Context) (*VersionManifest, error) {
	m := &VersionManifest{}
	err := s.store.Get(ctx, s.key, m)
	if errors.Is(err, storage.ErrNotFound) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	m.ensureMaps()
	return m, nil
}

// Put persists m as the whole manifest document.
func (s *Store) Put(ctx context.Context, m *VersionManifest) error {
	if err := s.store.Set(ctx, s.key, m); err != nil {
		return fmt.Errorf("put manifest: %w", err)
	}
	return nil
}

// Update loads the manifest, applies fn to it and persists the result. If fn
// returns an error nothing is written.
func (s *Store) Update(ctx context.Context, fn func(m *VersionManifest) error) (*VersionManifest, error) {
	m, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	if err := s.Put(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the current version id, or ErrNoManifest.
func (s *Store) Current(ctx context.Context) (string, error) {
	m, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	if m.IsEmpty() {
		return "", ErrNoManifest
	}
	return m.Current, nil
}

// RegisterVersion makes versionID current and persists the manifest.
//
// # Description
//
// A first registration creates a VersionRecord stamped with the store clock,
// the given assets and empty deletedChunks. Re-registering an existing
// version id leaves its record untouched and only moves current.
//
// # Outputs
//
//   - existed: true if versionID was already in the manifest (a rebuild).
//   - error: Load or Put failure.
func (s *Store) RegisterVersion(ctx context.Context, versionID string, assets []string) (existed bool, err error) {
	_, err = s.Update(ctx, func(m *VersionManifest) error {
		existed = s.Register(m, versionID, assets)
		return nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// Register applies RegisterVersion's mutation to an in-memory manifest.
func (s *Store) Register(m *VersionManifest, versionID string, assets []string) (existed bool) {
	m.ensureMaps()
	m.Current = versionID
	if _, ok := m.Versions[versionID]; ok {
		return true
	}
	now := s.now()
	m.Versions[versionID] = &VersionRecord{
		Timestamp:     now.UnixMilli(),
		Expires:       now.Add(s.retention).UnixMilli(),
		Assets:        append([]string{}, assets...),
		DeletedChunks: []string{},
	}
	return false
}
