// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention evicts old versions from the manifest and storage.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/observability"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

// =============================================================================
// Policy
// =============================================================================

// Policy bounds how many versions are retained and for how long.
//
// # Fields
//
//   - MaxAge: Versions older than this are evicted. Zero disables the limit.
//   - MaxVersions: Versions at newest-first index >= MaxVersions are evicted.
//     Zero disables the limit.
type Policy struct {
	MaxAge      time.Duration
	MaxVersions int
}

// SelectEvictions returns the versions a sweep at now would evict, newest
// first.
//
// # Description
//
// Versions are sorted by timestamp descending. The current version is never
// selected, and nothing is selected when only one version exists. Any other
// version is selected if it is older than MaxAge or its index is at least
// MaxVersions. The current version still occupies its index.
func SelectEvictions(m *manifest.VersionManifest, p Policy, now time.Time) []string {
	if len(m.Versions) <= 1 {
		return nil
	}
	evict := make([]string, 0)
	for i, id := range m.VersionsNewestFirst() {
		if id == m.Current {
			continue
		}
		age := now.Sub(time.UnixMilli(m.Versions[id].Timestamp))
		tooOld := p.MaxAge > 0 && age > p.MaxAge
		tooMany := p.MaxVersions > 0 && i >= p.MaxVersions
		if tooOld || tooMany {
			evict = append(evict, id)
		}
	}
	return evict
}

// =============================================================================
// Sweeper
// =============================================================================

// Result summarizes one sweep.
type Result struct {
	Evicted      []string
	KeysRemoved  int
	Errors       []error
	RetainedLeft int
}

// Sweeper applies a Policy to a manifest and removes evicted bytes.
type Sweeper struct {
	store   storage.Store
	policy  Policy
	metrics *observability.Metrics
	now     func() time.Time
}

// NewSweeper creates a Sweeper. now may be nil for time.Now.
func NewSweeper(store storage.Store, policy Policy, metrics *observability.Metrics, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: store, policy: policy, metrics: metrics, now: now}
}

// Policy returns the configured policy.
func (s *Sweeper) Policy() Policy { return s.policy }

// Sweep evicts versions from m in place.
//
// # Description
//
// For each selected version: every stored key under "{version}/" is
// removed, then the VersionRecord, every deploymentMapping entry pointing at
// it, every fileIdToVersion entry pointing at it, and every
// assetToDeployment entry whose deployment disappeared. Per-key delete
// failures are logged and collected; they never stop the sweep.
//
// # Outputs
//
//   - *Result: Never nil.
func (s *Sweeper) Sweep(ctx context.Context, m *manifest.VersionManifest) *Result {
	res := &Result{Evicted: SelectEvictions(m, s.policy, s.now())}

	for _, id := range res.Evicted {
		removed, errs := s.removeBytes(ctx, id, m.Versions[id])
		res.KeysRemoved += removed
		res.Errors = append(res.Errors, errs...)
		forget(m, id)
		slog.Info("Evicted version", "version", id, "keys_removed", removed, "errors", len(errs))
	}

	res.RetainedLeft = len(m.Versions)
	s.metrics.RecordEvictions(len(res.Evicted))
	s.metrics.SetRetainedVersions(res.RetainedLeft)
	return res
}

// SweepStore loads the manifest, sweeps it and persists the result.
func (s *Sweeper) SweepStore(ctx context.Context, ms *manifest.Store) (*Result, error) {
	var res *Result
	_, err := ms.Update(ctx, func(m *manifest.VersionManifest) error {
		res = s.Sweep(ctx, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retention sweep: %w", err)
	}
	return res, nil
}

func (s *Sweeper) removeBytes(ctx context.Context, versionID string, rec *manifest.VersionRecord) (int, []error) {
	keys, err := s.store.ListKeys(ctx, versionID+"/")
	if err != nil {
		slog.Warn("Listing evicted version failed, falling back to manifest assets",
			"version", versionID, "error", err)
		keys = make([]string, 0, len(rec.Assets))
		for _, a := range rec.Assets {
			keys = append(keys, manifest.AssetKey(versionID, a))
		}
	}

	var errs []error
	removed := 0
	for _, key := range keys {
		if err := s.store.Remove(ctx, key); err != nil {
			slog.Warn("Failed to remove evicted asset", "key", key, "error", err)
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
			continue
		}
		removed++
	}
	return removed, errs
}

// forget drops every manifest reference to versionID.
func forget(m *manifest.VersionManifest, versionID string) {
	delete(m.Versions, versionID)

	dropped := make(map[string]bool)
	for dpl, target := range m.DeploymentMapping {
		if target == versionID {
			delete(m.DeploymentMapping, dpl)
			dropped[dpl] = true
		}
	}
	for fp, owner := range m.FileIDToVersion {
		if owner == versionID {
			delete(m.FileIDToVersion, fp)
		}
	}
	for asset, dpl := range m.AssetToDeployment {
		if dropped[dpl] {
			delete(m.AssetToDeployment, asset)
		}
	}
}
