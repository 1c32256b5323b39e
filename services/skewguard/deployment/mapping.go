// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deployment translates deployment ids, the short-lived labels a CI
// system assigns to each deploy, into the stable version ids the manifest
// tracks.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
)

// ErrDeploymentIDReused is a fatal build error: the deployment id already
// appears in the mapping. Continuing would let unrelated builds share an
// asset namespace.
var ErrDeploymentIDReused = errors.New("deployment id already used")

// UpdateMapping computes the mapping after a new deploy.
//
// # Description
//
// The result starts as {newID: current}. Each prior entry is carried over:
//   - an entry pointing at the current sentinel is repointed to retained[0],
//     the version that was current before this deploy;
//   - an entry pointing at a version in retained is kept;
//   - anything else is dropped, because its version was evicted.
//
// Exactly one entry in the result is the current sentinel.
//
// # Inputs
//
//   - prev: The mapping before this deploy. Not modified.
//   - newID: The deployment id of the new build.
//   - retainedNewestFirst: Versions that existed before this deploy and
//     survive it, with the previously current version first. On a rebuild
//     this includes the rebuilt version id.
//   - maxVersions: Caps how many of retainedNewestFirst count. Zero means
//     no cap.
//
// # Examples
//
//	UpdateMapping(map[string]string{"D1": "current"}, "D2", []string{"v2", "v1"}, 3)
//	// {"D2": "current", "D1": "v2"}
func UpdateMapping(prev map[string]string, newID string, retainedNewestFirst []string, maxVersions int) map[string]string {
	retained := retainedNewestFirst
	if maxVersions > 0 && len(retained) > maxVersions {
		retained = retained[:maxVersions]
	}
	keep := make(map[string]bool, len(retained))
	for _, v := range retained {
		keep[v] = true
	}

	next := map[string]string{newID: manifest.CurrentSentinel}
	for dpl, target := range prev {
		if dpl == newID {
			continue
		}
		switch {
		case target == manifest.CurrentSentinel:
			if len(retained) > 0 {
				next[dpl] = retained[0]
			}
		case keep[target]:
			next[dpl] = target
		}
	}
	return next
}

// IsDeploymentIDUsed reports whether id already appears in the mapping.
func IsDeploymentIDUsed(m *manifest.VersionManifest, id string) bool {
	_, ok := m.DeploymentMapping[id]
	return ok
}

// EnsureUnused returns ErrDeploymentIDReused if id is already mapped.
func EnsureUnused(m *manifest.VersionManifest, id string) error {
	if IsDeploymentIDUsed(m, id) {
		return fmt.Errorf("%w: %q", ErrDeploymentIDReused, id)
	}
	return nil
}

// Resolve maps an identity hint to a retained version id.
//
// # Description
//
// The hint is looked up as a deployment id first; the current sentinel
// resolves to m.Current. A hint that is itself a retained version id is
// accepted as-is, so clients may pin by version directly.
//
// # Outputs
//
//   - string: The version id.
//   - bool: False if the hint is unknown or its version is gone.
func Resolve(m *manifest.VersionManifest, hint string) (string, bool) {
	if hint == "" || m.IsEmpty() {
		return "", false
	}
	if target, ok := m.DeploymentMapping[hint]; ok {
		if target == manifest.CurrentSentinel {
			return m.Current, true
		}
		if _, retained := m.Versions[target]; retained {
			return target, true
		}
		return "", false
	}
	if hint == manifest.CurrentSentinel {
		return m.Current, true
	}
	if _, ok := m.Versions[hint]; ok {
		return hint, true
	}
	return "", false
}

// =============================================================================
// Manager
// =============================================================================

// Manager applies mapping updates to the persisted manifest.
type Manager struct {
	store       *manifest.Store
	maxVersions int
}

// NewManager creates a Manager over store.
func NewManager(store *manifest.Store, maxVersions int) *Manager {
	return &Manager{store: store, maxVersions: maxVersions}
}

// IsDeploymentIDUsed loads the manifest and checks id.
func (mg *Manager) IsDeploymentIDUsed(ctx context.Context, id string) (bool, error) {
	m, err := mg.store.Load(ctx)
	if err != nil {
		return false, err
	}
	return IsDeploymentIDUsed(m, id), nil
}

// Apply rewrites m.DeploymentMapping for a deploy of newID.
// retainedNewestFirst must be captured before the new version is registered;
// it is filtered against m.Versions so versions evicted since are dropped.
func (mg *Manager) Apply(m *manifest.VersionManifest, newID string, retainedNewestFirst []string) {
	alive := make([]string, 0, len(retainedNewestFirst))
	for _, v := range retainedNewestFirst {
		if _, ok := m.Versions[v]; ok {
			alive = append(alive, v)
		}
	}
	m.DeploymentMapping = UpdateMapping(m.DeploymentMapping, newID, alive, mg.maxVersions)
	slog.Info("Deployment mapping updated",
		"deployment_id", newID,
		"version", m.Current,
		"entries", len(m.DeploymentMapping))
}

// UpdateMapping loads the manifest, applies the update and persists it.
func (mg *Manager) UpdateMapping(ctx context.Context, newID string, retainedNewestFirst []string) (map[string]string, error) {
	m, err := mg.store.Update(ctx, func(m *manifest.VersionManifest) error {
		mg.Apply(m, newID, retainedNewestFirst)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update deployment mapping: %w", err)
	}
	return m.DeploymentMapping, nil
}
