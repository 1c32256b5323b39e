// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest owns the version manifest: the single document that
// records every retained build, which one is current, how deployment ids map
// onto versions, and which version holds each deduplicated file.
//
// # Description
//
// The manifest is persisted as one JSON document under a well-known storage
// key. Mutations are read-modify-write over the whole document and are not
// guarded against concurrent builds; operators must run one build at a time
// per storage target. Request-time readers use Cache, which hands out
// immutable snapshots.
package manifest

import (
	"path"
	"sort"
	"strings"
)

// CurrentSentinel is the deploymentMapping value meaning "whatever version is
// current right now".
const CurrentSentinel = "current"

// VersionRecord describes one retained build.
type VersionRecord struct {
	// Timestamp is the registration time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Expires is Timestamp plus the retention window at creation time.
	Expires int64 `json:"expires"`

	// Assets are the asset paths this version owns after dedup.
	Assets []string `json:"assets"`

	// DeletedChunks are assets of the preceding version missing from this one.
	DeletedChunks []string `json:"deletedChunks"`
}

// VersionManifest is the persisted manifest document.
type VersionManifest struct {
	Current           string                    `json:"current"`
	Versions          map[string]*VersionRecord `json:"versions"`
	DeploymentMapping map[string]string         `json:"deploymentMapping"`
	FileIDToVersion   map[string]string         `json:"fileIdToVersion"`

	// AssetToDeployment indexes asset path to deployment id for the edge
	// platform, where routing goes by deployment origin rather than storage.
	AssetToDeployment map[string]string `json:"assetToDeployment,omitempty"`
}

// New returns an empty manifest with all maps allocated.
func New() *VersionManifest {
	m := &VersionManifest{}
	m.ensureMaps()
	return m
}

func (m *VersionManifest) ensureMaps() {
	if m.Versions == nil {
		m.Versions = make(map[string]*VersionRecord)
	}
	if m.DeploymentMapping == nil {
		m.DeploymentMapping = make(map[string]string)
	}
	if m.FileIDToVersion == nil {
		m.FileIDToVersion = make(map[string]string)
	}
}

// IsEmpty reports whether no build has ever been registered.
func (m *VersionManifest) IsEmpty() bool {
	return m == nil || m.Current == ""
}

// Clone returns a deep copy.
func (m *VersionManifest) Clone() *VersionManifest {
	out := New()
	if m == nil {
		return out
	}
	out.Current = m.Current
	for id, rec := range m.Versions {
		if rec == nil {
			continue
		}
		out.Versions[id] = &VersionRecord{
			Timestamp:     rec.Timestamp,
			Expires:       rec.Expires,
			Assets:        append([]string(nil), rec.Assets...),
			DeletedChunks: append([]string(nil), rec.DeletedChunks...),
		}
	}
	for k, v := range m.DeploymentMapping {
		out.DeploymentMapping[k] = v
	}
	for k, v := range m.FileIDToVersion {
		out.FileIDToVersion[k] = v
	}
	if m.AssetToDeployment != nil {
		out.AssetToDeployment = make(map[string]string, len(m.AssetToDeployment))
		for k, v := range m.AssetToDeployment {
			out.AssetToDeployment[k] = v
		}
	}
	return out
}

// VersionsNewestFirst returns version ids sorted by timestamp descending.
// Equal timestamps are ordered by id descending so the order is stable.
func (m *VersionManifest) VersionsNewestFirst() []string {
	ids := make([]string, 0, len(m.Versions))
	for id := range m.Versions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := m.Versions[ids[i]].Timestamp, m.Versions[ids[j]].Timestamp
		if ti != tj {
			return ti > tj
		}
		return ids[i] > ids[j]
	})
	return ids
}

// Previous returns the newest version other than versionID whose timestamp
// is not after versionID's, or "" if there is none.
func (m *VersionManifest) Previous(versionID string) string {
	rec, ok := m.Versions[versionID]
	for _, id := range m.VersionsNewestFirst() {
		if id == versionID {
			continue
		}
		if !ok || m.Versions[id].Timestamp <= rec.Timestamp {
			return id
		}
	}
	return ""
}

// HasAsset reports whether versionID lists assetPath.
func (m *VersionManifest) HasAsset(versionID, assetPath string) bool {
	rec, ok := m.Versions[versionID]
	if !ok {
		return false
	}
	for _, a := range rec.Assets {
		if a == assetPath {
			return true
		}
	}
	return false
}

// RemoveAsset drops assetPath from versionID's asset list.
func (m *VersionManifest) RemoveAsset(versionID, assetPath string) {
	rec, ok := m.Versions[versionID]
	if !ok {
		return
	}
	kept := rec.Assets[:0]
	for _, a := range rec.Assets {
		if a != assetPath {
			kept = append(kept, a)
		}
	}
	rec.Assets = kept
}

// DeploymentFor returns a deployment id that currently resolves to versionID,
// preferring a concrete mapping over the current sentinel. Ties are broken by
// id so the result is deterministic.
func (m *VersionManifest) DeploymentFor(versionID string) string {
	var concrete, sentinel []string
	for dpl, target := range m.DeploymentMapping {
		switch {
		case target == versionID:
			concrete = append(concrete, dpl)
		case target == CurrentSentinel && versionID == m.Current:
			sentinel = append(sentinel, dpl)
		}
	}
	if len(concrete) > 0 {
		sort.Strings(concrete)
		return concrete[0]
	}
	if len(sentinel) > 0 {
		sort.Strings(sentinel)
		return sentinel[0]
	}
	return ""
}

// AssetKey is the storage key of assetPath within versionID.
func AssetKey(versionID, assetPath string) string {
	return strings.Trim(versionID, "/") + "/" + strings.TrimLeft(path.Clean("/"+assetPath), "/")
}
