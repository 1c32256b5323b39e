// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dedup stores a new version's assets so that every distinct
// fingerprinted file is held by exactly one retained version.
package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/observability"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

// DefaultConcurrency bounds parallel uploads when Options leaves it unset.
const DefaultConcurrency = 8

// Options configures the Engine.
type Options struct {
	// Concurrency is the maximum number of parallel uploads.
	Concurrency int

	// VerifyContent compares SHA-256 digests of the old and new bytes before
	// merging a fingerprint held by another version.
	VerifyContent bool

	Metrics *observability.Metrics
}

// AssetError records a per-asset failure. These never abort a build.
type AssetError struct {
	Path string
	Op   string
	Err  error
}

func (e AssetError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e AssetError) Unwrap() error { return e.Err }

// Result summarizes one Apply call.
type Result struct {
	// Uploaded are assets whose bytes were written under the new version.
	Uploaded []string

	// Skipped are assets already stored under the new version (rebuilds).
	Skipped []string

	// Reassigned maps asset path to the version that previously held it.
	Reassigned map[string]string

	// Conflicts are fingerprints whose bytes differed from the holder's
	// (VerifyContent only). Both copies were kept.
	Conflicts []string

	// Failed are assets that could not be stored and were left out of the
	// new version.
	Failed []string

	Errors []AssetError
}

// Engine performs cross-version asset deduplication.
type Engine struct {
	store storage.Store
	opts  Options
}

// NewEngine creates an Engine writing to store.
func NewEngine(store storage.Store, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Engine{store: store, opts: opts}
}

// plan is the per-asset outcome of the upload phase.
type plan struct {
	path        string
	fingerprint string
	owner       string // version holding the fingerprint, if not versionID
	ownerPath   string
	skip        bool
	conflict    bool
	err         error
}

// Apply stores assets under versionID and moves ownership of every
// fingerprint they carry to versionID.
//
// # Description
//
// Runs in two phases. First, bytes are uploaded in parallel to
// "{versionID}/{path}". Second, for every upload that succeeded and whose
// fingerprint was held by another version, the old copy is deleted, the
// asset is removed from the old version's asset list and fileIdToVersion is
// repointed. Uploading first means a failure never leaves a fingerprint
// without any stored copy.
//
// On a rebuild (existed=true) assets already owned by versionID and present
// in storage are skipped.
//
// # Inputs
//
//   - m: Manifest to mutate in place. versionID must already be registered.
//   - versionID: The version being built.
//   - assets: The version's pre-dedup asset paths.
//   - existed: Whether versionID was already registered before this build.
//   - src: Provides the new bytes.
//
// # Outputs
//
//   - *Result: Per-asset outcome. Per-asset failures land in Result.Errors.
//   - error: Only for unusable inputs or context cancellation.
func (e *Engine) Apply(ctx context.Context, m *manifest.VersionManifest, versionID string, assets []string, existed bool, src Source) (*Result, error) {
	rec, ok := m.Versions[versionID]
	if !ok {
		return nil, fmt.Errorf("dedup: version %q is not registered", versionID)
	}

	plans := make([]*plan, 0, len(assets))
	seen := make(map[string]bool, len(assets))
	for _, p := range assets {
		if seen[p] {
			continue
		}
		seen[p] = true
		plans = append(plans, e.planAsset(m, versionID, p))
	}

	if err := e.upload(ctx, versionID, existed, plans, src); err != nil {
		return nil, err
	}

	res := &Result{Reassigned: make(map[string]string)}
	kept := make([]string, 0, len(plans))
	for _, pl := range plans {
		if pl.err != nil {
			res.Failed = append(res.Failed, pl.path)
			res.Errors = append(res.Errors, AssetError{Path: pl.path, Op: "upload", Err: pl.err})
			e.opts.Metrics.RecordAsset("failed")
			slog.Error("Asset upload failed", "version", versionID, "asset", pl.path, "error", pl.err)
			continue
		}
		kept = append(kept, pl.path)

		if pl.skip {
			res.Skipped = append(res.Skipped, pl.path)
			e.opts.Metrics.RecordAsset("skipped")
		} else {
			res.Uploaded = append(res.Uploaded, pl.path)
			e.opts.Metrics.RecordAsset("uploaded")
		}

		if pl.fingerprint == "" {
			continue
		}
		if pl.owner != "" {
			if pl.conflict {
				res.Conflicts = append(res.Conflicts, pl.fingerprint)
				slog.Warn("Fingerprint content mismatch, keeping both copies",
					"fingerprint", pl.fingerprint, "holder", pl.owner, "version", versionID)
			} else {
				e.reassign(ctx, m, pl, res)
			}
		}
		m.FileIDToVersion[pl.fingerprint] = versionID
	}
	rec.Assets = kept

	slog.Info("Asset dedup complete",
		"version", versionID,
		"uploaded", len(res.Uploaded),
		"skipped", len(res.Skipped),
		"reassigned", len(res.Reassigned),
		"failed", len(res.Failed))
	return res, nil
}

func (e *Engine) planAsset(m *manifest.VersionManifest, versionID, assetPath string) *plan {
	pl := &plan{path: assetPath, fingerprint: Fingerprint(assetPath)}
	if pl.fingerprint == "" {
		return pl
	}
	owner, ok := m.FileIDToVersion[pl.fingerprint]
	if !ok || owner == versionID {
		return pl
	}
	if _, retained := m.Versions[owner]; !retained {
		return pl
	}
	pl.owner = owner
	pl.ownerPath = assetPath
	for _, a := range m.Versions[owner].Assets {
		if Fingerprint(a) == pl.fingerprint {
			pl.ownerPath = a
			break
		}
	}
	return pl
}

func (e *Engine) upload(ctx context.Context, versionID string, existed bool, plans []*plan, src Source) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for _, pl := range plans {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			key := manifest.AssetKey(versionID, pl.path)

			if existed && pl.owner == "" {
				found, err := e.store.Has(gctx, key)
				if err == nil && found {
					pl.skip = true
					return nil
				}
			}

			data, err := src.ReadAsset(gctx, pl.path)
			if err != nil {
				pl.err = err
				return nil
			}
			if pl.owner != "" && e.opts.VerifyContent {
				pl.conflict = e.differs(gctx, manifest.AssetKey(pl.owner, pl.ownerPath), data)
			}
			if err := e.store.SetRaw(gctx, key, data); err != nil {
				pl.err = err
			}
			return nil
		})
	}
	return g.Wait()
}

// differs reports whether the bytes stored at key differ from data. A
// missing old copy counts as equal; any other read error counts as a
// mismatch so the old copy is not deleted.
func (e *Engine) differs(ctx context.Context, key string, data []byte) bool {
	old, err := e.store.GetRaw(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		slog.Warn("Could not read fingerprint holder for verification", "key", key, "error", err)
		return true
	}
	a, b := sha256.Sum256(old), sha256.Sum256(data)
	return !bytes.Equal(a[:], b[:])
}

func (e *Engine) reassign(ctx context.Context, m *manifest.VersionManifest, pl *plan, res *Result) {
	oldKey := manifest.AssetKey(pl.owner, pl.ownerPath)
	if err := e.store.Remove(ctx, oldKey); err != nil {
		res.Errors = append(res.Errors, AssetError{Path: pl.ownerPath, Op: "remove", Err: err})
		slog.Warn("Failed to delete superseded asset copy", "key", oldKey, "error", err)
	}
	m.RemoveAsset(pl.owner, pl.ownerPath)
	res.Reassigned[pl.path] = pl.owner
	e.opts.Metrics.RecordAsset("reassigned")
}

// DeletedChunks returns the assets of previous that are absent from
// current, in previous's order.
func DeletedChunks(previous, current []string) []string {
	present := make(map[string]struct{}, len(current))
	for _, a := range current {
		present[a] = struct{}{}
	}
	out := make([]string, 0)
	for _, a := range previous {
		if _, ok := present[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}
