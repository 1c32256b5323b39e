// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package build

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skewguard/pkg/validation"
	"github.com/AleutianAI/skewguard/services/skewguard/dedup"
	"github.com/AleutianAI/skewguard/services/skewguard/deployment"
	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/retention"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

type harness struct {
	store     storage.Store
	manifests *manifest.Store
	pipeline  *Pipeline
	now       time.Time
}

func newHarness(t *testing.T, policy retention.Policy, opts Options) *harness {
	t.Helper()
	h := &harness{
		store: storage.NewMemoryStore(),
		now:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.manifests = manifest.NewStore(h.store, manifest.Options{Retention: policy.MaxAge, Now: clock})
	h.pipeline = NewPipeline(
		h.manifests,
		dedup.NewEngine(h.store, dedup.Options{}),
		retention.NewSweeper(h.store, policy, nil, clock),
		deployment.NewManager(h.manifests, policy.MaxVersions),
		opts,
	)
	return h
}

func (h *harness) build(t *testing.T, version, dpl string, src dedup.MapSource) *Report {
	t.Helper()
	h.now = h.now.Add(time.Minute)
	report, err := h.pipeline.Run(context.Background(), Request{
		VersionID:    version,
		DeploymentID: dpl,
		Assets:       src.Paths(),
		Source:       src,
	})
	require.NoError(t, err)
	return report
}

func TestPipeline_FiveBuildsRetainLastThree(t *testing.T) {
	h := newHarness(t, retention.Policy{MaxAge: 24 * time.Hour, MaxVersions: 3}, Options{})

	for i := 1; i <= 5; i++ {
		src := dedup.MapSource{
			"/index.html": []byte(fmt.Sprintf("<html>%d</html>", i)),
			fmt.Sprintf("/_assets/app-%08d.js", i): []byte(fmt.Sprintf("app %d", i)),
		}
		report := h.build(t, fmt.Sprintf("v%d", i), fmt.Sprintf("D%d", i), src)
		assert.Equal(t, fmt.Sprintf("v%d", i), report.Manifest.Current)
	}

	m, err := h.manifests.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "v5", m.Current)
	assert.Equal(t, []string{"v5", "v4", "v3"}, m.VersionsNewestFirst())
	assert.Equal(t, map[string]string{
		"D5": manifest.CurrentSentinel,
		"D4": "v4",
		"D3": "v3",
	}, m.DeploymentMapping)

	keys, err := h.store.ListKeys(context.Background(), "v1/")
	require.NoError(t, err)
	assert.Empty(t, keys)
	keys, err = h.store.ListKeys(context.Background(), "v2/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPipeline_DeletedChunksAndDedup(t *testing.T) {
	h := newHarness(t, retention.Policy{MaxAge: 24 * time.Hour, MaxVersions: 5}, Options{})

	h.build(t, "v1", "D1", dedup.MapSource{
		"/_assets/vendor-aaaaaaaa.js": []byte("vendor"),
		"/_assets/page-11111111.js":   []byte("page 1"),
	})
	report := h.build(t, "v2", "D2", dedup.MapSource{
		"/_assets/vendor-aaaaaaaa.js": []byte("vendor"),
		"/_assets/page-22222222.js":   []byte("page 2"),
	})

	assert.Equal(t, "v1", report.Previous)
	assert.Equal(t, []string{"/_assets/page-11111111.js"}, report.DeletedChunks)
	assert.Equal(t, map[string]string{"/_assets/vendor-aaaaaaaa.js": "v1"}, report.Dedup.Reassigned)

	m := report.Manifest
	assert.Equal(t, []string{"/_assets/page-11111111.js"}, m.Versions["v1"].Assets)
	assert.Equal(t, "v2", m.FileIDToVersion["vendor-aaaaaaaa.js"])
	assert.Equal(t, []string{"/_assets/page-11111111.js"}, m.Versions["v2"].DeletedChunks)
	assert.Equal(t, map[string]string{"D2": manifest.CurrentSentinel, "D1": "v1"}, m.DeploymentMapping)
}

func TestPipeline_RebuildOfCurrentKeepsDeploymentOnIt(t *testing.T) {
	h := newHarness(t, retention.Policy{MaxVersions: 3}, Options{})
	h.build(t, "v0", "D0", dedup.MapSource{"/index.html": []byte("0")})
	h.build(t, "v1", "D1", dedup.MapSource{"/index.html": []byte("1")})

	report := h.build(t, "v1", "D2", dedup.MapSource{"/index.html": []byte("1")})
	assert.True(t, report.Existed)
	assert.Equal(t, map[string]string{
		"D2": manifest.CurrentSentinel,
		"D1": "v1",
		"D0": "v0",
	}, report.Mapping)

	m, err := h.manifests.Load(context.Background())
	require.NoError(t, err)
	got, ok := deployment.Resolve(m, "D1")
	require.True(t, ok)
	assert.Equal(t, "v1", got)
}

func TestPipeline_RebuildOfOlderVersionRepointsToPriorCurrent(t *testing.T) {
	h := newHarness(t, retention.Policy{MaxVersions: 3}, Options{})
	h.build(t, "v0", "D0", dedup.MapSource{"/index.html": []byte("0")})
	h.build(t, "v1", "D1", dedup.MapSource{"/index.html": []byte("1")})

	report := h.build(t, "v0", "D2", dedup.MapSource{"/index.html": []byte("0")})
	assert.True(t, report.Existed)
	assert.Equal(t, "v0", report.Manifest.Current)
	assert.Equal(t, map[string]string{
		"D2": manifest.CurrentSentinel,
		"D1": "v1",
		"D0": "v0",
	}, report.Mapping)
}

func TestPipeline_DeploymentIDReuseIsFatal(t *testing.T) {
	h := newHarness(t, retention.Policy{MaxVersions: 3}, Options{})
	h.build(t, "v1", "D1", dedup.MapSource{"/index.html": []byte("1")})

	_, err := h.pipeline.Run(context.Background(), Request{
		VersionID:    "v2",
		DeploymentID: "D1",
		Assets:       []string{"/index.html"},
		Source:       dedup.MapSource{"/index.html": []byte("2")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployment.ErrDeploymentIDReused))

	m, err := h.manifests.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", m.Current, "a rejected build must not touch the manifest")
	_, ok := m.Versions["v2"]
	assert.False(t, ok)
}

func TestPipeline_RejectsMissingIdentifiers(t *testing.T) {
	h := newHarness(t, retention.Policy{}, Options{})
	_, err := h.pipeline.Run(context.Background(), Request{VersionID: "v1", Source: dedup.MapSource{}})
	assert.Error(t, err)
	_, err = h.pipeline.Run(context.Background(), Request{VersionID: "v1", DeploymentID: "D1"})
	assert.Error(t, err)
	_, err = h.pipeline.Run(context.Background(), Request{VersionID: "../v1", DeploymentID: "D1", Source: dedup.MapSource{}})
	assert.ErrorIs(t, err, validation.ErrInvalidIdentifier)
}

func TestPipeline_RejectsReservedIdentifiers(t *testing.T) {
	h := newHarness(t, retention.Policy{MaxVersions: 3}, Options{})
	src := dedup.MapSource{"/index.html": []byte("x")}

	for _, req := range []Request{
		{VersionID: manifest.CurrentSentinel, DeploymentID: "D1"},
		{VersionID: "__skew", DeploymentID: "D1"},
		{VersionID: "v1", DeploymentID: manifest.CurrentSentinel},
	} {
		req.Assets, req.Source = src.Paths(), src
		_, err := h.pipeline.Run(context.Background(), req)
		assert.ErrorIs(t, err, validation.ErrInvalidIdentifier, "%+v", req)
	}

	m, err := h.manifests.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, m.IsEmpty())
	ok, err := h.store.Has(context.Background(), manifest.DefaultKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPipeline_EdgeAssetIndex(t *testing.T) {
	h := newHarness(t, retention.Policy{MaxVersions: 2}, Options{IndexAssets: true, AssetsPrefix: "/_assets/"})

	h.build(t, "v1", "D1", dedup.MapSource{
		"/index.html":               []byte("1"),
		"/_assets/one-11111111.js":  []byte("1"),
		"/_assets/both-cccccccc.js": []byte("c"),
	})
	h.build(t, "v2", "D2", dedup.MapSource{"/_assets/two-22222222.js": []byte("2"), "/_assets/both-cccccccc.js": []byte("c")})
	report := h.build(t, "v3", "D3", dedup.MapSource{"/_assets/three-33333333.js": []byte("3")})

	assert.Equal(t, map[string]string{
		"/_assets/two-22222222.js":   "D2",
		"/_assets/both-cccccccc.js":  "D2",
		"/_assets/three-33333333.js": "D3",
	}, report.Manifest.AssetToDeployment)
}
