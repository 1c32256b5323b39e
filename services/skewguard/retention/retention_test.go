// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

var baseTime = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// buildManifest creates versions v1..vN one hour apart, vN current.
func buildManifest(n int) *manifest.VersionManifest {
	m := manifest.New()
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("v%d", i)
		m.Versions[id] = &manifest.VersionRecord{
			Timestamp: baseTime.Add(time.Duration(i) * time.Hour).UnixMilli(),
			Assets:    []string{fmt.Sprintf("/_assets/app-%08d.js", i)},
		}
		m.Current = id
	}
	return m
}

func TestSelectEvictions_CountCap(t *testing.T) {
	m := buildManifest(5)
	now := baseTime.Add(6 * time.Hour)

	got := SelectEvictions(m, Policy{MaxAge: 24 * time.Hour, MaxVersions: 3}, now)
	assert.Equal(t, []string{"v2", "v1"}, got)
}

func TestSelectEvictions_Age(t *testing.T) {
	m := buildManifest(3)
	now := baseTime.Add(3*time.Hour + 90*time.Minute)

	got := SelectEvictions(m, Policy{MaxAge: 2 * time.Hour}, now)
	assert.Equal(t, []string{"v2", "v1"}, got)
}

func TestSelectEvictions_NeverCurrent(t *testing.T) {
	m := buildManifest(3)
	m.Current = "v1" // rolled back to the oldest build
	now := baseTime.Add(100 * time.Hour)

	got := SelectEvictions(m, Policy{MaxAge: time.Hour, MaxVersions: 1}, now)
	assert.ElementsMatch(t, []string{"v3", "v2"}, got)
	assert.NotContains(t, got, "v1")
}

func TestSelectEvictions_NeverTheOnlyVersion(t *testing.T) {
	m := buildManifest(1)
	m.Current = "somewhere-else"
	got := SelectEvictions(m, Policy{MaxAge: time.Nanosecond, MaxVersions: 1}, baseTime.Add(1000*time.Hour))
	assert.Empty(t, got)
}

func TestSelectEvictions_ZeroDisablesLimits(t *testing.T) {
	m := buildManifest(10)
	assert.Empty(t, SelectEvictions(m, Policy{}, baseTime.Add(10000*time.Hour)))
}

func TestSweep_RemovesEverythingReferencingEvicted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := buildManifest(4)
	for id, rec := range m.Versions {
		for _, a := range rec.Assets {
			require.NoError(t, store.SetRaw(ctx, manifest.AssetKey(id, a), []byte(id)))
		}
		m.FileIDToVersion[id+"-fp"] = id
	}
	// Orphaned bytes left over from an earlier failed cleanup
	require.NoError(t, store.SetRaw(ctx, "v1/_assets/orphan-deadbeef.js", []byte("x")))
	m.DeploymentMapping["d4"] = manifest.CurrentSentinel
	m.DeploymentMapping["d3"] = "v3"
	m.DeploymentMapping["d1"] = "v1"
	m.AssetToDeployment = map[string]string{"/_assets/app-00000001.js": "d1", "/_assets/app-00000003.js": "d3"}

	sweeper := NewSweeper(store, Policy{MaxVersions: 2}, nil, func() time.Time { return baseTime.Add(5 * time.Hour) })
	res := sweeper.Sweep(ctx, m)

	assert.Equal(t, []string{"v2", "v1"}, res.Evicted)
	assert.Equal(t, 3, res.KeysRemoved)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.RetainedLeft)

	assert.ElementsMatch(t, []string{"v3", "v4"}, m.VersionsNewestFirst())
	assert.Equal(t, map[string]string{"d4": manifest.CurrentSentinel, "d3": "v3"}, m.DeploymentMapping)
	assert.Equal(t, map[string]string{"v3-fp": "v3", "v4-fp": "v4"}, m.FileIDToVersion)
	assert.Equal(t, map[string]string{"/_assets/app-00000003.js": "d3"}, m.AssetToDeployment)

	keys, err := store.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"v3/_assets/app-00000003.js", "v4/_assets/app-00000004.js"}, keys)
}

// flakyStore fails Remove for one key.
type flakyStore struct {
	storage.Store
	failKey string
}

func (f flakyStore) Remove(ctx context.Context, key string) error {
	if key == f.failKey {
		return errors.New("transient")
	}
	return f.Store.Remove(ctx, key)
}

func TestSweep_PerAssetFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	backing := storage.NewMemoryStore()
	m := buildManifest(3)
	require.NoError(t, backing.SetRaw(ctx, "v1/_assets/app-00000001.js", []byte("1")))
	require.NoError(t, backing.SetRaw(ctx, "v1/index.html", []byte("1")))

	sweeper := NewSweeper(flakyStore{backing, "v1/_assets/app-00000001.js"}, Policy{MaxVersions: 2}, nil,
		func() time.Time { return baseTime })
	res := sweeper.Sweep(ctx, m)

	assert.Equal(t, []string{"v1"}, res.Evicted)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.KeysRemoved)
	_, stillThere := m.Versions["v1"]
	assert.False(t, stillThere)
}

func TestSweepStore_Persists(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ms := manifest.NewStore(store, manifest.Options{})
	require.NoError(t, ms.Put(ctx, buildManifest(4)))

	sweeper := NewSweeper(store, Policy{MaxVersions: 1}, nil, func() time.Time { return baseTime })
	res, err := sweeper.SweepStore(ctx, ms)
	require.NoError(t, err)
	assert.Len(t, res.Evicted, 3)

	m, err := ms.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v4"}, m.VersionsNewestFirst())
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ms := manifest.NewStore(store, manifest.Options{})
	require.NoError(t, ms.Put(ctx, buildManifest(3)))

	var cycles atomic.Int32
	sweeper := NewSweeper(store, Policy{MaxVersions: 2}, nil, func() time.Time { return baseTime })
	sched := NewScheduler(sweeper, ms, time.Hour, func(*Result) { cycles.Add(1) })

	require.NoError(t, sched.Start(ctx))
	assert.ErrorIs(t, sched.Start(ctx), ErrSchedulerRunning)

	require.Eventually(t, func() bool { return cycles.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	sched.Stop()
	sched.Stop()

	m, err := ms.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, m.Versions, 2)
}

func TestScheduler_RunNow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ms := manifest.NewStore(store, manifest.Options{})
	require.NoError(t, ms.Put(ctx, buildManifest(2)))

	sched := NewScheduler(NewSweeper(store, Policy{MaxVersions: 1}, nil, nil), ms, time.Hour, nil)
	res, err := sched.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, res.Evicted)
}
