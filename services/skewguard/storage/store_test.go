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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skewguard/services/skewguard/observability"
)

// driverFactories lists every backend that can run without external services.
func driverFactories(t *testing.T) map[string]func() Driver {
	return map[string]func() Driver{
		"memory": func() Driver { return NewMemoryDriver() },
		"fs": func() Driver {
			d, err := NewFileDriver(t.TempDir())
			require.NoError(t, err)
			return d
		},
		"badger": func() Driver {
			d, err := OpenBadger(BadgerConfig{InMemory: true})
			require.NoError(t, err)
			return d
		},
	}
}

type manifestDoc struct {
	Current string   `json:"current"`
	Assets  []string `json:"assets"`
}

// TestStore_Contract runs the same behavior checks against each local backend.
func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, factory := range driverFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := New(factory(), Options{})
			defer store.Close()

			assert.Equal(t, name, store.Backend())

			// Missing key
			ok, err := store.Has(ctx, "v1/_assets/app-1a2b3c4d.js")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = store.GetRaw(ctx, "v1/_assets/app-1a2b3c4d.js")
			assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

			// Raw round trip
			require.NoError(t, store.SetRaw(ctx, "v1/_assets/app-1a2b3c4d.js", []byte("console.log(1)")))
			data, err := store.GetRaw(ctx, "v1/_assets/app-1a2b3c4d.js")
			require.NoError(t, err)
			assert.Equal(t, "console.log(1)", string(data))

			ok, err = store.Has(ctx, "v1/_assets/app-1a2b3c4d.js")
			require.NoError(t, err)
			assert.True(t, ok)

			// Overwrite
			require.NoError(t, store.SetRaw(ctx, "v1/_assets/app-1a2b3c4d.js", []byte("console.log(2)")))
			data, err = store.GetRaw(ctx, "v1/_assets/app-1a2b3c4d.js")
			require.NoError(t, err)
			assert.Equal(t, "console.log(2)", string(data))

			// Structured round trip
			doc := manifestDoc{Current: "v1", Assets: []string{"/_assets/app-1a2b3c4d.js"}}
			require.NoError(t, store.Set(ctx, "__skew/manifest.json", doc))
			var got manifestDoc
			require.NoError(t, store.Get(ctx, "__skew/manifest.json", &got))
			assert.Equal(t, doc, got)

			// Listing is sorted and prefix-scoped
			require.NoError(t, store.SetRaw(ctx, "v1/index.html", []byte("<html>")))
			require.NoError(t, store.SetRaw(ctx, "v2/index.html", []byte("<html>")))
			keys, err := store.ListKeys(ctx, "v1/")
			require.NoError(t, err)
			assert.Equal(t, []string{"v1/_assets/app-1a2b3c4d.js", "v1/index.html"}, keys)

			// Remove is idempotent
			require.NoError(t, store.Remove(ctx, "v1/index.html"))
			require.NoError(t, store.Remove(ctx, "v1/index.html"))

			// Clear only touches the prefix
			require.NoError(t, store.Clear(ctx, "v1/"))
			keys, err = store.ListKeys(ctx, "v1/")
			require.NoError(t, err)
			assert.Empty(t, keys)

			ok, err = store.Has(ctx, "v2/index.html")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_RejectsInvalidKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, key := range []string{"", "/abs/path", "v1/../etc/passwd", ".."} {
		err := store.SetRaw(ctx, key, []byte("x"))
		assert.True(t, errors.Is(err, ErrInvalidKey), "key %q: expected ErrInvalidKey, got %v", key, err)
	}
}

func TestStore_GetDecodeError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SetRaw(ctx, "broken.json", []byte("{not json")))
	var out manifestDoc
	err := store.Get(ctx, "broken.json", &out)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestStore_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	store := New(NewMemoryDriver(), Options{Metrics: metrics})
	ctx := context.Background()

	require.NoError(t, store.SetRaw(ctx, "a", []byte("1")))
	_, _ = store.GetRaw(ctx, "missing")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOpsTotal.WithLabelValues("memory", "set_raw", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOpsTotal.WithLabelValues("memory", "get_raw", "not_found")))
}

func TestFileDriver_WritesAtomically(t *testing.T) {
	dir := t.TempDir()
	d, err := NewFileDriver(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.SetRaw(ctx, "v1/_assets/a-12345678.css", []byte("body{}")))

	_, err = os.Stat(filepath.Join(dir, "v1", "_assets", "a-12345678.css"+tmpSuffix))
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	// A stray temp file is never listed
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v1", "stray"+tmpSuffix), []byte("x"), 0644))
	keys, err := d.ListKeys(ctx, "v1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1/_assets/a-12345678.css"}, keys)
}

func TestFileDriver_ListMissingPrefix(t *testing.T) {
	d, err := NewFileDriver(t.TempDir())
	require.NoError(t, err)

	keys, err := d.ListKeys(context.Background(), "nope/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalPath(t *testing.T) {
	dir := t.TempDir()
	d, err := NewFileDriver(dir)
	require.NoError(t, err)

	p, ok := LocalPath(New(d, Options{}), "__skew/manifest.json")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "__skew", "manifest.json"), p)

	_, ok = LocalPath(NewMemoryStore(), "__skew/manifest.json")
	assert.False(t, ok)
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	store, err := NewFromConfig(ctx, Config{Type: TypeMemory}, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", store.Backend())

	store, err = NewFromConfig(ctx, Config{Type: TypeFS, FS: FSConfig{Dir: t.TempDir()}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fs", store.Backend())

	_, err = NewFromConfig(ctx, Config{Type: "floppy"}, nil)
	assert.True(t, errors.Is(err, ErrUnsupportedType))

	_, err = NewFromConfig(ctx, Config{Type: TypeS3}, nil)
	assert.Error(t, err, "s3 without a bucket should fail")
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "v3/_assets/app-1a2b3c4d.js", Join("v3", "/_assets/app-1a2b3c4d.js"))
	assert.Equal(t, "v3/index.html", Join("v3/", "", "index.html"))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `skew:v\[1\]\*`, escapeGlob("skew:v[1]*"))
}
