// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package skewguard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skewguard/services/skewguard/config"
	"github.com/AleutianAI/skewguard/services/skewguard/deployment"
	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.GinMode = "test"
	cfg.Storage.Type = storage.TypeMemory
	cfg.Retention.MaxVersions = 3
	return cfg
}

// writeDist lays out a build output directory.
func writeDist(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func TestService_StaleClientIsServedItsVersion(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, testConfig())
	require.NoError(t, err)
	defer func() { _ = svc.Shutdown(ctx) }()

	c := svc.Components()
	_, err = c.Build(ctx, writeDist(t, map[string]string{
		"index.html":              "<html>one</html>",
		"_assets/app-1a2b3c4d.js": "one()",
		"_assets/lib-9f8e7d6c.js": "lib()",
	}), "v1", "D1")
	require.NoError(t, err)

	report, err := c.Build(ctx, writeDist(t, map[string]string{
		"index.html":              "<html>two</html>",
		"_assets/app-5e6f7a8b.js": "two()",
		"_assets/lib-9f8e7d6c.js": "lib()",
	}), "v2", "D2")
	require.NoError(t, err)
	assert.Equal(t, []string{"/_assets/app-1a2b3c4d.js"}, report.DeletedChunks)
	assert.Equal(t, map[string]string{"D2": manifest.CurrentSentinel, "D1": "v1"}, report.Mapping)
	c.Cache.Invalidate()

	get := func(path, dpl string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if dpl != "" {
			req.Header.Set("X-Deployment-Id", dpl)
		}
		w := httptest.NewRecorder()
		svc.Router().ServeHTTP(w, req)
		return w
	}

	w := get("/_assets/app-1a2b3c4d.js", "D1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "one()", w.Body.String())

	// The shared library moved to v2 and is still found for a v1 client.
	w = get("/_assets/lib-9f8e7d6c.js", "D1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lib()", w.Body.String())

	w = get("/_skew/version", "")
	assert.Contains(t, w.Body.String(), `"version":"v2"`)

	w = get("/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestService_ReusedDeploymentIDFailsBuild(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, testConfig())
	require.NoError(t, err)
	defer func() { _ = svc.Shutdown(ctx) }()

	dist := writeDist(t, map[string]string{"index.html": "x"})
	_, err = svc.Components().Build(ctx, dist, "v1", "D1")
	require.NoError(t, err)

	_, err = svc.Components().Build(ctx, dist, "v2", "D1")
	assert.ErrorIs(t, err, deployment.ErrDeploymentIDReused)
}

func TestService_RealtimeRoutesFollowPlatform(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Platform = "serverless"
	svc, err := New(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = svc.Shutdown(ctx) }()

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/_skew/events", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestService_ShutdownIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, testConfig())
	require.NoError(t, err)

	assert.NoError(t, svc.Shutdown(ctx))
	assert.NoError(t, svc.Shutdown(ctx))
}

func TestNew_RejectsUnknownExporter(t *testing.T) {
	cfg := testConfig()
	cfg.Telemetry.TraceExporter = "carrier-pigeon"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
