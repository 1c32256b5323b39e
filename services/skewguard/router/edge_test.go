// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
)

func edgeFixture(t *testing.T, edge EdgeConfig) *fixture {
	t.Helper()
	f := newFixture(t, Config{Platform: PlatformEdge, Edge: edge})

	ms := manifest.NewStore(f.store, manifest.Options{})
	_, err := ms.Update(context.Background(), func(m *manifest.VersionManifest) error {
		m.AssetToDeployment = map[string]string{
			"/_assets/edge-only-abcdef12.js": "D1",
			"/_assets/new-22222222.js":       "D2",
		}
		return nil
	})
	require.NoError(t, err)
	f.cache.Invalidate()
	return f
}

func TestEdge_RequiresPlaceholder(t *testing.T) {
	_, err := newForwarder(EdgeConfig{OriginTemplate: "https://static.example.com"})
	assert.Error(t, err)

	_, err = newForwarder(EdgeConfig{OriginTemplate: "https://{deployment}.example.com", Mode: "teleport"})
	assert.Error(t, err)
}

func TestEdge_IndexForwardsWithoutHint(t *testing.T) {
	f := edgeFixture(t, EdgeConfig{OriginTemplate: "https://{deployment}.preview.example.com"})

	res := f.router.Resolve(context.Background(), "/_assets/edge-only-abcdef12.js", "", "", SourceNone)
	assert.Equal(t, OutcomeForward, res.Outcome)
	assert.Equal(t, "D1", res.Deployment)
	assert.Equal(t, SourceIndex, res.HintSource)

	// Entries pointing at the current deployment are served locally.
	res = f.router.Resolve(context.Background(), "/_assets/new-22222222.js", "", "", SourceNone)
	assert.Equal(t, OutcomeServe, res.Outcome)
}

func TestEdge_RedirectMode(t *testing.T) {
	f := edgeFixture(t, EdgeConfig{OriginTemplate: "https://{deployment}.preview.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/_assets/old-11111111.js?x=1", nil)
	req.Header.Set(DefaultIdentityHeader, "D1")
	w := f.do(req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://D1.preview.example.com/_assets/old-11111111.js?x=1", w.Header().Get("Location"))
}

func TestEdge_ProxyMode(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = w.Write([]byte("from origin " + r.URL.Path))
	}))
	defer origin.Close()

	f := edgeFixture(t, EdgeConfig{OriginTemplate: origin.URL + "/{deployment}", Mode: EdgeModeProxy, Timeout: time.Second})

	req := httptest.NewRequest(http.MethodGet, "/_assets/old-11111111.js", nil)
	req.Header.Set(DefaultIdentityHeader, "D1")
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from origin /D1/_assets/old-11111111.js", w.Body.String())
}

func TestEdge_ProxyFailureIsNotFound(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := origin.URL
	origin.Close() // nothing listens any more

	f := edgeFixture(t, EdgeConfig{OriginTemplate: deadURL + "/{deployment}", Mode: EdgeModeProxy, Timeout: time.Second})

	req := httptest.NewRequest(http.MethodGet, "/_assets/old-11111111.js", nil)
	req.Header.Set(DefaultIdentityHeader, "D1")
	w := f.do(req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEdge_RejectsSuspiciousDeploymentIDs(t *testing.T) {
	fw, err := newForwarder(EdgeConfig{OriginTemplate: "https://{deployment}.example.com"})
	require.NoError(t, err)

	_, err = fw.origin("evil.com/")
	assert.Error(t, err)
	_, err = fw.origin("user@host")
	assert.Error(t, err)

	u, err := fw.origin("dpl-42")
	require.NoError(t, err)
	assert.Equal(t, "dpl-42.example.com", u.Host)
}
