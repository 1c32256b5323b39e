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
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fixture holds a two-version deployment: D1 -> v1 (stale), D2 -> current v2.
type fixture struct {
	store  storage.Store
	cache  *manifest.Cache
	router *Router
	engine *gin.Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	m := manifest.New()
	m.Current = "v2"
	m.Versions["v1"] = &manifest.VersionRecord{Timestamp: 1, Assets: []string{"/_assets/old-11111111.js", "/index.html"}}
	m.Versions["v2"] = &manifest.VersionRecord{Timestamp: 2, Assets: []string{"/_assets/new-22222222.js", "/_assets/shared-cccccccc.css", "/index.html", "/about.html"}}
	m.DeploymentMapping["D2"] = manifest.CurrentSentinel
	m.DeploymentMapping["D1"] = "v1"
	m.FileIDToVersion["old-11111111.js"] = "v1"
	m.FileIDToVersion["new-22222222.js"] = "v2"
	m.FileIDToVersion["shared-cccccccc.css"] = "v2"

	ms := manifest.NewStore(store, manifest.Options{})
	require.NoError(t, ms.Put(ctx, m))

	for key, body := range map[string]string{
		"v1/_assets/old-11111111.js":    "old()",
		"v1/index.html":                 "<html>v1</html>",
		"v2/_assets/new-22222222.js":    "new()",
		"v2/_assets/shared-cccccccc.css": "body{}",
		"v2/index.html":                 "<html>v2</html>",
		"v2/about.html":                 "<html>about v2</html>",
		"robots.txt":                    "User-agent: *",
	} {
		require.NoError(t, store.SetRaw(ctx, key, []byte(body)))
	}

	cache := manifest.NewCache(ms, time.Hour)
	r, err := New(cfg, cache, store, nil)
	require.NoError(t, err)

	engine := gin.New()
	engine.GET(r.Config().AssetsPrefix+"*path", r.HandleAsset())
	engine.NoRoute(r.HandleNoRoute())
	return &fixture{store: store, cache: cache, router: r, engine: engine}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestResolve_HintedVersionHit(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.router.Resolve(context.Background(), "/_assets/old-11111111.js", "", "D1", SourceHeader)

	assert.Equal(t, OutcomeServe, res.Outcome)
	assert.Equal(t, "v1", res.Version)
	assert.Equal(t, "v1/_assets/old-11111111.js", res.Key)
	assert.Equal(t, "old()", string(res.Body))
}

func TestResolve_NoHintUsesFingerprintHolder(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.router.Resolve(context.Background(), "/_assets/old-11111111.js", "", "", SourceNone)

	assert.Equal(t, OutcomeServe, res.Outcome)
	assert.Equal(t, "v1", res.Version)
}

func TestResolve_StaleHintFallsBackToHolder(t *testing.T) {
	f := newFixture(t, Config{})
	// A v1 page asks for an asset that v2 took over via dedup.
	res := f.router.Resolve(context.Background(), "/_assets/shared-cccccccc.css", "", "D1", SourceCookie)

	assert.Equal(t, OutcomeServe, res.Outcome)
	assert.Equal(t, "v2", res.Version)
}

func TestResolve_UnqualifiedPath(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.router.Resolve(context.Background(), "/robots.txt", "", "", SourceNone)

	assert.Equal(t, OutcomeServe, res.Outcome)
	assert.Equal(t, "robots.txt", res.Key)
	assert.Equal(t, "", res.Version)
}

func TestResolve_RedirectsToCurrent(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.router.Resolve(context.Background(), "/_assets/missing-99999999.js", "v=1&dpl=D1", "D1", SourceQuery)

	require.Equal(t, OutcomeRedirect, res.Outcome)
	u, err := url.Parse(res.Location)
	require.NoError(t, err)
	assert.Equal(t, "/_assets/missing-99999999.js", u.Path)
	assert.Equal(t, "D2", u.Query().Get("dpl"))
	assert.Equal(t, "1", u.Query().Get("v"))
}

func TestResolve_NoRedirectLoopOnCurrent(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.router.Resolve(context.Background(), "/_assets/missing-99999999.js", "dpl=D2", "D2", SourceQuery)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

func TestResolve_NoManifestIsNotFound(t *testing.T) {
	store := storage.NewMemoryStore()
	cache := manifest.NewCache(manifest.NewStore(store, manifest.Options{}), time.Hour)
	r, err := New(Config{}, cache, store, nil)
	require.NoError(t, err)

	res := r.Resolve(context.Background(), "/_assets/app-12345678.js", "", "D1", SourceHeader)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.Equal(t, "no manifest", res.Reason)
}

func TestServeAsset_ImmutableHeaders(t *testing.T) {
	f := newFixture(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/_assets/old-11111111.js", nil)
	req.Header.Set(DefaultIdentityHeader, "D1")

	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ImmutableCache, w.Header().Get("Cache-Control"))
	assert.Equal(t, "v1", w.Header().Get(HeaderVersion))
	assert.Contains(t, w.Header().Get("Content-Type"), "javascript")
	assert.Equal(t, "old()", w.Body.String())
}

func TestServeAsset_HeaderBeatsQueryBeatsCookie(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.store.SetRaw(context.Background(), "v1/_assets/plain.txt", []byte("one")))
	require.NoError(t, f.store.SetRaw(context.Background(), "v2/_assets/plain.txt", []byte("two")))

	req := httptest.NewRequest(http.MethodGet, "/_assets/plain.txt?dpl=D2", nil)
	req.Header.Set(DefaultIdentityHeader, "D1")
	req.AddCookie(&http.Cookie{Name: DefaultIdentityCookie, Value: "D2"})
	assert.Equal(t, "one", f.do(req).Body.String())

	req = httptest.NewRequest(http.MethodGet, "/_assets/plain.txt?dpl=D1", nil)
	req.AddCookie(&http.Cookie{Name: DefaultIdentityCookie, Value: "D2"})
	assert.Equal(t, "one", f.do(req).Body.String())

	req = httptest.NewRequest(http.MethodGet, "/_assets/plain.txt", nil)
	req.AddCookie(&http.Cookie{Name: DefaultIdentityCookie, Value: "D1"})
	assert.Equal(t, "one", f.do(req).Body.String())
}

func TestServeAsset_RedirectAndNotFound(t *testing.T) {
	f := newFixture(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/_assets/gone-99999999.js", nil)
	req.Header.Set(DefaultIdentityHeader, "D1")
	w := f.do(req)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/_assets/gone-99999999.js?dpl=D2", w.Header().Get("Location"))

	req = httptest.NewRequest(http.MethodGet, "/_assets/gone-99999999.js?dpl=D2", nil)
	w = f.do(req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeDocument_AlwaysCurrentAndResetsCookie(t *testing.T) {
	f := newFixture(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/dashboard/settings", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.AddCookie(&http.Cookie{Name: DefaultIdentityCookie, Value: "D1"})
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<html>v2</html>", w.Body.String())
	assert.Equal(t, "v2", w.Header().Get(HeaderVersion))
	assert.Equal(t, DocumentCache, w.Header().Get("Cache-Control"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, DefaultIdentityCookie, cookies[0].Name)
	assert.Equal(t, "D2", cookies[0].Value)
}

func TestServeDocument_StaleHeaderIgnored(t *testing.T) {
	f := newFixture(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/about.html", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set(DefaultIdentityHeader, "D1")
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<html>about v2</html>", w.Body.String())
}

func TestServeDocument_BotsGetCurrentWithoutCookie(t *testing.T) {
	f := newFixture(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	req.AddCookie(&http.Cookie{Name: DefaultIdentityCookie, Value: "D1"})
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<html>v2</html>", w.Body.String())
	assert.Empty(t, w.Result().Cookies())
}

func TestServeDocument_CurrentAdvancedSinceCookie(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// Deploy v3 behind the running router.
	ms := manifest.NewStore(f.store, manifest.Options{})
	_, err := ms.Update(ctx, func(m *manifest.VersionManifest) error {
		m.Current = "v3"
		m.Versions["v3"] = &manifest.VersionRecord{Timestamp: 3, Assets: []string{"/index.html"}}
		m.DeploymentMapping["D2"] = "v2"
		m.DeploymentMapping["D3"] = manifest.CurrentSentinel
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.store.SetRaw(ctx, "v3/index.html", []byte("<html>v3</html>")))
	f.cache.Invalidate()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.AddCookie(&http.Cookie{Name: DefaultIdentityCookie, Value: "D2"})
	w := f.do(req)

	assert.Equal(t, "<html>v3</html>", w.Body.String())
	require.Len(t, w.Result().Cookies(), 1)
	assert.Equal(t, "D3", w.Result().Cookies()[0].Value)
}

func TestIsDocumentRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Sec-Fetch-Dest", "script")
	req.Header.Set("Accept", "text/html")
	assert.False(t, IsDocumentRequest(req, DefaultAssetsPrefix))

	req = httptest.NewRequest(http.MethodGet, "/_assets/x.html", nil)
	req.Header.Set("Accept", "text/html")
	assert.False(t, IsDocumentRequest(req, DefaultAssetsPrefix))

	req = httptest.NewRequest(http.MethodPost, "/form", nil)
	req.Header.Set("Accept", "text/html")
	assert.False(t, IsDocumentRequest(req, DefaultAssetsPrefix))

	req = httptest.NewRequest(http.MethodGet, "/page", nil)
	req.Header.Set("Accept", "text/html")
	assert.True(t, IsDocumentRequest(req, DefaultAssetsPrefix))
}

func TestIsBot(t *testing.T) {
	assert.True(t, IsBot("Mozilla/5.0 (compatible; bingbot/2.0)"))
	assert.True(t, IsBot("Yahoo! Slurp"))
	assert.True(t, IsBot("some-crawler/1.0"))
	assert.False(t, IsBot("Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15"))
	assert.False(t, IsBot(""))
}

func TestContentType(t *testing.T) {
	assert.Contains(t, ContentType("a.css", nil), "text/css")
	assert.Equal(t, "image/png", ContentType("blob", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")))
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("")
	require.NoError(t, err)
	assert.Equal(t, PlatformGeneric, p)
	assert.True(t, p.HoldsConnections())

	p, err = ParsePlatform("edge")
	require.NoError(t, err)
	assert.True(t, p.ForwardsToOrigins())
	assert.False(t, p.HoldsConnections())

	p, err = ParsePlatform("serverless")
	require.NoError(t, err)
	assert.False(t, p.HoldsConnections())
	assert.False(t, p.ForwardsToOrigins())

	_, err = ParsePlatform("mainframe")
	assert.Error(t, err)
}
