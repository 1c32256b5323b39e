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
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

// Response headers.
const (
	HeaderVersion  = "X-Skew-Version"
	ImmutableCache = "public, max-age=31536000, immutable"
	DocumentCache  = "no-cache"
)

// HandleAsset serves a versioned asset or API sub-request.
func (r *Router) HandleAsset() gin.HandlerFunc {
	return func(c *gin.Context) {
		r.ServeAsset(c)
	}
}

// HandleDocument serves the current build's document.
func (r *Router) HandleDocument() gin.HandlerFunc {
	return func(c *gin.Context) {
		r.ServeDocument(c)
	}
}

// HandleNoRoute dispatches unmatched requests: navigations get the current
// document, everything else goes through asset resolution.
func (r *Router) HandleNoRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsDocumentRequest(c.Request, r.cfg.AssetsPrefix) {
			r.ServeDocument(c)
			return
		}
		r.ServeAsset(c)
	}
}

// ServeAsset resolves the request's path and writes the outcome.
func (r *Router) ServeAsset(c *gin.Context) {
	hint, source := r.cfg.Identity.Extract(c.Request)
	res := r.Resolve(c.Request.Context(), c.Request.URL.Path, c.Request.URL.RawQuery, hint, source)

	switch res.Outcome {
	case OutcomeServe:
		c.Header("Cache-Control", ImmutableCache)
		if res.Version != "" {
			c.Header(HeaderVersion, res.Version)
		}
		c.Data(http.StatusOK, ContentType(res.Key, res.Body), res.Body)

	case OutcomeRedirect:
		c.Header("Cache-Control", "no-store")
		c.Redirect(http.StatusFound, res.Location)

	case OutcomeForward:
		r.forwarder.forward(c.Writer, c.Request, res.Deployment, writeNotFound)
		c.Abort()

	default:
		slog.Debug("Asset not found", "path", c.Request.URL.Path, "hint", hint, "reason", res.Reason)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "asset not found"})
	}
}

// ServeDocument writes the current build's document for the request path.
//
// # Description
//
// Stale identity hints are ignored. Paths with an extension are looked up
// in the current version first; everything else gets the index document.
// The identity cookie is reset to the current deployment, except for
// crawlers, which never receive one.
func (r *Router) ServeDocument(c *gin.Context) {
	ctx := c.Request.Context()
	m := r.manifests.Snapshot(ctx)
	if m.IsEmpty() {
		r.metrics.RecordRouterOutcome(string(r.cfg.Platform), string(OutcomeNotFound))
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no version deployed"})
		return
	}

	keys := make([]string, 0, 2)
	if reqPath := cleanPath(c.Request.URL.Path); path.Ext(reqPath) != "" {
		keys = append(keys, manifest.AssetKey(m.Current, reqPath))
	}
	keys = append(keys, manifest.AssetKey(m.Current, r.cfg.IndexDocument))

	for _, key := range keys {
		body, err := r.store.GetRaw(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				slog.Warn("Document read failed", "key", key, "error", err)
			}
			continue
		}

		if !IsBot(c.Request.UserAgent()) {
			r.setIdentityCookie(c, CurrentIdentity(m))
		}
		c.Header("Cache-Control", DocumentCache)
		c.Header(HeaderVersion, m.Current)
		r.metrics.RecordRouterOutcome(string(r.cfg.Platform), "document")
		c.Data(http.StatusOK, ContentType(key, body), body)
		return
	}

	r.metrics.RecordRouterOutcome(string(r.cfg.Platform), string(OutcomeNotFound))
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "document not found"})
}

func (r *Router) setIdentityCookie(c *gin.Context, value string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     r.cfg.Identity.Cookie,
		Value:    value,
		Path:     "/",
		MaxAge:   int(r.cfg.CookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Request.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// ContentType derives a MIME type from name's extension, sniffing body when
// the extension is unknown.
func ContentType(name string, body []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return mimetype.Detect(body).String()
}

func writeNotFound(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
