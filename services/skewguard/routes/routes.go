// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package routes

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/realtime"
	"github.com/AleutianAI/skewguard/services/skewguard/router"
)

// Deps are the components the HTTP surface is built from.
type Deps struct {
	Router    *router.Router
	Manifests *manifest.Cache

	// Broadcaster is nil when the platform holds no connections; the
	// realtime endpoints are then not registered.
	Broadcaster *realtime.Broadcaster
	Transport   realtime.TransportConfig

	// AdminToken guards /_skew/publish and /_skew/sessions. Empty disables
	// both.
	AdminToken string

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers every skewguard endpoint on engine.
func SetupRoutes(engine *gin.Engine, deps Deps) {
	engine.GET("/health", HealthCheck)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	assets := deps.Router.Config().AssetsPrefix + "*path"
	engine.GET(assets, deps.Router.HandleAsset())
	engine.HEAD(assets, deps.Router.HandleAsset())

	skew := engine.Group("/_skew")
	{
		skew.GET("/version", realtime.HandleVersion(deps.Manifests))
		skew.GET("/manifest", realtime.HandleClientManifest(deps.Manifests))

		if deps.Broadcaster != nil {
			skew.GET("/ws", realtime.HandleWebSocket(deps.Broadcaster, deps.Transport))
			skew.GET("/events", realtime.HandleSSE(deps.Broadcaster, deps.Transport))
		}

		if deps.AdminToken != "" {
			admin := skew.Group("", AdminAuth(deps.AdminToken))
			admin.POST("/publish", HandlePublish(deps.Manifests, deps.Broadcaster))
			admin.GET("/sessions", HandleSessions(deps.Broadcaster))
		}
	}

	engine.NoRoute(deps.Router.HandleNoRoute())
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// AdminAuth rejects requests whose bearer token does not match token.
func AdminAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := extractBearerToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" when the header is missing or uses another scheme.
func extractBearerToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// PublishRequest is the body of POST /_skew/publish.
type PublishRequest struct {
	// Version to announce. Empty announces the manifest's current version.
	Version string `json:"version"`
}

// HandlePublish announces a version to every realtime session.
//
// # Description
//
// Used by deploy hooks on platforms where the server cannot observe the
// manifest itself. The snapshot cache is invalidated first so subsequent
// requests see the new manifest. b may be nil, in which case nothing is
// delivered but the cache is still refreshed.
func HandlePublish(cache *manifest.Cache, b *realtime.Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PublishRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		cache.Invalidate()
		version := req.Version
		if version == "" {
			version = cache.Snapshot(c.Request.Context()).Current
		}
		if version == "" {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "no version published"})
			return
		}

		var notifier realtime.Notifier = realtime.NoopNotifier{}
		if b != nil {
			notifier = b
		}
		delivered := notifier.Publish(c.Request.Context(), version)
		c.JSON(http.StatusOK, gin.H{"version": version, "delivered": delivered})
	}
}

// HandleSessions reports the live session count.
func HandleSessions(b *realtime.Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		count := 0
		if b != nil {
			count = b.SessionCount()
		}
		c.JSON(http.StatusOK, gin.H{"sessions": count})
	}
}
