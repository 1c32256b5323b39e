// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
)

// VersionDocument is the small payload polling clients refetch when no
// persistent connection is available.
type VersionDocument struct {
	Version      string `json:"version"`
	DeploymentID string `json:"deploymentId,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// ClientVersion is the per-version view exposed to clients.
type ClientVersion struct {
	Timestamp     int64    `json:"timestamp"`
	DeletedChunks []string `json:"deletedChunks"`
}

// ClientManifest lets a client reconcile its loaded chunks against the
// retained versions.
type ClientManifest struct {
	Current  string                   `json:"current"`
	Versions map[string]ClientVersion `json:"versions"`
}

// NewVersionDocument builds the version document for m. ok is false when no
// version has been published yet.
func NewVersionDocument(m *manifest.VersionManifest) (VersionDocument, bool) {
	if m == nil || m.Current == "" {
		return VersionDocument{}, false
	}
	doc := VersionDocument{
		Version:      m.Current,
		DeploymentID: m.DeploymentFor(m.Current),
	}
	if rec, ok := m.Versions[m.Current]; ok {
		doc.Timestamp = rec.Timestamp
	}
	return doc, true
}

// NewClientManifest projects m onto the fields clients are allowed to see.
func NewClientManifest(m *manifest.VersionManifest) ClientManifest {
	out := ClientManifest{Versions: make(map[string]ClientVersion)}
	if m == nil {
		return out
	}
	out.Current = m.Current
	for id, rec := range m.Versions {
		chunks := rec.DeletedChunks
		if chunks == nil {
			chunks = []string{}
		}
		out.Versions[id] = ClientVersion{Timestamp: rec.Timestamp, DeletedChunks: chunks}
	}
	return out
}

// HandleVersion serves the version document with caching disabled.
func HandleVersion(cache *manifest.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		doc, ok := NewVersionDocument(cache.Snapshot(c.Request.Context()))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no version published"})
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

// HandleClientManifest serves the client manifest view.
func HandleClientManifest(cache *manifest.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, NewClientManifest(cache.Snapshot(c.Request.Context())))
	}
}
