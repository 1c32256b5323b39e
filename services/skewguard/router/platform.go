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

import "fmt"

// Platform is the closed set of hosting strategies. It is chosen once at
// startup and decides which optional behaviors are active.
type Platform string

const (
	// PlatformGeneric is a long-lived server with shared storage. Assets are
	// served from storage and realtime sessions are held.
	PlatformGeneric Platform = "generic"

	// PlatformServerless has shared storage but cannot hold connections;
	// clients poll the version document.
	PlatformServerless Platform = "serverless"

	// PlatformEdge routes stale requests to per-deployment origins using
	// the deployment mapping and the asset index.
	PlatformEdge Platform = "edge"
)

// ParsePlatform validates s. Empty means generic.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case "":
		return PlatformGeneric, nil
	case PlatformGeneric, PlatformServerless, PlatformEdge:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform %q (want generic, serverless or edge)", s)
	}
}

// HoldsConnections reports whether the realtime broadcaster runs.
func (p Platform) HoldsConnections() bool { return p == PlatformGeneric }

// ForwardsToOrigins reports whether stale requests may be sent to a
// deployment's own origin.
func (p Platform) ForwardsToOrigins() bool { return p == PlatformEdge }

// IndexesAssets reports whether builds maintain the asset to deployment
// index.
func (p Platform) IndexesAssets() bool { return p == PlatformEdge }
