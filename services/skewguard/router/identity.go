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
	"net/http"
	"regexp"
	"strings"
)

// Default identity signal names.
const (
	DefaultIdentityHeader = "X-Deployment-Id"
	DefaultIdentityQuery  = "dpl"
	DefaultIdentityCookie = "__skew_dpl"
)

// Hint sources, in priority order.
const (
	SourceHeader = "header"
	SourceQuery  = "query"
	SourceCookie = "cookie"
	SourceIndex  = "asset_index"
	SourceNone   = "none"
)

// Identity names the request signals that carry a deployment hint.
type Identity struct {
	Header string
	Query  string
	Cookie string
}

func (id Identity) withDefaults() Identity {
	if id.Header == "" {
		id.Header = DefaultIdentityHeader
	}
	if id.Query == "" {
		id.Query = DefaultIdentityQuery
	}
	if id.Cookie == "" {
		id.Cookie = DefaultIdentityCookie
	}
	return id
}

// Extract returns the deployment hint carried by r and where it came from.
// Header beats query parameter beats cookie.
func (id Identity) Extract(r *http.Request) (hint, source string) {
	if v := strings.TrimSpace(r.Header.Get(id.Header)); v != "" {
		return v, SourceHeader
	}
	if v := strings.TrimSpace(r.URL.Query().Get(id.Query)); v != "" {
		return v, SourceQuery
	}
	if c, err := r.Cookie(id.Cookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), SourceCookie
	}
	return "", SourceNone
}

// botPattern matches crawler user agents.
var botPattern = regexp.MustCompile(`(?i)(bot|crawl|spider|slurp|facebookexternalhit|embedly|quora link preview|outbrain|pinterest|vkshare|w3c_validator|lighthouse|headlesschrome)`)

// IsBot reports whether userAgent looks like an automated crawler.
func IsBot(userAgent string) bool {
	return userAgent != "" && botPattern.MatchString(userAgent)
}

// IsDocumentRequest reports whether r is a top-level HTML navigation.
//
// # Description
//
// Sec-Fetch-Dest is authoritative when present. Otherwise a GET or HEAD
// whose Accept header prefers text/html and whose path is outside the
// versioned assets prefix counts as a document.
func IsDocumentRequest(r *http.Request, assetsPrefix string) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if assetsPrefix != "" && strings.HasPrefix(r.URL.Path, assetsPrefix) {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
