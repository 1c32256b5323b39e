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
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// Edge forwarding modes.
const (
	EdgeModeRedirect = "redirect"
	EdgeModeProxy    = "proxy"
)

// DefaultEdgeTimeout bounds proxied upstream calls.
const DefaultEdgeTimeout = 10 * time.Second

// deploymentPlaceholder is replaced by the deployment id in OriginTemplate.
const deploymentPlaceholder = "{deployment}"

// EdgeConfig configures forwarding to per-deployment origins.
type EdgeConfig struct {
	// OriginTemplate builds a deployment's origin, e.g.
	// "https://{deployment}.preview.example.com".
	OriginTemplate string `yaml:"origin_template"`

	// Mode is "redirect" (302 to the origin) or "proxy".
	Mode string `yaml:"mode" validate:"omitempty,oneof=redirect proxy"`

	// Timeout bounds a proxied request. A hung upstream becomes a 404.
	Timeout time.Duration `yaml:"timeout"`
}

// forwarder sends a request to the origin of a specific deployment.
type forwarder struct {
	template  string
	mode      string
	transport http.RoundTripper
}

func newForwarder(cfg EdgeConfig) (*forwarder, error) {
	if !strings.Contains(cfg.OriginTemplate, deploymentPlaceholder) {
		return nil, fmt.Errorf("edge origin_template must contain %s", deploymentPlaceholder)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = EdgeModeRedirect
	}
	if mode != EdgeModeRedirect && mode != EdgeModeProxy {
		return nil, fmt.Errorf("unknown edge mode %q", mode)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultEdgeTimeout
	}
	return &forwarder{
		template: cfg.OriginTemplate,
		mode:     mode,
		transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   16,
		},
	}, nil
}

// origin returns the base URL for deployment dpl.
func (f *forwarder) origin(dpl string) (*url.URL, error) {
	if dpl == "" || strings.ContainsAny(dpl, "/?#@:") {
		return nil, fmt.Errorf("invalid deployment id %q", dpl)
	}
	u, err := url.Parse(strings.ReplaceAll(f.template, deploymentPlaceholder, dpl))
	if err != nil {
		return nil, fmt.Errorf("build origin for %q: %w", dpl, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("origin template must produce an absolute URL")
	}
	return u, nil
}

// forward answers w with a redirect to, or a proxied response from, the
// deployment's origin. Any failure is answered with 404.
func (f *forwarder) forward(w http.ResponseWriter, r *http.Request, dpl string, notFound func(http.ResponseWriter, string)) {
	target, err := f.origin(dpl)
	if err != nil {
		slog.Warn("Edge forward rejected", "deployment_id", dpl, "error", err)
		notFound(w, "unknown deployment")
		return
	}

	if f.mode == EdgeModeRedirect {
		loc := *target
		loc.Path = singleJoin(target.Path, r.URL.Path)
		loc.RawQuery = r.URL.RawQuery
		http.Redirect(w, r, loc.String(), http.StatusFound)
		return
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: f.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("Edge proxy failed", "deployment_id", dpl, "path", r.URL.Path, "error", err)
			notFound(w, "deployment origin unavailable")
		},
	}
	proxy.ServeHTTP(w, r)
}

func singleJoin(a, b string) string {
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}
