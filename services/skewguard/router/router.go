// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router answers requests that the origin could not satisfy for the
// current build: stale hashed assets, API calls pinned to an old
// deployment, and document navigations.
//
// # Description
//
// The core is Router.Resolve, which walks the fallback chain for one asset
// path and identity hint and returns a Resolution. The gin handlers in
// handler.go turn a Resolution into a response. Document requests never go
// through Resolve: they always get the current build.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/skewguard/services/skewguard/dedup"
	"github.com/AleutianAI/skewguard/services/skewguard/deployment"
	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/observability"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

var tracer = otel.Tracer("skewguard.router")

// Defaults for Config.
const (
	DefaultAssetsPrefix  = "/_assets/"
	DefaultIndexDocument = "/index.html"
	DefaultCookieMaxAge  = 24 * time.Hour
)

// Outcome is the terminal state of a resolution.
type Outcome string

const (
	OutcomeServe    Outcome = "served"
	OutcomeRedirect Outcome = "redirected"
	OutcomeForward  Outcome = "forwarded"
	OutcomeNotFound Outcome = "not_found"
)

// Resolution is the result of resolving one request.
type Resolution struct {
	Outcome Outcome

	// Version that satisfied the request (Serve) or the current version
	// (Redirect).
	Version string

	// Key is the storage key that was read (Serve).
	Key string

	// Body holds the asset bytes (Serve).
	Body []byte

	// Location is the redirect target (Redirect).
	Location string

	// Deployment is the deployment id whose origin should answer (Forward).
	Deployment string

	// HintSource names where the identity came from.
	HintSource string

	// Reason explains a NotFound.
	Reason string
}

// Config configures a Router.
type Config struct {
	Platform      Platform
	AssetsPrefix  string
	Identity      Identity
	CookieMaxAge  time.Duration
	IndexDocument string
	Edge          EdgeConfig
}

// Router resolves stale requests against the manifest and storage.
//
// # Thread Safety
//
// Safe for concurrent use. All state is read from immutable manifest
// snapshots and the storage port.
type Router struct {
	cfg       Config
	manifests *manifest.Cache
	store     storage.Store
	metrics   *observability.Metrics
	forwarder *forwarder
}

// New creates a Router.
//
// # Inputs
//
//   - cfg: Router settings. Zero values take the package defaults.
//   - manifests: Snapshot source. Required.
//   - store: Asset storage. Required.
//   - metrics: May be nil.
//
// # Outputs
//
//   - *Router: Ready to serve.
//   - error: Invalid edge configuration.
func New(cfg Config, manifests *manifest.Cache, store storage.Store, metrics *observability.Metrics) (*Router, error) {
	if cfg.Platform == "" {
		cfg.Platform = PlatformGeneric
	}
	if cfg.AssetsPrefix == "" {
		cfg.AssetsPrefix = DefaultAssetsPrefix
	}
	if cfg.IndexDocument == "" {
		cfg.IndexDocument = DefaultIndexDocument
	}
	if cfg.CookieMaxAge <= 0 {
		cfg.CookieMaxAge = DefaultCookieMaxAge
	}
	cfg.Identity = cfg.Identity.withDefaults()

	r := &Router{cfg: cfg, manifests: manifests, store: store, metrics: metrics}
	if cfg.Platform.ForwardsToOrigins() {
		fw, err := newForwarder(cfg.Edge)
		if err != nil {
			return nil, err
		}
		r.forwarder = fw
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Router) Config() Config { return r.cfg }

// Resolve walks the fallback chain for assetPath.
//
// # Description
//
//  1. With no hint and a path under the assets prefix, the asset index may
//     name a deployment; on the edge platform that deployment's origin
//     answers (Forward).
//  2. The hint resolves to a version via the deployment mapping. On edge, a
//     hint naming a non-current deployment is forwarded to its origin.
//  3. Storage is probed, first hit wins: the hinted version, the holder of
//     the path's fingerprint, every version listing the path (newest
//     first), the current version, then the unqualified path.
//  4. Otherwise, if a manifest exists, redirect to the path qualified with
//     the current deployment. If the hint already resolved to current the
//     redirect would loop, so the result is NotFound instead.
//
// Storage errors other than not-found are logged and treated as a miss.
//
// # Inputs
//
//   - assetPath: Rooted request path, e.g. "/_assets/app-1a2b3c4d.js".
//   - rawQuery: The request's query string, preserved on redirect.
//   - hint: Identity hint, "" if none.
//   - hintSource: Where hint came from. Informational.
func (r *Router) Resolve(ctx context.Context, assetPath, rawQuery, hint, hintSource string) Resolution {
	ctx, span := tracer.Start(ctx, "router.Resolve",
		trace.WithAttributes(
			attribute.String("skew.path", assetPath),
			attribute.String("skew.hint", hint),
			attribute.String("skew.hint_source", hintSource),
		),
	)
	defer span.End()

	res := r.resolve(ctx, assetPath, rawQuery, hint, hintSource)
	span.SetAttributes(
		attribute.String("skew.outcome", string(res.Outcome)),
		attribute.String("skew.version", res.Version),
	)
	r.metrics.RecordRouterOutcome(string(r.cfg.Platform), string(res.Outcome))
	return res
}

func (r *Router) resolve(ctx context.Context, assetPath, rawQuery, hint, hintSource string) Resolution {
	assetPath = cleanPath(assetPath)
	m := r.manifests.Snapshot(ctx)

	if hint == "" && strings.HasPrefix(assetPath, r.cfg.AssetsPrefix) {
		if dpl, ok := m.AssetToDeployment[assetPath]; ok && r.forwarder != nil && !isCurrentDeployment(m, dpl) {
			return Resolution{Outcome: OutcomeForward, Deployment: dpl, HintSource: SourceIndex}
		}
	}

	var hinted string
	if hint != "" {
		if v, ok := deployment.Resolve(m, hint); ok {
			hinted = v
		}
		if r.forwarder != nil && hinted != m.Current {
			if _, mapped := m.DeploymentMapping[hint]; mapped {
				return Resolution{Outcome: OutcomeForward, Deployment: hint, Version: hinted, HintSource: hintSource}
			}
		}
	}

	for _, key := range r.candidates(m, assetPath, hinted) {
		body, err := r.store.GetRaw(ctx, key)
		if err == nil {
			return Resolution{
				Outcome:    OutcomeServe,
				Version:    versionOfKey(m, key),
				Key:        key,
				Body:       body,
				HintSource: hintSource,
			}
		}
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("Asset probe failed", "key", key, "error", err)
		}
	}

	if m.IsEmpty() {
		return Resolution{Outcome: OutcomeNotFound, HintSource: hintSource, Reason: "no manifest"}
	}
	if hint != "" && hinted == m.Current {
		return Resolution{Outcome: OutcomeNotFound, Version: m.Current, HintSource: hintSource, Reason: "not in current version"}
	}
	return Resolution{
		Outcome:    OutcomeRedirect,
		Version:    m.Current,
		Location:   r.redirectLocation(m, assetPath, rawQuery),
		HintSource: hintSource,
	}
}

// candidates lists storage keys to probe, in order, without duplicates.
func (r *Router) candidates(m *manifest.VersionManifest, assetPath, hinted string) []string {
	seen := make(map[string]bool)
	keys := make([]string, 0, 4)
	add := func(key string) {
		if key != "" && !seen[key] && storage.ValidateKey(key) == nil {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	if hinted != "" {
		add(manifest.AssetKey(hinted, assetPath))
	}
	if m.IsEmpty() {
		add(strings.TrimLeft(assetPath, "/"))
		return keys
	}

	if fp := dedup.Fingerprint(assetPath); fp != "" {
		if holder, ok := m.FileIDToVersion[fp]; ok {
			add(manifest.AssetKey(holder, holderPath(m, holder, fp, assetPath)))
		}
	}
	for _, v := range m.VersionsNewestFirst() {
		if m.HasAsset(v, assetPath) {
			add(manifest.AssetKey(v, assetPath))
		}
	}
	add(manifest.AssetKey(m.Current, assetPath))
	add(strings.TrimLeft(assetPath, "/"))
	return keys
}

func (r *Router) redirectLocation(m *manifest.VersionManifest, assetPath, rawQuery string) string {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		q = url.Values{}
	}
	q.Set(r.cfg.Identity.Query, CurrentIdentity(m))
	return assetPath + "?" + q.Encode()
}

// CurrentIdentity is the identity value that resolves to m.Current: its
// deployment id when one is mapped, the version id otherwise.
func CurrentIdentity(m *manifest.VersionManifest) string {
	if dpl := m.DeploymentFor(m.Current); dpl != "" {
		return dpl
	}
	return m.Current
}

func isCurrentDeployment(m *manifest.VersionManifest, dpl string) bool {
	target, ok := m.DeploymentMapping[dpl]
	return ok && (target == manifest.CurrentSentinel || target == m.Current)
}

// holderPath finds the path under which holder stores fingerprint fp.
func holderPath(m *manifest.VersionManifest, holder, fp, fallback string) string {
	if rec, ok := m.Versions[holder]; ok {
		for _, a := range rec.Assets {
			if dedup.Fingerprint(a) == fp {
				return a
			}
		}
	}
	return fallback
}

// versionOfKey returns the version prefix of key if it names a retained
// version, or "" for unqualified keys.
func versionOfKey(m *manifest.VersionManifest, key string) string {
	head, _, found := strings.Cut(key, "/")
	if !found {
		return ""
	}
	if _, ok := m.Versions[head]; ok {
		return head
	}
	return ""
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// String renders a Resolution for logs.
func (res Resolution) String() string {
	switch res.Outcome {
	case OutcomeServe:
		return fmt.Sprintf("serve %s", res.Key)
	case OutcomeRedirect:
		return fmt.Sprintf("redirect %s", res.Location)
	case OutcomeForward:
		return fmt.Sprintf("forward to %s", res.Deployment)
	default:
		return fmt.Sprintf("not found (%s)", res.Reason)
	}
}
