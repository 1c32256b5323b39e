// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package build runs the build-completion pipeline: register the version,
// compute deleted chunks, dedup assets, sweep retention and update the
// deployment mapping.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/skewguard/pkg/validation"
	"github.com/AleutianAI/skewguard/services/skewguard/dedup"
	"github.com/AleutianAI/skewguard/services/skewguard/deployment"
	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/retention"
)

var tracer = otel.Tracer("skewguard.build")

// Options configures a Pipeline.
type Options struct {
	// IndexAssets maintains manifest.AssetToDeployment for asset paths under
	// AssetsPrefix. Enabled for the edge platform.
	IndexAssets  bool
	AssetsPrefix string
}

// Request describes one completed build.
type Request struct {
	VersionID    string
	DeploymentID string

	// Assets are the rooted asset paths the build produced.
	Assets []string

	// Source provides the bytes for Assets.
	Source dedup.Source
}

// Report summarizes a pipeline run.
type Report struct {
	VersionID     string
	DeploymentID  string
	Existed       bool
	Previous      string
	DeletedChunks []string
	Dedup         *dedup.Result
	Retention     *retention.Result
	Mapping       map[string]string
	Manifest      *manifest.VersionManifest
	Duration      time.Duration
}

// Pipeline wires the build-time components together.
//
// # Limitations
//
//   - One pipeline run at a time per storage target. Nothing here locks
//     the manifest against a concurrent build.
type Pipeline struct {
	manifests *manifest.Store
	engine    *dedup.Engine
	sweeper   *retention.Sweeper
	mappings  *deployment.Manager
	opts      Options
}

// NewPipeline creates a Pipeline.
func NewPipeline(manifests *manifest.Store, engine *dedup.Engine, sweeper *retention.Sweeper, mappings *deployment.Manager, opts Options) *Pipeline {
	return &Pipeline{
		manifests: manifests,
		engine:    engine,
		sweeper:   sweeper,
		mappings:  mappings,
		opts:      opts,
	}
}

// Run executes the pipeline for req.
//
// # Description
//
// Steps, each persisting the manifest before the next begins:
//  1. Load the manifest strictly and reject a reused deployment id.
//  2. Register the version and compute deletedChunks against the version
//     that preceded it.
//  3. Dedup and upload assets.
//  4. Sweep retention.
//  5. Update the deployment mapping and, for edge, the asset index.
//
// # Outputs
//
//   - *Report: Populated on success.
//   - error: validation.ErrInvalidIdentifier for malformed ids,
//     deployment.ErrDeploymentIDReused (fatal), manifest read/write
//     failures or cancellation. Per-asset storage failures are reported in
//     Report.Dedup and Report.Retention instead.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Report, error) {
	manifestSegment, _, _ := strings.Cut(p.manifests.Key(), "/")
	if err := validation.ValidateVersionID(req.VersionID, manifestSegment); err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	if err := validation.ValidateDeploymentID(req.DeploymentID); err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	if req.Source == nil {
		return nil, errors.New("build: asset source is required")
	}

	ctx, span := tracer.Start(ctx, "build.Pipeline",
		trace.WithAttributes(
			attribute.String("skew.version", req.VersionID),
			attribute.String("skew.deployment_id", req.DeploymentID),
			attribute.Int("skew.assets", len(req.Assets)),
		),
	)
	defer span.End()

	report, err := p.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	report := &Report{VersionID: req.VersionID, DeploymentID: req.DeploymentID}

	m, err := p.manifests.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := deployment.EnsureUnused(m, req.DeploymentID); err != nil {
		return nil, err
	}

	// Captured before Register: entries on the current sentinel move to the
	// version that was current, even when this build re-registers it.
	priorNewestFirst := currentFirst(m.VersionsNewestFirst(), m.Current)

	report.Existed = p.manifests.Register(m, req.VersionID, req.Assets)
	report.Previous = m.Previous(req.VersionID)
	rec := m.Versions[req.VersionID]
	if !report.Existed {
		if prev, ok := m.Versions[report.Previous]; ok {
			rec.DeletedChunks = dedup.DeletedChunks(prev.Assets, req.Assets)
		}
	}
	report.DeletedChunks = append([]string{}, rec.DeletedChunks...)
	if err := p.persist(ctx, m, "register"); err != nil {
		return nil, err
	}

	report.Dedup, err = p.engine.Apply(ctx, m, req.VersionID, req.Assets, report.Existed, req.Source)
	if err != nil {
		return nil, err
	}
	if err := p.persist(ctx, m, "dedup"); err != nil {
		return nil, err
	}

	report.Retention = p.sweeper.Sweep(ctx, m)
	if err := p.persist(ctx, m, "retention"); err != nil {
		return nil, err
	}

	p.mappings.Apply(m, req.DeploymentID, priorNewestFirst)
	if p.opts.IndexAssets {
		p.indexAssets(m, req)
	}
	if err := p.persist(ctx, m, "mapping"); err != nil {
		return nil, err
	}

	report.Mapping = m.DeploymentMapping
	report.Manifest = m
	report.Duration = time.Since(start)

	slog.Info("Build registered",
		"version", req.VersionID,
		"deployment_id", req.DeploymentID,
		"rebuild", report.Existed,
		"previous", report.Previous,
		"deleted_chunks", len(report.DeletedChunks),
		"evicted", report.Retention.Evicted,
		"asset_errors", len(report.Dedup.Errors),
		"duration_ms", report.Duration.Milliseconds())
	return report, nil
}

func (p *Pipeline) persist(ctx context.Context, m *manifest.VersionManifest, step string) error {
	if err := p.manifests.Put(ctx, m); err != nil {
		return fmt.Errorf("build step %s: %w", step, err)
	}
	return nil
}

// indexAssets points every asset under the assets prefix at the new
// deployment and drops entries whose deployment is no longer mapped.
func (p *Pipeline) indexAssets(m *manifest.VersionManifest, req Request) {
	if m.AssetToDeployment == nil {
		m.AssetToDeployment = make(map[string]string)
	}
	for asset, dpl := range m.AssetToDeployment {
		if _, ok := m.DeploymentMapping[dpl]; !ok {
			delete(m.AssetToDeployment, asset)
		}
	}
	for _, asset := range m.Versions[req.VersionID].Assets {
		if p.opts.AssetsPrefix == "" || strings.HasPrefix(asset, p.opts.AssetsPrefix) {
			m.AssetToDeployment[asset] = req.DeploymentID
		}
	}
}

// currentFirst moves current to the front of ids, leaving the rest in order.
func currentFirst(ids []string, current string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v == current {
			out = append([]string{v}, out...)
			continue
		}
		out = append(out, v)
	}
	return out
}
