// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package skewguard

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/skewguard/services/skewguard/build"
	"github.com/AleutianAI/skewguard/services/skewguard/config"
	"github.com/AleutianAI/skewguard/services/skewguard/dedup"
	"github.com/AleutianAI/skewguard/services/skewguard/deployment"
	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
	"github.com/AleutianAI/skewguard/services/skewguard/observability"
	"github.com/AleutianAI/skewguard/services/skewguard/retention"
	"github.com/AleutianAI/skewguard/services/skewguard/router"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

// Components are the storage-backed building blocks shared by the server
// and the one-shot CLI commands. Each is constructed exactly once.
type Components struct {
	Config    config.Config
	Metrics   *observability.Metrics
	Store     storage.Store
	Manifests *manifest.Store
	Cache     *manifest.Cache
	Engine    *dedup.Engine
	Sweeper   *retention.Sweeper
	Mappings  *deployment.Manager
	Pipeline  *build.Pipeline
}

// NewComponents opens storage and wires the build-time components.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - reg: Metrics registerer. Nil disables metrics.
//
// # Outputs
//
//   - *Components: Caller must call Close.
//   - error: Storage could not be opened.
func NewComponents(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*Components, error) {
	var metrics *observability.Metrics
	if reg != nil {
		metrics = observability.NewMetrics(reg)
	}

	store, err := storage.NewFromConfig(ctx, cfg.Storage, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	manifests := manifest.NewStore(store, manifest.Options{
		Key:       cfg.Manifest.Key,
		Retention: cfg.Retention.MaxAge,
	})
	sweeper := retention.NewSweeper(store, retention.Policy{
		MaxAge:      cfg.Retention.MaxAge,
		MaxVersions: cfg.Retention.MaxVersions,
	}, metrics, manifests.Now)
	engine := dedup.NewEngine(store, dedup.Options{
		Concurrency:   cfg.Dedup.Concurrency,
		VerifyContent: cfg.Dedup.VerifyContent,
		Metrics:       metrics,
	})
	mappings := deployment.NewManager(manifests, cfg.Retention.MaxVersions)

	platform := router.Platform(cfg.Platform)
	pipeline := build.NewPipeline(manifests, engine, sweeper, mappings, build.Options{
		IndexAssets:  platform.IndexesAssets(),
		AssetsPrefix: cfg.Router.AssetsPrefix,
	})

	return &Components{
		Config:    cfg,
		Metrics:   metrics,
		Store:     store,
		Manifests: manifests,
		Cache:     manifest.NewCache(manifests, cfg.Manifest.CacheTTL),
		Engine:    engine,
		Sweeper:   sweeper,
		Mappings:  mappings,
		Pipeline:  pipeline,
	}, nil
}

// Build runs the build pipeline over every file below dir.
func (c *Components) Build(ctx context.Context, dir, versionID, deploymentID string) (*build.Report, error) {
	src := dedup.DirSource{Root: dir}
	assets, err := src.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list build output %s: %w", dir, err)
	}
	return c.Pipeline.Run(ctx, build.Request{
		VersionID:    versionID,
		DeploymentID: deploymentID,
		Assets:       assets,
		Source:       src,
	})
}

// Sweep applies retention once and persists the result.
func (c *Components) Sweep(ctx context.Context) (*retention.Result, error) {
	return c.Sweeper.SweepStore(ctx, c.Manifests)
}

// Close releases storage.
func (c *Components) Close() error {
	return c.Store.Close()
}
