// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/skewguard/services/skewguard/observability"
)

// ErrUnsupportedType is returned by NewFromConfig for unknown backends.
var ErrUnsupportedType = errors.New("storage: unsupported backend type")

// Type identifies a storage backend.
type Type string

const (
	TypeMemory Type = "memory"
	TypeFS     Type = "fs"
	TypeBadger Type = "badger"
	TypeS3     Type = "s3"
	TypeGCS    Type = "gcs"
	TypeRedis  Type = "redis"
)

// DefaultOpTimeout bounds each storage call when the config leaves it unset.
const DefaultOpTimeout = 10 * time.Second

// FSConfig configures the filesystem backend.
type FSConfig struct {
	Dir string `yaml:"dir"`
}

// Config selects and configures a backend.
type Config struct {
	Type      Type          `yaml:"type" validate:"required,oneof=memory fs badger s3 gcs redis"`
	OpTimeout time.Duration `yaml:"op_timeout"`

	FS     FSConfig     `yaml:"fs"`
	Badger BadgerConfig `yaml:"badger"`
	S3     S3Config     `yaml:"s3"`
	GCS    GCSConfig    `yaml:"gcs"`
	Redis  RedisConfig  `yaml:"redis"`
}

// NewDriver constructs the raw backend named by cfg.Type.
func NewDriver(ctx context.Context, cfg Config) (Driver, error) {
	switch cfg.Type {
	case TypeMemory:
		return NewMemoryDriver(), nil
	case TypeFS, "":
		dir := cfg.FS.Dir
		if dir == "" {
			dir = "./.skewguard"
		}
		return NewFileDriver(dir)
	case TypeBadger:
		return OpenBadger(cfg.Badger)
	case TypeS3:
		return NewS3Driver(ctx, cfg.S3)
	case TypeGCS:
		return NewGCSDriver(ctx, cfg.GCS)
	case TypeRedis:
		return NewRedisDriver(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, cfg.Type)
	}
}

// NewFromConfig builds a Store for cfg, wiring the op timeout and metrics.
//
// # Inputs
//
//   - ctx: Used only while connecting to remote backends.
//   - cfg: Backend selection. An empty Type means "fs".
//   - metrics: Optional metrics sink. May be nil.
//
// # Outputs
//
//   - Store: Ready to use. Caller must Close it.
//   - error: ErrUnsupportedType, or the backend's connection error.
func NewFromConfig(ctx context.Context, cfg Config, metrics *observability.Metrics) (Store, error) {
	driver, err := NewDriver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	slog.Info("Storage backend initialized", "backend", driver.Name(), "op_timeout", timeout)
	return New(driver, Options{Timeout: timeout, Metrics: metrics}), nil
}
