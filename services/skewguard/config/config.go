// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/skewguard/services/skewguard/router"
	"github.com/AleutianAI/skewguard/services/skewguard/storage"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SKEWGUARD_"

var configValidate = validator.New()

// =============================================================================
// Config Types
// =============================================================================

// Config is the full skewguard configuration.
//
// # Description
//
// Loaded with priority env > file > defaults. Durations are YAML strings
// such as "30s" or "168h".
//
// # Thread Safety
//
// Safe to read concurrently. Not safe to modify after Load returns.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Platform  string          `yaml:"platform" validate:"oneof=generic serverless edge"`
	Storage   storage.Config  `yaml:"storage"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Retention RetentionConfig `yaml:"retention"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Router    RouterConfig    `yaml:"router"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	GinMode         string        `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// ManifestConfig configures the manifest document.
type ManifestConfig struct {
	Key      string        `yaml:"key" validate:"required"`
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

// RetentionConfig bounds how many versions stay live. Zero disables a limit.
type RetentionConfig struct {
	MaxAge        time.Duration `yaml:"max_age" validate:"gte=0"`
	MaxVersions   int           `yaml:"max_versions" validate:"gte=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// DedupConfig configures the asset deduplication engine.
type DedupConfig struct {
	VerifyContent bool `yaml:"verify_content"`
	Concurrency   int  `yaml:"concurrency" validate:"gte=0,lte=256"`
}

// RouterConfig configures the asset request router.
type RouterConfig struct {
	AssetsPrefix   string            `yaml:"assets_prefix" validate:"required,startswith=/,endswith=/"`
	IdentityHeader string            `yaml:"identity_header"`
	IdentityQuery  string            `yaml:"identity_query"`
	IdentityCookie string            `yaml:"identity_cookie"`
	CookieMaxAge   time.Duration     `yaml:"cookie_max_age" validate:"gte=0"`
	IndexDocument  string            `yaml:"index_document" validate:"required,startswith=/"`
	Edge           router.EdgeConfig `yaml:"edge"`
}

// RealtimeConfig configures the realtime broadcaster and manifest watcher.
type RealtimeConfig struct {
	Enabled             bool          `yaml:"enabled"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`
	PollInterval        time.Duration `yaml:"poll_interval" validate:"gte=0"`
	MaxInboundPerSecond float64       `yaml:"max_inbound_per_second" validate:"gte=0"`
}

// AdminConfig protects the admin endpoints. An empty token disables them.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	OTLPEndpoint  string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	ServiceName   string `yaml:"service_name" validate:"required"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			GinMode:         "release",
			ShutdownTimeout: 15 * time.Second,
		},
		Platform: string(router.PlatformGeneric),
		Storage: storage.Config{
			Type:      storage.TypeFS,
			OpTimeout: storage.DefaultOpTimeout,
			FS:        storage.FSConfig{Dir: "./.skewguard"},
		},
		Manifest: ManifestConfig{
			Key:      "__skew/manifest.json",
			CacheTTL: 2 * time.Second,
		},
		Retention: RetentionConfig{
			MaxAge:      7 * 24 * time.Hour,
			MaxVersions: 5,
		},
		Dedup: DedupConfig{Concurrency: 8},
		Router: RouterConfig{
			AssetsPrefix:   router.DefaultAssetsPrefix,
			IdentityHeader: router.DefaultIdentityHeader,
			IdentityQuery:  router.DefaultIdentityQuery,
			IdentityCookie: router.DefaultIdentityCookie,
			CookieMaxAge:   router.DefaultCookieMaxAge,
			IndexDocument:  router.DefaultIndexDocument,
			Edge:           router.EdgeConfig{Mode: router.EdgeModeRedirect, Timeout: router.DefaultEdgeTimeout},
		},
		Realtime: RealtimeConfig{
			Enabled:             true,
			HeartbeatInterval:   30 * time.Second,
			PollInterval:        5 * time.Second,
			MaxInboundPerSecond: 5,
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
			OTLPEndpoint:  "localhost:4317",
			ServiceName:   "skewguard",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads configuration with priority env > file > defaults.
//
// # Inputs
//
//   - path: YAML file. Empty or missing means defaults only.
//
// # Outputs
//
//   - Config: Merged configuration.
//   - error: Parse failures, or ErrInvalidConfig when validation fails.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Platform == string(router.PlatformEdge) && c.Router.Edge.OriginTemplate == "" {
		return fmt.Errorf("%w: platform edge requires router.edge.origin_template", ErrInvalidConfig)
	}
	return nil
}

// envVar binds one environment variable to a field setter.
type envVar struct {
	name string
	set  func(cfg *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(cfg) = i
		return nil
	}
}

func float(dst func(*Config) *float64) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(cfg) = f
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(cfg) = d
		return nil
	}
}

var envVars = []envVar{
	{"PORT", integer(func(c *Config) *int { return &c.Server.Port })},
	{"GIN_MODE", str(func(c *Config) *string { return &c.Server.GinMode })},
	{"PLATFORM", str(func(c *Config) *string { return &c.Platform })},
	{"STORAGE_TYPE", func(c *Config, v string) error { c.Storage.Type = storage.Type(v); return nil }},
	{"STORAGE_DIR", str(func(c *Config) *string { return &c.Storage.FS.Dir })},
	{"BADGER_PATH", str(func(c *Config) *string { return &c.Storage.Badger.Path })},
	{"S3_BUCKET", str(func(c *Config) *string { return &c.Storage.S3.Bucket })},
	{"S3_REGION", str(func(c *Config) *string { return &c.Storage.S3.Region })},
	{"S3_ENDPOINT", str(func(c *Config) *string { return &c.Storage.S3.Endpoint })},
	{"GCS_BUCKET", str(func(c *Config) *string { return &c.Storage.GCS.Bucket })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Storage.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Storage.Redis.Password })},
	{"RETENTION_MAX_AGE", duration(func(c *Config) *time.Duration { return &c.Retention.MaxAge })},
	{"RETENTION_MAX_VERSIONS", integer(func(c *Config) *int { return &c.Retention.MaxVersions })},
	{"RETENTION_SWEEP_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Retention.SweepInterval })},
	{"DEDUP_VERIFY_CONTENT", boolean(func(c *Config) *bool { return &c.Dedup.VerifyContent })},
	{"ASSETS_PREFIX", str(func(c *Config) *string { return &c.Router.AssetsPrefix })},
	{"EDGE_ORIGIN_TEMPLATE", str(func(c *Config) *string { return &c.Router.Edge.OriginTemplate })},
	{"REALTIME_ENABLED", boolean(func(c *Config) *bool { return &c.Realtime.Enabled })},
	{"REALTIME_MAX_INBOUND_PER_SECOND", float(func(c *Config) *float64 { return &c.Realtime.MaxInboundPerSecond })},
	{"ADMIN_TOKEN", str(func(c *Config) *string { return &c.Admin.Token })},
	{"TRACE_EXPORTER", str(func(c *Config) *string { return &c.Telemetry.TraceExporter })},
	{"OTEL_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.OTLPEndpoint })},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = strings.ToLower(v); return nil }},
	{"LOG_DIR", str(func(c *Config) *string { return &c.Logging.Dir })},
	{"LOG_JSON", boolean(func(c *Config) *bool { return &c.Logging.JSON })},
}

// applyEnv overlays SKEWGUARD_* variables. A malformed value is an error
// rather than a silent fallback.
func applyEnv(cfg *Config, getenv func(string) string) error {
	for _, ev := range envVars {
		v := getenv(EnvPrefix + ev.name)
		if v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, ev.name, v, err)
		}
	}
	return nil
}

// RouterSettings converts the router and platform sections into router.Config.
func (c Config) RouterSettings() router.Config {
	return router.Config{
		Platform:     router.Platform(c.Platform),
		AssetsPrefix: c.Router.AssetsPrefix,
		Identity: router.Identity{
			Header: c.Router.IdentityHeader,
			Query:  c.Router.IdentityQuery,
			Cookie: c.Router.IdentityCookie,
		},
		CookieMaxAge:  c.Router.CookieMaxAge,
		IndexDocument: c.Router.IndexDocument,
		Edge:          c.Router.Edge,
	}
}
