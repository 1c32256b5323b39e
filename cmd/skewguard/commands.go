// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skewguard/pkg/logging"
	"github.com/AleutianAI/skewguard/pkg/validation"
	"github.com/AleutianAI/skewguard/services/skewguard"
	"github.com/AleutianAI/skewguard/services/skewguard/config"
)

// cli carries state shared by every subcommand of one root command.
type cli struct {
	configPath string
	cfg        config.Config
	logger     *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "skewguard",
		Short: "Version and asset skew protection for web deployments",
		Long: `skewguard keeps the assets of recent builds reachable so that clients
loaded from an older deployment keep working after a new one goes live,
and tells connected clients when a new version is available.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if c.logger != nil {
				return c.logger.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "skewguard.yaml", "path to the YAML config file")

	root.AddCommand(
		c.serveCmd(),
		c.buildCmd(),
		c.statusCmd(),
		c.sweepCmd(),
		c.publishCmd(),
	)
	return root
}

// setup loads configuration and installs the process logger.
func (c *cli) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		return err
	}
	c.logger = logger
	slog.SetDefault(logger.Slog())
	return nil
}

// withComponents opens storage for a one-shot command.
func (c *cli) withComponents(ctx context.Context, fn func(*skewguard.Components) error) error {
	comps, err := skewguard.NewComponents(ctx, c.cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			slog.Warn("Storage close error", "error", err)
		}
	}()
	return fn(comps)
}

// =============================================================================
// serve
// =============================================================================

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the asset router, version endpoints and realtime updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := skewguard.New(ctx, c.cfg)
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		},
	}
}

// =============================================================================
// build
// =============================================================================

func (c *cli) buildCmd() *cobra.Command {
	var dist, versionID, deploymentID string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Register a build output directory as a new version",
		Example: `  skewguard build --dist ./dist --version "$(git rev-parse HEAD)" --deployment-id "$CI_RUN_ID"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			versionID, err := validation.SanitizeIdentifier("version id", versionID)
			if err != nil {
				return err
			}
			deploymentID, err := validation.SanitizeIdentifier("deployment id", deploymentID)
			if err != nil {
				return err
			}
			return c.withComponents(cmd.Context(), func(comps *skewguard.Components) error {
				report, err := comps.Build(cmd.Context(), dist, versionID, deploymentID)
				if err != nil {
					return err
				}
				renderBuildReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dist, "dist", "dist", "build output directory")
	cmd.Flags().StringVar(&versionID, "version", "", "version id of this build")
	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "deployment id, unique per deploy")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("deployment-id")
	return cmd
}

// =============================================================================
// status
// =============================================================================

func (c *cli) statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show retained versions and deployment mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withComponents(cmd.Context(), func(comps *skewguard.Components) error {
				m, err := comps.Manifests.Load(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(m)
				}
				renderStatus(cmd.OutOrStdout(), m, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw manifest")
	return cmd
}

// =============================================================================
// sweep
// =============================================================================

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply the retention policy once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withComponents(cmd.Context(), func(comps *skewguard.Components) error {
				res, err := comps.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				renderSweep(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
}

// =============================================================================
// publish
// =============================================================================

func (c *cli) publishCmd() *cobra.Command {
	var server, version string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Ask a running server to announce a version to connected clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Admin.Token == "" {
				return fmt.Errorf("admin.token is not configured; the publish endpoint is disabled")
			}
			if server == "" {
				server = fmt.Sprintf("http://localhost:%d", c.cfg.Server.Port)
			}
			out, err := publish(cmd.Context(), http.DefaultClient, server, c.cfg.Admin.Token, version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Announced %s to %d session(s)\n",
				Styles.Success.Render("✓"), Styles.Bold.Render(out.Version), out.Delivered)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server base URL (default http://localhost:{server.port})")
	cmd.Flags().StringVar(&version, "version", "", "version to announce (default: the manifest's current version)")
	return cmd
}

type publishResponse struct {
	Version   string `json:"version"`
	Delivered int    `json:"delivered"`
	Error     string `json:"error"`
}

func publish(ctx context.Context, client *http.Client, server, token, version string) (*publishResponse, error) {
	body, err := json.Marshal(map[string]string{"version": version})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(server, "/")+"/_skew/publish", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read publish response: %w", err)
	}
	var out publishResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode publish response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("publish rejected with status %d: %s", resp.StatusCode, out.Error)
	}
	return &out, nil
}
