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
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig holds configuration for the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key. Empty uses Application
	// Default Credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// GCSDriver stores keys as objects in a GCS bucket.
type GCSDriver struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSDriver creates a GCS-backed driver.
func NewGCSDriver(ctx context.Context, cfg GCSConfig) (*GCSDriver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs storage requires a bucket")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSDriver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (d *GCSDriver) Name() string { return string(TypeGCS) }

func (d *GCSDriver) object(key string) *storage.ObjectHandle {
	return d.client.Bucket(d.bucket).Object(d.prefix + key)
}

func (d *GCSDriver) Has(ctx context.Context, key string) (bool, error) {
	_, err := d.object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs attrs %s: %w", key, err)
}

func (d *GCSDriver) GetRaw(ctx context.Context, key string) ([]byte, error) {
	reader, err := d.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("gcs get %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", key, err)
	}
	return data, nil
}

func (d *GCSDriver) SetRaw(ctx context.Context, key string, data []byte) error {
	w := d.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close writer for %s: %w", key, err)
	}
	return nil
}

func (d *GCSDriver) Remove(ctx context.Context, key string) error {
	err := d.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return nil
}

func (d *GCSDriver) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	it := d.client.Bucket(d.bucket).Objects(ctx, &storage.Query{Prefix: d.prefix + prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %q: %w", prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, d.prefix))
	}
	return keys, nil
}

func (d *GCSDriver) Close() error { return d.client.Close() }

var _ Driver = (*GCSDriver)(nil)
