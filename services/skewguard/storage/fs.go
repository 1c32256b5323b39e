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
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// tmpSuffix marks in-flight writes; ListKeys never reports them.
const tmpSuffix = ".skewtmp"

// FileDriver is a filesystem-backed Driver. Each key maps to a file below
// the base directory, so "v3/_assets/a.js" lives at {baseDir}/v3/_assets/a.js.
//
// # Thread Safety
//
// Writes go to a temp file and are renamed into place, so concurrent
// readers never observe a partially written value.
type FileDriver struct {
	baseDir string
}

// NewFileDriver creates the base directory if needed.
func NewFileDriver(baseDir string) (*FileDriver, error) {
	if baseDir == "" {
		return nil, errors.New("fs storage requires a base directory")
	}
	//nolint:gosec // G301: 0755 is intentional for a shared asset directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure storage dir: %w", err)
	}
	return &FileDriver{baseDir: baseDir}, nil
}

func (d *FileDriver) Name() string { return string(TypeFS) }

// LocalPath returns the file backing key. The manifest watcher uses it to
// subscribe to filesystem notifications.
func (d *FileDriver) LocalPath(key string) string {
	return filepath.Join(d.baseDir, filepath.FromSlash(key))
}

func (d *FileDriver) Has(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(d.LocalPath(key))
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

func (d *FileDriver) GetRaw(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(d.LocalPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (d *FileDriver) SetRaw(_ context.Context, key string, data []byte) error {
	target := d.LocalPath(key)
	//nolint:gosec // G301: 0755 is intentional for a shared asset directory
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", key, err)
	}

	tmp := target + tmpSuffix
	//nolint:gosec // G306: 0644 is intentional for served asset files
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (d *FileDriver) Remove(_ context.Context, key string) error {
	err := os.Remove(d.LocalPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (d *FileDriver) ListKeys(_ context.Context, prefix string) ([]string, error) {
	// Walk only the directory that can contain matches.
	root := d.baseDir
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		root = d.LocalPath(prefix[:i])
	}

	keys := make([]string, 0)
	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if entry.IsDir() || strings.HasSuffix(p, tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(d.baseDir, p)
		if err != nil {
			return err
		}
		key := path.Clean(filepath.ToSlash(rel))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return keys, nil
}

func (d *FileDriver) Close() error { return nil }

var _ Driver = (*FileDriver)(nil)
