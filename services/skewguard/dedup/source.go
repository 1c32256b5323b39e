// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dedup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source provides the bytes of a freshly built version's assets.
type Source interface {
	ReadAsset(ctx context.Context, assetPath string) ([]byte, error)
}

// DirSource reads assets from a build output directory. Asset paths are
// rooted at Root, so "/_assets/a-1234abcd.js" is {Root}/_assets/a-1234abcd.js.
type DirSource struct {
	Root string
}

// ReadAsset reads one asset from disk.
func (d DirSource) ReadAsset(_ context.Context, assetPath string) ([]byte, error) {
	rel := strings.TrimLeft(filepath.Clean("/"+assetPath), "/")
	data, err := os.ReadFile(filepath.Join(d.Root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("read build asset %s: %w", assetPath, err)
	}
	return data, nil
}

// List returns every file below Root as a rooted, slash-separated asset
// path, sorted.
func (d DirSource) List() ([]string, error) {
	var assets []string
	err := filepath.WalkDir(d.Root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.Root, p)
		if err != nil {
			return err
		}
		assets = append(assets, "/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list build output %s: %w", d.Root, err)
	}
	sort.Strings(assets)
	return assets, nil
}

// MapSource serves assets from memory. Keys are asset paths.
type MapSource map[string][]byte

// ReadAsset returns the bytes for assetPath.
func (m MapSource) ReadAsset(_ context.Context, assetPath string) ([]byte, error) {
	data, ok := m[assetPath]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", assetPath, os.ErrNotExist)
	}
	return data, nil
}

// Paths returns the keys of m, sorted.
func (m MapSource) Paths() []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
