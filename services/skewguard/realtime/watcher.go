// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
)

// DefaultPollInterval is how often the Watcher re-reads the manifest.
const DefaultPollInterval = 5 * time.Second

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// PollInterval is the fallback poll period. Zero uses the default.
	PollInterval time.Duration

	// ManifestPath is the local file backing the manifest, if any. When
	// set, filesystem events on it trigger an immediate check.
	ManifestPath string
}

// Watcher detects changes of the current version and publishes them.
//
// # Description
//
// Builds run in a separate process, so the server only learns about a new
// version by observing the manifest. Each check invalidates the snapshot
// cache, reloads it, and publishes version-update when Current differs
// from the last observed value. The first observation only records the
// baseline.
//
// # Thread Safety
//
// Start and Stop may be called from any goroutine. Checks are serialized.
type Watcher struct {
	cache    *manifest.Cache
	notifier Notifier
	cfg      WatcherConfig

	checkMu  sync.Mutex
	last     string
	observed bool

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a Watcher. notifier may be NoopNotifier when the
// platform holds no connections; the cache is still refreshed.
func NewWatcher(cache *manifest.Cache, notifier Notifier, cfg WatcherConfig) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Watcher{cache: cache, notifier: notifier, cfg: cfg}
}

// Check runs one detection pass and reports whether a change was published.
func (w *Watcher) Check(ctx context.Context) bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	w.cache.Invalidate()
	current := w.cache.Snapshot(ctx).Current

	if !w.observed {
		w.observed = true
		w.last = current
		return false
	}
	if current == "" || current == w.last {
		return false
	}

	slog.Info("Current version changed", "previous", w.last, "current", current)
	w.last = current
	w.notifier.Publish(ctx, current)
	return true
}

// Start begins watching in the background. Calling Start twice without Stop
// is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	w.done = make(chan struct{})
	w.stopped = make(chan struct{})

	events, closeFS := w.watchFile()
	w.Check(ctx)

	go func(done, stopped chan struct{}) {
		defer close(stopped)
		defer closeFS()

		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Check(ctx)
			case <-events:
				w.Check(ctx)
			}
		}
	}(w.done, w.stopped)

	slog.Info("Manifest watcher started",
		"poll_interval", w.cfg.PollInterval,
		"manifest_path", w.cfg.ManifestPath)
}

// Stop halts the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	done, stopped := w.done, w.stopped
	w.done, w.stopped = nil, nil
	w.mu.Unlock()

	if done == nil {
		return
	}
	close(done)
	<-stopped
}

// watchFile subscribes to the manifest's directory. Writers replace the
// file by rename, so the directory is watched and events are filtered by
// name. A nil channel is returned when there is nothing to watch.
func (w *Watcher) watchFile() (<-chan struct{}, func()) {
	noop := func() {}
	if w.cfg.ManifestPath == "" {
		return nil, noop
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, polling only", "error", err)
		return nil, noop
	}
	dir := filepath.Dir(w.cfg.ManifestPath)
	if err := fsw.Add(dir); err != nil {
		slog.Warn("Failed to watch manifest directory, polling only", "dir", dir, "error", err)
		_ = fsw.Close()
		return nil, noop
	}

	name := filepath.Base(w.cfg.ManifestPath)
	out := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				slog.Warn("fsnotify error", "error", err)
			}
		}
	}()
	return out, func() { _ = fsw.Close() }
}
