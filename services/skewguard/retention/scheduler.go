// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/skewguard/services/skewguard/manifest"
)

// ErrSchedulerRunning is returned by Start on a running scheduler.
var ErrSchedulerRunning = errors.New("retention scheduler is already running")

// Scheduler runs retention sweeps on a fixed interval.
//
// # Description
//
// Uses the ticker + done channel pattern. Each cycle loads the manifest,
// sweeps it and persists it. A cycle also runs immediately on Start.
//
// # Limitations
//
//   - Sweeps are manifest writes. Do not enable the scheduler on a storage
//     target that is concurrently receiving builds.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use.
type Scheduler struct {
	sweeper  *Sweeper
	store    *manifest.Store
	interval time.Duration

	// onSweep is called after each successful cycle. May be nil.
	onSweep func(*Result)

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewScheduler creates a Scheduler. onSweep may be nil.
func NewScheduler(sweeper *Sweeper, store *manifest.Store, interval time.Duration, onSweep func(*Result)) *Scheduler {
	return &Scheduler{
		sweeper:  sweeper,
		store:    store,
		interval: interval,
		onSweep:  onSweep,
	}
}

// Start launches the background loop. It stops when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("Retention scheduler starting",
		"interval", s.interval.String(),
		"max_age", s.sweeper.policy.MaxAge.String(),
		"max_versions", s.sweeper.policy.MaxVersions)

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop and waits for the in-flight cycle to finish. Safe
// to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	slog.Info("Retention scheduler stopped")
}

// RunNow performs one sweep immediately.
func (s *Scheduler) RunNow(ctx context.Context) (*Result, error) {
	return s.sweeper.SweepStore(ctx, s.store)
}

func (s *Scheduler) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.execute(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context) {
	res, err := s.RunNow(ctx)
	if err != nil {
		slog.Error("Retention sweep failed", "error", err)
		return
	}
	if len(res.Evicted) > 0 {
		slog.Info("Retention sweep completed",
			"evicted", res.Evicted,
			"keys_removed", res.KeysRemoved,
			"errors", len(res.Errors),
			"retained", res.RetainedLeft)
	} else {
		slog.Debug("Retention sweep completed (nothing to evict)")
	}
	if s.onSweep != nil {
		s.onSweep(res)
	}
}
