// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/ragforge/ingest/pkg/registry"
)

// Directories never worth watching: descriptor economy and noise.
var watchSkipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, "bin": true, ".ragforge": true,
}

// FileWatcher is the fsnotify-backed change source for file sources. It
// watches the source root recursively and pushes raw events into the
// change queue; the queue owns debouncing.
type FileWatcher struct {
	cfg    SourceConfig
	logger *slog.Logger
}

func NewFileWatcher(cfg SourceConfig, logger *slog.Logger) *FileWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{cfg: cfg, logger: logger}
}

// Run implements ChangeSource.
func (w *FileWatcher) Run(ctx context.Context, q *ChangeQueue) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watchCount := 0
	addDirs := func(root string) {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsPermission(err) {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.IsDir() {
				return nil
			}
			base := filepath.Base(path)
			if watchSkipDirs[base] || (strings.HasPrefix(base, ".") && path != root) {
				return filepath.SkipDir
			}
			if err := watcher.Add(path); err != nil {
				w.logger.Warn("watch.add_failed", "path", path, "err", err)
				if os.IsPermission(err) {
					return filepath.SkipDir
				}
			} else {
				watchCount++
			}
			return nil
		})
	}
	addDirs(w.cfg.Root)
	w.logger.Info("watch.started", "dirs", watchCount, "root", w.cfg.Root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Back-pressure: drop events while the queue is saturated;
			// the orphan watcher and the next real write catch up later.
			if q.Paused() {
				continue
			}

			rel, err := filepath.Rel(w.cfg.Root, event.Name)
			if err != nil {
				continue
			}
			rel = registry.NormalizePath(rel)
			if !w.includes(rel) {
				continue
			}

			// New directories must be watched as they appear.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					addDirs(event.Name)
					continue
				}
			}

			switch {
			case event.Op&fsnotify.Create != 0:
				q.Push(ChangeEvent{Path: rel, Kind: ChangeAdded})
			case event.Op&fsnotify.Write != 0:
				q.Push(ChangeEvent{Path: rel, Kind: ChangeModified})
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				q.Push(ChangeEvent{Path: rel, Kind: ChangeDeleted})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch.error", "err", err)
		}
	}
}

// includes applies the configured include/exclude globs.
func (w *FileWatcher) includes(rel string) bool {
	for _, pattern := range w.cfg.Exclude {
		if matchesGlob(rel, pattern) {
			return false
		}
	}
	if len(w.cfg.Include) == 0 {
		return true
	}
	for _, pattern := range w.cfg.Include {
		if matchesGlob(rel, pattern) {
			return true
		}
	}
	return false
}

// OrphanWatcher periodically diffs the files that own stateful nodes
// against the live filesystem (or URL set) and emits deleted events for
// files that disappeared outside any watch window.
type OrphanWatcher struct {
	graph    GraphStore
	cfg      SourceConfig
	interval time.Duration
	logger   *slog.Logger
}

func NewOrphanWatcher(graph GraphStore, cfg SourceConfig, interval time.Duration, logger *slog.Logger) *OrphanWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &OrphanWatcher{graph: graph, cfg: cfg, interval: interval, logger: logger}
}

// Run implements ChangeSource.
func (o *OrphanWatcher) Run(ctx context.Context, q *ChangeQueue) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if q.Paused() {
				continue
			}
			if err := o.sweep(ctx, q); err != nil {
				o.logger.Warn("orphan.sweep_failed", "err", err)
			}
		}
	}
}

// sweep emits one deleted event per vanished owner file.
func (o *OrphanWatcher) sweep(ctx context.Context, q *ChangeQueue) error {
	owned, err := o.graph.OwnedFiles(ctx)
	if err != nil {
		return err
	}

	orphans := 0
	for _, path := range owned {
		if path == "" || strings.Contains(path, "://") {
			// URL owners are checked by re-fetch, not by stat.
			continue
		}
		full := filepath.Join(o.cfg.Root, filepath.FromSlash(path))
		if _, err := os.Stat(full); os.IsNotExist(err) {
			q.Push(ChangeEvent{Path: path, Kind: ChangeDeleted})
			orphans++
		}
	}
	if orphans > 0 {
		o.logger.Info("orphan.detected", "count", orphans)
	}
	return nil
}
