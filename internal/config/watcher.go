// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jeranaias/openyap/internal/model"
	"go.uber.org/zap"
)

// =============================================================================
// CATALOG WATCHER
// =============================================================================

// CatalogFunc receives a freshly loaded catalog.
type CatalogFunc func(*model.Catalog)

// Watcher reloads a YAML model catalog when the file changes on disk.
// Invalid catalogs are logged and ignored so the last good catalog stays live.
type Watcher struct {
	path     string
	onChange CatalogFunc
	logger   *zap.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending time.Time
}

// NewWatcher creates a watcher for the catalog file at path.
func NewWatcher(path string, onChange CatalogFunc, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Watch the directory: editors often replace files by rename, which
	// drops a watch placed on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		logger:   logger,
		debounce: 200 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pending = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("CATALOG_WATCH_ERROR", zap.Error(err))

		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if due {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	models, err := LoadCatalogFile(w.path)
	if err != nil {
		w.logger.Warn("CATALOG_RELOAD_FAILED", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("CATALOG_RELOADED", zap.String("path", w.path), zap.Int("models", len(models)))
	if w.onChange != nil {
		w.onChange(model.NewCatalog(models))
	}
}
