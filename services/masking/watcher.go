// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package masking

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a masking policy override file.
//
// # Description
//
// Watches the directory containing the override file (editors and config
// mounts often replace files via rename, which a file-level watch misses)
// and swaps the masker's active policy when the file changes. A malformed
// override is rejected and logged; the last good policy stays active.
//
// # Thread Safety
//
// Safe for concurrent use with request-path masking: policy swaps go
// through Masker.SetPolicy, which is atomic. Start should only be called
// once.
type Watcher struct {
	path    string
	masker  *Masker
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given override policy file. The
// file does not need to exist yet; it is loaded when it appears.
func NewWatcher(path string, masker *Masker) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, masker: masker, watcher: fsw}, nil
}

// Start begins watching for policy changes. Blocks until the context is
// cancelled; run it in a goroutine. If the override file already exists it
// is applied immediately.
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("Failed to watch masking policy directory",
			"dir", dir, "error", err)
		return
	}

	if _, err := os.Stat(w.path); err == nil {
		w.reload()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Masking policy watcher error", "error", err)
		}
	}
}

// reload parses the override file and swaps it in if valid.
func (w *Watcher) reload() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("Failed to read masking policy override",
			"path", w.path, "error", err)
		return
	}
	policy, err := LoadPolicy(raw)
	if err != nil {
		slog.Error("Rejected malformed masking policy override, keeping last good policy",
			"path", w.path, "error", err)
		return
	}
	w.masker.SetPolicy(policy)
	slog.Info("Masking policy override applied",
		"path", w.path, "rules", policy.RuleCount())
}
