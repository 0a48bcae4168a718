// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog whenever its file is written or recreated.
// It blocks until ctx is cancelled. A reload failure keeps the previous
// catalog and is logged.
func (r *CatalogRegistry) Watch(ctx context.Context, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		return err
	}
	logger.Info("watching tool catalog", "path", r.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				logger.Warn("tool catalog reload failed, keeping previous catalog",
					"path", r.path, "error", err)
				continue
			}
			logger.Info("tool catalog reloaded", "path", r.path, "tools", len(r.Names()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("tool catalog watcher error", "error", err)
		}
	}
}
