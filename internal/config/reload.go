// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/quadrant-vms/core/internal/log"
)

// WatchOverlay watches overlayPath for writes and calls onChange with the
// freshly resolved Config each time it changes. onChange receives the
// whole Config; which fields it applies is up to the caller. The watcher
// logs each reload and each failed reload, and does not single out
// NodeID/StorePath changes.
func WatchOverlay(ctx context.Context, overlayPath string, onChange func(Config)) error {
	if overlayPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(overlayPath); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(overlayPath)
				if err != nil {
					log.L().Warn().Err(err).Str("path", overlayPath).Msg("config reload failed, keeping previous configuration")
					continue
				}
				log.L().Info().Str("path", overlayPath).Msg("configuration reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.L().Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
