package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and calls onChange with the live
// config after each successful reload. The parent directory is watched so
// editors that replace the file by rename are handled. Invalid files are
// logged and ignored; the previous config stays in effect.
func Watch(ctx context.Context, path string, live *Config, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		const debounce = 250 * time.Millisecond
		var timer *time.Timer
		var fire <-chan time.Time
		last := live.Hash()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			case <-fire:
				fire = nil
				next, err := Load(abs)
				if err != nil {
					slog.Warn("config reload rejected", "path", abs, "error", err)
					continue
				}
				h := next.Hash()
				if h == last {
					continue
				}
				last = h
				live.ReplaceFrom(next)
				slog.Info("config reloaded", "path", abs, "hash", h)
				if onChange != nil {
					onChange(live)
				}
			}
		}
	}()
	return nil
}
