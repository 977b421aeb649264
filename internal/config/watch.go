package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"schedbot/pkg/logx"
)

// Watch re-loads the config file whenever it changes and calls onChange with
// the new config. Only runtime-applicable settings (currently the log level)
// are expected to take effect without a restart; callers decide what to apply.
//
// Watch blocks until ctx is cancelled. Reload errors are logged and skipped;
// the previous config stays in effect.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: editors and config tools often
	// replace the file (rename/create) which drops a file-level watch.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Coalesce bursts of events from a single save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload failed; keeping previous config", logx.Err(err))
				continue
			}
			log.Info("config reloaded", logx.String("path", path))
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", logx.Err(err))
		}
	}
}
