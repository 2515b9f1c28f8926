package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow absorbs the burst of events editors emit on save.
const debounceWindow = 200 * time.Millisecond

// Watcher reloads a config file when it changes on disk and delivers the
// merged result to a callback. Only runtime tunables should be applied
// from reloads; components wired at startup keep their original settings.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewWatcher creates a watcher for the given config file. onChange is
// called with the validated merge of defaults and the reloaded file.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
	}
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic saves (write temp, rename over) are seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.wg.Add(1)
	go w.loop(ctx, fsw)

	w.logger.Info("Watching config file", slog.String("path", w.path))
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	w.wg.Wait()
	w.running = false
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				debounce.Reset(debounceWindow)
			}
			debounceC = debounce.C
		case <-debounceC:
			debounceC = nil
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	fileCfg, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}

	cfg := Default()
	cfg.Merge(fileCfg)
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("Reloaded config invalid, keeping current settings",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}

	w.logger.Info("Config reloaded", slog.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
