package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

// ReloadCallback is called when the tenants file is successfully reloaded.
// If the callback returns an error, it is logged but the watcher continues watching.
type ReloadCallback func(ctx context.Context, tenants *TenantsFile) error

// TenantsWatcherConfig holds configuration for the TenantsWatcher.
type TenantsWatcherConfig struct {
	// FilePath is the path to the tenants YAML file to watch
	FilePath string

	// Debounce coalesces change events arriving within this period into a
	// single reload. Default: 500ms
	Debounce time.Duration
}

// TenantsWatcher watches the tenants file and triggers reload callbacks,
// debounced to survive editor save sequences.
//
// Invalid files are logged and skipped; the previous valid set of tenants
// stays in effect.
type TenantsWatcher struct {
	config   TenantsWatcherConfig
	callback ReloadCallback
	logger   *logging.Logger
	cancel   context.CancelFunc
	stopped  chan struct{}
	ready    chan struct{} // closed when the fsnotify watcher is initialized
	mu       sync.Mutex

	debounceTimer *time.Timer
}

// NewTenantsWatcher creates a new watcher for the given tenants file.
func NewTenantsWatcher(config TenantsWatcherConfig, callback ReloadCallback) (*TenantsWatcher, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("FilePath cannot be empty")
	}

	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}

	if config.Debounce <= 0 {
		config.Debounce = 500 * time.Millisecond
	}

	return &TenantsWatcher{
		config:   config,
		callback: callback,
		logger:   logging.GetLogger("config.watcher").WithField("file", config.FilePath),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Start loads the tenants file, calls the callback with it and then watches
// the file for changes in the background.
//
// Returns an error if the initial load fails or the initial callback fails.
func (w *TenantsWatcher) Start(ctx context.Context) error {
	initial, err := LoadTenantsFile(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to load initial tenants config: %w", err)
	}

	if err := w.callback(ctx, initial); err != nil {
		return fmt.Errorf("initial callback failed: %w", err)
	}

	w.logger.Info("Loaded %d tenants from %s", len(initial.Tenants), w.config.FilePath)

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel

	go w.watchLoop(watchCtx)

	// File changes made right after Start returns must not be missed.
	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for file watcher to initialize")
	}

	return nil
}

// signalReady closes the ready channel exactly once
func (w *TenantsWatcher) signalReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
	default:
		close(w.ready)
	}
}

func (w *TenantsWatcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)
	defer w.signalReady()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.ErrorWithErr("Failed to create file watcher", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.config.FilePath); err != nil {
		w.logger.ErrorWithErr("Failed to watch file", err)
		return
	}

	w.logger.Debug("Watching for changes (debounce: %s)", w.config.Debounce)
	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			w.stopDebounce()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				w.logger.Warn("Watcher events channel closed")
				return
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			// Atomic writes replace the inode; the watch must be re-added.
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(50 * time.Millisecond)
				if err := watcher.Add(w.config.FilePath); err != nil {
					w.logger.Warn("Failed to re-add watch after %s: %v", event.Op, err)
				}
			}
			w.handleFileChange(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				w.logger.Warn("Watcher errors channel closed")
				return
			}
			w.logger.WarnWithErr("Watcher error", err)
		}
	}
}

// handleFileChange (re)arms the debounce timer.
func (w *TenantsWatcher) handleFileChange(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.config.Debounce, func() {
		w.reload(ctx)
	})
}

func (w *TenantsWatcher) stopDebounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
}

func (w *TenantsWatcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	tenants, err := LoadTenantsFile(w.config.FilePath)
	if err != nil {
		w.logger.WarnWithErr("Failed to reload tenants config (keeping previous tenants)", err)
		return
	}

	if err := w.callback(ctx, tenants); err != nil {
		w.logger.WarnWithErr("Tenants reload callback failed (continuing to watch)", err)
		return
	}

	w.logger.Info("Reloaded %d tenants", len(tenants.Tenants))
}

// Stop stops the file watcher, waiting up to 5 seconds for the watch loop to exit.
func (w *TenantsWatcher) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()

	select {
	case <-w.stopped:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for watcher to stop")
	}
}
