package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	defaultWatchDebounce = 200 * time.Millisecond
	defaultWatchPoll     = 30 * time.Second
)

// Reloader re-reads persisted state. Implemented by the scope store.
type Reloader interface {
	Reload(ctx context.Context) error
}

// StoreWatcher reloads presets and scopes when their files change on disk,
// either edited by hand or written by another loadout process.
type StoreWatcher struct {
	dirs       []string
	signalPath string
	target     Reloader
	logger     *zap.Logger
	debounce   time.Duration
	poll       time.Duration
	onReload   func()

	mu            sync.Mutex
	debounceTimer *time.Timer
	lastRev       string
	stopped       bool
	inflight      sync.WaitGroup
	reloadMu      sync.Mutex // serializes reloads from the debounce timer and the poll loop
	reloads       int
}

// WatcherOption configures a StoreWatcher.
type WatcherOption func(*StoreWatcher)

// WithDebounce sets how long file events are coalesced before a reload (default 200ms).
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *StoreWatcher) { w.debounce = d }
}

// WithWatchPollInterval sets the fallback signal-file poll interval (default 30s).
func WithWatchPollInterval(d time.Duration) WatcherOption {
	return func(w *StoreWatcher) { w.poll = d }
}

// WithReloadHook registers fn to run after every successful reload.
func WithReloadHook(fn func()) WatcherOption {
	return func(w *StoreWatcher) { w.onReload = fn }
}

// NewStoreWatcher watches dirs (created if missing) and the signal file.
func NewStoreWatcher(dirs []string, signalPath string, target Reloader, logger *zap.Logger, opts ...WatcherOption) *StoreWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &StoreWatcher{
		dirs:       dirs,
		signalPath: signalPath,
		target:     target,
		logger:     logger.Named("watch"),
		debounce:   defaultWatchDebounce,
		poll:       defaultWatchPoll,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start watches until ctx is cancelled. If fsnotify fails to initialize it falls
// back to polling the signal file only.
func (w *StoreWatcher) Start(ctx context.Context) {
	w.lastRev = ReadNotifySignal(w.signalPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify init failed, using poll-only", zap.Error(err))
		watcher = nil
	} else {
		added := 0
		for _, dir := range w.watchDirs() {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				w.logger.Warn("create watched dir failed", zap.String("dir", dir), zap.Error(err))
				continue
			}
			if err := watcher.Add(dir); err != nil {
				w.logger.Warn("fsnotify add failed", zap.String("dir", dir), zap.Error(err))
				continue
			}
			added++
		}
		if added == 0 {
			_ = watcher.Close()
			watcher = nil
		}
	}

	var loopDone chan struct{}
	if watcher != nil {
		loopDone = make(chan struct{})
		go func() {
			defer close(loopDone)
			w.watchLoop(ctx, watcher)
		}()
	}

	w.pollLoop(ctx)

	if watcher != nil {
		_ = watcher.Close()
		<-loopDone
	}
	w.mu.Lock()
	w.stopped = true
	if w.debounceTimer != nil && w.debounceTimer.Stop() {
		w.inflight.Done()
	}
	w.mu.Unlock()
	w.inflight.Wait()
}

// Reloads returns how many reloads have completed.
func (w *StoreWatcher) Reloads() int {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	return w.reloads
}

func (w *StoreWatcher) watchDirs() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(d string) {
		if d == "" || seen[d] {
			return
		}
		seen[d] = true
		out = append(out, d)
	}
	for _, d := range w.dirs {
		add(d)
	}
	if w.signalPath != "" {
		add(filepath.Dir(w.signalPath))
	}
	return out
}

func (w *StoreWatcher) relevant(name string) bool {
	base := filepath.Base(name)
	if w.signalPath != "" && base == filepath.Base(w.signalPath) {
		return true
	}
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".tmp-")
}

func (w *StoreWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.triggerDebounced(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("fsnotify error", zap.Error(err))
		}
	}
}

func (w *StoreWatcher) triggerDebounced(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.debounceTimer != nil && w.debounceTimer.Stop() {
		w.inflight.Done()
	}
	w.inflight.Add(1)
	w.debounceTimer = time.AfterFunc(w.debounce, func() {
		defer w.inflight.Done()
		w.reload(ctx)
	})
}

func (w *StoreWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rev := ReadNotifySignal(w.signalPath)
			w.mu.Lock()
			changed := rev != "" && rev != w.lastRev
			w.mu.Unlock()
			if changed {
				w.reload(ctx)
			}
		}
	}
}

func (w *StoreWatcher) reload(ctx context.Context) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	rev := ReadNotifySignal(w.signalPath)
	if err := w.target.Reload(ctx); err != nil {
		w.logger.Warn("reload after file change failed", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.lastRev = rev
	w.mu.Unlock()
	w.reloads++
	w.logger.Debug("reloaded presets and scopes")
	if w.onReload != nil {
		w.onReload()
	}
}
