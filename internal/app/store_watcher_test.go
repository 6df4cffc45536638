package app

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/loadout/internal/domain"
	"github.com/jaakkos/loadout/internal/repository/filestore"
)

type countingReloader struct {
	n   atomic.Int32
	err error
}

func (r *countingReloader) Reload(context.Context) error {
	r.n.Add(1)
	return r.err
}

func runWatcher(t *testing.T, w *StoreWatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the watcher time to register its directories.
	time.Sleep(50 * time.Millisecond)
}

func TestStoreWatcher_ReloadsOnExternalEdit(t *testing.T) {
	root := t.TempDir()
	store := filestore.NewScopeStore(root, nil)
	ctx := context.Background()
	require.Empty(t, store.Global(ctx).Presets)

	var hooked atomic.Int32
	w := NewStoreWatcher([]string{root, store.Presets().Dir(), store.ScopesDir()}, filepath.Join(root, ".loadout-notify"), store, nil,
		WithDebounce(10*time.Millisecond),
		WithReloadHook(func() { hooked.Add(1) }))
	runWatcher(t, w)

	// Another process writes a preset file.
	other := filestore.NewPresetStore(store.Presets().Dir(), nil)
	require.NoError(t, other.Save(ctx, domain.NewPreset("Raid", "", "A")))

	require.Eventually(t, func() bool { return len(store.Global(ctx).Presets) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, w.Reloads(), 1)
	assert.GreaterOrEqual(t, hooked.Load(), int32(1))
}

func TestStoreWatcher_IgnoresTempFiles(t *testing.T) {
	root := t.TempDir()
	rl := &countingReloader{}
	w := NewStoreWatcher([]string{root}, "", rl, nil, WithDebounce(5*time.Millisecond))
	runWatcher(t, w)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".tmp-123"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rl.n.Load())

	require.NoError(t, os.WriteFile(filepath.Join(root, "global.json"), []byte("{}"), 0o644))
	require.Eventually(t, func() bool { return rl.n.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStoreWatcher_SignalTriggersReload(t *testing.T) {
	root := t.TempDir()
	signal := filepath.Join(root, "state", ".loadout-notify")
	rl := &countingReloader{}
	w := NewStoreWatcher(nil, signal, rl, nil,
		WithDebounce(5*time.Millisecond),
		WithWatchPollInterval(10*time.Millisecond))
	runWatcher(t, w)

	require.NoError(t, TouchNotifySignal(signal))
	require.Eventually(t, func() bool { return rl.n.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
}
