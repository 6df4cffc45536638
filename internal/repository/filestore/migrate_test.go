package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jaakkos/loadout/internal/domain"
)

const raidGUID = "0b6c1f1e-8d4b-4b7a-9a57-2f3c6d8e9a10"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// seedLegacy lays out one identity folder and a flat global layout under root/legacy.
func seedLegacy(t *testing.T, root string) {
	t.Helper()
	scope := filepath.Join(root, "legacy", "characters", "42")
	writeFile(t, filepath.Join(scope, "presets", "Raid_"+raidGUID+".json"),
		`{"name":"Raid","plugins":["A","B"]}`)
	writeFile(t, filepath.Join(scope, "alwayson.json"), `["Chat"]`)
	writeFile(t, filepath.Join(scope, "config.json"),
		`{"name":"Alice","world":"Silvermoon","default_preset_id":"`+raidGUID+`","last_applied_preset_id":"`+raidGUID+`","notification_mode":"chat"}`)

	// Config only: nothing worth materializing.
	writeFile(t, filepath.Join(root, "legacy", "characters", "7", "config.json"), `{"name":"Empty","world":"Nowhere"}`)

	writeFile(t, filepath.Join(root, "legacy", "presets", "Solo.json"), `{"name":"Solo","components":["S"]}`)
	writeFile(t, filepath.Join(root, "legacy", "alwayson.json"), `["Core"]`)
}

func TestMigrator_RunImportsAndWritesMarker(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	seedLegacy(t, root)

	store := NewScopeStore(root, nil)
	m := NewMigrator(store, nil)
	ran, report, err := m.Run(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, m.Done())
	assert.FileExists(t, m.MarkerPath())
	assert.Equal(t, 1, report.ScopesImported)
	assert.Equal(t, 2, report.PresetsImported)
	assert.Equal(t, 2, report.AlwaysOnAdded)
	assert.Zero(t, report.ItemsFailed)

	alice, ok := store.Get(42)
	require.True(t, ok)
	assert.Equal(t, "Alice", alice.DisplayName)
	assert.Equal(t, "Silvermoon", alice.RealmName)
	require.Len(t, alice.Presets, 1)
	assert.Equal(t, raidGUID, alice.Presets[0].ID)
	assert.Equal(t, []string{"A", "B"}, alice.Presets[0].Components.Sorted())
	assert.True(t, alice.AlwaysOn.Has("Chat"))
	assert.Equal(t, "Raid", domain.Deref(alice.DefaultPreset))
	assert.Equal(t, "Raid", domain.Deref(alice.LastAppliedPreset))
	assert.Equal(t, domain.NotifyChat, alice.NotificationMode)

	_, ok = store.Get(7)
	assert.False(t, ok, "a legacy scope without presets or always-on entries is not materialized")

	g := store.Global(ctx)
	require.Len(t, g.Presets, 1)
	assert.Equal(t, "Solo", g.Presets[0].Name)
	assert.True(t, g.AlwaysOn.Has("Core"))
}

func TestMigrator_MarkerGatesSecondRun(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewScopeStore(root, nil)
	m := NewMigrator(store, nil)

	ran, _, err := m.Run(ctx)
	require.NoError(t, err)
	assert.True(t, ran, "first run executes even without legacy data")

	seedLegacy(t, root)
	ran, report, err := m.Run(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, report)
	_, ok := store.Get(42)
	assert.False(t, ok)
}

func TestMigrator_CancelledRunLeavesNoMarker(t *testing.T) {
	root := t.TempDir()
	seedLegacy(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMigrator(NewScopeStore(root, nil), nil)
	_, _, err := m.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, m.Done())
}

func TestMigrator_ForceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	seedLegacy(t, root)
	store := NewScopeStore(root, nil)
	m := NewMigrator(store, nil)

	_, err := m.Force(ctx)
	require.NoError(t, err)
	first := store.All()
	firstPresets := presetFiles(t, filepath.Join(root, "presets"))
	firstScopes := presetFiles(t, filepath.Join(root, "scopes"))

	report, err := m.Force(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.AlwaysOnAdded)
	assert.Equal(t, len(first), len(store.All()))
	for i, rec := range store.All() {
		assert.Equal(t, len(first[i].Presets), len(rec.Presets), "scope %d", rec.ScopeID)
		assert.True(t, first[i].AlwaysOn.Equal(rec.AlwaysOn), "scope %d", rec.ScopeID)
		assert.True(t, first[i].LastSeen.Equal(rec.LastSeen), "scope %d", rec.ScopeID)
	}
	assert.Equal(t, firstPresets, presetFiles(t, filepath.Join(root, "presets")))
	assert.Equal(t, firstScopes, presetFiles(t, filepath.Join(root, "scopes")))
	assert.False(t, m.Done(), "force does not write the marker")
}

func TestMigrator_ExistingDataTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	seedLegacy(t, root)
	store := NewScopeStore(root, nil, WithDefaultNotificationMode(domain.NotifyToast))

	// Global already has a preset but no always-on entries.
	require.NoError(t, store.SavePreset(ctx, domain.GlobalScopeID, domain.NewPreset("Mine", "", "M")))
	// Alice already has a default preset and a chosen notification mode.
	store.GetOrCreate(ctx, 42, "Alice", "Silvermoon")
	_, err := store.Update(ctx, 42, func(r *domain.ScopeRecord) error {
		r.DefaultPreset = domain.StringPtr("Mine")
		r.NotificationMode = domain.NotifyNone
		r.AlwaysOn.Add("Existing")
		return nil
	})
	require.NoError(t, err)

	_, err = NewMigrator(store, nil).Force(ctx)
	require.NoError(t, err)

	g := store.Global(ctx)
	require.Len(t, g.Presets, 1)
	assert.Equal(t, "Mine", g.Presets[0].Name, "legacy presets skip a non-empty pool")
	assert.True(t, g.AlwaysOn.Has("Core"), "always-on import is decided independently")

	alice, _ := store.Get(42)
	assert.Equal(t, "Mine", domain.Deref(alice.DefaultPreset))
	assert.Equal(t, domain.NotifyNone, alice.NotificationMode)
	assert.Equal(t, []string{"Chat", "Existing"}, alice.AlwaysOn.Sorted())
	assert.Len(t, alice.Presets, 1)
}

func TestMigrator_CorruptItemsAreCountedNotFatal(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	scope := filepath.Join(root, "legacy", "characters", "9")
	writeFile(t, filepath.Join(scope, "presets", "Bad_"+raidGUID+".json"), `{oops`)
	writeFile(t, filepath.Join(scope, "presets", "Good.json"), `{"name":"Good","components":["G"]}`)
	writeFile(t, filepath.Join(scope, "config.json"), `{"name":"Eve","world":"W","default_preset_id":"deadbeef"}`)
	writeFile(t, filepath.Join(root, "legacy", "characters", "notanumber", "alwayson.json"), `["x"]`)

	core, logs := observer.New(zapcore.WarnLevel)
	store := NewScopeStore(root, nil)
	ran, report, err := NewMigrator(store, zap.New(core)).Run(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, report.ItemsFailed)
	assert.Equal(t, 1, logs.FilterMessage("legacy preset reference unresolved").Len())
	assert.Equal(t, 1, logs.FilterMessage("skipping non-numeric legacy scope folder").Len())

	eve, ok := store.Get(9)
	require.True(t, ok)
	require.Len(t, eve.Presets, 1)
	assert.Nil(t, eve.DefaultPreset)
}

func TestResolveLegacyPresetName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Raid_"+raidGUID+".json"), `{"name":"Raid Night"}`)
	writeFile(t, filepath.Join(dir, "Solo_11111111-2222-3333-4444-555555555555.json"), `{broken`)

	tests := []struct {
		name   string
		id     string
		want   string
		wantOK bool
	}{
		{"record name wins", raidGUID, "Raid Night", true},
		{"case-insensitive", "0B6C1F1E-8D4B-4B7A-9A57-2F3C6D8E9A10", "Raid Night", true},
		{"stem fallback", "11111111-2222-3333-4444-555555555555", "Solo", true},
		{"no match", "99999999-0000-0000-0000-000000000000", "", false},
		{"blank id", "  ", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ResolveLegacyPresetName(dir, tc.id)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}

	_, ok := ResolveLegacyPresetName(filepath.Join(dir, "missing"), raidGUID)
	assert.False(t, ok)
}
