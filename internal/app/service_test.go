package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/loadout/internal/domain"
	"github.com/jaakkos/loadout/internal/repository/filestore"
)

const selfID = "loadout"

func newTestService(t *testing.T, reg *fakeRegistry) (*PresetService, *filestore.ScopeStore) {
	t.Helper()
	eng, store := fastEngine(t, reg)
	pol := testPolicy{signal: filepath.Join(store.Root(), ".loadout-notify"), self: selfID}
	return NewPresetService(store, eng, reg, pol, nil), store
}

var alice = domain.Identity{ScopeID: 42, DisplayName: "Alice", RealmName: "Silvermoon"}

func TestPresetService_SelfComponentIsPinned(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, newFakeRegistry([]string{selfID}))

	rec, err := svc.SetActiveScope(ctx, alice)
	require.NoError(t, err)
	assert.True(t, rec.AlwaysOn.Has(selfID))
	stored, _ := store.Get(42)
	assert.True(t, stored.AlwaysOn.Has(selfID))
	assert.FileExists(t, filepath.Join(store.Root(), ".loadout-notify"))

	_, err = svc.RemoveAlwaysOn(ctx, selfID)
	assert.ErrorIs(t, err, ErrSelfAlwaysOn)

	set, err := svc.SetAlwaysOn(ctx, []string{"Chat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Chat", selfID}, set.Sorted())

	set, err = svc.AddAlwaysOn(ctx, "Map")
	require.NoError(t, err)
	assert.True(t, set.Has("Map"))
	set, err = svc.RemoveAlwaysOn(ctx, "Map")
	require.NoError(t, err)
	assert.False(t, set.Has("Map"))
}

func TestPresetService_ApplyKeepsSelfLoaded(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry([]string{selfID, "Y"}, "A")
	svc, store := newTestService(t, reg)
	_, err := svc.SetActiveScope(ctx, alice)
	require.NoError(t, err)

	// Simulate a record edited on disk without the self component.
	_, err = store.Update(ctx, 42, func(r *domain.ScopeRecord) error {
		r.AlwaysOn = domain.NewSet()
		return nil
	})
	require.NoError(t, err)

	_, err = svc.CreatePreset(ctx, "Raid", "", []string{"A"})
	require.NoError(t, err)
	require.NoError(t, svc.ApplyByName(ctx, "raid"))
	assert.Equal(t, []string{"A", selfID}, reg.loaded())

	require.NoError(t, svc.ApplyByName(ctx, "AlwaysOn"))
	assert.Equal(t, []string{selfID}, reg.loaded())
	rec := svc.ActiveScope(ctx)
	assert.True(t, rec.LastAppliedWasAlwaysOnOnly)
}

func TestPresetService_PresetLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeRegistry(nil))
	_, err := svc.SetActiveScope(ctx, alice)
	require.NoError(t, err)

	p, err := svc.CreatePreset(ctx, "Raid", "night", []string{"A", "B"})
	require.NoError(t, err)
	_, err = svc.CreatePreset(ctx, "raid", "", nil)
	assert.ErrorIs(t, err, ErrPresetExists)
	_, err = svc.CreatePreset(ctx, "  ", "", nil)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = svc.CreatePreset(ctx, "alwayson", "", nil)
	assert.ErrorIs(t, err, ErrInvalidName)

	updated, err := svc.UpdatePreset(ctx, "Raid", func(p *domain.Preset) { p.AddComponent("C") })
	require.NoError(t, err)
	assert.Equal(t, p.ID, updated.ID)
	assert.Equal(t, []string{"A", "B", "C"}, updated.Components.Sorted())

	_, created, err := svc.SavePreset(ctx, "Raid", "late", []string{"Z"})
	require.NoError(t, err)
	assert.False(t, created)
	got, err := svc.FindPreset(ctx, "RAID")
	require.NoError(t, err)
	assert.Equal(t, "late", got.Description)
	assert.Equal(t, []string{"Z"}, got.Components.Sorted())

	_, err = svc.CreatePreset(ctx, "Solo", "", nil)
	require.NoError(t, err)
	_, err = svc.RenamePreset(ctx, "Raid", "solo")
	assert.ErrorIs(t, err, ErrPresetExists)
	renamed, err := svc.RenamePreset(ctx, "Raid", "Raid Night")
	require.NoError(t, err)
	assert.Equal(t, p.ID, renamed.ID)

	require.NoError(t, svc.DeletePreset(ctx, "Raid Night"))
	_, err = svc.FindPreset(ctx, "Raid Night")
	assert.ErrorIs(t, err, ErrPresetNotFound)
	assert.Len(t, svc.Presets(ctx), 1)
}

func TestPresetService_DefaultAndNotificationMode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeRegistry(nil))

	assert.ErrorIs(t, svc.SetDefaultPreset(ctx, "Nope"), ErrPresetNotFound)
	_, err := svc.CreatePreset(ctx, "Raid", "", nil)
	require.NoError(t, err)
	require.NoError(t, svc.SetDefaultPreset(ctx, "raid"))
	assert.Equal(t, "Raid", domain.Deref(svc.ActiveScope(ctx).DefaultPreset))
	require.NoError(t, svc.SetDefaultPreset(ctx, ""))
	assert.Nil(t, svc.ActiveScope(ctx).DefaultPreset)

	m, err := svc.SetNotificationMode(ctx, "Chat")
	require.NoError(t, err)
	assert.Equal(t, domain.NotifyChat, m)
	_, err = svc.SetNotificationMode(ctx, "loud")
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Equal(t, domain.NotifyChat, svc.ActiveScope(ctx).NotificationMode)
}

func TestPresetService_PreviewIncludesSelf(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeRegistry([]string{"Y"}, selfID, "A"))
	_, err := svc.CreatePreset(ctx, "Raid", "", []string{"A", "Ghost"})
	require.NoError(t, err)

	pv, err := svc.Preview(ctx, "Raid")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", selfID}, pv.ToEnable)
	assert.Equal(t, []string{"Y"}, pv.ToDisable)
	assert.Equal(t, []string{"Ghost"}, pv.Missing)

	pv, err = svc.Preview(ctx, "alwayson")
	require.NoError(t, err)
	assert.Equal(t, []string{selfID}, pv.ToEnable)

	_, err = svc.Preview(ctx, "Nope")
	assert.ErrorIs(t, err, ErrPresetNotFound)
}

func TestPresetService_ImportExport(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeRegistry(nil))

	_, err := svc.CreatePreset(ctx, "Raid", "night", []string{"B", "A"})
	require.NoError(t, err)
	data, err := svc.ExportYAML(ctx, "Raid")
	require.NoError(t, err)
	assert.Equal(t, "name: Raid\ndescription: night\ncomponents:\n    - A\n    - B\n", string(data))

	// Switch to Alice and pull the global preset over.
	_, err = svc.SetActiveScope(ctx, alice)
	require.NoError(t, err)
	imported, err := svc.ImportFromScope(ctx, domain.GlobalScopeID, "raid")
	require.NoError(t, err)
	assert.Equal(t, "Raid", imported.Name)
	again, err := svc.ImportFromScope(ctx, domain.GlobalScopeID, "Raid")
	require.NoError(t, err)
	assert.Equal(t, "Raid (2)", again.Name)
	assert.NotEqual(t, imported.ID, again.ID)
	_, err = svc.ImportFromScope(ctx, domain.GlobalScopeID, "Nope")
	assert.ErrorIs(t, err, ErrPresetNotFound)

	p, err := svc.ImportYAML(ctx, []byte("name: Solo\ncomponents: [X, Y]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, p.Components.Sorted())
	_, err = svc.ImportYAML(ctx, []byte("name: [oops"))
	assert.Error(t, err)
}

func TestPresetService_CaptureCurrent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeRegistry([]string{selfID, "A", "B"}, "C"))
	_, err := svc.EnsureSelfAlwaysOn(ctx)
	require.NoError(t, err)

	p, err := svc.CaptureCurrent(ctx, "Now", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, p.Components.Sorted())
}

func TestPresetService_DeleteScope(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, newFakeRegistry(nil))
	_, err := svc.SetActiveScope(ctx, alice)
	require.NoError(t, err)
	_, err = svc.CreatePreset(ctx, "Raid", "", []string{"A"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteScope(ctx, 42))
	assert.Equal(t, domain.GlobalScopeID, svc.ActiveScopeID())
	assert.ErrorIs(t, svc.DeleteScope(ctx, domain.GlobalScopeID), filestore.ErrGlobalScope)

	rec, err := svc.SetActiveScope(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, rec.Presets, "a recreated scope starts empty")
	assert.Len(t, store.All(), 2)
}

func TestPresetService_RollbackWithoutSnapshot(t *testing.T) {
	svc, _ := newTestService(t, newFakeRegistry(nil))
	assert.ErrorIs(t, svc.Rollback(context.Background()), ErrNoRollback)
	assert.Equal(t, "idle", svc.ApplyState().Status)
}

func TestPresetService_FollowSessions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeRegistry(nil))
	sessions := NewSessionTracker()
	cancel := svc.FollowSessions(ctx, sessions)

	sessions.Login(alice)
	assert.Equal(t, alice.ScopeID, svc.ActiveScopeID())
	assert.True(t, svc.ActiveScope(ctx).AlwaysOn.Has(selfID))

	cancel()
	sessions.Login(domain.Identity{ScopeID: 7})
	assert.Equal(t, alice.ScopeID, svc.ActiveScopeID())
}
