package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/loadout/internal/app"
	"github.com/jaakkos/loadout/internal/domain"
	"github.com/jaakkos/loadout/internal/repository/filestore"
)

func newHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	h, err := New(filepath.Join(t.TempDir(), "host.sqlite"), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func install(t *testing.T, h *Host, loaded bool, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := h.Install(context.Background(), domain.Component{ID: id, DisplayName: id, Loaded: loaded}); err != nil {
			t.Fatalf("Install %s: %v", id, err)
		}
	}
}

func loadedIDs(t *testing.T, h *Host) []string {
	t.Helper()
	comps, err := h.ListInstalled(context.Background())
	if err != nil {
		t.Fatalf("ListInstalled: %v", err)
	}
	var out []string
	for _, c := range comps {
		if c.Loaded {
			out = append(out, c.ID)
		}
	}
	return out
}

func TestHostInstallAndList(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()
	if err := h.Install(ctx, domain.Component{ID: "Map", DisplayName: "World Map", IsThirdParty: true}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := h.Install(ctx, domain.Component{ID: "Chat", Loaded: true, IsDev: true}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	comps, err := h.ListInstalled(ctx)
	if err != nil {
		t.Fatalf("ListInstalled: %v", err)
	}
	want := []domain.Component{
		{ID: "Chat", Loaded: true, IsDev: true},
		{ID: "Map", DisplayName: "World Map", IsThirdParty: true},
	}
	if len(comps) != len(want) {
		t.Fatalf("len = %d, want %d", len(comps), len(want))
	}
	for i := range want {
		if comps[i] != want[i] {
			t.Errorf("comps[%d] = %+v, want %+v", i, comps[i], want[i])
		}
	}

	if err := h.Install(ctx, domain.Component{}); err == nil {
		t.Error("Install with empty id should fail")
	}
}

func TestHostEnsureInstalledKeepsExisting(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()
	install(t, h, false, "loadout")

	inserted, err := h.EnsureInstalled(ctx, domain.Component{ID: "loadout", Loaded: true})
	if err != nil {
		t.Fatalf("EnsureInstalled: %v", err)
	}
	if inserted {
		t.Error("existing component should not be replaced")
	}
	if got := loadedIDs(t, h); len(got) != 0 {
		t.Errorf("loaded = %v, want none", got)
	}
}

func TestHostSeedOnlyWhenEmpty(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()
	n, err := h.Seed(ctx, []domain.Component{{ID: "A"}, {ID: "B", Loaded: true}})
	if err != nil || n != 2 {
		t.Fatalf("Seed = %d, %v; want 2, nil", n, err)
	}
	n, err = h.Seed(ctx, []domain.Component{{ID: "C"}})
	if err != nil || n != 0 {
		t.Fatalf("second Seed = %d, %v; want 0, nil", n, err)
	}
	comps, _ := h.ListInstalled(ctx)
	if len(comps) != 2 {
		t.Errorf("len = %d, want 2", len(comps))
	}
}

func TestHostCommandIsAsynchronous(t *testing.T) {
	h := newHost(t, WithCommandLatency(30*time.Millisecond))
	install(t, h, false, "A")
	ctx := context.Background()

	if err := h.SendCommand(ctx, domain.CommandEnable, "A"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got := loadedIDs(t, h); len(got) != 0 {
		t.Errorf("command took effect immediately: %v", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(loadedIDs(t, h)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("enable never took effect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHostCommandErrors(t *testing.T) {
	h := newHost(t)
	install(t, h, false, "A")
	ctx := context.Background()

	if err := h.SendCommand(ctx, "reload", "A"); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("unknown command err = %v, want ErrUnknownCommand", err)
	}
	if err := h.SendCommand(ctx, domain.CommandEnable, "Ghost"); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("unknown component err = %v, want ErrUnknownComponent", err)
	}
	if err := h.Uninstall(ctx, "Ghost"); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("Uninstall err = %v, want ErrUnknownComponent", err)
	}
	if err := h.Uninstall(ctx, "A"); err != nil {
		t.Errorf("Uninstall: %v", err)
	}
}

func TestHostCloseWaitsForPendingCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.sqlite")
	h, err := New(path, WithCommandLatency(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	install(t, h, false, "A")
	if err := h.SendCommand(context.Background(), domain.CommandEnable, "A"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := loadedIDs(t, reopened); len(got) != 1 || got[0] != "A" {
		t.Errorf("loaded after reopen = %v, want [A]", got)
	}
}

func TestHostPersistentState(t *testing.T) {
	ctx := context.Background()
	off := newHost(t)
	if off.Available() {
		t.Error("persistent state should be unavailable by default")
	}
	if err := off.PersistDesired(ctx, map[string]bool{"A": true}); err != nil {
		t.Fatalf("PersistDesired: %v", err)
	}
	if d, _ := off.DesiredState(ctx); len(d) != 0 {
		t.Errorf("unavailable writer stored %v", d)
	}

	h := newHost(t, WithPersistentState(true))
	install(t, h, false, "A", "B")
	if !h.Available() {
		t.Fatal("Available = false")
	}
	if err := h.PersistDesired(ctx, map[string]bool{"A": true, "B": false}); err != nil {
		t.Fatalf("PersistDesired: %v", err)
	}
	if err := h.PersistDesired(ctx, map[string]bool{"A": true}); err != nil {
		t.Fatalf("PersistDesired: %v", err)
	}
	d, err := h.DesiredState(ctx)
	if err != nil {
		t.Fatalf("DesiredState: %v", err)
	}
	if len(d) != 1 || !d["A"] {
		t.Errorf("desired = %v, want only A enabled", d)
	}

	changed, err := h.Restart(ctx)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if changed != 1 {
		t.Errorf("changed = %d, want 1", changed)
	}
	if got := loadedIDs(t, h); len(got) != 1 || got[0] != "A" {
		t.Errorf("loaded after restart = %v, want [A]", got)
	}
}

func TestEngineAgainstHost(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, WithCommandLatency(5*time.Millisecond), WithPersistentState(true))
	install(t, h, true, "Y", "Z")
	install(t, h, false, "A", "B")

	scopes := filestore.NewScopeStore(t.TempDir(), nil)
	eng := app.NewEngine(h, scopes, nil,
		app.WithPollInterval(2*time.Millisecond),
		app.WithConfirmTimeout(time.Second),
		app.WithSettleDelay(0),
		app.WithPersistentStateWriter(h))

	scope := scopes.Global(ctx)
	scope.AlwaysOn = domain.NewSet("Z")
	if err := eng.Apply(ctx, scope, domain.NewPreset("Raid", "", "A", "B", "Ghost")); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := loadedIDs(t, h)
	want := []string{"A", "B", "Z"}
	if len(got) != len(want) {
		t.Fatalf("loaded = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("loaded = %v, want %v", got, want)
		}
	}
	d, _ := h.DesiredState(ctx)
	if !d["A"] || d["Y"] {
		t.Errorf("desired state = %v", d)
	}
}

func TestNew_failsOnInvalidDir(t *testing.T) {
	// Parent path is a file (e.g. /dev/null), so MkdirAll fails
	path := filepath.Join(os.DevNull, "sub", "host.sqlite")
	_, err := New(path)
	if err == nil {
		t.Error("New should fail when parent is not a directory")
	}
}
