package presets

import (
	"context"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/loadout/internal/app"
	"github.com/jaakkos/loadout/internal/domain"
)

func TestSaveAndListPresets(t *testing.T) {
	env := newTestEnv(t, nil, "A", "B")

	text := mustCall(t, env.srv, "save_preset", map[string]any{
		"name": "Raid", "description": "night", "components": []any{"B", "A"},
	})
	if !strings.Contains(text, `Created preset "Raid" (2 components)`) {
		t.Errorf("unexpected result: %s", text)
	}
	text = mustCall(t, env.srv, "save_preset", map[string]any{"name": "raid", "components": "A"})
	if !strings.Contains(text, "Updated preset") {
		t.Errorf("second save should update: %s", text)
	}

	list := mustCall(t, env.srv, "list_presets", nil)
	if !strings.Contains(list, "Scope: global") || !strings.Contains(list, "Raid (1 components)") {
		t.Errorf("unexpected list: %s", list)
	}

	got := mustCall(t, env.srv, "get_preset", map[string]any{"name": "RAID"})
	if !strings.Contains(got, "Components (1): A") {
		t.Errorf("unexpected preset: %s", got)
	}
}

func TestSavePreset_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := callTool(t, env.srv, "save_preset", map[string]any{"components": []any{"A"}}); err == nil {
		t.Error("expected error without name")
	}
	if _, err := callTool(t, env.srv, "save_preset", map[string]any{"name": "Raid"}); err == nil {
		t.Error("expected error without components")
	}
	if _, err := callTool(t, env.srv, "save_preset", map[string]any{"name": "alwayson", "components": []any{}}); err == nil {
		t.Error("expected error for reserved name")
	}
	if _, err := callTool(t, env.srv, "get_preset", map[string]any{"name": "Nope"}); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestSavePreset_RenameAndCapture(t *testing.T) {
	env := newTestEnv(t, []string{selfID, "A", "B"})
	mustCall(t, env.srv, "login", map[string]any{"scope_id": float64(42), "display_name": "Alice"})

	text := mustCall(t, env.srv, "save_preset", map[string]any{"name": "Now", "capture_current": true})
	if !strings.Contains(text, "from 2 loaded components") {
		t.Errorf("capture should skip the always-on self component: %s", text)
	}
	mustCall(t, env.srv, "save_preset", map[string]any{"name": "Now", "rename_to": "Then"})
	if _, err := env.svc.FindPreset(context.Background(), "Then"); err != nil {
		t.Errorf("renamed preset not found: %v", err)
	}
}

func TestDeletePreset(t *testing.T) {
	env := newTestEnv(t, nil)
	mustCall(t, env.srv, "save_preset", map[string]any{"name": "Raid", "components": []any{"A"}})
	mustCall(t, env.srv, "delete_preset", map[string]any{"name": "Raid"})
	if _, err := callTool(t, env.srv, "delete_preset", map[string]any{"name": "Raid"}); err == nil {
		t.Error("deleting twice should fail")
	}
	if !strings.Contains(mustCall(t, env.srv, "list_presets", nil), "No presets") {
		t.Error("list should be empty")
	}
}

func TestImportExportPreset(t *testing.T) {
	env := newTestEnv(t, nil)
	mustCall(t, env.srv, "save_preset", map[string]any{"name": "Raid", "components": []any{"B", "A"}})

	doc := mustCall(t, env.srv, "export_preset", map[string]any{"name": "Raid"})
	if !strings.Contains(doc, "name: Raid") {
		t.Errorf("unexpected export: %s", doc)
	}

	mustCall(t, env.srv, "login", map[string]any{"scope_id": float64(42)})
	text := mustCall(t, env.srv, "import_preset", map[string]any{"from_scope": float64(0), "name": "Raid"})
	if !strings.Contains(text, `Imported preset "Raid" from scope 0`) {
		t.Errorf("unexpected import result: %s", text)
	}
	text = mustCall(t, env.srv, "import_preset", map[string]any{"yaml": doc})
	if !strings.Contains(text, `"Raid" (2 components)`) {
		t.Errorf("unexpected yaml import: %s", text)
	}
	if _, err := callTool(t, env.srv, "import_preset", map[string]any{"name": "Raid"}); err == nil {
		t.Error("expected error without yaml or from_scope")
	}
}

func TestApplyPreset_RaidScenario(t *testing.T) {
	env := newTestEnv(t, []string{selfID, "Y", "Z"}, "A", "B")
	mustCall(t, env.srv, "set_always_on", map[string]any{"components": []any{"Z"}})
	mustCall(t, env.srv, "save_preset", map[string]any{"name": "Raid", "components": []any{"A", "B", "Ghost"}})

	preview := mustCall(t, env.srv, "preview_preset", map[string]any{"name": "Raid"})
	for _, want := range []string{"Enable (2): A, B", "Disable (1): Y", "Not installed (1): Ghost"} {
		if !strings.Contains(preview, want) {
			t.Errorf("preview missing %q:\n%s", want, preview)
		}
	}

	text := mustCall(t, env.srv, "apply_preset", map[string]any{"name": "Raid"})
	if !strings.Contains(text, "Applied Raid") || !strings.Contains(text, "Not installed: Ghost") {
		t.Errorf("unexpected apply result: %s", text)
	}
	want := []string{"A", "B", "Z", selfID}
	if got := loadedIDs(t, env.host); !reflect.DeepEqual(sortedCopy(got), sortedCopy(want)) {
		t.Errorf("loaded = %v, want %v", got, want)
	}

	status := mustCall(t, env.srv, "apply_status", nil)
	if !strings.Contains(status, "Status: done") || !strings.Contains(status, "[info] Applied Raid") {
		t.Errorf("unexpected status: %s", status)
	}
	if rec := env.svc.ActiveScope(context.Background()); domain.Deref(rec.LastAppliedPreset) != "Raid" {
		t.Errorf("last applied = %v", rec.LastAppliedPreset)
	}
}

func TestApplyPreset_AlwaysOnOnlyAndRollback(t *testing.T) {
	env := newTestEnv(t, []string{selfID, "X", "Y"})
	mustCall(t, env.srv, "set_always_on", map[string]any{"components": []any{"X"}})

	mustCall(t, env.srv, "apply_preset", map[string]any{"name": "alwayson"})
	if got := loadedIDs(t, env.host); !reflect.DeepEqual(got, []string{"X", selfID}) {
		t.Errorf("loaded = %v", got)
	}

	mustCall(t, env.srv, "rollback", nil)
	if got := loadedIDs(t, env.host); !reflect.DeepEqual(got, []string{"X", "Y", selfID}) {
		t.Errorf("loaded after rollback = %v", got)
	}
}

func TestApplyPreset_NoWait(t *testing.T) {
	env := newTestEnv(t, []string{selfID}, "A")
	mustCall(t, env.srv, "save_preset", map[string]any{"name": "Raid", "components": []any{"A"}})
	signal := filepath.Join(env.root, ".loadout-notify")
	rev := app.ReadNotifySignal(signal)

	text := mustCall(t, env.srv, "apply_preset", map[string]any{"name": "Raid", "wait": false})
	if !strings.Contains(text, "1 to enable") {
		t.Errorf("unexpected result: %s", text)
	}
	// The background apply touches the signal file as its last step.
	deadline := time.Now().Add(2 * time.Second)
	for env.svc.ApplyState().Status != "done" || app.ReadNotifySignal(signal) == rev {
		if time.Now().After(deadline) {
			t.Fatalf("apply did not finish: %+v", env.svc.ApplyState())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApplyPreset_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := callTool(t, env.srv, "apply_preset", map[string]any{"name": "Nope"}); err == nil {
		t.Error("expected error for unknown preset")
	}
	if _, err := callTool(t, env.srv, "rollback", nil); err == nil {
		t.Error("rollback without snapshot should fail")
	}
}

func TestScopeSettings(t *testing.T) {
	env := newTestEnv(t, nil)
	mustCall(t, env.srv, "save_preset", map[string]any{"name": "Raid", "components": []any{"A"}})

	text := mustCall(t, env.srv, "set_always_on", map[string]any{"components": []any{"Chat", "Map"}, "action": "replace"})
	if text != "Always on: Chat, Map, loadout" {
		t.Errorf("unexpected always-on: %q", text)
	}
	text = mustCall(t, env.srv, "set_always_on", map[string]any{"components": []any{"Map"}, "action": "remove"})
	if text != "Always on: Chat, loadout" {
		t.Errorf("unexpected always-on after remove: %q", text)
	}
	if _, err := callTool(t, env.srv, "set_always_on", map[string]any{"components": []any{selfID}, "action": "remove"}); err == nil {
		t.Error("removing the self component should fail")
	}

	if text := mustCall(t, env.srv, "set_default_preset", map[string]any{"name": "raid"}); text != "Default preset: Raid" {
		t.Errorf("unexpected default: %q", text)
	}
	if !strings.Contains(mustCall(t, env.srv, "list_presets", nil), "* Raid") {
		t.Error("default preset should be marked")
	}
	if text := mustCall(t, env.srv, "set_default_preset", map[string]any{}); text != "Default preset cleared" {
		t.Errorf("unexpected clear: %q", text)
	}

	if text := mustCall(t, env.srv, "set_notification_mode", map[string]any{"mode": "chat"}); text != "Notification mode: chat" {
		t.Errorf("unexpected mode: %q", text)
	}
	if _, err := callTool(t, env.srv, "set_notification_mode", map[string]any{"mode": "loud"}); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestListComponents(t *testing.T) {
	env := newTestEnv(t, []string{selfID}, "Map")
	mustCall(t, env.srv, "login", map[string]any{"scope_id": float64(1)})

	text := mustCall(t, env.srv, "list_components", nil)
	if !strings.Contains(text, "Components (2)") || !strings.Contains(text, "[on ] loadout {always-on}") || !strings.Contains(text, "[off] Map") {
		t.Errorf("unexpected components: %s", text)
	}
	text = mustCall(t, env.srv, "list_components", map[string]any{"loaded_only": true})
	if strings.Contains(text, "Map") {
		t.Errorf("loaded_only should hide Map: %s", text)
	}
}

func TestLoginSwitchesScope(t *testing.T) {
	env := newTestEnv(t, nil)
	text := mustCall(t, env.srv, "login", map[string]any{"scope_id": float64(42), "display_name": "Alice", "realm_name": "Omega"})
	if text != "Active scope: Alice-Omega (42)" {
		t.Errorf("unexpected login result: %q", text)
	}
	if id, ok := env.sessions.Current(); !ok || id.ScopeID != 42 {
		t.Errorf("session tracker current = %+v, %v", id, ok)
	}
	if _, err := callTool(t, env.srv, "login", map[string]any{}); err == nil {
		t.Error("expected error without scope_id")
	}
}

func TestOpenUI(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := callTool(t, env.srv, "open_ui", nil); err == nil {
		t.Error("expected error before the dashboard URL is known")
	}
	env.clients.SetDashboardURL("http://localhost:8944/dashboard")
	if text := mustCall(t, env.srv, "open_ui", nil); text != "http://localhost:8944/dashboard" {
		t.Errorf("unexpected url: %q", text)
	}
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
