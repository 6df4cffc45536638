package presets

import (
	"reflect"
	"strings"
	"testing"
)

func TestRequireScopeID(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		want    uint64
		wantErr string
	}{
		{"valid", map[string]any{"scope_id": float64(42)}, 42, ""},
		{"zero", map[string]any{"scope_id": float64(0)}, 0, ""},
		{"missing", map[string]any{}, 0, "scope_id is required"},
		{"nil value", map[string]any{"scope_id": nil}, 0, "scope_id is required"},
		{"wrong type", map[string]any{"scope_id": "42"}, 0, "must be a number"},
		{"negative", map[string]any{"scope_id": float64(-1)}, 0, "non-negative integer"},
		{"fraction", map[string]any{"scope_id": 1.5}, 0, "non-negative integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := requireScopeID(tt.args, "scope_id")
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRequireString(t *testing.T) {
	if _, err := requireString(map[string]any{"name": "  "}, "name"); err == nil {
		t.Error("blank string should be rejected")
	}
	if _, err := requireString(map[string]any{"name": 3}, "name"); err == nil {
		t.Error("non-string should be rejected")
	}
	got, err := requireString(map[string]any{"name": "Raid"}, "name")
	if err != nil || got != "Raid" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestStringList(t *testing.T) {
	tests := []struct {
		name   string
		args   map[string]any
		want   []string
		wantOK bool
	}{
		{"array", map[string]any{"c": []any{"A", 1, " B ", ""}}, []string{"A", "B"}, true},
		{"empty array", map[string]any{"c": []any{}}, []string{}, true},
		{"comma string", map[string]any{"c": "A, B,,C"}, []string{"A", "B", "C"}, true},
		{"missing", map[string]any{}, nil, false},
		{"wrong type", map[string]any{"c": 3.0}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := stringList(tt.args, "c")
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestOptionalHelpers(t *testing.T) {
	args := map[string]any{"wait": false, "desc": "night"}
	if optionalBool(args, "wait", true) {
		t.Error("explicit false should win over fallback")
	}
	if !optionalBool(args, "missing", true) {
		t.Error("missing bool should use fallback")
	}
	if optionalString(args, "desc", "") != "night" || optionalString(args, "x", "fb") != "fb" {
		t.Error("optionalString mismatch")
	}
}
