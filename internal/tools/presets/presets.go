package presets

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/app"
	"github.com/jaakkos/loadout/internal/domain"
)

// registerListPresets registers the list_presets tool.
func registerListPresets(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("list_presets",
			mcp.WithDescription("List the presets of the active scope. The default preset is marked with *, the last applied one with >."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			rec := svc.ActiveScope(ctx)
			return mcp.NewToolResultText(formatPresetList(rec)), nil
		},
	)
}

func formatPresetList(rec *domain.ScopeRecord) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Scope: %s\n", scopeLabel(rec))
	fmt.Fprintf(&buf, "Always on: %s\n", joinOrNone(rec.AlwaysOn.Sorted()))
	if len(rec.Presets) == 0 {
		buf.WriteString("No presets. Create one with save_preset.")
		return buf.String()
	}
	fmt.Fprintf(&buf, "Presets (%d):\n", len(rec.Presets))
	def := domain.Deref(rec.DefaultPreset)
	last := domain.Deref(rec.LastAppliedPreset)
	for _, p := range rec.Presets {
		marker := " "
		switch {
		case strings.EqualFold(p.Name, def):
			marker = "*"
		case strings.EqualFold(p.Name, last) && !rec.LastAppliedWasAlwaysOnOnly:
			marker = ">"
		}
		fmt.Fprintf(&buf, "%s %s (%d components)", marker, p.Name, p.Components.Len())
		if p.Description != "" {
			fmt.Fprintf(&buf, " - %s", p.Description)
		}
		buf.WriteString("\n")
	}
	if rec.LastAppliedWasAlwaysOnOnly {
		buf.WriteString("Last applied: always-on only\n")
	}
	return strings.TrimRight(buf.String(), "\n")
}

// registerGetPreset registers the get_preset tool.
func registerGetPreset(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("get_preset",
			mcp.WithDescription("Show one preset of the active scope with its components."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Preset name (case-insensitive)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name, err := requireString(req.GetArguments(), "name")
			if err != nil {
				return nil, err
			}
			p, err := svc.FindPreset(ctx, name)
			if err != nil {
				return nil, err
			}
			var buf strings.Builder
			fmt.Fprintf(&buf, "%s\n", p.Name)
			if p.Description != "" {
				fmt.Fprintf(&buf, "Description: %s\n", p.Description)
			}
			fmt.Fprintf(&buf, "Components (%d): %s\n", p.Components.Len(), joinOrNone(p.Components.Sorted()))
			fmt.Fprintf(&buf, "Modified: %s", p.ModifiedAt.Format("2006-01-02 15:04"))
			return mcp.NewToolResultText(buf.String()), nil
		},
	)
}

// registerSavePreset registers the save_preset tool.
func registerSavePreset(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("save_preset",
			mcp.WithDescription("Create or replace a preset in the active scope. Pass components explicitly, or set capture_current to save what is loaded right now (minus the always-on set). rename_to renames an existing preset."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Preset name")),
			mcp.WithString("description", mcp.Description("Free-form description")),
			mcp.WithArray("components", mcp.Description("Component ids the preset should enable")),
			mcp.WithBoolean("capture_current", mcp.Description("Create the preset from the currently loaded components (default: false)")),
			mcp.WithString("rename_to", mcp.Description("New name for an existing preset")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			name, err := requireString(args, "name")
			if err != nil {
				return nil, err
			}
			description := optionalString(args, "description", "")

			if newName := optionalString(args, "rename_to", ""); newName != "" {
				p, err := svc.RenamePreset(ctx, name, newName)
				if err != nil {
					return nil, err
				}
				logger.Info("preset renamed", zap.String("from", name), zap.String("to", p.Name))
				return mcp.NewToolResultText(fmt.Sprintf("Renamed %q to %q", name, p.Name)), nil
			}

			if optionalBool(args, "capture_current", false) {
				p, err := svc.CaptureCurrent(ctx, name, description)
				if err != nil {
					return nil, err
				}
				return mcp.NewToolResultText(fmt.Sprintf("Created preset %q from %d loaded components", p.Name, p.Components.Len())), nil
			}

			comps, ok := stringList(args, "components")
			if !ok {
				return nil, fmt.Errorf("components is required unless capture_current or rename_to is set")
			}
			p, created, err := svc.SavePreset(ctx, name, description, comps)
			if err != nil {
				return nil, err
			}
			verb := "Updated"
			if created {
				verb = "Created"
			}
			return mcp.NewToolResultText(fmt.Sprintf("%s preset %q (%d components)", verb, p.Name, p.Components.Len())), nil
		},
	)
}

// registerDeletePreset registers the delete_preset tool.
func registerDeletePreset(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("delete_preset",
			mcp.WithDescription("Delete a preset from the active scope."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Preset name")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name, err := requireString(req.GetArguments(), "name")
			if err != nil {
				return nil, err
			}
			if err := svc.DeletePreset(ctx, name); err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Deleted preset %q", name)), nil
		},
	)
}

// registerImportPreset registers the import_preset tool.
func registerImportPreset(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("import_preset",
			mcp.WithDescription("Import a preset into the active scope, either copied from another scope (from_scope + name) or from YAML produced by export_preset."),
			mcp.WithNumber("from_scope", mcp.Description("Source scope id (0 is the global scope)")),
			mcp.WithString("name", mcp.Description("Preset name in the source scope")),
			mcp.WithString("yaml", mcp.Description("Preset document with name, description and components")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			if doc := optionalString(args, "yaml", ""); doc != "" {
				p, err := svc.ImportYAML(ctx, []byte(doc))
				if err != nil {
					return nil, err
				}
				return mcp.NewToolResultText(fmt.Sprintf("Imported preset %q (%d components)", p.Name, p.Components.Len())), nil
			}

			from, err := requireScopeID(args, "from_scope")
			if err != nil {
				return nil, fmt.Errorf("pass yaml, or from_scope and name: %w", err)
			}
			name, err := requireString(args, "name")
			if err != nil {
				return nil, err
			}
			p, err := svc.ImportFromScope(ctx, from, name)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Imported preset %q from scope %d", p.Name, from)), nil
		},
	)
}

// registerExportPreset registers the export_preset tool.
func registerExportPreset(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("export_preset",
			mcp.WithDescription("Export a preset of the active scope as YAML, suitable for import_preset."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Preset name")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name, err := requireString(req.GetArguments(), "name")
			if err != nil {
				return nil, err
			}
			data, err := svc.ExportYAML(ctx, name)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(string(data)), nil
		},
	)
}

func scopeLabel(rec *domain.ScopeRecord) string {
	if rec.IsGlobal() {
		return "global"
	}
	label := fmt.Sprintf("%d", rec.ScopeID)
	if rec.DisplayName != "" {
		label = rec.DisplayName
		if rec.RealmName != "" {
			label += "-" + rec.RealmName
		}
		label += fmt.Sprintf(" (%d)", rec.ScopeID)
	}
	return label
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}
