package presets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/app"
)

// InstructionsText returns the instruction string the MCP server sends on initialize.
func InstructionsText() string {
	return `loadout manages component presets on the host.

- list_presets / list_components show what exists and what is loaded.
- preview_preset before apply_preset when unsure; 'alwayson' is a valid name for both.
- Always-on components stay enabled whatever preset is applied.
- Only one apply runs at a time; apply_status shows progress and recent results.
- rollback restores the components loaded before the last apply.`
}

// registerResources adds read-only views of the active scope.
func registerResources(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddResource(
		mcp.NewResource(
			"loadout://scope",
			"Active scope",
			mcp.WithResourceDescription("The active scope record: presets, always-on set, default and last applied preset."),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			logger.Debug("resource read", zap.String("uri", req.Params.URI))
			data, err := json.MarshalIndent(svc.ActiveScope(ctx), "", "  ")
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      req.Params.URI,
					MIMEType: "application/json",
					Text:     string(data),
				},
			}, nil
		},
	)

	// Preset template: loadout://presets/{name}
	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"loadout://presets/{name}",
			"Preset",
			mcp.WithTemplateDescription("A preset of the active scope in its YAML exchange form."),
			mcp.WithTemplateMIMEType("application/yaml"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			name := strings.TrimPrefix(req.Params.URI, "loadout://presets/")
			logger.Debug("resource template read", zap.String("preset", name))
			data, err := svc.ExportYAML(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("preset %q: %w", name, err)
			}
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      req.Params.URI,
					MIMEType: "application/yaml",
					Text:     string(data),
				},
			}, nil
		},
	)
}
