package presets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/app"
	"github.com/jaakkos/loadout/internal/domain"
)

// registerSetAlwaysOn registers the set_always_on tool.
func registerSetAlwaysOn(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("set_always_on",
			mcp.WithDescription("Change the always-on set of the active scope. Always-on components stay enabled whatever preset is applied. The manager's own component can never be removed."),
			mcp.WithArray("components", mcp.Required(), mcp.Description("Component ids")),
			mcp.WithString("action", mcp.Description("replace (default), add or remove"), mcp.Enum("replace", "add", "remove")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			ids, ok := stringList(args, "components")
			if !ok {
				return nil, fmt.Errorf("components is required")
			}
			var set domain.Set
			var err error
			switch action := optionalString(args, "action", "replace"); action {
			case "replace":
				set, err = svc.SetAlwaysOn(ctx, ids)
			case "add":
				for _, id := range ids {
					if set, err = svc.AddAlwaysOn(ctx, id); err != nil {
						break
					}
				}
			case "remove":
				for _, id := range ids {
					if set, err = svc.RemoveAlwaysOn(ctx, id); err != nil {
						break
					}
				}
			default:
				return nil, fmt.Errorf("unknown action %q", action)
			}
			if err != nil {
				return nil, err
			}
			if set == nil {
				set = svc.ActiveScope(ctx).AlwaysOn
			}
			return mcp.NewToolResultText("Always on: " + joinOrNone(set.Sorted())), nil
		},
	)
}

// registerSetDefaultPreset registers the set_default_preset tool.
func registerSetDefaultPreset(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("set_default_preset",
			mcp.WithDescription("Choose the preset applied automatically at the first login of a session. Pass an empty name to clear it."),
			mcp.WithString("name", mcp.Description("Preset name; empty clears the default")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name := strings.TrimSpace(optionalString(req.GetArguments(), "name", ""))
			if err := svc.SetDefaultPreset(ctx, name); err != nil {
				return nil, err
			}
			if name == "" {
				return mcp.NewToolResultText("Default preset cleared"), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("Default preset: %s", domain.Deref(svc.ActiveScope(ctx).DefaultPreset))), nil
		},
	)
}

// registerSetNotificationMode registers the set_notification_mode tool.
func registerSetNotificationMode(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("set_notification_mode",
			mcp.WithDescription("Choose how apply results are reported: none, toast (short) or chat (detailed)."),
			mcp.WithString("mode", mcp.Required(), mcp.Description("Notification mode"), mcp.Enum("none", "toast", "chat")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			mode, err := requireString(req.GetArguments(), "mode")
			if err != nil {
				return nil, err
			}
			m, err := svc.SetNotificationMode(ctx, mode)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Notification mode: %s", m)), nil
		},
	)
}

// registerListComponents registers the list_components tool.
func registerListComponents(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("list_components",
			mcp.WithDescription("List the components installed on the host with their loaded state."),
			mcp.WithBoolean("loaded_only", mcp.Description("Only show loaded components (default: false)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			comps, err := svc.Components(ctx)
			if err != nil {
				return nil, err
			}
			loadedOnly := optionalBool(req.GetArguments(), "loaded_only", false)
			alwaysOn := svc.ActiveScope(ctx).AlwaysOn

			var buf strings.Builder
			shown := 0
			for _, c := range comps {
				if loadedOnly && !c.Loaded {
					continue
				}
				shown++
				state := "off"
				if c.Loaded {
					state = "on "
				}
				fmt.Fprintf(&buf, "[%s] %s", state, c.ID)
				if c.DisplayName != "" && c.DisplayName != c.ID {
					fmt.Fprintf(&buf, " (%s)", c.DisplayName)
				}
				var tags []string
				if alwaysOn.Has(c.ID) {
					tags = append(tags, "always-on")
				}
				if c.IsDev {
					tags = append(tags, "dev")
				}
				if c.IsThirdParty {
					tags = append(tags, "third-party")
				}
				if len(tags) > 0 {
					fmt.Fprintf(&buf, " {%s}", strings.Join(tags, ", "))
				}
				buf.WriteString("\n")
			}
			if shown == 0 {
				return mcp.NewToolResultText("No components."), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("Components (%d):\n%s", shown, strings.TrimRight(buf.String(), "\n"))), nil
		},
	)
}

// registerLogin registers the login tool, which reports a host login event.
func registerLogin(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger, sessions *app.SessionTracker) {
	s.AddTool(
		mcp.NewTool("login",
			mcp.WithDescription("Report that an identity logged in on the host. Switches to that identity's scope and, on the first login of the session, applies its default preset."),
			mcp.WithNumber("scope_id", mcp.Required(), mcp.Description("Identity id (0 is the global scope)")),
			mcp.WithString("display_name", mcp.Description("Identity display name")),
			mcp.WithString("realm_name", mcp.Description("Realm or server of the identity")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			scopeID, err := requireScopeID(args, "scope_id")
			if err != nil {
				return nil, err
			}
			id := domain.Identity{
				ScopeID:     scopeID,
				DisplayName: optionalString(args, "display_name", ""),
				RealmName:   optionalString(args, "realm_name", ""),
			}
			if sessions != nil {
				sessions.Login(id)
			} else if _, err := svc.SetActiveScope(ctx, id); err != nil {
				return nil, err
			}
			logger.Info("login", zap.Uint64("scope_id", id.ScopeID), zap.String("name", id.DisplayName))
			return mcp.NewToolResultText("Active scope: " + scopeLabel(svc.ActiveScope(ctx))), nil
		},
	)
}

// registerOpenUI registers the open_ui tool.
func registerOpenUI(s *server.MCPServer, logger *zap.Logger, clients *app.ClientRegistry) {
	s.AddTool(
		mcp.NewTool("open_ui",
			mcp.WithDescription("Return the URL of the preset management dashboard."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if clients == nil || clients.DashboardURL() == "" {
				return nil, errors.New("the management dashboard is not running")
			}
			return mcp.NewToolResultText(clients.DashboardURL()), nil
		},
	)
}
