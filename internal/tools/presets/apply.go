package presets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/app"
	"github.com/jaakkos/loadout/internal/domain"
)

// registerPreviewPreset registers the preview_preset tool.
func registerPreviewPreset(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("preview_preset",
			mcp.WithDescription("Show what applying a preset would change without touching any component. Use the name 'alwayson' to preview disabling everything outside the always-on set."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Preset name or 'alwayson'")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name, err := requireString(req.GetArguments(), "name")
			if err != nil {
				return nil, err
			}
			pv, err := svc.Preview(ctx, name)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(formatPreview(name, pv)), nil
		},
	)
}

func formatPreview(name string, pv domain.Preview) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Preview of %s:\n", name)
	fmt.Fprintf(&buf, "  Enable (%d): %s\n", len(pv.ToEnable), joinOrNone(pv.ToEnable))
	fmt.Fprintf(&buf, "  Disable (%d): %s\n", len(pv.ToDisable), joinOrNone(pv.ToDisable))
	fmt.Fprintf(&buf, "  Unchanged (%d)\n", len(pv.NoChange))
	if len(pv.Missing) > 0 {
		fmt.Fprintf(&buf, "  Not installed (%d): %s\n", len(pv.Missing), strings.Join(pv.Missing, ", "))
	}
	if pv.IsNoop() {
		buf.WriteString("Nothing to do.")
	}
	return strings.TrimRight(buf.String(), "\n")
}

// registerApplyPreset registers the apply_preset tool.
func registerApplyPreset(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("apply_preset",
			mcp.WithDescription("Apply a preset: disable everything outside preset + always-on, then enable what is missing. Use 'alwayson' to keep only the always-on set. Only one apply runs at a time."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Preset name or 'alwayson'")),
			mcp.WithBoolean("wait", mcp.Description("Wait for the apply to finish (default: true). When false, poll apply_status.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			name, err := requireString(args, "name")
			if err != nil {
				return nil, err
			}
			if svc.ApplyState().Running {
				return nil, app.ErrApplyInProgress
			}
			pv, err := svc.Preview(ctx, name)
			if err != nil {
				return nil, err
			}

			if !optionalBool(args, "wait", true) {
				// The apply outlives the tool call; its outcome reaches the client as a notification.
				bg := context.WithoutCancel(ctx)
				go func() {
					if err := svc.ApplyByName(bg, name); err != nil {
						logger.Warn("background apply failed", zap.String("preset", name), zap.Error(err))
					}
				}()
				return mcp.NewToolResultText(fmt.Sprintf("Applying %s: %d to enable, %d to disable. Poll apply_status for progress.",
					name, len(pv.ToEnable), len(pv.ToDisable))), nil
			}

			start := time.Now()
			if err := svc.ApplyByName(ctx, name); err != nil {
				return nil, err
			}
			var buf strings.Builder
			fmt.Fprintf(&buf, "Applied %s in %s\n", name, time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(&buf, "  Enabled: %s\n", joinOrNone(pv.ToEnable))
			fmt.Fprintf(&buf, "  Disabled: %s", joinOrNone(pv.ToDisable))
			if len(pv.Missing) > 0 {
				fmt.Fprintf(&buf, "\n  Not installed: %s", strings.Join(pv.Missing, ", "))
			}
			return mcp.NewToolResultText(buf.String()), nil
		},
	)
}

// registerApplyStatus registers the apply_status tool.
func registerApplyStatus(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger, notifier *app.Notifier) {
	s.AddTool(
		mcp.NewTool("apply_status",
			mcp.WithDescription("Show the progress of the running apply, or the outcome of the last one, plus recent apply notifications."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(formatApplyStatus(svc.ApplyState(), notifier)), nil
		},
	)
}

func formatApplyStatus(st domain.ApplyState, notifier *app.Notifier) string {
	var buf strings.Builder
	if st.Running {
		fmt.Fprintf(&buf, "Applying %s: %s (%.0f%%)\n", st.Preset, st.Status, st.Progress*100)
	} else {
		fmt.Fprintf(&buf, "Status: %s\n", st.Status)
		if st.Preset != "" {
			fmt.Fprintf(&buf, "Last apply: %s", st.Preset)
			if !st.FinishedAt.IsZero() {
				fmt.Fprintf(&buf, " at %s", st.FinishedAt.Format(time.Kitchen))
			}
			buf.WriteString("\n")
		}
		if st.LastError != "" {
			fmt.Fprintf(&buf, "Error: %s\n", st.LastError)
		}
	}
	if notifier != nil {
		if recent := notifier.Recent(); len(recent) > 0 {
			buf.WriteString("Recent:\n")
			for _, n := range recent {
				fmt.Fprintf(&buf, "  [%s] %s\n", n.Level, n.Message)
			}
		}
	}
	return strings.TrimRight(buf.String(), "\n")
}

// registerRollback registers the rollback tool.
func registerRollback(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("rollback",
			mcp.WithDescription("Restore the components that were loaded before the last apply."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if err := svc.Rollback(ctx); err != nil {
				return nil, err
			}
			return mcp.NewToolResultText("Rolled back to the state before the last apply"), nil
		},
	)
}
