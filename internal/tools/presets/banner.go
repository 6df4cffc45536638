package presets

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/loadout/internal/app"
	"github.com/jaakkos/loadout/internal/domain"
)

// suppressBannerTools already report apply state themselves.
var suppressBannerTools = map[string]struct{}{
	"apply_status": {},
	"apply_preset": {},
}

// StatusMiddleware returns a ToolHandlerMiddleware that appends a banner to tool
// responses while an apply is running or when the last apply failed. It also
// records session activity in clients.
func StatusMiddleware(svc *app.PresetService, clients *app.ClientRegistry) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if session := server.ClientSessionFromContext(ctx); session != nil && clients != nil {
				clients.TouchSession(session.SessionID())
			}

			result, err := next(ctx, req)
			if err != nil || result == nil || result.IsError {
				return result, err
			}
			if _, suppress := suppressBannerTools[req.Params.Name]; suppress {
				return result, nil
			}
			if banner := buildBanner(svc.ApplyState()); banner != "" {
				appendBannerToResult(result, banner)
			}
			return result, nil
		}
	}
}

// buildBanner returns "" when there is nothing to report.
func buildBanner(st domain.ApplyState) string {
	switch {
	case st.Running:
		return fmt.Sprintf("\n\n---\nApplying %s: %s. Call apply_status for progress.", st.Preset, st.Status)
	case st.Status == "failed":
		return fmt.Sprintf("\n\n---\nThe last apply (%s) failed: %s", st.Preset, st.LastError)
	default:
		return ""
	}
}

// appendBannerToResult appends text to the last text content block, or adds a new one.
func appendBannerToResult(result *mcp.CallToolResult, banner string) {
	for i := len(result.Content) - 1; i >= 0; i-- {
		if tc, ok := result.Content[i].(mcp.TextContent); ok {
			result.Content[i] = mcp.TextContent{
				Annotated: tc.Annotated,
				Type:      "text",
				Text:      tc.Text + banner,
			}
			return
		}
	}
	result.Content = append(result.Content, mcp.TextContent{
		Type: "text",
		Text: banner,
	})
}
