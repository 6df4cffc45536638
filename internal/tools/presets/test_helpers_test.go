package presets

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/loadout/internal/app"
	"github.com/jaakkos/loadout/internal/domain"
	"github.com/jaakkos/loadout/internal/repository/filestore"
	"github.com/jaakkos/loadout/internal/repository/sqlite"
)

const selfID = "loadout"

type testPolicy struct{ root string }

func (p testPolicy) SignalFilePath() string { return filepath.Join(p.root, ".loadout-notify") }
func (p testPolicy) SelfComponent() string  { return selfID }

type testEnv struct {
	root     string
	srv      *server.MCPServer
	svc      *app.PresetService
	host     *sqlite.Host
	sessions *app.SessionTracker
	notifier *app.Notifier
	clients  *app.ClientRegistry
}

// newTestEnv wires a service over a temp state dir and a SQLite host with
// the given components installed. Loaded components are listed first.
func newTestEnv(t *testing.T, loaded []string, unloaded ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	host, err := sqlite.New(filepath.Join(root, "host.sqlite"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = host.Close() })
	ctx := context.Background()
	for _, id := range loaded {
		if err := host.Install(ctx, domain.Component{ID: id, Loaded: true}); err != nil {
			t.Fatalf("Install: %v", err)
		}
	}
	for _, id := range unloaded {
		if err := host.Install(ctx, domain.Component{ID: id}); err != nil {
			t.Fatalf("Install: %v", err)
		}
	}

	store := filestore.NewScopeStore(root, nil)
	notifier := app.NewNotifier(nil, nil)
	eng := app.NewEngine(host, store, nil,
		app.WithPollInterval(time.Millisecond),
		app.WithConfirmTimeout(200*time.Millisecond),
		app.WithSettleDelay(0),
		app.WithNotifier(notifier))
	svc := app.NewPresetService(store, eng, host, testPolicy{root: root}, nil)

	env := &testEnv{
		root:     root,
		svc:      svc,
		host:     host,
		sessions: app.NewSessionTracker(),
		notifier: notifier,
		clients:  app.NewClientRegistry(),
	}
	env.srv = server.NewMCPServer("test", "1.0.0",
		server.WithToolHandlerMiddleware(StatusMiddleware(svc, env.clients)))
	Register(env.srv, svc, nil, WithSessions(env.sessions), WithNotifier(notifier), WithClients(env.clients))
	t.Cleanup(svc.FollowSessions(ctx, env.sessions))
	return env
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
// Returns the parsed CallToolResult or an error.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)

	respBytes, marshalErr := json.Marshal(respJSON)
	if marshalErr != nil {
		t.Fatalf("marshal response: %v", marshalErr)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	return &result, nil
}

// mustCall calls a tool and fails the test on error.
func mustCall(t *testing.T, s *server.MCPServer, name string, args map[string]any) string {
	t.Helper()
	result, err := callTool(t, s, name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return resultText(t, result)
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func loadedIDs(t *testing.T, h *sqlite.Host) []string {
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
