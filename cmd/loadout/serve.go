package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jaakkos/loadout/internal/app"
	"github.com/jaakkos/loadout/internal/domain"
	"github.com/jaakkos/loadout/internal/policy"
	"github.com/jaakkos/loadout/internal/repository"
	"github.com/jaakkos/loadout/internal/repository/filestore"
	"github.com/jaakkos/loadout/internal/repository/sqlite"
	"github.com/jaakkos/loadout/internal/tools/presets"
)

var (
	serveNoStdio bool
	servePort    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio and the HTTP management API",
	Long: `Starts loadout: stdio MCP for the launching client, and on the HTTP port the
streamable MCP endpoint (/mcp), SSE (/sse), the management API (/api/*) and
the dashboard (/dashboard).

The server stops when stdin closes, or on SIGINT/SIGTERM with --no-stdio.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoStdio, "no-stdio", false, "Serve HTTP only and run until signalled")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", -1, "HTTP port (0 = auto-assign; default from config)")
}

// serverBundle holds the long-lived components shared by the transports.
type serverBundle struct {
	pol      *policy.Policy
	logger   *zap.Logger
	host     *sqlite.Host
	store    *filestore.ScopeStore
	svc      *app.PresetService
	notifier *app.Notifier
	sessions *app.SessionTracker
	clients  *app.ClientRegistry
	mcpConns *sessionStore
}

// openBundle opens the host registry and the scope store, runs the one-time
// migration and builds the engine and service on top of them.
func openBundle(ctx context.Context, pol *policy.Policy, logger *zap.Logger) (*serverBundle, error) {
	host, err := repository.NewHostRegistry(pol, logger)
	if err != nil {
		return nil, fmt.Errorf("host registry: %w", err)
	}
	if n, err := host.Seed(ctx, repository.SeedComponents(pol)); err != nil {
		logger.Warn("seeding host components failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("seeded host components", zap.Int("count", n))
	}
	if self := pol.SelfComponent(); self != "" {
		if _, err := host.EnsureInstalled(ctx, domain.Component{ID: self, DisplayName: "Loadout", Loaded: true}); err != nil {
			logger.Warn("registering self component failed", zap.String("component", self), zap.Error(err))
		}
	}
	if pol.PersistHostState() {
		if n, err := host.Restart(ctx); err != nil {
			logger.Warn("restoring persisted component states failed", zap.Error(err))
		} else {
			logger.Info("restored persisted component states", zap.Int("count", n))
		}
	}

	store := repository.NewScopeStore(pol, logger)
	if err := store.Load(ctx); err != nil {
		_ = host.Close()
		return nil, fmt.Errorf("load scopes: %w", err)
	}

	migrator := filestore.NewMigrator(store, logger)
	if ran, report, err := migrator.Run(ctx); err != nil {
		logger.Warn("migration failed", zap.Error(err))
	} else if ran {
		logger.Info("migration complete",
			zap.Int("scopes", report.ScopesImported),
			zap.Int("presets", report.PresetsImported),
			zap.Int("failed", report.ItemsFailed))
	}

	b := &serverBundle{
		pol:      pol,
		logger:   logger,
		host:     host,
		store:    store,
		sessions: app.NewSessionTracker(),
		clients:  app.NewClientRegistry(),
		mcpConns: newSessionStore(),
	}
	b.notifier = app.NewNotifier(b.pushFunc, logger)

	eng := app.NewEngine(host, store, logger,
		app.WithPollInterval(pol.PollInterval()),
		app.WithConfirmTimeout(pol.ConfirmTimeout()),
		app.WithSettleDelay(pol.SettleDelay()),
		app.WithRollback(pol.RollbackEnabled()),
		app.WithPersistentStateWriter(host),
		app.WithNotifier(b.notifier),
	)
	b.svc = app.NewPresetService(store, eng, host, pol, logger)
	if _, err := b.svc.EnsureSelfAlwaysOn(ctx); err != nil {
		logger.Warn("pinning self component failed", zap.Error(err))
	}
	return b, nil
}

func (b *serverBundle) close() {
	if err := b.host.Close(); err != nil {
		b.logger.Warn("close host registry", zap.Error(err))
	}
}

// pushFunc delivers a notification to every initialized MCP session.
func (b *serverBundle) pushFunc(method string, params any) error {
	for _, sid := range b.clients.SessionIDs() {
		session := b.mcpConns.get(sid)
		if session == nil || !session.Initialized() {
			continue
		}
		notification := mcp.JSONRPCNotification{
			JSONRPC: "2.0",
			Notification: mcp.Notification{
				Method: method,
				Params: mcp.NotificationParams{AdditionalFields: map[string]any{"params": params}},
			},
		}
		select {
		case session.NotificationChannel() <- notification:
		default:
			b.logger.Warn("notification dropped, channel full", zap.String("session", sid), zap.String("method", method))
		}
	}
	return nil
}

// newMCPServer builds the MCP server with tools, resources and session hooks.
func (b *serverBundle) newMCPServer() *server.MCPServer {
	hooks := &server.Hooks{}
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest) {
		session := server.ClientSessionFromContext(ctx)
		if session == nil {
			return
		}
		sid := session.SessionID()
		b.mcpConns.set(sid, session)
		name := ""
		if message != nil {
			ci := message.Params.ClientInfo
			name = ci.Name
			b.logger.Info("client connected",
				zap.String("session", sid),
				zap.String("client", ci.Name),
				zap.String("client_version", ci.Version),
				zap.String("protocol", message.Params.ProtocolVersion))
		}
		b.clients.SetClient(sid, name)
	})
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			b.logger.Debug("tool called", zap.String("tool", message.Params.Name))
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		sid := session.SessionID()
		b.logger.Info("client disconnected", zap.String("session", sid), zap.String("client", b.clients.ClientName(sid)))
		b.clients.RemoveSession(sid)
		b.mcpConns.remove(sid)
	})

	s := server.NewMCPServer(
		"loadout",
		Version,
		server.WithInstructions(presets.InstructionsText()),
		server.WithToolHandlerMiddleware(presets.StatusMiddleware(b.svc, b.clients)),
		server.WithHooks(hooks),
		server.WithResourceCapabilities(false, true),
	)
	presets.Register(s, b.svc, b.logger,
		presets.WithSessions(b.sessions),
		presets.WithNotifier(b.notifier),
		presets.WithClients(b.clients))
	return s
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort >= 0 {
		cfg.HTTPPort = servePort
	}
	pol := policy.New(cfg)
	logger, syncLogger := setupLogger(pol, false)
	defer syncLogger()

	logger.Info("starting loadout",
		zap.String("version", Version),
		zap.String("state_dir", pol.StateDir()),
		zap.String("log_file", pol.LogFile()))

	// Keep running when the launching terminal goes away.
	signal.Ignore(syscall.SIGHUP)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBundle(ctx, pol, logger)
	if err != nil {
		return err
	}
	defer b.close()

	mcpServer := b.newMCPServer()

	stopFollow := b.svc.FollowSessions(ctx, b.sessions)
	defer stopFollow()
	trigger := app.NewLoginTrigger(b.sessions, b.svc, logger)
	trigger.Arm(ctx)
	defer trigger.Wait()
	if s := pol.Session(); s.ScopeID != 0 {
		b.sessions.Login(domain.Identity{ScopeID: s.ScopeID, DisplayName: s.DisplayName, RealmName: s.RealmName})
	}

	watcher := app.NewStoreWatcher(
		[]string{b.store.Root(), b.store.ScopesDir(), b.store.Presets().Dir()},
		pol.SignalFilePath(), b.store, logger,
		app.WithReloadHook(func() {
			mcpServer.SendNotificationToAllClients("notifications/resources/list_changed", nil)
		}),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watcher.Start(gctx)
		return nil
	})

	httpSrv, err := startHTTPServer(gctx, b, mcpServer, pol.HTTPPort())
	if err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	g.Go(httpSrv.serve)

	if serveNoStdio {
		logger.Info("running without stdio, waiting for a signal")
		<-ctx.Done()
	} else {
		logger.Info("stdio ready")
		stdio := server.NewStdioServer(mcpServer)
		if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			logger.Info("stdio server stopped", zap.Error(err))
		}
	}

	stop()
	httpSrv.shutdown()
	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
