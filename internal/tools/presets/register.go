package presets

import (
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/app"
)

// RegisterOption configures optional dependencies for tool registration.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	sessions *app.SessionTracker
	notifier *app.Notifier
	clients  *app.ClientRegistry
}

// WithSessions routes the login tool through the session tracker so the login
// trigger sees the event. Without it, login only switches the active scope.
func WithSessions(t *app.SessionTracker) RegisterOption {
	return func(o *registerOpts) { o.sessions = t }
}

// WithNotifier includes recent apply notifications in apply_status.
func WithNotifier(n *app.Notifier) RegisterOption {
	return func(o *registerOpts) { o.notifier = n }
}

// WithClients enables open_ui, which reports the dashboard URL known to the registry.
func WithClients(r *app.ClientRegistry) RegisterOption {
	return func(o *registerOpts) { o.clients = r }
}

// Register registers the preset tools and resources with the mcp-go server.
func Register(s *server.MCPServer, svc *app.PresetService, logger *zap.Logger, opts ...RegisterOption) {
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("tools")

	// Preset management (6)
	registerListPresets(s, svc, logger)
	registerGetPreset(s, svc, logger)
	registerSavePreset(s, svc, logger)
	registerDeletePreset(s, svc, logger)
	registerImportPreset(s, svc, logger)
	registerExportPreset(s, svc, logger)

	// Apply (4)
	registerPreviewPreset(s, svc, logger)
	registerApplyPreset(s, svc, logger)
	registerApplyStatus(s, svc, logger, o.notifier)
	registerRollback(s, svc, logger)

	// Scope settings (3)
	registerSetAlwaysOn(s, svc, logger)
	registerSetDefaultPreset(s, svc, logger)
	registerSetNotificationMode(s, svc, logger)

	// Host and session (3)
	registerListComponents(s, svc, logger)
	registerLogin(s, svc, logger, o.sessions)
	registerOpenUI(s, logger, o.clients)

	registerResources(s, svc, logger)
}
