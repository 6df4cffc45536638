// Package policy loads loadout configuration and exposes typed accessors for it.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalStateDir returns the default global state directory (~/.config/loadout).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "loadout")
}

// ApplyConfig tunes the reconciliation engine.
type ApplyConfig struct {
	PollIntervalMs   int   `yaml:"poll_interval_ms"`   // confirmation poll interval (default 100)
	ConfirmTimeoutMs int   `yaml:"confirm_timeout_ms"` // per-command confirmation bound (default 5000)
	SettleDelayMs    int   `yaml:"settle_delay_ms"`    // delay after every command (default 100)
	Rollback         *bool `yaml:"rollback"`           // capture rollback snapshots (default true)
}

// HostConfig configures the SQLite-backed host component registry.
type HostConfig struct {
	DBPath           string `yaml:"db_path"`            // default <state_dir>/host.sqlite
	CommandLatencyMs int    `yaml:"command_latency_ms"` // simulated delay before a command takes effect
	PersistState     bool   `yaml:"persist_state"`      // expose the persistent-state writer capability

	// Components are installed into an empty registry on first start.
	Components []HostComponent `yaml:"components"`
}

// HostComponent seeds one installed component.
type HostComponent struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Loaded      bool   `yaml:"loaded"`
	Dev         bool   `yaml:"dev"`
	ThirdParty  bool   `yaml:"third_party"`
}

// SessionConfig describes the identity that is logged in when the server starts.
// ScopeID 0 means no identity; the global scope is used until a login event arrives.
type SessionConfig struct {
	ScopeID     uint64 `yaml:"scope_id"`
	DisplayName string `yaml:"display_name"`
	RealmName   string `yaml:"realm_name"`
}

// NotificationsConfig sets the default notification mode for newly created scopes.
type NotificationsConfig struct {
	Mode string `yaml:"mode"` // none, toast (default), chat
}

// Config holds loadout configuration.
type Config struct {
	StateDir      string `yaml:"state_dir"`
	LogFile       string `yaml:"log_file"`
	HTTPPort      int    `yaml:"http_port"`
	SelfComponent string `yaml:"self_component"`

	Apply         ApplyConfig         `yaml:"apply"`
	Host          HostConfig          `yaml:"host"`
	Session       SessionConfig       `yaml:"session"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	rollback := true
	return &Config{
		HTTPPort:      8944,
		SelfComponent: "loadout",
		Apply: ApplyConfig{
			PollIntervalMs:   100,
			ConfirmTimeoutMs: 5000,
			SettleDelayMs:    100,
			Rollback:         &rollback,
		},
		Host: HostConfig{
			CommandLatencyMs: 50,
		},
		Notifications: NotificationsConfig{Mode: "toast"},
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Apply.Rollback == nil {
		rollback := true
		cfg.Apply.Rollback = &rollback
	}
	return cfg, nil
}

// Policy exposes configuration to the rest of the application.
type Policy struct {
	config *Config
	mu     sync.RWMutex // protects the session identity for runtime logins
}

// New wraps cfg.
func New(cfg *Config) *Policy {
	return &Policy{config: cfg}
}

// StateDir returns the root of on-disk state. Relative paths resolve against the working directory.
func (p *Policy) StateDir() string {
	sd := p.config.StateDir
	if sd == "" {
		return GlobalStateDir()
	}
	if abs, err := filepath.Abs(sd); err == nil {
		return abs
	}
	return sd
}

// SignalFilePath returns the path of the change signal file inside the state dir.
// Other processes watch it to learn that presets or scopes were written.
func (p *Policy) SignalFilePath() string {
	return filepath.Join(p.StateDir(), ".loadout-notify")
}

// LogFile returns the configured log file path.
// If unset, defaults to <state_dir>/loadout.log. "none" or "off" disables file logging.
func (p *Policy) LogFile() string {
	lf := p.config.LogFile
	if lf == "" {
		return filepath.Join(p.StateDir(), "loadout.log")
	}
	return lf
}

// FileLoggingDisabled reports whether the log file is switched off.
func (p *Policy) FileLoggingDisabled() bool {
	lower := strings.ToLower(p.config.LogFile)
	return lower == "none" || lower == "off"
}

// HTTPPort returns the port of the management API (0 = auto-assign).
func (p *Policy) HTTPPort() int { return p.config.HTTPPort }

// SelfComponent returns this system's own component id. It is pinned into every always-on set.
func (p *Policy) SelfComponent() string { return p.config.SelfComponent }

// PollInterval returns the confirmation poll interval.
func (p *Policy) PollInterval() time.Duration {
	return millis(p.config.Apply.PollIntervalMs, 100)
}

// ConfirmTimeout returns how long a single command may take to be confirmed.
func (p *Policy) ConfirmTimeout() time.Duration {
	return millis(p.config.Apply.ConfirmTimeoutMs, 5000)
}

// SettleDelay returns the pause after every issued command.
func (p *Policy) SettleDelay() time.Duration {
	if p.config.Apply.SettleDelayMs < 0 {
		return 0
	}
	return millis(p.config.Apply.SettleDelayMs, 100)
}

// RollbackEnabled reports whether applies capture a rollback snapshot.
func (p *Policy) RollbackEnabled() bool {
	return p.config.Apply.Rollback == nil || *p.config.Apply.Rollback
}

// HostDBPath returns the SQLite path of the host registry.
func (p *Policy) HostDBPath() string {
	if p.config.Host.DBPath != "" {
		return p.config.Host.DBPath
	}
	return filepath.Join(p.StateDir(), "host.sqlite")
}

// HostCommandLatency returns the simulated latency of host commands.
func (p *Policy) HostCommandLatency() time.Duration {
	if p.config.Host.CommandLatencyMs <= 0 {
		return 0
	}
	return time.Duration(p.config.Host.CommandLatencyMs) * time.Millisecond
}

// HostSeed returns the components installed into an empty host registry.
func (p *Policy) HostSeed() []HostComponent { return p.config.Host.Components }

// PersistHostState reports whether the persistent-state writer capability is enabled.
func (p *Policy) PersistHostState() bool { return p.config.Host.PersistState }

// DefaultNotificationMode returns the configured mode string for new scopes.
func (p *Policy) DefaultNotificationMode() string { return p.config.Notifications.Mode }

// Session returns the startup session identity.
func (p *Policy) Session() SessionConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Session
}

// SetSession records the identity of a runtime login so later one-shot commands reuse it.
func (p *Policy) SetSession(s SessionConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.Session = s
}

func millis(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Millisecond
}
