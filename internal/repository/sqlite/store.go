package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/jaakkos/loadout/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS components (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	loaded INTEGER NOT NULL DEFAULT 0,
	is_dev INTEGER NOT NULL DEFAULT 0,
	is_third_party INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS desired_state (
	id TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL,
	persisted_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

var (
	// ErrUnknownComponent is returned when a command names a component that is not installed.
	ErrUnknownComponent = errors.New("component not installed")
	// ErrUnknownCommand is returned for commands other than enable and disable.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("host registry closed")
)

// Host is a component registry backed by SQLite. Commands are accepted
// immediately and take effect after the configured latency, so callers only
// observe them by listing components again.
type Host struct {
	db      *sql.DB
	logger  *zap.Logger
	latency time.Duration
	persist bool

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// Option configures a Host.
type Option func(*Host)

// WithCommandLatency delays the effect of every command by d.
func WithCommandLatency(d time.Duration) Option {
	return func(h *Host) { h.latency = d }
}

// WithPersistentState enables the persistent-state writer capability.
func WithPersistentState(enabled bool) Option {
	return func(h *Host) { h.persist = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l.Named("host")
		}
	}
}

// New opens the SQLite database at path (creating parent dirs and schema).
func New(path string, opts ...Option) (*Host, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// Delayed commands write from timer goroutines; one connection serializes them.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	h := &Host{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Close waits for in-flight commands and releases the database connection.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.pending.Wait()
	return h.db.Close()
}

// Install adds or replaces a component.
func (h *Host) Install(ctx context.Context, c domain.Component) error {
	if c.ID == "" {
		return errors.New("install: empty component id")
	}
	_, err := h.db.ExecContext(ctx, `
INSERT INTO components (id, display_name, loaded, is_dev, is_third_party, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	display_name = excluded.display_name,
	loaded = excluded.loaded,
	is_dev = excluded.is_dev,
	is_third_party = excluded.is_third_party,
	updated_at = excluded.updated_at`,
		c.ID, c.DisplayName, boolInt(c.Loaded), boolInt(c.IsDev), boolInt(c.IsThirdParty), now())
	if err != nil {
		return fmt.Errorf("install %s: %w", c.ID, err)
	}
	return nil
}

// EnsureInstalled installs c unless a component with the same id exists.
// It reports whether c was inserted.
func (h *Host) EnsureInstalled(ctx context.Context, c domain.Component) (bool, error) {
	res, err := h.db.ExecContext(ctx, `
INSERT INTO components (id, display_name, loaded, is_dev, is_third_party, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		c.ID, c.DisplayName, boolInt(c.Loaded), boolInt(c.IsDev), boolInt(c.IsThirdParty), now())
	if err != nil {
		return false, fmt.Errorf("install %s: %w", c.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Seed installs comps when the registry has no components yet.
// It returns the number of components inserted.
func (h *Host) Seed(ctx context.Context, comps []domain.Component) (int, error) {
	var count int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM components").Scan(&count); err != nil {
		return 0, fmt.Errorf("seed: %w", err)
	}
	if count > 0 {
		return 0, nil
	}
	for _, c := range comps {
		if err := h.Install(ctx, c); err != nil {
			return 0, err
		}
	}
	if len(comps) > 0 {
		h.logger.Info("seeded host registry", zap.Int("components", len(comps)))
	}
	return len(comps), nil
}

// Uninstall removes a component and any persisted desired state for it.
func (h *Host) Uninstall(ctx context.Context, id string) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("uninstall %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, "DELETE FROM components WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("uninstall %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("uninstall %s: %w", id, ErrUnknownComponent)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM desired_state WHERE id = ?", id); err != nil {
		return fmt.Errorf("uninstall %s: %w", id, err)
	}
	return tx.Commit()
}

// ListInstalled implements app.ComponentRegistry. Components are ordered by id.
func (h *Host) ListInstalled(ctx context.Context) ([]domain.Component, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT id, display_name, loaded, is_dev, is_third_party FROM components ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("components: %w", err)
	}
	defer rows.Close()
	var out []domain.Component
	for rows.Next() {
		var c domain.Component
		var loaded, dev, third int
		if err := rows.Scan(&c.ID, &c.DisplayName, &loaded, &dev, &third); err != nil {
			return nil, err
		}
		c.Loaded, c.IsDev, c.IsThirdParty = loaded != 0, dev != 0, third != 0
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("components iteration: %w", err)
	}
	return out, nil
}

// SendCommand implements app.ComponentRegistry. The command is validated
// synchronously and applied after the configured latency.
func (h *Host) SendCommand(ctx context.Context, cmd domain.Command, id string) error {
	var loaded bool
	switch cmd {
	case domain.CommandEnable:
		loaded = true
	case domain.CommandDisable:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	var exists int
	err := h.db.QueryRowContext(ctx, "SELECT 1 FROM components WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", cmd, id, ErrUnknownComponent)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", cmd, id, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.latency <= 0 {
		return h.setLoaded(ctx, id, loaded)
	}
	h.pending.Add(1)
	time.AfterFunc(h.latency, func() {
		defer h.pending.Done()
		if err := h.setLoaded(context.Background(), id, loaded); err != nil {
			h.logger.Warn("delayed command failed", zap.String("command", string(cmd)), zap.String("component", id), zap.Error(err))
		}
	})
	return nil
}

func (h *Host) setLoaded(ctx context.Context, id string, loaded bool) error {
	_, err := h.db.ExecContext(ctx, "UPDATE components SET loaded = ?, updated_at = ? WHERE id = ?", boolInt(loaded), now(), id)
	return err
}

// Available implements app.PersistentStateWriter.
func (h *Host) Available() bool { return h.persist }

// PersistDesired implements app.PersistentStateWriter. The previous desired
// state is replaced as a whole.
func (h *Host) PersistDesired(ctx context.Context, enabled map[string]bool) error {
	if !h.persist {
		return nil
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist desired: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM desired_state"); err != nil {
		return fmt.Errorf("persist desired: %w", err)
	}
	ids := make([]string, 0, len(enabled))
	for id := range enabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ts := now()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO desired_state (id, enabled, persisted_at) VALUES (?, ?, ?)",
			id, boolInt(enabled[id]), ts); err != nil {
			return fmt.Errorf("persist desired %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES ('desired_persisted_at', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", ts); err != nil {
		return fmt.Errorf("persist desired: %w", err)
	}
	return tx.Commit()
}

// DesiredState returns the persisted desired state, empty if none was written.
func (h *Host) DesiredState(ctx context.Context) (map[string]bool, error) {
	rows, err := h.db.QueryContext(ctx, "SELECT id, enabled FROM desired_state")
	if err != nil {
		return nil, fmt.Errorf("desired state: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		var enabled int
		if err := rows.Scan(&id, &enabled); err != nil {
			return nil, err
		}
		out[id] = enabled != 0
	}
	return out, rows.Err()
}

// Restart simulates a full host restart: components with a persisted desired
// state come back in that state, all others come back as they were.
// It returns the number of components whose state changed.
func (h *Host) Restart(ctx context.Context) (int, error) {
	h.pending.Wait()
	desired, err := h.DesiredState(ctx)
	if err != nil {
		return 0, err
	}
	comps, err := h.ListInstalled(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, c := range comps {
		want, ok := desired[c.ID]
		if !ok || want == c.Loaded {
			continue
		}
		if err := h.setLoaded(ctx, c.ID, want); err != nil {
			return changed, fmt.Errorf("restore %s: %w", c.ID, err)
		}
		changed++
	}
	if changed > 0 {
		h.logger.Info("restored persisted component state", zap.Int("changed", changed))
	}
	return changed, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
