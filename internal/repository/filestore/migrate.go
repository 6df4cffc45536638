package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/domain"
)

const (
	legacyDirName   = "legacy"
	markerFileName  = "migration_complete.marker"
	legacyAlwaysOn  = "alwayson.json"
	legacyConfig    = "config.json"
	legacyPresetDir = "presets"
	legacyScopesDir = "characters"
)

// MigrationReport summarizes one migration pass.
type MigrationReport struct {
	ScopesImported  int `json:"scopes_imported"`
	PresetsImported int `json:"presets_imported"`
	AlwaysOnAdded   int `json:"always_on_added"`
	ItemsFailed     int `json:"items_failed"`
}

// Migrator upgrades older on-disk layouts into the ScopeStore once per installation.
//
// Layouts understood, both under <root>/legacy:
//
//	characters/<id>/presets/<name>_<guid>.json   folder-per-identity layout
//	characters/<id>/alwayson.json
//	characters/<id>/config.json
//	presets/*.json, alwayson.json                 flat global layout
type Migrator struct {
	store     *ScopeStore
	legacyDir string
	marker    string
	logger    *zap.Logger
	now       func() time.Time
}

// NewMigrator returns a migrator reading <root>/legacy and writing through store.
func NewMigrator(store *ScopeStore, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		store:     store,
		legacyDir: filepath.Join(store.Root(), legacyDirName),
		marker:    filepath.Join(store.Root(), markerFileName),
		logger:    logger.Named("migrate"),
		now:       time.Now,
	}
}

// MarkerPath returns the path of the completion marker.
func (m *Migrator) MarkerPath() string { return m.marker }

// Done reports whether the completion marker exists.
func (m *Migrator) Done() bool {
	_, err := os.Stat(m.marker)
	return err == nil
}

// Run migrates unless the marker exists. The marker is written only after both
// passes return, so a crash mid-way retries on the next start.
func (m *Migrator) Run(ctx context.Context) (bool, MigrationReport, error) {
	if m.Done() {
		m.logger.Debug("migration marker present, skipping")
		return false, MigrationReport{}, nil
	}
	report, err := m.Force(ctx)
	if err != nil {
		return true, report, err
	}
	if err := m.writeMarker(); err != nil {
		return true, report, fmt.Errorf("write migration marker: %w", err)
	}
	m.logger.Info("migration complete",
		zap.Int("scopes", report.ScopesImported),
		zap.Int("presets", report.PresetsImported),
		zap.Int("failed", report.ItemsFailed))
	return true, report, nil
}

// Force runs both passes regardless of the marker and does not write it.
// Presets are upserted by stable id and always-on sets are merged, so repeating
// a pass leaves the store unchanged.
func (m *Migrator) Force(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport
	if err := m.migrateCurrent(ctx, &report); err != nil {
		return report, err
	}
	if err := m.migrateLegacy(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (m *Migrator) writeMarker() error {
	content := "migrated_at: " + m.now().UTC().Format(time.RFC3339) + "\n"
	if err := os.MkdirAll(filepath.Dir(m.marker), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.marker, []byte(content), 0o644)
}

// migrateCurrent imports the folder-per-identity layout.
func (m *Migrator) migrateCurrent(ctx context.Context, report *MigrationReport) error {
	base := filepath.Join(m.legacyDir, legacyScopesDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("read legacy scope folders failed", zap.String("dir", base), zap.Error(err))
		}
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			m.logger.Warn("skipping non-numeric legacy scope folder", zap.String("folder", e.Name()))
			continue
		}
		rec, failed := m.readLegacyScope(filepath.Join(base, e.Name()), id)
		report.ItemsFailed += failed
		if !rec.HasData() {
			m.logger.Debug("legacy scope has no data, not materialized", zap.Uint64("scope_id", id))
			continue
		}
		presets, alwaysOn, failed := m.importRecord(ctx, rec)
		report.ScopesImported++
		report.PresetsImported += presets
		report.AlwaysOnAdded += alwaysOn
		report.ItemsFailed += failed
	}
	return nil
}

// readLegacyScope reconstructs a ScopeRecord from one identity folder.
func (m *Migrator) readLegacyScope(folder string, id uint64) (*domain.ScopeRecord, int) {
	failed := 0
	rec := domain.NewScopeRecord(id, "", "")
	presetDir := filepath.Join(folder, legacyPresetDir)

	names, err := listJSON(presetDir)
	if err != nil {
		m.logger.Warn("list legacy presets failed", zap.String("dir", presetDir), zap.Error(err))
		failed++
	}
	for _, n := range names {
		p, err := readLegacyPreset(filepath.Join(presetDir, n))
		if err != nil {
			m.logger.Warn("skipping unreadable legacy preset", zap.String("file", n), zap.Error(err))
			failed++
			continue
		}
		rec.UpsertPreset(p)
	}

	alwaysOn, err := readLegacyAlwaysOn(filepath.Join(folder, legacyAlwaysOn))
	if err != nil {
		m.logger.Warn("unreadable legacy always-on list", zap.String("folder", folder), zap.Error(err))
		failed++
		alwaysOn = domain.NewSet()
	}
	rec.AlwaysOn = alwaysOn

	var cfg legacyScopeConfig
	if err := readJSON(filepath.Join(folder, legacyConfig), &cfg); err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("unreadable legacy config", zap.String("folder", folder), zap.Error(err))
			failed++
		}
		return rec, failed
	}
	rec.DisplayName = cfg.Name
	rec.RealmName = cfg.World
	rec.LastAppliedWasAlwaysOnOnly = cfg.LastAppliedWasAlwaysOnOff
	if cfg.NotificationMode != "" {
		rec.NotificationMode = domain.ParseNotificationMode(cfg.NotificationMode)
	}
	if name, ok := m.resolve(presetDir, cfg.DefaultPresetID, "default"); ok {
		rec.DefaultPreset = &name
	}
	if name, ok := m.resolve(presetDir, cfg.LastAppliedPresetID, "last applied"); ok {
		rec.LastAppliedPreset = &name
	}
	return rec, failed
}

func (m *Migrator) resolve(presetDir, legacyID, what string) (string, bool) {
	if legacyID == "" {
		return "", false
	}
	name, ok := ResolveLegacyPresetName(presetDir, legacyID)
	if !ok {
		m.logger.Warn("legacy preset reference unresolved",
			zap.String("reference", what), zap.String("legacy_id", legacyID), zap.String("dir", presetDir))
	}
	return name, ok
}

// importRecord merges rec into the store: presets upsert by id, always-on entries
// are unioned, and pointers are only filled where the stored record has none.
func (m *Migrator) importRecord(ctx context.Context, rec *domain.ScopeRecord) (presets, alwaysOn, failed int) {
	if _, exists := m.store.Get(rec.ScopeID); !exists {
		m.store.GetOrCreate(ctx, rec.ScopeID, rec.DisplayName, rec.RealmName)
	}
	for _, p := range rec.Presets {
		if err := m.store.SavePreset(ctx, rec.ScopeID, p); err != nil {
			m.logger.Warn("import legacy preset failed", zap.String("preset", p.Name), zap.Error(err))
			failed++
			continue
		}
		presets++
	}
	_, err := m.store.Update(ctx, rec.ScopeID, func(cur *domain.ScopeRecord) error {
		for id := range rec.AlwaysOn {
			if !cur.AlwaysOn.Has(id) {
				cur.AlwaysOn.Add(id)
				alwaysOn++
			}
		}
		if cur.DefaultPreset == nil && rec.DefaultPreset != nil {
			cur.DefaultPreset = domain.StringPtr(*rec.DefaultPreset)
		}
		if cur.LastAppliedPreset == nil && rec.LastAppliedPreset != nil {
			cur.LastAppliedPreset = domain.StringPtr(*rec.LastAppliedPreset)
			cur.LastAppliedWasAlwaysOnOnly = false
		} else if cur.LastAppliedPreset == nil && rec.LastAppliedWasAlwaysOnOnly {
			cur.LastAppliedWasAlwaysOnOnly = true
		}
		if rec.NotificationMode != "" && rec.NotificationMode != cur.NotificationMode && cur.NotificationMode == m.store.defaultMode {
			cur.NotificationMode = rec.NotificationMode
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("import legacy scope settings failed", zap.Uint64("scope_id", rec.ScopeID), zap.Error(err))
		failed++
	}
	return presets, alwaysOn, failed
}

// migrateLegacy imports the flat global layout. Presets import only into an empty
// global preset pool and always-on entries only into an empty global always-on set;
// the two are decided independently so neither blocks the other.
func (m *Migrator) migrateLegacy(ctx context.Context, report *MigrationReport) error {
	presetDir := filepath.Join(m.legacyDir, legacyPresetDir)
	alwaysOnPath := filepath.Join(m.legacyDir, legacyAlwaysOn)

	_, dirErr := os.Stat(presetDir)
	_, aoErr := os.Stat(alwaysOnPath)
	if dirErr != nil && aoErr != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	global := m.store.Global(ctx)
	rec := domain.NewScopeRecord(domain.GlobalScopeID, global.DisplayName, global.RealmName)
	rec.NotificationMode = ""

	if len(global.Presets) == 0 {
		names, err := listJSON(presetDir)
		if err != nil {
			m.logger.Warn("list legacy global presets failed", zap.Error(err))
			report.ItemsFailed++
		}
		for _, n := range names {
			p, err := readLegacyPreset(filepath.Join(presetDir, n))
			if err != nil {
				m.logger.Warn("skipping unreadable legacy preset", zap.String("file", n), zap.Error(err))
				report.ItemsFailed++
				continue
			}
			rec.UpsertPreset(p)
		}
	} else {
		m.logger.Info("global presets already present, legacy presets not imported")
	}

	if global.AlwaysOn.Len() == 0 {
		ao, err := readLegacyAlwaysOn(alwaysOnPath)
		if err != nil {
			m.logger.Warn("unreadable legacy always-on list", zap.Error(err))
			report.ItemsFailed++
		} else {
			rec.AlwaysOn = ao
		}
	} else {
		m.logger.Info("global always-on set already present, legacy list not imported")
	}

	if !rec.HasData() {
		return nil
	}
	presets, alwaysOn, failed := m.importRecord(ctx, rec)
	report.PresetsImported += presets
	report.AlwaysOnAdded += alwaysOn
	report.ItemsFailed += failed
	return nil
}
