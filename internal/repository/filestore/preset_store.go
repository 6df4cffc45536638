package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/domain"
)

// presetRecord is the on-disk shape of one preset.
type presetRecord struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Components   domain.Set `json:"components"`
	CreatedAt    time.Time  `json:"created_at"`
	LastModified time.Time  `json:"last_modified"`
}

func toPresetRecord(p domain.Preset) presetRecord {
	return presetRecord{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		Components:   p.Components,
		CreatedAt:    p.CreatedAt,
		LastModified: p.ModifiedAt,
	}
}

func (r presetRecord) preset() domain.Preset {
	comps := r.Components
	if comps == nil {
		comps = domain.NewSet()
	}
	return domain.Preset{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Components:  comps,
		CreatedAt:   r.CreatedAt,
		ModifiedAt:  r.LastModified,
	}
}

// PresetFileName returns the file name a preset is stored under.
func PresetFileName(p domain.Preset) string {
	return SanitizeFileName(p.Name) + presetIDSuffix(p.ID)
}

// presetIDSuffix is the file name suffix shared by every file of one preset identity.
func presetIDSuffix(id string) string {
	return "_" + SanitizeFileName(id) + jsonExt
}

type presetEntry struct {
	preset domain.Preset
	file   string
}

// PresetStore keeps one JSON file per preset in a directory and caches them by id.
type PresetStore struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]presetEntry
}

// NewPresetStore returns a store rooted at dir. Nothing is read until LoadAll.
func NewPresetStore(dir string, logger *zap.Logger) *PresetStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresetStore{
		dir:     dir,
		logger:  logger.Named("presets"),
		entries: make(map[string]presetEntry),
	}
}

// Dir returns the directory holding preset files.
func (s *PresetStore) Dir() string { return s.dir }

// LoadAll reads every preset file. Unreadable or corrupt files are logged and skipped.
// The cache is replaced with what was found; the result is sorted by name.
func (s *PresetStore) LoadAll(ctx context.Context) ([]domain.Preset, error) {
	names, err := listJSON(s.dir)
	if err != nil {
		s.logger.Warn("list preset directory failed", zap.String("dir", s.dir), zap.Error(err))
		return []domain.Preset{}, nil
	}

	entries := make(map[string]presetEntry, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec presetRecord
		if err := readJSON(filepath.Join(s.dir, name), &rec); err != nil {
			s.logger.Warn("skipping unreadable preset", zap.String("file", name), zap.Error(err))
			continue
		}
		if rec.ID == "" {
			s.logger.Warn("skipping preset without id", zap.String("file", name))
			continue
		}
		if prev, dup := entries[rec.ID]; dup {
			// Keep the most recently modified copy of a duplicated identity.
			if !rec.LastModified.After(prev.preset.ModifiedAt) {
				continue
			}
		}
		entries[rec.ID] = presetEntry{preset: rec.preset(), file: name}
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return s.List(), nil
}

// List returns the cached presets sorted by name.
func (s *PresetStore) List() []domain.Preset {
	s.mu.RLock()
	out := make([]domain.Preset, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.preset.Clone())
	}
	s.mu.RUnlock()
	SortPresets(out)
	return out
}

// Get returns the cached preset with id.
func (s *PresetStore) Get(id string) (domain.Preset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.Preset{}, false
	}
	return e.preset.Clone(), true
}

// FindByName returns the first cached preset whose name matches (case-insensitive).
func (s *PresetStore) FindByName(name string) (domain.Preset, bool) {
	for _, p := range s.List() {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return domain.Preset{}, false
}

// Save writes p under its sanitized name and removes any stale file of the same identity.
// Write failures are returned: losing a preset edit must be visible to the caller.
func (s *PresetStore) Save(ctx context.Context, p domain.Preset) error {
	if p.ID == "" {
		return errors.New("save preset: missing id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Components == nil {
		p.Components = domain.NewSet()
	}
	name := PresetFileName(p)
	if err := writeJSONAtomic(filepath.Join(s.dir, name), toPresetRecord(p)); err != nil {
		return fmt.Errorf("save preset %q: %w", p.Name, err)
	}

	stale, err := s.filesForID(p.ID)
	if err != nil {
		s.logger.Warn("scan for stale preset files failed", zap.String("id", p.ID), zap.Error(err))
	}
	for _, f := range stale {
		if f == name {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove stale preset file failed", zap.String("file", f), zap.Error(err))
			continue
		}
		s.logger.Debug("removed stale preset file", zap.String("file", f))
	}

	s.mu.Lock()
	s.entries[p.ID] = presetEntry{preset: p.Clone(), file: name}
	s.mu.Unlock()
	return nil
}

// Delete removes every file carrying p's identity and drops it from the cache.
// Finding no file is logged as a warning, not an error.
func (s *PresetStore) Delete(ctx context.Context, p domain.Preset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	files, err := s.filesForID(p.ID)
	if err != nil {
		return fmt.Errorf("delete preset %q: %w", p.Name, err)
	}
	if len(files) == 0 {
		s.logger.Warn("no preset file found to delete", zap.String("preset", p.Name), zap.String("id", p.ID))
	}
	var errs []error
	for _, f := range files {
		if err := os.Remove(filepath.Join(s.dir, f)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	delete(s.entries, p.ID)
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("delete preset %q: %w", p.Name, err)
	}
	return nil
}

// filesForID lists the files in the directory whose name embeds id.
func (s *PresetStore) filesForID(id string) ([]string, error) {
	names, err := listJSON(s.dir)
	if err != nil {
		return nil, err
	}
	suffix := presetIDSuffix(id)
	var out []string
	for _, n := range names {
		if strings.HasSuffix(n, suffix) {
			out = append(out, n)
		}
	}
	return out, nil
}

// SortPresets orders presets by name (case-insensitive), then id.
func SortPresets(ps []domain.Preset) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := strings.ToLower(ps[i].Name), strings.ToLower(ps[j].Name)
		if a != b {
			return a < b
		}
		return ps[i].ID < ps[j].ID
	})
}
