package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/domain"
)

var (
	// ErrGlobalScope is returned when an operation would delete the global record.
	ErrGlobalScope = errors.New("the global scope cannot be deleted")
	// ErrScopeNotFound is returned for unknown scope ids.
	ErrScopeNotFound = errors.New("scope not found")
)

const (
	globalFileName = "global.json"
	scopesDirName  = "scopes"
	presetsDirName = "presets"
)

// ScopeFileName returns the file name of a per-identity record.
// Records without any name fall back to their numeric id.
func ScopeFileName(rec *domain.ScopeRecord) string {
	if strings.TrimSpace(rec.DisplayName) == "" && strings.TrimSpace(rec.RealmName) == "" {
		return "scope_" + strconv.FormatUint(rec.ScopeID, 10) + jsonExt
	}
	return SanitizeFileName(rec.DisplayName+"_"+rec.RealmName) + jsonExt
}

// ScopeOption configures a ScopeStore.
type ScopeOption func(*ScopeStore)

// WithDefaultNotificationMode sets the mode given to newly created records.
func WithDefaultNotificationMode(m domain.NotificationMode) ScopeOption {
	return func(s *ScopeStore) { s.defaultMode = m }
}

// ScopeStore owns the global record (global.json plus the preset pool) and one
// file per identity under scopes/.
type ScopeStore struct {
	root        string
	presets     *PresetStore
	logger      *zap.Logger
	defaultMode domain.NotificationMode

	mu      sync.Mutex
	loaded  bool
	records map[uint64]*domain.ScopeRecord
	files   map[uint64]string // per-identity file names currently on disk
}

// NewScopeStore returns a store rooted at root. Global presets live in root/presets.
func NewScopeStore(root string, logger *zap.Logger, opts ...ScopeOption) *ScopeStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ScopeStore{
		root:        root,
		presets:     NewPresetStore(filepath.Join(root, presetsDirName), logger),
		logger:      logger.Named("scopes"),
		defaultMode: domain.NotifyToast,
		records:     make(map[uint64]*domain.ScopeRecord),
		files:       make(map[uint64]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Root returns the state directory.
func (s *ScopeStore) Root() string { return s.root }

// Presets returns the preset store backing the global scope.
func (s *ScopeStore) Presets() *PresetStore { return s.presets }

// GlobalPath returns the fixed path of the global record.
func (s *ScopeStore) GlobalPath() string { return filepath.Join(s.root, globalFileName) }

// ScopesDir returns the directory of per-identity records.
func (s *ScopeStore) ScopesDir() string { return filepath.Join(s.root, scopesDirName) }

// Load reads the preset pool, the global record and every per-identity record.
// Unreadable records are logged and skipped; a broken global record degrades to an empty one.
func (s *ScopeStore) Load(ctx context.Context) error {
	pool, err := s.presets.LoadAll(ctx)
	if err != nil {
		return err
	}

	global := s.readGlobal()
	global.Presets = pool

	records := map[uint64]*domain.ScopeRecord{domain.GlobalScopeID: global}
	files := make(map[uint64]string)

	names, err := listJSON(s.ScopesDir())
	if err != nil {
		s.logger.Warn("list scope directory failed", zap.String("dir", s.ScopesDir()), zap.Error(err))
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec domain.ScopeRecord
		if err := readJSON(filepath.Join(s.ScopesDir(), name), &rec); err != nil {
			s.logger.Warn("skipping unreadable scope record", zap.String("file", name), zap.Error(err))
			continue
		}
		if rec.ScopeID == domain.GlobalScopeID {
			s.logger.Warn("ignoring per-identity file claiming the global scope", zap.String("file", name))
			continue
		}
		rec.Normalize()
		if prev, dup := records[rec.ScopeID]; dup {
			s.logger.Warn("duplicate scope record",
				zap.Uint64("scope_id", rec.ScopeID), zap.String("file", name), zap.String("kept", files[rec.ScopeID]))
			if !rec.LastSeen.After(prev.LastSeen) {
				continue
			}
		}
		r := rec
		records[rec.ScopeID] = &r
		files[rec.ScopeID] = name
	}

	s.mu.Lock()
	s.records = records
	s.files = files
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Reload re-reads everything from disk.
func (s *ScopeStore) Reload(ctx context.Context) error { return s.Load(ctx) }

func (s *ScopeStore) readGlobal() *domain.ScopeRecord {
	var rec domain.ScopeRecord
	if err := readJSON(s.GlobalPath(), &rec); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("global record unreadable, starting fresh", zap.Error(err))
		}
		return s.newRecord(domain.GlobalScopeID, "Global", "")
	}
	rec.ScopeID = domain.GlobalScopeID
	rec.Normalize()
	return &rec
}

func (s *ScopeStore) newRecord(id uint64, displayName, realmName string) *domain.ScopeRecord {
	rec := domain.NewScopeRecord(id, displayName, realmName)
	rec.NotificationMode = s.defaultMode
	return rec
}

// ensureLoaded loads lazily; callers hold no lock.
func (s *ScopeStore) ensureLoaded(ctx context.Context) {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if loaded {
		return
	}
	if err := s.Load(ctx); err != nil {
		s.logger.Warn("load scopes failed", zap.Error(err))
		s.mu.Lock()
		if _, ok := s.records[domain.GlobalScopeID]; !ok {
			s.records[domain.GlobalScopeID] = s.newRecord(domain.GlobalScopeID, "Global", "")
		}
		s.loaded = true
		s.mu.Unlock()
	}
}

// Global returns a copy of the global record.
func (s *ScopeStore) Global(ctx context.Context) *domain.ScopeRecord {
	s.ensureLoaded(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[domain.GlobalScopeID].Clone()
}

// Get returns a copy of the record for scopeID.
func (s *ScopeStore) Get(scopeID uint64) (*domain.ScopeRecord, bool) {
	s.ensureLoaded(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scopeID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// All returns copies of every record ordered by scope id (global first).
func (s *ScopeStore) All() []*domain.ScopeRecord {
	s.ensureLoaded(context.Background())
	s.mu.Lock()
	out := make([]*domain.ScopeRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeID < out[j].ScopeID })
	return out
}

// GetOrCreate returns the record for an identity, creating it on first sight.
// Later sights refresh the names and LastSeen; when the derived file name changes
// the old file is removed and the record is written under the new name.
func (s *ScopeStore) GetOrCreate(ctx context.Context, scopeID uint64, displayName, realmName string) *domain.ScopeRecord {
	if scopeID == domain.GlobalScopeID {
		return s.Global(ctx)
	}
	s.ensureLoaded(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[scopeID]
	if !ok {
		rec = s.newRecord(scopeID, displayName, realmName)
		s.records[scopeID] = rec
		s.logger.Info("created scope record", zap.Uint64("scope_id", scopeID), zap.String("name", displayName))
	} else {
		rec.DisplayName = displayName
		rec.RealmName = realmName
		rec.LastSeen = time.Now().UTC()
	}
	if err := s.persistLocked(rec); err != nil {
		s.logger.Warn("save scope record failed", zap.Uint64("scope_id", scopeID), zap.Error(err))
	}
	return rec.Clone()
}

// Save stores a copy of rec and writes it. Failures are logged, never returned,
// so a failed preference write cannot abort an apply in progress.
func (s *ScopeStore) Save(ctx context.Context, rec *domain.ScopeRecord) {
	if rec == nil {
		return
	}
	s.ensureLoaded(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	c := rec.Clone()
	c.Normalize()
	if c.IsGlobal() {
		// Global presets are owned by the preset pool and written one file at a time.
		if cur, ok := s.records[domain.GlobalScopeID]; ok {
			c.Presets = cur.Presets
		}
	}
	s.records[c.ScopeID] = c
	if err := s.persistLocked(c); err != nil {
		s.logger.Warn("save scope record failed", zap.Uint64("scope_id", c.ScopeID), zap.Error(err))
	}
}

// Update applies fn to the cached record and writes the result.
// Preset changes made by fn on the global record are ignored; use SavePreset.
func (s *ScopeStore) Update(ctx context.Context, scopeID uint64, fn func(*domain.ScopeRecord) error) (*domain.ScopeRecord, error) {
	s.ensureLoaded(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[scopeID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrScopeNotFound, scopeID)
	}
	c := cur.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ScopeID = scopeID
	c.Normalize()
	if c.IsGlobal() {
		c.Presets = cur.Presets
	}
	s.records[scopeID] = c
	if err := s.persistLocked(c); err != nil {
		s.logger.Warn("save scope record failed", zap.Uint64("scope_id", scopeID), zap.Error(err))
	}
	return c.Clone(), nil
}

// SavePreset upserts p into a scope. Errors are returned.
func (s *ScopeStore) SavePreset(ctx context.Context, scopeID uint64, p domain.Preset) error {
	s.ensureLoaded(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[scopeID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrScopeNotFound, scopeID)
	}
	if cur.IsGlobal() {
		if err := s.presets.Save(ctx, p); err != nil {
			return err
		}
		cur.UpsertPreset(p.Clone())
		SortPresets(cur.Presets)
		return nil
	}

	c := cur.Clone()
	c.UpsertPreset(p.Clone())
	SortPresets(c.Presets)
	if err := s.persistLocked(c); err != nil {
		return fmt.Errorf("save preset %q: %w", p.Name, err)
	}
	s.records[scopeID] = c
	return nil
}

// DeletePreset removes p from a scope.
func (s *ScopeStore) DeletePreset(ctx context.Context, scopeID uint64, p domain.Preset) error {
	s.ensureLoaded(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[scopeID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrScopeNotFound, scopeID)
	}
	if cur.IsGlobal() {
		err := s.presets.Delete(ctx, p)
		cur.RemovePreset(p.ID)
		return err
	}

	c := cur.Clone()
	if !c.RemovePreset(p.ID) {
		s.logger.Warn("preset not present in scope", zap.Uint64("scope_id", scopeID), zap.String("preset", p.Name))
		return nil
	}
	if err := s.persistLocked(c); err != nil {
		return fmt.Errorf("delete preset %q: %w", p.Name, err)
	}
	s.records[scopeID] = c
	return nil
}

// Delete removes a per-identity record and its file. The global record cannot be deleted.
func (s *ScopeStore) Delete(ctx context.Context, scopeID uint64) error {
	if scopeID == domain.GlobalScopeID {
		return ErrGlobalScope
	}
	s.ensureLoaded(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[scopeID]; !ok {
		return fmt.Errorf("%w: %d", ErrScopeNotFound, scopeID)
	}
	if name := s.files[scopeID]; name != "" {
		if err := os.Remove(filepath.Join(s.ScopesDir(), name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete scope %d: %w", scopeID, err)
		}
	}
	delete(s.records, scopeID)
	delete(s.files, scopeID)
	s.logger.Info("deleted scope record", zap.Uint64("scope_id", scopeID))
	return nil
}

// CopyPresetAcrossScopes deep-copies a named preset from a scope under a new identity.
func (s *ScopeStore) CopyPresetAcrossScopes(ctx context.Context, sourceScopeID uint64, presetName string) (domain.Preset, bool) {
	s.ensureLoaded(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sourceScopeID]
	if !ok {
		return domain.Preset{}, false
	}
	p, ok := rec.FindPreset(presetName)
	if !ok {
		return domain.Preset{}, false
	}
	return p.CopyAsNew(), true
}

// persistLocked writes rec to its file. s.mu must be held.
func (s *ScopeStore) persistLocked(rec *domain.ScopeRecord) error {
	if rec.IsGlobal() {
		c := rec.Clone()
		c.Presets = nil
		return writeJSONAtomic(s.GlobalPath(), c)
	}

	name := s.fileNameLocked(rec)
	if old := s.files[rec.ScopeID]; old != "" && old != name {
		if err := os.Remove(filepath.Join(s.ScopesDir(), old)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove renamed scope file failed", zap.String("file", old), zap.Error(err))
		} else {
			s.logger.Info("scope renamed", zap.Uint64("scope_id", rec.ScopeID), zap.String("from", old), zap.String("to", name))
		}
		delete(s.files, rec.ScopeID)
	}
	if err := writeJSONAtomic(filepath.Join(s.ScopesDir(), name), rec); err != nil {
		return err
	}
	s.files[rec.ScopeID] = name
	return nil
}

// fileNameLocked returns the file name for rec, suffixed with the scope id when
// another record already owns the plain name. s.mu must be held.
func (s *ScopeStore) fileNameLocked(rec *domain.ScopeRecord) string {
	id := strconv.FormatUint(rec.ScopeID, 10)
	base := ScopeFileName(rec)
	for _, name := range []string{base, strings.TrimSuffix(base, jsonExt) + "_" + id + jsonExt} {
		if !s.fileOwnedLocked(name, rec.ScopeID) {
			return name
		}
	}
	return "scope_" + id + jsonExt
}

func (s *ScopeStore) fileOwnedLocked(name string, except uint64) bool {
	for id, owned := range s.files {
		if id != except && owned == name {
			return true
		}
	}
	return false
}
