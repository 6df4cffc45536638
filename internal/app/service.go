package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jaakkos/loadout/internal/domain"
)

var (
	// ErrPresetNotFound is returned when no preset in the active scope has the given name.
	ErrPresetNotFound = errors.New("preset not found")
	// ErrPresetExists is returned when a preset name is already taken in the active scope.
	ErrPresetExists = errors.New("a preset with that name already exists")
	// ErrSelfAlwaysOn is returned when removing this system's own component from the always-on set.
	ErrSelfAlwaysOn = errors.New("the self component must stay in the always-on set")
	// ErrInvalidName is returned for blank or reserved preset names.
	ErrInvalidName = errors.New("invalid preset name")
	// ErrInvalidMode is returned for unknown notification modes.
	ErrInvalidMode = errors.New("unknown notification mode")
)

// PresetService runs user-facing preset use cases against the active scope.
// It keeps this system's own component pinned in the active always-on set.
type PresetService struct {
	scopes   ScopeRepository
	engine   *Engine
	registry ComponentRegistry
	policy   Policy
	logger   *zap.Logger

	mu     sync.Mutex
	active uint64
}

// NewPresetService returns a service whose active scope is the global one.
func NewPresetService(scopes ScopeRepository, engine *Engine, registry ComponentRegistry, policy Policy, logger *zap.Logger) *PresetService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresetService{
		scopes:   scopes,
		engine:   engine,
		registry: registry,
		policy:   policy,
		logger:   logger.Named("presets"),
		active:   domain.GlobalScopeID,
	}
}

// Engine returns the reconciliation engine.
func (s *PresetService) Engine() *Engine { return s.engine }

// SetActiveScope switches to the identity's scope, creating it on first sight.
func (s *PresetService) SetActiveScope(ctx context.Context, id domain.Identity) (*domain.ScopeRecord, error) {
	s.scopes.GetOrCreate(ctx, id.ScopeID, id.DisplayName, id.RealmName)
	s.mu.Lock()
	s.active = id.ScopeID
	s.mu.Unlock()
	s.logger.Info("active scope", zap.Uint64("scope_id", id.ScopeID), zap.String("name", id.DisplayName))
	return s.EnsureSelfAlwaysOn(ctx)
}

// FollowSessions switches the active scope on every login reported by sessions.
func (s *PresetService) FollowSessions(ctx context.Context, sessions *SessionTracker) (cancel func()) {
	return sessions.Subscribe(func(id domain.Identity) {
		if _, err := s.SetActiveScope(ctx, id); err != nil {
			s.logger.Warn("activate scope on login failed", zap.Uint64("scope_id", id.ScopeID), zap.Error(err))
		}
	})
}

// ActiveScopeID returns the id of the active scope.
func (s *PresetService) ActiveScopeID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ActiveScope returns a copy of the active scope. If it vanished (deleted on disk)
// the service falls back to the global scope.
func (s *PresetService) ActiveScope(ctx context.Context) *domain.ScopeRecord {
	id := s.ActiveScopeID()
	if rec, ok := s.scopes.Get(id); ok {
		return rec
	}
	s.mu.Lock()
	s.active = domain.GlobalScopeID
	s.mu.Unlock()
	s.logger.Warn("active scope no longer exists, using global", zap.Uint64("scope_id", id))
	return s.scopes.Global(ctx)
}

// EnsureSelfAlwaysOn inserts the self component into the active always-on set if absent.
func (s *PresetService) EnsureSelfAlwaysOn(ctx context.Context) (*domain.ScopeRecord, error) {
	rec := s.ActiveScope(ctx)
	self := s.policy.SelfComponent()
	if self == "" || rec.AlwaysOn.Has(self) {
		return rec, nil
	}
	updated, err := s.scopes.Update(ctx, rec.ScopeID, func(r *domain.ScopeRecord) error {
		r.AlwaysOn.Add(self)
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("pin self component: %w", err)
	}
	s.logger.Info("pinned self component into always-on set", zap.String("component", self), zap.Uint64("scope_id", rec.ScopeID))
	s.changed()
	return updated, nil
}

// Scopes returns every known scope, global first.
func (s *PresetService) Scopes() []*domain.ScopeRecord { return s.scopes.All() }

// Presets returns the active scope's presets.
func (s *PresetService) Presets(ctx context.Context) []domain.Preset {
	return s.ActiveScope(ctx).Presets
}

// FindPreset looks a preset up by name (case-insensitive) in the active scope.
func (s *PresetService) FindPreset(ctx context.Context, name string) (domain.Preset, error) {
	p, ok := s.ActiveScope(ctx).FindPreset(strings.TrimSpace(name))
	if !ok {
		return domain.Preset{}, fmt.Errorf("%w: %q", ErrPresetNotFound, name)
	}
	return p, nil
}

func validName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.EqualFold(name, domain.AlwaysOnOnlyToken) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// CreatePreset adds a new preset to the active scope.
func (s *PresetService) CreatePreset(ctx context.Context, name, description string, components []string) (domain.Preset, error) {
	if err := validName(name); err != nil {
		return domain.Preset{}, err
	}
	name = strings.TrimSpace(name)
	if _, ok := s.ActiveScope(ctx).FindPreset(name); ok {
		return domain.Preset{}, fmt.Errorf("%w: %q", ErrPresetExists, name)
	}
	p := domain.NewPreset(name, description, components...)
	if err := s.scopes.SavePreset(ctx, s.ActiveScopeID(), p); err != nil {
		return domain.Preset{}, err
	}
	s.logger.Info("preset created", zap.String("preset", p.Name), zap.Int("components", p.Components.Len()))
	s.changed()
	return p, nil
}

// UpdatePreset applies fn to the named preset and saves it. Renames go through RenamePreset.
func (s *PresetService) UpdatePreset(ctx context.Context, name string, fn func(*domain.Preset)) (domain.Preset, error) {
	p, err := s.FindPreset(ctx, name)
	if err != nil {
		return domain.Preset{}, err
	}
	origName := p.Name
	fn(&p)
	p.Name = origName
	if err := s.scopes.SavePreset(ctx, s.ActiveScopeID(), p); err != nil {
		return domain.Preset{}, err
	}
	s.changed()
	return p, nil
}

// SavePreset creates the named preset or replaces the description and components of an existing one.
func (s *PresetService) SavePreset(ctx context.Context, name, description string, components []string) (domain.Preset, bool, error) {
	if _, err := s.FindPreset(ctx, name); err != nil {
		p, err := s.CreatePreset(ctx, name, description, components)
		return p, err == nil, err
	}
	p, err := s.UpdatePreset(ctx, name, func(p *domain.Preset) {
		p.SetDescription(description)
		p.SetComponents(components...)
	})
	return p, false, err
}

// RenamePreset renames a preset. Default and last-applied pointers keep the old
// name; a default that no longer resolves is reported at the next login.
func (s *PresetService) RenamePreset(ctx context.Context, oldName, newName string) (domain.Preset, error) {
	if err := validName(newName); err != nil {
		return domain.Preset{}, err
	}
	newName = strings.TrimSpace(newName)
	p, err := s.FindPreset(ctx, oldName)
	if err != nil {
		return domain.Preset{}, err
	}
	if other, ok := s.ActiveScope(ctx).FindPreset(newName); ok && other.ID != p.ID {
		return domain.Preset{}, fmt.Errorf("%w: %q", ErrPresetExists, newName)
	}
	p.Rename(newName)
	if err := s.scopes.SavePreset(ctx, s.ActiveScopeID(), p); err != nil {
		return domain.Preset{}, err
	}
	s.logger.Info("preset renamed", zap.String("from", oldName), zap.String("to", newName))
	s.changed()
	return p, nil
}

// DeletePreset removes a preset from the active scope.
func (s *PresetService) DeletePreset(ctx context.Context, name string) error {
	p, err := s.FindPreset(ctx, name)
	if err != nil {
		return err
	}
	if err := s.scopes.DeletePreset(ctx, s.ActiveScopeID(), p); err != nil {
		return err
	}
	s.logger.Info("preset deleted", zap.String("preset", p.Name))
	s.changed()
	return nil
}

// SetAlwaysOn replaces the active always-on set. The self component is kept regardless.
func (s *PresetService) SetAlwaysOn(ctx context.Context, ids []string) (domain.Set, error) {
	self := s.policy.SelfComponent()
	rec, err := s.scopes.Update(ctx, s.ActiveScopeID(), func(r *domain.ScopeRecord) error {
		r.AlwaysOn = domain.NewSet(ids...)
		if self != "" {
			r.AlwaysOn.Add(self)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.changed()
	return rec.AlwaysOn, nil
}

// AddAlwaysOn adds one component to the active always-on set.
func (s *PresetService) AddAlwaysOn(ctx context.Context, id string) (domain.Set, error) {
	rec, err := s.scopes.Update(ctx, s.ActiveScopeID(), func(r *domain.ScopeRecord) error {
		r.AlwaysOn.Add(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.changed()
	return rec.AlwaysOn, nil
}

// RemoveAlwaysOn removes one component from the active always-on set.
// Removing the self component is rejected.
func (s *PresetService) RemoveAlwaysOn(ctx context.Context, id string) (domain.Set, error) {
	if self := s.policy.SelfComponent(); self != "" && strings.TrimSpace(id) == self {
		return nil, fmt.Errorf("%w: %s", ErrSelfAlwaysOn, self)
	}
	rec, err := s.scopes.Update(ctx, s.ActiveScopeID(), func(r *domain.ScopeRecord) error {
		r.AlwaysOn.Remove(strings.TrimSpace(id))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.changed()
	return rec.AlwaysOn, nil
}

// SetDefaultPreset sets the preset applied on login. An empty name clears it.
func (s *PresetService) SetDefaultPreset(ctx context.Context, name string) error {
	var ptr *string
	if strings.TrimSpace(name) != "" {
		p, err := s.FindPreset(ctx, name)
		if err != nil {
			return err
		}
		ptr = domain.StringPtr(p.Name)
	}
	if _, err := s.scopes.Update(ctx, s.ActiveScopeID(), func(r *domain.ScopeRecord) error {
		r.DefaultPreset = ptr
		return nil
	}); err != nil {
		return err
	}
	s.changed()
	return nil
}

// SetNotificationMode sets how apply outcomes are reported for the active scope.
func (s *PresetService) SetNotificationMode(ctx context.Context, mode string) (domain.NotificationMode, error) {
	m := domain.NotificationMode(strings.ToLower(strings.TrimSpace(mode)))
	switch m {
	case domain.NotifyNone, domain.NotifyToast, domain.NotifyChat:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if _, err := s.scopes.Update(ctx, s.ActiveScopeID(), func(r *domain.ScopeRecord) error {
		r.NotificationMode = m
		return nil
	}); err != nil {
		return "", err
	}
	s.changed()
	return m, nil
}

// ApplyByName applies the named preset, or only the always-on set for the "alwayson" token.
func (s *PresetService) ApplyByName(ctx context.Context, name string) error {
	if strings.EqualFold(strings.TrimSpace(name), domain.AlwaysOnOnlyToken) {
		return s.ApplyAlwaysOnOnly(ctx)
	}
	p, err := s.FindPreset(ctx, name)
	if err != nil {
		return err
	}
	return s.ApplyPreset(ctx, p)
}

// ApplyPreset applies p to the active scope.
func (s *PresetService) ApplyPreset(ctx context.Context, p domain.Preset) error {
	rec, err := s.EnsureSelfAlwaysOn(ctx)
	if err != nil {
		return err
	}
	defer s.changed()
	return s.engine.Apply(ctx, rec, p)
}

// ApplyAlwaysOnOnly disables everything outside the active always-on set.
func (s *PresetService) ApplyAlwaysOnOnly(ctx context.Context) error {
	rec, err := s.EnsureSelfAlwaysOn(ctx)
	if err != nil {
		return err
	}
	defer s.changed()
	return s.engine.ApplyAlwaysOnOnly(ctx, rec)
}

// Preview reports what applying the named preset (or the "alwayson" token) would do.
func (s *PresetService) Preview(ctx context.Context, name string) (domain.Preview, error) {
	rec := s.ActiveScope(ctx)
	var p domain.Preset
	if strings.EqualFold(strings.TrimSpace(name), domain.AlwaysOnOnlyToken) {
		p = domain.Preset{Name: domain.AlwaysOnOnlyToken, Components: domain.NewSet()}
	} else {
		var err error
		if p, err = s.FindPreset(ctx, name); err != nil {
			return domain.Preview{}, err
		}
	}
	alwaysOn := rec.AlwaysOn.Clone()
	if self := s.policy.SelfComponent(); self != "" {
		alwaysOn.Add(self)
	}
	return s.engine.Preview(ctx, p, alwaysOn)
}

// Rollback re-applies the state captured before the last apply.
func (s *PresetService) Rollback(ctx context.Context) error {
	rec, err := s.EnsureSelfAlwaysOn(ctx)
	if err != nil {
		return err
	}
	return s.engine.Rollback(ctx, rec)
}

// ApplyState returns the engine's apply state.
func (s *PresetService) ApplyState() domain.ApplyState { return s.engine.State() }

// Components lists the host's installed components.
func (s *PresetService) Components(ctx context.Context) ([]domain.Component, error) {
	return s.registry.ListInstalled(ctx)
}

// ImportFromScope copies a preset from another scope into the active one under a
// fresh identity. Name clashes get a numeric suffix.
func (s *PresetService) ImportFromScope(ctx context.Context, sourceScopeID uint64, name string) (domain.Preset, error) {
	cp, ok := s.scopes.CopyPresetAcrossScopes(ctx, sourceScopeID, name)
	if !ok {
		return domain.Preset{}, fmt.Errorf("%w: %q in scope %d", ErrPresetNotFound, name, sourceScopeID)
	}
	cp.Name = s.freeName(ctx, cp.Name)
	if err := s.scopes.SavePreset(ctx, s.ActiveScopeID(), cp); err != nil {
		return domain.Preset{}, err
	}
	s.logger.Info("preset imported", zap.String("preset", cp.Name), zap.Uint64("from_scope", sourceScopeID))
	s.changed()
	return cp, nil
}

func (s *PresetService) freeName(ctx context.Context, name string) string {
	rec := s.ActiveScope(ctx)
	if _, taken := rec.FindPreset(name); !taken {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)", name, i)
		if _, taken := rec.FindPreset(candidate); !taken {
			return candidate
		}
	}
}

// presetDocument is the YAML exchange format for presets.
type presetDocument struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Components  []string `yaml:"components"`
}

// ExportYAML renders the named preset as YAML.
func (s *PresetService) ExportYAML(ctx context.Context, name string) ([]byte, error) {
	p, err := s.FindPreset(ctx, name)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(presetDocument{Name: p.Name, Description: p.Description, Components: p.Components.Sorted()})
}

// ImportYAML creates or replaces a preset from its YAML form.
func (s *PresetService) ImportYAML(ctx context.Context, data []byte) (domain.Preset, error) {
	var doc presetDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.Preset{}, fmt.Errorf("parse preset: %w", err)
	}
	p, _, err := s.SavePreset(ctx, doc.Name, doc.Description, doc.Components)
	return p, err
}

// CaptureCurrent saves the currently loaded components, minus the always-on set, as a preset.
func (s *PresetService) CaptureCurrent(ctx context.Context, name, description string) (domain.Preset, error) {
	installed, err := s.registry.ListInstalled(ctx)
	if err != nil {
		return domain.Preset{}, fmt.Errorf("list installed components: %w", err)
	}
	alwaysOn := s.ActiveScope(ctx).AlwaysOn
	var ids []string
	for id := range loadedSet(installed) {
		if !alwaysOn.Has(id) {
			ids = append(ids, id)
		}
	}
	return s.CreatePreset(ctx, name, description, ids)
}

// DeleteScope removes a per-identity scope. Deleting the active scope switches to global.
func (s *PresetService) DeleteScope(ctx context.Context, scopeID uint64) error {
	if err := s.scopes.Delete(ctx, scopeID); err != nil {
		return err
	}
	s.mu.Lock()
	if s.active == scopeID {
		s.active = domain.GlobalScopeID
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

// changed tells other processes sharing the state dir to reload.
func (s *PresetService) changed() {
	if err := TouchNotifySignal(s.policy.SignalFilePath()); err != nil {
		s.logger.Debug("touch notify signal failed", zap.Error(err))
	}
}
