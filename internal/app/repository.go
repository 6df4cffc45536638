// Package app implements application use cases and defines ports (repository interfaces).
package app

import (
	"context"

	"github.com/jaakkos/loadout/internal/domain"
)

// ScopeRepository persists the global and per-identity scope records.
// Returned records are copies; mutate through Update, SavePreset or Save.
// Implementation: internal/repository/filestore.
type ScopeRepository interface {
	Global(ctx context.Context) *domain.ScopeRecord
	GetOrCreate(ctx context.Context, scopeID uint64, displayName, realmName string) *domain.ScopeRecord
	Get(scopeID uint64) (*domain.ScopeRecord, bool)
	All() []*domain.ScopeRecord
	Save(ctx context.Context, rec *domain.ScopeRecord)
	Update(ctx context.Context, scopeID uint64, fn func(*domain.ScopeRecord) error) (*domain.ScopeRecord, error)
	SavePreset(ctx context.Context, scopeID uint64, p domain.Preset) error
	DeletePreset(ctx context.Context, scopeID uint64, p domain.Preset) error
	Delete(ctx context.Context, scopeID uint64) error
	CopyPresetAcrossScopes(ctx context.Context, sourceScopeID uint64, presetName string) (domain.Preset, bool)
	Reload(ctx context.Context) error
}

// ComponentRegistry is the host's component manager. Commands are fire-and-forget;
// their effect is only observable by listing components again.
// Implementation: internal/repository/sqlite.
type ComponentRegistry interface {
	ListInstalled(ctx context.Context) ([]domain.Component, error)
	SendCommand(ctx context.Context, cmd domain.Command, id string) error
}

// PersistentStateWriter optionally makes component states survive a full host restart.
// When Available is false the engine skips it entirely.
type PersistentStateWriter interface {
	Available() bool
	PersistDesired(ctx context.Context, enabled map[string]bool) error
}

// unavailableWriter is the PersistentStateWriter used when the host offers none.
type unavailableWriter struct{}

func (unavailableWriter) Available() bool { return false }

func (unavailableWriter) PersistDesired(context.Context, map[string]bool) error { return nil }
