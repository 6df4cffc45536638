package repository

import (
	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/domain"
	"github.com/jaakkos/loadout/internal/policy"
	"github.com/jaakkos/loadout/internal/repository/filestore"
	"github.com/jaakkos/loadout/internal/repository/sqlite"
)

// NewScopeStore returns the file-backed scope store rooted at the policy's state dir.
func NewScopeStore(pol *policy.Policy, logger *zap.Logger) *filestore.ScopeStore {
	mode := domain.ParseNotificationMode(pol.DefaultNotificationMode())
	return filestore.NewScopeStore(pol.StateDir(), logger, filestore.WithDefaultNotificationMode(mode))
}

// NewHostRegistry opens the SQLite host registry at policy.HostDBPath().
// The returned Host implements app.ComponentRegistry and app.PersistentStateWriter.
func NewHostRegistry(pol *policy.Policy, logger *zap.Logger) (*sqlite.Host, error) {
	return sqlite.New(pol.HostDBPath(),
		sqlite.WithCommandLatency(pol.HostCommandLatency()),
		sqlite.WithPersistentState(pol.PersistHostState()),
		sqlite.WithLogger(logger))
}

// SeedComponents converts the configured seed list into domain components.
func SeedComponents(pol *policy.Policy) []domain.Component {
	seed := pol.HostSeed()
	out := make([]domain.Component, 0, len(seed))
	for _, c := range seed {
		out = append(out, domain.Component{
			ID:           c.ID,
			DisplayName:  c.DisplayName,
			Loaded:       c.Loaded,
			IsDev:        c.Dev,
			IsThirdParty: c.ThirdParty,
		})
	}
	return out
}
