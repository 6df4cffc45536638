package app

import (
	"sort"

	"github.com/jaakkos/loadout/internal/domain"
)

// EffectiveSet is the desired state of an apply: the preset's components plus the always-on set.
// It is recomputed on every call and never cached.
func EffectiveSet(p domain.Preset, alwaysOn domain.Set) domain.Set {
	return p.Components.Union(alwaysOn)
}

// Diff classifies installed components against an effective set.
// Every installed component lands in exactly one of ToEnable, ToDisable or NoChange;
// effective members the registry does not know about are reported as Missing.
func Diff(installed []domain.Component, effective domain.Set) domain.Preview {
	pv := domain.Preview{
		ToEnable:  []string{},
		ToDisable: []string{},
		NoChange:  []string{},
		Missing:   []string{},
	}
	seen := make(map[string]struct{}, len(installed))
	for _, c := range installed {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		want := effective.Has(c.ID)
		switch {
		case c.Loaded && !want:
			pv.ToDisable = append(pv.ToDisable, c.ID)
		case !c.Loaded && want:
			pv.ToEnable = append(pv.ToEnable, c.ID)
		default:
			pv.NoChange = append(pv.NoChange, c.ID)
		}
	}
	for id := range effective {
		if _, ok := seen[id]; !ok {
			pv.Missing = append(pv.Missing, id)
		}
	}
	sort.Strings(pv.ToEnable)
	sort.Strings(pv.ToDisable)
	sort.Strings(pv.NoChange)
	sort.Strings(pv.Missing)
	return pv
}

// loadedSet returns the ids of loaded components.
func loadedSet(installed []domain.Component) domain.Set {
	s := domain.NewSet()
	for _, c := range installed {
		if c.Loaded {
			s.Add(c.ID)
		}
	}
	return s
}

// isLoaded reports whether id is installed and loaded. Unknown ids are not loaded.
func isLoaded(installed []domain.Component, id string) bool {
	for _, c := range installed {
		if c.ID == id {
			return c.Loaded
		}
	}
	return false
}
