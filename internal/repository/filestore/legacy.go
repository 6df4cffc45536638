package filestore

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/loadout/internal/domain"
)

// legacyNamespace seeds deterministic ids for legacy presets that never had one,
// so importing the same file twice yields the same identity.
var legacyNamespace = uuid.MustParse("6f1c7a52-3d0e-4c55-9a4e-8b2f0d6e1a37")

// legacyPreset is the preset record written by older releases.
// Older files call the component list "plugins"; newer ones "components".
type legacyPreset struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Plugins      []string  `json:"plugins"`
	Components   []string  `json:"components"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// legacyScopeConfig is the per-identity config.json of the folder-per-id layout.
// Default and last-applied presets are referenced by GUID.
type legacyScopeConfig struct {
	Name                      string `json:"name"`
	World                     string `json:"world"`
	DefaultPresetID           string `json:"default_preset_id"`
	LastAppliedPresetID       string `json:"last_applied_preset_id"`
	LastAppliedWasAlwaysOnOff bool   `json:"last_applied_was_always_on_only"`
	NotificationMode          string `json:"notification_mode"`
}

// ResolveLegacyPresetName finds the preset file in folder whose name embeds legacyID
// and returns its preset name. The record's own name wins; the file name stem is the
// fallback when the record cannot be read. Returns false when nothing matches.
func ResolveLegacyPresetName(folder, legacyID string) (string, bool) {
	legacyID = strings.TrimSpace(legacyID)
	if legacyID == "" {
		return "", false
	}
	names, err := listJSON(folder)
	if err != nil {
		return "", false
	}
	needle := strings.ToLower(legacyID)
	for _, n := range names {
		stem := strings.TrimSuffix(n, jsonExt)
		lower := strings.ToLower(stem)
		if !strings.Contains(lower, needle) {
			continue
		}
		var rec legacyPreset
		if err := readJSON(filepath.Join(folder, n), &rec); err == nil && rec.Name != "" {
			return rec.Name, true
		}
		if i := strings.LastIndex(lower, "_"+needle); i > 0 {
			return stem[:i], true
		}
		return stem, true
	}
	return "", false
}

// legacyIDFromFileName extracts the trailing "_<guid>" of a legacy preset file name.
func legacyIDFromFileName(name string) string {
	stem := strings.TrimSuffix(name, jsonExt)
	i := strings.LastIndex(stem, "_")
	if i < 0 {
		return ""
	}
	if _, err := uuid.Parse(stem[i+1:]); err != nil {
		return ""
	}
	return stem[i+1:]
}

// readLegacyPreset converts one legacy preset file into a Preset.
// The stable id is, in order: the record's id, the GUID in the file name,
// or a name-based UUID derived from the file path.
func readLegacyPreset(path string) (domain.Preset, error) {
	var rec legacyPreset
	if err := readJSON(path, &rec); err != nil {
		return domain.Preset{}, err
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		id = legacyIDFromFileName(filepath.Base(path))
	}
	if id == "" {
		id = uuid.NewSHA1(legacyNamespace, []byte(filepath.ToSlash(path))).String()
	}
	name := rec.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), jsonExt)
		if gid := legacyIDFromFileName(filepath.Base(path)); gid != "" {
			name = strings.TrimSuffix(name, "_"+gid)
		}
	}

	comps := domain.NewSet(rec.Components...)
	for _, c := range rec.Plugins {
		comps.Add(c)
	}

	created := rec.CreatedAt
	if created.IsZero() {
		if fi, err := os.Stat(path); err == nil {
			created = fi.ModTime().UTC()
		} else {
			created = time.Now().UTC()
		}
	}
	modified := rec.LastModified
	if modified.IsZero() {
		modified = created
	}
	return domain.Preset{
		ID:          id,
		Name:        name,
		Description: rec.Description,
		Components:  comps,
		CreatedAt:   created,
		ModifiedAt:  modified,
	}, nil
}

// readLegacyAlwaysOn reads a JSON string list. A missing file is an empty set.
func readLegacyAlwaysOn(path string) (domain.Set, error) {
	var ids []string
	if err := readJSON(path, &ids); err != nil {
		if os.IsNotExist(err) {
			return domain.NewSet(), nil
		}
		return nil, err
	}
	return domain.NewSet(ids...), nil
}
