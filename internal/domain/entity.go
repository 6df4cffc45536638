// Package domain holds preset, scope, and component entities.
// It has no dependencies on other packages.
package domain

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GlobalScopeID is the reserved scope id of the global record.
const GlobalScopeID uint64 = 0

// AlwaysOnOnlyToken selects "always-on only" mode wherever a preset name is accepted.
const AlwaysOnOnlyToken = "alwayson"

// RollbackPresetName is the display name of a rollback snapshot.
const RollbackPresetName = "Rollback"

// Set is an unordered set of component identifiers.
// It serializes as a sorted JSON list.
type Set map[string]struct{}

// NewSet returns a set holding ids. Empty ids are dropped.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id. Empty ids are ignored.
func (s Set) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

// Remove deletes id.
func (s Set) Remove(id string) {
	delete(s, id)
}

// Has reports whether id is a member.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of members.
func (s Set) Len() int { return len(s) }

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Union returns a new set with the members of s and other.
func (s Set) Union(other Set) Set {
	out := s.Clone()
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both sets hold the same members.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *Set) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewSet(ids...)
	return nil
}

// Preset is a named set of components the user wants active together.
type Preset struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Components  Set       `json:"components"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"last_modified"`
}

// NewPreset returns a preset with a fresh id and timestamps.
func NewPreset(name, description string, components ...string) Preset {
	now := time.Now().UTC()
	return Preset{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Components:  NewSet(components...),
		CreatedAt:   now,
		ModifiedAt:  now,
	}
}

// Clone returns a deep copy sharing the same identity.
func (p Preset) Clone() Preset {
	c := p
	c.Components = p.Components.Clone()
	return c
}

// CopyAsNew returns a deep copy with a new identity and fresh timestamps.
func (p Preset) CopyAsNew() Preset {
	return NewPreset(p.Name, p.Description, p.Components.Sorted()...)
}

func (p *Preset) touch() { p.ModifiedAt = time.Now().UTC() }

// Rename sets the display name.
func (p *Preset) Rename(name string) {
	p.Name = name
	p.touch()
}

// SetDescription replaces the description.
func (p *Preset) SetDescription(description string) {
	p.Description = description
	p.touch()
}

// SetComponents replaces the component set.
func (p *Preset) SetComponents(ids ...string) {
	p.Components = NewSet(ids...)
	p.touch()
}

// AddComponent adds one component.
func (p *Preset) AddComponent(id string) {
	if p.Components == nil {
		p.Components = NewSet()
	}
	p.Components.Add(id)
	p.touch()
}

// RemoveComponent removes one component.
func (p *Preset) RemoveComponent(id string) {
	p.Components.Remove(id)
	p.touch()
}

// NotificationMode controls how apply results are surfaced to the user.
type NotificationMode string

const (
	NotifyNone  NotificationMode = "none"
	NotifyToast NotificationMode = "toast"
	NotifyChat  NotificationMode = "chat"
)

// ParseNotificationMode maps a user string to a mode. Unknown values yield Toast.
func ParseNotificationMode(s string) NotificationMode {
	switch NotificationMode(strings.ToLower(strings.TrimSpace(s))) {
	case NotifyNone:
		return NotifyNone
	case NotifyChat:
		return NotifyChat
	default:
		return NotifyToast
	}
}

// ScopeRecord holds one identity's presets and preferences (ScopeID 0 is global).
type ScopeRecord struct {
	ScopeID                    uint64           `json:"scope_id"`
	DisplayName                string           `json:"display_name"`
	RealmName                  string           `json:"realm_name"`
	LastSeen                   time.Time        `json:"last_seen"`
	Presets                    []Preset         `json:"presets"`
	AlwaysOn                   Set              `json:"always_on"`
	DefaultPreset              *string          `json:"default_preset,omitempty"`
	LastAppliedPreset          *string          `json:"last_applied_preset,omitempty"`
	LastAppliedWasAlwaysOnOnly bool             `json:"last_applied_was_always_on_only"`
	NotificationMode           NotificationMode `json:"notification_mode"`
}

// NewScopeRecord returns an empty record for the given identity.
func NewScopeRecord(scopeID uint64, displayName, realmName string) *ScopeRecord {
	return &ScopeRecord{
		ScopeID:          scopeID,
		DisplayName:      displayName,
		RealmName:        realmName,
		LastSeen:         time.Now().UTC(),
		Presets:          []Preset{},
		AlwaysOn:         NewSet(),
		NotificationMode: NotifyToast,
	}
}

// IsGlobal reports whether this is the global record.
func (r *ScopeRecord) IsGlobal() bool { return r.ScopeID == GlobalScopeID }

// HasData reports whether the record holds any presets or always-on entries.
func (r *ScopeRecord) HasData() bool {
	return len(r.Presets) > 0 || r.AlwaysOn.Len() > 0
}

// FindPreset returns the first preset with the given name (case-insensitive).
func (r *ScopeRecord) FindPreset(name string) (Preset, bool) {
	for _, p := range r.Presets {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Preset{}, false
}

// UpsertPreset replaces the preset with the same id or appends it.
func (r *ScopeRecord) UpsertPreset(p Preset) {
	for i := range r.Presets {
		if r.Presets[i].ID == p.ID {
			r.Presets[i] = p
			return
		}
	}
	r.Presets = append(r.Presets, p)
}

// RemovePreset drops the preset with id. Returns false if absent.
func (r *ScopeRecord) RemovePreset(id string) bool {
	for i := range r.Presets {
		if r.Presets[i].ID == id {
			r.Presets = append(r.Presets[:i], r.Presets[i+1:]...)
			return true
		}
	}
	return false
}

// Normalize fills nil collections after decoding.
func (r *ScopeRecord) Normalize() {
	if r.Presets == nil {
		r.Presets = []Preset{}
	}
	for i := range r.Presets {
		if r.Presets[i].Components == nil {
			r.Presets[i].Components = NewSet()
		}
	}
	if r.AlwaysOn == nil {
		r.AlwaysOn = NewSet()
	}
	if r.NotificationMode == "" {
		r.NotificationMode = NotifyToast
	}
}

// Clone returns a deep copy.
func (r *ScopeRecord) Clone() *ScopeRecord {
	c := *r
	c.Presets = make([]Preset, len(r.Presets))
	for i, p := range r.Presets {
		c.Presets[i] = p.Clone()
	}
	c.AlwaysOn = r.AlwaysOn.Clone()
	c.DefaultPreset = cloneString(r.DefaultPreset)
	c.LastAppliedPreset = cloneString(r.LastAppliedPreset)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns *s or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Component is the host registry's view of one installed component.
type Component struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Loaded       bool   `json:"loaded"`
	IsDev        bool   `json:"is_dev"`
	IsThirdParty bool   `json:"is_third_party"`
}

// Command is an instruction sent to the host registry.
type Command string

const (
	CommandEnable  Command = "enable"
	CommandDisable Command = "disable"
)

// Preview is the classification of installed components against an effective set.
type Preview struct {
	ToEnable  []string `json:"to_enable"`
	ToDisable []string `json:"to_disable"`
	NoChange  []string `json:"no_change"`
	Missing   []string `json:"missing"`
}

// IsNoop reports whether applying would issue no commands.
func (p Preview) IsNoop() bool {
	return len(p.ToEnable) == 0 && len(p.ToDisable) == 0
}

// ApplyState is the engine's observable apply status.
type ApplyState struct {
	Running    bool      `json:"running"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	Preset     string    `json:"preset,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Identity describes the logged-in host identity a scope belongs to.
type Identity struct {
	ScopeID     uint64 `json:"scope_id"`
	DisplayName string `json:"display_name"`
	RealmName   string `json:"realm_name"`
}
