// Package dashboard provides the preset management UI and the JSON API used by
// the UI and by one-shot CLI commands.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/app"
	"github.com/jaakkos/loadout/internal/domain"
	"github.com/jaakkos/loadout/internal/repository/filestore"
)

// StateSnapshot is the JSON response from /api/state.
type StateSnapshot struct {
	Timestamp     string                  `json:"timestamp"`
	Scope         ScopeSnapshot           `json:"scope"`
	Presets       []PresetSnapshot        `json:"presets"`
	Components    []ComponentSnapshot     `json:"components"`
	ComponentsErr string                  `json:"components_error,omitempty"`
	Apply         domain.ApplyState       `json:"apply"`
	Notifications []app.ApplyNotification `json:"notifications,omitempty"`
	Scopes        []ScopeSummary          `json:"scopes"`
	Clients       int                     `json:"clients"`
}

// ScopeSnapshot describes the active scope.
type ScopeSnapshot struct {
	ID                         uint64   `json:"id"`
	DisplayName                string   `json:"display_name,omitempty"`
	RealmName                  string   `json:"realm_name,omitempty"`
	AlwaysOn                   []string `json:"always_on"`
	DefaultPreset              string   `json:"default_preset,omitempty"`
	LastAppliedPreset          string   `json:"last_applied_preset,omitempty"`
	LastAppliedWasAlwaysOnOnly bool     `json:"last_applied_was_always_on_only"`
	NotificationMode           string   `json:"notification_mode"`
}

// PresetSnapshot is a per-preset summary.
type PresetSnapshot struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Components  []string `json:"components"`
	Modified    string   `json:"modified"`
	IsDefault   bool     `json:"is_default"`
	LastApplied bool     `json:"last_applied"`
}

// ComponentSnapshot is a per-component summary.
type ComponentSnapshot struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name,omitempty"`
	Loaded       bool   `json:"loaded"`
	AlwaysOn     bool   `json:"always_on"`
	IsDev        bool   `json:"is_dev,omitempty"`
	IsThirdParty bool   `json:"is_third_party,omitempty"`
}

// ScopeSummary lists a known scope.
type ScopeSummary struct {
	ID          uint64 `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	RealmName   string `json:"realm_name,omitempty"`
	Presets     int    `json:"presets"`
	LastSeen    string `json:"last_seen"`
}

// Handler holds dependencies for dashboard HTTP handlers.
type Handler struct {
	svc      *app.PresetService
	clients  *app.ClientRegistry
	sessions *app.SessionTracker // optional; login then only switches the active scope
	notifier *app.Notifier       // optional
	logger   *zap.Logger

	// background applies started with wait=false
	bg sync.WaitGroup
}

// HandlerOption configures optional dependencies for the dashboard handler.
type HandlerOption func(*Handler)

// WithSessions routes /api/login through the session tracker.
func WithSessions(t *app.SessionTracker) HandlerOption {
	return func(h *Handler) { h.sessions = t }
}

// WithNotifier includes recent apply notifications in /api/state.
func WithNotifier(n *app.Notifier) HandlerOption {
	return func(h *Handler) { h.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l.Named("dashboard")
		}
	}
}

// NewHandler creates a dashboard handler.
func NewHandler(svc *app.PresetService, clients *app.ClientRegistry, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, clients: clients, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", h.handleAPIState)
	mux.HandleFunc("/api/presets", h.handleAPIPresets)
	mux.HandleFunc("/api/preview", h.handleAPIPreview)
	mux.HandleFunc("/api/apply", h.handleAPIApply)
	mux.HandleFunc("/api/rollback", h.handleAPIRollback)
	mux.HandleFunc("/api/always-on", h.handleAPIAlwaysOn)
	mux.HandleFunc("/api/settings", h.handleAPISettings)
	mux.HandleFunc("/api/login", h.handleAPILogin)
	mux.HandleFunc("/api/export", h.handleAPIExport)
	mux.HandleFunc("/api/import", h.handleAPIImport)
	mux.HandleFunc("/dashboard", h.handleDashboard)
	mux.HandleFunc("/dashboard/", h.handleDashboard)
}

// Wait blocks until background applies started by /api/apply have returned.
func (h *Handler) Wait() { h.bg.Wait() }

// preflight writes the common headers and answers CORS preflight requests.
// It returns false when the request has been fully handled.
func preflight(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(append(methods, http.MethodOptions), ", "))
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	writeError(w, http.StatusMethodNotAllowed, strings.Join(methods, " or ")+" required")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrPresetNotFound), errors.Is(err, filestore.ErrScopeNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrApplyInProgress), errors.Is(err, app.ErrPresetExists), errors.Is(err, app.ErrNoRollback):
		return http.StatusConflict
	case errors.Is(err, app.ErrInvalidName), errors.Is(err, app.ErrInvalidMode),
		errors.Is(err, app.ErrSelfAlwaysOn), errors.Is(err, filestore.ErrGlobalScope):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) handleAPIState(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.Snapshot(r.Context()))
}

// Snapshot returns the state served by /api/state.
func (h *Handler) Snapshot(ctx context.Context) StateSnapshot {
	now := time.Now()
	rec := h.svc.ActiveScope(ctx)
	def := domain.Deref(rec.DefaultPreset)
	last := domain.Deref(rec.LastAppliedPreset)

	snap := StateSnapshot{
		Timestamp: now.Format(time.RFC3339),
		Scope: ScopeSnapshot{
			ID:                         rec.ScopeID,
			DisplayName:                rec.DisplayName,
			RealmName:                  rec.RealmName,
			AlwaysOn:                   rec.AlwaysOn.Sorted(),
			DefaultPreset:              def,
			LastAppliedPreset:          last,
			LastAppliedWasAlwaysOnOnly: rec.LastAppliedWasAlwaysOnOnly,
			NotificationMode:           string(rec.NotificationMode),
		},
		Presets:    []PresetSnapshot{},
		Components: []ComponentSnapshot{},
		Apply:      h.svc.ApplyState(),
		Scopes:     []ScopeSummary{},
	}
	for _, p := range rec.Presets {
		snap.Presets = append(snap.Presets, PresetSnapshot{
			Name:        p.Name,
			Description: p.Description,
			Components:  p.Components.Sorted(),
			Modified:    relTime(p.ModifiedAt, now),
			IsDefault:   strings.EqualFold(p.Name, def),
			LastApplied: strings.EqualFold(p.Name, last) && !rec.LastAppliedWasAlwaysOnOnly,
		})
	}

	comps, err := h.svc.Components(ctx)
	if err != nil {
		snap.ComponentsErr = err.Error()
	}
	for _, c := range comps {
		snap.Components = append(snap.Components, ComponentSnapshot{
			ID:           c.ID,
			DisplayName:  c.DisplayName,
			Loaded:       c.Loaded,
			AlwaysOn:     rec.AlwaysOn.Has(c.ID),
			IsDev:        c.IsDev,
			IsThirdParty: c.IsThirdParty,
		})
	}

	for _, s := range h.svc.Scopes() {
		snap.Scopes = append(snap.Scopes, ScopeSummary{
			ID:          s.ScopeID,
			DisplayName: s.DisplayName,
			RealmName:   s.RealmName,
			Presets:     len(s.Presets),
			LastSeen:    relTime(s.LastSeen, now),
		})
	}
	if h.notifier != nil {
		snap.Notifications = h.notifier.Recent()
	}
	if h.clients != nil {
		snap.Clients = h.clients.ClientCount()
	}
	return snap
}

// presetRequest is the body of POST /api/presets.
type presetRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Components  []string `json:"components"`
	RenameTo    string   `json:"rename_to,omitempty"`
}

func (h *Handler) handleAPIPresets(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) {
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.svc.Presets(ctx))

	case http.MethodPost:
		var req presetRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if req.RenameTo != "" {
			p, err := h.svc.RenamePreset(ctx, req.Name, req.RenameTo)
			if err != nil {
				writeError(w, statusFor(err), err.Error())
				return
			}
			writeJSON(w, http.StatusOK, p)
			return
		}
		p, created, err := h.svc.SavePreset(ctx, req.Name, req.Description, req.Components)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, p)

	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if err := h.svc.DeletePreset(ctx, name); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *Handler) handleAPIPreview(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodGet) {
		return
	}
	name := r.URL.Query().Get("preset")
	if name == "" {
		writeError(w, http.StatusBadRequest, "preset parameter is required")
		return
	}
	pv, err := h.svc.Preview(r.Context(), name)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

// applyRequest is the body of POST /api/apply.
type applyRequest struct {
	Preset string `json:"preset"`
	Wait   *bool  `json:"wait,omitempty"`
}

func (h *Handler) handleAPIApply(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodPost) {
		return
	}
	var req applyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Preset == "" {
		req.Preset = r.URL.Query().Get("preset")
	}
	if req.Preset == "" {
		writeError(w, http.StatusBadRequest, "preset is required")
		return
	}
	ctx := r.Context()
	if h.svc.ApplyState().Running {
		writeError(w, http.StatusConflict, app.ErrApplyInProgress.Error())
		return
	}
	pv, err := h.svc.Preview(ctx, req.Preset)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if req.Wait != nil && !*req.Wait {
		bg := context.WithoutCancel(ctx)
		h.bg.Add(1)
		go func() {
			defer h.bg.Done()
			if err := h.svc.ApplyByName(bg, req.Preset); err != nil {
				h.logger.Warn("background apply failed", zap.String("preset", req.Preset), zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "preview": pv})
		return
	}

	if err := h.svc.ApplyByName(ctx, req.Preset); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "preview": pv, "apply": h.svc.ApplyState()})
}

func (h *Handler) handleAPIRollback(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodPost) {
		return
	}
	if err := h.svc.Rollback(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "apply": h.svc.ApplyState()})
}

func (h *Handler) handleAPIAlwaysOn(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	ctx := r.Context()
	var (
		set domain.Set
		err error
	)
	if r.Method == http.MethodDelete {
		set, err = h.svc.RemoveAlwaysOn(ctx, r.URL.Query().Get("component"))
	} else {
		var body struct {
			Components []string `json:"components"`
			Add        string   `json:"add,omitempty"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if body.Add != "" {
			set, err = h.svc.AddAlwaysOn(ctx, body.Add)
		} else {
			set, err = h.svc.SetAlwaysOn(ctx, body.Components)
		}
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"always_on": set.Sorted()})
}

func (h *Handler) handleAPISettings(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodPost) {
		return
	}
	var body struct {
		DefaultPreset    *string `json:"default_preset,omitempty"`
		NotificationMode string  `json:"notification_mode,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	ctx := r.Context()
	if body.DefaultPreset != nil {
		if err := h.svc.SetDefaultPreset(ctx, *body.DefaultPreset); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	if body.NotificationMode != "" {
		if _, err := h.svc.SetNotificationMode(ctx, body.NotificationMode); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, h.Snapshot(ctx).Scope)
}

func (h *Handler) handleAPILogin(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodPost) {
		return
	}
	var id domain.Identity
	if err := decodeBody(r, &id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if v := r.URL.Query().Get("scope_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scope_id must be a non-negative integer")
			return
		}
		id.ScopeID = n
	}
	if h.sessions != nil {
		h.sessions.Login(id)
	} else if _, err := h.svc.SetActiveScope(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Snapshot(r.Context()).Scope)
}

func (h *Handler) handleAPIExport(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodGet) {
		return
	}
	data, err := h.svc.ExportYAML(r.Context(), r.URL.Query().Get("preset"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

func (h *Handler) handleAPIImport(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()
	if from := r.URL.Query().Get("from_scope"); from != "" {
		scopeID, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from_scope must be a non-negative integer")
			return
		}
		p, err := h.svc.ImportFromScope(ctx, scopeID, r.URL.Query().Get("preset"))
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, p)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.svc.ImportYAML(ctx, data)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func relTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return strconv.Itoa(int(d.Seconds())) + "s ago"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h ago"
	default:
		return t.Format("Jan 2 15:04")
	}
}
