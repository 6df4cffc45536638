package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jaakkos/loadout/internal/domain"
)

var (
	// ErrApplyInProgress is returned when an apply is requested while another one runs.
	ErrApplyInProgress = errors.New("an apply is already in progress")
	// ErrNoRollback is returned when no rollback snapshot has been captured yet.
	ErrNoRollback = errors.New("no rollback snapshot available")
)

const (
	defaultPollInterval   = 100 * time.Millisecond
	defaultConfirmTimeout = 5 * time.Second
	defaultSettleDelay    = 100 * time.Millisecond
)

// Clock supplies wall-clock time to the engine.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ApplyReport summarizes a finished apply.
type ApplyReport struct {
	Preset       string        `json:"preset"`
	AlwaysOnOnly bool          `json:"always_on_only"`
	Rollback     bool          `json:"rollback"`
	Enabled      []string      `json:"enabled"`
	Disabled     []string      `json:"disabled"`
	Missing      []string      `json:"missing"`
	TimedOut     []string      `json:"timed_out"`
	Duration     time.Duration `json:"duration"`
}

// ApplyNotifier surfaces apply outcomes to the user. Implemented by *Notifier.
type ApplyNotifier interface {
	Applied(mode domain.NotificationMode, r ApplyReport)
	Failed(mode domain.NotificationMode, preset string, err error)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPollInterval sets how often a command's effect is polled for (default 100ms).
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.pollInterval = d }
}

// WithConfirmTimeout bounds the wait for one command's effect (default 5s).
func WithConfirmTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.confirmTimeout = d }
}

// WithSettleDelay sets the pause after every command, confirmed or not (default 100ms).
func WithSettleDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.settleDelay = d }
}

// WithRollback turns rollback snapshot capture on or off (default on).
func WithRollback(enabled bool) EngineOption {
	return func(e *Engine) { e.rollback = enabled }
}

// WithPersistentStateWriter attaches the optional restart-persistence capability.
func WithPersistentStateWriter(w PersistentStateWriter) EngineOption {
	return func(e *Engine) {
		if w != nil {
			e.persist = w
		}
	}
}

// WithNotifier attaches the user-facing notifier.
func WithNotifier(n ApplyNotifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithClock replaces the wall clock (tests).
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

type applyKind int

const (
	applyPreset applyKind = iota
	applyAlwaysOnOnly
	applyRollback
)

// Engine reconciles the host's loaded components with a preset plus the always-on set.
// Only one apply runs at a time; overlapping requests fail with ErrApplyInProgress.
type Engine struct {
	registry ComponentRegistry
	scopes   ScopeRepository
	logger   *zap.Logger

	pollInterval   time.Duration
	confirmTimeout time.Duration
	settleDelay    time.Duration
	rollback       bool
	persist        PersistentStateWriter
	notifier       ApplyNotifier
	clock          Clock

	guard *semaphore.Weighted

	mu       sync.Mutex
	state    domain.ApplyState
	snapshot *domain.Preset
	subs     map[int]func(domain.ApplyState)
	nextSub  int
}

// NewEngine returns an engine issuing commands to registry and recording
// last-applied pointers through scopes.
func NewEngine(registry ComponentRegistry, scopes ScopeRepository, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		registry:       registry,
		scopes:         scopes,
		logger:         logger.Named("engine"),
		pollInterval:   defaultPollInterval,
		confirmTimeout: defaultConfirmTimeout,
		settleDelay:    defaultSettleDelay,
		rollback:       true,
		persist:        unavailableWriter{},
		clock:          systemClock{},
		guard:          semaphore.NewWeighted(1),
		state:          domain.ApplyState{Status: "idle"},
		subs:           make(map[int]func(domain.ApplyState)),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Preview computes what applying p would do without issuing any command.
func (e *Engine) Preview(ctx context.Context, p domain.Preset, alwaysOn domain.Set) (domain.Preview, error) {
	installed, err := e.registry.ListInstalled(ctx)
	if err != nil {
		return domain.Preview{}, fmt.Errorf("list installed components: %w", err)
	}
	return Diff(installed, EffectiveSet(p, alwaysOn)), nil
}

// Apply makes the loaded components equal p's components plus the scope's always-on set.
// On success the scope's last-applied pointer is updated and the user notified.
// Failures are logged, notified and returned; nothing is rolled back automatically.
func (e *Engine) Apply(ctx context.Context, scope *domain.ScopeRecord, p domain.Preset) error {
	return e.run(ctx, scope, p, applyPreset)
}

// ApplyAlwaysOnOnly disables everything outside the scope's always-on set.
func (e *Engine) ApplyAlwaysOnOnly(ctx context.Context, scope *domain.ScopeRecord) error {
	p := domain.Preset{Name: domain.AlwaysOnOnlyToken, Components: domain.NewSet()}
	return e.run(ctx, scope, p, applyAlwaysOnOnly)
}

// RollbackSnapshot returns the state captured before the most recent apply.
func (e *Engine) RollbackSnapshot() (domain.Preset, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshot == nil {
		return domain.Preset{}, false
	}
	return e.snapshot.Clone(), true
}

// Rollback re-applies the snapshot taken before the most recent apply.
// It neither replaces the snapshot nor moves the scope's last-applied pointer.
func (e *Engine) Rollback(ctx context.Context, scope *domain.ScopeRecord) error {
	snap, ok := e.RollbackSnapshot()
	if !ok {
		return ErrNoRollback
	}
	return e.run(ctx, scope, snap, applyRollback)
}

// State returns the current apply state.
func (e *Engine) State() domain.ApplyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers fn for every state change and returns a function that removes it.
// fn runs on the applying goroutine and must not block.
func (e *Engine) Subscribe(fn func(domain.ApplyState)) (cancel func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) setState(fn func(*domain.ApplyState)) {
	e.mu.Lock()
	fn(&e.state)
	st := e.state
	subs := make([]func(domain.ApplyState), 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()
	for _, s := range subs {
		s(st)
	}
}

func (e *Engine) run(ctx context.Context, scope *domain.ScopeRecord, target domain.Preset, kind applyKind) error {
	if scope == nil {
		return errors.New("apply: no active scope")
	}
	if !e.guard.TryAcquire(1) {
		return ErrApplyInProgress
	}
	defer e.guard.Release(1)

	start := e.clock.Now()
	name := target.Name
	e.setState(func(s *domain.ApplyState) {
		*s = domain.ApplyState{Running: true, Status: "reading components", Preset: name, StartedAt: start}
	})

	report, err := e.reconcile(ctx, scope, target, kind)
	report.Duration = e.clock.Now().Sub(start)
	if err != nil {
		e.logger.Error("apply failed", zap.String("preset", name), zap.Uint64("scope_id", scope.ScopeID), zap.Error(err))
		e.setState(func(s *domain.ApplyState) {
			s.Running = false
			s.Status = "failed"
			s.FinishedAt = e.clock.Now()
			s.LastError = err.Error()
		})
		if e.notifier != nil {
			e.notifier.Failed(scope.NotificationMode, name, err)
		}
		return fmt.Errorf("apply %q: %w", name, err)
	}

	switch kind {
	case applyPreset:
		e.recordLastApplied(ctx, scope.ScopeID, domain.StringPtr(name), false)
	case applyAlwaysOnOnly:
		e.recordLastApplied(ctx, scope.ScopeID, nil, true)
	}

	e.logger.Info("apply complete",
		zap.String("preset", name),
		zap.Strings("enabled", report.Enabled),
		zap.Strings("disabled", report.Disabled),
		zap.Strings("missing", report.Missing),
		zap.Strings("timed_out", report.TimedOut),
		zap.Duration("took", report.Duration))
	e.setState(func(s *domain.ApplyState) {
		s.Running = false
		s.Status = "done"
		s.Progress = 1
		s.FinishedAt = e.clock.Now()
	})
	if e.notifier != nil {
		e.notifier.Applied(scope.NotificationMode, report)
	}
	return nil
}

// reconcile runs the diff, snapshot, disable and enable phases.
func (e *Engine) reconcile(ctx context.Context, scope *domain.ScopeRecord, target domain.Preset, kind applyKind) (ApplyReport, error) {
	report := ApplyReport{
		Preset:       target.Name,
		AlwaysOnOnly: kind == applyAlwaysOnOnly,
		Rollback:     kind == applyRollback,
	}
	effective := EffectiveSet(target, scope.AlwaysOn)

	installed, err := e.registry.ListInstalled(ctx)
	if err != nil {
		return report, fmt.Errorf("list installed components: %w", err)
	}
	plan := Diff(installed, effective)
	report.Missing = plan.Missing
	if len(plan.Missing) > 0 {
		e.logger.Info("components not installed", zap.String("preset", target.Name), zap.Strings("missing", plan.Missing))
	}

	if e.rollback && kind != applyRollback {
		e.captureSnapshot(installed, scope.AlwaysOn)
	}

	total := len(plan.ToDisable) + len(plan.ToEnable)
	done := 0
	step := func(cmd domain.Command, id string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.setState(func(s *domain.ApplyState) {
			s.Status = fmt.Sprintf("%s %s (%d/%d)", cmd, id, done+1, total)
		})
		if err := e.registry.SendCommand(ctx, cmd, id); err != nil {
			return fmt.Errorf("%s %s: %w", cmd, id, err)
		}
		want := cmd == domain.CommandEnable
		if !e.confirm(ctx, id, want) {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.logger.Warn("component did not reach expected state in time",
				zap.String("component", id), zap.String("command", string(cmd)), zap.Duration("timeout", e.confirmTimeout))
			report.TimedOut = append(report.TimedOut, id)
		}
		if err := sleepCtx(ctx, e.settleDelay); err != nil {
			return err
		}
		done++
		e.setState(func(s *domain.ApplyState) { s.Progress = float64(done) / float64(total) })
		return nil
	}

	for _, id := range plan.ToDisable {
		if err := step(domain.CommandDisable, id); err != nil {
			return report, err
		}
		report.Disabled = append(report.Disabled, id)
	}
	for _, id := range plan.ToEnable {
		if err := step(domain.CommandEnable, id); err != nil {
			return report, err
		}
		report.Enabled = append(report.Enabled, id)
	}

	if e.persist.Available() {
		desired := make(map[string]bool, len(installed))
		for _, c := range installed {
			desired[c.ID] = effective.Has(c.ID)
		}
		if err := e.persist.PersistDesired(ctx, desired); err != nil {
			e.logger.Warn("persist desired component state failed", zap.Error(err))
		}
	}
	return report, nil
}

// confirm polls the registry until id reports the wanted loaded flag.
// Listing errors count as "not yet".
func (e *Engine) confirm(ctx context.Context, id string, loaded bool) bool {
	return AwaitCondition(ctx, func(ctx context.Context) bool {
		installed, err := e.registry.ListInstalled(ctx)
		if err != nil {
			e.logger.Debug("poll installed components failed", zap.Error(err))
			return false
		}
		return isLoaded(installed, id) == loaded
	}, e.pollInterval, e.confirmTimeout)
}

// captureSnapshot records the loaded components outside the always-on set.
func (e *Engine) captureSnapshot(installed []domain.Component, alwaysOn domain.Set) {
	ids := make([]string, 0, len(installed))
	for id := range loadedSet(installed) {
		if !alwaysOn.Has(id) {
			ids = append(ids, id)
		}
	}
	snap := domain.NewPreset(domain.RollbackPresetName, "state before the last apply", ids...)
	snap.CreatedAt = e.clock.Now()
	snap.ModifiedAt = snap.CreatedAt
	e.mu.Lock()
	e.snapshot = &snap
	e.mu.Unlock()
}

func (e *Engine) recordLastApplied(ctx context.Context, scopeID uint64, name *string, alwaysOnOnly bool) {
	if e.scopes == nil {
		return
	}
	_, err := e.scopes.Update(ctx, scopeID, func(r *domain.ScopeRecord) error {
		r.LastAppliedPreset = name
		r.LastAppliedWasAlwaysOnOnly = alwaysOnOnly
		return nil
	})
	if err != nil {
		e.logger.Warn("record last applied preset failed", zap.Uint64("scope_id", scopeID), zap.Error(err))
	}
}
