package app

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/domain"
)

// LoginTarget activates a scope and applies presets to it. Implemented by *PresetService.
type LoginTarget interface {
	SetActiveScope(ctx context.Context, id domain.Identity) (*domain.ScopeRecord, error)
	ApplyPreset(ctx context.Context, p domain.Preset) error
}

// LoginTrigger applies the active scope's default preset once, on the first login
// whose default resolves. An unresolvable default leaves it armed for the next login.
type LoginTrigger struct {
	sessions *SessionTracker
	target   LoginTarget
	logger   *zap.Logger

	mu          sync.Mutex
	triggered   bool
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewLoginTrigger returns an unarmed trigger.
func NewLoginTrigger(sessions *SessionTracker, target LoginTarget, logger *zap.Logger) *LoginTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginTrigger{sessions: sessions, target: target, logger: logger.Named("login")}
}

// Arm subscribes to login events. If someone is already logged in the default is
// evaluated immediately. The apply itself runs on its own goroutine bound to ctx.
func (t *LoginTrigger) Arm(ctx context.Context) {
	t.mu.Lock()
	if t.triggered || t.unsubscribe != nil {
		t.mu.Unlock()
		return
	}
	t.unsubscribe = t.sessions.Subscribe(func(id domain.Identity) { t.evaluate(ctx, id) })
	t.mu.Unlock()

	if id, ok := t.sessions.Current(); ok {
		t.evaluate(ctx, id)
	}
}

// Triggered reports whether the default preset has been applied.
func (t *LoginTrigger) Triggered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.triggered
}

// Wait blocks until a launched apply has returned.
func (t *LoginTrigger) Wait() { t.wg.Wait() }

// evaluate resolves the default without holding t.mu; only the triggered
// check-and-set runs under the lock.
func (t *LoginTrigger) evaluate(ctx context.Context, id domain.Identity) {
	if t.Triggered() {
		return
	}

	scope, err := t.target.SetActiveScope(ctx, id)
	if err != nil {
		t.logger.Warn("activate scope on login failed", zap.Uint64("scope_id", id.ScopeID), zap.Error(err))
		return
	}
	if scope.DefaultPreset == nil {
		t.logger.Debug("no default preset configured", zap.Uint64("scope_id", id.ScopeID))
		return
	}
	p, ok := scope.FindPreset(*scope.DefaultPreset)
	if !ok {
		t.logger.Warn("default preset not found, will retry on next login",
			zap.String("preset", *scope.DefaultPreset), zap.Uint64("scope_id", id.ScopeID))
		return
	}

	t.mu.Lock()
	if t.triggered {
		t.mu.Unlock()
		return
	}
	t.triggered = true
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.wg.Add(1)
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	t.logger.Info("applying default preset", zap.String("preset", p.Name), zap.Uint64("scope_id", id.ScopeID))
	go func() {
		defer t.wg.Done()
		if err := t.target.ApplyPreset(ctx, p); err != nil {
			t.logger.Error("default preset apply failed", zap.String("preset", p.Name), zap.Error(err))
		}
	}()
}
