package app

import (
	"sync"
	"time"

	"github.com/jaakkos/loadout/internal/domain"
)

// SessionTracker holds the host identity that is currently logged in and fans
// login events out to subscribers.
type SessionTracker struct {
	mu         sync.RWMutex
	current    *domain.Identity
	loggedInAt time.Time
	subs       map[int]func(domain.Identity)
	nextSub    int
}

// NewSessionTracker returns a tracker with nobody logged in.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{subs: make(map[int]func(domain.Identity))}
}

// Login records id as the active identity and notifies subscribers synchronously,
// in no particular order.
func (t *SessionTracker) Login(id domain.Identity) {
	t.mu.Lock()
	c := id
	t.current = &c
	t.loggedInAt = time.Now()
	subs := make([]func(domain.Identity), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(id)
	}
}

// Logout clears the active identity.
func (t *SessionTracker) Logout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = nil
	t.loggedInAt = time.Time{}
}

// Current returns the active identity, if any.
func (t *SessionTracker) Current() (domain.Identity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return domain.Identity{}, false
	}
	return *t.current, true
}

// LoggedInAt returns when the active identity logged in, or the zero time.
func (t *SessionTracker) LoggedInAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loggedInAt
}

// Subscribe registers fn for future logins. The returned cancel is idempotent.
func (t *SessionTracker) Subscribe(fn func(domain.Identity)) (cancel func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Subscribers returns how many login subscribers are registered.
func (t *SessionTracker) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
