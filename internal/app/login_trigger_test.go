package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jaakkos/loadout/internal/domain"
)

func TestLoginTrigger_UnresolvableDefaultStaysArmed(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry([]string{selfID, "Y"}, "A")
	svc, store := newTestService(t, reg)

	// Alice's default points at a preset that does not exist.
	store.GetOrCreate(ctx, alice.ScopeID, alice.DisplayName, alice.RealmName)
	_, err := store.Update(ctx, alice.ScopeID, func(r *domain.ScopeRecord) error {
		r.DefaultPreset = domain.StringPtr("Raid")
		return nil
	})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	sessions := NewSessionTracker()
	trig := NewLoginTrigger(sessions, svc, zap.New(core))
	trig.Arm(ctx)

	sessions.Login(alice)
	trig.Wait()
	assert.False(t, trig.Triggered())
	assert.Equal(t, 1, logs.FilterMessage("default preset not found, will retry on next login").Len())
	assert.Empty(t, reg.sent(), "no apply is attempted")
	assert.Equal(t, 1, sessions.Subscribers(), "trigger stays subscribed")

	// The user fixes the preset; the next login applies it exactly once.
	_, err = svc.CreatePreset(ctx, "Raid", "", []string{"A"})
	require.NoError(t, err)
	sessions.Login(alice)
	trig.Wait()
	assert.True(t, trig.Triggered())
	assert.Equal(t, 0, sessions.Subscribers())
	assert.Equal(t, []string{"A", selfID}, reg.loaded())

	reg.resetCommands()
	sessions.Login(alice)
	trig.Wait()
	assert.Empty(t, reg.sent())
}

func TestLoginTrigger_NoDefaultIsSilent(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry([]string{"Y"})
	svc, _ := newTestService(t, reg)

	core, logs := observer.New(zapcore.WarnLevel)
	sessions := NewSessionTracker()
	trig := NewLoginTrigger(sessions, svc, zap.New(core))
	trig.Arm(ctx)
	sessions.Login(alice)
	trig.Wait()

	assert.False(t, trig.Triggered())
	assert.Zero(t, logs.Len())
	assert.Equal(t, alice.ScopeID, svc.ActiveScopeID())
}

func TestLoginTrigger_AlreadyLoggedInEvaluatesOnArm(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry(nil, selfID, "A")
	svc, _ := newTestService(t, reg)
	_, err := svc.SetActiveScope(ctx, alice)
	require.NoError(t, err)
	_, err = svc.CreatePreset(ctx, "Raid", "", []string{"A"})
	require.NoError(t, err)
	require.NoError(t, svc.SetDefaultPreset(ctx, "Raid"))

	sessions := NewSessionTracker()
	sessions.Login(alice)

	trig := NewLoginTrigger(sessions, svc, nil)
	trig.Arm(ctx)
	trig.Wait()
	assert.True(t, trig.Triggered())
	assert.Equal(t, []string{"A", selfID}, reg.loaded())
	assert.Equal(t, "Raid", domain.Deref(svc.ActiveScope(ctx).LastAppliedPreset))

	// Arming again after the trigger fired does nothing.
	trig.Arm(ctx)
	assert.Equal(t, 0, sessions.Subscribers())
}

// slowTarget blocks in SetActiveScope until released.
type slowTarget struct {
	entered chan struct{}
	release chan struct{}
	applied atomic.Int32
}

func (s *slowTarget) SetActiveScope(_ context.Context, id domain.Identity) (*domain.ScopeRecord, error) {
	close(s.entered)
	<-s.release
	rec := domain.NewScopeRecord(id.ScopeID, id.DisplayName, id.RealmName)
	rec.UpsertPreset(domain.NewPreset("Raid", "", "A"))
	rec.DefaultPreset = domain.StringPtr("Raid")
	return rec, nil
}

func (s *slowTarget) ApplyPreset(context.Context, domain.Preset) error {
	s.applied.Add(1)
	return nil
}

func TestLoginTrigger_TriggeredDoesNotWaitForScopeSwitch(t *testing.T) {
	target := &slowTarget{entered: make(chan struct{}), release: make(chan struct{})}
	sessions := NewSessionTracker()
	trig := NewLoginTrigger(sessions, target, nil)
	trig.Arm(context.Background())

	loginDone := make(chan struct{})
	go func() {
		defer close(loginDone)
		sessions.Login(alice)
	}()
	<-target.entered

	answered := make(chan bool, 1)
	go func() { answered <- trig.Triggered() }()
	select {
	case got := <-answered:
		assert.False(t, got)
	case <-time.After(time.Second):
		t.Fatal("Triggered blocked while the scope was being activated")
	}

	close(target.release)
	<-loginDone
	trig.Wait()
	assert.True(t, trig.Triggered())
	assert.Equal(t, int32(1), target.applied.Load())
	assert.Equal(t, 0, sessions.Subscribers())
}

func TestSessionTracker(t *testing.T) {
	tr := NewSessionTracker()
	_, ok := tr.Current()
	assert.False(t, ok)

	var seen []uint64
	cancel := tr.Subscribe(func(id domain.Identity) { seen = append(seen, id.ScopeID) })
	tr.Login(alice)
	cur, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, alice, cur)
	assert.False(t, tr.LoggedInAt().IsZero())

	cancel()
	cancel()
	tr.Login(domain.Identity{ScopeID: 9})
	assert.Equal(t, []uint64{42}, seen)

	tr.Logout()
	_, ok = tr.Current()
	assert.False(t, ok)
}
