package credential

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/bentham/internal/config"
	"github.com/fyrsmithlabs/bentham/internal/events"
)

func newTestPool(t *testing.T, cfg PoolConfig, bus *events.Bus) *Pool {
	t.Helper()
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour // tests drive Sweep explicitly
	}
	p, err := NewPool("openai-api", cfg, bus, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func addCred(t *testing.T, p *Pool, id string) {
	t.Helper()
	require.NoError(t, p.Add(&Credential{
		ID:        id,
		SurfaceID: "openai-api",
		Type:      TypeAPIKey,
		Value:     config.Secret("sk-" + id),
		Active:    true,
	}))
}

func TestPool_RoundRobinCycles(t *testing.T) {
	p := newTestPool(t, PoolConfig{}, nil)
	addCred(t, p, "a")
	addCred(t, p, "b")
	addCred(t, p, "c")

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, p.GetNext().ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestPool_GetNextNilWhenEmpty(t *testing.T) {
	p := newTestPool(t, PoolConfig{}, nil)
	assert.Nil(t, p.GetNext())
}

func TestPool_SkipsInactiveAndExpired(t *testing.T) {
	p := newTestPool(t, PoolConfig{}, nil)
	require.NoError(t, p.Add(&Credential{ID: "inactive", SurfaceID: "openai-api", Active: false}))
	require.NoError(t, p.Add(&Credential{
		ID: "expired", SurfaceID: "openai-api", Active: true,
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	addCred(t, p, "good")

	for i := 0; i < 4; i++ {
		cred := p.GetNext()
		require.NotNil(t, cred)
		assert.Equal(t, "good", cred.ID)
	}
}

func TestPool_LeastUsed(t *testing.T) {
	p := newTestPool(t, PoolConfig{Strategy: StrategyLeastUsed}, nil)
	addCred(t, p, "a")
	addCred(t, p, "b")

	first := p.GetNext()
	second := p.GetNext()
	assert.NotEqual(t, first.ID, second.ID)

	// Skew usage: report nothing, just pull "a" ahead via direct use.
	u, _ := p.Usage("a")
	assert.Equal(t, 1, u.TotalUses)
}

func TestPool_LeastErrors(t *testing.T) {
	p := newTestPool(t, PoolConfig{Strategy: StrategyLeastErrors, MaxErrors: 10, ErrorCooldown: time.Millisecond}, nil)
	addCred(t, p, "a")
	addCred(t, p, "b")

	// Two quick errors, one sweep: cooldown clears but one error remains.
	p.ReportError("a", "rate limited")
	p.ReportError("a", "rate limited")
	time.Sleep(5 * time.Millisecond)
	p.Sweep()

	ua, _ := p.Usage("a")
	require.Equal(t, 1, ua.RecentErrors)
	for i := 0; i < 3; i++ {
		assert.Equal(t, "b", p.GetNext().ID)
	}
}

func TestPool_ErrorPutsCredentialInCooldown(t *testing.T) {
	p := newTestPool(t, PoolConfig{ErrorCooldown: time.Hour}, nil)
	addCred(t, p, "a")
	addCred(t, p, "b")

	p.ReportError("a", "timeout")

	u, ok := p.Usage("a")
	require.True(t, ok)
	assert.True(t, u.InCooldown(time.Now()))
	assert.Equal(t, "error", u.CooldownReason)
	assert.Equal(t, 1, u.FailedUses)

	// Only b is available now.
	for i := 0; i < 3; i++ {
		assert.Equal(t, "b", p.GetNext().ID)
	}
}

func TestPool_MaxErrorsEscalatesReason(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxErrors: 2, ErrorCooldown: time.Millisecond}, nil)
	addCred(t, p, "a")

	p.ReportError("a", "boom")
	u, _ := p.Usage("a")
	assert.Equal(t, "error", u.CooldownReason)

	p.ReportError("a", "boom")
	u, _ = p.Usage("a")
	assert.Equal(t, "max_errors_exceeded", u.CooldownReason)
}

func TestPool_SweepRestoresAndDecays(t *testing.T) {
	p := newTestPool(t, PoolConfig{ErrorCooldown: 10 * time.Millisecond}, nil)
	addCred(t, p, "a")

	p.ReportError("a", "boom")
	assert.Nil(t, p.GetNext())

	time.Sleep(20 * time.Millisecond)
	p.Sweep()

	u, _ := p.Usage("a")
	assert.False(t, u.InCooldown(time.Now()))
	assert.Equal(t, 0, u.RecentErrors) // 1 error, decremented once
	require.NotNil(t, p.GetNext())
}

func TestPool_ErrorWindowZeroesStaleErrors(t *testing.T) {
	p := newTestPool(t, PoolConfig{
		MaxErrors:     10,
		ErrorCooldown: time.Millisecond,
		ErrorWindow:   20 * time.Millisecond,
	}, nil)
	addCred(t, p, "a")

	p.ReportError("a", "boom")
	p.ReportError("a", "boom")
	p.ReportError("a", "boom")
	u, _ := p.Usage("a")
	assert.Equal(t, 3, u.RecentErrors)

	time.Sleep(40 * time.Millisecond)
	p.Sweep()
	u, _ = p.Usage("a")
	assert.Equal(t, 0, u.RecentErrors)
}

// Two credentials, maxErrors 2, cooldown 100ms: after two errors the first
// credential cools down with max_errors_exceeded, traffic routes to the
// second, and after the cooldown the first becomes available again. Health
// transitions healthy -> degraded -> healthy along the way.
func TestPool_CooldownRoutingAndHealthTransitions(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	bus := events.NewBus(zap.NewNop())
	bus.Subscribe(func(ev events.Event) {
		if ev.Type != events.TypePoolHealthChanged {
			return
		}
		mu.Lock()
		transitions = append(transitions, ev.Details["current"].(string))
		mu.Unlock()
	})
	t.Cleanup(bus.Close)

	p := newTestPool(t, PoolConfig{MaxErrors: 2, ErrorCooldown: 100 * time.Millisecond}, bus)
	addCred(t, p, "a")
	addCred(t, p, "b")
	assert.Equal(t, HealthHealthy, p.Health())

	p.ReportError("a", "rate limited")
	p.ReportError("a", "rate limited")
	u, _ := p.Usage("a")
	assert.Equal(t, "max_errors_exceeded", u.CooldownReason)
	assert.Equal(t, HealthDegraded, p.Health())

	// All traffic routes to b while a cools down.
	for i := 0; i < 3; i++ {
		assert.Equal(t, "b", p.GetNext().ID)
	}

	time.Sleep(120 * time.Millisecond)
	p.Sweep()
	time.Sleep(120 * time.Millisecond)
	p.Sweep() // second pass decays the remaining error count
	assert.Equal(t, HealthHealthy, p.Health())

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[p.GetNext().ID] = true
	}
	assert.True(t, seen["a"], "credential a should be back in rotation")

	bus.Close() // flush deliveries
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.Contains(t, transitions, string(HealthDegraded))
	assert.Equal(t, string(HealthHealthy), transitions[len(transitions)-1])
}

func TestPool_HealthCriticalOnlyWhenNoActiveCredentials(t *testing.T) {
	p := newTestPool(t, PoolConfig{ErrorCooldown: time.Hour}, nil)
	require.NoError(t, p.Add(&Credential{ID: "off", SurfaceID: "openai-api", Active: false}))
	assert.Equal(t, HealthCritical, p.Health())

	addCred(t, p, "only")
	assert.Equal(t, HealthHealthy, p.Health())

	// A cooling credential degrades the pool but active > 0 keeps it out
	// of critical, even though nothing is currently selectable.
	p.ReportError("only", "boom")
	assert.Equal(t, HealthDegraded, p.Health())
	assert.Nil(t, p.GetNext())
}

func TestPool_Stats(t *testing.T) {
	p := newTestPool(t, PoolConfig{ErrorCooldown: time.Hour}, nil)
	addCred(t, p, "a")
	addCred(t, p, "b")
	require.NoError(t, p.Add(&Credential{ID: "off", SurfaceID: "openai-api", Active: false}))

	p.ReportError("a", "boom")

	s := p.Stats()
	assert.Equal(t, "openai-api", s.SurfaceID)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 1, s.InCooldown)
	assert.Equal(t, 1, s.Available)
	assert.Equal(t, HealthDegraded, s.Health)
}

func TestPool_DuplicateAddRejected(t *testing.T) {
	p := newTestPool(t, PoolConfig{}, nil)
	addCred(t, p, "a")
	err := p.Add(&Credential{ID: "a", SurfaceID: "openai-api", Active: true})
	require.Error(t, err)
}
