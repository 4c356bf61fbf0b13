package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func quietConfig() PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.MinIdle = 0 // tests create sessions on demand
	cfg.KeepAliveInterval = time.Hour
	cfg.Platform = "X"
	return cfg
}

func newTestPool(t *testing.T, cfg PoolConfig, hooks Hooks) *Pool {
	t.Helper()
	p, err := NewPool(cfg, hooks, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

func TestCheckout_CreatesWhenHeadroom(t *testing.T) {
	p := newTestPool(t, quietConfig(), Hooks{})

	co, err := p.Checkout(context.Background(), CheckoutOptions{StudyID: "s1", TenantID: "acme"})
	require.NoError(t, err)
	require.NotNil(t, co)
	assert.Equal(t, StatusActive, co.Session.Status)
	assert.Equal(t, "s1", co.Session.StudyID)

	st := p.Stats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Checkouts)
}

func TestCheckout_ReusesIdleSession(t *testing.T) {
	p := newTestPool(t, quietConfig(), Hooks{})
	ctx := context.Background()

	co, err := p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)
	require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{PagesUsed: 1}))

	co2, err := p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)
	assert.Equal(t, co.SessionID, co2.SessionID)
	assert.Equal(t, 1, co2.Session.PageCount)
}

func TestCheckout_FiltersByEngineAndProxy(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxSessions = 2
	p := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	co, err := p.Checkout(ctx, CheckoutOptions{Engine: "firefox", ProxyURL: "http://proxy-a"})
	require.NoError(t, err)
	assert.Equal(t, "firefox", co.Session.Config.Engine)
	require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))

	// A mismatched filter creates a second session rather than reusing.
	co2, err := p.Checkout(ctx, CheckoutOptions{Engine: "chromium"})
	require.NoError(t, err)
	assert.NotEqual(t, co.SessionID, co2.SessionID)
}

func TestCheckout_TimesOutAtCapacity(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxSessions = 1
	cfg.CheckoutTimeout = 30 * time.Millisecond
	p := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	_, err := p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)

	start := time.Now()
	co, err := p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)
	assert.Nil(t, co)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestCheckout_UnblocksOnCheckin(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxSessions = 1
	cfg.CheckoutTimeout = time.Second
	p := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	co, err := p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)

	got := make(chan *Checkout, 1)
	go func() {
		co2, err := p.Checkout(ctx, CheckoutOptions{})
		assert.NoError(t, err)
		got <- co2
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))

	select {
	case co2 := <-got:
		require.NotNil(t, co2)
		assert.Equal(t, co.SessionID, co2.SessionID)
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}
}

func TestCheckIn_RecycleTriggers(t *testing.T) {
	var destroyed atomic.Int32
	hooks := Hooks{OnDestroy: func(ctx context.Context, s *Session) { destroyed.Add(1) }}

	t.Run("caller requested", func(t *testing.T) {
		p := newTestPool(t, quietConfig(), hooks)
		co, err := p.Checkout(context.Background(), CheckoutOptions{})
		require.NoError(t, err)
		require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{Recycle: true}))
		assert.Zero(t, p.Stats().Total)
	})

	t.Run("page limit", func(t *testing.T) {
		cfg := quietConfig()
		cfg.DefaultSession.MaxPages = 2
		p := newTestPool(t, cfg, hooks)
		co, err := p.Checkout(context.Background(), CheckoutOptions{})
		require.NoError(t, err)
		require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{PagesUsed: 2}))
		assert.Zero(t, p.Stats().Total)
	})

	t.Run("errored", func(t *testing.T) {
		p := newTestPool(t, quietConfig(), hooks)
		co, err := p.Checkout(context.Background(), CheckoutOptions{})
		require.NoError(t, err)
		require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{Errored: true}))
		assert.Zero(t, p.Stats().Total)
	})

	t.Run("max lifetime", func(t *testing.T) {
		cfg := quietConfig()
		cfg.MaxLifetime = time.Nanosecond
		p := newTestPool(t, cfg, hooks)
		co, err := p.Checkout(context.Background(), CheckoutOptions{})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
		require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))
		assert.Zero(t, p.Stats().Total)
	})

	assert.Equal(t, int32(4), destroyed.Load())
}

func TestCheckIn_ClearsOwnershipAndReturnsIdle(t *testing.T) {
	p := newTestPool(t, quietConfig(), Hooks{})
	co, err := p.Checkout(context.Background(), CheckoutOptions{StudyID: "s1", TenantID: "acme"})
	require.NoError(t, err)

	require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))

	st := p.Stats()
	assert.Equal(t, 1, st.Idle)
	assert.Zero(t, st.Checkouts)
	assert.Empty(t, co.Session.StudyID)
	assert.Empty(t, co.Session.TenantID)
}

func TestMaintain_ForcesExpiredCheckouts(t *testing.T) {
	cfg := quietConfig()
	cfg.CheckoutTimeout = 10 * time.Millisecond
	p := newTestPool(t, cfg, Hooks{})

	co, err := p.Checkout(context.Background(), CheckoutOptions{})
	require.NoError(t, err)
	require.NotNil(t, co)

	time.Sleep(20 * time.Millisecond)
	p.Maintain()

	// Forced check-in marks the session errored, and the reap pass
	// destroys it.
	st := p.Stats()
	assert.Zero(t, st.Checkouts)
	assert.Zero(t, st.Total)
}

func TestMaintain_WarmupKeepsMinIdle(t *testing.T) {
	var created atomic.Int32
	cfg := quietConfig()
	cfg.MinIdle = 3
	cfg.MaxSessions = 5
	p := newTestPool(t, cfg, Hooks{
		OnCreate: func(ctx context.Context, s *Session) error {
			created.Add(1)
			return nil
		},
	})

	p.Maintain()
	st := p.Stats()
	assert.Equal(t, 3, st.Idle)
	assert.Equal(t, int32(3), created.Load())

	// Warmup respects MaxSessions.
	cfg2 := quietConfig()
	cfg2.MinIdle = 4
	cfg2.MaxSessions = 2
	p2 := newTestPool(t, cfg2, Hooks{})
	p2.Maintain()
	assert.Equal(t, 2, p2.Stats().Total)
}

func TestMaintain_KeepAliveFailureErrorsSession(t *testing.T) {
	calls := atomic.Int32{}
	p := newTestPool(t, quietConfig(), Hooks{
		OnKeepAlive: func(ctx context.Context, s *Session) error {
			if calls.Add(1) == 1 {
				return errors.New("cookie refresh failed")
			}
			return nil
		},
	})

	co, err := p.Checkout(context.Background(), CheckoutOptions{})
	require.NoError(t, err)
	require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))

	p.Maintain()
	assert.Zero(t, p.Stats().Total) // errored then reaped
}

func TestMaintain_KeepAlivePanicIsContained(t *testing.T) {
	p := newTestPool(t, quietConfig(), Hooks{
		OnKeepAlive: func(ctx context.Context, s *Session) error {
			panic("browser gone")
		},
	})

	co, err := p.Checkout(context.Background(), CheckoutOptions{})
	require.NoError(t, err)
	require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))

	assert.NotPanics(t, p.Maintain)
	assert.Zero(t, p.Stats().Total)
}

func TestMaintain_IdleTimeoutReaps(t *testing.T) {
	cfg := quietConfig()
	cfg.IdleTimeout = time.Nanosecond
	p := newTestPool(t, cfg, Hooks{})

	co, err := p.Checkout(context.Background(), CheckoutOptions{})
	require.NoError(t, err)
	require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))

	time.Sleep(time.Millisecond)
	p.Maintain()
	assert.Zero(t, p.Stats().Total)
}

func TestCreateFailureMovesToError(t *testing.T) {
	cfg := quietConfig()
	cfg.CheckoutTimeout = 20 * time.Millisecond
	p := newTestPool(t, cfg, Hooks{
		OnCreate: func(ctx context.Context, s *Session) error {
			return errors.New("no browser slots")
		},
	})

	co, err := p.Checkout(context.Background(), CheckoutOptions{})
	require.NoError(t, err)
	assert.Nil(t, co)
	assert.GreaterOrEqual(t, p.Stats().Errored, 1)

	// The reap pass clears failed warmups.
	p.Maintain()
	assert.Zero(t, p.Stats().Total)
}

func TestGetExpiryForecast(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxSessions = 3
	p := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	now := time.Now()
	for _, ttl := range []time.Duration{4 * time.Minute, 12 * time.Minute, 45 * time.Minute} {
		co, err := p.Checkout(ctx, CheckoutOptions{})
		require.NoError(t, err)
		require.NoError(t, p.MarkAuthenticated(co.SessionID, now.Add(ttl)))
		require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))
	}

	forecast := p.GetExpiryForecast()
	require.Contains(t, forecast, "X")
	f := forecast["X"]
	assert.Equal(t, 1, f.Next5Min)
	assert.Equal(t, 1, f.Next15Min)
	assert.Equal(t, 0, f.Next30Min)
	assert.Equal(t, 1, f.Next1Hour)
	assert.Equal(t, 0, f.Unknown)
	assert.Equal(t, 3, f.TotalAuthenticated)
}

func TestGetSessionsExpiringSoon_SortedAscending(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxSessions = 3
	p := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	now := time.Now()
	for _, ttl := range []time.Duration{45 * time.Minute, 4 * time.Minute, 12 * time.Minute} {
		co, err := p.Checkout(ctx, CheckoutOptions{})
		require.NoError(t, err)
		require.NoError(t, p.MarkAuthenticated(co.SessionID, now.Add(ttl)))
		require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))
	}

	soon := p.GetSessionsExpiringSoon(15)
	require.Len(t, soon, 2)
	assert.Less(t, soon[0].MinutesRemaining, soon[1].MinutesRemaining)
	assert.InDelta(t, 4, soon[0].MinutesRemaining, 1)
	assert.InDelta(t, 12, soon[1].MinutesRemaining, 1)
}

func TestHasCapacity(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxSessions = 2
	p := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	now := time.Now()
	co1, err := p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)
	require.NoError(t, p.MarkAuthenticated(co1.SessionID, now.Add(time.Hour)))
	require.NoError(t, p.CheckIn(co1.SessionID, CheckinOptions{}))

	co2, err := p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)
	require.NoError(t, p.MarkAuthenticated(co2.SessionID, now.Add(2*time.Minute)))
	require.NoError(t, p.CheckIn(co2.SessionID, CheckinOptions{}))

	assert.True(t, p.HasCapacity("X", 2, 1))  // both still valid in 1 minute
	assert.False(t, p.HasCapacity("X", 2, 10)) // the 2-minute cookie dies first
	assert.True(t, p.HasCapacity("X", 1, 10))
	assert.False(t, p.HasCapacity("Y", 1, 0))
}

func TestShutdown_DestroysAllAndIsIdempotent(t *testing.T) {
	var destroyed atomic.Int32
	cfg := quietConfig()
	cfg.MaxSessions = 2
	p := newTestPool(t, cfg, Hooks{
		OnDestroy: func(ctx context.Context, s *Session) { destroyed.Add(1) },
	})
	ctx := context.Background()

	co, err := p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)
	require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))
	_, err = p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)

	p.Shutdown()
	p.Shutdown()
	assert.Equal(t, int32(2), destroyed.Load())
	assert.Zero(t, p.Stats().Total)

	_, err = p.Checkout(ctx, CheckoutOptions{})
	require.ErrorIs(t, err, errPoolClosed)
}

func TestShutdown_TeardownUsesLegalTransitions(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	cfg := quietConfig()
	cfg.MaxSessions = 2
	p, err := NewPool(cfg, Hooks{}, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	ctx := context.Background()

	// One active and one idle session at shutdown time.
	_, err = p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)
	co, err := p.Checkout(ctx, CheckoutOptions{})
	require.NoError(t, err)
	require.NoError(t, p.CheckIn(co.SessionID, CheckinOptions{}))

	p.Shutdown()
	assert.Zero(t, p.Stats().Total)
	assert.Empty(t, logs.FilterMessage("illegal session transition").All())
}

func TestLifecycleTransitions(t *testing.T) {
	allowed := [][2]Status{
		{StatusWarming, StatusIdle},
		{StatusWarming, StatusError},
		{StatusWarming, StatusCooling},
		{StatusIdle, StatusActive},
		{StatusActive, StatusIdle},
		{StatusIdle, StatusCooling},
		{StatusActive, StatusCooling},
		{StatusCooling, StatusDestroyed},
		{StatusError, StatusDestroyed},
		{StatusActive, StatusError},
	}
	for _, tr := range allowed {
		assert.True(t, canTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]Status{
		{StatusDestroyed, StatusIdle},
		{StatusDestroyed, StatusError},
		{StatusError, StatusIdle},
		{StatusCooling, StatusIdle},
		{StatusIdle, StatusWarming},
	}
	for _, tr := range denied {
		assert.False(t, canTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}
