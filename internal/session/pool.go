package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PoolConfig tunes one pool.
type PoolConfig struct {
	// MinIdle is the warm-session floor the warmup tick maintains.
	MinIdle int

	// MaxSessions bounds the pool, warming and errored sessions included.
	MaxSessions int

	// IdleTimeout ages out sessions that sat idle too long.
	IdleTimeout time.Duration

	// MaxLifetime recycles a session on check-in once its age exceeds it.
	MaxLifetime time.Duration

	// KeepAliveInterval is the background tick driving keep-alive, forced
	// check-ins, warmup, and aging.
	KeepAliveInterval time.Duration

	// CheckoutTimeout bounds both how long Checkout waits for a free
	// session and how long a lease lives before forced check-in.
	CheckoutTimeout time.Duration

	// DefaultSession seeds the config of warmed-up sessions.
	DefaultSession Config

	// Platform labels sessions created by this pool.
	Platform string
}

// DefaultPoolConfig returns the stock session pool tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinIdle:           2,
		MaxSessions:       10,
		IdleTimeout:       30 * time.Minute,
		MaxLifetime:       4 * time.Hour,
		KeepAliveInterval: 30 * time.Second,
		CheckoutTimeout:   30 * time.Second,
		DefaultSession:    Config{Engine: "chromium", MaxPages: 50, Timeout: 60 * time.Second},
	}
}

var errPoolClosed = errors.New("session pool is shut down")

type lease struct {
	sessionID string
	expiresAt time.Time
}

// Pool owns a bounded set of sessions. All session state lives behind the
// pool mutex; hooks run outside it.
type Pool struct {
	cfg    PoolConfig
	hooks  Hooks
	logger *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*Session
	leases   map[string]*lease
	closed   bool

	now func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool and starts its background maintenance loop.
func NewPool(cfg PoolConfig, hooks Hooks, logger *zap.Logger) (*Pool, error) {
	def := DefaultPoolConfig()
	if cfg.MinIdle < 0 {
		return nil, fmt.Errorf("min idle cannot be negative: %d", cfg.MinIdle)
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.MinIdle > cfg.MaxSessions {
		return nil, fmt.Errorf("min idle %d exceeds max sessions %d", cfg.MinIdle, cfg.MaxSessions)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = def.MaxLifetime
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = def.CheckoutTimeout
	}
	if cfg.DefaultSession.Engine == "" {
		cfg.DefaultSession = def.DefaultSession
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger.With(zap.String("platform", cfg.Platform)),
		sessions: make(map[string]*Session),
		leases:   make(map[string]*lease),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.maintainLoop()
	return p, nil
}

// Checkout leases an idle session matching opts, creating one when the pool
// has headroom. It waits up to CheckoutTimeout (or ctx cancellation,
// whichever is sooner) for a session to free up, and returns nil with no
// error when the wait expires.
func (p *Pool) Checkout(ctx context.Context, opts CheckoutOptions) (*Checkout, error) {
	deadline := p.now().Add(p.cfg.CheckoutTimeout)

	// Wake the waiter when the deadline or the caller's context expires;
	// cond.Wait cannot observe either on its own.
	timer := time.AfterFunc(p.cfg.CheckoutTimeout, p.cond.Broadcast)
	defer timer.Stop()
	stopWatch := context.AfterFunc(ctx, p.cond.Broadcast)
	defer stopWatch()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, errPoolClosed
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}

		if s := p.matchIdleLocked(opts); s != nil {
			co := p.leaseLocked(s, opts)
			p.mu.Unlock()
			return co, nil
		}

		if len(p.sessions) < p.cfg.MaxSessions {
			s, err := p.createLocked(ctx, opts)
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			if s != nil {
				co := p.leaseLocked(s, opts)
				p.mu.Unlock()
				return co, nil
			}
			// Creation failed into error state; fall through and wait.
		}

		if !p.now().Before(deadline) {
			p.mu.Unlock()
			return nil, nil
		}
		p.cond.Wait()
	}
}

func (p *Pool) matchIdleLocked(opts CheckoutOptions) *Session {
	for _, s := range p.sessions {
		if s.Status != StatusIdle {
			continue
		}
		if opts.Engine != "" && s.Config.Engine != opts.Engine {
			continue
		}
		if opts.ProxyURL != "" && s.Config.ProxyURL != opts.ProxyURL {
			continue
		}
		if opts.Platform != "" && s.Platform != opts.Platform {
			continue
		}
		return s
	}
	return nil
}

// transitionLocked applies one lifecycle edge. An illegal edge is a pool
// bug; it is logged and the status left unchanged.
func (p *Pool) transitionLocked(s *Session, to Status) {
	if !canTransition(s.Status, to) {
		p.logger.Error("illegal session transition",
			zap.String("session_id", s.ID),
			zap.String("from", string(s.Status)),
			zap.String("to", string(to)),
		)
		return
	}
	s.Status = to
}

func (p *Pool) leaseLocked(s *Session, opts CheckoutOptions) *Checkout {
	p.transitionLocked(s, StatusActive)
	s.StudyID = opts.StudyID
	s.TenantID = opts.TenantID
	s.LastActivityAt = p.now()

	l := &lease{sessionID: s.ID, expiresAt: p.now().Add(p.cfg.CheckoutTimeout)}
	p.leases[s.ID] = l
	return &Checkout{SessionID: s.ID, Session: s, ExpiresAt: l.expiresAt}
}

// createLocked builds a new session from the pool default config plus any
// caller overrides, running OnCreate outside the lock. Returns (nil, nil)
// when the create hook failed and the session went to error.
func (p *Pool) createLocked(ctx context.Context, opts CheckoutOptions) (*Session, error) {
	now := p.now()
	cfg := p.cfg.DefaultSession
	if opts.Engine != "" {
		cfg.Engine = opts.Engine
	}
	if opts.ProxyURL != "" {
		cfg.ProxyURL = opts.ProxyURL
	}
	platform := p.cfg.Platform
	if opts.Platform != "" {
		platform = opts.Platform
	}
	s := &Session{
		ID:             uuid.NewString(),
		Platform:       platform,
		Config:         cfg,
		Status:         StatusWarming,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	p.sessions[s.ID] = s

	var hookErr error
	if p.hooks.OnCreate != nil {
		p.mu.Unlock()
		hookErr = p.runCreateHook(ctx, s)
		p.mu.Lock()
	}

	if p.closed {
		delete(p.sessions, s.ID)
		return nil, errPoolClosed
	}
	if hookErr != nil {
		p.transitionLocked(s, StatusError)
		p.logger.Warn("session warmup failed",
			zap.String("session_id", s.ID),
			zap.Error(hookErr),
		)
		return nil, nil
	}
	p.transitionLocked(s, StatusIdle)
	return s, nil
}

func (p *Pool) runCreateHook(ctx context.Context, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("create hook panicked: %v", r)
		}
	}()
	return p.hooks.OnCreate(ctx, s)
}

// CheckIn returns a leased session. The session is destroyed instead of
// returning to idle when the caller asks for recycling, it errored, its page
// counter reached the limit, or it outlived MaxLifetime.
func (p *Pool) CheckIn(sessionID string, opts CheckinOptions) error {
	p.mu.Lock()

	s, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	delete(p.leases, sessionID)

	now := p.now()
	if opts.PagesUsed > 0 {
		s.PageCount += opts.PagesUsed
	}
	if opts.Errored {
		p.transitionLocked(s, StatusError)
	}

	recycle := opts.Recycle ||
		s.Status == StatusError ||
		(s.Config.MaxPages > 0 && s.PageCount >= s.Config.MaxPages) ||
		now.Sub(s.CreatedAt) > p.cfg.MaxLifetime

	if recycle {
		doomed := p.removeLocked(s)
		p.cond.Broadcast()
		p.mu.Unlock()
		p.destroy(doomed)
		return nil
	}

	p.transitionLocked(s, StatusIdle)
	s.StudyID = ""
	s.TenantID = ""
	s.LastActivityAt = now
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// MarkAuthenticated records auth state on a session for expiry forecasting.
func (p *Pool) MarkAuthenticated(sessionID string, cookieExpiresAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	s.AuthenticatedAt = p.now()
	s.CookieExpiresAt = cookieExpiresAt
	return nil
}

// removeLocked transitions a session out of the pool map and returns it for
// destruction outside the lock. Live sessions cool first; errored ones go
// straight to destroyed.
func (p *Pool) removeLocked(s *Session) *Session {
	if s.Status != StatusError && s.Status != StatusCooling {
		p.transitionLocked(s, StatusCooling)
	}
	p.transitionLocked(s, StatusDestroyed)
	delete(p.sessions, s.ID)
	delete(p.leases, s.ID)
	return s
}

func (p *Pool) destroy(s *Session) {
	if p.hooks.OnDestroy != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("destroy hook panicked",
						zap.String("session_id", s.ID),
						zap.Any("panic", r),
					)
				}
			}()
			p.hooks.OnDestroy(context.Background(), s)
		}()
	}
	p.logger.Debug("session destroyed",
		zap.String("session_id", s.ID),
		zap.Int("page_count", s.PageCount),
	)
}

// maintainLoop drives forced check-ins, keep-alive, aging, and warmup.
func (p *Pool) maintainLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Maintain()
		}
	}
}

// Maintain runs one maintenance pass. Exposed so tests can drive the pool
// without waiting for the keep-alive tick.
func (p *Pool) Maintain() {
	p.forceExpiredCheckins()
	p.keepAliveIdle()
	p.reapAged()
	p.warmUp()
}

// forceExpiredCheckins reclaims sessions whose lease holder never returned.
func (p *Pool) forceExpiredCheckins() {
	p.mu.Lock()
	now := p.now()
	var expired []string
	for id, l := range p.leases {
		if now.After(l.expiresAt) {
			expired = append(expired, id)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		p.logger.Warn("checkout expired, forcing check-in", zap.String("session_id", id))
		if err := p.CheckIn(id, CheckinOptions{Errored: true}); err != nil {
			p.logger.Error("forced check-in failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// keepAliveIdle runs the keep-alive hook against every idle session. A hook
// failure moves the session to error; errored sessions are reaped below.
func (p *Pool) keepAliveIdle() {
	if p.hooks.OnKeepAlive == nil {
		return
	}

	p.mu.Lock()
	idle := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.Status == StatusIdle {
			idle = append(idle, s)
		}
	}
	p.mu.Unlock()

	for _, s := range idle {
		err := p.runKeepAlive(s)
		if err == nil {
			continue
		}
		p.logger.Warn("keep-alive failed",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		p.mu.Lock()
		if cur, ok := p.sessions[s.ID]; ok && cur.Status == StatusIdle {
			p.transitionLocked(cur, StatusError)
		}
		p.mu.Unlock()
	}
}

func (p *Pool) runKeepAlive(s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keep-alive hook panicked: %v", r)
		}
	}()
	return p.hooks.OnKeepAlive(context.Background(), s)
}

// reapAged destroys errored sessions and idle sessions past IdleTimeout.
func (p *Pool) reapAged() {
	p.mu.Lock()
	now := p.now()
	var doomed []*Session
	for _, s := range p.sessions {
		switch {
		case s.Status == StatusError:
			doomed = append(doomed, p.removeLocked(s))
		case s.Status == StatusIdle && now.Sub(s.LastActivityAt) > p.cfg.IdleTimeout:
			doomed = append(doomed, p.removeLocked(s))
		}
	}
	if len(doomed) > 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	for _, s := range doomed {
		p.destroy(s)
	}
}

// warmUp creates sessions until idle+warming reaches MinIdle or the pool is
// full.
func (p *Pool) warmUp() {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		warm := 0
		for _, s := range p.sessions {
			if s.Status == StatusIdle || s.Status == StatusWarming {
				warm++
			}
		}
		if warm >= p.cfg.MinIdle || len(p.sessions) >= p.cfg.MaxSessions {
			p.mu.Unlock()
			return
		}
		s, err := p.createLocked(context.Background(), CheckoutOptions{})
		if s != nil {
			p.cond.Broadcast()
		}
		p.mu.Unlock()
		if err != nil || s == nil {
			return
		}
	}
}

// GetExpiryForecast buckets authenticated sessions by time to cookie expiry,
// per platform.
func (p *Pool) GetExpiryForecast() map[string]Forecast {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make(map[string]Forecast)
	for _, s := range p.sessions {
		if !s.Authenticated() || s.Status == StatusError {
			continue
		}
		f := out[s.Platform]
		f.TotalAuthenticated++
		if s.CookieExpiresAt.IsZero() {
			f.Unknown++
		} else {
			switch remaining := s.CookieExpiresAt.Sub(now); {
			case remaining <= 5*time.Minute:
				f.Next5Min++
			case remaining <= 15*time.Minute:
				f.Next15Min++
			case remaining <= 30*time.Minute:
				f.Next30Min++
			case remaining <= time.Hour:
				f.Next1Hour++
			}
		}
		out[s.Platform] = f
	}
	return out
}

// GetSessionsExpiringSoon lists sessions whose cookies expire within the
// threshold, soonest first.
func (p *Pool) GetSessionsExpiringSoon(thresholdMinutes int) []ExpiringSession {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	threshold := time.Duration(thresholdMinutes) * time.Minute
	var out []ExpiringSession
	for _, s := range p.sessions {
		if s.CookieExpiresAt.IsZero() || s.Status == StatusError {
			continue
		}
		remaining := s.CookieExpiresAt.Sub(now)
		if remaining > threshold {
			continue
		}
		out = append(out, ExpiringSession{
			SessionID:        s.ID,
			Platform:         s.Platform,
			MinutesRemaining: remaining.Minutes(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MinutesRemaining < out[j].MinutesRemaining
	})
	return out
}

// HasCapacity reports whether at least required sessions for the platform
// are usable and will stay authenticated beyond withinMinutes.
func (p *Pool) HasCapacity(platform string, required, withinMinutes int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	horizon := p.now().Add(time.Duration(withinMinutes) * time.Minute)
	count := 0
	for _, s := range p.sessions {
		if s.Platform != platform || s.Status == StatusError {
			continue
		}
		if !s.CookieExpiresAt.IsZero() && s.CookieExpiresAt.Before(horizon) {
			continue
		}
		count++
	}
	return count >= required
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Total: len(p.sessions), Checkouts: len(p.leases)}
	for _, s := range p.sessions {
		switch s.Status {
		case StatusWarming:
			st.Warming++
		case StatusIdle:
			st.Idle++
		case StatusActive:
			st.Active++
		case StatusError:
			st.Errored++
		}
	}
	return st
}

// Shutdown stops maintenance and destroys every session. Idempotent.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done

		p.mu.Lock()
		p.closed = true
		doomed := make([]*Session, 0, len(p.sessions))
		for _, s := range p.sessions {
			doomed = append(doomed, p.removeLocked(s))
		}
		p.cond.Broadcast()
		p.mu.Unlock()

		for _, s := range doomed {
			p.destroy(s)
		}
	})
}
