package session

import (
	"context"
	"time"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusWarming   Status = "warming"
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusCooling   Status = "cooling"
	StatusError     Status = "error"
	StatusDestroyed Status = "destroyed"
)

// canTransition encodes the permitted lifecycle edges. Transitions are
// monotonic within a lifecycle: a destroyed session never comes back.
// Cooling is reachable from every live state so that shutdown and forced
// recycling tear down warming and active sessions through the same path
// as idle ones.
func canTransition(from, to Status) bool {
	if to == StatusError {
		return from != StatusDestroyed
	}
	switch from {
	case StatusWarming:
		return to == StatusIdle || to == StatusCooling
	case StatusIdle:
		return to == StatusActive || to == StatusCooling
	case StatusActive:
		return to == StatusIdle || to == StatusCooling
	case StatusCooling:
		return to == StatusDestroyed
	case StatusError:
		return to == StatusDestroyed
	}
	return false
}

// Config describes how a session is created.
type Config struct {
	Engine         string        `json:"engine"`
	ViewportWidth  int           `json:"viewport_width"`
	ViewportHeight int           `json:"viewport_height"`
	ProxyURL       string        `json:"proxy_url,omitempty"`
	MaxPages       int           `json:"max_pages"`
	Timeout        time.Duration `json:"timeout"`
}

// Session is one pooled execution context. Fields are owned by the pool and
// must only be read through pool snapshots once the session is pooled.
type Session struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	Config   Config `json:"config"`
	Status   Status `json:"status"`

	// PageCount never decreases; reaching Config.MaxPages recycles the
	// session on next check-in.
	PageCount int `json:"page_count"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// AuthenticatedAt and CookieExpiresAt are zero until the session
	// authenticates; they feed expiry forecasting.
	AuthenticatedAt time.Time `json:"authenticated_at,omitempty"`
	CookieExpiresAt time.Time `json:"cookie_expires_at,omitempty"`

	// StudyID and TenantID are set while checked out and cleared on
	// check-in.
	StudyID  string `json:"study_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// Authenticated reports whether the session carries auth state.
func (s *Session) Authenticated() bool {
	return !s.AuthenticatedAt.IsZero()
}

// Checkout is a lease on a session. If the holder does not check in before
// ExpiresAt, the pool forces the check-in and recycles the session.
type Checkout struct {
	SessionID string
	Session   *Session
	ExpiresAt time.Time
}

// CheckoutOptions filter which idle session is handed out and stamp the
// lease with its owner.
type CheckoutOptions struct {
	Platform string
	Engine   string
	ProxyURL string
	StudyID  string
	TenantID string
}

// CheckinOptions report what happened during a checkout.
type CheckinOptions struct {
	// PagesUsed is added to the session's page counter.
	PagesUsed int
	// Recycle forces the session to be destroyed instead of returning to
	// idle.
	Recycle bool
	// Errored marks the session as failed; errored sessions are never
	// handed out again.
	Errored bool
}

// Hooks are the pool's integration points with the real browser layer. Any
// hook may be nil. A panic or error in OnKeepAlive moves the session to the
// error state.
type Hooks struct {
	OnCreate    func(ctx context.Context, s *Session) error
	OnKeepAlive func(ctx context.Context, s *Session) error
	OnDestroy   func(ctx context.Context, s *Session)
}

// Forecast buckets a platform's authenticated sessions by time until cookie
// expiry. Buckets are disjoint ranges; sessions expiring beyond an hour
// count only toward TotalAuthenticated.
type Forecast struct {
	Next5Min           int `json:"next5min"`
	Next15Min          int `json:"next15min"`
	Next30Min          int `json:"next30min"`
	Next1Hour          int `json:"next1hour"`
	Unknown            int `json:"unknown"`
	TotalAuthenticated int `json:"totalAuthenticated"`
}

// ExpiringSession is one row of GetSessionsExpiringSoon.
type ExpiringSession struct {
	SessionID        string  `json:"session_id"`
	Platform         string  `json:"platform"`
	MinutesRemaining float64 `json:"minutes_remaining"`
}

// Stats is a point-in-time pool snapshot for the ops surface.
type Stats struct {
	Total     int `json:"total"`
	Warming   int `json:"warming"`
	Idle      int `json:"idle"`
	Active    int `json:"active"`
	Errored   int `json:"errored"`
	Checkouts int `json:"checkouts"`
}
