package credential

import (
	"time"

	"github.com/fyrsmithlabs/bentham/internal/config"
)

// Type discriminates credential variants.
type Type string

const (
	TypeAPIKey           Type = "api_key"
	TypeOAuthToken       Type = "oauth_token"
	TypeSessionCookie    Type = "session_cookie"
	TypeUsernamePassword Type = "username_password"
	TypeBearerToken      Type = "bearer_token"
	TypeCustom           Type = "custom"
)

// Credential is one secret that authenticates a single adapter call.
// Secret material uses config.Secret so it never serializes in the clear.
type Credential struct {
	ID        string `json:"id"`
	SurfaceID string `json:"surface_id"`
	Type      Type   `json:"type"`

	// Value holds the secret for single-value variants (api_key,
	// oauth_token, bearer_token, session_cookie).
	Value config.Secret `json:"value,omitempty"`

	// Username and Password serve the username_password variant.
	Username string        `json:"username,omitempty"`
	Password config.Secret `json:"password,omitempty"`

	// Extra carries variant-specific fields for the custom type.
	Extra map[string]string `json:"extra,omitempty"`

	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Active    bool      `json:"active"`
}

// Usage is the managed state the pool tracks per credential.
type Usage struct {
	TotalUses      int       `json:"total_uses"`
	SuccessfulUses int       `json:"successful_uses"`
	FailedUses     int       `json:"failed_uses"`
	RecentErrors   int       `json:"recent_errors"`
	LastUsedAt     time.Time `json:"last_used_at,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`

	// CooldownExpiry is zero when the credential is not cooling down.
	CooldownExpiry time.Time `json:"cooldown_expiry,omitempty"`

	// CooldownReason is "error" or "max_errors_exceeded".
	CooldownReason string `json:"cooldown_reason,omitempty"`
}

// InCooldown reports whether the credential is cooling down at t.
func (u *Usage) InCooldown(t time.Time) bool {
	return !u.CooldownExpiry.IsZero() && t.Before(u.CooldownExpiry)
}

// Strategy selects which available credential GetNext hands out.
type Strategy string

const (
	// StrategyRoundRobin advances a cursor modulo the available set.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyRandom picks uniformly.
	StrategyRandom Strategy = "random"
	// StrategyLeastUsed picks the minimum total uses, ties broken by
	// insertion order.
	StrategyLeastUsed Strategy = "least_used"
	// StrategyLeastErrors picks the minimum recent errors in the window.
	StrategyLeastErrors Strategy = "least_errors"
	// StrategyWeighted picks with probability proportional to
	// 1/(1+recentErrors).
	StrategyWeighted Strategy = "weighted"
)

// Health summarizes a pool's ability to serve requests.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Stats is a point-in-time pool snapshot for the ops surface.
type Stats struct {
	SurfaceID  string `json:"surface_id"`
	Total      int    `json:"total"`
	Active     int    `json:"active"`
	Available  int    `json:"available"`
	InCooldown int    `json:"in_cooldown"`
	Health     Health `json:"health"`
}
