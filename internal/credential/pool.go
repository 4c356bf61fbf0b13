package credential

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/bentham/internal/events"
)

// PoolConfig tunes one pool's rotation and cooldown behavior.
type PoolConfig struct {
	// MinActive is the active-credential floor below which the pool is
	// degraded.
	MinActive int

	// ErrorCooldown is how long a credential rests after any failure.
	ErrorCooldown time.Duration

	// MaxErrors is the recent-error count that triggers a
	// max_errors_exceeded cooldown.
	MaxErrors int

	// ErrorWindow bounds how long recent errors count against a
	// credential; older error records are zeroed on sweep.
	ErrorWindow time.Duration

	// SweepInterval is the background cooldown sweeper cadence.
	SweepInterval time.Duration

	Strategy Strategy
}

// DefaultPoolConfig returns the stock pool tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinActive:     1,
		ErrorCooldown: 60 * time.Second,
		MaxErrors:     5,
		ErrorWindow:   5 * time.Minute,
		SweepInterval: 10 * time.Second,
		Strategy:      StrategyRoundRobin,
	}
}

type managed struct {
	cred  *Credential
	usage Usage
}

// Pool holds the credentials for one surface. All state is confined behind
// the pool mutex; time-since-cooldown-expiry never affects correctness, the
// sweeper only restores availability sooner than the next GetNext would.
type Pool struct {
	surfaceID string
	cfg       PoolConfig
	logger    *zap.Logger
	bus       *events.Bus

	mu       sync.Mutex
	creds    []*managed
	byID     map[string]*managed
	cursor   int
	strategy Strategy
	health   Health

	now func() time.Time
	rng *rand.Rand

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool and starts its cooldown sweeper. The bus may be nil
// when no one cares about health transitions.
func NewPool(surfaceID string, cfg PoolConfig, bus *events.Bus, logger *zap.Logger) (*Pool, error) {
	if surfaceID == "" {
		return nil, errors.New("surface id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPoolConfig()
	if cfg.MinActive <= 0 {
		cfg.MinActive = def.MinActive
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = def.ErrorCooldown
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = def.MaxErrors
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = def.ErrorWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}

	p := &Pool{
		surfaceID: surfaceID,
		cfg:       cfg,
		logger:    logger.With(zap.String("surface_id", surfaceID)),
		bus:       bus,
		byID:      make(map[string]*managed),
		strategy:  cfg.Strategy,
		health:    HealthCritical,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.sweepLoop()
	return p, nil
}

// Add registers a credential. Insertion order is the least-used tiebreak.
func (p *Pool) Add(cred *Credential) error {
	if cred == nil || cred.ID == "" {
		return errors.New("credential with id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[cred.ID]; exists {
		return errors.New("credential already in pool: " + cred.ID)
	}
	m := &managed{cred: cred}
	p.creds = append(p.creds, m)
	p.byID[cred.ID] = m
	p.recomputeHealthLocked()
	return nil
}

// SetStrategy changes the pool-wide rotation strategy at runtime.
func (p *Pool) SetStrategy(s Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy = s
}

// GetNext hands out an available credential per the rotation strategy, or
// nil when every credential is inactive, expired, or cooling down. Callers
// treat nil as the retryable NO_CREDENTIALS condition.
func (p *Pool) GetNext() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	avail := p.availableLocked()
	if len(avail) == 0 {
		return nil
	}

	var pick *managed
	switch p.strategy {
	case StrategyRandom:
		pick = avail[p.rng.Intn(len(avail))]
	case StrategyLeastUsed:
		pick = avail[0]
		for _, m := range avail[1:] {
			if m.usage.TotalUses < pick.usage.TotalUses {
				pick = m
			}
		}
	case StrategyLeastErrors:
		pick = avail[0]
		for _, m := range avail[1:] {
			if m.usage.RecentErrors < pick.usage.RecentErrors {
				pick = m
			}
		}
	case StrategyWeighted:
		pick = p.pickWeightedLocked(avail)
	default: // round robin
		pick = avail[p.cursor%len(avail)]
		p.cursor++
	}

	pick.usage.TotalUses++
	pick.usage.LastUsedAt = p.now()
	return pick.cred
}

func (p *Pool) pickWeightedLocked(avail []*managed) *managed {
	var sum float64
	weights := make([]float64, len(avail))
	for i, m := range avail {
		w := 1.0 / float64(1+m.usage.RecentErrors)
		weights[i] = w
		sum += w
	}
	r := p.rng.Float64() * sum
	for i, m := range avail {
		r -= weights[i]
		if r <= 0 {
			return m
		}
	}
	return avail[len(avail)-1]
}

func (p *Pool) availableLocked() []*managed {
	now := p.now()
	avail := make([]*managed, 0, len(p.creds))
	for _, m := range p.creds {
		if !m.cred.Active {
			continue
		}
		if !m.cred.ExpiresAt.IsZero() && now.After(m.cred.ExpiresAt) {
			continue
		}
		if m.usage.InCooldown(now) {
			continue
		}
		avail = append(avail, m)
	}
	return avail
}

// ReportSuccess records a successful use.
func (p *Pool) ReportSuccess(credentialID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.byID[credentialID]
	if !ok {
		return
	}
	m.usage.SuccessfulUses++
	p.recomputeHealthLocked()
}

// ReportError records a failed use and puts the credential into cooldown.
// Hitting MaxErrors recent errors escalates the cooldown reason.
func (p *Pool) ReportError(credentialID string, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.byID[credentialID]
	if !ok {
		return
	}
	now := p.now()
	m.usage.FailedUses++
	m.usage.RecentErrors++
	m.usage.LastErrorAt = now
	m.usage.CooldownExpiry = now.Add(p.cfg.ErrorCooldown)
	if m.usage.RecentErrors >= p.cfg.MaxErrors {
		m.usage.CooldownReason = "max_errors_exceeded"
	} else {
		m.usage.CooldownReason = "error"
	}

	p.logger.Warn("credential entered cooldown",
		zap.String("credential_id", credentialID),
		zap.String("reason", m.usage.CooldownReason),
		zap.Int("recent_errors", m.usage.RecentErrors),
		zap.String("error", errMsg),
	)
	p.recomputeHealthLocked()
}

// Usage returns a copy of a credential's usage record.
func (p *Pool) Usage(credentialID string) (Usage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byID[credentialID]
	if !ok {
		return Usage{}, false
	}
	return m.usage, true
}

// Health returns the current pool health.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := Stats{SurfaceID: p.surfaceID, Total: len(p.creds), Health: p.health}
	for _, m := range p.creds {
		if m.cred.Active {
			s.Active++
		}
		if m.usage.InCooldown(now) {
			s.InCooldown++
		}
	}
	s.Available = len(p.availableLocked())
	return s
}

// recomputeHealthLocked reevaluates pool health and publishes transitions.
func (p *Pool) recomputeHealthLocked() {
	now := p.now()
	active, cooling := 0, 0
	for _, m := range p.creds {
		if m.cred.Active {
			active++
		}
		if m.usage.InCooldown(now) {
			cooling++
		}
	}

	var next Health
	switch {
	case active == 0:
		next = HealthCritical
	case active >= p.cfg.MinActive && cooling == 0:
		next = HealthHealthy
	default:
		next = HealthDegraded
	}

	if next == p.health {
		return
	}
	prev := p.health
	p.health = next
	p.logger.Info("pool health changed",
		zap.String("previous", string(prev)),
		zap.String("current", string(next)),
	)
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type: events.TypePoolHealthChanged,
			Details: map[string]any{
				"surface_id": p.surfaceID,
				"previous":   string(prev),
				"current":    string(next),
			},
		})
	}
}

// Sweep clears expired cooldowns and decays stale errors. Exposed so tests
// and the orchestrator's back-pressure path can sweep without waiting for
// the background tick.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, m := range p.creds {
		if !m.usage.CooldownExpiry.IsZero() && !now.Before(m.usage.CooldownExpiry) {
			m.usage.CooldownExpiry = time.Time{}
			m.usage.CooldownReason = ""
			if m.usage.RecentErrors > 0 {
				m.usage.RecentErrors--
			}
		}
		// Strict window decay: errors older than the window stop counting.
		if !m.usage.LastErrorAt.IsZero() && now.Sub(m.usage.LastErrorAt) > p.cfg.ErrorWindow {
			m.usage.RecentErrors = 0
		}
	}
	p.recomputeHealthLocked()
}

func (p *Pool) sweepLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Close stops the sweeper. Idempotent.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}
