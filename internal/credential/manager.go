package credential

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/bentham/internal/events"
)

// Manager owns one Pool per surface, created lazily on first use so
// adapters registered at runtime get pools without restart.
type Manager struct {
	cfg    PoolConfig
	bus    *events.Bus
	logger *zap.Logger

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

// NewManager creates a manager. Every pool it creates shares cfg, bus, and
// logger.
func NewManager(cfg PoolConfig, bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		pools:  make(map[string]*Pool),
	}
}

// Pool returns the pool for a surface, creating it on first use.
func (m *Manager) Pool(surfaceID string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("credential manager is shut down")
	}
	if p, ok := m.pools[surfaceID]; ok {
		return p, nil
	}
	p, err := NewPool(surfaceID, m.cfg, m.bus, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential pool for %s: %w", surfaceID, err)
	}
	m.pools[surfaceID] = p
	return p, nil
}

// AddCredential routes a credential to its surface's pool.
func (m *Manager) AddCredential(cred *Credential) error {
	if cred == nil || cred.SurfaceID == "" {
		return fmt.Errorf("credential with surface id is required")
	}
	p, err := m.Pool(cred.SurfaceID)
	if err != nil {
		return err
	}
	return p.Add(cred)
}

// Stats snapshots every pool, sorted by surface for stable output.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SurfaceID < out[j].SurfaceID })
	return out
}

// Shutdown stops every pool's sweeper. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
