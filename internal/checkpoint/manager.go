package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
)

// ManagerConfig tunes the auto-save policy.
type ManagerConfig struct {
	// SaveEveryResults persists after this many recorded results.
	SaveEveryResults int

	// SaveInterval persists on a wall-clock cadence when results trickle
	// in slower than SaveEveryResults. The timer is measured from the
	// last save of either kind, keeping the cadence bounded.
	SaveInterval time.Duration

	// PreserveCheckpoint keeps the file on Finalize instead of deleting it.
	PreserveCheckpoint bool
}

// DefaultManagerConfig returns the stock auto-save policy.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SaveEveryResults: 10,
		SaveInterval:     30 * time.Second,
	}
}

// Manager wraps an Engine with auto-save for one study. All mutations of the
// wrapped checkpoint flow through the manager, which is the single writer.
type Manager struct {
	engine *Engine
	cfg    ManagerConfig
	logger *zap.Logger

	mu               sync.Mutex
	cp               *Checkpoint
	resultsSinceSave int
	lastSave         time.Time
	dirty            bool
	finalized        bool

	stop chan struct{}
	done chan struct{}
}

// NewManager wraps a checkpoint under the auto-save policy and starts the
// interval saver.
func NewManager(engine *Engine, cp *Checkpoint, cfg ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if cp == nil {
		return nil, errors.New("checkpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SaveEveryResults <= 0 {
		cfg.SaveEveryResults = DefaultManagerConfig().SaveEveryResults
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultManagerConfig().SaveInterval
	}

	m := &Manager{
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
		cp:       cp,
		lastSave: time.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.saveLoop()
	return m, nil
}

// Checkpoint returns the wrapped checkpoint. Callers must not mutate it;
// concurrent reads during a save are tolerated but discouraged.
func (m *Manager) Checkpoint() *Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cp
}

// RecordResult records a cell result and saves when the results gate fires.
func (m *Manager) RecordResult(ctx context.Context, res *bentham.CellResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return errors.New("checkpoint manager is finalized")
	}

	m.cp.RecordResult(res)
	m.dirty = true
	m.resultsSinceSave++
	if m.resultsSinceSave >= m.cfg.SaveEveryResults {
		return m.saveLocked(ctx)
	}
	return nil
}

// RecordRetry records retry state for a cell. Retry records ride along with
// the next save; they never trigger one on their own.
func (m *Manager) RecordRetry(key bentham.CellKey, state *bentham.RetryState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.cp.RecordRetry(key, state)
	m.dirty = true
}

// Save forces an immediate persist.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(ctx)
}

func (m *Manager) saveLocked(ctx context.Context) error {
	if err := m.engine.Save(ctx, m.cp); err != nil {
		return err
	}
	m.resultsSinceSave = 0
	m.lastSave = time.Now()
	m.dirty = false
	return nil
}

// Finalize performs one last save, stops the interval saver, and deletes the
// file unless PreserveCheckpoint is set. Idempotent.
func (m *Manager) Finalize(ctx context.Context) error {
	m.mu.Lock()
	if m.finalized {
		m.mu.Unlock()
		return nil
	}
	m.finalized = true
	err := m.saveLocked(ctx)
	studyID := m.cp.StudyID
	m.mu.Unlock()

	close(m.stop)
	<-m.done

	if err != nil {
		return err
	}
	if !m.cfg.PreserveCheckpoint {
		return m.engine.Delete(studyID)
	}
	return nil
}

// saveLoop persists on the interval gate. Ticks that find a clean checkpoint
// or a recent save are no-ops.
func (m *Manager) saveLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SaveInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.finalized || !m.dirty || time.Since(m.lastSave) < m.cfg.SaveInterval {
				m.mu.Unlock()
				continue
			}
			if err := m.saveLocked(context.Background()); err != nil {
				m.logger.Error("interval checkpoint save failed",
					zap.String("study_id", m.cp.StudyID),
					zap.Error(err),
				)
			}
			m.mu.Unlock()
		}
	}
}
