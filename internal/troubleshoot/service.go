package troubleshoot

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
)

// Severity grades how worried the orchestrator should be about a cell.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// BackoffMultiplier maps severity onto the factor applied over the
// exponential backoff delay.
func (s Severity) BackoffMultiplier() int {
	switch s {
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 4
	default:
		return 1
	}
}

// retryableByKind is the canonical default when the adapter has no opinion.
var retryableByKind = map[bentham.ErrorKind]bool{
	bentham.KindRateLimited:        true,
	bentham.KindTimeout:            true,
	bentham.KindNetwork:            true,
	bentham.KindSurfaceUnavailable: true,
	bentham.KindQualityGateFailed:  true,
	bentham.KindSessionInvalid:     true,
	bentham.KindSessionExpired:     true,
	bentham.KindProxyError:         true,
	bentham.KindNoCredentials:      true,
	bentham.KindQuotaExceeded:      true,

	bentham.KindValidation:       false,
	bentham.KindAuth:             false,
	bentham.KindContentPolicy:    false,
	bentham.KindAdapterNotFound:  false,
	bentham.KindResourceNotFound: false,
}

// suggestedDelayByKind overrides the generic backoff base for kinds with a
// known recovery horizon.
var suggestedDelayByKind = map[bentham.ErrorKind]time.Duration{
	bentham.KindRateLimited:        60 * time.Second,
	bentham.KindTimeout:            5 * time.Second,
	bentham.KindNetwork:            10 * time.Second,
	bentham.KindSurfaceUnavailable: 30 * time.Second,
	bentham.KindQuotaExceeded:      60 * time.Second,
}

// IsRetryable reports whether a failure should be retried. The adapter's
// explicit retryable flag takes precedence; otherwise the per-kind default
// applies, and unknown kinds are not retried.
func IsRetryable(err *bentham.Error) bool {
	if err == nil {
		return false
	}
	if err.Retryable != nil {
		return *err.Retryable
	}
	return retryableByKind[err.Kind]
}

// SuggestedRetryDelay returns the kind-specific minimum wait before the next
// attempt, or zero when the generic exponential backoff alone applies.
func SuggestedRetryDelay(kind bentham.ErrorKind) time.Duration {
	return suggestedDelayByKind[kind]
}

// Service tracks failure streaks per cell and escalates severity. It is safe
// for concurrent use by all workers.
type Service struct {
	logger *zap.Logger

	mu      sync.Mutex
	streaks map[bentham.CellKey]int
}

// NewService creates the severity tracker. A nil logger is replaced with a
// nop logger.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger:  logger,
		streaks: make(map[bentham.CellKey]int),
	}
}

// ObserveFailure records one more failure for the cell and returns the
// resulting severity: one failure is info, two is warning, three or more is
// critical.
func (s *Service) ObserveFailure(key bentham.CellKey, err *bentham.Error) Severity {
	s.mu.Lock()
	s.streaks[key]++
	streak := s.streaks[key]
	s.mu.Unlock()

	sev := severityForStreak(streak)
	if sev != SeverityInfo {
		s.logger.Warn("cell failure streak escalated",
			zap.String("cell", key.Encode()),
			zap.Int("streak", streak),
			zap.String("severity", string(sev)),
			zap.String("kind", string(err.Kind)),
		)
	}
	return sev
}

// Severity returns the current severity for a cell without recording
// anything.
func (s *Service) Severity(key bentham.CellKey) Severity {
	s.mu.Lock()
	streak := s.streaks[key]
	s.mu.Unlock()
	return severityForStreak(streak)
}

// Reset clears a cell's streak. Called on success and on finalization.
func (s *Service) Reset(key bentham.CellKey) {
	s.mu.Lock()
	delete(s.streaks, key)
	s.mu.Unlock()
}

func severityForStreak(streak int) Severity {
	switch {
	case streak >= 3:
		return SeverityCritical
	case streak == 2:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
