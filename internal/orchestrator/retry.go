package orchestrator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
	"github.com/fyrsmithlabs/bentham/internal/troubleshoot"
)

// retryPlanner computes backoff delays:
//
//	delay = min(maxDelay, base * 2^(attempt-1) * severityMultiplier) +/- 20% jitter
//
// When kindFloor is enabled, the troubleshooter's per-kind suggested delay
// acts as a lower bound, so a RATE_LIMITED cell waits at least its known
// recovery horizon regardless of the configured base.
type retryPlanner struct {
	base      time.Duration
	max       time.Duration
	kindFloor bool

	mu  sync.Mutex
	rng *rand.Rand
}

func newRetryPlanner(base, max time.Duration, kindFloor bool) *retryPlanner {
	return &retryPlanner{
		base:      base,
		max:       max,
		kindFloor: kindFloor,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry number attempt+1, where attempt is the
// 1-based attempt that just failed.
func (p *retryPlanner) Delay(attempt int, kind bentham.ErrorKind, sev troubleshoot.Severity) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.max {
			d = p.max
			break
		}
	}
	d *= time.Duration(sev.BackoffMultiplier())
	if d > p.max {
		d = p.max
	}

	if p.kindFloor {
		if floor := troubleshoot.SuggestedRetryDelay(kind); d < floor {
			d = floor
		}
	}

	// +/- 20% uniform jitter.
	p.mu.Lock()
	f := 1 + (p.rng.Float64()*0.4 - 0.2)
	p.mu.Unlock()
	d = time.Duration(float64(d) * f)
	if d > p.max {
		d = p.max
	}
	return d
}
