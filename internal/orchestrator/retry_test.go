package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
	"github.com/fyrsmithlabs/bentham/internal/troubleshoot"
)

func TestRetryPlanner_JitterBounds(t *testing.T) {
	p := newRetryPlanner(100*time.Millisecond, 5*time.Second, false)
	for i := 0; i < 100; i++ {
		d := p.Delay(1, bentham.KindRateLimited, troubleshoot.SeverityInfo)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestRetryPlanner_ExponentialGrowth(t *testing.T) {
	p := newRetryPlanner(100*time.Millisecond, time.Minute, false)

	// attempt 3 -> base * 2^2 = 400ms, +/- 20%.
	d := p.Delay(3, bentham.KindTimeout, troubleshoot.SeverityInfo)
	assert.GreaterOrEqual(t, d, 320*time.Millisecond)
	assert.LessOrEqual(t, d, 480*time.Millisecond)
}

func TestRetryPlanner_CapsAtMax(t *testing.T) {
	p := newRetryPlanner(time.Second, 3*time.Second, false)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt, bentham.KindNetwork, troubleshoot.SeverityCritical)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestRetryPlanner_SeverityWidensBackoff(t *testing.T) {
	p := newRetryPlanner(100*time.Millisecond, time.Minute, false)

	// Critical severity quadruples the delay: 100ms -> 400ms, +/- 20%.
	d := p.Delay(1, bentham.KindTimeout, troubleshoot.SeverityCritical)
	assert.GreaterOrEqual(t, d, 320*time.Millisecond)
	assert.LessOrEqual(t, d, 480*time.Millisecond)
}

func TestRetryPlanner_KindFloor(t *testing.T) {
	p := newRetryPlanner(10*time.Millisecond, 2*time.Minute, true)

	// RATE_LIMITED floors at 60s regardless of the tiny base.
	d := p.Delay(1, bentham.KindRateLimited, troubleshoot.SeverityInfo)
	assert.GreaterOrEqual(t, d, 48*time.Second) // 60s - 20% jitter

	// Kinds without a suggested delay keep the configured base.
	d = p.Delay(1, bentham.KindQualityGateFailed, troubleshoot.SeverityInfo)
	assert.LessOrEqual(t, d, 12*time.Millisecond)
}
