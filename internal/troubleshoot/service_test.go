package troubleshoot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
)

func TestIsRetryable_Defaults(t *testing.T) {
	retryable := []bentham.ErrorKind{
		bentham.KindRateLimited,
		bentham.KindTimeout,
		bentham.KindNetwork,
		bentham.KindSurfaceUnavailable,
		bentham.KindQualityGateFailed,
		bentham.KindSessionInvalid,
		bentham.KindProxyError,
		bentham.KindNoCredentials,
	}
	for _, kind := range retryable {
		assert.True(t, IsRetryable(bentham.NewError(kind, "x")), string(kind))
	}

	fatal := []bentham.ErrorKind{
		bentham.KindValidation,
		bentham.KindAuth,
		bentham.KindContentPolicy,
		bentham.KindAdapterNotFound,
	}
	for _, kind := range fatal {
		assert.False(t, IsRetryable(bentham.NewError(kind, "x")), string(kind))
	}

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(bentham.NewError(bentham.ErrorKind("SOMETHING_NEW"), "x")))
}

func TestIsRetryable_AdapterOverrideWins(t *testing.T) {
	// Normally fatal, adapter says retry.
	err := bentham.NewError(bentham.KindAuth, "token refresh possible").WithRetryable(true)
	assert.True(t, IsRetryable(err))

	// Normally retryable, adapter says give up.
	err = bentham.NewError(bentham.KindRateLimited, "hard ban").WithRetryable(false)
	assert.False(t, IsRetryable(err))
}

func TestSuggestedRetryDelay(t *testing.T) {
	assert.Equal(t, 60*time.Second, SuggestedRetryDelay(bentham.KindRateLimited))
	assert.Equal(t, 5*time.Second, SuggestedRetryDelay(bentham.KindTimeout))
	assert.Equal(t, 10*time.Second, SuggestedRetryDelay(bentham.KindNetwork))
	assert.Zero(t, SuggestedRetryDelay(bentham.KindQualityGateFailed))
	assert.Zero(t, SuggestedRetryDelay(bentham.KindAuth))
}

func TestService_SeverityEscalation(t *testing.T) {
	s := NewService(nil)
	key := bentham.CellKey{QueryIndex: 0, SurfaceID: "openai-api", LocationID: "us-east-1"}
	err := bentham.NewError(bentham.KindTimeout, "slow")

	assert.Equal(t, SeverityInfo, s.ObserveFailure(key, err))
	assert.Equal(t, SeverityWarning, s.ObserveFailure(key, err))
	assert.Equal(t, SeverityCritical, s.ObserveFailure(key, err))
	assert.Equal(t, SeverityCritical, s.ObserveFailure(key, err))

	assert.Equal(t, 4, s.Severity(key).BackoffMultiplier())

	// Streaks are per cell.
	other := bentham.CellKey{QueryIndex: 1, SurfaceID: "openai-api", LocationID: "us-east-1"}
	assert.Equal(t, SeverityInfo, s.Severity(other))

	s.Reset(key)
	assert.Equal(t, SeverityInfo, s.Severity(key))
	assert.Equal(t, 1, s.Severity(key).BackoffMultiplier())
}

func TestSeverity_BackoffMultiplier(t *testing.T) {
	assert.Equal(t, 1, SeverityInfo.BackoffMultiplier())
	assert.Equal(t, 2, SeverityWarning.BackoffMultiplier())
	assert.Equal(t, 4, SeverityCritical.BackoffMultiplier())
}
