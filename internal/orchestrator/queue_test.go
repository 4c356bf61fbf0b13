package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
)

func qjob(studyID, surfaceID, locationID string, q int, prio bentham.Priority) *job {
	return &job{
		studyID:  studyID,
		key:      bentham.CellKey{QueryIndex: q, SurfaceID: surfaceID, LocationID: locationID},
		priority: prio,
	}
}

func TestQueue_PriorityBeforeGrouping(t *testing.T) {
	q := newJobQueue()
	q.Push(qjob("s1", "a-surface", "loc", 0, bentham.PriorityLow))
	q.Push(qjob("s2", "z-surface", "loc", 0, bentham.PriorityCritical))
	q.Push(qjob("s3", "m-surface", "loc", 0, bentham.PriorityNormal))

	now := time.Now()
	assert.Equal(t, "s2", q.PopEligible(now, nil).studyID)
	assert.Equal(t, "s3", q.PopEligible(now, nil).studyID)
	assert.Equal(t, "s1", q.PopEligible(now, nil).studyID)
	assert.Nil(t, q.PopEligible(now, nil))
}

func TestQueue_GroupsBySurfaceThenLocation(t *testing.T) {
	q := newJobQueue()
	q.Push(qjob("s", "surf-b", "loc-1", 0, bentham.PriorityNormal))
	q.Push(qjob("s", "surf-a", "loc-2", 0, bentham.PriorityNormal))
	q.Push(qjob("s", "surf-a", "loc-1", 0, bentham.PriorityNormal))

	now := time.Now()
	first := q.PopEligible(now, nil)
	second := q.PopEligible(now, nil)
	third := q.PopEligible(now, nil)
	assert.Equal(t, "surf-a", first.key.SurfaceID)
	assert.Equal(t, "loc-1", first.key.LocationID)
	assert.Equal(t, "surf-a", second.key.SurfaceID)
	assert.Equal(t, "loc-2", second.key.LocationID)
	assert.Equal(t, "surf-b", third.key.SurfaceID)
}

func TestQueue_InsertionOrderWithinGroup(t *testing.T) {
	q := newJobQueue()
	for i := 0; i < 4; i++ {
		q.Push(qjob("s", "surf", "loc", i, bentham.PriorityNormal))
	}
	now := time.Now()
	for i := 0; i < 4; i++ {
		assert.Equal(t, i, q.PopEligible(now, nil).key.QueryIndex)
	}
}

func TestQueue_DelayedJobNotEligible(t *testing.T) {
	q := newJobQueue()
	delayed := qjob("s", "surf", "loc", 0, bentham.PriorityCritical)
	delayed.notBefore = time.Now().Add(time.Hour)
	q.Push(delayed)
	q.Push(qjob("s", "surf", "loc", 1, bentham.PriorityLow))

	now := time.Now()
	// The delayed critical job does not block the eligible low-priority one.
	got := q.PopEligible(now, nil)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.key.QueryIndex)
	assert.Nil(t, q.PopEligible(now, nil))

	wake, ok := q.NextWakeup(now)
	require.True(t, ok)
	assert.Equal(t, delayed.notBefore, wake)
}

func TestQueue_PermitFilter(t *testing.T) {
	q := newJobQueue()
	q.Push(qjob("s", "surf-a", "loc", 0, bentham.PriorityNormal))
	q.Push(qjob("s", "surf-b", "loc", 0, bentham.PriorityNormal))

	got := q.PopEligible(time.Now(), func(j *job) bool { return j.key.SurfaceID == "surf-b" })
	require.NotNil(t, got)
	assert.Equal(t, "surf-b", got.key.SurfaceID)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_RemoveStudy(t *testing.T) {
	q := newJobQueue()
	q.Push(qjob("keep", "surf", "loc", 0, bentham.PriorityNormal))
	q.Push(qjob("drop", "surf", "loc", 0, bentham.PriorityNormal))
	q.Push(qjob("drop", "surf", "loc", 1, bentham.PriorityNormal))

	removed := q.RemoveStudy("drop")
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "keep", q.PopEligible(time.Now(), nil).studyID)
}
