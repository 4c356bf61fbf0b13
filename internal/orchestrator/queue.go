package orchestrator

import (
	"container/heap"
	"time"
)

// jobQueue is a priority queue of jobs. Order: priority rank, then surface
// id, then location id, then insertion sequence. Eligibility (notBefore) is
// checked at pop time, not in the heap order, so a delayed high-priority
// retry never blocks eligible lower-priority work.
type jobQueue struct {
	items jobHeap
	seq   uint64
}

func newJobQueue() *jobQueue {
	return &jobQueue{}
}

func (q *jobQueue) Len() int { return len(q.items) }

// Push inserts a job, stamping its insertion sequence.
func (q *jobQueue) Push(j *job) {
	q.seq++
	j.seq = q.seq
	heap.Push(&q.items, j)
}

// PopEligible removes and returns the best job whose notBefore has passed
// and that the permit filter accepts, or nil when none qualifies. The scan
// is linear over the heap but respects heap order via explicit comparison.
func (q *jobQueue) PopEligible(now time.Time, permit func(*job) bool) *job {
	best := -1
	for i, j := range q.items {
		if j.notBefore.After(now) {
			continue
		}
		if permit != nil && !permit(j) {
			continue
		}
		if best == -1 || jobLess(j, q.items[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	return heap.Remove(&q.items, best).(*job)
}

// NextWakeup returns the earliest notBefore among queued jobs that are not
// yet eligible, and false when every queued job is already eligible.
func (q *jobQueue) NextWakeup(now time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, j := range q.items {
		if !j.notBefore.After(now) {
			continue
		}
		if !found || j.notBefore.Before(earliest) {
			earliest = j.notBefore
			found = true
		}
	}
	return earliest, found
}

// RemoveStudy drops every queued job for a study and returns how many were
// removed.
func (q *jobQueue) RemoveStudy(studyID string) []*job {
	var removed []*job
	kept := q.items[:0]
	for _, j := range q.items {
		if j.studyID == studyID {
			removed = append(removed, j)
		} else {
			kept = append(kept, j)
		}
	}
	q.items = kept
	heap.Init(&q.items)
	return removed
}

func jobLess(a, b *job) bool {
	ar, br := a.priority.Rank(), b.priority.Rank()
	if ar != br {
		return ar < br
	}
	if a.key.SurfaceID != b.key.SurfaceID {
		return a.key.SurfaceID < b.key.SurfaceID
	}
	if a.key.LocationID != b.key.LocationID {
		return a.key.LocationID < b.key.LocationID
	}
	return a.seq < b.seq
}

type jobHeap []*job

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return jobLess(h[i], h[j]) }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
