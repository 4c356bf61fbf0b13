package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
	"github.com/fyrsmithlabs/bentham/internal/checkpoint"
)

// job is one dispatchable attempt at a cell. Jobs are created at study
// submission and re-created, with an incremented attempt, on retry.
type job struct {
	id      string
	studyID string
	key     bentham.CellKey
	query   string

	// priority is the effective dispatch priority; retries boost it so
	// near-complete studies drain promptly.
	priority bentham.Priority

	// attempt is 1-based and never exceeds the study's effective retry
	// budget plus one.
	attempt int

	// notBefore is the earliest execution time; zero means immediately
	// eligible.
	notBefore time.Time

	// seq preserves insertion order among otherwise equal jobs.
	seq uint64
}

// studyState is the orchestrator's bookkeeping for one submitted study.
type studyState struct {
	study   *bentham.Study
	manager *checkpoint.Manager
	status  bentham.StudyStatus
	paused  bool

	// maxRetries is the effective retry budget: the study's override when
	// set, the orchestrator config default otherwise.
	maxRetries int

	// queued counts jobs in the priority queue; inFlight counts jobs
	// handed to workers. The study's queue has drained when both are zero.
	queued   int
	inFlight int
}

func (s *studyState) terminal() bool {
	switch s.status {
	case bentham.StudyCompleted, bentham.StudyPartial, bentham.StudyFailed, bentham.StudyCancelled:
		return true
	}
	return false
}

// SubmitReceipt is returned by SubmitStudy.
type SubmitReceipt struct {
	StudyID                 string    `json:"study_id"`
	ResumedFromCheckpoint   bool      `json:"resumed_from_checkpoint"`
	RemainingCells          int       `json:"remaining_cells"`
	EstimatedCompletionTime time.Time `json:"estimated_completion_time"`
}

// SurfaceProgress reports per-surface coverage for a study.
type SurfaceProgress struct {
	SurfaceID string  `json:"surface_id"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Coverage  float64 `json:"coverage"`
}

// StudyReport is returned by GetStudyStatus.
type StudyReport struct {
	StudyID         string              `json:"study_id"`
	Status          bentham.StudyStatus `json:"status"`
	ProgressPercent int                 `json:"progress_percent"`
	CompletedCells  int                 `json:"completed_cells"`
	FailedCells     int                 `json:"failed_cells"`
	TotalCells      int                 `json:"total_cells"`
	Surfaces        []SurfaceProgress   `json:"surfaces"`
}

// ExpandCells materializes the frozen execution order for a study: grouped
// by surface, then location, then query insertion order. Deterministic for
// identical manifests.
func ExpandCells(study *bentham.Study) []bentham.CellKey {
	queue := make([]bentham.CellKey, 0, study.CellCount())
	for _, surfaceID := range study.Surfaces {
		for _, locationID := range study.Locations {
			for q := range study.Queries {
				queue = append(queue, bentham.CellKey{
					QueryIndex: q,
					SurfaceID:  surfaceID,
					LocationID: locationID,
				})
			}
		}
	}
	return queue
}
