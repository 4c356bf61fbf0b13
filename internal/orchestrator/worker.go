package orchestrator

import "slices"

// WorkerSpec configures one worker in the pool.
type WorkerSpec struct {
	// ID must be unique within the pool. Empty ids are assigned
	// "worker-<n>" at startup.
	ID string

	// MaxConcurrent is this worker's job slot count. Zero means one.
	MaxConcurrent int

	// Surfaces and Locations, when non-empty, restrict which jobs the
	// worker accepts. Workers are not pinned by default; filters are a
	// deployment hint.
	Surfaces  []string
	Locations []string
}

// worker is the runtime slot accounting for one WorkerSpec. Guarded by the
// orchestrator mutex.
type worker struct {
	spec     WorkerSpec
	inFlight int
}

func (w *worker) hasSlot() bool {
	return w.inFlight < w.spec.MaxConcurrent
}

// permits reports whether the worker's filters allow the job.
func (w *worker) permits(j *job) bool {
	if len(w.spec.Surfaces) > 0 && !slices.Contains(w.spec.Surfaces, j.key.SurfaceID) {
		return false
	}
	if len(w.spec.Locations) > 0 && !slices.Contains(w.spec.Locations, j.key.LocationID) {
		return false
	}
	return true
}
