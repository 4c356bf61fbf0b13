package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
	"github.com/fyrsmithlabs/bentham/internal/checkpoint"
	"github.com/fyrsmithlabs/bentham/internal/config"
	"github.com/fyrsmithlabs/bentham/internal/credential"
	"github.com/fyrsmithlabs/bentham/internal/events"
	"github.com/fyrsmithlabs/bentham/internal/logging"
	"github.com/fyrsmithlabs/bentham/internal/session"
	"github.com/fyrsmithlabs/bentham/internal/surface"
	"github.com/fyrsmithlabs/bentham/internal/troubleshoot"
)

const instrumentationName = "github.com/fyrsmithlabs/bentham/internal/orchestrator"

// ErrStudyNotFound is returned for unknown study ids.
var ErrStudyNotFound = errors.New("study not found")

// Deps are the collaborators the orchestrator coordinates. Registry, Engine,
// and Bus are required; Sessions may be nil when no adapter needs one.
type Deps struct {
	Registry    *surface.Registry
	Credentials *credential.Manager
	Sessions    *session.Pool
	Engine      *checkpoint.Engine
	Checkpoint  checkpoint.ManagerConfig
	Bus         *events.Bus
	Logger      *zap.Logger
	Metrics     *Metrics

	// Workers defaults to cfg.Workers identical unfiltered workers when
	// empty.
	Workers []WorkerSpec

	// KindDelayFloor makes per-kind suggested delays a lower bound on
	// retry backoff.
	KindDelayFloor bool
}

// Orchestrator owns studies, the job queue, and the worker pool.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	registry *surface.Registry
	creds    *credential.Manager
	sessions *session.Pool
	engine   *checkpoint.Engine
	ckptCfg  checkpoint.ManagerConfig
	bus      *events.Bus
	ts       *troubleshoot.Service
	planner  *retryPlanner
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *jobQueue
	studies map[string]*studyState
	workers []*worker
	closed  bool
	started bool

	wg   sync.WaitGroup
	done chan struct{}
}

// New wires an orchestrator. Call Start to begin dispatching.
func New(cfg config.OrchestratorConfig, deps Deps) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, errors.New("surface registry is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("credential manager is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("checkpoint engine is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("worker count must be >= 1, got %d", cfg.Workers)
	}
	if cfg.MaxConcurrentPerWorker < 1 {
		cfg.MaxConcurrentPerWorker = 1
	}

	specs := deps.Workers
	if len(specs) == 0 {
		specs = make([]WorkerSpec, cfg.Workers)
	}
	workers := make([]*worker, 0, len(specs))
	for i, spec := range specs {
		if spec.ID == "" {
			spec.ID = fmt.Sprintf("worker-%d", i)
		}
		if spec.MaxConcurrent <= 0 {
			spec.MaxConcurrent = cfg.MaxConcurrentPerWorker
		}
		workers = append(workers, &worker{spec: spec})
	}

	o := &Orchestrator{
		cfg:      cfg,
		registry: deps.Registry,
		creds:    deps.Credentials,
		sessions: deps.Sessions,
		engine:   deps.Engine,
		ckptCfg:  deps.Checkpoint,
		bus:      deps.Bus,
		ts:       troubleshoot.NewService(deps.Logger),
		planner:  newRetryPlanner(cfg.BaseRetryDelay, cfg.MaxRetryDelay, deps.KindDelayFloor),
		logger:   deps.Logger,
		tracer:   otel.Tracer(instrumentationName),
		metrics:  deps.Metrics,
		queue:    newJobQueue(),
		studies:  make(map[string]*studyState),
		workers:  workers,
		done:     make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	return o, nil
}

// Start launches the dispatch loop and announces the workers. A pool
// degrading to critical opens an incident event.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started || o.closed {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.bus.Subscribe(o.watchPoolHealth)
	for _, w := range o.workers {
		o.bus.Publish(events.Event{Type: events.TypeWorkerStarted, WorkerID: w.spec.ID})
	}
	go o.dispatchLoop()
}

func (o *Orchestrator) watchPoolHealth(ev events.Event) {
	if ev.Type != events.TypePoolHealthChanged {
		return
	}
	current, _ := ev.Details["current"].(string)
	if current != string(credential.HealthCritical) {
		return
	}
	o.bus.Publish(events.Event{
		Type:    events.TypeIncidentOpened,
		Details: map[string]any{"reason": "credential pool critical", "surface_id": ev.Details["surface_id"]},
	})
}

// SubmitStudy validates a study, resumes from a prior checkpoint when one
// exists, and enqueues its remaining cells.
func (o *Orchestrator) SubmitStudy(ctx context.Context, study *bentham.Study) (*SubmitReceipt, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.SubmitStudy")
	defer span.End()

	if err := validateStudy(study); err != nil {
		return nil, fmt.Errorf("invalid study: %w", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errors.New("orchestrator is shut down")
	}
	if _, exists := o.studies[study.ID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("study %s already submitted", study.ID)
	}
	o.mu.Unlock()

	// A parse failure is surfaced, never treated as absence: resuming a
	// study on top of a corrupt checkpoint would re-execute finished cells.
	cp, err := o.engine.Load(ctx, study.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", study.ID, err)
	}
	resumed := cp != nil
	if cp == nil {
		cp = o.engine.Create(study, ExpandCells(study))
	}

	manager, err := checkpoint.NewManager(o.engine, cp, o.ckptCfg, o.logger)
	if err != nil {
		return nil, err
	}

	remaining := cp.RemainingCells()
	if resumed {
		remaining = o.settleExhausted(ctx, manager, cp, remaining)
	}

	maxRetries := o.cfg.MaxRetries
	if study.MaxRetries != nil {
		maxRetries = *study.MaxRetries
	}
	st := &studyState{
		study:      study,
		manager:    manager,
		status:     bentham.StudyRunning,
		maxRetries: maxRetries,
		queued:     len(remaining),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errors.New("orchestrator is shut down")
	}
	if _, exists := o.studies[study.ID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("study %s already submitted", study.ID)
	}
	o.studies[study.ID] = st
	for _, key := range remaining {
		attempt := 1
		if rs, ok := cp.RetryStates[key]; ok {
			attempt = rs.Attempts + 1
		}
		o.queue.Push(&job{
			id:       uuid.NewString(),
			studyID:  study.ID,
			key:      key,
			query:    study.Queries[key.QueryIndex],
			priority: study.Priority,
			attempt:  attempt,
		})
	}
	o.metrics.QueueDepth.Set(float64(o.queue.Len()))
	o.cond.Broadcast()
	o.mu.Unlock()

	o.logger.Info("study submitted",
		zap.String("study_id", study.ID),
		zap.String("tenant_id", study.TenantID),
		zap.Int("remaining_cells", len(remaining)),
		zap.Bool("resumed", resumed),
	)

	if len(remaining) == 0 {
		o.finalizeStudy(ctx, st)
	}

	return &SubmitReceipt{
		StudyID:                 study.ID,
		ResumedFromCheckpoint:   resumed,
		RemainingCells:          len(remaining),
		EstimatedCompletionTime: o.estimateCompletion(len(remaining)),
	}, nil
}

func validateStudy(study *bentham.Study) error {
	if study == nil {
		return errors.New("study is nil")
	}
	if study.ID == "" {
		return errors.New("study id is required")
	}
	if len(study.Queries) == 0 || len(study.Surfaces) == 0 || len(study.Locations) == 0 {
		return errors.New("queries, surfaces, and locations must all be non-empty")
	}
	if t := study.CompletionCriteria.CoverageThreshold; t < 0 || t > 1 {
		return fmt.Errorf("coverage threshold %v outside [0,1]", t)
	}
	if study.MaxRetries != nil && *study.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative: %d", *study.MaxRetries)
	}
	return nil
}

// settleExhausted converts exhausted-but-unfinished cells into failed
// results before a resumed study is enqueued. A crash between the
// retry-state write and the result write leaves a cell with Exhausted set
// and no terminal result; re-running it would grant the cell an attempt
// its retry budget already spent, so the failure is completed here instead.
func (o *Orchestrator) settleExhausted(ctx context.Context, manager *checkpoint.Manager, cp *checkpoint.Checkpoint, remaining []bentham.CellKey) []bentham.CellKey {
	live := remaining[:0]
	for _, key := range remaining {
		rs, ok := cp.RetryStates[key]
		if !ok || !rs.Exhausted {
			live = append(live, key)
			continue
		}
		res := &bentham.CellResult{
			Key:         key,
			Status:      bentham.CellFailed,
			Error:       bentham.NewError(rs.LastErrorCode, "%s", rs.LastError),
			Attempt:     rs.Attempts,
			CompletedAt: time.Now().UTC(),
		}
		if err := manager.RecordResult(ctx, res); err != nil {
			o.logger.Error("failed to settle exhausted cell",
				zap.String("study_id", cp.StudyID),
				zap.String("cell", key.Encode()),
				zap.Error(err),
			)
		}
		o.metrics.JobsTotal.WithLabelValues(key.SurfaceID, string(bentham.CellFailed)).Inc()
	}
	return live
}

// estimateCompletion is a throughput heuristic: remaining cells spread
// across all worker slots, half the job timeout per cell.
func (o *Orchestrator) estimateCompletion(remaining int) time.Time {
	slots := 0
	for _, w := range o.workers {
		slots += w.spec.MaxConcurrent
	}
	if slots == 0 {
		slots = 1
	}
	perCell := o.cfg.JobTimeout / 2
	waves := (remaining + slots - 1) / slots
	return time.Now().UTC().Add(time.Duration(waves) * perCell)
}

// GetStudyStatus reports progress and per-surface coverage.
func (o *Orchestrator) GetStudyStatus(studyID string) (*StudyReport, error) {
	o.mu.Lock()
	st, ok := o.studies[studyID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
	}

	cp := st.manager.Checkpoint()
	status := st.status
	if st.paused && status == bentham.StudyRunning {
		status = bentham.StudyPaused
	}

	report := &StudyReport{
		StudyID:         studyID,
		Status:          status,
		ProgressPercent: cp.ProgressPercent,
		CompletedCells:  cp.CompletedCells,
		FailedCells:     cp.FailedCells,
		TotalCells:      cp.TotalCells,
	}
	report.Surfaces = surfaceCoverage(st.study, cp)
	return report, nil
}

// CancelStudy marks all queued cells skipped and lets running jobs drain.
// Returns false for unknown or already-terminal studies.
func (o *Orchestrator) CancelStudy(ctx context.Context, studyID string) bool {
	o.mu.Lock()
	st, ok := o.studies[studyID]
	if !ok || st.terminal() {
		o.mu.Unlock()
		return false
	}
	st.status = bentham.StudyCancelled
	o.queue.RemoveStudy(studyID)
	st.queued = 0
	o.metrics.QueueDepth.Set(float64(o.queue.Len()))
	drained := st.inFlight == 0
	o.mu.Unlock()

	o.logger.Info("study cancelled", zap.String("study_id", studyID))
	if drained {
		o.finalizeCancelled(ctx, st)
	}
	return true
}

// PauseStudy stops dispatch for one study; running jobs complete.
func (o *Orchestrator) PauseStudy(studyID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.studies[studyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
	}
	if st.terminal() {
		return fmt.Errorf("study %s is already %s", studyID, st.status)
	}
	st.paused = true
	return nil
}

// ResumeStudy restarts dispatch for a paused study.
func (o *Orchestrator) ResumeStudy(studyID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.studies[studyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
	}
	st.paused = false
	o.cond.Broadcast()
	return nil
}

// dispatchLoop hands eligible jobs to workers with free slots. It blocks on
// the condition variable between dispatches and never performs I/O.
func (o *Orchestrator) dispatchLoop() {
	defer close(o.done)
	o.mu.Lock()
	defer o.mu.Unlock()

	for {
		if o.closed {
			return
		}

		now := time.Now()
		dispatched := false
		for _, w := range o.workers {
			for w.hasSlot() {
				j := o.queue.PopEligible(now, func(j *job) bool {
					st := o.studies[j.studyID]
					if st == nil || st.paused || st.terminal() {
						return false
					}
					return w.permits(j)
				})
				if j == nil {
					break
				}
				st := o.studies[j.studyID]
				st.queued--
				st.inFlight++
				w.inFlight++
				o.wg.Add(1)
				o.metrics.QueueDepth.Set(float64(o.queue.Len()))
				o.metrics.WorkersBusy.Inc()
				go o.runJob(w, st, j)
				dispatched = true
			}
		}
		if dispatched {
			continue
		}

		if wake, ok := o.queue.NextWakeup(now); ok {
			timer := time.AfterFunc(time.Until(wake), o.cond.Broadcast)
			o.cond.Wait()
			timer.Stop()
		} else {
			o.cond.Wait()
		}
	}
}

// runJob executes one attempt and routes the outcome to retry or
// finalization.
func (o *Orchestrator) runJob(w *worker, st *studyState, j *job) {
	defer o.wg.Done()
	ctx := logging.WithFields(context.Background(),
		zap.String("study_id", j.studyID),
		zap.String("tenant_id", st.study.TenantID),
		zap.String("job_id", j.id),
	)
	o.logger.With(logging.FromContext(ctx)...).Debug("job dispatched",
		zap.String("worker_id", w.spec.ID),
		zap.String("cell", j.key.Encode()),
		zap.Int("attempt", j.attempt),
	)

	o.bus.Publish(events.Event{
		Type:     events.TypeJobStarted,
		WorkerID: w.spec.ID,
		JobID:    j.id,
		StudyID:  j.studyID,
		TenantID: st.study.TenantID,
		Details:  map[string]any{"cell": j.key.Encode(), "attempt": j.attempt},
	})

	started := time.Now()
	res := o.executeJob(ctx, st, j)
	o.metrics.JobDuration.WithLabelValues(j.key.SurfaceID).Observe(time.Since(started).Seconds())

	if res.Succeeded() {
		o.completeJob(ctx, w, st, j, res)
		return
	}
	o.failJob(ctx, w, st, j, res)
}

func (o *Orchestrator) completeJob(ctx context.Context, w *worker, st *studyState, j *job, res *bentham.CellResult) {
	o.ts.Reset(j.key)
	if err := st.manager.RecordResult(ctx, res); err != nil {
		o.logger.With(logging.FromContext(ctx)...).Error("failed to record result",
			zap.String("cell", j.key.Encode()),
			zap.Error(err),
		)
	}
	o.metrics.JobsTotal.WithLabelValues(j.key.SurfaceID, string(bentham.CellCompleted)).Inc()
	o.bus.Publish(events.Event{
		Type:     events.TypeJobCompleted,
		WorkerID: w.spec.ID,
		JobID:    j.id,
		StudyID:  j.studyID,
		TenantID: st.study.TenantID,
		Details:  map[string]any{"cell": j.key.Encode(), "attempt": res.Attempt},
	})
	o.releaseSlot(ctx, w, st)
}

func (o *Orchestrator) failJob(ctx context.Context, w *worker, st *studyState, j *job, res *bentham.CellResult) {
	ferr := res.Error
	retryable := troubleshoot.IsRetryable(ferr)
	sev := o.ts.ObserveFailure(j.key, ferr)

	o.mu.Lock()
	canRetry := retryable && j.attempt <= st.maxRetries && !st.terminal() && !o.closed
	o.mu.Unlock()

	if canRetry {
		st.manager.RecordRetry(j.key, &bentham.RetryState{
			Attempts:      j.attempt,
			LastError:     ferr.Message,
			LastErrorCode: ferr.Kind,
		})

		delay := o.planner.Delay(j.attempt, ferr.Kind, sev)
		if ferr.Kind == bentham.KindNoCredentials && delay < o.cfg.NoCredentialsBackoff {
			// Back-pressure: do not spin against an empty pool.
			delay = o.cfg.NoCredentialsBackoff
		}
		o.metrics.RetriesTotal.WithLabelValues(j.key.SurfaceID, string(ferr.Kind)).Inc()
		o.bus.Publish(events.Event{
			Type:     events.TypeJobFailed,
			WorkerID: w.spec.ID,
			JobID:    j.id,
			StudyID:  j.studyID,
			TenantID: st.study.TenantID,
			Details: map[string]any{
				"cell":        j.key.Encode(),
				"attempt":     j.attempt,
				"kind":        string(ferr.Kind),
				"will_retry":  true,
				"retry_delay": delay.String(),
			},
		})

		o.mu.Lock()
		if !o.closed && !st.terminal() {
			o.queue.Push(&job{
				id:        uuid.NewString(),
				studyID:   j.studyID,
				key:       j.key,
				query:     j.query,
				priority:  j.priority.Boost(),
				attempt:   j.attempt + 1,
				notBefore: time.Now().Add(delay),
			})
			st.queued++
			o.metrics.QueueDepth.Set(float64(o.queue.Len()))
		}
		o.mu.Unlock()
		o.releaseSlot(ctx, w, st)
		return
	}

	// Terminal failure: exhausted retries or a fatal kind.
	st.manager.RecordRetry(j.key, &bentham.RetryState{
		Attempts:      j.attempt,
		LastError:     ferr.Message,
		LastErrorCode: ferr.Kind,
		Exhausted:     true,
	})
	if err := st.manager.RecordResult(ctx, res); err != nil {
		o.logger.With(logging.FromContext(ctx)...).Error("failed to record final failure",
			zap.String("cell", j.key.Encode()),
			zap.Error(err),
		)
	}
	o.ts.Reset(j.key)
	o.metrics.JobsTotal.WithLabelValues(j.key.SurfaceID, string(bentham.CellFailed)).Inc()
	o.bus.Publish(events.Event{
		Type:     events.TypeJobFailed,
		WorkerID: w.spec.ID,
		JobID:    j.id,
		StudyID:  j.studyID,
		TenantID: st.study.TenantID,
		Details: map[string]any{
			"cell":       j.key.Encode(),
			"attempt":    j.attempt,
			"kind":       string(ferr.Kind),
			"will_retry": false,
		},
	})
	o.releaseSlot(ctx, w, st)
}

// releaseSlot frees the worker slot and triggers completion evaluation when
// the study's work has drained.
func (o *Orchestrator) releaseSlot(ctx context.Context, w *worker, st *studyState) {
	o.mu.Lock()
	w.inFlight--
	st.inFlight--
	o.metrics.WorkersBusy.Dec()
	drained := st.queued == 0 && st.inFlight == 0
	cancelled := st.status == bentham.StudyCancelled
	terminal := st.terminal()
	o.cond.Broadcast()
	o.mu.Unlock()

	if !drained {
		return
	}
	switch {
	case cancelled:
		o.finalizeCancelled(ctx, st)
	case !terminal:
		o.finalizeStudy(ctx, st)
	}
}

// finalizeStudy evaluates completion criteria, persists the final
// checkpoint, and announces the outcome.
func (o *Orchestrator) finalizeStudy(ctx context.Context, st *studyState) {
	cp := st.manager.Checkpoint()
	outcome := evaluateOutcome(st.study, cp)

	o.mu.Lock()
	if st.terminal() {
		o.mu.Unlock()
		return
	}
	st.status = outcome
	o.mu.Unlock()

	if err := st.manager.Finalize(ctx); err != nil {
		o.logger.Error("failed to finalize checkpoint",
			zap.String("study_id", st.study.ID),
			zap.Error(err),
		)
	}
	o.metrics.StudiesTotal.WithLabelValues(string(outcome)).Inc()
	o.bus.Publish(events.Event{
		Type:     events.TypeStudyCompleted,
		StudyID:  st.study.ID,
		TenantID: st.study.TenantID,
		Details: map[string]any{
			"status":          string(outcome),
			"completed_cells": cp.CompletedCells,
			"failed_cells":    cp.FailedCells,
		},
	})
	o.logger.Info("study finalized",
		zap.String("study_id", st.study.ID),
		zap.String("status", string(outcome)),
	)
}

// finalizeCancelled marks every remaining cell skipped and persists one
// final checkpoint.
func (o *Orchestrator) finalizeCancelled(ctx context.Context, st *studyState) {
	for _, key := range st.manager.Checkpoint().RemainingCells() {
		err := st.manager.RecordResult(ctx, &bentham.CellResult{
			Key:         key,
			Status:      bentham.CellSkipped,
			CompletedAt: time.Now().UTC(),
		})
		if err != nil {
			o.logger.Error("failed to record skipped cell",
				zap.String("study_id", st.study.ID),
				zap.String("cell", key.Encode()),
				zap.Error(err),
			)
			break
		}
	}
	if err := st.manager.Finalize(ctx); err != nil {
		o.logger.Error("failed to finalize cancelled study",
			zap.String("study_id", st.study.ID),
			zap.Error(err),
		)
	}
	o.metrics.StudiesTotal.WithLabelValues(string(bentham.StudyCancelled)).Inc()
	o.bus.Publish(events.Event{
		Type:     events.TypeStudyCompleted,
		StudyID:  st.study.ID,
		TenantID: st.study.TenantID,
		Details:  map[string]any{"status": string(bentham.StudyCancelled)},
	})
}

// surfaceCoverage computes per-surface completion from the checkpoint map.
func surfaceCoverage(study *bentham.Study, cp *checkpoint.Checkpoint) []SurfaceProgress {
	perSurfaceTotal := len(study.Queries) * len(study.Locations)
	out := make([]SurfaceProgress, 0, len(study.Surfaces))
	for _, surfaceID := range study.Surfaces {
		sp := SurfaceProgress{SurfaceID: surfaceID, Total: perSurfaceTotal}
		for key, res := range cp.CellResults {
			if key.SurfaceID != surfaceID {
				continue
			}
			switch res.Status {
			case bentham.CellCompleted:
				sp.Completed++
			case bentham.CellFailed, bentham.CellSkipped:
				sp.Failed++
			}
		}
		if sp.Total > 0 {
			sp.Coverage = float64(sp.Completed) / float64(sp.Total)
		}
		out = append(out, sp)
	}
	return out
}

// evaluateOutcome maps drained-queue coverage onto the study's terminal
// status. Completed when every required surface meets the threshold. Failed
// only when nothing succeeded and every failure was a fatal kind; exhausted
// retries on flaky surfaces leave the study partial, since the work itself
// was viable.
func evaluateOutcome(study *bentham.Study, cp *checkpoint.Checkpoint) bentham.StudyStatus {
	required := study.CompletionCriteria.RequiredSurfaces
	if len(required) == 0 {
		required = study.Surfaces
	}
	threshold := study.CompletionCriteria.CoverageThreshold

	coverage := make(map[string]SurfaceProgress, len(study.Surfaces))
	for _, sp := range surfaceCoverage(study, cp) {
		coverage[sp.SurfaceID] = sp
	}

	allMet := true
	for _, surfaceID := range required {
		if coverage[surfaceID].Coverage < threshold {
			allMet = false
			break
		}
	}
	switch {
	case allMet:
		return bentham.StudyCompleted
	case cp.CompletedCells == 0 && allFailuresFatal(cp):
		return bentham.StudyFailed
	default:
		return bentham.StudyPartial
	}
}

// allFailuresFatal reports whether every failed cell died on a
// non-retryable kind.
func allFailuresFatal(cp *checkpoint.Checkpoint) bool {
	sawFailure := false
	for _, res := range cp.CellResults {
		if res.Status != bentham.CellFailed || res.Error == nil {
			continue
		}
		sawFailure = true
		if troubleshoot.IsRetryable(bentham.NewError(res.Error.Kind, "")) {
			return false
		}
	}
	return sawFailure
}

// Shutdown stops dispatch, waits for in-flight jobs, and announces worker
// stops. Studies still running are left resumable via their checkpoints.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	started := o.started
	o.cond.Broadcast()
	o.mu.Unlock()

	if started {
		select {
		case <-o.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	waited := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Persist whatever the running studies accumulated.
	o.mu.Lock()
	states := make([]*studyState, 0, len(o.studies))
	for _, st := range o.studies {
		states = append(states, st)
	}
	o.mu.Unlock()
	for _, st := range states {
		if st.terminal() {
			continue
		}
		if err := st.manager.Save(ctx); err != nil {
			o.logger.Error("shutdown checkpoint save failed",
				zap.String("study_id", st.study.ID),
				zap.Error(err),
			)
		}
	}

	for _, w := range o.workers {
		o.bus.Publish(events.Event{Type: events.TypeWorkerStopped, WorkerID: w.spec.ID})
	}
	return nil
}
