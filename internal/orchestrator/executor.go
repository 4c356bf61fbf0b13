package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
	"github.com/fyrsmithlabs/bentham/internal/logging"
	"github.com/fyrsmithlabs/bentham/internal/session"
	"github.com/fyrsmithlabs/bentham/internal/surface"
)

// executeJob runs the per-job contract: adapter lookup, resource
// acquisition, the bounded adapter call, quality gates, and pool outcome
// reporting. It always returns a CellResult; the caller decides between
// retry and finalization.
func (o *Orchestrator) executeJob(ctx context.Context, st *studyState, j *job) *bentham.CellResult {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.executeJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("study_id", j.studyID),
		attribute.String("cell", j.key.Encode()),
		attribute.Int("attempt", j.attempt),
	)

	started := time.Now()
	res := &bentham.CellResult{
		Key:     j.key,
		Attempt: j.attempt,
	}
	fail := func(err *bentham.Error) *bentham.CellResult {
		res.Status = bentham.CellFailed
		res.Error = err
		res.Metrics.TotalMs = time.Since(started).Milliseconds()
		res.CompletedAt = time.Now().UTC()
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	adapter, err := o.registry.Get(j.key.SurfaceID)
	if err != nil {
		return fail(bentham.NewError(bentham.KindAdapterNotFound, "no adapter for surface %s", j.key.SurfaceID))
	}
	needs := adapter.RequiredResources()

	var credentialID string
	if needs.NeedsCredential {
		pool, err := o.creds.Pool(j.key.SurfaceID)
		if err != nil {
			return fail(bentham.NewError(bentham.KindInternal, "credential pool: %v", err))
		}
		cred := pool.GetNext()
		if cred == nil {
			return fail(bentham.NewError(bentham.KindNoCredentials, "no credentials available for surface %s", j.key.SurfaceID))
		}
		credentialID = cred.ID
		res.CredentialID = credentialID
	}
	reportOutcome := func(failure *bentham.Error) {
		if credentialID == "" {
			return
		}
		pool, err := o.creds.Pool(j.key.SurfaceID)
		if err != nil {
			return
		}
		if failure == nil {
			pool.ReportSuccess(credentialID)
		} else {
			pool.ReportError(credentialID, failure.Error())
		}
	}

	var sessionID string
	if needs.NeedsSession && o.sessions != nil {
		waitStart := time.Now()
		co, err := o.sessions.Checkout(ctx, j.checkoutOptions(st))
		res.Metrics.SessionWaitMs = time.Since(waitStart).Milliseconds()
		if err != nil {
			ferr := bentham.NewError(bentham.KindInternal, "session checkout: %v", err)
			reportOutcome(ferr)
			return fail(ferr)
		}
		if co == nil {
			ferr := bentham.NewError(bentham.KindSessionInvalid, "no session available within checkout timeout")
			reportOutcome(ferr)
			return fail(ferr)
		}
		sessionID = co.SessionID
		res.SessionID = sessionID
	}
	checkin := func(failure *bentham.Error) {
		if sessionID == "" {
			return
		}
		err := o.sessions.CheckIn(sessionID, sessionCheckin(failure))
		if err != nil {
			o.logger.With(logging.FromContext(ctx)...).Warn("session check-in failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}

	timeout := o.cfg.JobTimeout
	if !st.study.Deadline.IsZero() {
		if until := time.Until(st.study.Deadline); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		ferr := bentham.NewError(bentham.KindTimeout, "study deadline passed")
		reportOutcome(ferr)
		checkin(ferr)
		return fail(ferr)
	}

	qctx := surface.QueryContext{
		StudyID:       j.studyID,
		TenantID:      st.study.TenantID,
		CorrelationID: uuid.NewString(),
		SessionID:     sessionID,
		CredentialID:  credentialID,
		LocationID:    j.key.LocationID,
		EvidenceLevel: st.study.EvidenceLevel,
		Timeout:       timeout,
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	qres, callErr := adapter.ExecuteQuery(callCtx, j.query, qctx)
	cancel()

	if callErr != nil {
		var ferr *bentham.Error
		if errors.Is(callErr, context.DeadlineExceeded) {
			ferr = bentham.NewError(bentham.KindTimeout, "adapter call exceeded %s", timeout)
		} else {
			ferr = bentham.NewError(bentham.KindExecutionFailed, "adapter call failed: %v", callErr)
		}
		reportOutcome(ferr)
		checkin(ferr)
		return fail(ferr)
	}
	if qres == nil {
		ferr := bentham.NewError(bentham.KindInternal, "adapter returned no result")
		reportOutcome(ferr)
		checkin(ferr)
		return fail(ferr)
	}

	res.Metrics.ResponseMs = qres.ResponseTimeMs
	if !qres.Success {
		ferr := qres.Error
		if ferr == nil {
			ferr = bentham.NewError(bentham.KindExecutionFailed, "adapter reported failure without error")
		}
		reportOutcome(ferr)
		checkin(ferr)
		return fail(ferr)
	}

	if gateErr := applyQualityGates(st.study.QualityGates, qres.ResponseText); gateErr != nil {
		reportOutcome(gateErr)
		checkin(gateErr)
		return fail(gateErr)
	}

	reportOutcome(nil)
	checkin(nil)

	res.Status = bentham.CellCompleted
	res.ResponseText = qres.ResponseText
	res.StructuredResponse = qres.StructuredResponse
	res.Metrics.TotalMs = time.Since(started).Milliseconds()
	res.CompletedAt = time.Now().UTC()
	return res
}

// checkoutOptions derives the session lease request for a job. Sessions are
// pooled per platform, keyed by surface id.
func (j *job) checkoutOptions(st *studyState) session.CheckoutOptions {
	return session.CheckoutOptions{
		Platform: j.key.SurfaceID,
		StudyID:  j.studyID,
		TenantID: st.study.TenantID,
	}
}

// sessionCheckin returns a session on success and recycles it on error.
func sessionCheckin(failure *bentham.Error) session.CheckinOptions {
	return session.CheckinOptions{PagesUsed: 1, Errored: failure != nil}
}

// applyQualityGates validates a successful response. Gate failures are
// retryable: a flaky surface may answer properly on the next attempt.
func applyQualityGates(gates bentham.QualityGates, text string) *bentham.Error {
	if gates.RequireActualContent && strings.TrimSpace(text) == "" {
		return bentham.NewError(bentham.KindQualityGateFailed, "response has no actual content")
	}
	if gates.MinResponseLength > 0 && len(text) < gates.MinResponseLength {
		return bentham.NewError(bentham.KindQualityGateFailed,
			"response length %d below minimum %d", len(text), gates.MinResponseLength)
	}
	return nil
}
