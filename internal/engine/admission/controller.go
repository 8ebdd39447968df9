// Package admission bounds and records submissions to the external
// scheduler: the resource ledger enforces the job ceiling, the controller
// enforces the per-invocation burst limit, blacklist suppression, and the
// commit-before-submit ordering that makes interrupted submissions
// detectable.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/engine/metrics"
	"github.com/matsci-hpc/conductor/internal/infra/scheduler"
	"github.com/matsci-hpc/conductor/internal/infra/storage"
)

// Deferral reasons reported in SubmissionResult and metrics.
const (
	ReasonBlacklisted = "blacklisted"
	ReasonNotDue      = "not_due"
	ReasonBurstLimit  = "burst_limit"
	ReasonCeiling     = "ceiling"
	ReasonSubmitError = "submit_error"
)

// SubmissionResult reports what happened to one candidate.
type SubmissionResult struct {
	Request    domain.JobRequest
	JobID      string // set when a job record was committed
	ExternalID string // set when the scheduler acknowledged
	Submitted  bool
	Reason     string // deferral/skip reason when not submitted
	Err        error
}

// Controller admits candidate jobs within the ceiling and burst limit.
type Controller struct {
	jobs      storage.JobRepository
	materials storage.MaterialRepository
	blacklist storage.BlacklistRepository
	ledgers   LedgerProvider
	sched     scheduler.Scheduler
	maxBurst  int
}

// NewController creates an admission controller. maxBurst caps submissions
// per invocation independently of the ceiling.
func NewController(
	jobs storage.JobRepository,
	materials storage.MaterialRepository,
	blacklist storage.BlacklistRepository,
	ledgers LedgerProvider,
	sched scheduler.Scheduler,
	maxBurst int,
) *Controller {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	return &Controller{
		jobs:      jobs,
		materials: materials,
		blacklist: blacklist,
		ledgers:   ledgers,
		sched:     sched,
		maxBurst:  maxBurst,
	}
}

// SubmitReady admits candidates FIFO: first-ready-first-submitted. One
// invocation covers one workflow's candidates and is bounded by that
// workflow's ledger. Candidates beyond the burst limit or the ledger
// allowance stay pending for the next invocation. Each admitted candidate's
// Job record is committed before the external submit call, so an
// interruption in between leaves a queued job with no external ID that the
// reconciler can pick up.
func (c *Controller) SubmitReady(ctx context.Context, candidates []domain.JobRequest) ([]SubmissionResult, error) {
	results := make([]SubmissionResult, len(candidates))
	now := time.Now()

	var eligible []int
	for i, cand := range candidates {
		results[i].Request = cand

		entry, err := c.blacklist.Get(ctx, cand.WorkflowID, cand.MaterialID)
		if err != nil {
			return nil, err
		}
		if entry != nil && !entry.Expired(now) {
			results[i].Reason = ReasonBlacklisted
			metrics.SubmissionsDeferred.WithLabelValues(cand.WorkflowID, ReasonBlacklisted).Inc()
			continue
		}
		if cand.NotBefore.After(now) {
			results[i].Reason = ReasonNotDue
			metrics.SubmissionsDeferred.WithLabelValues(cand.WorkflowID, ReasonNotDue).Inc()
			continue
		}
		if len(eligible) >= c.maxBurst {
			results[i].Reason = ReasonBurstLimit
			metrics.SubmissionsDeferred.WithLabelValues(cand.WorkflowID, ReasonBurstLimit).Inc()
			continue
		}
		eligible = append(eligible, i)
	}

	if len(eligible) == 0 {
		return results, nil
	}

	res, err := c.ledgers.For(candidates[eligible[0]].WorkflowID).Reserve(ctx, len(eligible))
	if err != nil {
		return nil, err
	}

	admitted := eligible[:res.Allowed()]
	for _, i := range eligible[res.Allowed():] {
		results[i].Reason = ReasonCeiling
		metrics.SubmissionsDeferred.WithLabelValues(candidates[i].WorkflowID, ReasonCeiling).Inc()
	}

	used := 0
	for _, i := range admitted {
		r := c.submitOne(ctx, candidates[i], now)
		results[i] = r
		if r.JobID != "" {
			// The job record exists even when the external submit failed;
			// the slot stays occupied until reconciliation settles it.
			used++
		}
	}

	if err := res.Commit(ctx, used); err != nil {
		return results, err
	}
	return results, nil
}

// submitOne commits the job record, then calls the scheduler.
func (c *Controller) submitOne(ctx context.Context, cand domain.JobRequest, now time.Time) SubmissionResult {
	job := &domain.Job{
		ID:            uuid.New().String(),
		WorkflowID:    cand.WorkflowID,
		MaterialID:    cand.MaterialID,
		Stage:         cand.Stage,
		Attempt:       cand.Attempt,
		PredecessorID: cand.PredecessorID,
		Resources:     cand.Resources,
		Params:        cand.Params,
		Status:        domain.JobStatusQueued,
		SubmittedAt:   now,
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		return SubmissionResult{Request: cand, Reason: ReasonSubmitError, Err: err}
	}

	externalID, err := c.sched.Submit(ctx, scheduler.SubmitRequest{
		Name:          cand.Name(),
		CallbackJobID: job.ID,
		WorkflowID:    cand.WorkflowID,
		Resources:     cand.Resources,
		Params:        cand.Params,
	})
	if err != nil {
		slog.Warn("scheduler submit failed, job left for reconcile",
			"workflow", cand.WorkflowID, "job", job.ID, "error", err)
		return SubmissionResult{Request: cand, JobID: job.ID, Reason: ReasonSubmitError, Err: err}
	}

	if err := c.jobs.SetExternalID(ctx, cand.WorkflowID, job.ID, externalID); err != nil {
		return SubmissionResult{Request: cand, JobID: job.ID, ExternalID: externalID, Err: err}
	}
	if err := c.markRunning(ctx, cand, job.ID); err != nil {
		return SubmissionResult{Request: cand, JobID: job.ID, ExternalID: externalID, Err: err}
	}

	metrics.JobsSubmitted.WithLabelValues(cand.WorkflowID, cand.Stage).Inc()
	return SubmissionResult{Request: cand, JobID: job.ID, ExternalID: externalID, Submitted: true}
}

// markRunning points the material at its in-flight job.
func (c *Controller) markRunning(ctx context.Context, cand domain.JobRequest, jobID string) error {
	m, err := c.materials.Get(ctx, cand.WorkflowID, cand.MaterialID)
	if err != nil {
		return err
	}
	m.Status = domain.MaterialStatusRunning
	m.CurrentJobID = jobID
	return c.materials.Update(ctx, m)
}
