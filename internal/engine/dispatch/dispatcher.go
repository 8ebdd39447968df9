// Package dispatch turns scheduler callbacks into state transitions: stage
// advancement on success, recovery on failure, unconditional resubmission on
// cancellation. Resubmission candidates go through the queue and are admitted
// later by the admission controller, never submitted directly from here.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/engine/admission"
	"github.com/matsci-hpc/conductor/internal/engine/metrics"
	"github.com/matsci-hpc/conductor/internal/engine/recovery"
	"github.com/matsci-hpc/conductor/internal/infra/storage"
)

// Completion is the payload of one scheduler callback.
type Completion struct {
	WorkflowID string           `json:"workflow_id"`
	JobID      string           `json:"job_id"`
	Status     domain.JobStatus `json:"status"`
	Output     string           `json:"output"` // captured tail of the job output, used for classification
}

// Dispatcher applies scheduler callbacks to the workflow state.
type Dispatcher struct {
	workflows storage.WorkflowRepository
	materials storage.MaterialRepository
	jobs      storage.JobRepository
	recovery  *recovery.Engine
	queue     Queue
	ledgers   admission.LedgerProvider
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	store *storage.Store,
	rec *recovery.Engine,
	queue Queue,
	ledgers admission.LedgerProvider,
) *Dispatcher {
	return &Dispatcher{
		workflows: store.Workflows,
		materials: store.Materials,
		jobs:      store.Jobs,
		recovery:  rec,
		queue:     queue,
		ledgers:   ledgers,
	}
}

// OnJobUpdate processes one callback. Duplicate callbacks for an already
// settled job are ignored, so scheduler retries are safe.
func (d *Dispatcher) OnJobUpdate(ctx context.Context, c Completion) error {
	job, err := d.jobs.Get(ctx, c.WorkflowID, c.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status.Terminal() {
		slog.Debug("ignoring callback for settled job",
			"workflow", c.WorkflowID, "job", c.JobID, "status", c.Status)
		return nil
	}

	if c.Status == domain.JobStatusRunning {
		return d.jobs.UpdateStatus(ctx, c.WorkflowID, c.JobID, domain.JobStatusRunning)
	}
	if !c.Status.Terminal() {
		return fmt.Errorf("unexpected callback status %q", c.Status)
	}

	if err := d.jobs.UpdateStatus(ctx, c.WorkflowID, c.JobID, c.Status); err != nil {
		return err
	}
	if err := d.ledgers.For(c.WorkflowID).Free(ctx, 1); err != nil {
		return fmt.Errorf("failed to free ledger slot: %w", err)
	}
	metrics.JobsCompleted.WithLabelValues(c.WorkflowID, string(c.Status)).Inc()

	switch c.Status {
	case domain.JobStatusSucceeded:
		return d.advance(ctx, job)
	case domain.JobStatusFailed:
		return d.recover(ctx, job, c.Output)
	case domain.JobStatusCancelled:
		return d.requeue(ctx, job)
	}
	return nil
}

// advance moves the material to its next stage, or marks it done after the
// final stage.
func (d *Dispatcher) advance(ctx context.Context, job *domain.Job) error {
	wf, err := d.workflows.Get(ctx, job.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	m, err := d.materials.Get(ctx, job.WorkflowID, job.MaterialID)
	if err != nil {
		return fmt.Errorf("failed to load material: %w", err)
	}

	m.StageIndex++
	m.CurrentJobID = ""
	if m.StageIndex >= len(wf.Stages) {
		m.Status = domain.MaterialStatusDone
	} else {
		m.Status = domain.MaterialStatusCompletedStage
	}
	if err := d.materials.Update(ctx, m); err != nil {
		return fmt.Errorf("failed to advance material: %w", err)
	}

	slog.Info("material advanced",
		"workflow", job.WorkflowID, "material", job.MaterialID,
		"stage", job.Stage, "next_index", m.StageIndex, "status", m.Status)
	return nil
}

// recover hands the failed job to the recovery engine and queues its
// resubmission when one was produced. The material ends up failed only when
// the failure escalated; a repaired failure waits as recovering until the
// resubmission is admitted.
func (d *Dispatcher) recover(ctx context.Context, job *domain.Job, output string) error {
	outcome, err := d.recovery.HandleFailure(ctx, job, output)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	m, err := d.materials.Get(ctx, job.WorkflowID, job.MaterialID)
	if err != nil {
		return fmt.Errorf("failed to load material: %w", err)
	}

	if outcome.Escalated() {
		// Exhaustion already blacklisted the material inside the engine.
		if m.Status != domain.MaterialStatusBlacklisted {
			m.Status = domain.MaterialStatusFailed
			m.CurrentJobID = ""
			if err := d.materials.Update(ctx, m); err != nil {
				return fmt.Errorf("failed to mark material failed: %w", err)
			}
		}
		slog.Warn("job failure escalated",
			"workflow", job.WorkflowID, "material", job.MaterialID,
			"job", job.ID, "kind", outcome.Kind, "reason", outcome.Reason)
		return nil
	}

	m.Status = domain.MaterialStatusRecovering
	m.CurrentJobID = ""
	if err := d.materials.Update(ctx, m); err != nil {
		return fmt.Errorf("failed to mark material recovering: %w", err)
	}

	if err := d.queue.Push(ctx, *outcome.Resubmit); err != nil {
		return fmt.Errorf("failed to queue resubmission: %w", err)
	}
	slog.Info("recovery resubmission queued",
		"workflow", job.WorkflowID, "material", job.MaterialID,
		"kind", outcome.Kind, "stage", outcome.StageName,
		"attempt", outcome.Resubmit.Attempt)
	return nil
}

// requeue resubmits a cancelled job unchanged. Cancellations are the
// cluster's doing, not the calculation's, so they consume no recovery budget.
func (d *Dispatcher) requeue(ctx context.Context, job *domain.Job) error {
	m, err := d.materials.Get(ctx, job.WorkflowID, job.MaterialID)
	if err != nil {
		return fmt.Errorf("failed to load material: %w", err)
	}
	// Recovering keeps the sweep from deriving a duplicate stage candidate
	// while the resubmission waits in the queue.
	m.Status = domain.MaterialStatusRecovering
	m.CurrentJobID = ""
	if err := d.materials.Update(ctx, m); err != nil {
		return fmt.Errorf("failed to reset material: %w", err)
	}

	req := domain.JobRequest{
		WorkflowID:    job.WorkflowID,
		MaterialID:    job.MaterialID,
		Stage:         job.Stage,
		Attempt:       job.Attempt + 1,
		PredecessorID: job.ID,
		Resources:     job.Resources,
		Params:        job.Params,
	}
	if err := d.queue.Push(ctx, req); err != nil {
		return fmt.Errorf("failed to queue resubmission: %w", err)
	}

	slog.Info("cancelled job requeued",
		"workflow", job.WorkflowID, "material", job.MaterialID, "job", job.ID)
	return nil
}
