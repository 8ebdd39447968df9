// Package recovery implements the classification-and-recovery state machine
// for failed jobs. The engine inspects captured output, picks the next
// untried stage for the diagnosed kind, and either produces a resubmission
// request or escalates. It never talks to the scheduler itself; submission is
// always mediated by the admission controller so the resource ceiling holds
// for recovery resubmissions too.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/engine/classify"
	"github.com/matsci-hpc/conductor/internal/engine/metrics"
	"github.com/matsci-hpc/conductor/internal/engine/strategy"
	"github.com/matsci-hpc/conductor/internal/infra/storage"
)

// Outcome is the result of one HandleFailure call. Resubmit is nil when the
// failure was escalated for manual review.
type Outcome struct {
	Kind       domain.ErrorKind
	StageIndex int
	StageName  string
	Resubmit   *domain.JobRequest
	Reason     string
}

// Escalated reports whether the failure was surfaced for manual review.
func (o Outcome) Escalated() bool {
	return o.Resubmit == nil
}

// Config bounds the engine's automated repair.
type Config struct {
	// BlacklistDuration is how long an exhausted material stays suppressed.
	BlacklistDuration time.Duration

	// MaxDailyAttempts caps total recovery attempts per material in a
	// rolling 24h window, across all kinds.
	MaxDailyAttempts int
}

// Engine drives recovery for one workflow's failed jobs.
type Engine struct {
	materials storage.MaterialRepository
	attempts  storage.RecoveryAttemptRepository
	blacklist storage.BlacklistRepository
	registry  *strategy.Registry
	cfg       Config
}

// NewEngine creates a recovery engine.
func NewEngine(
	materials storage.MaterialRepository,
	attempts storage.RecoveryAttemptRepository,
	blacklist storage.BlacklistRepository,
	registry *strategy.Registry,
	cfg Config,
) *Engine {
	if cfg.BlacklistDuration <= 0 {
		cfg.BlacklistDuration = 24 * time.Hour
	}
	if cfg.MaxDailyAttempts <= 0 {
		cfg.MaxDailyAttempts = 10
	}
	return &Engine{
		materials: materials,
		attempts:  attempts,
		blacklist: blacklist,
		registry:  registry,
		cfg:       cfg,
	}
}

// HandleFailure classifies a failed job's output and returns either a
// resubmission request or an escalation. Side effects are confined to the
// store: an appended RecoveryAttempt, plus blacklisting on exhaustion.
func (e *Engine) HandleFailure(ctx context.Context, job *domain.Job, output string) (Outcome, error) {
	kind := classify.Classify(output)
	now := time.Now()

	// Undiagnosed failures and kinds with no automated stages escalate
	// immediately; retrying them blind would burn budget for nothing.
	if kind == domain.UnknownError || len(e.registry.Stages(kind)) == 0 {
		reason := fmt.Sprintf("no automated recovery for %s", kind)
		if err := e.record(ctx, job, kind, 0, domain.OutcomeEscalated, reason, now); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: kind, Reason: reason}, nil
	}

	daily, err := e.attempts.CountByMaterialSince(ctx, job.WorkflowID, job.MaterialID, now.Add(-24*time.Hour))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to count daily attempts: %w", err)
	}
	if daily >= e.cfg.MaxDailyAttempts {
		reason := fmt.Sprintf("daily recovery cap reached (%d attempts in 24h)", daily)
		return e.exhaust(ctx, job, kind, 0, reason, now)
	}

	prior, err := e.attempts.CountByMaterialKind(ctx, job.WorkflowID, job.MaterialID, kind)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to count prior attempts: %w", err)
	}

	stageIdx, stage, ok := e.registry.StageFor(kind, prior)
	if !ok {
		reason := fmt.Sprintf("all %s recovery stages exhausted after %d attempts", kind, prior)
		return e.exhaust(ctx, job, kind, stageIdx, reason, now)
	}

	req := domain.JobRequest{
		WorkflowID:    job.WorkflowID,
		MaterialID:    job.MaterialID,
		Stage:         job.Stage,
		Attempt:       job.Attempt + 1,
		PredecessorID: job.ID,
		Resources:     job.Resources,
		Params:        job.Params,
		NotBefore:     now.Add(e.registry.ResubmitDelay(kind)),
	}

	req, err = stage.Transform(req)
	if err != nil {
		if errors.Is(err, strategy.ErrLimitExceeded) {
			reason := fmt.Sprintf("%s stage %q exceeded its limit", kind, stage.Name)
			return e.exhaust(ctx, job, kind, stageIdx, reason, now)
		}
		return Outcome{}, fmt.Errorf("transform %q failed: %w", stage.Name, err)
	}

	if err := e.record(ctx, job, kind, stageIdx, domain.OutcomeResubmitted, stage.Name, now); err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Kind:       kind,
		StageIndex: stageIdx,
		StageName:  stage.Name,
		Resubmit:   &req,
	}, nil
}

// exhaust writes the exhausted attempt, blacklists the material, and returns
// the escalated outcome.
func (e *Engine) exhaust(ctx context.Context, job *domain.Job, kind domain.ErrorKind, stageIdx int, reason string, now time.Time) (Outcome, error) {
	if err := e.record(ctx, job, kind, stageIdx, domain.OutcomeExhausted, reason, now); err != nil {
		return Outcome{}, err
	}

	entry := &domain.BlacklistEntry{
		WorkflowID: job.WorkflowID,
		MaterialID: job.MaterialID,
		Reason:     reason,
		ExpiresAt:  now.Add(e.cfg.BlacklistDuration),
		CreatedAt:  now,
	}
	if err := e.blacklist.Put(ctx, entry); err != nil {
		return Outcome{}, fmt.Errorf("failed to blacklist material: %w", err)
	}

	m, err := e.materials.Get(ctx, job.WorkflowID, job.MaterialID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load material: %w", err)
	}
	m.Status = domain.MaterialStatusBlacklisted
	m.CurrentJobID = ""
	if err := e.materials.Update(ctx, m); err != nil {
		return Outcome{}, fmt.Errorf("failed to mark material blacklisted: %w", err)
	}

	metrics.MaterialsBlacklisted.WithLabelValues(job.WorkflowID).Inc()
	return Outcome{Kind: kind, StageIndex: stageIdx, Reason: reason}, nil
}

func (e *Engine) record(ctx context.Context, job *domain.Job, kind domain.ErrorKind, stageIdx int, outcome domain.AttemptOutcome, reason string, now time.Time) error {
	a := &domain.RecoveryAttempt{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		MaterialID: job.MaterialID,
		WorkflowID: job.WorkflowID,
		Kind:       kind,
		StageIndex: stageIdx,
		Outcome:    outcome,
		Reason:     reason,
		CreatedAt:  now,
	}
	if err := e.attempts.Add(ctx, a); err != nil {
		return fmt.Errorf("failed to record recovery attempt: %w", err)
	}
	metrics.RecoveryAttempts.WithLabelValues(job.WorkflowID, string(kind), string(outcome)).Inc()
	return nil
}
