// Package scheduler is the boundary to the external HPC batch scheduler.
// The scheduler is a black box exposing submit/query/cancel; completion is
// reported out-of-band through the callback endpoint, never polled for.
package scheduler

import (
	"context"
	"errors"

	"github.com/matsci-hpc/conductor/internal/core/domain"
)

// ErrSubmitRejected is returned when the scheduler refused a submission.
var ErrSubmitRejected = errors.New("scheduler rejected submission")

// JobState is the scheduler-side view of a job, used only for reconciling
// submissions interrupted between store commit and acknowledgment.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StateUnknown   JobState = "unknown"
)

// SubmitRequest carries everything the scheduler needs for one job.
// CallbackJobID is the engine's internal job ID, echoed back in the
// completion callback.
type SubmitRequest struct {
	Name          string                 `json:"name"`
	CallbackJobID string                 `json:"callback_job_id"`
	WorkflowID    string                 `json:"workflow_id"`
	Resources     domain.ResourceRequest `json:"resources"`
	Params        domain.CalcParams      `json:"params"`
}

// Scheduler is the consumed scheduler interface.
type Scheduler interface {
	// Submit hands a job to the scheduler and returns its external ID
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// Cancel asks the scheduler to cancel a job
	Cancel(ctx context.Context, externalID string) error

	// Query returns the scheduler's view of a job
	Query(ctx context.Context, externalID string) (JobState, error)
}
