package domain

import "time"

// Job is one external-scheduler submission. Terminal status transitions are
// driven only by the dispatcher; recovery creates a new Job linked to its
// predecessor rather than reusing the failed one.
type Job struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id"` // empty until the scheduler acknowledges
	WorkflowID    string          `json:"workflow_id"`
	MaterialID    string          `json:"material_id"`
	Stage         string          `json:"stage"`
	Attempt       int             `json:"attempt"`
	PredecessorID string          `json:"predecessor_id"`
	Resources     ResourceRequest `json:"resources"`
	Params        CalcParams      `json:"params"`
	Status        JobStatus       `json:"status"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ResourceRequest is the scheduler-facing resource envelope of a job.
type ResourceRequest struct {
	Cores        int `json:"cores"         yaml:"cores"`
	MemoryMB     int `json:"memory_mb"     yaml:"memory_mb"`
	WalltimeMins int `json:"walltime_mins" yaml:"walltime_mins"`
}

// CalcParams are the mechanical calculation knobs recovery transforms are
// allowed to touch. The scientific input deck itself is built elsewhere.
type CalcParams struct {
	MaxCycle       int     `json:"maxcycle"        yaml:"maxcycle"`
	FMixing        int     `json:"fmixing"         yaml:"fmixing"`
	Shrink         int     `json:"shrink"          yaml:"shrink"`
	SymmTol        float64 `json:"symmtol"         yaml:"symmtol"`
	CellScale      float64 `json:"cell_scale"      yaml:"cell_scale"`
	DiagnosticOnly bool    `json:"diagnostic_only" yaml:"diagnostic_only"`
}

// JobRequest is a candidate submission handed to the admission controller.
// NotBefore delays admission of recovery resubmissions without blocking;
// a candidate whose time has not come is simply left pending.
type JobRequest struct {
	WorkflowID    string          `json:"workflow_id"`
	MaterialID    string          `json:"material_id"`
	Stage         string          `json:"stage"`
	Attempt       int             `json:"attempt"`
	PredecessorID string          `json:"predecessor_id"`
	Resources     ResourceRequest `json:"resources"`
	Params        CalcParams      `json:"params"`
	NotBefore     time.Time       `json:"not_before"`
}

// Name returns the stage-qualified job name submitted to the scheduler.
func (r JobRequest) Name() string {
	return StageQualifiedName(r.MaterialID, r.Stage)
}
