package domain

import "time"

// Material is one scientific system progressing through a workflow's stages.
// Only the dispatcher and the recovery engine mutate it, always through the
// store's compare-and-swap update keyed on Version.
type Material struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	StageIndex   int            `json:"stage_index"`
	CurrentJobID string         `json:"current_job_id"` // empty when no job in flight
	Status       MaterialStatus `json:"status"`
	Version      int64          `json:"version"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type MaterialStatus string

// Failed is reserved for escalated failures needing operator attention; a
// failure with a queued resubmission reports recovering until readmitted.
const (
	MaterialStatusPending        MaterialStatus = "pending"
	MaterialStatusRunning        MaterialStatus = "running"
	MaterialStatusCompletedStage MaterialStatus = "completed_stage"
	MaterialStatusRecovering     MaterialStatus = "recovering"
	MaterialStatusFailed         MaterialStatus = "failed"
	MaterialStatusBlacklisted    MaterialStatus = "blacklisted"
	MaterialStatusDone           MaterialStatus = "done"
)
