package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Workflow is one isolated run of a pipeline definition over a set of materials.
// Created once, status-mutated only, torn down by explicit archival.
type Workflow struct {
	ID        string         `json:"id"`
	Stages    []StageSpec    `json:"stages"`
	Status    WorkflowStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

type WorkflowStatus string

const (
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// StageSpec defines one pipeline stage and the default request for jobs at
// that stage (e.g. OPT, SP, BAND, DOSS).
type StageSpec struct {
	Name      string          `json:"name"`
	Resources ResourceRequest `json:"resources"`
	Params    CalcParams      `json:"params"`
}

// NewWorkflowID derives a workflow identifier from the creation time plus a
// random suffix, so workflows created within the same second never collide.
// The identifier doubles as the storage namespace for everything the
// workflow owns.
func NewWorkflowID(now time.Time) string {
	return fmt.Sprintf("wf-%s-%s", now.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

// StageNames returns the ordered stage names of the workflow.
func (w *Workflow) StageNames() []string {
	names := make([]string, len(w.Stages))
	for i, s := range w.Stages {
		names[i] = s.Name
	}
	return names
}
