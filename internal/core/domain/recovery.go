package domain

import (
	"fmt"
	"time"
)

// ErrorKind is a classified category of job failure. The taxonomy is closed:
// configuration referring to a kind outside this list is rejected at load time.
type ErrorKind string

const (
	ShrinkError           ErrorKind = "shrink_error"
	MemoryError           ErrorKind = "memory_error"
	ConvergenceError      ErrorKind = "convergence_error"
	TimeoutError          ErrorKind = "timeout_error"
	DiskSpaceError        ErrorKind = "disk_space_error"
	BasisSetError         ErrorKind = "basis_set_error"
	GeometryError         ErrorKind = "geometry_error"
	BasisLinearDependence ErrorKind = "basis_linear_dependence"
	SymmetryError         ErrorKind = "symmetry_error"
	UnknownError          ErrorKind = "unknown"
)

// ErrorKinds lists every classifiable kind, excluding UnknownError.
func ErrorKinds() []ErrorKind {
	return []ErrorKind{
		ShrinkError,
		MemoryError,
		ConvergenceError,
		TimeoutError,
		DiskSpaceError,
		BasisSetError,
		GeometryError,
		BasisLinearDependence,
		SymmetryError,
	}
}

// ParseErrorKind validates a kind name from configuration.
func ParseErrorKind(s string) (ErrorKind, error) {
	for _, k := range ErrorKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown error kind %q", s)
}

// AttemptOutcome is the result of one classification+repair cycle.
type AttemptOutcome string

const (
	OutcomeResubmitted AttemptOutcome = "resubmitted"
	OutcomeEscalated   AttemptOutcome = "escalated"
	OutcomeExhausted   AttemptOutcome = "exhausted"
)

// RecoveryAttempt records one classification+repair cycle for a failed job.
// Append-only audit trail; never mutated once written.
type RecoveryAttempt struct {
	ID         string         `json:"id"`
	JobID      string         `json:"job_id"`
	MaterialID string         `json:"material_id"`
	WorkflowID string         `json:"workflow_id"`
	Kind       ErrorKind      `json:"kind"`
	StageIndex int            `json:"stage_index"` // index into the kind's strategy list
	Outcome    AttemptOutcome `json:"outcome"`
	Reason     string         `json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
}
