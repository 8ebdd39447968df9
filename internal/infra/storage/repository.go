package storage

import (
	"context"
	"errors"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
)

var (
	// ErrWorkflowNotFound is returned when a workflow doesn't exist
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrMaterialNotFound is returned when a material doesn't exist
	ErrMaterialNotFound = errors.New("material not found")

	// ErrJobNotFound is returned when a job doesn't exist
	ErrJobNotFound = errors.New("job not found")

	// ErrVersionConflict is returned when a compare-and-swap update lost the race
	ErrVersionConflict = errors.New("material version conflict")
)

// WorkflowRepository handles workflow lifecycle records.
type WorkflowRepository interface {
	// Create stores a new workflow
	Create(ctx context.Context, wf *domain.Workflow) error

	// Get retrieves a workflow by ID
	Get(ctx context.Context, workflowID string) (*domain.Workflow, error)

	// List retrieves all workflows
	List(ctx context.Context) ([]*domain.Workflow, error)

	// Archive marks a workflow archived (the only teardown path)
	Archive(ctx context.Context, workflowID string) error
}

// MaterialRepository handles material lifecycle records, scoped by workflow.
type MaterialRepository interface {
	// Create stores a new material
	Create(ctx context.Context, m *domain.Material) error

	// Get retrieves a material by ID within a workflow
	Get(ctx context.Context, workflowID, materialID string) (*domain.Material, error)

	// List retrieves all materials of a workflow
	List(ctx context.Context, workflowID string) ([]*domain.Material, error)

	// Update applies a compare-and-swap update keyed on m.Version. The stored
	// version must equal m.Version; on success the stored record carries
	// m.Version+1. Returns ErrVersionConflict when another writer won.
	Update(ctx context.Context, m *domain.Material) error
}

// JobRepository handles job submission records, scoped by workflow.
type JobRepository interface {
	// Create stores a new job
	Create(ctx context.Context, job *domain.Job) error

	// Get retrieves a job by internal ID
	Get(ctx context.Context, workflowID, jobID string) (*domain.Job, error)

	// GetByExternalID retrieves a job by the scheduler's identifier
	GetByExternalID(ctx context.Context, workflowID, externalID string) (*domain.Job, error)

	// SetExternalID records the scheduler's acknowledgment
	SetExternalID(ctx context.Context, workflowID, jobID, externalID string) error

	// UpdateStatus transitions job status
	UpdateStatus(ctx context.Context, workflowID, jobID string, status domain.JobStatus) error

	// ListByMaterial retrieves all jobs of a material, oldest first
	ListByMaterial(ctx context.Context, workflowID, materialID string) ([]*domain.Job, error)

	// CountActive counts jobs in queued or running state
	CountActive(ctx context.Context, workflowID string) (int, error)

	// ListUnacknowledged retrieves committed jobs with no external ID yet
	// (interrupted between commit and scheduler acknowledgment)
	ListUnacknowledged(ctx context.Context, workflowID string) ([]*domain.Job, error)

	// ListStale retrieves acknowledged jobs still queued or running that
	// were submitted before the given time, for settling missed callbacks
	ListStale(ctx context.Context, workflowID string, before time.Time) ([]*domain.Job, error)
}

// RecoveryAttemptRepository is the append-only recovery audit trail.
type RecoveryAttemptRepository interface {
	// Add appends an attempt record
	Add(ctx context.Context, a *domain.RecoveryAttempt) error

	// CountByMaterialKind counts attempts for an exact (material, kind) pair
	CountByMaterialKind(ctx context.Context, workflowID, materialID string, kind domain.ErrorKind) (int, error)

	// CountByMaterialSince counts all attempts for a material after a cutoff
	CountByMaterialSince(ctx context.Context, workflowID, materialID string, since time.Time) (int, error)

	// ListByMaterial retrieves the attempt history of a material, oldest first
	ListByMaterial(ctx context.Context, workflowID, materialID string) ([]*domain.RecoveryAttempt, error)

	// CountByOutcomeSince counts attempts per outcome after a cutoff
	CountByOutcomeSince(ctx context.Context, workflowID string, since time.Time) (map[domain.AttemptOutcome]int, error)
}

// BlacklistRepository handles temporary material suppression entries.
type BlacklistRepository interface {
	// Put stores or replaces an entry
	Put(ctx context.Context, e *domain.BlacklistEntry) error

	// Get retrieves the entry for a material, nil when absent
	Get(ctx context.Context, workflowID, materialID string) (*domain.BlacklistEntry, error)

	// Delete removes an entry (operator override or expiry sweep)
	Delete(ctx context.Context, workflowID, materialID string) error

	// DeleteExpired removes all entries expired at the given instant
	DeleteExpired(ctx context.Context, workflowID string, now time.Time) (int, error)
}

// Store bundles the repositories one workflow operates on.
type Store struct {
	Workflows WorkflowRepository
	Materials MaterialRepository
	Jobs      JobRepository
	Attempts  RecoveryAttemptRepository
	Blacklist BlacklistRepository
}
