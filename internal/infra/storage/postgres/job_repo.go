package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/infra/storage"
)

// JobRepo implements storage.JobRepository using PostgreSQL.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

type jobRow struct {
	ID            string       `db:"id"`
	ExternalID    string       `db:"external_id"`
	WorkflowID    string       `db:"workflow_id"`
	MaterialID    string       `db:"material_id"`
	Stage         string       `db:"stage"`
	Attempt       int          `db:"attempt"`
	PredecessorID string       `db:"predecessor_id"`
	Cores         int          `db:"cores"`
	MemoryMB      int          `db:"memory_mb"`
	WalltimeMins  int          `db:"walltime_mins"`
	Params        []byte       `db:"params"`
	Status        string       `db:"status"`
	SubmittedAt   time.Time    `db:"submitted_at"`
	FinishedAt    sql.NullTime `db:"finished_at"`
}

const jobColumns = `id, external_id, workflow_id, material_id, stage, attempt, predecessor_id,
	cores, memory_mb, walltime_mins, params, status, submitted_at, finished_at`

func (j *jobRow) toDomain() (*domain.Job, error) {
	var params domain.CalcParams
	if err := json.Unmarshal(j.Params, &params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	job := &domain.Job{
		ID:            j.ID,
		ExternalID:    j.ExternalID,
		WorkflowID:    j.WorkflowID,
		MaterialID:    j.MaterialID,
		Stage:         j.Stage,
		Attempt:       j.Attempt,
		PredecessorID: j.PredecessorID,
		Resources: domain.ResourceRequest{
			Cores:        j.Cores,
			MemoryMB:     j.MemoryMB,
			WalltimeMins: j.WalltimeMins,
		},
		Params:      params,
		Status:      domain.JobStatus(j.Status),
		SubmittedAt: j.SubmittedAt,
	}
	if j.FinishedAt.Valid {
		job.FinishedAt = j.FinishedAt.Time
	}
	return job, nil
}

// Create stores a new job.
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
		INSERT INTO jobs (id, external_id, workflow_id, material_id, stage, attempt,
			predecessor_id, cores, memory_mb, walltime_mins, params, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.ExternalID,
		job.WorkflowID,
		job.MaterialID,
		job.Stage,
		job.Attempt,
		job.PredecessorID,
		job.Resources.Cores,
		job.Resources.MemoryMB,
		job.Resources.WalltimeMins,
		params,
		string(job.Status),
		job.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get retrieves a job by internal ID.
func (r *JobRepo) Get(ctx context.Context, workflowID, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE workflow_id = $1 AND id = $2`

	var row jobRow
	err := r.db.GetContext(ctx, &row, query, workflowID, jobID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

// GetByExternalID retrieves a job by the scheduler's identifier.
func (r *JobRepo) GetByExternalID(ctx context.Context, workflowID, externalID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE workflow_id = $1 AND external_id = $2`

	var row jobRow
	err := r.db.GetContext(ctx, &row, query, workflowID, externalID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job by external id: %w", err)
	}
	return row.toDomain()
}

// SetExternalID records the scheduler's acknowledgment.
func (r *JobRepo) SetExternalID(ctx context.Context, workflowID, jobID, externalID string) error {
	query := `UPDATE jobs SET external_id = $1 WHERE workflow_id = $2 AND id = $3`
	res, err := r.db.ExecContext(ctx, query, externalID, workflowID, jobID)
	if err != nil {
		return fmt.Errorf("failed to set external id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrJobNotFound
	}
	return nil
}

// UpdateStatus transitions job status and stamps the finish time on terminal
// transitions.
func (r *JobRepo) UpdateStatus(ctx context.Context, workflowID, jobID string, status domain.JobStatus) error {
	query := `UPDATE jobs SET status = $1, finished_at = $2 WHERE workflow_id = $3 AND id = $4`

	var finishedAt sql.NullTime
	if status.Terminal() {
		finishedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, query, string(status), finishedAt, workflowID, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrJobNotFound
	}
	return nil
}

// ListByMaterial retrieves all jobs of a material, oldest first.
func (r *JobRepo) ListByMaterial(ctx context.Context, workflowID, materialID string) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE workflow_id = $1 AND material_id = $2
		ORDER BY submitted_at`

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, workflowID, materialID); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// ListStale retrieves acknowledged jobs still active past the given age.
func (r *JobRepo) ListStale(ctx context.Context, workflowID string, before time.Time) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE workflow_id = $1 AND external_id <> '' AND status IN ('queued', 'running')
			AND submitted_at < $2
		ORDER BY submitted_at`

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, workflowID, before); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	out := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// CountActive counts jobs in queued or running state.
func (r *JobRepo) CountActive(ctx context.Context, workflowID string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE workflow_id = $1 AND status IN ('queued', 'running')`

	var n int
	if err := r.db.GetContext(ctx, &n, query, workflowID); err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return n, nil
}

// ListUnacknowledged retrieves committed jobs with no external ID yet.
func (r *JobRepo) ListUnacknowledged(ctx context.Context, workflowID string) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE workflow_id = $1 AND external_id = '' AND status = 'queued'
		ORDER BY submitted_at`

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, workflowID); err != nil {
		return nil, fmt.Errorf("failed to list unacknowledged jobs: %w", err)
	}

	out := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}
