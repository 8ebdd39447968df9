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

// WorkflowRepo implements storage.WorkflowRepository using PostgreSQL.
type WorkflowRepo struct {
	db *DB
}

// NewWorkflowRepo creates a new PostgreSQL workflow repository.
func NewWorkflowRepo(db *DB) *WorkflowRepo {
	return &WorkflowRepo{db: db}
}

type workflowRow struct {
	ID        string    `db:"id"`
	Stages    []byte    `db:"stages"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *workflowRow) toDomain() (*domain.Workflow, error) {
	var stages []domain.StageSpec
	if err := json.Unmarshal(r.Stages, &stages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
	}
	return &domain.Workflow{
		ID:        r.ID,
		Stages:    stages,
		Status:    domain.WorkflowStatus(r.Status),
		CreatedAt: r.CreatedAt,
	}, nil
}

// Create stores a new workflow.
func (r *WorkflowRepo) Create(ctx context.Context, wf *domain.Workflow) error {
	stages, err := json.Marshal(wf.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}

	query := `
		INSERT INTO workflows (id, stages, status, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err = r.db.ExecContext(ctx, query, wf.ID, stages, string(wf.Status), wf.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID.
func (r *WorkflowRepo) Get(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	query := `SELECT id, stages, status, created_at FROM workflows WHERE id = $1`

	var row workflowRow
	err := r.db.GetContext(ctx, &row, query, workflowID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return row.toDomain()
}

// List retrieves all workflows, oldest first.
func (r *WorkflowRepo) List(ctx context.Context) ([]*domain.Workflow, error) {
	query := `SELECT id, stages, status, created_at FROM workflows ORDER BY created_at`

	var rows []workflowRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	out := make([]*domain.Workflow, 0, len(rows))
	for i := range rows {
		wf, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// Archive marks a workflow archived.
func (r *WorkflowRepo) Archive(ctx context.Context, workflowID string) error {
	query := `UPDATE workflows SET status = $1 WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, string(domain.WorkflowStatusArchived), workflowID)
	if err != nil {
		return fmt.Errorf("failed to archive workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrWorkflowNotFound
	}
	return nil
}
