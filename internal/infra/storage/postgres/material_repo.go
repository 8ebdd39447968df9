package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/infra/storage"
)

// MaterialRepo implements storage.MaterialRepository using PostgreSQL.
type MaterialRepo struct {
	db *DB
}

// NewMaterialRepo creates a new PostgreSQL material repository.
func NewMaterialRepo(db *DB) *MaterialRepo {
	return &MaterialRepo{db: db}
}

type materialRow struct {
	WorkflowID   string    `db:"workflow_id"`
	ID           string    `db:"id"`
	StageIndex   int       `db:"stage_index"`
	CurrentJobID string    `db:"current_job_id"`
	Status       string    `db:"status"`
	Version      int64     `db:"version"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (m *materialRow) toDomain() *domain.Material {
	return &domain.Material{
		ID:           m.ID,
		WorkflowID:   m.WorkflowID,
		StageIndex:   m.StageIndex,
		CurrentJobID: m.CurrentJobID,
		Status:       domain.MaterialStatus(m.Status),
		Version:      m.Version,
		UpdatedAt:    m.UpdatedAt,
	}
}

// Create stores a new material.
func (r *MaterialRepo) Create(ctx context.Context, m *domain.Material) error {
	query := `
		INSERT INTO materials (workflow_id, id, stage_index, current_job_id, status, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.WorkflowID,
		m.ID,
		m.StageIndex,
		m.CurrentJobID,
		string(m.Status),
		m.Version,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create material: %w", err)
	}
	return nil
}

// Get retrieves a material by ID within a workflow.
func (r *MaterialRepo) Get(ctx context.Context, workflowID, materialID string) (*domain.Material, error) {
	query := `
		SELECT workflow_id, id, stage_index, current_job_id, status, version, updated_at
		FROM materials
		WHERE workflow_id = $1 AND id = $2
	`

	var row materialRow
	err := r.db.GetContext(ctx, &row, query, workflowID, materialID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrMaterialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get material: %w", err)
	}
	return row.toDomain(), nil
}

// List retrieves all materials of a workflow.
func (r *MaterialRepo) List(ctx context.Context, workflowID string) ([]*domain.Material, error) {
	query := `
		SELECT workflow_id, id, stage_index, current_job_id, status, version, updated_at
		FROM materials
		WHERE workflow_id = $1
		ORDER BY id
	`

	var rows []materialRow
	if err := r.db.SelectContext(ctx, &rows, query, workflowID); err != nil {
		return nil, fmt.Errorf("failed to list materials: %w", err)
	}

	out := make([]*domain.Material, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// Update applies a compare-and-swap update keyed on m.Version.
func (r *MaterialRepo) Update(ctx context.Context, m *domain.Material) error {
	query := `
		UPDATE materials
		SET stage_index = $1, current_job_id = $2, status = $3,
		    version = version + 1, updated_at = $4
		WHERE workflow_id = $5 AND id = $6 AND version = $7
	`
	res, err := r.db.ExecContext(ctx, query,
		m.StageIndex,
		m.CurrentJobID,
		string(m.Status),
		time.Now(),
		m.WorkflowID,
		m.ID,
		m.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update material: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the material is gone or another writer bumped the version.
		if _, err := r.Get(ctx, m.WorkflowID, m.ID); err != nil {
			return err
		}
		return storage.ErrVersionConflict
	}
	return nil
}
