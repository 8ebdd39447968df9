package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
)

// AttemptRepo implements storage.RecoveryAttemptRepository using PostgreSQL.
type AttemptRepo struct {
	db *DB
}

// NewAttemptRepo creates a new PostgreSQL recovery attempt repository.
func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

type attemptRow struct {
	ID         string    `db:"id"`
	JobID      string    `db:"job_id"`
	MaterialID string    `db:"material_id"`
	WorkflowID string    `db:"workflow_id"`
	Kind       string    `db:"kind"`
	StageIndex int       `db:"stage_index"`
	Outcome    string    `db:"outcome"`
	Reason     string    `db:"reason"`
	CreatedAt  time.Time `db:"created_at"`
}

func (a *attemptRow) toDomain() *domain.RecoveryAttempt {
	return &domain.RecoveryAttempt{
		ID:         a.ID,
		JobID:      a.JobID,
		MaterialID: a.MaterialID,
		WorkflowID: a.WorkflowID,
		Kind:       domain.ErrorKind(a.Kind),
		StageIndex: a.StageIndex,
		Outcome:    domain.AttemptOutcome(a.Outcome),
		Reason:     a.Reason,
		CreatedAt:  a.CreatedAt,
	}
}

// Add appends an attempt record.
func (r *AttemptRepo) Add(ctx context.Context, a *domain.RecoveryAttempt) error {
	query := `
		INSERT INTO recovery_attempts (id, job_id, material_id, workflow_id, kind,
			stage_index, outcome, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.JobID,
		a.MaterialID,
		a.WorkflowID,
		string(a.Kind),
		a.StageIndex,
		string(a.Outcome),
		a.Reason,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add recovery attempt: %w", err)
	}
	return nil
}

// CountByMaterialKind counts attempts for an exact (material, kind) pair.
func (r *AttemptRepo) CountByMaterialKind(ctx context.Context, workflowID, materialID string, kind domain.ErrorKind) (int, error) {
	query := `
		SELECT COUNT(*) FROM recovery_attempts
		WHERE workflow_id = $1 AND material_id = $2 AND kind = $3
	`

	var n int
	if err := r.db.GetContext(ctx, &n, query, workflowID, materialID, string(kind)); err != nil {
		return 0, fmt.Errorf("failed to count attempts by kind: %w", err)
	}
	return n, nil
}

// CountByMaterialSince counts all attempts for a material after a cutoff.
func (r *AttemptRepo) CountByMaterialSince(ctx context.Context, workflowID, materialID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM recovery_attempts
		WHERE workflow_id = $1 AND material_id = $2 AND created_at > $3
	`

	var n int
	if err := r.db.GetContext(ctx, &n, query, workflowID, materialID, since); err != nil {
		return 0, fmt.Errorf("failed to count attempts since cutoff: %w", err)
	}
	return n, nil
}

// ListByMaterial retrieves the attempt history of a material, oldest first.
func (r *AttemptRepo) ListByMaterial(ctx context.Context, workflowID, materialID string) ([]*domain.RecoveryAttempt, error) {
	query := `
		SELECT id, job_id, material_id, workflow_id, kind, stage_index, outcome, reason, created_at
		FROM recovery_attempts
		WHERE workflow_id = $1 AND material_id = $2
		ORDER BY created_at
	`

	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, query, workflowID, materialID); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	out := make([]*domain.RecoveryAttempt, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// CountByOutcomeSince counts attempts per outcome after a cutoff.
func (r *AttemptRepo) CountByOutcomeSince(ctx context.Context, workflowID string, since time.Time) (map[domain.AttemptOutcome]int, error) {
	query := `
		SELECT outcome, COUNT(*) AS n FROM recovery_attempts
		WHERE workflow_id = $1 AND created_at > $2
		GROUP BY outcome
	`

	rows, err := r.db.QueryxContext(ctx, query, workflowID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts by outcome: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.AttemptOutcome]int)
	for rows.Next() {
		var row struct {
			Outcome string `db:"outcome"`
			N       int    `db:"n"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		counts[domain.AttemptOutcome(row.Outcome)] = row.N
	}
	return counts, rows.Err()
}
