package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
)

// BlacklistRepo implements storage.BlacklistRepository using PostgreSQL.
type BlacklistRepo struct {
	db *DB
}

// NewBlacklistRepo creates a new PostgreSQL blacklist repository.
func NewBlacklistRepo(db *DB) *BlacklistRepo {
	return &BlacklistRepo{db: db}
}

type blacklistRow struct {
	WorkflowID string    `db:"workflow_id"`
	MaterialID string    `db:"material_id"`
	Reason     string    `db:"reason"`
	ExpiresAt  time.Time `db:"expires_at"`
	CreatedAt  time.Time `db:"created_at"`
}

func (b *blacklistRow) toDomain() *domain.BlacklistEntry {
	return &domain.BlacklistEntry{
		WorkflowID: b.WorkflowID,
		MaterialID: b.MaterialID,
		Reason:     b.Reason,
		ExpiresAt:  b.ExpiresAt,
		CreatedAt:  b.CreatedAt,
	}
}

// Put stores or replaces an entry.
func (r *BlacklistRepo) Put(ctx context.Context, e *domain.BlacklistEntry) error {
	query := `
		INSERT INTO blacklist (workflow_id, material_id, reason, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, material_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
	`
	_, err := r.db.ExecContext(ctx, query,
		e.WorkflowID,
		e.MaterialID,
		e.Reason,
		e.ExpiresAt,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put blacklist entry: %w", err)
	}
	return nil
}

// Get retrieves the entry for a material, nil when absent.
func (r *BlacklistRepo) Get(ctx context.Context, workflowID, materialID string) (*domain.BlacklistEntry, error) {
	query := `
		SELECT workflow_id, material_id, reason, expires_at, created_at
		FROM blacklist
		WHERE workflow_id = $1 AND material_id = $2
	`

	var row blacklistRow
	err := r.db.GetContext(ctx, &row, query, workflowID, materialID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blacklist entry: %w", err)
	}
	return row.toDomain(), nil
}

// Delete removes an entry.
func (r *BlacklistRepo) Delete(ctx context.Context, workflowID, materialID string) error {
	query := `DELETE FROM blacklist WHERE workflow_id = $1 AND material_id = $2`
	if _, err := r.db.ExecContext(ctx, query, workflowID, materialID); err != nil {
		return fmt.Errorf("failed to delete blacklist entry: %w", err)
	}
	return nil
}

// DeleteExpired removes all entries expired at the given instant.
func (r *BlacklistRepo) DeleteExpired(ctx context.Context, workflowID string, now time.Time) (int, error) {
	query := `DELETE FROM blacklist WHERE workflow_id = $1 AND expires_at <= $2`
	res, err := r.db.ExecContext(ctx, query, workflowID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
