package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithTx executes fn within a PostgreSQL transaction.
// The transaction commits when fn returns nil and rolls back otherwise,
// so multi-row writes (campaign creation, delete cascades, send + usage
// upsert) are never partially visible.
//
// Example usage:
//
//	err := storage.WithTx(ctx, pool, func(tx pgx.Tx) error {
//	    _, err := tx.Exec(ctx, "DELETE FROM clicks WHERE email_job_id = $1", jobID)
//	    return err
//	})
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Rollback is safe to call even after Commit

	if err := fn(tx); err != nil {
		return err // Transaction will rollback via defer
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
