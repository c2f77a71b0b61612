package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/parq/parkingcore/internal/logging"
)

var idempLog = logging.GetLogger("store/postgres/idempotency")

// IdempotencyRepo memoizes the result of a previously handled request,
// grounded on original_source's idempotency.py: check_idempotency /
// store_idempotency_result.
type IdempotencyRepo struct {
	db *sqlx.DB
}

func NewIdempotencyRepo(db *sqlx.DB) *IdempotencyRepo {
	return &IdempotencyRepo{db: db}
}

// Check returns the memoized result for key, and whether one exists.
func (r *IdempotencyRepo) Check(ctx context.Context, key string) (string, bool, error) {
	var result string
	err := r.db.GetContext(ctx, &result, `SELECT result FROM idempotency_keys WHERE key = $1`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return result, true, nil
}

// Store records the result for key. A duplicate key (a race between two
// concurrent handlers for the same request) is logged and ignored rather
// than treated as a failure, matching the original's rollback-and-log
// behavior on conflict.
func (r *IdempotencyRepo) Store(ctx context.Context, key, result string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, result) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, result)
	if err != nil {
		idempLog.WithError(err).Warn("failed to store idempotency result")
		return err
	}
	return nil
}
