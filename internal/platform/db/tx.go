package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotledger/lotledger/internal/shared"
)

// Postgres error codes treated as transient contention.
const (
	codeLockNotAvailable    = "55P03"
	codeDeadlockDetected    = "40P01"
	codeSerializationFailed = "40001"
)

// WithTx executes a function within a transaction using the RepeatableRead
// isolation level. Lock and serialization failures are mapped to
// shared.ErrContention so callers can retry the whole operation.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return MapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", MapError(err))
	}

	return nil
}

// MapError converts low-level postgres failures into the shared taxonomy.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailed:
			return fmt.Errorf("%w: %s", shared.ErrContention, pgErr.Code)
		}
	}
	return err
}
