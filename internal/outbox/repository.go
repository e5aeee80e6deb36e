package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryPort abstracts event storage for the dispatcher.
type RepositoryPort interface {
	ClaimBatch(ctx context.Context, limit int, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, lastError string) error
	MarkDead(ctx context.Context, id uuid.UUID, lastError string) error
}

// Repository persists outbox events in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnqueueTx inserts a PENDING event inside the caller's transaction, so the
// event commits or rolls back together with the write that produced it.
func EnqueueTx(ctx context.Context, tx pgx.Tx, eventType string, payload any) error {
	if eventType == "" {
		return errors.New("outbox: event type required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `INSERT INTO outbox_events (id, event_type, payload, status, attempts, next_retry_at, created_at)
VALUES ($1, $2, $3, $4, 0, $5, $5)`, uuid.New(), eventType, raw, string(StatusPending), now)
	return err
}

// ClaimBatch selects due PENDING/FAILED events oldest first, skipping rows
// locked by a concurrent dispatcher, increments their attempt count and
// pushes next_retry_at forward by the lease so no other cycle re-claims
// them while delivery is in flight.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, lease time.Duration) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	rows, err := r.pool.Query(ctx, `UPDATE outbox_events
SET attempts = attempts + 1, next_retry_at = $3
WHERE id IN (
	SELECT id FROM outbox_events
	WHERE status IN ($1, $2) AND next_retry_at <= $4
	ORDER BY created_at ASC, id ASC
	LIMIT $5
	FOR UPDATE SKIP LOCKED
)
RETURNING id, event_type, payload, status, attempts, next_retry_at, last_error, created_at`,
		string(StatusPending), string(StatusFailed), now.Add(lease), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.Payload, &evt.Status, &evt.Attempts, &evt.NextRetryAt, &evt.LastError, &evt.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// MarkSent finalises a delivered event. Guarded by status so a late
// duplicate delivery cannot resurrect a terminal row.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE outbox_events
SET status=$2, sent_at=NOW(), last_error=''
WHERE id=$1 AND status <> $2`, id, string(StatusSent))
	return err
}

// MarkFailed schedules the next retry.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, lastError string) error {
	_, err := r.pool.Exec(ctx, `UPDATE outbox_events
SET status=$2, next_retry_at=$3, last_error=$4
WHERE id=$1 AND status <> $5`, id, string(StatusFailed), nextRetryAt, lastError, string(StatusSent))
	return err
}

// MarkDead parks an event that exhausted its attempt budget.
func (r *Repository) MarkDead(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.pool.Exec(ctx, `UPDATE outbox_events
SET status=$2, last_error=$3
WHERE id=$1 AND status <> $4`, id, string(StatusDead), lastError, string(StatusSent))
	return err
}

// List returns events for the inspection surface, newest first.
func (r *Repository) List(ctx context.Context, status Status, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, event_type, payload, status, attempts, next_retry_at, last_error, created_at, sent_at
FROM outbox_events
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var evt Event
		var sentAt *time.Time
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.Payload, &evt.Status, &evt.Attempts, &evt.NextRetryAt, &evt.LastError, &evt.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		if sentAt != nil {
			evt.SentAt = *sentAt
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
