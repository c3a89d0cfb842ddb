package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flexspace/deskbooking/internal/domain"
)

// PostgresOutboxRepository implements OutboxRepository using PostgreSQL
type PostgresOutboxRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresOutboxRepository creates a new PostgresOutboxRepository
func NewPostgresOutboxRepository(pool *pgxpool.Pool) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{pool: pool}
}

const outboxColumns = `
	id, desk_id, event_kind, payload, topic, partition_key,
	status, retry_count, max_retries, last_error, created_at, published_at
`

// WithPendingBatch claims staged messages awaiting their first publish.
// The row locks from SKIP LOCKED are held for the duration of fn, so a
// second relay instance polls past this batch instead of re-publishing it.
func (r *PostgresOutboxRepository) WithPendingBatch(ctx context.Context, limit int, fn func(ctx context.Context, batch OutboxBatch, msgs []*domain.OutboxMessage) error) error {
	query := `
		SELECT ` + outboxColumns + `
		FROM desk_events
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	return r.withBatch(ctx, query, limit, fn)
}

// WithFailedBatch claims failed messages that still have retries left.
func (r *PostgresOutboxRepository) WithFailedBatch(ctx context.Context, limit int, fn func(ctx context.Context, batch OutboxBatch, msgs []*domain.OutboxMessage) error) error {
	query := `
		SELECT ` + outboxColumns + `
		FROM desk_events
		WHERE status = 'failed' AND retry_count < max_retries
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	return r.withBatch(ctx, query, limit, fn)
}

func (r *PostgresOutboxRepository) withBatch(ctx context.Context, query string, limit int, fn func(ctx context.Context, batch OutboxBatch, msgs []*domain.OutboxMessage) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return fmt.Errorf("failed to claim outbox messages: %w", err)
	}
	messages, err := scanOutboxMessages(rows)
	rows.Close()
	if err != nil {
		return err
	}

	if err := fn(ctx, &outboxBatch{tx: tx}, messages); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit outbox transaction: %w", err)
	}
	return nil
}

// outboxBatch applies status updates on the claiming transaction.
type outboxBatch struct {
	tx pgx.Tx
}

func (b *outboxBatch) MarkAsPublished(ctx context.Context, id string) error {
	query := `
		UPDATE desk_events SET
			status = 'published',
			published_at = $2
		WHERE id = $1
	`

	result, err := b.tx.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark message as published: %w", err)
	}
	if result.RowsAffected() == 0 {
		return errors.New("outbox message not found")
	}

	return nil
}

func (b *outboxBatch) MarkAsFailed(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE desk_events SET
			status = 'failed',
			last_error = $2,
			retry_count = retry_count + 1
		WHERE id = $1
	`

	result, err := b.tx.Exec(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark message as failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return errors.New("outbox message not found")
	}

	return nil
}

// DeletePublished deletes old published messages for cleanup
func (r *PostgresOutboxRepository) DeletePublished(ctx context.Context, olderThanDays int) (int64, error) {
	query := `
		DELETE FROM desk_events
		WHERE status = 'published' AND published_at < $1
	`

	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete published messages: %w", err)
	}

	return result.RowsAffected(), nil
}

// scanOutboxMessages scans rows into OutboxMessage slice
func scanOutboxMessages(rows pgx.Rows) ([]*domain.OutboxMessage, error) {
	var messages []*domain.OutboxMessage

	for rows.Next() {
		msg := &domain.OutboxMessage{}
		var (
			status      string
			lastError   *string
			publishedAt *time.Time
		)

		err := rows.Scan(
			&msg.ID,
			&msg.DeskID,
			&msg.EventKind,
			&msg.Payload,
			&msg.Topic,
			&msg.PartitionKey,
			&status,
			&msg.RetryCount,
			&msg.MaxRetries,
			&lastError,
			&msg.CreatedAt,
			&publishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}

		msg.Status = domain.OutboxStatus(status)
		if lastError != nil {
			msg.LastError = *lastError
		}
		msg.PublishedAt = publishedAt

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}

	return messages, nil
}

// Ensure PostgresOutboxRepository implements OutboxRepository
var _ OutboxRepository = (*PostgresOutboxRepository)(nil)
