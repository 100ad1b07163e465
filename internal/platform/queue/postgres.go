package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/healthsync/healthsync/internal/platform/db"
)

// PostgresQueue keeps jobs in shared.sync_job so any number of worker
// processes can share them. Claiming uses FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	q      db.Querier
	opts   Options
	logger zerolog.Logger
}

func NewPostgresQueue(q db.Querier, opts Options, logger zerolog.Logger) *PostgresQueue {
	return &PostgresQueue{
		q:      q,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "pg_queue").Logger(),
	}
}

func (p *PostgresQueue) Enqueue(ctx context.Context, tenant string, batchID uuid.UUID) (string, error) {
	id := uuid.New()
	_, err := p.q.Exec(ctx, `
		INSERT INTO shared.sync_job (id, tenant, batch_id, status, attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', 0, NOW(), NOW(), NOW())`,
		id, tenant, batchID)
	if err != nil {
		return "", fmt.Errorf("enqueue batch %s: %w", batchID, err)
	}
	return id.String(), nil
}

const claimSQL = `
	UPDATE shared.sync_job
	SET status = 'running', attempts = attempts + 1, updated_at = NOW()
	WHERE id = (
		SELECT id FROM shared.sync_job
		WHERE status = 'queued' AND available_at <= NOW()
		ORDER BY available_at, created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING id, tenant, batch_id, attempts, created_at`

// Dequeue polls until a job can be claimed.
func (p *PostgresQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		job, err := p.claim(ctx)
		if err != nil || job != nil {
			return job, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

func (p *PostgresQueue) claim(ctx context.Context) (*Job, error) {
	var job Job
	err := p.q.QueryRow(ctx, claimSQL).Scan(&job.ID, &job.Tenant, &job.BatchID, &job.Attempts, &job.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

func (p *PostgresQueue) Ack(ctx context.Context, job *Job) error {
	_, err := p.q.Exec(ctx, `UPDATE shared.sync_job SET status = 'done', updated_at = NOW() WHERE id = $1`, job.ID)
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

func (p *PostgresQueue) Nack(ctx context.Context, job *Job, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if job.Attempts >= p.opts.MaxAttempts {
		_, err := p.q.Exec(ctx, `
			UPDATE shared.sync_job SET status = 'failed', last_error = $2, updated_at = NOW()
			WHERE id = $1`, job.ID, msg)
		if err != nil {
			return fmt.Errorf("fail job %s: %w", job.ID, err)
		}
		p.logger.Error().Str("job_id", job.ID.String()).Int("attempts", job.Attempts).Str("error", msg).Msg("job exhausted its attempts")
		return nil
	}

	delay := Backoff(job.Attempts, p.opts.BaseDelay, p.opts.MaxDelay)
	_, err := p.q.Exec(ctx, `
		UPDATE shared.sync_job
		SET status = 'queued', last_error = $2, available_at = NOW() + $3 * INTERVAL '1 millisecond', updated_at = NOW()
		WHERE id = $1`, job.ID, msg, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return nil
}

// RequeueStale returns jobs stuck in running for longer than olderThan to the
// queue, for workers that died mid-job.
func (p *PostgresQueue) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := p.q.Exec(ctx, `
		UPDATE shared.sync_job SET status = 'queued', available_at = NOW(), updated_at = NOW()
		WHERE status = 'running' AND updated_at < NOW() - $1 * INTERVAL '1 millisecond'`,
		olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
