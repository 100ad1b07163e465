package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MemoryQueue is an in-process queue backed by a buffered channel. Jobs are
// lost on restart; batches left PENDING can be re-triggered.
type MemoryQueue struct {
	jobs   chan *Job
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewMemoryQueue(capacity int, opts Options, logger zerolog.Logger) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		jobs:   make(chan *Job, capacity),
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "memory_queue").Logger(),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, tenant string, batchID uuid.UUID) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	job := &Job{ID: uuid.New(), Tenant: tenant, BatchID: batchID, EnqueuedAt: time.Now().UTC()}
	select {
	case q.jobs <- job:
		return job.ID.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.done:
		return "", ErrClosed
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job := <-q.jobs:
		job.Attempts++
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrClosed
	}
}

func (q *MemoryQueue) Ack(context.Context, *Job) error { return nil }

// Nack schedules the job again after a backoff, or drops it once it has used
// all attempts.
func (q *MemoryQueue) Nack(_ context.Context, job *Job, cause error) error {
	if job.Attempts >= q.opts.MaxAttempts {
		q.logger.Error().Err(cause).
			Str("job_id", job.ID.String()).
			Str("batch_id", job.BatchID.String()).
			Int("attempts", job.Attempts).
			Msg("job exhausted its attempts")
		return nil
	}

	delay := Backoff(job.Attempts, q.opts.BaseDelay, q.opts.MaxDelay)
	time.AfterFunc(delay, func() {
		select {
		case q.jobs <- job:
		case <-q.done:
		default:
			q.logger.Warn().Str("job_id", job.ID.String()).Msg("queue full, retry dropped")
		}
	})
	return nil
}

// Len reports the number of jobs waiting.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Close stops Enqueue and Dequeue. It is safe to call more than once.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
