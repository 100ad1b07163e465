// Package queue hands batch ids from the HTTP trigger to background workers.
// Delivery is at least once: a job whose handler fails is retried with
// exponential backoff until it runs out of attempts.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Job names one batch of one tenant.
type Job struct {
	ID         uuid.UUID `json:"id"`
	Tenant     string    `json:"tenant"`
	BatchID    uuid.UUID `json:"batch_id"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Enqueuer schedules a batch for asynchronous processing and returns a task id.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenant string, batchID uuid.UUID) (string, error)
}

// Source is the consuming side of a queue. Dequeue blocks until a job is
// available, ctx is done or the queue is closed.
type Source interface {
	Dequeue(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	Nack(ctx context.Context, job *Job, cause error) error
}

// Queue is both ends.
type Queue interface {
	Enqueuer
	Source
}

// Options tune retry behaviour shared by all backends.
type Options struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// Backoff returns the wait before retry number attempt (1-based): base,
// 2*base, 4*base, ... capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// RetryWithBackoff calls fn up to maxAttempts times, sleeping Backoff
// between failures, and returns the last error. It stops early when ctx is
// done.
func RetryWithBackoff(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt, baseDelay, time.Minute)):
		}
	}
	return lastErr
}
