package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one job. A returned error triggers a retry.
type Handler func(ctx context.Context, job *Job) error

// DefaultDrainTimeout bounds how long a job in flight may keep running once
// the pool is asked to stop.
const DefaultDrainTimeout = 30 * time.Second

// Pool runs Workers goroutines that drain a Source.
type Pool struct {
	source  Source
	handler Handler
	workers int
	drain   time.Duration
	logger  zerolog.Logger
}

func NewPool(source Source, handler Handler, workers int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		source:  source,
		handler: handler,
		workers: workers,
		drain:   DefaultDrainTimeout,
		logger:  logger.With().Str("component", "worker_pool").Logger(),
	}
}

// WithDrainTimeout sets how long a running job survives cancellation of the
// pool context. Zero keeps DefaultDrainTimeout.
func (p *Pool) WithDrainTimeout(d time.Duration) *Pool {
	if d > 0 {
		p.drain = d
	}
	return p
}

// jobContext detaches a job from the pool context. Stopping the pool no
// longer interrupts the job at once; it is cancelled only when it is still
// running p.drain after the stop.
func (p *Pool) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(p.drain)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-jobCtx.Done():
		}
	})
	return jobCtx, func() {
		stop()
		cancel()
	}
}

// Run blocks until ctx is cancelled or the source is closed, then waits for
// in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	p.logger.Info().Int("workers", p.workers).Msg("worker pool started")
	wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		job, err := p.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			p.logger.Error().Err(err).Int("worker", id).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(ctx, id, job)
	}
}

func (p *Pool) handle(ctx context.Context, id int, job *Job) {
	log := p.logger.With().
		Int("worker", id).
		Str("job_id", job.ID.String()).
		Str("tenant", job.Tenant).
		Str("batch_id", job.BatchID.String()).
		Int("attempt", job.Attempts).
		Logger()

	jobCtx, release := p.jobContext(ctx)
	defer release()

	start := time.Now()
	err := p.safeHandle(jobCtx, job)
	// Ack and Nack outlive a shutdown so a finished job is not redelivered.
	ackCtx := context.WithoutCancel(ctx)
	if err != nil {
		log.Warn().Err(err).Dur("took", time.Since(start)).Msg("job failed")
		if nerr := p.source.Nack(ackCtx, job, err); nerr != nil {
			log.Error().Err(nerr).Msg("nack failed")
		}
		return
	}
	log.Info().Dur("took", time.Since(start)).Msg("job done")
	if aerr := p.source.Ack(ackCtx, job); aerr != nil {
		log.Error().Err(aerr).Msg("ack failed")
	}
}

func (p *Pool) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// Every runs fn immediately and then on each tick until ctx is done.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
