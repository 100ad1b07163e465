package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// recordingSource wraps a MemoryQueue and records acks and nacks.
type recordingSource struct {
	*MemoryQueue
	mu    sync.Mutex
	acked []uuid.UUID
	nacks []uuid.UUID
}

func (r *recordingSource) Ack(ctx context.Context, job *Job) error {
	r.mu.Lock()
	r.acked = append(r.acked, job.BatchID)
	r.mu.Unlock()
	return r.MemoryQueue.Ack(ctx, job)
}

func (r *recordingSource) Nack(ctx context.Context, job *Job, cause error) error {
	r.mu.Lock()
	r.nacks = append(r.nacks, job.BatchID)
	r.mu.Unlock()
	return r.MemoryQueue.Nack(ctx, job, cause)
}

func (r *recordingSource) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acked), len(r.nacks)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPool_ProcessesAllJobs(t *testing.T) {
	src := &recordingSource{MemoryQueue: NewMemoryQueue(16, Options{}, zerolog.Nop())}
	var handled atomic.Int32
	pool := NewPool(src, func(ctx context.Context, job *Job) error {
		handled.Add(1)
		return nil
	}, 3, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		if _, err := src.Enqueue(ctx, "clinic", uuid.New()); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, func() bool { acked, _ := src.counts(); return acked == 10 })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancel")
	}
	if handled.Load() != 10 {
		t.Errorf("expected 10 handled, got %d", handled.Load())
	}
}

func TestPool_RetriesFailures(t *testing.T) {
	src := &recordingSource{MemoryQueue: NewMemoryQueue(4, Options{MaxAttempts: 3, BaseDelay: time.Millisecond}, zerolog.Nop())}
	var calls atomic.Int32
	pool := NewPool(src, func(ctx context.Context, job *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("database unavailable")
		}
		return nil
	}, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	_, _ = src.Enqueue(ctx, "clinic", uuid.New())
	waitFor(t, func() bool { acked, _ := src.counts(); return acked == 1 })

	_, nacked := src.counts()
	if nacked != 2 {
		t.Errorf("expected 2 nacks before success, got %d", nacked)
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	src := &recordingSource{MemoryQueue: NewMemoryQueue(4, Options{MaxAttempts: 1}, zerolog.Nop())}
	pool := NewPool(src, func(ctx context.Context, job *Job) error {
		panic("bad payload")
	}, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	_, _ = src.Enqueue(ctx, "clinic", uuid.New())
	waitFor(t, func() bool { _, nacked := src.counts(); return nacked == 1 })
}

func TestPool_StopsWhenSourceCloses(t *testing.T) {
	q := NewMemoryQueue(1, Options{}, zerolog.Nop())
	pool := NewPool(q, func(context.Context, *Job) error { return nil }, 2, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(done)
	}()
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after queue close")
	}
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	done := make(chan struct{})
	go func() {
		Every(ctx, 5*time.Millisecond, func(context.Context) {
			if n.Add(1) == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Every did not return after cancel")
	}
	if n.Load() < 3 {
		t.Errorf("expected at least 3 runs, got %d", n.Load())
	}
}

func TestPool_JobOutlivesStop(t *testing.T) {
	src := &recordingSource{MemoryQueue: NewMemoryQueue(4, Options{}, zerolog.Nop())}
	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value
	pool := NewPool(src, func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		return ctx.Err()
	}, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	_, _ = src.Enqueue(ctx, "clinic", uuid.New())
	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
	if err := ctxErr.Load(); err != nil {
		t.Errorf("job context was cancelled by the stop: %v", err)
	}
	if acked, nacked := src.counts(); acked != 1 || nacked != 0 {
		t.Errorf("expected 1 ack and no nack, got %d/%d", acked, nacked)
	}
}

func TestPool_DrainTimeoutCancelsJob(t *testing.T) {
	src := &recordingSource{MemoryQueue: NewMemoryQueue(4, Options{MaxAttempts: 1}, zerolog.Nop())}
	started := make(chan struct{})
	pool := NewPool(src, func(ctx context.Context, job *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, 1, zerolog.Nop()).WithDrainTimeout(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	_, _ = src.Enqueue(ctx, "clinic", uuid.New())
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain timeout did not cancel the job")
	}
	if _, nacked := src.counts(); nacked != 1 {
		t.Errorf("expected the cancelled job to be nacked, got %d", nacked)
	}
}
