// Package executor provides the bounded-parallelism concurrent executor
// abstraction named in spec.md §9's design note: any correct concurrent
// executor with bounded parallelism, cancellation, and deadline support
// satisfies the Dispatcher's worker-group requirement. There is no
// fallback path once an Executor is selected at construction.
package executor

import (
	"context"
	"sync"

	"github.com/grabowmar/analysis-orchestrator/pkg/logger"
)

// Job is a unit of dispatcher work. The dispatcher closes each Job over
// its own per-task context, so the Job itself takes none: Submit's ctx
// only governs how long the caller blocks waiting for a free worker.
type Job func()

// Executor runs Jobs with bounded parallelism. Submit blocks until a
// worker slot is available (the dispatcher's acquire-then-submit loop
// relies on this for backpressure, per spec.md §5).
type Executor interface {
	// Submit blocks until either a worker slot frees up and the job has
	// been handed off to run, or ctx is done first.
	Submit(ctx context.Context, job Job) error
	// Shutdown stops accepting new jobs and waits for in-flight jobs to
	// finish, or until ctx is done.
	Shutdown(ctx context.Context) error
}

// WorkerGroup is the default, in-process Executor: a fixed-size pool of
// goroutines fed by an unbuffered channel, mirroring the semaphore-gated
// acquisition already used by internal/analyzerclient's connection pool.
type WorkerGroup struct {
	log *logger.Logger

	jobs chan Job
	wg   sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Executor = (*WorkerGroup)(nil)

// NewWorkerGroup starts parallelism worker goroutines and returns the
// group ready to accept jobs.
func NewWorkerGroup(parallelism int, log *logger.Logger) *WorkerGroup {
	if parallelism <= 0 {
		parallelism = 1
	}
	if log == nil {
		log = logger.NewDefault("executor")
	}
	wg := &WorkerGroup{
		log:    log,
		jobs:   make(chan Job),
		closed: make(chan struct{}),
	}
	for i := 0; i < parallelism; i++ {
		wg.wg.Add(1)
		go wg.runWorker()
	}
	return wg
}

func (wg *WorkerGroup) runWorker() {
	defer wg.wg.Done()
	for job := range wg.jobs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					wg.log.WithField("panic", r).Error("executor job panicked")
				}
			}()
			job()
		}()
	}
}

// Submit hands job to the next free worker. Because jobs carry their own
// context (the dispatcher passes a per-task context into the closure it
// builds), Submit's ctx only governs how long the caller is willing to
// block waiting for a free worker.
func (wg *WorkerGroup) Submit(ctx context.Context, job Job) error {
	select {
	case <-wg.closed:
		return ErrShutdown
	default:
	}
	select {
	case wg.jobs <- job:
		return nil
	case <-wg.closed:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting new jobs and waits for the in-flight ones to
// drain, bounded by ctx.
func (wg *WorkerGroup) Shutdown(ctx context.Context) error {
	wg.closeOnce.Do(func() {
		close(wg.closed)
		close(wg.jobs)
	})

	done := make(chan struct{})
	go func() {
		wg.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrShutdown is returned by Submit once Shutdown has been called.
var ErrShutdown = &shutdownError{}

type shutdownError struct{}

func (*shutdownError) Error() string { return "executor: shut down" }
