package modbot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	workerIdleTimeout = 2 * time.Minute
	workerQueueSize   = 32
)

// userJob is a unit of work run by a user's worker
type userJob func(ctx context.Context)

// userWorker runs jobs for a single user, one at a time, in the order
// they were enqueued
type userWorker struct {
	userID string
	jobs   chan userJob

	// pending is the number of jobs enqueued but not yet finished.
	// Guarded by userWorkerPool.mu.
	pending int
}

// userWorkerPool keeps one userWorker per user with outstanding work.
// Jobs for the same user run sequentially, and jobs for different users
// run in parallel. A worker stops after idleTimeout with nothing to do.
type userWorkerPool struct {
	mu          sync.Mutex
	workers     map[string]*userWorker
	idleTimeout time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup

	// running is the number of worker goroutines currently running
	running atomic.Int64
}

func newUserWorkerPool(idleTimeout time.Duration, logger *slog.Logger) *userWorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &userWorkerPool{
		workers:     map[string]*userWorker{},
		idleTimeout: idleTimeout,
		logger:      logger.With(loggerNameKey, "user_worker"),
	}
}

// Enqueue queues a job on the user's worker, starting the worker if
// needed. It blocks while the worker's queue is full, until ctx is done.
func (p *userWorkerPool) Enqueue(ctx context.Context, userID string, job userJob) error {
	p.mu.Lock()
	w := p.workers[userID]
	if w == nil {
		w = &userWorker{
			userID: userID,
			jobs:   make(chan userJob, workerQueueSize),
		}
		p.workers[userID] = w
		p.wg.Add(1)
		p.running.Add(1)
		go p.run(ctx, w)
	}
	w.pending++
	p.mu.Unlock()

	select {
	case w.jobs <- job:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		w.pending--
		p.mu.Unlock()
		return ctx.Err()
	}
}

// Running returns the number of active workers
func (p *userWorkerPool) Running() int64 {
	return p.running.Load()
}

// Wait blocks until every worker has stopped
func (p *userWorkerPool) Wait() {
	p.wg.Wait()
}

func (p *userWorkerPool) run(ctx context.Context, w *userWorker) {
	log := p.logger.With(columnUserID, w.userID)
	defer func() {
		p.mu.Lock()
		if p.workers[w.userID] == w {
			delete(p.workers, w.userID)
		}
		p.mu.Unlock()
		p.running.Add(-1)
		p.wg.Done()
	}()

	log.DebugContext(ctx, "starting user worker")
	startedAt := time.Now()
	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.DebugContext(ctx, "context canceled, stopping user worker")
			return
		case job := <-w.jobs:
			p.runJob(ctx, log, job)
			p.mu.Lock()
			w.pending--
			p.mu.Unlock()

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idleTimeout)
		case <-timer.C:
			// a job may have been counted but not yet sent
			p.mu.Lock()
			if w.pending == 0 {
				delete(p.workers, w.userID)
				p.mu.Unlock()
				log.DebugContext(
					ctx,
					"user worker idle, stopping",
					"runtime", time.Since(startedAt),
				)
				return
			}
			p.mu.Unlock()
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *userWorkerPool) runJob(ctx context.Context, log *slog.Logger, job userJob) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(WithLogger(ctx, log), rc)
		}
	}()
	job(ctx)
}
