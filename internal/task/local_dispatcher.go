package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalDispatcherConfig holds configuration for the LocalDispatcher.
type LocalDispatcherConfig struct {
	// WorkerCount determines how many jobs run concurrently.
	// If zero or negative, defaults to 1.
	WorkerCount int

	// QueueSize is the buffer of accepted jobs not yet picked up by a worker.
	QueueSize int

	// CompletionRetries is how many times a failed completion callback is retried.
	CompletionRetries int

	// RetryBackoff is the pause between completion retries.
	RetryBackoff time.Duration

	// RevokedRetention is how long a revoke for a job that has not arrived is
	// remembered. Defaults to one hour.
	RevokedRetention time.Duration
}

// DefaultLocalDispatcherConfig returns a LocalDispatcherConfig with reasonable defaults.
func DefaultLocalDispatcherConfig() LocalDispatcherConfig {
	return LocalDispatcherConfig{
		WorkerCount:       2,
		QueueSize:         100,
		CompletionRetries: 3,
		RetryBackoff:      time.Second,
		RevokedRetention:  time.Hour,
	}
}

// LocalDispatcher runs jobs on an in-process worker pool and reports each
// outcome through a CompletionHandler. It serves as the Dispatcher in
// single-process deployments and as the execution engine of the worker
// process.
type LocalDispatcher struct {
	runner     Runner
	jobs       chan Job
	config     LocalDispatcherConfig
	logger     *slog.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	inflight   map[uuid.UUID]context.CancelFunc
	revoked    map[uuid.UUID]time.Time
	onComplete CompletionHandler
	now        func() time.Time
}

// NewLocalDispatcher creates a LocalDispatcher. Call Start before submitting.
func NewLocalDispatcher(runner Runner, config LocalDispatcherConfig, logger *slog.Logger) *LocalDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "local_dispatcher"))

	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			slog.Int("specified_count", config.WorkerCount),
			slog.Int("default_count", 1))
		config.WorkerCount = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.RevokedRetention <= 0 {
		config.RevokedRetention = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		runner:     runner,
		jobs:       make(chan Job, config.QueueSize),
		config:     config,
		logger:     logger,
		ctx:        ctx,
		cancelFunc: cancel,
		inflight:   make(map[uuid.UUID]context.CancelFunc),
		revoked:    make(map[uuid.UUID]time.Time),
		now:        time.Now,
		onComplete: func(ctx context.Context, id uuid.UUID, outcome Outcome) error {
			logger.Info("job finished without a completion handler",
				slog.String("task_id", id.String()),
				slog.Bool("success", outcome.Success()))
			return nil
		},
	}
}

var _ Dispatcher = (*LocalDispatcher)(nil)

// SetCompletionHandler sets the function that receives job outcomes.
// Must be called before Start.
func (d *LocalDispatcher) SetCompletionHandler(handler CompletionHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onComplete = handler
}

// Start launches the worker goroutines.
func (d *LocalDispatcher) Start() {
	for i := 0; i < d.config.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("local dispatcher started", slog.Int("workers", d.config.WorkerCount))
}

// Stop cancels running jobs and waits for the workers to exit.
// Jobs interrupted by Stop report no outcome.
func (d *LocalDispatcher) Stop() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancelFunc()
	d.wg.Wait()
	d.logger.Info("local dispatcher stopped")
}

// Submit implements Dispatcher.Submit. It never blocks: a full buffer
// returns ErrDispatcherBusy.
func (d *LocalDispatcher) Submit(ctx context.Context, job Job) (Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Receipt{}, ErrDispatcherClosed
	}

	select {
	case d.jobs <- job:
		d.logger.Debug("job accepted",
			slog.String("task_id", job.TaskID.String()),
			slog.Int("queue_len", len(d.jobs)),
			slog.Int("queue_cap", cap(d.jobs)))
		return Receipt{Ref: "local:" + job.TaskID.String()}, nil
	default:
		return Receipt{}, fmt.Errorf("%w: queue capacity %d reached", ErrDispatcherBusy, cap(d.jobs))
	}
}

// SubmitWait hands the job to a worker, blocking until one has buffer space
// or ctx is done. Used by consumers that apply their own backpressure.
func (d *LocalDispatcher) SubmitWait(ctx context.Context, job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.mu.Unlock()

	select {
	case d.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrDispatcherClosed
	}
}

// Revoke implements Dispatcher.Revoke. A running job has its context
// cancelled. A job that is buffered or has not arrived yet is skipped when a
// worker picks it up, provided it arrives within RevokedRetention.
func (d *LocalDispatcher) Revoke(ctx context.Context, taskID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cancel, ok := d.inflight[taskID]; ok {
		cancel()
		d.logger.Info("revoked running job", slog.String("task_id", taskID.String()))
		return nil
	}

	now := d.now()
	d.pruneRevoked(now)
	d.revoked[taskID] = now
	return nil
}

// pruneRevoked forgets revokes older than RevokedRetention. Callers hold d.mu.
func (d *LocalDispatcher) pruneRevoked(now time.Time) {
	cutoff := now.Add(-d.config.RevokedRetention)
	for id, at := range d.revoked {
		if at.Before(cutoff) {
			delete(d.revoked, id)
		}
	}
}

func (d *LocalDispatcher) worker(id int) {
	defer d.wg.Done()

	d.logger.Debug("starting worker", slog.Int("worker_id", id))
	for {
		select {
		case <-d.ctx.Done():
			d.logger.Debug("stopping worker", slog.Int("worker_id", id))
			return
		case job := <-d.jobs:
			d.process(job, id)
		}
	}
}

// process runs a single job and reports its outcome.
func (d *LocalDispatcher) process(job Job, workerID int) {
	log := d.logger.With(
		slog.String("task_id", job.TaskID.String()),
		slog.String("kind", string(job.Kind)),
		slog.Int("worker_id", workerID),
	)

	jobCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()

	d.mu.Lock()
	if _, ok := d.revoked[job.TaskID]; ok {
		delete(d.revoked, job.TaskID)
		d.mu.Unlock()
		log.Info("skipping revoked job")
		return
	}
	d.inflight[job.TaskID] = cancel
	handler := d.onComplete
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inflight, job.TaskID)
		d.mu.Unlock()
	}()

	log.Info("processing job")
	result, err := d.runner.Run(jobCtx, job)

	if jobCtx.Err() != nil {
		// Revoked or shutting down: the task store already reflects it or
		// the next reconciliation will.
		log.Info("job interrupted", slog.String("cause", jobCtx.Err().Error()))
		return
	}

	outcome := Succeeded(result)
	if err != nil {
		log.Error("job failed", slog.String("error", err.Error()))
		outcome = Failed(err.Error())
	} else {
		log.Info("job completed")
	}
	d.report(job.TaskID, outcome, handler, log)
}

// report delivers an outcome, retrying transient handler failures.
func (d *LocalDispatcher) report(id uuid.UUID, outcome Outcome, handler CompletionHandler, log *slog.Logger) {
	ctx := context.WithoutCancel(d.ctx)
	for attempt := 0; ; attempt++ {
		err := handler(ctx, id, outcome)
		if err == nil {
			return
		}
		if attempt >= d.config.CompletionRetries {
			log.Error("giving up on completion callback",
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()))
			return
		}
		log.Warn("completion callback failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.config.RetryBackoff):
		}
	}
}
