package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/queue"
)

// QueueManager controls per-queue and per-environment rate limiting
// and concurrency. The pool calls Acquire before executing a dequeued
// message and Release after execution completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the
	// queue/environment combination. Returns true if the message may
	// proceed.
	Acquire(queue, environmentID string) bool
	// Release decrements the active count for the queue/environment pair.
	Release(queue, environmentID string)
}

// Pool manages a set of concurrent worker goroutines that poll the
// queue and execute messages through the Runner.
type Pool struct {
	queue        queue.Queue
	runner       *Runner
	jobs         job.Store
	concurrency  int
	queues       []string
	pollInterval time.Duration
	logger       *slog.Logger

	// Reaper configuration. Zero disables stale job recovery.
	staleJobThreshold time.Duration

	queueManager QueueManager

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will poll.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often workers poll for new messages.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithStaleJobThreshold sets the threshold after which running jobs
// are considered orphaned and returned to the queue. A zero value
// disables reaping.
func WithStaleJobThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleJobThreshold = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	q queue.Queue,
	runner *Runner,
	jobs job.Store,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queue:        q,
		runner:       runner,
		jobs:         jobs,
		concurrency:  10,
		queues:       []string{"default"},
		pollInterval: time.Second,
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the identity stamped on jobs this pool executes.
func (p *Pool) WorkerID() id.WorkerID { return p.runner.WorkerID() }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.WorkerID().String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.staleJobThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish. If
// the context has a deadline, active jobs are cancelled when time runs
// out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.WorkerID().String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		msgs, err := p.queue.Dequeue(context.Background(), p.queues, 1)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if len(msgs) == 0 {
			p.sleep()
			continue
		}

		msg := msgs[0]

		if p.queueManager != nil && !p.queueManager.Acquire(msg.Queue, msg.EnvironmentID) {
			// Rate limited; put the message back with a small delay.
			msg.DelayUntil = time.Now().UTC().Add(p.pollInterval)
			if enqErr := p.queue.Enqueue(context.Background(), msg); enqErr != nil {
				p.logger.Error("failed to re-enqueue rate-limited message",
					slog.String("job_id", msg.JobID.String()),
					slog.String("error", enqErr.Error()),
				)
			}
			p.sleep()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(msg.JobID.String(), cancel)

		if execErr := p.runner.Execute(ctx, msg); execErr != nil {
			p.logger.Debug("job execution failed",
				slog.String("job_id", msg.JobID.String()),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(msg.JobID.String())
		cancel()

		if p.queueManager != nil {
			p.queueManager.Release(msg.Queue, msg.EnvironmentID)
		}
	}
}

// reaperLoop periodically returns orphaned running jobs to the queue.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleJobThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStaleJobs()
		}
	}
}

// reapStaleJobs resets jobs whose worker went away mid-execution. The
// owning worker is gone, so the raw status write races with nothing.
func (p *Pool) reapStaleJobs() {
	ctx := context.Background()

	stale, err := p.jobs.ReapStaleJobs(ctx, p.staleJobThreshold)
	if err != nil {
		p.logger.Error("reap stale jobs error", slog.String("error", err.Error()))
		return
	}

	for _, j := range stale {
		j.Status = job.StatusQueued
		j.StatusReason = "reaped after worker loss"
		j.RunAt = time.Now().UTC()
		j.WorkerID = id.Nil
		j.StartedAt = nil

		if updateErr := p.jobs.UpdateJob(ctx, j); updateErr != nil {
			p.logger.Error("reap: failed to reset stale job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			continue
		}
		if enqErr := p.queue.Enqueue(ctx, queue.Message{
			JobID:         j.ID,
			EnvironmentID: j.EnvironmentID,
			Queue:         j.Queue,
		}); enqErr != nil {
			p.logger.Error("reap: failed to re-enqueue stale job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", enqErr.Error()),
			)
			continue
		}

		p.logger.Info("reaped stale job", slog.String("job_id", j.ID.String()))
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
