package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"shopflow/internal/log"
	"shopflow/internal/queue"
	"shopflow/internal/retry"
	"shopflow/internal/taskerr"
)

// Handler executes the domain logic for one job kind. It may return a
// serialized result summary that is stored on the completed job. Errors
// should carry a taskerr classification so rate-limit hints survive to the
// fail path.
type Handler func(ctx context.Context, job queue.Job) (json.RawMessage, error)

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	Policy       retry.Policy
	// Policies overrides the retry schedule for specific job kinds;
	// kinds not listed fall back to Policy.
	Policies map[string]retry.Policy
	WorkerID string
}

// Pool owns a fixed set of pollers over the lease store. It is a handle
// object: construct, Start once, Stop to drain. No package-level state.
type Pool struct {
	store    *queue.Store
	handlers map[string]Handler
	cfg      Config
	logger   *log.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	active    atomic.Int64
	processed atomic.Int64
	errored   atomic.Int64
	started   atomic.Bool
}

type Stats struct {
	Running     bool   `json:"running"`
	WorkerID    string `json:"worker_id"`
	Concurrency int    `json:"concurrency"`
	Active      int64  `json:"active"`
	Processed   int64  `json:"processed"`
	Errored     int64  `json:"errored"`
}

func NewPool(store *queue.Store, handlers map[string]Handler, cfg Config, logger *log.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Pool{
		store:    store,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger,
	}
}

func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("Worker pool already started")
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infow("Starting worker pool",
		"worker_id", p.cfg.WorkerID, "concurrency", p.cfg.Concurrency, "poll", p.cfg.PollInterval)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(idx int) {
			defer p.wg.Done()
			p.pollLoop(ctx, idx)
		}(i)
	}
}

// Stop cancels the pollers and waits for in-flight iterations to finish.
func (p *Pool) Stop() {
	if !p.started.Load() {
		return
	}
	p.logger.Info("Stopping worker pool")
	p.cancel()
	p.wg.Wait()
	p.started.Store(false)
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) Stats() Stats {
	return Stats{
		Running:     p.started.Load(),
		WorkerID:    p.cfg.WorkerID,
		Concurrency: p.cfg.Concurrency,
		Active:      p.active.Load(),
		Processed:   p.processed.Load(),
		Errored:     p.errored.Load(),
	}
}

func (p *Pool) pollLoop(ctx context.Context, idx int) {
	workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerID, idx)
	p.logger.Infow("Poller starting", "poller", workerID)

	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("Poller shutting down", "poller", workerID)
			return
		default:
		}

		if err := p.pollOnce(ctx, workerID); err != nil {
			// Loop-boundary catch: a crashed iteration never kills the
			// poller, it cools down and restarts.
			p.logger.Errorw("Poller iteration failed", "poller", workerID, "error", err)
			sleepCtx(ctx, 2*p.cfg.PollInterval)
		}
	}
}

func (p *Pool) pollOnce(ctx context.Context, workerID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poller panic: %v", r)
		}
	}()

	jobs, err := p.store.Claim(ctx, 1, workerID)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if len(jobs) == 0 {
		sleepCtx(ctx, p.cfg.PollInterval)
		return nil
	}

	for _, job := range jobs {
		p.processJob(ctx, workerID, job)
	}
	return nil
}

func (p *Pool) policyFor(kind string) retry.Policy {
	if policy, ok := p.cfg.Policies[kind]; ok {
		return policy
	}
	return p.cfg.Policy
}

func (p *Pool) processJob(ctx context.Context, workerID string, job queue.Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	// Outcome writes must land even when Stop cancels the poller context
	// mid-job, otherwise the row is stranded in processing with a live lock.
	storeCtx := context.WithoutCancel(ctx)

	start := time.Now()
	p.logger.Infow("Processing job",
		"poller", workerID, "id", job.ID, "kind", job.Kind,
		"natural_key", job.NaturalKey, "attempt", job.Attempts)

	handler, ok := p.handlers[job.Kind]
	if !ok {
		// Unknown kinds complete rather than poison the queue.
		p.logger.Warnw("No handler for job kind, completing", "kind", job.Kind, "id", job.ID)
		if err := p.store.Complete(storeCtx, job.ID); err != nil {
			p.logger.Errorw("Failed to complete unhandled job", "id", job.ID, "error", err)
		}
		return
	}

	stats, taskErr := handler(ctx, job)
	if taskErr == nil {
		var err error
		if len(stats) > 0 {
			err = p.store.CompleteWithStats(storeCtx, job.ID, stats)
		} else {
			err = p.store.Complete(storeCtx, job.ID)
		}
		if err != nil {
			p.logger.Errorw("Failed to mark job completed", "id", job.ID, "error", err)
			return
		}
		p.processed.Add(1)
		p.logger.Infow("Job completed", "id", job.ID, "duration", time.Since(start))
		return
	}

	p.errored.Add(1)
	var hint time.Duration
	if after, ok := taskerr.RetryAfter(taskErr); ok {
		hint = after
		p.logger.Warnw("Rate limit detected", "id", job.ID, "retry_after", after)
	}

	res, failErr := p.store.Fail(storeCtx, job.ID, taskErr.Error(), hint, p.policyFor(job.Kind))
	if failErr != nil {
		p.logger.Errorw("Failed to record job failure", "id", job.ID, "error", failErr)
		return
	}
	p.logger.Warnw("Job failed",
		"id", job.ID, "error", taskErr, "terminal", res.Terminal,
		"attempts", res.Attempts, "next_in", res.Delay, "duration", time.Since(start))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
