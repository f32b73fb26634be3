// Package janitor recovers jobs stranded in processing when their worker
// died mid-task. It is an explicit, optional component: the claim path never
// reclaims locks on its own.
package janitor

import (
	"context"
	"time"

	"shopflow/internal/log"
	"shopflow/internal/queue"
)

type Janitor struct {
	store       *queue.Store
	lockTimeout time.Duration
	interval    time.Duration
	logger      *log.Logger
}

func New(store *queue.Store, lockTimeout, interval time.Duration, logger *log.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		store:       store,
		lockTimeout: lockTimeout,
		interval:    interval,
		logger:      logger,
	}
}

// Enabled reports whether a liveness timeout is configured.
func (j *Janitor) Enabled() bool {
	return j.lockTimeout > 0
}

func (j *Janitor) Run(ctx context.Context) {
	if !j.Enabled() {
		j.logger.Info("Janitor disabled (no lock timeout configured)")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Janitor shutting down")
			return
		case <-ticker.C:
			n, err := j.store.RequeueStale(ctx, j.lockTimeout)
			if err != nil {
				j.logger.Errorw("Failed to requeue stale jobs", "error", err)
				continue
			}
			if n > 0 {
				j.logger.Warnw("Requeued stale jobs", "count", n, "lock_timeout", j.lockTimeout)
			}
		}
	}
}
