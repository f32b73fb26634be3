package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shopflow/internal/log"
	"shopflow/internal/retry"

	"github.com/lib/pq"
)

// Store is the durable lease store backing every job queue in the app. All
// cross-process mutual exclusion goes through Claim's row locking; there are
// no in-process locks to coordinate.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

func NewStore(db *sql.DB, logger *log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS jobs (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            kind VARCHAR(64) NOT NULL,
            natural_key VARCHAR(128) NOT NULL,
            status VARCHAR(16) NOT NULL DEFAULT 'queued',
            attempts INTEGER NOT NULL DEFAULT 0,
            run_after TIMESTAMPTZ NOT NULL DEFAULT now(),
            locked_at TIMESTAMPTZ,
            locked_by VARCHAR(128),
            last_error TEXT,
            payload JSONB,
            stats JSONB,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_jobs_dedupe UNIQUE (shop, kind, natural_key)
        );
        CREATE INDEX IF NOT EXISTS idx_jobs_pick ON jobs (run_after, id) WHERE status = 'queued';
    `)
	if err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

// Enqueue upserts a job on its natural key. A completed row keeps its payload
// (finished work is never resurrected with stale data); any other status gets
// the latest payload. Concurrent producers race on the unique constraint, not
// on a pre-check.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	var (
		res      EnqueueResult
		inserted bool
		status   Status
	)
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO jobs (shop, kind, natural_key, status, payload, run_after)
        VALUES ($1, $2, $3, 'queued', $4, now() + ($5 * interval '1 second'))
        ON CONFLICT (shop, kind, natural_key) DO UPDATE
        SET payload = CASE WHEN jobs.status = 'completed' THEN jobs.payload ELSE EXCLUDED.payload END,
            updated_at = now()
        RETURNING id, (xmax = 0), status
    `, p.Shop, p.Kind, p.NaturalKey, nullableJSON(p.Payload), int64(p.Delay/time.Second)).
		Scan(&res.ID, &inserted, &status)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue job: %w", err)
	}

	if inserted {
		res.Inserted = true
	} else if status == StatusCompleted {
		res.Duplicate = true
	} else {
		res.Updated = true
	}
	s.logger.Infow("Enqueued job",
		"shop", p.Shop, "kind", p.Kind, "natural_key", p.NaturalKey,
		"id", res.ID, "inserted", res.Inserted, "duplicate", res.Duplicate)
	return res, nil
}

// Claim atomically takes up to limit due jobs for workerID. Selection and
// the transition to processing happen in one transaction under
// FOR UPDATE SKIP LOCKED, so concurrent claimers never observe the same row.
// An empty result means poll again later, not an error.
func (s *Store) Claim(ctx context.Context, limit int, workerID string) ([]Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
        SELECT id, shop, kind, natural_key, payload, attempts
        FROM jobs
        WHERE status = 'queued' AND run_after <= now()
        ORDER BY run_after ASC, id ASC
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable jobs: %w", err)
	}

	var jobs []Job
	for rows.Next() {
		var j Job
		var payload []byte
		if err := rows.Scan(&j.ID, &j.Shop, &j.Kind, &j.NaturalKey, &payload, &j.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable job: %w", err)
		}
		j.Payload = payload
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimable jobs: %w", err)
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE jobs
        SET status = 'processing', locked_at = now(), locked_by = $1,
            attempts = attempts + 1, updated_at = now()
        WHERE id = ANY($2)
    `, workerID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lock claimed jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	now := time.Now()
	for i := range jobs {
		jobs[i].Status = StatusProcessing
		jobs[i].Attempts++
		jobs[i].LockedBy = &workerID
		jobs[i].LockedAt = &now
	}
	s.logger.Debugw("Claimed jobs", "worker", workerID, "count", len(jobs))
	return jobs, nil
}

// Complete transitions processing -> completed and clears the lock fields.
func (s *Store) Complete(ctx context.Context, id int64) error {
	return s.complete(ctx, id, nil)
}

// CompleteWithStats additionally records a serialized result summary.
func (s *Store) CompleteWithStats(ctx context.Context, id int64, stats []byte) error {
	return s.complete(ctx, id, stats)
}

func (s *Store) complete(ctx context.Context, id int64, stats []byte) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE jobs
        SET status = 'completed', locked_at = NULL, locked_by = NULL,
            last_error = NULL, stats = COALESCE($2, stats), updated_at = now()
        WHERE id = $1
    `, id, nullableJSON(stats))
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	s.logger.Infow("Completed job", "id", id)
	return nil
}

// Fail applies the retry policy: terminal failure once attempts are
// exhausted, otherwise requeue with run_after pushed out by the policy delay
// (or the upstream rate-limit hint, which always wins).
func (s *Store) Fail(ctx context.Context, id int64, errMsg string, hint time.Duration, policy retry.Policy) (FailResult, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `SELECT attempts FROM jobs WHERE id = $1`, id).Scan(&attempts)
	if err != nil {
		return FailResult{}, fmt.Errorf("read attempts for job %d: %w", id, err)
	}

	errMsg = truncate(errMsg, 2000)

	if policy.Exhausted(attempts) {
		_, err = s.db.ExecContext(ctx, `
            UPDATE jobs
            SET status = 'failed', locked_at = NULL, locked_by = NULL,
                last_error = $2, updated_at = now()
            WHERE id = $1
        `, id, errMsg)
		if err != nil {
			return FailResult{}, fmt.Errorf("fail job %d: %w", id, err)
		}
		s.logger.Warnw("Job exhausted retries, marked failed", "id", id, "attempts", attempts)
		return FailResult{Terminal: true, Attempts: attempts}, nil
	}

	delay := policy.NextDelay(attempts, hint)
	_, err = s.db.ExecContext(ctx, `
        UPDATE jobs
        SET status = 'queued', locked_at = NULL, locked_by = NULL,
            last_error = $2, run_after = now() + ($3 * interval '1 second'),
            updated_at = now()
        WHERE id = $1
    `, id, errMsg, int64(delay/time.Second))
	if err != nil {
		return FailResult{}, fmt.Errorf("requeue job %d: %w", id, err)
	}
	s.logger.Infow("Requeued job", "id", id, "attempts", attempts, "delay", delay)
	return FailResult{Attempts: attempts, Delay: delay}, nil
}

// Reschedule returns a job to queued with a future run_after without
// touching its attempt count.
func (s *Store) Reschedule(ctx context.Context, id int64, delay time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE jobs
        SET status = 'queued', locked_at = NULL, locked_by = NULL,
            run_after = now() + ($2 * interval '1 second'), updated_at = now()
        WHERE id = $1
    `, id, int64(delay/time.Second))
	if err != nil {
		return fmt.Errorf("reschedule job %d: %w", id, err)
	}
	return nil
}

// ReactivateByKey resets a completed or failed job back to queued with a
// fresh attempt budget. Queued and processing jobs are left alone. Returns
// false when no terminal job matched.
func (s *Store) ReactivateByKey(ctx context.Context, shop, kind, naturalKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs
        SET status = 'queued', attempts = 0, run_after = now(),
            locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = now()
        WHERE shop = $1 AND kind = $2 AND natural_key = $3
          AND status IN ('completed', 'failed')
    `, shop, kind, naturalKey)
	if err != nil {
		return false, fmt.Errorf("reactivate job %s/%s/%s: %w", shop, kind, naturalKey, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Infow("Reactivated job", "shop", shop, "kind", kind, "key", naturalKey)
	}
	return n > 0, nil
}

// RequeueStale returns to queued any processing job whose lock is older than
// timeout. Used only by the janitor; Claim never does this implicitly.
func (s *Store) RequeueStale(ctx context.Context, timeout time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs
        SET status = 'queued', locked_at = NULL, locked_by = NULL,
            last_error = 'lock expired: worker presumed dead', updated_at = now()
        WHERE status = 'processing' AND locked_at < now() - ($1 * interval '1 second')
    `, int64(timeout/time.Second))
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns job counts per status for operational visibility.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := map[Status]int{
		StatusQueued:     0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[st] = n
	}
	return stats, rows.Err()
}

// GetByKey looks up a job by its natural key. Read-only, used by the admin
// API and tests.
func (s *Store) GetByKey(ctx context.Context, shop, kind, naturalKey string) (Job, error) {
	var j Job
	var payload, stats []byte
	err := s.db.QueryRowContext(ctx, `
        SELECT id, shop, kind, natural_key, status, attempts, run_after,
               locked_at, locked_by, last_error, payload, stats, created_at, updated_at
        FROM jobs
        WHERE shop = $1 AND kind = $2 AND natural_key = $3
    `, shop, kind, naturalKey).Scan(
		&j.ID, &j.Shop, &j.Kind, &j.NaturalKey, &j.Status, &j.Attempts, &j.RunAfter,
		&j.LockedAt, &j.LockedBy, &j.LastError, &payload, &stats, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("get job %s/%s/%s: %w", shop, kind, naturalKey, err)
	}
	j.Payload = payload
	j.Stats = stats
	return j, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
