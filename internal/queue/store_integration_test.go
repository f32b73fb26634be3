//go:build integration
// +build integration

package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"shopflow/internal/log"
	"shopflow/internal/retry"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupTestDB(ctx context.Context, t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		pgContainer, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:15"),
			postgres.WithDatabase("shopflow"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("securepassword"),
		)
		if err != nil {
			t.Fatalf("failed to start postgres container: %v", err)
		}
		t.Cleanup(func() { pgContainer.Terminate(ctx) })

		dbURL, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(ctx context.Context, t *testing.T) *Store {
	t.Helper()
	store := NewStore(setupTestDB(ctx, t), log.NewNop())
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func TestEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(ctx, t)

	first, err := store.Enqueue(ctx, EnqueueParams{
		Shop: "s.myshopify.com", Kind: "order_paid", NaturalKey: "1001",
		Payload: []byte(`{"id":1001,"v":1}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !first.Inserted {
		t.Errorf("first enqueue: %+v, want inserted", first)
	}

	second, err := store.Enqueue(ctx, EnqueueParams{
		Shop: "s.myshopify.com", Kind: "order_paid", NaturalKey: "1001",
		Payload: []byte(`{"id":1001,"v":2}`),
	})
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if second.Inserted || !second.Updated {
		t.Errorf("second enqueue: %+v, want updated", second)
	}
	if second.ID != first.ID {
		t.Errorf("ids differ: %d vs %d", first.ID, second.ID)
	}

	job, err := store.GetByKey(ctx, "s.myshopify.com", "order_paid", "1001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(job.Payload) != `{"id":1001,"v":2}` {
		t.Errorf("queued payload not refreshed: %s", job.Payload)
	}
}

func TestEnqueueAfterCompleteIsDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(ctx, t)

	first, err := store.Enqueue(ctx, EnqueueParams{
		Shop: "s.myshopify.com", Kind: "order_paid", NaturalKey: "2001",
		Payload: []byte(`{"id":2001,"v":1}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Complete(ctx, first.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	replay, err := store.Enqueue(ctx, EnqueueParams{
		Shop: "s.myshopify.com", Kind: "order_paid", NaturalKey: "2001",
		Payload: []byte(`{"id":2001,"v":2}`),
	})
	if err != nil {
		t.Fatalf("replay enqueue: %v", err)
	}
	if !replay.Duplicate {
		t.Errorf("replay of completed job: %+v, want duplicate", replay)
	}

	job, err := store.GetByKey(ctx, "s.myshopify.com", "order_paid", "2001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if string(job.Payload) != `{"id":2001,"v":1}` {
		t.Errorf("completed payload overwritten by replay: %s", job.Payload)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(ctx, t)

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		_, err := store.Enqueue(ctx, EnqueueParams{
			Shop: "s.myshopify.com", Kind: "order_paid",
			NaturalKey: fmt.Sprintf("claim-%d", i),
			Payload:    []byte(`{}`),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			workerID := fmt.Sprintf("worker-%d", w)
			for {
				jobs, err := store.Claim(ctx, 2, workerID)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, job := range jobs {
					if prev, dup := claimed[job.ID]; dup {
						t.Errorf("job %d claimed by both %s and %s", job.ID, prev, workerID)
					}
					claimed[job.ID] = workerID
					if job.Attempts != 1 {
						t.Errorf("job %d attempts = %d after first claim", job.ID, job.Attempts)
					}
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(claimed) != jobCount {
		t.Errorf("claimed %d jobs, want %d", len(claimed), jobCount)
	}
}

func TestFailRequeuesWithBackoff(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(ctx, t)

	res, err := store.Enqueue(ctx, EnqueueParams{
		Shop: "s.myshopify.com", Kind: "order_paid", NaturalKey: "retry-1",
		Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	jobs, err := store.Claim(ctx, 1, "w1")
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim: %v (%d jobs)", err, len(jobs))
	}

	policy := retry.DefaultPolicy()
	failRes, err := store.Fail(ctx, res.ID, "upstream 503", 0, policy)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failRes.Terminal {
		t.Fatal("first failure should not be terminal")
	}
	// attempt 1 backs off base*2^1
	if failRes.Delay != 10*time.Second {
		t.Errorf("delay = %v, want 10s", failRes.Delay)
	}

	job, err := store.GetByKey(ctx, "s.myshopify.com", "order_paid", "retry-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	until := time.Until(job.RunAfter)
	if until < 8*time.Second || until > 11*time.Second {
		t.Errorf("run_after %v from now, want about 10s", until)
	}

	// not yet due, so nothing claimable
	jobs, err = store.Claim(ctx, 1, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("claimed backed-off job early")
	}
}

func TestFailTerminalAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(ctx, t)

	res, err := store.Enqueue(ctx, EnqueueParams{
		Shop: "s.myshopify.com", Kind: "order_paid", NaturalKey: "exhaust-1",
		Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	policy := retry.Policy{Base: time.Second, Cap: time.Second, MaxAttempts: 2}
	for attempt := 1; ; attempt++ {
		if err := store.Reschedule(ctx, res.ID, 0); err != nil {
			t.Fatalf("reschedule: %v", err)
		}
		jobs, err := store.Claim(ctx, 1, "w1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(jobs) != 1 {
			t.Fatalf("attempt %d: claimed %d jobs", attempt, len(jobs))
		}
		failRes, err := store.Fail(ctx, res.ID, "still broken", 0, policy)
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if failRes.Terminal {
			if attempt != 2 {
				t.Errorf("terminal at attempt %d, want 2", attempt)
			}
			break
		}
		if attempt > 5 {
			t.Fatal("never went terminal")
		}
	}

	job, err := store.GetByKey(ctx, "s.myshopify.com", "order_paid", "exhaust-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
}

func TestRateLimitHintOverridesBackoff(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(ctx, t)

	res, err := store.Enqueue(ctx, EnqueueParams{
		Shop: "s.myshopify.com", Kind: "monthly_removal", NaturalKey: "2026-08",
		Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, 1, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	failRes, err := store.Fail(ctx, res.ID, "429 rate limited", 45*time.Second, retry.DefaultPolicy())
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failRes.Delay != 45*time.Second {
		t.Errorf("delay = %v, want the 45s hint", failRes.Delay)
	}
}

func TestReactivateByKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(ctx, t)

	res, err := store.Enqueue(ctx, EnqueueParams{
		Shop: "s.myshopify.com", Kind: "monthly_removal", NaturalKey: "2026-07",
		Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// queued jobs are left alone
	ok, err := store.ReactivateByKey(ctx, "s.myshopify.com", "monthly_removal", "2026-07")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if ok {
		t.Error("reactivated a queued job")
	}

	if err := store.Complete(ctx, res.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ok, err = store.ReactivateByKey(ctx, "s.myshopify.com", "monthly_removal", "2026-07")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !ok {
		t.Error("did not reactivate a completed job")
	}

	job, err := store.GetByKey(ctx, "s.myshopify.com", "monthly_removal", "2026-07")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusQueued || job.Attempts != 0 {
		t.Errorf("job after reactivate: status=%s attempts=%d", job.Status, job.Attempts)
	}
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(ctx, t)

	res, err := store.Enqueue(ctx, EnqueueParams{
		Shop: "s.myshopify.com", Kind: "order_paid", NaturalKey: "stale-1",
		Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, 1, "dead-worker"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// fresh lock survives the sweep
	n, err := store.RequeueStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d fresh locks", n)
	}

	// age the lock artificially
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE jobs SET locked_at = now() - interval '10 minutes' WHERE id = $1`, res.ID); err != nil {
		t.Fatalf("age lock: %v", err)
	}
	n, err = store.RequeueStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued %d jobs, want 1", n)
	}
}
