//go:build integration
// +build integration

package removal

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"shopflow/internal/log"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupTestStore(ctx context.Context, t *testing.T) *Store {
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

	store := NewStore(db, log.NewNop())
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func TestImportAndFilterCancelled(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(ctx, t)
	shop := "s.myshopify.com"

	rows := []ImportRow{
		{Handle: "subscription-1", ContractID: "1", CustomerID: "a", LineVariantID: "111", Status: "ACTIVE"},
		{Handle: "subscription-2", ContractID: "2", CustomerID: "b", LineVariantID: "111", Status: "CANCELLED"},
		{Handle: "subscription-3", ContractID: "3", CustomerID: "a", LineVariantID: "222", Status: "CANCELLED"},
		{Handle: "subscription-4", ContractID: "4", CustomerID: "c", LineVariantID: "222", Status: "PAUSED"},
	}
	stats, err := store.ImportSubscriptions(ctx, shop, rows)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if stats.ActiveUpserted != 1 || stats.CancelledUpserted != 3 {
		t.Errorf("import stats = %+v", stats)
	}

	filterStats, err := store.FilterCancelledToPrevious(ctx, shop, "2026-08")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	// customer "a" still holds an active contract, so contract 3 stays out
	if filterStats.Total != 3 || filterStats.Inserted != 2 || filterStats.SkippedActive != 1 {
		t.Errorf("filter stats = %+v", filterStats)
	}

	targets, err := store.PendingTargets(ctx, shop, "2026-08")
	if err != nil {
		t.Fatalf("pending targets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("pending targets = %d, want 2", len(targets))
	}
	if targets[0].ContractID != "2" || targets[1].ContractID != "4" {
		t.Errorf("targets = %+v", targets)
	}

	// a second filter run is a no-op
	again, err := store.FilterCancelledToPrevious(ctx, shop, "2026-08")
	if err != nil {
		t.Fatalf("filter again: %v", err)
	}
	if again.Inserted != 0 || again.SkippedDuplicate != 2 || again.SkippedActive != 1 {
		t.Errorf("repeat filter stats = %+v", again)
	}
}

func TestReactivatePendingTargets(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(ctx, t)
	shop := "s.myshopify.com"

	id, err := store.AddTarget(ctx, Target{
		Shop: shop, MonthStamp: "2026-08", ContractID: "9", CustomerID: "z", LineVariantID: "111",
	})
	if err != nil {
		t.Fatalf("add target: %v", err)
	}

	n, err := store.ReactivatePendingTargets(ctx, shop, "9", "2026-08")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if n != 1 {
		t.Errorf("reactivated = %d, want 1", n)
	}

	target, err := store.GetTarget(ctx, shop, "9", "2026-08")
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if target == nil || target.ID != id || target.RemovalStatus != StatusSkipped {
		t.Errorf("target = %+v, want skipped", target)
	}

	counts, err := store.StatusCounts(ctx, shop, "2026-08")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StatusSkipped] != 1 || counts[StatusPending] != 0 {
		t.Errorf("counts = %v", counts)
	}

	// no longer pending, a second event is a no-op
	n, err = store.ReactivatePendingTargets(ctx, shop, "9", "2026-08")
	if err != nil {
		t.Fatalf("reactivate again: %v", err)
	}
	if n != 0 {
		t.Errorf("repeat reactivate = %d, want 0", n)
	}
}

func TestReactivateLeavesProcessedTargetsAlone(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(ctx, t)
	shop := "s.myshopify.com"

	id, err := store.AddTarget(ctx, Target{
		Shop: shop, MonthStamp: "2026-08", ContractID: "10", CustomerID: "y",
	})
	if err != nil {
		t.Fatalf("add target: %v", err)
	}
	if err := store.MarkTarget(ctx, id, StatusDone, ""); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	n, err := store.ReactivatePendingTargets(ctx, shop, "10", "2026-08")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if n != 0 {
		t.Errorf("reactivated = %d, want 0 for an already-removed target", n)
	}

	target, err := store.GetTarget(ctx, shop, "10", "2026-08")
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if target.RemovalStatus != StatusDone {
		t.Errorf("status = %q, done targets must stay done", target.RemovalStatus)
	}
}
