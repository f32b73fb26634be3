// Package removal takes subscribers whose contracts were cancelled last
// month off the hemisphere calendars. Targets are collected per month, then
// a batch job works through them against a cached calendar snapshot.
package removal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shopflow/internal/log"
)

// KindMonthlyRemoval is the job kind for a monthly removal batch. The
// job's natural key is the month stamp ("2006-01").
const KindMonthlyRemoval = "monthly_removal"

// Target removal statuses.
const (
	StatusPending  = "pending"
	StatusDone     = "done"
	StatusNotFound = "not_found"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// Target is one cancelled subscription slated for calendar removal.
type Target struct {
	ID            int64
	Shop          string
	MonthStamp    string
	ContractID    string
	CustomerID    string
	Email         string
	LineVariantID string
	Handle        string
	RemovalStatus string
	RemovalError  string
	RemovedAt     *time.Time
}

type Store struct {
	db     *sql.DB
	logger *log.Logger
}

func NewStore(db *sql.DB, logger *log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS active_subs (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            contract_id VARCHAR(64) NOT NULL,
            customer_id VARCHAR(64) NOT NULL,
            email VARCHAR(320),
            line_variant_id VARCHAR(64),
            handle VARCHAR(255),
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_active_sub UNIQUE (shop, contract_id)
        );
        CREATE INDEX IF NOT EXISTS idx_active_subs_customer ON active_subs (shop, customer_id);
        CREATE TABLE IF NOT EXISTS currently_cancelled_subs (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            contract_id VARCHAR(64) NOT NULL,
            customer_id VARCHAR(64) NOT NULL,
            email VARCHAR(320),
            line_variant_id VARCHAR(64),
            handle VARCHAR(255),
            status VARCHAR(16) NOT NULL DEFAULT 'CANCELLED',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_cancelled_sub UNIQUE (shop, contract_id)
        );
        CREATE TABLE IF NOT EXISTS previous_cancelled_subs (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            month_stamp VARCHAR(7) NOT NULL,
            contract_id VARCHAR(64) NOT NULL,
            customer_id VARCHAR(64),
            email VARCHAR(320),
            line_variant_id VARCHAR(64),
            handle VARCHAR(255),
            removal_status VARCHAR(16) NOT NULL DEFAULT 'pending',
            removal_error TEXT,
            removed_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_cancelled_contract UNIQUE (shop, contract_id, month_stamp)
        );
        CREATE INDEX IF NOT EXISTS idx_cancelled_pending
            ON previous_cancelled_subs (shop, month_stamp) WHERE removal_status = 'pending';
        CREATE TABLE IF NOT EXISTS removal_logs (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            target_id BIGINT,
            calendar_key VARCHAR(16),
            email VARCHAR(320),
            subscriber_id VARCHAR(64),
            status VARCHAR(16) NOT NULL,
            error TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );
    `)
	if err != nil {
		return fmt.Errorf("ensure removal schema: %w", err)
	}
	return nil
}

// PendingTargets lists the month's unprocessed targets in insertion order.
func (s *Store) PendingTargets(ctx context.Context, shop, monthStamp string) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, shop, month_stamp, contract_id,
               COALESCE(customer_id, ''), COALESCE(email, ''),
               COALESCE(line_variant_id, ''), COALESCE(handle, '')
        FROM previous_cancelled_subs
        WHERE shop = $1 AND month_stamp = $2 AND removal_status = 'pending'
        ORDER BY id ASC
    `, shop, monthStamp)
	if err != nil {
		return nil, fmt.Errorf("list pending removal targets: %w", err)
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.ID, &t.Shop, &t.MonthStamp, &t.ContractID,
			&t.CustomerID, &t.Email, &t.LineVariantID, &t.Handle); err != nil {
			return nil, fmt.Errorf("scan removal target: %w", err)
		}
		t.RemovalStatus = StatusPending
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// AddTarget inserts a pending target for the month, returning the existing
// row untouched if the contract was already recorded.
func (s *Store) AddTarget(ctx context.Context, t Target) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO previous_cancelled_subs
            (shop, month_stamp, contract_id, customer_id, email, line_variant_id, handle, removal_status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
        ON CONFLICT (shop, contract_id, month_stamp) DO UPDATE SET shop = EXCLUDED.shop
        RETURNING id
    `, t.Shop, t.MonthStamp, t.ContractID, nullableStr(t.CustomerID),
		nullableStr(t.Email), nullableStr(t.LineVariantID), nullableStr(t.Handle)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add removal target %s/%s: %w", t.Shop, t.ContractID, err)
	}
	return id, nil
}

// GetTarget returns the month's row for a contract, or nil.
func (s *Store) GetTarget(ctx context.Context, shop, contractID, monthStamp string) (*Target, error) {
	var t Target
	err := s.db.QueryRowContext(ctx, `
        SELECT id, removal_status, COALESCE(email, '')
        FROM previous_cancelled_subs
        WHERE shop = $1 AND contract_id = $2 AND month_stamp = $3
    `, shop, contractID, monthStamp).Scan(&t.ID, &t.RemovalStatus, &t.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get removal target %s/%s: %w", shop, contractID, err)
	}
	t.Shop = shop
	t.ContractID = contractID
	t.MonthStamp = monthStamp
	return &t, nil
}

func (s *Store) SetTargetEmail(ctx context.Context, id int64, email string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE previous_cancelled_subs SET email = $2 WHERE id = $1
    `, id, email)
	if err != nil {
		return fmt.Errorf("set removal target email %d: %w", id, err)
	}
	return nil
}

// MarkTarget records a terminal per-target outcome. StatusDone clears the
// error and stamps removed_at; the rest store the reason.
func (s *Store) MarkTarget(ctx context.Context, id int64, status, reason string) error {
	var err error
	if status == StatusDone {
		_, err = s.db.ExecContext(ctx, `
            UPDATE previous_cancelled_subs
            SET removal_status = 'done', removed_at = now(), removal_error = NULL
            WHERE id = $1
        `, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
            UPDATE previous_cancelled_subs
            SET removal_status = $2, removal_error = $3
            WHERE id = $1
        `, id, status, truncate(reason, 1000))
	}
	if err != nil {
		return fmt.Errorf("mark removal target %d %s: %w", id, status, err)
	}
	return nil
}

// HasActiveSub reports whether the customer still holds any active contract.
func (s *Store) HasActiveSub(ctx context.Context, shop, customerID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
        SELECT 1 FROM active_subs WHERE shop = $1 AND customer_id = $2 LIMIT 1
    `, shop, customerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check active subs for %s: %w", customerID, err)
	}
	return true, nil
}

// Sub is one subscription contract as reported by the subscription app,
// either still active or currently paused/cancelled.
type Sub struct {
	Shop          string
	ContractID    string
	CustomerID    string
	Email         string
	LineVariantID string
	Handle        string
	Status        string
}

// UpsertActiveSub records a contract as active, refreshing its customer and
// variant on conflict.
func (s *Store) UpsertActiveSub(ctx context.Context, sub Sub) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO active_subs (shop, contract_id, customer_id, email, line_variant_id, handle)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (shop, contract_id) DO UPDATE SET
            customer_id = EXCLUDED.customer_id,
            line_variant_id = EXCLUDED.line_variant_id,
            handle = EXCLUDED.handle,
            updated_at = now()
    `, sub.Shop, sub.ContractID, sub.CustomerID,
		nullableStr(sub.Email), nullableStr(sub.LineVariantID), nullableStr(sub.Handle))
	if err != nil {
		return fmt.Errorf("upsert active sub %s/%s: %w", sub.Shop, sub.ContractID, err)
	}
	return nil
}

func (s *Store) DeleteActiveSub(ctx context.Context, shop, contractID string) error {
	_, err := s.db.ExecContext(ctx, `
        DELETE FROM active_subs WHERE shop = $1 AND contract_id = $2
    `, shop, contractID)
	if err != nil {
		return fmt.Errorf("delete active sub %s/%s: %w", shop, contractID, err)
	}
	return nil
}

// UpsertCancelledSub stages a paused or cancelled contract for the next
// monthly sweep.
func (s *Store) UpsertCancelledSub(ctx context.Context, sub Sub) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO currently_cancelled_subs (shop, contract_id, customer_id, email, line_variant_id, handle, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (shop, contract_id) DO UPDATE SET
            customer_id = EXCLUDED.customer_id,
            line_variant_id = EXCLUDED.line_variant_id,
            handle = EXCLUDED.handle,
            status = EXCLUDED.status,
            updated_at = now()
    `, sub.Shop, sub.ContractID, sub.CustomerID,
		nullableStr(sub.Email), nullableStr(sub.LineVariantID), nullableStr(sub.Handle), sub.Status)
	if err != nil {
		return fmt.Errorf("upsert cancelled sub %s/%s: %w", sub.Shop, sub.ContractID, err)
	}
	return nil
}

func (s *Store) DeleteCancelledSub(ctx context.Context, shop, contractID string) error {
	_, err := s.db.ExecContext(ctx, `
        DELETE FROM currently_cancelled_subs WHERE shop = $1 AND contract_id = $2
    `, shop, contractID)
	if err != nil {
		return fmt.Errorf("delete cancelled sub %s/%s: %w", shop, contractID, err)
	}
	return nil
}

// CancelledSubs lists the shop's staged cancellations.
func (s *Store) CancelledSubs(ctx context.Context, shop string) ([]Sub, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT contract_id, COALESCE(customer_id, ''), COALESCE(email, ''),
               COALESCE(line_variant_id, ''), COALESCE(handle, '')
        FROM currently_cancelled_subs
        WHERE shop = $1
        ORDER BY id ASC
    `, shop)
	if err != nil {
		return nil, fmt.Errorf("list cancelled subs: %w", err)
	}
	defer rows.Close()

	var subs []Sub
	for rows.Next() {
		sub := Sub{Shop: shop}
		if err := rows.Scan(&sub.ContractID, &sub.CustomerID, &sub.Email,
			&sub.LineVariantID, &sub.Handle); err != nil {
			return nil, fmt.Errorf("scan cancelled sub: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ReactivatePendingTargets skips the contract's pending removal for the
// month after it came back to the active set. Targets already processed are
// left alone.
func (s *Store) ReactivatePendingTargets(ctx context.Context, shop, contractID, monthStamp string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE previous_cancelled_subs
        SET removal_status = 'skipped', removal_error = 'Contract reactivated'
        WHERE shop = $1 AND contract_id = $2 AND month_stamp = $3 AND removal_status = 'pending'
    `, shop, contractID, monthStamp)
	if err != nil {
		return 0, fmt.Errorf("reactivate targets %s/%s: %w", shop, contractID, err)
	}
	return res.RowsAffected()
}

// SubCounts reports the shop's intake table sizes.
func (s *Store) SubCounts(ctx context.Context, shop string) (map[string]int, error) {
	counts := make(map[string]int, 3)
	for _, q := range []struct {
		key   string
		table string
	}{
		{"active_subs", "active_subs"},
		{"currently_cancelled", "currently_cancelled_subs"},
		{"previous_cancelled", "previous_cancelled_subs"},
	} {
		var n int
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE shop = $1`, q.table), shop).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", q.table, err)
		}
		counts[q.key] = n
	}
	return counts, nil
}

// ClearSubs wipes one of the shop's intake tables before a fresh import.
// Only the staging tables may be cleared.
func (s *Store) ClearSubs(ctx context.Context, shop, table string) (int64, error) {
	switch table {
	case "active_subs", "currently_cancelled_subs":
	default:
		return 0, fmt.Errorf("clear subs: invalid table %q", table)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE shop = $1`, table), shop)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", table, err)
	}
	return res.RowsAffected()
}

// LogAttempt appends to the removal audit trail. Audit failures are logged
// and swallowed.
func (s *Store) LogAttempt(ctx context.Context, shop string, targetID int64, calendarKey, email, subscriberID, status, reason string) {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO removal_logs (shop, target_id, calendar_key, email, subscriber_id, status, error)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, shop, targetID, nullableStr(calendarKey), nullableStr(email),
		nullableStr(subscriberID), status, nullableStr(truncate(reason, 2000)))
	if err != nil {
		s.logger.Errorw("Failed to write removal log", "shop", shop, "target", targetID, "error", err)
	}
}

// StatusCounts groups the month's targets by removal status, with every
// status present in the result.
func (s *Store) StatusCounts(ctx context.Context, shop, monthStamp string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT removal_status, COUNT(*)
        FROM previous_cancelled_subs
        WHERE shop = $1 AND month_stamp = $2
        GROUP BY removal_status
    `, shop, monthStamp)
	if err != nil {
		return nil, fmt.Errorf("count removal targets: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		StatusPending:  0,
		StatusDone:     0,
		StatusNotFound: 0,
		StatusFailed:   0,
		StatusSkipped:  0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan removal count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
