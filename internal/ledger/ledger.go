// Package ledger deduplicates side-effecting actions. Each named action
// against a subject (an order, a contract) is recorded once; a unique-key
// insert doubles as the mutual-exclusion lock, so no locking read is needed
// and the guarantee holds across processes.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shopflow/internal/log"
	"shopflow/internal/taskerr"

	"github.com/lib/pq"
)

// Well-known action names.
const (
	ActionEmailNorthern       = "email_northern"
	ActionEmailSouthern       = "email_southern"
	ActionEmailWorkshop       = "email_workshop"
	ActionFulfillSubscription = "fulfill_subscription"
	ActionFulfillWorkshop     = "fulfill_workshop"
	ActionRemoveSubscriber    = "remove_subscriber"
)

type Status string

const (
	StatusAcquired  Status = "acquired"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type ActionRecord struct {
	ID        int64
	Shop      string
	Subject   string
	Action    string
	Status    Status
	Details   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AcquireResult struct {
	Acquired bool
	Existing *ActionRecord
}

// ActionOutcome is what WithAction returns: either the action ran here, or
// a previous attempt already owns/finished it and this call was skipped.
type ActionOutcome struct {
	Skipped  bool
	Existing *ActionRecord
	Result   json.RawMessage
}

type Ledger struct {
	db     *sql.DB
	logger *log.Logger
}

func New(db *sql.DB, logger *log.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS action_records (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            subject VARCHAR(128) NOT NULL,
            action VARCHAR(64) NOT NULL,
            status VARCHAR(16) NOT NULL DEFAULT 'acquired',
            details JSONB,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_action_dedupe UNIQUE (shop, subject, action)
        );
        CREATE INDEX IF NOT EXISTS idx_action_subject ON action_records (shop, subject);
    `)
	if err != nil {
		return fmt.Errorf("ensure action_records schema: %w", err)
	}
	return nil
}

// Acquire inserts an 'acquired' row for (shop, subject, action). A unique
// violation means another attempt already owns or finished the action: the
// existing record is returned without an error.
func (l *Ledger) Acquire(ctx context.Context, shop, subject, action string, details []byte) (AcquireResult, error) {
	_, err := l.db.ExecContext(ctx, `
        INSERT INTO action_records (shop, subject, action, status, details)
        VALUES ($1, $2, $3, 'acquired', $4)
    `, shop, subject, action, nullableJSON(details))
	if err == nil {
		l.logger.Infow("Acquired action", "shop", shop, "subject", subject, "action", action)
		return AcquireResult{Acquired: true}, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		existing, getErr := l.Get(ctx, shop, subject, action)
		if getErr != nil {
			return AcquireResult{}, getErr
		}
		l.logger.Infow("Action already recorded, skipping",
			"shop", shop, "subject", subject, "action", action, "status", existing.Status)
		return AcquireResult{Acquired: false, Existing: &existing}, nil
	}
	return AcquireResult{}, fmt.Errorf("acquire action %s/%s: %w", subject, action, err)
}

func (l *Ledger) MarkCompleted(ctx context.Context, shop, subject, action string, details []byte) error {
	_, err := l.db.ExecContext(ctx, `
        UPDATE action_records
        SET status = 'completed', details = COALESCE($4, details), updated_at = now()
        WHERE shop = $1 AND subject = $2 AND action = $3
    `, shop, subject, action, nullableJSON(details))
	if err != nil {
		return fmt.Errorf("mark action completed %s/%s: %w", subject, action, err)
	}
	return nil
}

func (l *Ledger) MarkFailed(ctx context.Context, shop, subject, action, errMsg string) error {
	details, _ := json.Marshal(map[string]string{"error": truncate(errMsg, 1000)})
	_, err := l.db.ExecContext(ctx, `
        UPDATE action_records
        SET status = 'failed', details = $4, updated_at = now()
        WHERE shop = $1 AND subject = $2 AND action = $3
    `, shop, subject, action, details)
	if err != nil {
		return fmt.Errorf("mark action failed %s/%s: %w", subject, action, err)
	}
	return nil
}

// Release deletes an 'acquired' row so a later attempt can re-acquire. Only
// the in-progress state is deletable; completed and failed records are
// permanent.
func (l *Ledger) Release(ctx context.Context, shop, subject, action string) error {
	_, err := l.db.ExecContext(ctx, `
        DELETE FROM action_records
        WHERE shop = $1 AND subject = $2 AND action = $3 AND status = 'acquired'
    `, shop, subject, action)
	if err != nil {
		return fmt.Errorf("release action %s/%s: %w", subject, action, err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, shop, subject, action string) (ActionRecord, error) {
	var rec ActionRecord
	var details []byte
	err := l.db.QueryRowContext(ctx, `
        SELECT id, shop, subject, action, status, details, created_at, updated_at
        FROM action_records
        WHERE shop = $1 AND subject = $2 AND action = $3
    `, shop, subject, action).Scan(
		&rec.ID, &rec.Shop, &rec.Subject, &rec.Action, &rec.Status, &details,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return ActionRecord{}, fmt.Errorf("get action %s/%s: %w", subject, action, err)
	}
	rec.Details = details
	return rec, nil
}

// ActionsFor lists every recorded action against a subject, oldest first.
func (l *Ledger) ActionsFor(ctx context.Context, shop, subject string) ([]ActionRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
        SELECT id, shop, subject, action, status, details, created_at, updated_at
        FROM action_records
        WHERE shop = $1 AND subject = $2
        ORDER BY created_at ASC
    `, shop, subject)
	if err != nil {
		return nil, fmt.Errorf("list actions for %s: %w", subject, err)
	}
	defer rows.Close()

	var recs []ActionRecord
	for rows.Next() {
		var rec ActionRecord
		var details []byte
		if err := rows.Scan(&rec.ID, &rec.Shop, &rec.Subject, &rec.Action, &rec.Status,
			&details, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan action record: %w", err)
		}
		rec.Details = details
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// WithAction runs fn at most once per (shop, subject, action). If another
// attempt already holds or finished the action, the call is skipped and the
// caller must treat that as success-already-happened. On failure the error
// classification decides the record's fate: retryable errors release the
// lock so a future attempt starts from scratch; permanent errors pin a
// 'failed' record. Either way the error is re-raised so the enclosing job
// fails through its own retry policy.
func (l *Ledger) WithAction(ctx context.Context, shop, subject, action string, details []byte, fn func(ctx context.Context) (json.RawMessage, error)) (ActionOutcome, error) {
	acq, err := l.Acquire(ctx, shop, subject, action, details)
	if err != nil {
		return ActionOutcome{}, err
	}
	if !acq.Acquired {
		return ActionOutcome{Skipped: true, Existing: acq.Existing}, nil
	}

	result, fnErr := fn(ctx)
	if fnErr == nil {
		if err := l.MarkCompleted(ctx, shop, subject, action, result); err != nil {
			return ActionOutcome{}, err
		}
		return ActionOutcome{Result: result}, nil
	}

	if taskerr.IsRetryable(fnErr) {
		if err := l.Release(ctx, shop, subject, action); err != nil {
			l.logger.Errorw("Failed to release action after transient error",
				"shop", shop, "subject", subject, "action", action, "error", err)
		}
	} else {
		if err := l.MarkFailed(ctx, shop, subject, action, fnErr.Error()); err != nil {
			l.logger.Errorw("Failed to record permanent action failure",
				"shop", shop, "subject", subject, "action", action, "error", err)
		}
	}
	return ActionOutcome{}, fnErr
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
