// Package workshop tracks workshop purchases and the reminder emails sent
// ahead of each session. Registrations are written by the order pipeline;
// the notifier reads them back on a schedule.
package workshop

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shopflow/internal/log"

	"github.com/lib/pq"
)

type Settings struct {
	Shop          string
	WorkshopAt    *time.Time
	NotifyOffsets []int
}

type Registration struct {
	ID          int64
	Shop        string
	OrderID     string
	OrderName   string
	CustomerID  string
	Email       string
	FirstName   string
	LastName    string
	PurchasedAt *time.Time
	WorkshopAt  *time.Time
	CreatedAt   time.Time
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
        CREATE TABLE IF NOT EXISTS workshop_settings (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            workshop_at TIMESTAMPTZ,
            notify_offsets JSONB NOT NULL DEFAULT '[]',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_workshop_settings_shop UNIQUE (shop)
        );
        CREATE TABLE IF NOT EXISTS workshop_registrations (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            order_id VARCHAR(64) NOT NULL,
            order_name VARCHAR(64),
            customer_id VARCHAR(64),
            email VARCHAR(320),
            first_name VARCHAR(255),
            last_name VARCHAR(255),
            purchased_at TIMESTAMPTZ,
            workshop_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_workshop_reg UNIQUE (shop, order_id)
        );
        CREATE TABLE IF NOT EXISTS workshop_notification_logs (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            registration_id BIGINT NOT NULL,
            offset_minutes INT NOT NULL,
            sent_to VARCHAR(320),
            status VARCHAR(16) NOT NULL DEFAULT 'pending',
            error TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_workshop_notify UNIQUE (shop, registration_id, offset_minutes)
        );
        CREATE TABLE IF NOT EXISTS workshop_broadcast_logs (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            registration_id BIGINT NOT NULL,
            month_stamp VARCHAR(7) NOT NULL,
            broadcast_type VARCHAR(32) NOT NULL DEFAULT 'registrant',
            sent_to VARCHAR(320),
            status VARCHAR(16) NOT NULL DEFAULT 'pending',
            error TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_workshop_broadcast UNIQUE (shop, registration_id, month_stamp, broadcast_type)
        );
    `)
	if err != nil {
		return fmt.Errorf("ensure workshop schema: %w", err)
	}
	return nil
}

// GetSettings returns nil when the shop has no workshop configured.
func (s *Store) GetSettings(ctx context.Context, shop string) (*Settings, error) {
	var (
		workshopAt sql.NullTime
		offsetsRaw []byte
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT workshop_at, notify_offsets FROM workshop_settings WHERE shop = $1
    `, shop).Scan(&workshopAt, &offsetsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workshop settings for %s: %w", shop, err)
	}

	settings := Settings{Shop: shop}
	if workshopAt.Valid {
		t := workshopAt.Time
		settings.WorkshopAt = &t
	}
	if len(offsetsRaw) > 0 {
		// malformed offsets degrade to none rather than blocking the run
		if err := json.Unmarshal(offsetsRaw, &settings.NotifyOffsets); err != nil {
			s.logger.Warnw("Invalid notify_offsets, ignoring", "shop", shop, "error", err)
			settings.NotifyOffsets = nil
		}
	}
	return &settings, nil
}

func (s *Store) UpsertSettings(ctx context.Context, shop string, workshopAt *time.Time, offsets []int) error {
	offsetsRaw, err := json.Marshal(offsets)
	if err != nil {
		return fmt.Errorf("marshal notify offsets: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO workshop_settings (shop, workshop_at, notify_offsets)
        VALUES ($1, $2, $3)
        ON CONFLICT (shop) DO UPDATE
        SET workshop_at = EXCLUDED.workshop_at,
            notify_offsets = EXCLUDED.notify_offsets,
            updated_at = now()
    `, shop, workshopAt, offsetsRaw)
	if err != nil {
		return fmt.Errorf("upsert workshop settings for %s: %w", shop, err)
	}
	return nil
}

// ShopsWithSettings lists every shop with a scheduled workshop.
func (s *Store) ShopsWithSettings(ctx context.Context) ([]Settings, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT shop, workshop_at, notify_offsets
        FROM workshop_settings
        WHERE workshop_at IS NOT NULL
    `)
	if err != nil {
		return nil, fmt.Errorf("list workshop settings: %w", err)
	}
	defer rows.Close()

	var all []Settings
	for rows.Next() {
		var (
			settings   Settings
			workshopAt time.Time
			offsetsRaw []byte
		)
		if err := rows.Scan(&settings.Shop, &workshopAt, &offsetsRaw); err != nil {
			return nil, fmt.Errorf("scan workshop settings: %w", err)
		}
		settings.WorkshopAt = &workshopAt
		if len(offsetsRaw) > 0 {
			if err := json.Unmarshal(offsetsRaw, &settings.NotifyOffsets); err != nil {
				s.logger.Warnw("Invalid notify_offsets, ignoring", "shop", settings.Shop, "error", err)
				settings.NotifyOffsets = nil
			}
		}
		all = append(all, settings)
	}
	return all, rows.Err()
}

// SaveRegistration upserts a workshop registration keyed by (shop, order).
// Replays refresh contact fields but never clear the purchase or workshop
// timestamps once set.
func (s *Store) SaveRegistration(ctx context.Context, reg Registration) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO workshop_registrations
            (shop, order_id, order_name, customer_id, email, first_name, last_name, purchased_at, workshop_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (shop, order_id) DO UPDATE
        SET order_name = EXCLUDED.order_name,
            email = EXCLUDED.email,
            first_name = EXCLUDED.first_name,
            last_name = EXCLUDED.last_name,
            purchased_at = COALESCE(workshop_registrations.purchased_at, EXCLUDED.purchased_at),
            workshop_at = COALESCE(workshop_registrations.workshop_at, EXCLUDED.workshop_at)
    `, reg.Shop, reg.OrderID, nullableStr(reg.OrderName), nullableStr(reg.CustomerID),
		nullableStr(reg.Email), reg.FirstName, reg.LastName, reg.PurchasedAt, reg.WorkshopAt)
	if err != nil {
		return fmt.Errorf("save workshop registration %s/%s: %w", reg.Shop, reg.OrderID, err)
	}
	return nil
}

// RegistrationsPendingNotification returns registrations that have an email
// and no notification log yet for the given offset.
func (s *Store) RegistrationsPendingNotification(ctx context.Context, shop string, offsetMinutes int) ([]Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT wr.id, wr.shop, wr.order_id, COALESCE(wr.order_name, ''),
               COALESCE(wr.email, ''), COALESCE(wr.first_name, ''), COALESCE(wr.last_name, ''),
               wr.workshop_at
        FROM workshop_registrations wr
        WHERE wr.shop = $1
          AND wr.workshop_at IS NOT NULL
          AND wr.email IS NOT NULL AND wr.email != ''
          AND NOT EXISTS (
              SELECT 1 FROM workshop_notification_logs wnl
              WHERE wnl.shop = wr.shop
                AND wnl.registration_id = wr.id
                AND wnl.offset_minutes = $2
          )
    `, shop, offsetMinutes)
	if err != nil {
		return nil, fmt.Errorf("list pending notifications for %s: %w", shop, err)
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

// RegistrationsForMonth lists the shop's registrations created in the given
// month ("2006-01") that have an email on file.
func (s *Store) RegistrationsForMonth(ctx context.Context, shop, monthStamp string) ([]Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, shop, order_id, COALESCE(order_name, ''),
               COALESCE(email, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),
               workshop_at
        FROM workshop_registrations
        WHERE shop = $1
          AND to_char(created_at, 'YYYY-MM') = $2
          AND email IS NOT NULL AND email != ''
    `, shop, monthStamp)
	if err != nil {
		return nil, fmt.Errorf("list registrations for %s month %s: %w", shop, monthStamp, err)
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

// BeginNotificationLog inserts a pending log row; the unique key makes the
// insert double as a send lock. Returns (0, false, nil) when the
// notification was already logged by another run.
func (s *Store) BeginNotificationLog(ctx context.Context, shop string, registrationID int64, offsetMinutes int, sentTo string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO workshop_notification_logs (shop, registration_id, offset_minutes, sent_to, status)
        VALUES ($1, $2, $3, $4, 'pending')
        RETURNING id
    `, shop, registrationID, offsetMinutes, sentTo).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("begin notification log: %w", err)
}

func (s *Store) FinishNotificationLog(ctx context.Context, id int64, sendErr error) error {
	var err error
	if sendErr == nil {
		_, err = s.db.ExecContext(ctx, `
            UPDATE workshop_notification_logs SET status = 'sent' WHERE id = $1
        `, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
            UPDATE workshop_notification_logs SET status = 'failed', error = $2 WHERE id = $1
        `, id, truncate(sendErr.Error(), 1000))
	}
	if err != nil {
		return fmt.Errorf("finish notification log %d: %w", id, err)
	}
	return nil
}

// BeginBroadcastLog works like BeginNotificationLog but keys on the month
// stamp and broadcast type.
func (s *Store) BeginBroadcastLog(ctx context.Context, shop string, registrationID int64, monthStamp, broadcastType, sentTo string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO workshop_broadcast_logs (shop, registration_id, month_stamp, broadcast_type, sent_to, status)
        VALUES ($1, $2, $3, $4, $5, 'pending')
        RETURNING id
    `, shop, registrationID, monthStamp, broadcastType, sentTo).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("begin broadcast log: %w", err)
}

func (s *Store) FinishBroadcastLog(ctx context.Context, id int64, sendErr error) error {
	var err error
	if sendErr == nil {
		_, err = s.db.ExecContext(ctx, `
            UPDATE workshop_broadcast_logs SET status = 'sent' WHERE id = $1
        `, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
            UPDATE workshop_broadcast_logs SET status = 'failed', error = $2 WHERE id = $1
        `, id, truncate(sendErr.Error(), 1000))
	}
	if err != nil {
		return fmt.Errorf("finish broadcast log %d: %w", id, err)
	}
	return nil
}

func scanRegistrations(rows *sql.Rows) ([]Registration, error) {
	var regs []Registration
	for rows.Next() {
		var (
			reg        Registration
			workshopAt sql.NullTime
		)
		if err := rows.Scan(&reg.ID, &reg.Shop, &reg.OrderID, &reg.OrderName,
			&reg.Email, &reg.FirstName, &reg.LastName, &workshopAt); err != nil {
			return nil, fmt.Errorf("scan workshop registration: %w", err)
		}
		if workshopAt.Valid {
			t := workshopAt.Time
			reg.WorkshopAt = &t
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
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
