package removal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopflow/internal/addevent"
	"shopflow/internal/log"

	"github.com/lib/pq"
)

// Calendar keys.
const (
	CalendarNorthern = "northern"
	CalendarSouthern = "southern"
)

// Calendars maps purchase variants to the two hemisphere calendars.
type Calendars struct {
	NorthernID       string
	SouthernID       string
	NorthernVariants []string
	SouthernVariants []string
}

// KeyForVariant returns the calendar key a variant belongs to, or "" when
// the variant is not calendar-mapped.
func (c Calendars) KeyForVariant(variantID string) string {
	variantID = strings.TrimSpace(variantID)
	for _, v := range c.NorthernVariants {
		if v == variantID {
			return CalendarNorthern
		}
	}
	for _, v := range c.SouthernVariants {
		if v == variantID {
			return CalendarSouthern
		}
	}
	return ""
}

func (c Calendars) IDFor(key string) string {
	switch key {
	case CalendarNorthern:
		return c.NorthernID
	case CalendarSouthern:
		return c.SouthernID
	}
	return ""
}

type subscriberLister interface {
	ListSubscribers(ctx context.Context, calendarID string) ([]addevent.Subscriber, error)
}

// Snapshots caches a calendar's subscriber list in Postgres so one batch
// run does a single list call per calendar instead of one per target.
type Snapshots struct {
	db        *sql.DB
	calendars Calendars
	lister    subscriberLister
	ttl       time.Duration
	logger    *log.Logger
}

func NewSnapshots(db *sql.DB, calendars Calendars, lister subscriberLister, ttl time.Duration, logger *log.Logger) *Snapshots {
	return &Snapshots{db: db, calendars: calendars, lister: lister, ttl: ttl, logger: logger}
}

func (s *Snapshots) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS subscriber_snapshots (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            month_stamp VARCHAR(7) NOT NULL,
            calendar_key VARCHAR(16) NOT NULL,
            calendar_id VARCHAR(64) NOT NULL,
            fetched_at TIMESTAMPTZ NOT NULL,
            subscriber_count INTEGER NOT NULL DEFAULT 0,
            CONSTRAINT uq_snapshot UNIQUE (shop, month_stamp, calendar_key)
        );
        CREATE TABLE IF NOT EXISTS subscriber_snapshot_entries (
            snapshot_id BIGINT NOT NULL,
            email VARCHAR(320) NOT NULL,
            subscriber_id VARCHAR(64) NOT NULL,
            CONSTRAINT uq_snapshot_email UNIQUE (snapshot_id, email)
        );
    `)
	if err != nil {
		return fmt.Errorf("ensure snapshot schema: %w", err)
	}
	return nil
}

// Ensure returns a fresh snapshot id for the calendar, reusing an existing
// one younger than the TTL. Returns 0 when the key has no calendar id
// configured.
func (s *Snapshots) Ensure(ctx context.Context, shop, monthStamp, calendarKey string) (int64, error) {
	calendarID := s.calendars.IDFor(calendarKey)
	if calendarID == "" {
		return 0, nil
	}

	var (
		id        int64
		fetchedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT id, fetched_at FROM subscriber_snapshots
        WHERE shop = $1 AND month_stamp = $2 AND calendar_key = $3
    `, shop, monthStamp, calendarKey).Scan(&id, &fetchedAt)
	switch {
	case err == nil:
		if time.Since(fetchedAt) < s.ttl {
			s.logger.Debugw("Reusing subscriber snapshot",
				"shop", shop, "calendar", calendarKey, "age", time.Since(fetchedAt))
			return id, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// fall through to fetch
	default:
		return 0, fmt.Errorf("look up snapshot: %w", err)
	}

	subscribers, err := s.lister.ListSubscribers(ctx, calendarID)
	if err != nil {
		return 0, err
	}

	err = s.db.QueryRowContext(ctx, `
        INSERT INTO subscriber_snapshots (shop, month_stamp, calendar_key, calendar_id, fetched_at, subscriber_count)
        VALUES ($1, $2, $3, $4, now(), $5)
        ON CONFLICT (shop, month_stamp, calendar_key) DO UPDATE
        SET fetched_at = now(), subscriber_count = EXCLUDED.subscriber_count
        RETURNING id
    `, shop, monthStamp, calendarKey, calendarID, len(subscribers)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert snapshot: %w", err)
	}

	if err := s.rebuildEntries(ctx, id, subscribers); err != nil {
		return 0, err
	}
	s.logger.Infow("Subscriber snapshot refreshed",
		"shop", shop, "calendar", calendarKey, "subscribers", len(subscribers))
	return id, nil
}

func (s *Snapshots) rebuildEntries(ctx context.Context, snapshotID int64, subscribers []addevent.Subscriber) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        DELETE FROM subscriber_snapshot_entries WHERE snapshot_id = $1
    `, snapshotID); err != nil {
		return fmt.Errorf("clear snapshot entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("subscriber_snapshot_entries", "snapshot_id", "email", "subscriber_id"))
	if err != nil {
		return fmt.Errorf("prepare snapshot copy: %w", err)
	}
	seen := make(map[string]struct{}, len(subscribers))
	for _, sub := range subscribers {
		if sub.Email == "" {
			continue
		}
		if _, dup := seen[sub.Email]; dup {
			continue
		}
		seen[sub.Email] = struct{}{}
		if _, err := stmt.ExecContext(ctx, snapshotID, sub.Email, sub.ID); err != nil {
			stmt.Close()
			return fmt.Errorf("copy snapshot entry: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush snapshot copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close snapshot copy: %w", err)
	}
	return tx.Commit()
}

// LookupByEmail returns the cached subscriber id for the email, or "" when
// the email is not on the calendar.
func (s *Snapshots) LookupByEmail(ctx context.Context, snapshotID int64, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var subscriberID string
	err := s.db.QueryRowContext(ctx, `
        SELECT subscriber_id FROM subscriber_snapshot_entries
        WHERE snapshot_id = $1 AND email = $2
    `, snapshotID, email).Scan(&subscriberID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("look up subscriber by email: %w", err)
	}
	return subscriberID, nil
}
