package removal

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// The subscription app exports contract handles like "subscription-12345";
// the trailing digits are the contract id.
var contractIDPattern = regexp.MustCompile(`(\d+)$`)

// ContractIDFromHandle extracts the contract id from an app handle, or ""
// when the handle carries none.
func ContractIDFromHandle(handle string) string {
	if handle == "" {
		return ""
	}
	return contractIDPattern.FindString(handle)
}

// normalizeID cleans one CSV cell: export artifacts leave stray quotes and
// trailing commas around ids.
func normalizeID(value string) string {
	s := strings.TrimSpace(value)
	s = strings.Trim(s, `'"`)
	s = strings.TrimRight(s, ",")
	return strings.TrimSpace(s)
}

// ImportRow is one valid subscription row from a CSV export.
type ImportRow struct {
	Handle        string
	ContractID    string
	CustomerID    string
	LineVariantID string
	Status        string
}

// SkippedRow records why a CSV row was rejected. Row numbers are 1-based
// file lines, so the first data row is 2.
type SkippedRow struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
	Value  string `json:"value,omitempty"`
}

// ParseSubscriptionCSV reads a subscription export with a header row. Rows
// missing a contract id or customer id, or carrying an unknown status, are
// reported as skipped rather than failing the import.
func ParseSubscriptionCSV(r io.Reader) (rows []ImportRow, skipped []SkippedRow, total int, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	field := func(record []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return record[idx]
	}

	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, 0, fmt.Errorf("read csv row %d: %w", line, err)
		}
		total++

		handle := normalizeID(field(record, "handle"))
		contractID := ContractIDFromHandle(handle)
		customerID := normalizeID(field(record, "customer_id"))
		status := strings.ToUpper(strings.TrimSpace(field(record, "status")))

		if contractID == "" {
			skipped = append(skipped, SkippedRow{Row: line, Reason: "no_contract_id", Value: handle})
			continue
		}
		if customerID == "" {
			skipped = append(skipped, SkippedRow{Row: line, Reason: "no_customer_id"})
			continue
		}
		switch status {
		case "ACTIVE", "PAUSED", "CANCELLED":
		default:
			skipped = append(skipped, SkippedRow{Row: line, Reason: "unknown_status", Value: status})
			continue
		}

		rows = append(rows, ImportRow{
			Handle:        handle,
			ContractID:    contractID,
			CustomerID:    customerID,
			LineVariantID: normalizeID(field(record, "line_variant_id")),
			Status:        status,
		})
	}
	return rows, skipped, total, nil
}

// ImportStats summarizes one CSV import.
type ImportStats struct {
	ActiveUpserted    int `json:"active_upserted"`
	CancelledUpserted int `json:"cancelled_upserted"`
}

// ImportSubscriptions upserts parsed rows into the intake tables: ACTIVE
// contracts into active_subs, PAUSED and CANCELLED into
// currently_cancelled_subs.
func (s *Store) ImportSubscriptions(ctx context.Context, shop string, rows []ImportRow) (ImportStats, error) {
	var stats ImportStats

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	activeStmt, err := tx.PrepareContext(ctx, `
        INSERT INTO active_subs (shop, contract_id, customer_id, email, line_variant_id, handle)
        VALUES ($1, $2, $3, NULL, $4, $5)
        ON CONFLICT (shop, contract_id) DO UPDATE SET
            customer_id = EXCLUDED.customer_id,
            line_variant_id = EXCLUDED.line_variant_id,
            handle = EXCLUDED.handle,
            updated_at = now()
    `)
	if err != nil {
		return stats, fmt.Errorf("prepare active upsert: %w", err)
	}
	defer activeStmt.Close()

	cancelledStmt, err := tx.PrepareContext(ctx, `
        INSERT INTO currently_cancelled_subs (shop, contract_id, customer_id, email, line_variant_id, handle, status)
        VALUES ($1, $2, $3, NULL, $4, $5, $6)
        ON CONFLICT (shop, contract_id) DO UPDATE SET
            customer_id = EXCLUDED.customer_id,
            line_variant_id = EXCLUDED.line_variant_id,
            handle = EXCLUDED.handle,
            status = EXCLUDED.status,
            updated_at = now()
    `)
	if err != nil {
		return stats, fmt.Errorf("prepare cancelled upsert: %w", err)
	}
	defer cancelledStmt.Close()

	for _, row := range rows {
		if row.Status == "ACTIVE" {
			_, err = activeStmt.ExecContext(ctx, shop, row.ContractID, row.CustomerID,
				nullableStr(row.LineVariantID), nullableStr(row.Handle))
			if err != nil {
				return stats, fmt.Errorf("import active %s: %w", row.ContractID, err)
			}
			stats.ActiveUpserted++
			continue
		}
		_, err = cancelledStmt.ExecContext(ctx, shop, row.ContractID, row.CustomerID,
			nullableStr(row.LineVariantID), nullableStr(row.Handle), row.Status)
		if err != nil {
			return stats, fmt.Errorf("import cancelled %s: %w", row.ContractID, err)
		}
		stats.CancelledUpserted++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit import: %w", err)
	}
	s.logger.Infow("Subscription import complete", "shop", shop,
		"active", stats.ActiveUpserted, "cancelled", stats.CancelledUpserted)
	return stats, nil
}

// FilterStats summarizes the move of staged cancellations into a month's
// removal targets.
type FilterStats struct {
	Total            int `json:"total"`
	Inserted         int `json:"inserted"`
	SkippedActive    int `json:"skipped_active"`
	SkippedDuplicate int `json:"skipped_duplicate"`
}

// FilterCancelledToPrevious turns staged cancellations into pending removal
// targets for the month. Customers who still hold any active contract are
// skipped; contracts already targeted this month are counted as duplicates.
func (s *Store) FilterCancelledToPrevious(ctx context.Context, shop, monthStamp string) (FilterStats, error) {
	var stats FilterStats

	subs, err := s.CancelledSubs(ctx, shop)
	if err != nil {
		return stats, err
	}
	stats.Total = len(subs)

	for _, sub := range subs {
		active, err := s.HasActiveSub(ctx, shop, sub.CustomerID)
		if err != nil {
			return stats, err
		}
		if active {
			stats.SkippedActive++
			continue
		}

		res, err := s.db.ExecContext(ctx, `
            INSERT INTO previous_cancelled_subs
                (shop, month_stamp, contract_id, customer_id, email, line_variant_id, handle, removal_status)
            VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
            ON CONFLICT (shop, contract_id, month_stamp) DO NOTHING
        `, shop, monthStamp, sub.ContractID, nullableStr(sub.CustomerID),
			nullableStr(sub.Email), nullableStr(sub.LineVariantID), nullableStr(sub.Handle))
		if err != nil {
			return stats, fmt.Errorf("stage removal target %s: %w", sub.ContractID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stats.Inserted++
		} else {
			stats.SkippedDuplicate++
		}
	}

	s.logger.Infow("Staged cancellations for removal", "shop", shop, "month", monthStamp,
		"total", stats.Total, "inserted", stats.Inserted,
		"skipped_active", stats.SkippedActive, "skipped_duplicate", stats.SkippedDuplicate)
	return stats, nil
}
