package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"shopflow/internal/log"
)

// Store keeps an audit trail of every order webhook that reached the
// pipeline, independent of what processing did with it.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

func NewStore(db *sql.DB, logger *log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS orders_seen (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            order_id VARCHAR(64) NOT NULL,
            order_name VARCHAR(64),
            customer_id VARCHAR(64),
            email VARCHAR(320),
            raw_payload JSONB,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_orders_seen UNIQUE (shop, order_id)
        );
    `)
	if err != nil {
		return fmt.Errorf("ensure orders_seen schema: %w", err)
	}
	return nil
}

// SaveSeen records the order. Failures here are logged and swallowed so a
// broken audit row never blocks order processing.
func (s *Store) SaveSeen(ctx context.Context, shop string, order *Order, raw json.RawMessage) {
	customer := ExtractCustomerInfo(order)
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO orders_seen (shop, order_id, order_name, customer_id, email, raw_payload)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (shop, order_id) DO UPDATE
        SET order_name = EXCLUDED.order_name,
            customer_id = EXCLUDED.customer_id,
            email = EXCLUDED.email
    `, shop, order.OrderID(), nullableStr(order.OrderName()),
		nullableStr(customer.CustomerID), nullableStr(customer.Email), truncateJSON(raw, 60000))
	if err != nil {
		s.logger.Errorw("Failed to record seen order",
			"shop", shop, "order", order.OrderID(), "error", err)
	}
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncateJSON(raw json.RawMessage, n int) any {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) > n {
		// oversize payloads are stored as a stub so the row still exists
		stub, _ := json.Marshal(map[string]any{"truncated": true, "bytes": len(raw)})
		return stub
	}
	return []byte(raw)
}
