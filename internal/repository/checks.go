package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ConflictCheck records the outcome of one compatibility check of a cart.
type ConflictCheck struct {
	ID            string          `json:"id"`
	ShopID        string          `json:"-"`
	CartID        string          `json:"cart_id"`
	ConflictCount int             `json:"conflict_count"`
	Attributes    json.RawMessage `json:"attributes"`
	Applied       bool            `json:"applied"`
	CreatedAt     time.Time       `json:"created_at"`
}

// InsertCheck stores a check record. The caller supplies the id.
func (r *PostgresRepository) InsertCheck(ctx context.Context, check ConflictCheck) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO conflict_checks (id, shop_id, cart_id, conflict_count, attributes, applied)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		check.ID,
		check.ShopID,
		check.CartID,
		check.ConflictCount,
		ensureJSON(check.Attributes, "{}"),
		check.Applied,
	)
	if err != nil {
		return fmt.Errorf("insert check: %w", err)
	}

	return nil
}

// ListChecks returns up to limit check records of a cart, newest first.
func (r *PostgresRepository) ListChecks(ctx context.Context, shopID, cartID string, limit int) ([]ConflictCheck, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, shop_id, cart_id, conflict_count, attributes, applied, created_at
		FROM conflict_checks
		WHERE shop_id = $1 AND cart_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, shopID, cartID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	defer rows.Close()

	checks := make([]ConflictCheck, 0)
	for rows.Next() {
		var c ConflictCheck
		if err := rows.Scan(&c.ID, &c.ShopID, &c.CartID, &c.ConflictCount, &c.Attributes, &c.Applied, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		checks = append(checks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checks rows: %w", err)
	}

	return checks, nil
}
