package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
)

// ApplyAttributes writes the order attributes of a cart together with the
// idempotency key of the values, in a single transaction.
func (r *PostgresRepository) ApplyAttributes(ctx context.Context, shopID, cartID string, values map[string]string, idempotencyKey string) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, key := range keys {
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_attributes (shop_id, cart_id, key, value)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (shop_id, cart_id, key) DO UPDATE
				SET value = EXCLUDED.value,
				    updated_at = NOW()
			`, shopID, cartID, key, values[key]); err != nil {
				return fmt.Errorf("write attribute %q: %w", key, err)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO attribute_applications (shop_id, cart_id, idempotency_key)
			VALUES ($1, $2, $3)
			ON CONFLICT (shop_id, cart_id) DO UPDATE
			SET idempotency_key = EXCLUDED.idempotency_key,
			    applied_at = NOW()
		`, shopID, cartID, idempotencyKey); err != nil {
			return fmt.Errorf("record idempotency key: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("apply attributes: %w", err)
	}

	return nil
}

// GetAttributes returns the persisted order attributes of a cart. A cart
// with no attributes yields an empty map.
func (r *PostgresRepository) GetAttributes(ctx context.Context, shopID, cartID string) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT key, value
		FROM order_attributes
		WHERE shop_id = $1 AND cart_id = $2
	`, shopID, cartID)
	if err != nil {
		return nil, fmt.Errorf("get attributes: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		values[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get attributes rows: %w", err)
	}

	return values, nil
}

// LastAppliedKey returns the idempotency key of the last attribute write for
// a cart, or "" if attributes were never written.
func (r *PostgresRepository) LastAppliedKey(ctx context.Context, shopID, cartID string) (string, error) {
	var key string
	err := r.pool.QueryRow(ctx, `
		SELECT idempotency_key
		FROM attribute_applications
		WHERE shop_id = $1 AND cart_id = $2
	`, shopID, cartID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last applied key: %w", err)
	}

	return key, nil
}
