package repository

import (
	"context"
	"encoding/json"
	"fmt"
)

// UpsertDeclaration inserts or replaces the declaration of a variant and
// returns the stored row.
func (r *PostgresRepository) UpsertDeclaration(ctx context.Context, decl VariantDeclaration) (VariantDeclaration, error) {
	var stored VariantDeclaration
	err := r.pool.QueryRow(ctx, `
		INSERT INTO variant_declarations (shop_id, variant_id, sku, declaration)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (shop_id, variant_id) DO UPDATE
		SET sku = EXCLUDED.sku,
		    declaration = EXCLUDED.declaration,
		    updated_at = NOW()
		RETURNING shop_id, variant_id, sku, declaration, created_at, updated_at
	`,
		decl.ShopID,
		decl.VariantID,
		decl.SKU,
		ensureJSON(decl.Declaration, "null"),
	).Scan(
		&stored.ShopID,
		&stored.VariantID,
		&stored.SKU,
		&stored.Declaration,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err != nil {
		return VariantDeclaration{}, fmt.Errorf("upsert declaration: %w", err)
	}

	return stored, nil
}

// GetDeclaration returns the declaration of one variant. Returns
// pgx.ErrNoRows (wrapped) if the variant has none.
func (r *PostgresRepository) GetDeclaration(ctx context.Context, shopID, variantID string) (VariantDeclaration, error) {
	var decl VariantDeclaration
	err := r.pool.QueryRow(ctx, `
		SELECT shop_id, variant_id, sku, declaration, created_at, updated_at
		FROM variant_declarations
		WHERE shop_id = $1 AND variant_id = $2
	`, shopID, variantID).Scan(
		&decl.ShopID,
		&decl.VariantID,
		&decl.SKU,
		&decl.Declaration,
		&decl.CreatedAt,
		&decl.UpdatedAt,
	)
	if err != nil {
		return VariantDeclaration{}, fmt.Errorf("get declaration: %w", err)
	}

	return decl, nil
}

// ListDeclarations returns every declaration of a shop ordered by variant id.
func (r *PostgresRepository) ListDeclarations(ctx context.Context, shopID string) ([]VariantDeclaration, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT shop_id, variant_id, sku, declaration, created_at, updated_at
		FROM variant_declarations
		WHERE shop_id = $1
		ORDER BY variant_id
	`, shopID)
	if err != nil {
		return nil, fmt.Errorf("list declarations: %w", err)
	}
	defer rows.Close()

	decls := make([]VariantDeclaration, 0)
	for rows.Next() {
		var decl VariantDeclaration
		if err := rows.Scan(
			&decl.ShopID,
			&decl.VariantID,
			&decl.SKU,
			&decl.Declaration,
			&decl.CreatedAt,
			&decl.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan declaration: %w", err)
		}

		decls = append(decls, decl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list declarations rows: %w", err)
	}

	return decls, nil
}

// DeleteDeclaration removes the declaration of a variant. Returns
// pgx.ErrNoRows (wrapped) if there was none.
func (r *PostgresRepository) DeleteDeclaration(ctx context.Context, shopID, variantID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM variant_declarations WHERE shop_id = $1 AND variant_id = $2
	`, shopID, variantID)
	if err != nil {
		return fmt.Errorf("delete declaration: %w", err)
	}

	return noRowsAffected(commandTag, "delete declaration")
}

// FetchDeclarations returns the raw declarations of the requested variants
// in one round trip. Variants without a row are absent from the result.
func (r *PostgresRepository) FetchDeclarations(ctx context.Context, shopID string, variantIDs []string) (map[string]json.RawMessage, error) {
	found := make(map[string]json.RawMessage, len(variantIDs))
	if len(variantIDs) == 0 {
		return found, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT variant_id, declaration
		FROM variant_declarations
		WHERE shop_id = $1 AND variant_id = ANY($2)
	`, shopID, variantIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch declarations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			variantID   string
			declaration json.RawMessage
		)
		if err := rows.Scan(&variantID, &declaration); err != nil {
			return nil, fmt.Errorf("scan fetched declaration: %w", err)
		}
		found[variantID] = declaration
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch declarations rows: %w", err)
	}

	return found, nil
}
