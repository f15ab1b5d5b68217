package repository

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ValidateAPIKey returns the stored hash and shop ID for a non-revoked key ID.
// Callers compare the secret against the hash.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var shopID string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, shop_id
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &shopID); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, shopID, nil
}

// CreateAPIKey generates a key for a shop and stores a bcrypt hash of its
// secret. The secret is returned only here.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, shopID, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, shop_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, shopID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// RevokeAPIKey marks a key as revoked. Returns pgx.ErrNoRows (wrapped) if
// the key does not exist or is already revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	return noRowsAffected(commandTag, "revoke api key")
}
