// Package middleware provides authentication, auth failure throttling and
// request logging for the compatz HTTP and gRPC transports. Callers present
// API keys as bearer tokens of the form "<keyID>.<secret>"; only a bcrypt
// hash of the secret is stored.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var errInvalidTokenFormat = errors.New("invalid token format")

// Principal identifies the caller behind a validated token.
type Principal struct {
	ShopID string
	KeyID  string
}

// APIKeyLookup returns the stored hash and owning shop of a non-revoked key.
type APIKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, string, error)
}

// APIKeyValidator validates "<keyID>.<secret>" tokens against stored hashes.
type APIKeyValidator struct {
	lookup APIKeyLookup
}

// NewAPIKeyValidator returns a [TokenValidator] backed by lookup.
func NewAPIKeyValidator(lookup APIKeyLookup) *APIKeyValidator {
	return &APIKeyValidator{lookup: lookup}
}

// ValidateToken implements [TokenValidator].
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (Principal, error) {
	if v == nil || v.lookup == nil {
		return Principal{}, errors.New("api key validator is nil")
	}

	keyID, secret, err := ParseAPIKeyToken(token)
	if err != nil {
		return Principal{}, err
	}

	keyHash, shopID, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return Principal{}, fmt.Errorf("lookup key hash: %w", err)
	}
	if !APIKeyMatchesHash(keyHash, secret) {
		return Principal{}, errors.New("invalid token")
	}

	return Principal{ShopID: shopID, KeyID: keyID}, nil
}

// ParseAPIKeyToken splits a token into key id and secret.
func ParseAPIKeyToken(token string) (string, string, error) {
	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", "", errInvalidTokenFormat
	}
	return keyID, secret, nil
}

// APIKeyMatchesHash reports whether secret matches a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}
