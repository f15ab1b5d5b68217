// Package repository provides PostgreSQL-backed persistence for variant
// exclusion declarations, order attributes written after a compatibility
// check, the check history, and API keys. It also relays LISTEN/NOTIFY
// declaration change events so caches in front of it can be invalidated.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultNotifyChannel = "declaration_changes"

// VariantDeclaration is the stored exclusion metadata of one merchandise
// variant. Declaration holds the raw JSON value (string, boolean or null);
// parsing happens in the core package.
type VariantDeclaration struct {
	ShopID      string          `json:"-"`
	VariantID   string          `json:"variant_id"`
	SKU         string          `json:"sku"`
	Declaration json.RawMessage `json:"declaration"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DeclarationChange identifies a variant whose declaration row changed.
type DeclarationChange struct {
	ShopID    string `json:"shop_id"`
	VariantID string `json:"variant_id"`
}

// PostgresRepository implements declaration, attribute, check history and
// API key persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] listening on the
// default "declaration_changes" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// given LISTEN/NOTIFY channel for declaration change notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// SubscribeDeclarationChanges returns a channel receiving every declaration
// change notified on the LISTEN channel. The listener reconnects after
// connection loss; the channel is closed once ctx is done.
func (r *PostgresRepository) SubscribeDeclarationChanges(ctx context.Context) (<-chan DeclarationChange, error) {
	changes := make(chan DeclarationChange, 64)

	go r.runDeclarationListener(ctx, changes)

	return changes, nil
}

func (r *PostgresRepository) runDeclarationListener(ctx context.Context, changes chan<- DeclarationChange) {
	defer close(changes)

	for {
		err := r.listenForDeclarationChanges(ctx, changes)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForDeclarationChanges(ctx context.Context, changes chan<- DeclarationChange) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for declaration notification: %w", err)
		}

		change, err := parseNotifyPayload(notification.Payload)
		if err != nil {
			continue
		}

		select {
		case changes <- change:
		case <-ctx.Done():
			return nil
		}
	}
}

func noRowsAffected(commandTag pgconn.CommandTag, operation string) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operation, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func parseNotifyPayload(payload string) (DeclarationChange, error) {
	var change DeclarationChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return DeclarationChange{}, fmt.Errorf("decode notify payload: %w", err)
	}
	if strings.TrimSpace(change.ShopID) == "" || strings.TrimSpace(change.VariantID) == "" {
		return DeclarationChange{}, fmt.Errorf("decode notify payload: missing shop or variant id")
	}

	return change, nil
}
